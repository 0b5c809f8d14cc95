package bot

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
)

func msg(channelID, authorID, content string) *discordgo.Message {
	return &discordgo.Message{ChannelID: channelID, Author: &discordgo.User{ID: authorID}, Content: content}
}

func TestInboxDeliversToAuthor(t *testing.T) {
	inbox := NewInbox()
	got := make(chan *discordgo.Message, 1)
	go func() {
		m, err := inbox.Await(context.Background(), "c1", "u1", time.Second)
		if err != nil {
			t.Errorf("await: %v", err)
		}
		got <- m
	}()
	waitFor(t, "waiter", func() bool { return inbox.Waiting("c1", "u1") })

	if inbox.Deliver(msg("c1", "u2", "other author")) {
		t.Fatal("message from another author must not be delivered")
	}
	if !inbox.Deliver(msg("c1", "u1", "hello")) {
		t.Fatal("deliver = false, want true")
	}
	if m := <-got; m.Content != "hello" {
		t.Fatalf("content = %q, want hello", m.Content)
	}
	if inbox.Waiting("c1", "u1") {
		t.Fatal("waiter must be removed after delivery")
	}
}

func TestInboxAnyAuthor(t *testing.T) {
	inbox := NewInbox()
	got := make(chan *discordgo.Message, 1)
	go func() {
		m, _ := inbox.Await(context.Background(), "c1", "", 0)
		got <- m
	}()
	waitFor(t, "waiter", func() bool { return inbox.Waiting("c1", "") })

	if inbox.Deliver(msg("c2", "u1", "wrong channel")) {
		t.Fatal("message in another channel must not be delivered")
	}
	if !inbox.Deliver(msg("c1", "u9", "42")) {
		t.Fatal("deliver = false, want true")
	}
	if m := <-got; m == nil || m.Author.ID != "u9" {
		t.Fatalf("message = %+v", m)
	}
}

func TestInboxTimeoutAndCancel(t *testing.T) {
	inbox := NewInbox()
	if _, err := inbox.Await(context.Background(), "c1", "u1", 10*time.Millisecond); !errors.Is(err, errWaitTimeout) {
		t.Fatalf("err = %v, want errWaitTimeout", err)
	}
	if inbox.Waiting("c1", "u1") {
		t.Fatal("timed out waiter must be removed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := inbox.Await(ctx, "c1", "u1", 0); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestInboxOneWaiterPerKey(t *testing.T) {
	inbox := NewInbox()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		inbox.Await(ctx, "c1", "u1", 0)
	}()
	waitFor(t, "waiter", func() bool { return inbox.Waiting("c1", "u1") })

	if _, err := inbox.Await(context.Background(), "c1", "u1", time.Second); !errors.Is(err, errAlreadyWaiting) {
		t.Fatalf("err = %v, want errAlreadyWaiting", err)
	}
	cancel()
	<-done
}
