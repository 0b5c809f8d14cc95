package bot

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
)

var (
	errWaitTimeout    = errors.New("timed out waiting for a reply")
	errAlreadyWaiting = errors.New("already waiting for a reply")
)

type waitKey struct {
	channelID string
	authorID  string
}

// Inbox hands follow-up messages to conversations waiting on them.
type Inbox struct {
	mu      sync.Mutex
	waiters map[waitKey]chan *discordgo.Message
}

func NewInbox() *Inbox {
	return &Inbox{waiters: make(map[waitKey]chan *discordgo.Message)}
}

// Await blocks until authorID posts in channelID. An empty authorID accepts
// anyone in the channel. A zero timeout waits until ctx is done.
func (i *Inbox) Await(ctx context.Context, channelID, authorID string, timeout time.Duration) (*discordgo.Message, error) {
	key := waitKey{channelID: channelID, authorID: authorID}
	ch := make(chan *discordgo.Message, 1)

	i.mu.Lock()
	if _, ok := i.waiters[key]; ok {
		i.mu.Unlock()
		return nil, errAlreadyWaiting
	}
	i.waiters[key] = ch
	i.mu.Unlock()

	defer func() {
		i.mu.Lock()
		if i.waiters[key] == ch {
			delete(i.waiters, key)
		}
		i.mu.Unlock()
	}()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case msg := <-ch:
		return msg, nil
	case <-expired:
		return nil, errWaitTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Deliver passes msg to a waiting conversation and reports whether one took it.
func (i *Inbox) Deliver(msg *discordgo.Message) bool {
	if msg.Author == nil {
		return false
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, key := range []waitKey{
		{channelID: msg.ChannelID, authorID: msg.Author.ID},
		{channelID: msg.ChannelID},
	} {
		if ch, ok := i.waiters[key]; ok {
			delete(i.waiters, key)
			ch <- msg
			return true
		}
	}
	return false
}

func (i *Inbox) Waiting(channelID, authorID string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	_, ok := i.waiters[waitKey{channelID: channelID, authorID: authorID}]
	return ok
}
