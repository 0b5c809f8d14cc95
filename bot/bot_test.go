package bot

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/airylvat/mathletics-bot/config"
	"github.com/airylvat/mathletics-bot/engine"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

const (
	adminID     = "100"
	cmdChannel  = "200"
	modChannel  = "210"
	resChannel  = "220"
	teamChannel = "300"
	competitor  = "400"
)

type sentMessage struct {
	channelID string
	content   string
	embed     *discordgo.MessageEmbed
}

type fakeChat struct {
	mu      sync.Mutex
	nextID  int
	sent    []sentMessage
	deleted []string
	roles   map[string][]string
}

func (f *fakeChat) record(channelID, content string, embed *discordgo.MessageEmbed) *discordgo.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.sent = append(f.sent, sentMessage{channelID: channelID, content: content, embed: embed})
	return &discordgo.Message{ID: strconv.Itoa(f.nextID), ChannelID: channelID, Content: content}
}

func (f *fakeChat) ChannelMessageSend(channelID string, content string, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	return f.record(channelID, content, nil), nil
}

func (f *fakeChat) ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	return f.record(channelID, "", embed), nil
}

func (f *fakeChat) ChannelMessageSendReply(channelID string, content string, _ *discordgo.MessageReference, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	return f.record(channelID, content, nil), nil
}

func (f *fakeChat) ChannelMessageDelete(_, messageID string, _ ...discordgo.RequestOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, messageID)
	return nil
}

func (f *fakeChat) GuildMember(_, userID string, _ ...discordgo.RequestOption) (*discordgo.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	roles, ok := f.roles[userID]
	if !ok {
		return nil, fmt.Errorf("member %s not found", userID)
	}
	return &discordgo.Member{Roles: roles}, nil
}

// contains reports whether any message to channelID contains text.
func (f *fakeChat) contains(channelID, text string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.sent {
		if m.channelID == channelID && strings.Contains(m.content, text) {
			return true
		}
	}
	return false
}

func (f *fakeChat) embeds(channelID, title string) []*discordgo.MessageEmbed {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*discordgo.MessageEmbed
	for _, m := range f.sent {
		if m.channelID == channelID && m.embed != nil && m.embed.Title == title {
			out = append(out, m.embed)
		}
	}
	return out
}

type harness struct {
	t    *testing.T
	bot  *Bot
	chat *fakeChat
	srv  *httptest.Server
	seq  int
}

func newHarness(t *testing.T, mutate func(cfg *config.Config)) *harness {
	t.Helper()
	cfg := &config.Config{
		DiscordToken:   "token",
		AdminID:        adminID,
		CommandPrefix:  "!",
		DatabaseDir:    filepath.Join(t.TempDir(), "comp_dbs"),
		ConfirmTimeout: 2 * time.Second,
	}
	if mutate != nil {
		mutate(cfg)
	}

	files := map[string]string{
		"/questions.csv": "id,answer,base_score\n1,42,10\n2,x^2,20\n",
		"/teams.csv":     "1,Red,Ann;Bo,,0\n2,Blue,Cy,,5\n",
		"/broken.csv":    "1,42,ten\n",
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)

	chat := &fakeChat{}
	b := newBot(chat, cfg, zap.NewNop())
	b.client = srv.Client()
	b.now = func() time.Time { return time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC) }
	t.Cleanup(func() {
		if err := b.Close(); err != nil {
			t.Errorf("close bot: %v", err)
		}
	})
	return &harness{t: t, bot: b, chat: chat, srv: srv}
}

func (h *harness) say(channelID, authorID, content string, attachments ...string) {
	h.seq++
	m := &discordgo.Message{
		ID:        "m" + strconv.Itoa(h.seq),
		ChannelID: channelID,
		GuildID:   "guild",
		Author:    &discordgo.User{ID: authorID, Username: "user" + authorID},
		Content:   content,
	}
	for _, name := range attachments {
		m.Attachments = append(m.Attachments, &discordgo.MessageAttachment{Filename: name, URL: h.srv.URL + "/" + name})
	}
	h.bot.dispatch(m)
}

// reply waits until a conversation is listening in channelID and answers it.
func (h *harness) reply(channelID, authorID, content string) {
	h.t.Helper()
	waitFor(h.t, "conversation waiting in "+channelID, func() bool {
		return h.bot.inbox.Waiting(channelID, authorID) || h.bot.inbox.Waiting(channelID, "")
	})
	h.say(channelID, authorID, content)
}

func (h *harness) expect(channelID, text string) {
	h.t.Helper()
	waitFor(h.t, fmt.Sprintf("%q in %s", text, channelID), func() bool {
		return h.chat.contains(channelID, text)
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// waitIdle waits until no submission holds the team.
func waitIdle(t *testing.T, comp *Competition, teamID int) {
	t.Helper()
	waitFor(t, "team to be idle", func() bool {
		in, err := comp.Engine.Begin(teamID)
		if err != nil {
			return false
		}
		in.Release()
		return true
	})
}

// setup creates a running competition with team 1 bound to teamChannel.
func (h *harness) setup() *Competition {
	h.t.Helper()
	h.say(cmdChannel, adminID, "!set_comp spring <#"+modChannel+"> <#"+resChannel+">")
	h.expect(cmdChannel, "Competition 2024-03-01_spring created!")
	h.say(cmdChannel, adminID, "!set_questions", "questions.csv")
	h.expect(cmdChannel, "Questions set. (2 questions)")
	h.say(cmdChannel, adminID, "!set_teams", "teams.csv")
	h.expect(cmdChannel, "Teams set. (2 teams)")
	h.say(teamChannel, adminID, "!competitor 1")
	h.expect(teamChannel, "Competitor channel added")
	h.say(cmdChannel, adminID, "!start_comp")
	h.expect(cmdChannel, "Competition started.")

	comp := h.bot.competition()
	if comp == nil {
		h.t.Fatal("competition not set")
	}
	return comp
}

func TestSetCompCreatesDatabase(t *testing.T) {
	h := newHarness(t, nil)
	comp := h.setup()

	want := filepath.Join(h.bot.cfg.DatabaseDir, "2024-03-01_spring.db")
	if comp.Path != want {
		t.Fatalf("path = %q, want %q", comp.Path, want)
	}
	if _, err := os.Stat(want); err != nil {
		t.Fatalf("stat database: %v", err)
	}
	if !h.chat.contains(teamChannel, "The competition has started.") {
		t.Fatal("competitor channel was not told about the start")
	}
	if got := len(h.chat.embeds(resChannel, "Live Leaderboard")); got != 1 {
		t.Fatalf("leaderboards posted = %d, want 1", got)
	}
}

func TestSetCompValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{name: "missing args", content: "!set_comp spring", want: "Usage:"},
		{name: "bad channel", content: "!set_comp spring general <#" + resChannel + ">", want: "Invalid channel(s)."},
		{name: "same channel", content: "!set_comp spring <#" + modChannel + "> <#" + modChannel + ">", want: "must be different"},
		{name: "bad name", content: "!set_comp ../x <#" + modChannel + "> <#" + resChannel + ">", want: "may only contain"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.say(cmdChannel, adminID, tt.content)
			h.expect(cmdChannel, tt.want)
			if h.bot.competition() != nil {
				t.Fatal("competition must not be created")
			}
		})
	}
}

func TestSetCompRejectsTakenName(t *testing.T) {
	h := newHarness(t, nil)
	h.setup()
	h.say(cmdChannel, adminID, "!stop_comp")
	h.expect(cmdChannel, "Competition stopped.")

	h.say(cmdChannel, adminID, "!set_comp spring <#"+modChannel+"> <#"+resChannel+">")
	h.expect(cmdChannel, "Competition name taken.")
}

func TestAdminCommandsRequirePermission(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) { cfg.AdminRoleID = "invigilator" })
	h.chat.roles = map[string][]string{"501": {"invigilator"}, "502": {"other"}}

	h.say(cmdChannel, "502", "!status")
	h.expect(cmdChannel, "You do not have permission to use this command.")

	h.say(cmdChannel, "501", "!status")
	h.expect(cmdChannel, "Competition has not started.")
}

func TestCommandsWithoutCompetition(t *testing.T) {
	h := newHarness(t, nil)
	h.say(cmdChannel, adminID, "!start_comp")
	h.expect(cmdChannel, "No active competitions. Run `!set_comp`")

	h.say(teamChannel, competitor, "!submit 1")
	h.expect(teamChannel, "Competition has not started.")
}

func TestSubmitCorrectAfterWrongAnswer(t *testing.T) {
	h := newHarness(t, nil)
	comp := h.setup()

	h.say(teamChannel, competitor, "!submit 1")
	h.reply(teamChannel, competitor, "1")
	h.expect(teamChannel, "Timer for question 1 started.")
	h.reply(teamChannel, competitor, "41")
	h.reply(teamChannel, competitor, "!leaderboard")
	h.expect(teamChannel, "This response will not affect your attempts.")
	h.reply(teamChannel, competitor, "42")
	h.expect(teamChannel, "to start next question")

	team, err := comp.Ledger.GetTeam(context.Background(), 1)
	if err != nil {
		t.Fatalf("get team: %v", err)
	}
	if team.TotalScore != 8 {
		t.Fatalf("total = %d, want 8", team.TotalScore)
	}

	results := h.chat.embeds(teamChannel, "Submission Results")
	if len(results) != 2 {
		t.Fatalf("submission results = %d, want 2", len(results))
	}
	if results[0].Color != colorIncorrect || results[1].Color != colorCorrect {
		t.Fatalf("colors = %#x, %#x", results[0].Color, results[1].Color)
	}
	if got := len(h.chat.embeds(modChannel, "Team 1")); got != 3 {
		t.Fatalf("moderation embeds = %d, want 3", got)
	}
	if got := len(h.chat.embeds(resChannel, "Live Leaderboard")); got != 2 {
		t.Fatalf("leaderboards posted = %d, want 2", got)
	}
	if len(h.chat.deleted) != 1 {
		t.Fatalf("deleted = %v, want the first leaderboard", h.chat.deleted)
	}
}

func TestSubmitCancelledByWrongConfirmation(t *testing.T) {
	h := newHarness(t, nil)
	comp := h.setup()

	h.say(teamChannel, competitor, "!submit 2")
	h.reply(teamChannel, competitor, "3")
	h.expect(teamChannel, "Question cancelled.")

	state, err := comp.Engine.Status(context.Background(), 1, 2)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if state != engine.Unclaimed {
		t.Fatalf("state = %v, want unclaimed", state)
	}
}

func TestSubmitConfirmationTimesOut(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) { cfg.ConfirmTimeout = 20 * time.Millisecond })
	comp := h.setup()

	h.say(teamChannel, competitor, "!submit 1")
	h.expect(teamChannel, "Command timed out.")

	if state, _ := comp.Engine.Status(context.Background(), 1, 1); state != engine.Unclaimed {
		t.Fatalf("state = %v, want unclaimed", state)
	}
}

func TestSubmitUnknownQuestion(t *testing.T) {
	h := newHarness(t, nil)
	h.setup()

	h.say(teamChannel, competitor, "!submit 9")
	h.expect(teamChannel, "Chosen question does not exist!")
}

func TestSubmitWhileBusy(t *testing.T) {
	h := newHarness(t, nil)
	h.setup()

	h.say(teamChannel, competitor, "!submit 1")
	waitFor(t, "confirmation prompt", func() bool { return h.bot.inbox.Waiting(teamChannel, competitor) })
	h.say(teamChannel, "401", "!submit 2")
	h.expect(teamChannel, "The command is currently running in this channel! Please wait.")
}

func TestSkipForfeitsQuestion(t *testing.T) {
	h := newHarness(t, nil)
	comp := h.setup()

	h.say(teamChannel, competitor, "!submit 2")
	h.reply(teamChannel, competitor, "2")
	h.reply(teamChannel, competitor, "skip")
	h.expect(teamChannel, "Enter `y` to skip")
	h.reply(teamChannel, competitor, "n")
	h.expect(teamChannel, "Skip cancelled.")
	h.reply(teamChannel, competitor, "skip")
	h.reply(teamChannel, competitor, "y")
	h.expect(teamChannel, "Question forfeited.")
	h.expect(modChannel, "**Team 1 forfeited question 2**")

	a, err := comp.Ledger.GetAttempt(context.Background(), 2, 1)
	if err != nil {
		t.Fatalf("get attempt: %v", err)
	}
	if !a.Forfeited() {
		t.Fatalf("attempt = %+v, want forfeited", a)
	}

	waitIdle(t, comp, 1)
	h.say(teamChannel, competitor, "!submit 2")
	h.reply(teamChannel, competitor, "2")
	h.expect(teamChannel, "Question 2 was forfeited.")
}

func TestSkipIsCaseSensitive(t *testing.T) {
	h := newHarness(t, nil)
	comp := h.setup()

	h.say(teamChannel, competitor, "!submit 1")
	h.reply(teamChannel, competitor, "1")
	h.reply(teamChannel, competitor, "SKIP")
	waitFor(t, "graded answer", func() bool {
		return len(h.chat.embeds(teamChannel, "Submission Results")) == 1
	})

	if res := h.chat.embeds(teamChannel, "Submission Results")[0]; res.Color != colorIncorrect {
		t.Fatalf("color = %#x, want incorrect", res.Color)
	}
	if h.chat.contains(teamChannel, "Enter `y` to skip") {
		t.Fatal("SKIP must be graded as an answer")
	}
	if state, _ := comp.Engine.Status(context.Background(), 1, 1); state != engine.Open {
		t.Fatalf("state = %v, want open", state)
	}
}

func TestIdleAnswerForfeits(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) { cfg.AnswerIdleTimeout = 20 * time.Millisecond })
	comp := h.setup()

	h.say(teamChannel, competitor, "!submit 1")
	h.reply(teamChannel, competitor, "1")
	h.expect(teamChannel, "No answer received in time.")
	h.expect(teamChannel, "Question forfeited.")

	if state, _ := comp.Engine.Status(context.Background(), 1, 1); state != engine.Forfeited {
		t.Fatalf("state = %v, want forfeited", state)
	}
}

func TestMalformedUploadKeepsQuestions(t *testing.T) {
	h := newHarness(t, nil)
	comp := h.setup()

	h.say(cmdChannel, adminID, "!set_questions", "broken.csv")
	h.expect(cmdChannel, "Please attach a correctly formatted questions file. Line 1:")

	h.say(cmdChannel, adminID, "!set_questions", "questions.txt")
	h.expect(cmdChannel, "Invalid file type.")

	h.say(cmdChannel, adminID, "!set_questions")
	h.expect(cmdChannel, "Please attach a valid `.csv` file.")

	questions, err := comp.Ledger.ListQuestions(context.Background())
	if err != nil {
		t.Fatalf("list questions: %v", err)
	}
	if len(questions) != 2 {
		t.Fatalf("questions = %+v, want the original two", questions)
	}
}

func TestCompetitorChannels(t *testing.T) {
	h := newHarness(t, nil)
	comp := h.setup()

	h.say(teamChannel, adminID, "!competitor 7")
	h.expect(teamChannel, "Team 7 is not registered yet")
	if teamID, _ := comp.TeamFor(teamChannel); teamID != 7 {
		t.Fatalf("team = %d, want 7", teamID)
	}

	h.say(teamChannel, adminID, "!remove_competitor")
	h.expect(teamChannel, "Channel removed from competitors")
	h.say(teamChannel, adminID, "!remove_competitor")
	h.expect(teamChannel, "Current channel is not a competitor")

	h.say(teamChannel, competitor, "!submit 1")
	h.expect(teamChannel, "This channel is not a competitor channel.")
}

func TestCompetitorMessagesRelayed(t *testing.T) {
	h := newHarness(t, nil)
	h.setup()

	h.say(teamChannel, competitor, "working on q2")
	h.expect(modChannel, "user400: working on q2")

	h.say(cmdChannel, competitor, "not a team channel")
	if h.chat.contains(modChannel, "not a team channel") {
		t.Fatal("message outside a competitor channel was relayed")
	}

	h.say(cmdChannel, adminID, "!stop_comp")
	h.expect(cmdChannel, "Competition stopped.")
	h.say(teamChannel, competitor, "after the bell")
	if h.chat.contains(modChannel, "after the bell") {
		t.Fatal("message relayed after the competition stopped")
	}
}

func TestUpdateChannels(t *testing.T) {
	h := newHarness(t, nil)
	comp := h.setup()

	h.say(cmdChannel, adminID, "!update_res_channel <#230>")
	h.expect(cmdChannel, "Results channel updated to <#230>.")
	h.say(cmdChannel, adminID, "!update_mod_channel <#240>")
	h.expect(cmdChannel, "Moderation channel updated to <#240>.")

	if comp.ResChannel() != "230" || comp.ModChannel() != "240" {
		t.Fatalf("channels = mod %s res %s", comp.ModChannel(), comp.ResChannel())
	}
}

func TestStopAndEndCompetition(t *testing.T) {
	h := newHarness(t, nil)
	comp := h.setup()

	h.say(cmdChannel, adminID, "!end_comp")
	h.expect(cmdChannel, "Competition is still active.")

	h.say(cmdChannel, adminID, "!stop_comp")
	h.expect(cmdChannel, "Competition stopped.")
	h.expect(resChannel, "The competition has ended.")
	if got := len(h.chat.embeds(teamChannel, "Question Overview")); got != 1 {
		t.Fatalf("end notices = %d, want 1", got)
	}

	h.say(teamChannel, competitor, "!submit 1")
	h.expect(teamChannel, "Competition has not started.")

	h.say(cmdChannel, adminID, "!end_comp")
	h.reply(cmdChannel, adminID, "nope")
	h.expect(cmdChannel, "Command cancelled.")
	if h.bot.competition() != comp {
		t.Fatal("cancelled end_comp must keep the competition")
	}

	h.say(cmdChannel, adminID, "!end_comp")
	h.reply(cmdChannel, adminID, "END")
	h.expect(cmdChannel, "Competition ended.")
	if h.bot.competition() != nil {
		t.Fatal("competition still set after end_comp")
	}
	if _, err := os.Stat(comp.Path); err != nil {
		t.Fatalf("archive missing: %v", err)
	}
}
