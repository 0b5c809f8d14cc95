package bot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/airylvat/mathletics-bot/db"
	"github.com/airylvat/mathletics-bot/engine"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

const (
	noComp       = "No active competitions. Run `%sset_comp` to instantiate a competition."
	maxUploadLen = 1 << 20
)

var compNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

type command struct {
	admin bool
	run   func(m *discordgo.Message, args []string)
}

func (b *Bot) commandTable() map[string]command {
	return map[string]command{
		"hello":              {run: b.handleHello},
		"help":               {run: b.handleHelp},
		"leaderboard":        {run: b.handleLeaderboard},
		"submit":             {run: b.handleSubmit},
		"status":             {admin: true, run: b.handleStatus},
		"set_comp":           {admin: true, run: b.handleSetComp},
		"start_comp":         {admin: true, run: b.handleStartComp},
		"stop_comp":          {admin: true, run: b.handleStopComp},
		"end_comp":           {admin: true, run: b.handleEndComp},
		"competitor":         {admin: true, run: b.handleCompetitor},
		"remove_competitor":  {admin: true, run: b.handleRemoveCompetitor},
		"set_questions":      {admin: true, run: b.handleSetQuestions},
		"set_teams":          {admin: true, run: b.handleSetTeams},
		"update_mod_channel": {admin: true, run: b.handleUpdateModChannel},
		"update_res_channel": {admin: true, run: b.handleUpdateResChannel},
	}
}

// requireComp returns the current competition or tells the caller there is none.
func (b *Bot) requireComp(m *discordgo.Message) *Competition {
	comp := b.competition()
	if comp == nil {
		b.send(m.ChannelID, fmt.Sprintf(noComp, b.cfg.CommandPrefix))
	}
	return comp
}

func (b *Bot) handleHello(m *discordgo.Message, _ []string) {
	b.send(m.ChannelID, fmt.Sprintf("Hello! I am Mathletics Steward. Use `%shelp` to access commands, or contact the administrator to learn more.", b.cfg.CommandPrefix))
}

func (b *Bot) handleHelp(m *discordgo.Message, _ []string) {
	b.sendEmbed(m.ChannelID, helpEmbed(b.cfg.CommandPrefix))
}

func (b *Bot) handleStatus(m *discordgo.Message, _ []string) {
	comp := b.competition()
	if comp == nil {
		b.send(m.ChannelID, "Competition has not started.")
		return
	}
	b.sendEmbed(m.ChannelID, statusEmbed(comp))
}

func (b *Bot) handleSetComp(m *discordgo.Message, args []string) {
	if len(args) < 3 {
		b.send(m.ChannelID, fmt.Sprintf("Usage: `%sset_comp <competition name> <#moderation-channel> <#results channel>`", b.cfg.CommandPrefix))
		return
	}
	if !compNamePattern.MatchString(args[0]) {
		b.send(m.ChannelID, "Competition names may only contain letters, digits, `-` and `_`.")
		return
	}
	modID, okMod := parseChannelMention(args[1])
	resID, okRes := parseChannelMention(args[2])
	if !okMod || !okRes {
		b.send(m.ChannelID, "Invalid channel(s). Use Discord's typing suggestions to ensure channel validity.")
		return
	}
	if modID == resID {
		b.send(m.ChannelID, "Moderation and results channels must be different.")
		return
	}

	if prev := b.competition(); prev != nil && prev.Active() {
		b.send(m.ChannelID, fmt.Sprintf("Competition %s is still active. Use `%sstop_comp` to stop competition.", prev.Name, b.cfg.CommandPrefix))
		return
	}

	name := b.now().Format("2006-01-02_") + args[0]
	path := filepath.Join(b.cfg.DatabaseDir, name+".db")
	if _, err := os.Stat(path); err == nil {
		b.send(m.ChannelID, "Competition name taken. Please select a new one.")
		return
	}
	if err := os.MkdirAll(b.cfg.DatabaseDir, 0o755); err != nil {
		b.log.Error("create database dir", zap.String("dir", b.cfg.DatabaseDir), zap.Error(err))
		b.send(m.ChannelID, "Could not create the competition database.")
		return
	}
	ledger, err := db.Open(path)
	if err != nil {
		b.log.Error("open competition database", zap.String("path", path), zap.Error(err))
		b.send(m.ChannelID, "Could not create the competition database.")
		return
	}

	session := engine.NewSession(ledger,
		engine.WithLogger(b.log.Named("engine").With(zap.String("competition", name))),
		engine.WithClock(b.now),
		engine.WithReservedPrefix(b.cfg.CommandPrefix))
	comp := NewCompetition(b.ctx, name, path, ledger, session, modID, resID)

	b.mu.Lock()
	prev := b.comp
	b.comp = comp
	b.mu.Unlock()
	if prev != nil {
		if err := prev.Close(); err != nil {
			b.log.Warn("close replaced competition", zap.String("competition", prev.Name), zap.Error(err))
		}
	}

	b.log.Info("competition created", zap.String("competition", name), zap.String("path", path), zap.String("user", m.Author.Username))
	b.send(m.ChannelID, fmt.Sprintf("Competition %s created! Moderation will be done in %s and results will be posted in %s.",
		name, channelMention(modID), channelMention(resID)))
	b.send(m.ChannelID, fmt.Sprintf("Please use `%[1]sset_questions <csv>` to add questions and `%[1]sset_teams <csv>` to add teams to the competition.", b.cfg.CommandPrefix))
}

func (b *Bot) handleStartComp(m *discordgo.Message, _ []string) {
	comp := b.requireComp(m)
	if comp == nil {
		return
	}
	if comp.Active() {
		b.send(m.ChannelID, "Competition already active.")
		return
	}
	comp.SetActive(true)

	for _, binding := range comp.Bindings() {
		b.send(binding.ChannelID, fmt.Sprintf("The competition has started. Use `%ssubmit <question number>` to start a question.", b.cfg.CommandPrefix))
	}
	b.postLeaderboard(b.ctx, comp)

	b.log.Info("competition started", zap.String("competition", comp.Name), zap.String("user", m.Author.Username))
	b.send(m.ChannelID, "Competition started.")
}

func (b *Bot) handleStopComp(m *discordgo.Message, _ []string) {
	comp := b.requireComp(m)
	if comp == nil {
		return
	}
	if !comp.Active() {
		b.send(m.ChannelID, "Competition has not been started.")
		return
	}

	for _, binding := range comp.Bindings() {
		b.sendEmbed(binding.ChannelID, endedEmbed(comp.ResChannel()))
	}
	comp.SetActive(false)

	b.postLeaderboard(b.ctx, comp)
	b.send(comp.ResChannel(), "The competition has ended. The final results for this section are shown above.")

	b.log.Info("competition stopped", zap.String("competition", comp.Name), zap.String("user", m.Author.Username))
	b.send(m.ChannelID, "Competition stopped.")
}

func (b *Bot) handleEndComp(m *discordgo.Message, _ []string) {
	comp := b.requireComp(m)
	if comp == nil {
		return
	}
	if comp.Active() {
		b.send(m.ChannelID, fmt.Sprintf("Competition is still active. Use `%sstop_comp` to stop competition.", b.cfg.CommandPrefix))
		return
	}

	b.send(m.ChannelID, "Type 'end' to terminate and archive the current competition.")
	b.goAsync(func(ctx context.Context) {
		reply, err := b.inbox.Await(ctx, m.ChannelID, m.Author.ID, b.cfg.ConfirmTimeout)
		if errors.Is(err, errWaitTimeout) {
			b.send(m.ChannelID, "Command timed out.")
			return
		}
		if err != nil {
			return
		}
		if !strings.EqualFold(strings.TrimSpace(reply.Content), "end") {
			b.send(m.ChannelID, "Command cancelled.")
			return
		}

		b.mu.Lock()
		if b.comp != comp {
			b.mu.Unlock()
			b.send(m.ChannelID, "Competition was already replaced.")
			return
		}
		b.comp = nil
		b.mu.Unlock()

		if err := comp.Close(); err != nil {
			b.log.Error("close competition", zap.String("competition", comp.Name), zap.Error(err))
		}
		b.log.Info("competition ended", zap.String("competition", comp.Name), zap.String("archive", comp.Path))
		b.send(m.ChannelID, "Competition ended.")
	})
}

func (b *Bot) handleCompetitor(m *discordgo.Message, args []string) {
	comp := b.requireComp(m)
	if comp == nil {
		return
	}
	if len(args) != 1 {
		b.send(m.ChannelID, fmt.Sprintf("Usage: `%scompetitor <team id>`", b.cfg.CommandPrefix))
		return
	}
	teamID, err := strconv.Atoi(args[0])
	if err != nil {
		b.send(m.ChannelID, "Team id must be a number.")
		return
	}

	comp.Bind(m.ChannelID, teamID)
	b.log.Info("competitor channel bound", zap.String("channel_id", m.ChannelID), zap.Int("team_id", teamID))

	if _, err := comp.Ledger.GetTeam(b.ctx, teamID); errors.Is(err, db.ErrNotFound) {
		b.send(m.ChannelID, fmt.Sprintf("Competitor channel added. Team %d is not registered yet; upload it with `%sset_teams`.", teamID, b.cfg.CommandPrefix))
		return
	}
	b.send(m.ChannelID, "Competitor channel added")
}

func (b *Bot) handleRemoveCompetitor(m *discordgo.Message, _ []string) {
	comp := b.requireComp(m)
	if comp == nil {
		return
	}
	if !comp.Unbind(m.ChannelID) {
		b.send(m.ChannelID, "Current channel is not a competitor")
		return
	}
	b.send(m.ChannelID, "Channel removed from competitors")
}

func (b *Bot) handleUpdateModChannel(m *discordgo.Message, args []string) {
	b.updateChannel(m, args, "moderation", (*Competition).SetModChannel)
}

func (b *Bot) handleUpdateResChannel(m *discordgo.Message, args []string) {
	b.updateChannel(m, args, "results", (*Competition).SetResChannel)
}

func (b *Bot) updateChannel(m *discordgo.Message, args []string, what string, set func(*Competition, string)) {
	comp := b.requireComp(m)
	if comp == nil {
		return
	}
	if len(args) != 1 {
		b.send(m.ChannelID, "Please mention the new channel.")
		return
	}
	channelID, ok := parseChannelMention(args[0])
	if !ok {
		b.send(m.ChannelID, "Invalid channel. Use Discord's typing suggestions to ensure channel validity.")
		return
	}
	set(comp, channelID)
	b.log.Info("channel updated", zap.String("role", what), zap.String("channel_id", channelID))
	b.send(m.ChannelID, fmt.Sprintf("%s channel updated to %s.", capitalize(what), channelMention(channelID)))
}

func (b *Bot) handleSetQuestions(m *discordgo.Message, _ []string) {
	comp := b.requireComp(m)
	if comp == nil {
		return
	}
	body, ok := b.readAttachment(m)
	if !ok {
		return
	}
	questions, err := db.ParseQuestionsCSV(strings.NewReader(body))
	if err != nil {
		b.send(m.ChannelID, "Please attach a correctly formatted questions file. "+importDetail(err))
		return
	}
	if err := comp.Engine.SetQuestions(b.ctx, questions); err != nil {
		b.send(m.ChannelID, userMessage(err))
		return
	}
	b.send(m.ChannelID, fmt.Sprintf("Questions set. (%d questions)", len(questions)))
}

func (b *Bot) handleSetTeams(m *discordgo.Message, _ []string) {
	comp := b.requireComp(m)
	if comp == nil {
		return
	}
	body, ok := b.readAttachment(m)
	if !ok {
		return
	}
	teams, err := db.ParseTeamsCSV(strings.NewReader(body))
	if err != nil {
		b.send(m.ChannelID, "Please attach a correctly formatted teams file. "+importDetail(err))
		return
	}
	if err := comp.Engine.SetTeams(b.ctx, teams); err != nil {
		b.send(m.ChannelID, userMessage(err))
		return
	}
	b.send(m.ChannelID, fmt.Sprintf("Teams set. (%d teams)", len(teams)))
}

func importDetail(err error) string {
	var importErr *db.ImportError
	if errors.As(err, &importErr) {
		return fmt.Sprintf("Line %d: %s.", importErr.Line, importErr.Reason)
	}
	return ""
}

// readAttachment downloads the single .csv attachment of m.
func (b *Bot) readAttachment(m *discordgo.Message) (string, bool) {
	if len(m.Attachments) != 1 {
		b.send(m.ChannelID, "Please attach a valid `.csv` file.")
		return "", false
	}
	attachment := m.Attachments[0]
	if !strings.HasSuffix(strings.ToLower(attachment.Filename), ".csv") {
		b.send(m.ChannelID, "Invalid file type.")
		return "", false
	}

	body, err := b.fetch(b.ctx, attachment.URL)
	if err != nil {
		b.log.Error("download attachment", zap.String("filename", attachment.Filename), zap.Error(err))
		b.send(m.ChannelID, "Could not download the attached file.")
		return "", false
	}
	return body, true
}

func (b *Bot) fetch(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("get attachment: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("get attachment: unexpected status %s", resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxUploadLen+1))
	if err != nil {
		return "", fmt.Errorf("read attachment: %w", err)
	}
	if len(data) > maxUploadLen {
		return "", fmt.Errorf("attachment larger than %d bytes", maxUploadLen)
	}
	return string(data), nil
}

func (b *Bot) handleLeaderboard(m *discordgo.Message, _ []string) {
	comp := b.requireComp(m)
	if comp == nil {
		return
	}
	snap, err := comp.Engine.Leaderboard(b.ctx)
	if err != nil {
		b.send(m.ChannelID, userMessage(err))
		return
	}
	b.sendEmbed(m.ChannelID, leaderboardEmbed(snap))
}
