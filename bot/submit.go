package bot

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/airylvat/mathletics-bot/db"
	"github.com/airylvat/mathletics-bot/engine"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

func (b *Bot) handleSubmit(m *discordgo.Message, args []string) {
	comp := b.competition()
	if comp == nil || !comp.Active() {
		b.send(m.ChannelID, "Competition has not started.")
		return
	}
	teamID, ok := comp.TeamFor(m.ChannelID)
	if !ok {
		b.reply(m, fmt.Sprintf("This channel is not a competitor channel. Ask an invigilator to run `%scompetitor <team id>` here.", b.cfg.CommandPrefix))
		return
	}
	if len(args) != 1 {
		b.reply(m, fmt.Sprintf("Usage: `%ssubmit <question number>`", b.cfg.CommandPrefix))
		return
	}
	questionID, err := strconv.Atoi(args[0])
	if err != nil {
		b.reply(m, "**Chosen question does not exist!**")
		return
	}

	in, err := comp.Engine.Begin(teamID)
	if err != nil {
		b.reply(m, "The command is currently running in this channel! Please wait.")
		return
	}
	started := comp.Go(func(ctx context.Context) {
		defer in.Release()
		b.runSubmission(ctx, comp, in, m, questionID)
	})
	if !started {
		in.Release()
		b.reply(m, "Competition has ended.")
	}
}

// submission is one team's conversation about one question.
type submission struct {
	comp       *Competition
	in         *engine.Interaction
	channelID  string
	authorID   string
	questionID int
	log        *zap.Logger
}

func (b *Bot) runSubmission(ctx context.Context, comp *Competition, in *engine.Interaction, m *discordgo.Message, questionID int) {
	s := &submission{
		comp:       comp,
		in:         in,
		channelID:  m.ChannelID,
		authorID:   m.Author.ID,
		questionID: questionID,
		log:        b.log.With(zap.Int("team_id", in.TeamID()), zap.Int("question_id", questionID)),
	}

	if slices.Contains(comp.Engine.OpenClaims(in.TeamID()), questionID) {
		b.send(s.channelID, fmt.Sprintf("Resuming question %d; the timer kept running.", questionID))
		b.answerLoop(ctx, s)
		return
	}

	q, err := comp.Ledger.GetQuestion(ctx, questionID)
	if errors.Is(err, db.ErrNotFound) {
		b.send(s.channelID, "**Chosen question does not exist!**")
		return
	}
	if err != nil {
		s.log.Error("read question", zap.Error(err))
		b.send(s.channelID, "Something went wrong while loading the question. Please contact an invigilator.")
		return
	}

	b.sendEmbed(s.channelID, questionOverviewEmbed(q.ID, q.BaseScore))
	b.send(s.channelID, fmt.Sprintf("Enter the question number to start question %d or any character to cancel:", questionID))

	confirm, err := b.inbox.Await(ctx, s.channelID, s.authorID, b.cfg.ConfirmTimeout)
	if errors.Is(err, errWaitTimeout) {
		b.send(s.channelID, "Command timed out.")
		return
	}
	if err != nil {
		return
	}
	if strings.TrimSpace(confirm.Content) != strconv.Itoa(questionID) {
		b.send(s.channelID, "Question cancelled.")
		return
	}

	if _, err := in.Claim(ctx, questionID); err != nil {
		state, statusErr := comp.Engine.Status(ctx, in.TeamID(), questionID)
		if statusErr == nil && state == engine.Open {
			b.offerStaleForfeit(ctx, s)
			return
		}
		b.send(s.channelID, userMessage(err))
		return
	}
	b.send(s.channelID, fmt.Sprintf("Timer for question %d started.", questionID))
	b.answerLoop(ctx, s)
}

func (b *Bot) answerLoop(ctx context.Context, s *submission) {
	team := fmt.Sprintf("Team %d", s.in.TeamID())
	for {
		b.send(s.channelID, fmt.Sprintf("Enter your answer for question %d or `skip` to forfeit:", s.questionID))

		msg, err := b.inbox.Await(ctx, s.channelID, "", b.cfg.AnswerIdleTimeout)
		if errors.Is(err, errWaitTimeout) {
			b.send(s.channelID, "No answer received in time.")
			b.forfeit(ctx, s, "idle")
			return
		}
		if err != nil {
			return
		}

		if strings.TrimSpace(msg.Content) == "skip" {
			if b.confirmSkip(ctx, s) {
				b.forfeit(ctx, s, "skip")
				return
			}
			continue
		}

		res, err := s.in.Answer(ctx, s.questionID, msg.Content)
		if err != nil {
			b.send(s.channelID, userMessage(err))
			if errors.Is(err, engine.ErrStorage) {
				continue
			}
			return
		}
		if res.Ignored {
			if strings.TrimSpace(msg.Content) == "" {
				b.send(s.channelID, "Empty answers are not counted.")
			} else {
				b.send(s.channelID, fmt.Sprintf("Answer cannot begin with `%s`", b.cfg.CommandPrefix))
				b.send(s.channelID, "This response will not affect your attempts.")
			}
			continue
		}

		b.sendEmbed(s.channelID, attemptEmbed("", s.questionID, res))
		b.sendEmbed(s.comp.ModChannel(), attemptEmbed(team, s.questionID, res))
		if !res.Correct {
			continue
		}

		b.sendEmbed(s.channelID, summaryEmbed("", s.questionID, res))
		b.sendEmbed(s.comp.ModChannel(), summaryEmbed(team, s.questionID, res))
		b.postLeaderboard(ctx, s.comp)
		b.send(s.channelID, fmt.Sprintf("Use `%ssubmit <question number>` to start next question.", b.cfg.CommandPrefix))
		return
	}
}

// confirmSkip asks for a typed y before a forfeit.
func (b *Bot) confirmSkip(ctx context.Context, s *submission) bool {
	check, err := s.in.Forfeit(ctx, s.questionID, false)
	if err != nil {
		b.send(s.channelID, userMessage(err))
		return false
	}
	if !check.NeedsConfirmation {
		return false
	}

	b.send(s.channelID, "You will not be able to re-attempt this question. Enter `y` to skip or any character to cancel skip:")
	reply, err := b.inbox.Await(ctx, s.channelID, "", b.cfg.ConfirmTimeout)
	if errors.Is(err, errWaitTimeout) {
		b.send(s.channelID, "Command timed out.")
		return false
	}
	if err != nil {
		return false
	}
	if strings.TrimSpace(reply.Content) != "y" {
		b.send(s.channelID, "Skip cancelled.")
		return false
	}
	return true
}

// offerStaleForfeit handles a question left open by an earlier run of the
// bot. Its timer is gone, so it can only be forfeited.
func (b *Bot) offerStaleForfeit(ctx context.Context, s *submission) {
	b.send(s.channelID, fmt.Sprintf("Question %d was left open before the bot restarted and its timer is lost.", s.questionID))
	if b.confirmSkip(ctx, s) {
		b.forfeit(ctx, s, "stale")
	}
}

func (b *Bot) forfeit(ctx context.Context, s *submission, reason string) {
	res, err := s.in.Forfeit(ctx, s.questionID, true)
	if err != nil {
		s.log.Error("forfeit", zap.String("reason", reason), zap.Error(err))
		b.send(s.channelID, userMessage(err))
		return
	}
	s.log.Info("forfeit posted", zap.String("reason", reason), zap.Int("attempts", res.Attempts))

	b.send(s.channelID, "Question forfeited.")
	b.send(s.comp.ModChannel(), fmt.Sprintf("**Team %d forfeited question %d**", s.in.TeamID(), s.questionID))
	b.sendEmbed(s.channelID, forfeitEmbed(s.questionID))
	b.send(s.channelID, fmt.Sprintf("Use `%ssubmit <question number>` to start next question.", b.cfg.CommandPrefix))
}
