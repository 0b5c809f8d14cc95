package engine

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/airylvat/mathletics-bot/db"
	"github.com/airylvat/mathletics-bot/metrics"
	"github.com/airylvat/mathletics-bot/scoring"

	"go.uber.org/zap"
)

type ClaimResult struct {
	TeamID     int
	QuestionID int
	BaseScore  int
	StartedAt  time.Time
}

type AnswerResult struct {
	Correct bool
	// Ignored is set when the submission was not treated as an answer; the
	// attempt counter is unchanged.
	Ignored        bool
	Attempts       int
	ElapsedSeconds int
	// Set only when Correct.
	PointsAwarded int
	NewTotal      int
	Breakdown     scoring.Breakdown
}

type ForfeitResult struct {
	// NeedsConfirmation is set when Forfeit was called unconfirmed; nothing changed.
	NeedsConfirmation bool
	Forfeited         bool
	Attempts          int
	ElapsedSeconds    int
}

// Interaction is one team's exclusive claim/answer/forfeit exchange.
type Interaction struct {
	session  *Session
	teamID   int
	released atomic.Bool
}

func (in *Interaction) TeamID() int {
	return in.teamID
}

// Release frees the team for the next interaction. It is safe to call twice.
func (in *Interaction) Release() {
	if in.released.CompareAndSwap(false, true) {
		in.session.release(in.teamID)
	}
}

func (in *Interaction) checkActive() error {
	if in.released.Load() {
		return &Error{Kind: ErrInvalidState, Reason: "interaction is over", Hint: "start a new submission", Err: errAlreadyReleased}
	}
	return nil
}

// Claim starts the timer on a question for the team.
func (in *Interaction) Claim(ctx context.Context, questionID int) (ClaimResult, error) {
	res, err := in.claim(ctx, questionID)
	metrics.ClaimsTotal.WithLabelValues(resultLabel(err, "ok")).Inc()
	return res, err
}

func (in *Interaction) claim(ctx context.Context, questionID int) (ClaimResult, error) {
	if err := in.checkActive(); err != nil {
		return ClaimResult{}, err
	}
	s := in.session
	log := s.log.With(zap.Int("team_id", in.teamID), zap.Int("question_id", questionID))

	if err := s.enterClaim(); err != nil {
		return ClaimResult{}, err
	}
	defer s.exitClaim()

	q, err := s.ledger.GetQuestion(ctx, questionID)
	if err != nil {
		return ClaimResult{}, ledgerError(err, "check the question number", "question %d does not exist", questionID)
	}
	team, err := s.ledger.GetTeam(ctx, in.teamID)
	if err != nil {
		return ClaimResult{}, ledgerError(err, "ask an invigilator to register the team", "team %d does not exist", in.teamID)
	}

	a, err := s.ledger.GetAttempt(ctx, questionID, in.teamID)
	switch {
	case err == nil:
		return ClaimResult{}, claimedError(stateOf(a), questionID)
	case !errors.Is(err, db.ErrNotFound):
		return ClaimResult{}, storageError(err, "read attempt on question %d", questionID)
	}
	if team.HasCompleted(questionID) {
		return ClaimResult{}, claimedError(Completed, questionID)
	}

	if err := s.ledger.OpenAttempt(ctx, questionID, in.teamID); err != nil {
		if errors.Is(err, db.ErrAlreadyExists) {
			return ClaimResult{}, claimedError(Open, questionID)
		}
		return ClaimResult{}, storageError(err, "open attempt on question %d", questionID)
	}

	started := s.now()
	s.storeClaim(in.teamID, questionID, &claim{startedAt: started})
	metrics.OpenClaims.Inc()
	log.Info("question claimed", zap.Int("base_score", q.BaseScore))

	return ClaimResult{
		TeamID:     in.teamID,
		QuestionID: questionID,
		BaseScore:  q.BaseScore,
		StartedAt:  started,
	}, nil
}

func claimedError(state State, questionID int) error {
	switch state {
	case Forfeited:
		return newError(ErrInvalidState, "select a different question", "question %d was forfeited", questionID)
	case Completed:
		return newError(ErrInvalidState, "select a different question", "question %d is already completed", questionID)
	default:
		return newError(ErrInvalidState, "submit an answer or forfeit it", "question %d is already claimed", questionID)
	}
}

// Answer submits one answer for an open question.
func (in *Interaction) Answer(ctx context.Context, questionID int, text string) (AnswerResult, error) {
	res, err := in.answer(ctx, questionID, text)
	label := "incorrect"
	switch {
	case res.Ignored:
		label = "ignored"
	case res.Correct:
		label = "correct"
	}
	metrics.AnswersTotal.WithLabelValues(resultLabel(err, label)).Inc()
	return res, err
}

func (in *Interaction) answer(ctx context.Context, questionID int, text string) (AnswerResult, error) {
	if err := in.checkActive(); err != nil {
		return AnswerResult{}, err
	}
	s := in.session
	log := s.log.With(zap.Int("team_id", in.teamID), zap.Int("question_id", questionID))

	c, err := in.openClaim(ctx, questionID, true)
	if err != nil {
		return AnswerResult{}, err
	}

	submitted := strings.TrimSpace(text)
	if submitted == "" || strings.HasPrefix(submitted, s.reservedPrefix) {
		log.Debug("input ignored", zap.Int("attempts", c.attempts))
		return AnswerResult{
			Ignored:        true,
			Attempts:       c.attempts,
			ElapsedSeconds: s.elapsedSince(c.startedAt),
		}, nil
	}

	q, err := s.ledger.GetQuestion(ctx, questionID)
	if err != nil {
		return AnswerResult{}, ledgerError(err, "ask an invigilator to check the question set", "question %d does not exist", questionID)
	}

	attempts := c.attempts + 1
	elapsed := s.elapsedSince(c.startedAt)

	if submitted != q.Answer {
		c.attempts = attempts
		log.Info("incorrect answer", zap.Int("attempts", attempts), zap.Int("elapsed_seconds", elapsed))
		return AnswerResult{Attempts: attempts, ElapsedSeconds: elapsed}, nil
	}

	breakdown := scoring.Explain(attempts, q.BaseScore, elapsed)
	err = s.ledger.WithTx(ctx, func(tx *db.Tx) error {
		if err := tx.ResolveAttempt(ctx, questionID, in.teamID, attempts, elapsed); err != nil {
			return err
		}
		return tx.CreditTeam(ctx, in.teamID, questionID, breakdown.Points)
	})
	if err != nil {
		log.Error("resolve failed", zap.Error(err))
		return AnswerResult{}, storageError(err, "record correct answer on question %d", questionID)
	}
	s.dropClaim(in.teamID, questionID)
	metrics.OpenClaims.Dec()
	metrics.PointsAwarded.Add(float64(breakdown.Points))

	res := AnswerResult{
		Correct:        true,
		Attempts:       attempts,
		ElapsedSeconds: elapsed,
		PointsAwarded:  breakdown.Points,
		Breakdown:      breakdown,
	}
	team, err := s.ledger.GetTeam(ctx, in.teamID)
	if err != nil {
		// The answer is already recorded; report it without the total.
		log.Warn("read total after credit", zap.Error(err))
	} else {
		res.NewTotal = team.TotalScore
	}

	log.Info("correct answer",
		zap.Int("attempts", attempts),
		zap.Int("elapsed_seconds", elapsed),
		zap.Int("points", breakdown.Points),
		zap.Int("total", res.NewTotal))
	return res, nil
}

// Forfeit gives up an open question for good. Without confirmation it only
// reports that confirmation is needed.
func (in *Interaction) Forfeit(ctx context.Context, questionID int, confirmed bool) (ForfeitResult, error) {
	if err := in.checkActive(); err != nil {
		return ForfeitResult{}, err
	}
	s := in.session
	log := s.log.With(zap.Int("team_id", in.teamID), zap.Int("question_id", questionID))

	c, err := in.openClaim(ctx, questionID, false)
	if err != nil {
		return ForfeitResult{}, err
	}
	if !confirmed {
		return ForfeitResult{NeedsConfirmation: true, Attempts: c.attempts}, nil
	}

	elapsed := 0
	if !c.startedAt.IsZero() {
		elapsed = s.elapsedSince(c.startedAt)
	}
	err = s.ledger.WithTx(ctx, func(tx *db.Tx) error {
		return tx.ResolveAttempt(ctx, questionID, in.teamID, db.ForfeitedAttempts, elapsed)
	})
	if err != nil {
		log.Error("forfeit failed", zap.Error(err))
		return ForfeitResult{}, storageError(err, "record forfeit on question %d", questionID)
	}
	if s.lookupClaim(in.teamID, questionID) != nil {
		s.dropClaim(in.teamID, questionID)
		metrics.OpenClaims.Dec()
	}
	metrics.ForfeitsTotal.Inc()

	log.Info("question forfeited", zap.Int("attempts", c.attempts), zap.Int("elapsed_seconds", elapsed))
	return ForfeitResult{Forfeited: true, Attempts: c.attempts, ElapsedSeconds: elapsed}, nil
}

// openClaim returns the live claim for an open pair. A row left open by an
// earlier process has no start time; it may only be forfeited.
func (in *Interaction) openClaim(ctx context.Context, questionID int, needStart bool) (*claim, error) {
	s := in.session
	if c := s.lookupClaim(in.teamID, questionID); c != nil {
		return c, nil
	}

	a, err := s.ledger.GetAttempt(ctx, questionID, in.teamID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, newError(ErrInvalidState, "claim the question first", "question %d has not been claimed", questionID)
	}
	if err != nil {
		return nil, storageError(err, "read attempt on question %d", questionID)
	}
	if a.Completed {
		return nil, claimedError(stateOf(a), questionID)
	}
	if needStart {
		return nil, newError(ErrInvalidState, "forfeit the question to release it",
			"question %d was claimed before the bot restarted and its timer is lost", questionID)
	}
	return &claim{}, nil
}

func resultLabel(err error, ok string) string {
	switch {
	case err == nil:
		return ok
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrSessionBusy):
		return "busy"
	default:
		return "error"
	}
}
