// Package engine runs the claim, answer and forfeit lifecycle of a competition.
//
// A Session is owned by the host application and shared by every team. Each
// team may have at most one Interaction in flight; a second Begin for the same
// team fails with ErrSessionBusy instead of waiting.
package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/airylvat/mathletics-bot/db"
	"github.com/airylvat/mathletics-bot/leaderboard"

	"go.uber.org/zap"
)

// Ledger is the persistent store the engine reads and writes.
type Ledger interface {
	LoadQuestions(ctx context.Context, questions []db.Question) error
	LoadTeams(ctx context.Context, teams []db.Team) error
	GetQuestion(ctx context.Context, id int) (db.Question, error)
	GetTeam(ctx context.Context, id int) (db.Team, error)
	ListTeams(ctx context.Context) ([]db.Team, error)
	OpenAttempt(ctx context.Context, questionID, teamID int) error
	GetAttempt(ctx context.Context, questionID, teamID int) (db.Attempt, error)
	WithTx(ctx context.Context, fn func(tx *db.Tx) error) error
}

// State of one (team, question) pair.
type State int

const (
	Unclaimed State = iota
	Open
	Completed
	Forfeited
)

func (s State) String() string {
	switch s {
	case Unclaimed:
		return "unclaimed"
	case Open:
		return "open"
	case Completed:
		return "completed"
	case Forfeited:
		return "forfeited"
	}
	return "unknown"
}

type claimKey struct {
	teamID     int
	questionID int
}

// claim is the live half of an open attempt. Attempts are persisted only on resolution.
type claim struct {
	startedAt time.Time
	attempts  int
}

type Session struct {
	ledger         Ledger
	log            *zap.Logger
	now            func() time.Time
	reservedPrefix string

	mu     sync.Mutex
	busy   map[int]bool
	claims map[claimKey]*claim
	// importing is set while a set replacement runs; claiming counts claims
	// between their first read and storeClaim. The two exclude each other.
	importing bool
	claiming  int
}

type Option func(*Session)

func WithLogger(log *zap.Logger) Option {
	return func(s *Session) { s.log = log }
}

// WithClock replaces time.Now for elapsed-time measurement.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithReservedPrefix sets the prefix that marks a submission as a command
// rather than an answer. Such submissions are ignored and not counted.
func WithReservedPrefix(prefix string) Option {
	return func(s *Session) { s.reservedPrefix = prefix }
}

func NewSession(ledger Ledger, opts ...Option) *Session {
	s := &Session{
		ledger:         ledger,
		log:            zap.NewNop(),
		now:            time.Now,
		reservedPrefix: "!",
		busy:           make(map[int]bool),
		claims:         make(map[claimKey]*claim),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetQuestions atomically replaces the question set.
func (s *Session) SetQuestions(ctx context.Context, questions []db.Question) error {
	if err := s.beginImport("questions"); err != nil {
		return err
	}
	defer s.endImport()
	if err := s.ledger.LoadQuestions(ctx, questions); err != nil {
		return importError(err, "questions")
	}
	s.log.Info("questions set", zap.Int("count", len(questions)))
	return nil
}

// SetTeams atomically replaces the team set.
func (s *Session) SetTeams(ctx context.Context, teams []db.Team) error {
	if err := s.beginImport("teams"); err != nil {
		return err
	}
	defer s.endImport()
	if err := s.ledger.LoadTeams(ctx, teams); err != nil {
		return importError(err, "teams")
	}
	s.log.Info("teams set", zap.Int("count", len(teams)))
	return nil
}

// beginImport blocks claims until endImport. It fails while any claim is
// open or being made, or another replacement is running.
func (s *Session) beginImport(what string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.importing:
		return newError(ErrInvalidState, "wait for the current upload to finish",
			"cannot replace %s while another upload is running", what)
	case len(s.claims) > 0 || s.claiming > 0:
		return newError(ErrInvalidState, "wait until every open question is answered or forfeited",
			"cannot replace %s while %d question(s) are open", what, len(s.claims)+s.claiming)
	}
	s.importing = true
	return nil
}

func (s *Session) endImport() {
	s.mu.Lock()
	s.importing = false
	s.mu.Unlock()
}

// enterClaim marks a claim in progress so no replacement can start under it.
func (s *Session) enterClaim() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.importing {
		return newError(ErrInvalidState, "try again once the upload finishes",
			"questions or teams are being replaced")
	}
	s.claiming++
	return nil
}

func (s *Session) exitClaim() {
	s.mu.Lock()
	s.claiming--
	s.mu.Unlock()
}

func importError(err error, what string) error {
	var importErr *db.ImportError
	if errors.As(err, &importErr) {
		return &Error{
			Kind:   ErrMalformedImport,
			Reason: "rejected " + what + ": " + importErr.Error(),
			Hint:   "fix the file and upload it again",
			Err:    err,
		}
	}
	return storageError(err, "replace %s", what)
}

// Begin reserves the team for one interaction. The caller must Release it.
func (s *Session) Begin(teamID int) (*Interaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy[teamID] {
		s.log.Info("session busy", zap.Int("team_id", teamID))
		return nil, newError(ErrSessionBusy, "wait for the current submission to finish",
			"team %d already has a submission in progress", teamID)
	}
	s.busy[teamID] = true
	return &Interaction{session: s, teamID: teamID}, nil
}

// Claim runs a single-step interaction; see Interaction.Claim.
func (s *Session) Claim(ctx context.Context, teamID, questionID int) (ClaimResult, error) {
	in, err := s.Begin(teamID)
	if err != nil {
		return ClaimResult{}, err
	}
	defer in.Release()
	return in.Claim(ctx, questionID)
}

// Answer runs a single-step interaction; see Interaction.Answer.
func (s *Session) Answer(ctx context.Context, teamID, questionID int, text string) (AnswerResult, error) {
	in, err := s.Begin(teamID)
	if err != nil {
		return AnswerResult{}, err
	}
	defer in.Release()
	return in.Answer(ctx, questionID, text)
}

// Forfeit runs a single-step interaction; see Interaction.Forfeit.
func (s *Session) Forfeit(ctx context.Context, teamID, questionID int, confirmed bool) (ForfeitResult, error) {
	in, err := s.Begin(teamID)
	if err != nil {
		return ForfeitResult{}, err
	}
	defer in.Release()
	return in.Forfeit(ctx, questionID, confirmed)
}

// Status reports the lifecycle state of a (team, question) pair.
func (s *Session) Status(ctx context.Context, teamID, questionID int) (State, error) {
	a, err := s.ledger.GetAttempt(ctx, questionID, teamID)
	if errors.Is(err, db.ErrNotFound) {
		return Unclaimed, nil
	}
	if err != nil {
		return Unclaimed, storageError(err, "read attempt on question %d", questionID)
	}
	return stateOf(a), nil
}

// OpenClaims lists the questions a team currently has open in this session.
func (s *Session) OpenClaims(teamID int) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []int
	for key := range s.claims {
		if key.teamID == teamID {
			ids = append(ids, key.questionID)
		}
	}
	sort.Ints(ids)
	return ids
}

// Leaderboard computes a fresh ranking from the ledger.
func (s *Session) Leaderboard(ctx context.Context) (leaderboard.Snapshot, error) {
	snap, err := leaderboard.Rank(ctx, s.ledger)
	if err != nil {
		return leaderboard.Snapshot{}, storageError(err, "compute leaderboard")
	}
	return snap, nil
}

func stateOf(a db.Attempt) State {
	switch {
	case !a.Completed:
		return Open
	case a.Forfeited():
		return Forfeited
	default:
		return Completed
	}
}

func (s *Session) lookupClaim(teamID, questionID int) *claim {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.claims[claimKey{teamID: teamID, questionID: questionID}]
}

func (s *Session) storeClaim(teamID, questionID int, c *claim) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claims[claimKey{teamID: teamID, questionID: questionID}] = c
}

func (s *Session) dropClaim(teamID, questionID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.claims, claimKey{teamID: teamID, questionID: questionID})
}

func (s *Session) release(teamID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.busy, teamID)
}

func (s *Session) elapsedSince(start time.Time) int {
	d := s.now().Sub(start)
	if d < 0 {
		return 0
	}
	return int(d / time.Second)
}
