package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/airylvat/mathletics-bot/metrics"

	"github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS questions (
    id INTEGER PRIMARY KEY,
    answer TEXT NOT NULL,
    base_score INTEGER NOT NULL CHECK (base_score > 0)
);
CREATE TABLE IF NOT EXISTS teams (
    id INTEGER PRIMARY KEY,
    team_name TEXT NOT NULL,
    members TEXT NOT NULL DEFAULT '[]',
    completed_qid TEXT NOT NULL DEFAULT '',
    score INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS progress (
    qid INTEGER NOT NULL,
    tid INTEGER NOT NULL,
    attempts INTEGER NOT NULL DEFAULT 0,
    time INTEGER NOT NULL DEFAULT 0,
    completed INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (qid, tid)
);
`

// DB is the competition ledger: questions, teams and per-team progress rows.
type DB struct {
	*sql.DB
}

// Open opens (creating if needed) the ledger at path.
func Open(path string) (*DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("database path is required")
	}
	dsn := "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate"
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// A single connection serialises writers; transactions stay short.
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return &DB{sqlDB}, nil
}

// LoadQuestions replaces the whole question set. Nothing changes if any row is invalid.
func (db *DB) LoadQuestions(ctx context.Context, questions []Question) error {
	defer metrics.RecordLedgerOperation("load_questions", time.Now())
	if err := ValidateQuestions(questions); err != nil {
		return err
	}
	return db.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.tx.ExecContext(ctx, "DELETE FROM questions"); err != nil {
			return fmt.Errorf("clear questions: %w", err)
		}
		for _, q := range questions {
			_, err := tx.tx.ExecContext(ctx,
				"INSERT INTO questions (id, answer, base_score) VALUES (?, ?, ?)",
				q.ID, strings.TrimSpace(q.Answer), q.BaseScore)
			if err != nil {
				return fmt.Errorf("insert question %d: %w", q.ID, err)
			}
		}
		return nil
	})
}

// LoadTeams replaces the whole team set. Nothing changes if any row is invalid.
func (db *DB) LoadTeams(ctx context.Context, teams []Team) error {
	defer metrics.RecordLedgerOperation("load_teams", time.Now())
	if err := ValidateTeams(teams); err != nil {
		return err
	}
	return db.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.tx.ExecContext(ctx, "DELETE FROM teams"); err != nil {
			return fmt.Errorf("clear teams: %w", err)
		}
		for _, t := range teams {
			members, err := encodeMembers(t.Members)
			if err != nil {
				return fmt.Errorf("encode members of team %d: %w", t.ID, err)
			}
			_, err = tx.tx.ExecContext(ctx,
				"INSERT INTO teams (id, team_name, members, completed_qid, score) VALUES (?, ?, ?, ?, ?)",
				t.ID, strings.TrimSpace(t.Name), members, joinIDs(t.CompletedQuestionIDs), t.TotalScore)
			if err != nil {
				return fmt.Errorf("insert team %d: %w", t.ID, err)
			}
		}
		return nil
	})
}

func (db *DB) GetQuestion(ctx context.Context, id int) (Question, error) {
	defer metrics.RecordLedgerOperation("get_question", time.Now())
	var q Question
	err := db.QueryRowContext(ctx, "SELECT id, answer, base_score FROM questions WHERE id = ?", id).
		Scan(&q.ID, &q.Answer, &q.BaseScore)
	if errors.Is(err, sql.ErrNoRows) {
		return Question{}, fmt.Errorf("question %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return Question{}, fmt.Errorf("get question %d: %w", id, err)
	}
	return q, nil
}

func (db *DB) ListQuestions(ctx context.Context) ([]Question, error) {
	defer metrics.RecordLedgerOperation("list_questions", time.Now())
	rows, err := db.QueryContext(ctx, "SELECT id, answer, base_score FROM questions ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	defer rows.Close()

	var questions []Question
	for rows.Next() {
		var q Question
		if err := rows.Scan(&q.ID, &q.Answer, &q.BaseScore); err != nil {
			return nil, fmt.Errorf("scan question: %w", err)
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

func (db *DB) GetTeam(ctx context.Context, id int) (Team, error) {
	defer metrics.RecordLedgerOperation("get_team", time.Now())
	t, err := scanTeam(db.QueryRowContext(ctx,
		"SELECT id, team_name, members, completed_qid, score FROM teams WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return Team{}, fmt.Errorf("team %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return Team{}, fmt.Errorf("get team %d: %w", id, err)
	}
	return t, nil
}

// ListTeams returns every team ordered by id.
func (db *DB) ListTeams(ctx context.Context) ([]Team, error) {
	defer metrics.RecordLedgerOperation("list_teams", time.Now())
	rows, err := db.QueryContext(ctx, "SELECT id, team_name, members, completed_qid, score FROM teams ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("list teams: %w", err)
	}
	defer rows.Close()

	var teams []Team
	for rows.Next() {
		t, err := scanTeam(rows)
		if err != nil {
			return nil, fmt.Errorf("scan team: %w", err)
		}
		teams = append(teams, t)
	}
	return teams, rows.Err()
}

// OpenAttempt creates the progress row for a claim. It fails with
// ErrAlreadyExists when the pair already has a row, open or not.
func (db *DB) OpenAttempt(ctx context.Context, questionID, teamID int) error {
	defer metrics.RecordLedgerOperation("open_attempt", time.Now())
	_, err := db.ExecContext(ctx,
		"INSERT INTO progress (qid, tid, attempts, time, completed) VALUES (?, ?, 0, 0, 0)",
		questionID, teamID)
	if isUniqueViolation(err) {
		return fmt.Errorf("attempt on question %d by team %d: %w", questionID, teamID, ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("open attempt: %w", err)
	}
	return nil
}

func (db *DB) GetAttempt(ctx context.Context, questionID, teamID int) (Attempt, error) {
	defer metrics.RecordLedgerOperation("get_attempt", time.Now())
	a, err := getAttempt(ctx, db.DB, questionID, teamID)
	if err != nil {
		return Attempt{}, err
	}
	return a, nil
}

// ListAttempts returns a team's progress rows ordered by question id.
func (db *DB) ListAttempts(ctx context.Context, teamID int) ([]Attempt, error) {
	defer metrics.RecordLedgerOperation("list_attempts", time.Now())
	rows, err := db.QueryContext(ctx,
		"SELECT qid, tid, attempts, time, completed FROM progress WHERE tid = ? ORDER BY qid", teamID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var attempts []Attempt
	for rows.Next() {
		var a Attempt
		if err := rows.Scan(&a.QuestionID, &a.TeamID, &a.Attempts, &a.ElapsedSeconds, &a.Completed); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// WithTx runs fn in a transaction, committing only if fn returns nil.
func (db *DB) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&Tx{tx: sqlTx}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Tx exposes the writes that must land together when an attempt is resolved.
type Tx struct {
	tx *sql.Tx
}

// ResolveAttempt closes an open progress row. Resolving a completed row is a
// caller bug and returns ErrAlreadyResolved without writing.
func (tx *Tx) ResolveAttempt(ctx context.Context, questionID, teamID, attempts, elapsedSeconds int) error {
	defer metrics.RecordLedgerOperation("resolve_attempt", time.Now())
	res, err := tx.tx.ExecContext(ctx,
		"UPDATE progress SET attempts = ?, time = ?, completed = 1 WHERE qid = ? AND tid = ? AND completed = 0",
		attempts, elapsedSeconds, questionID, teamID)
	if err != nil {
		return fmt.Errorf("resolve attempt: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve attempt: %w", err)
	}
	if n == 1 {
		return nil
	}
	if _, err := getAttempt(ctx, tx.tx, questionID, teamID); err != nil {
		return err
	}
	return fmt.Errorf("question %d for team %d: %w", questionID, teamID, ErrAlreadyResolved)
}

// CreditTeam adds points to the team's score and marks questionID completed.
func (tx *Tx) CreditTeam(ctx context.Context, teamID, questionID, points int) error {
	defer metrics.RecordLedgerOperation("credit_team", time.Now())
	t, err := scanTeam(tx.tx.QueryRowContext(ctx,
		"SELECT id, team_name, members, completed_qid, score FROM teams WHERE id = ?", teamID))
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("team %d: %w", teamID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("credit team %d: %w", teamID, err)
	}
	if t.HasCompleted(questionID) {
		return fmt.Errorf("team %d already credited for question %d: %w", teamID, questionID, ErrAlreadyResolved)
	}

	completed := append(t.CompletedQuestionIDs, questionID)
	_, err = tx.tx.ExecContext(ctx,
		"UPDATE teams SET completed_qid = ?, score = score + ? WHERE id = ?",
		joinIDs(completed), points, teamID)
	if err != nil {
		return fmt.Errorf("credit team %d: %w", teamID, err)
	}
	return nil
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getAttempt(ctx context.Context, q rowQuerier, questionID, teamID int) (Attempt, error) {
	var a Attempt
	err := q.QueryRowContext(ctx,
		"SELECT qid, tid, attempts, time, completed FROM progress WHERE qid = ? AND tid = ?",
		questionID, teamID).Scan(&a.QuestionID, &a.TeamID, &a.Attempts, &a.ElapsedSeconds, &a.Completed)
	if errors.Is(err, sql.ErrNoRows) {
		return Attempt{}, fmt.Errorf("attempt on question %d by team %d: %w", questionID, teamID, ErrNotFound)
	}
	if err != nil {
		return Attempt{}, fmt.Errorf("get attempt: %w", err)
	}
	return a, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTeam(row scanner) (Team, error) {
	var (
		t         Team
		members   string
		completed string
	)
	if err := row.Scan(&t.ID, &t.Name, &members, &completed, &t.TotalScore); err != nil {
		return Team{}, err
	}
	if err := json.Unmarshal([]byte(members), &t.Members); err != nil {
		return Team{}, fmt.Errorf("team %d members: %w", t.ID, err)
	}
	ids, err := splitIDs(completed)
	if err != nil {
		return Team{}, fmt.Errorf("team %d completed ids: %w", t.ID, err)
	}
	t.CompletedQuestionIDs = ids
	return t, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

// encodeMembers stores the member list as a JSON array so names may contain
// any separator.
func encodeMembers(members []string) (string, error) {
	cleaned := make([]string, 0, len(members))
	for _, m := range members {
		if m = strings.TrimSpace(m); m != "" {
			cleaned = append(cleaned, m)
		}
	}
	data, err := json.Marshal(cleaned)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func joinIDs(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ",")
}

// splitIDs parses "1, 2, 3, " style lists, tolerating spaces and a trailing separator.
func splitIDs(raw string) ([]int, error) {
	fields := strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ';' || r == ' ' })
	ids := make([]int, 0, len(fields))
	for _, f := range fields {
		id, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("invalid question id %q", f)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
