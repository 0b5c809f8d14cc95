package db

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	questionColumns = 3
	teamColumns     = 5
)

// ParseQuestionsCSV reads rows of (id, answer, base_score). A leading header
// row is skipped when its first cell is not a number.
func ParseQuestionsCSV(r io.Reader) ([]Question, error) {
	records, err := readRecords(r, questionColumns)
	if err != nil {
		return nil, err
	}

	questions := make([]Question, 0, len(records))
	for _, rec := range records {
		id, err := strconv.Atoi(strings.TrimSpace(rec.fields[0]))
		if err != nil {
			return nil, importErrorf(rec.line, "question id %q is not an integer", rec.fields[0])
		}
		base, err := strconv.Atoi(strings.TrimSpace(rec.fields[2]))
		if err != nil {
			return nil, importErrorf(rec.line, "base score %q is not an integer", rec.fields[2])
		}
		questions = append(questions, Question{
			ID:        id,
			Answer:    strings.TrimSpace(rec.fields[1]),
			BaseScore: base,
		})
	}
	if err := ValidateQuestions(questions); err != nil {
		return nil, renumber(err, records)
	}
	return questions, nil
}

// ParseTeamsCSV reads rows of (id, name, members, completed_qids, score).
func ParseTeamsCSV(r io.Reader) ([]Team, error) {
	records, err := readRecords(r, teamColumns)
	if err != nil {
		return nil, err
	}

	teams := make([]Team, 0, len(records))
	for _, rec := range records {
		id, err := strconv.Atoi(strings.TrimSpace(rec.fields[0]))
		if err != nil {
			return nil, importErrorf(rec.line, "team id %q is not an integer", rec.fields[0])
		}
		completed, err := splitIDs(rec.fields[3])
		if err != nil {
			return nil, importErrorf(rec.line, "completed question ids: %v", err)
		}
		score := 0
		if raw := strings.TrimSpace(rec.fields[4]); raw != "" {
			score, err = strconv.Atoi(raw)
			if err != nil {
				return nil, importErrorf(rec.line, "score %q is not an integer", rec.fields[4])
			}
		}
		teams = append(teams, Team{
			ID:                   id,
			Name:                 strings.TrimSpace(rec.fields[1]),
			Members:              splitMembers(rec.fields[2]),
			CompletedQuestionIDs: completed,
			TotalScore:           score,
		})
	}
	if err := ValidateTeams(teams); err != nil {
		return nil, renumber(err, records)
	}
	return teams, nil
}

// ValidateQuestions checks a full question set. ImportError.Line is the
// 1-based position of the offending question in the slice.
func ValidateQuestions(questions []Question) error {
	seen := make(map[int]bool, len(questions))
	for i, q := range questions {
		row := i + 1
		if q.ID <= 0 {
			return importErrorf(row, "question id must be positive, got %d", q.ID)
		}
		if seen[q.ID] {
			return importErrorf(row, "duplicate question id %d", q.ID)
		}
		seen[q.ID] = true
		if strings.TrimSpace(q.Answer) == "" {
			return importErrorf(row, "question %d has an empty answer", q.ID)
		}
		if q.BaseScore <= 0 {
			return importErrorf(row, "question %d base score must be positive, got %d", q.ID, q.BaseScore)
		}
	}
	return nil
}

// ValidateTeams checks a full team set the same way ValidateQuestions does.
func ValidateTeams(teams []Team) error {
	seen := make(map[int]bool, len(teams))
	for i, t := range teams {
		row := i + 1
		if t.ID <= 0 {
			return importErrorf(row, "team id must be positive, got %d", t.ID)
		}
		if seen[t.ID] {
			return importErrorf(row, "duplicate team id %d", t.ID)
		}
		seen[t.ID] = true
		if strings.TrimSpace(t.Name) == "" {
			return importErrorf(row, "team %d has an empty name", t.ID)
		}
		if t.TotalScore < 0 {
			return importErrorf(row, "team %d score must not be negative, got %d", t.ID, t.TotalScore)
		}
		done := make(map[int]bool, len(t.CompletedQuestionIDs))
		for _, qid := range t.CompletedQuestionIDs {
			if done[qid] {
				return importErrorf(row, "team %d lists question %d as completed twice", t.ID, qid)
			}
			done[qid] = true
		}
	}
	return nil
}

type record struct {
	line   int
	fields []string
}

func readRecords(r io.Reader, columns int) ([]record, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = columns
	reader.TrimLeadingSpace = true

	var records []record
	first := true
	for {
		fields, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				return nil, importErrorf(parseErr.StartLine, "%v", parseErr.Err)
			}
			return nil, fmt.Errorf("read csv: %w", err)
		}
		line, _ := reader.FieldPos(0)
		if first {
			first = false
			if isHeader(fields) {
				continue
			}
		}
		records = append(records, record{line: line, fields: fields})
	}
	if len(records) == 0 {
		return nil, importErrorf(1, "no rows")
	}
	return records, nil
}

func isHeader(fields []string) bool {
	_, err := strconv.Atoi(strings.TrimSpace(fields[0]))
	return err != nil
}

// renumber maps a slice position from Validate* back to its CSV line.
func renumber(err error, records []record) error {
	var importErr *ImportError
	if errors.As(err, &importErr) && importErr.Line >= 1 && importErr.Line <= len(records) {
		return &ImportError{Line: records[importErr.Line-1].line, Reason: importErr.Reason}
	}
	return err
}

// splitMembers accepts ';' or ',' separators in an uploaded members cell.
func splitMembers(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool { return r == ';' || r == ',' })
	members := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			members = append(members, f)
		}
	}
	return members
}
