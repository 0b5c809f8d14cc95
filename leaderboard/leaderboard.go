// Package leaderboard ranks teams by total score.
package leaderboard

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/airylvat/mathletics-bot/db"
)

type TeamLister interface {
	ListTeams(ctx context.Context) ([]db.Team, error)
}

type Entry struct {
	Position   int
	TeamID     int
	TeamName   string
	TotalScore int
}

// Snapshot is one computed ranking. It is not meant to outlive a single render.
type Snapshot struct {
	Entries []Entry
}

// Rank orders teams by score, highest first; equal scores keep ascending team id.
func Rank(ctx context.Context, teams TeamLister) (Snapshot, error) {
	list, err := teams.ListTeams(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("rank teams: %w", err)
	}
	return rankTeams(list), nil
}

func rankTeams(list []db.Team) Snapshot {
	sorted := slices.Clone(list)
	slices.SortStableFunc(sorted, func(a, b db.Team) int {
		if c := cmp.Compare(b.TotalScore, a.TotalScore); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	entries := make([]Entry, len(sorted))
	for i, t := range sorted {
		entries[i] = Entry{
			Position:   i + 1,
			TeamID:     t.ID,
			TeamName:   t.Name,
			TotalScore: t.TotalScore,
		}
	}
	return Snapshot{Entries: entries}
}
