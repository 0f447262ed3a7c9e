package vecenv

import (
	"context"
	"time"
)

// Stats holds the per-slot episode counters. They only grow, and only at an
// episode boundary.
type Stats struct {
	BattlesPlayed         []int     `json:"battles_played"`
	BattlesWon            []int     `json:"battles_won"`
	DeadAlliesCumulative  []float64 `json:"dead_allies_cumulative"`
	DeadEnemiesCumulative []float64 `json:"dead_enemies_cumulative"`
}

func newStats(n int) Stats {
	return Stats{
		BattlesPlayed:         make([]int, n),
		BattlesWon:            make([]int, n),
		DeadAlliesCumulative:  make([]float64, n),
		DeadEnemiesCumulative: make([]float64, n),
	}
}

func (s Stats) clone() Stats {
	return Stats{
		BattlesPlayed:         append([]int(nil), s.BattlesPlayed...),
		BattlesWon:            append([]int(nil), s.BattlesWon...),
		DeadAlliesCumulative:  append([]float64(nil), s.DeadAlliesCumulative...),
		DeadEnemiesCumulative: append([]float64(nil), s.DeadEnemiesCumulative...),
	}
}

// Played is the number of finished episodes across all slots.
func (s Stats) Played() int {
	total := 0
	for _, n := range s.BattlesPlayed {
		total += n
	}
	return total
}

func (s Stats) Won() int {
	total := 0
	for _, n := range s.BattlesWon {
		total += n
	}
	return total
}

// WinRate is won over played across all slots, 0 before any episode ends.
func (s Stats) WinRate() float64 {
	played := s.Played()
	if played == 0 {
		return 0
	}
	return float64(s.Won()) / float64(played)
}

// EpisodeRecord describes one finished episode of one slot.
type EpisodeRecord struct {
	RunID       string    `json:"run_id"`
	Slot        int       `json:"slot"`
	Episode     int       `json:"episode"`
	Steps       int       `json:"steps"`
	Score       float64   `json:"score"`
	Won         bool      `json:"won"`
	Truncated   bool      `json:"truncated"`
	DeadAllies  float64   `json:"dead_allies"`
	DeadEnemies float64   `json:"dead_enemies"`
	EndedAt     time.Time `json:"ended_at"`
}

// Recorder receives a record for every episode boundary, on the goroutine
// that called StepWait. A failing recorder is logged and does not fail the
// step.
type Recorder interface {
	RecordEpisode(ctx context.Context, rec EpisodeRecord) error
}
