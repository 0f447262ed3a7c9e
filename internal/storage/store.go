package storage

import (
	"context"
	"errors"
	"time"

	"github.com/EliasChaung/xuanpolicy/pkg/vecenv"
)

var ErrNotInitialized = errors.New("store is not initialized")

// Run describes one controller lifetime.
type Run struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	EnvKind    string    `json:"env_kind"`
	NumEnvs    int       `json:"num_envs"`
	SeriesSize int       `json:"series_size"`
	Launcher   string    `json:"launcher"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	Steps      int       `json:"steps"`
}

// RunSummary aggregates the episodes recorded for a run.
type RunSummary struct {
	Run
	Episodes  int     `json:"episodes"`
	Wins      int     `json:"wins"`
	WinRate   float64 `json:"win_rate"`
	MeanScore float64 `json:"mean_score"`
}

// Store persists runs and their finished episodes. Every Store is also a
// vecenv.Recorder.
type Store interface {
	Init(ctx context.Context) error
	SaveRun(ctx context.Context, run Run) error
	RecordEpisode(ctx context.Context, rec vecenv.EpisodeRecord) error
	Episodes(ctx context.Context, runID string, limit int) ([]vecenv.EpisodeRecord, error)
	Summaries(ctx context.Context) ([]RunSummary, error)
	Close() error
}

func summarize(run Run, episodes []vecenv.EpisodeRecord) RunSummary {
	sum := RunSummary{Run: run, Episodes: len(episodes)}
	var score float64
	for _, ep := range episodes {
		if ep.Won {
			sum.Wins++
		}
		score += ep.Score
	}
	if sum.Episodes > 0 {
		sum.WinRate = float64(sum.Wins) / float64(sum.Episodes)
		sum.MeanScore = score / float64(sum.Episodes)
	}
	return sum
}
