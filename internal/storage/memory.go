package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/EliasChaung/xuanpolicy/pkg/vecenv"
)

type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	runs        map[string]Run
	episodes    map[string][]vecenv.EpisodeRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return nil
	}
	s.initialized = true
	s.runs = make(map[string]Run)
	s.episodes = make(map[string][]vecenv.EpisodeRecord)
	return nil
}

func (s *MemoryStore) SaveRun(_ context.Context, run Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return ErrNotInitialized
	}
	s.runs[run.ID] = run
	return nil
}

func (s *MemoryStore) RecordEpisode(_ context.Context, rec vecenv.EpisodeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return ErrNotInitialized
	}
	s.episodes[rec.RunID] = append(s.episodes[rec.RunID], rec)
	return nil
}

// Episodes returns the most recent limit episodes of a run, oldest first.
// A non-positive limit returns all of them.
func (s *MemoryStore) Episodes(_ context.Context, runID string, limit int) ([]vecenv.EpisodeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return nil, ErrNotInitialized
	}
	all := s.episodes[runID]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return append([]vecenv.EpisodeRecord(nil), all...), nil
}

func (s *MemoryStore) Summaries(_ context.Context) ([]RunSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return nil, ErrNotInitialized
	}
	out := make([]RunSummary, 0, len(s.runs))
	for id, run := range s.runs {
		out = append(out, summarize(run, s.episodes[id]))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
