package experiment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/EliasChaung/xuanpolicy/internal/logging"
	"github.com/EliasChaung/xuanpolicy/internal/storage"
	"github.com/EliasChaung/xuanpolicy/pkg/agent"
	"github.com/EliasChaung/xuanpolicy/pkg/config"
	"github.com/EliasChaung/xuanpolicy/pkg/core"
	"github.com/EliasChaung/xuanpolicy/pkg/memory"
	"github.com/EliasChaung/xuanpolicy/pkg/vecenv"
)

const recentEpisodes = 100

var (
	_ core.Experiment = (*BaseExperiment)(nil)
	_ vecenv.Recorder = (*BaseExperiment)(nil)
)

// Snapshot is a point-in-time view of a run, safe to hand to other
// goroutines.
type Snapshot struct {
	RunID         string                 `json:"run_id"`
	Name          string                 `json:"name"`
	Running       bool                   `json:"running"`
	Step          int                    `json:"step"`
	Steps         int                    `json:"steps"`
	NumEnvs       int                    `json:"num_envs"`
	NumWorkers    int                    `json:"num_workers"`
	EnvInfo       core.EnvInfo           `json:"env_info"`
	Stats         vecenv.Stats           `json:"stats"`
	WinRate       float64                `json:"win_rate"`
	RecentWinRate float64                `json:"recent_win_rate"`
	Recent        []vecenv.EpisodeRecord `json:"recent,omitempty"`
	UpdatedAt     time.Time              `json:"updated_at"`
	Error         string                 `json:"error,omitempty"`
}

// BaseExperiment drives one controller with an agent for a fixed number of
// steps, recording every finished episode.
type BaseExperiment struct {
	runID  string
	cfg    *config.RunConfig
	agent  agent.Agent
	store  storage.Store
	recent *memory.Memory[vecenv.EpisodeRecord]

	mu     sync.RWMutex
	status core.ExperimentStatus
	cancel context.CancelFunc

	snapshot atomic.Pointer[Snapshot]
}

func NewExperiment(cfg *config.RunConfig, a agent.Agent, store storage.Store) *BaseExperiment {
	e := &BaseExperiment{
		runID:  uuid.NewString(),
		cfg:    cfg,
		agent:  a,
		store:  store,
		recent: memory.NewMemory[vecenv.EpisodeRecord](recentEpisodes),
	}
	e.snapshot.Store(&Snapshot{RunID: e.runID, Name: cfg.Name, Steps: cfg.Steps})
	return e
}

func (e *BaseExperiment) RunID() string {
	return e.runID
}

// Snapshot returns the latest published view of the run.
func (e *BaseExperiment) Snapshot() Snapshot {
	return *e.snapshot.Load()
}

func (e *BaseExperiment) GetStatus() core.ExperimentStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	status := e.status
	status.Errors = append([]error(nil), e.status.Errors...)
	return status
}

// Stop cancels a running experiment. The controller is still closed
// cleanly by Run.
func (e *BaseExperiment) Stop() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.cancel != nil {
		e.cancel()
	}
	return nil
}

// RecordEpisode keeps the episode in the rolling window and forwards it to
// the store.
func (e *BaseExperiment) RecordEpisode(ctx context.Context, rec vecenv.EpisodeRecord) error {
	e.recent.Store(rec)
	if e.store == nil {
		return nil
	}
	return e.store.RecordEpisode(ctx, rec)
}

func (e *BaseExperiment) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.mu.Lock()
	if e.status.Running {
		e.mu.Unlock()
		return errors.New("experiment already running")
	}
	e.status.Running = true
	e.status.StartTime = time.Now()
	e.cancel = cancel
	e.mu.Unlock()

	err := e.runLoop(ctx)

	e.mu.Lock()
	e.status.Running = false
	e.status.EndTime = time.Now()
	if err != nil {
		e.status.Errors = append(e.status.Errors, err)
	}
	e.mu.Unlock()

	snap := e.Snapshot()
	snap.Running = false
	snap.UpdatedAt = time.Now().UTC()
	if err != nil {
		snap.Error = err.Error()
	}
	e.snapshot.Store(&snap)
	return err
}

func (e *BaseExperiment) runLoop(ctx context.Context) (err error) {
	fields := logging.Fields{RunID: e.runID, Component: "experiment"}

	launcher, err := e.cfg.WorkerLauncher()
	if err != nil {
		return err
	}
	ctrl, err := vecenv.New(ctx, e.cfg.Specs(), e.cfg.Env.SeriesSize,
		vecenv.WithLauncher(launcher),
		vecenv.WithCommandTimeout(e.cfg.Workers.CommandTimeout),
		vecenv.WithCloseTimeout(e.cfg.Workers.CloseTimeout),
		vecenv.WithRecorder(e),
		vecenv.WithRunID(e.runID),
	)
	if err != nil {
		return fmt.Errorf("start controller: %w", err)
	}

	run := storage.Run{
		ID:         e.runID,
		Name:       e.cfg.Name,
		EnvKind:    e.cfg.Env.Kind,
		NumEnvs:    ctrl.NumEnvs(),
		SeriesSize: ctrl.SeriesSize(),
		Launcher:   e.cfg.Workers.Launcher,
		StartedAt:  time.Now().UTC(),
	}
	e.saveRun(ctx, run)

	step := 0
	defer func() {
		// the run context may already be cancelled; closing must still happen
		closeCtx := context.WithoutCancel(ctx)
		if cerr := ctrl.Close(closeCtx); cerr != nil {
			logging.Warn("close controller", logging.Fields{RunID: e.runID, Component: "experiment", Error: logging.Err(cerr)})
			err = errors.Join(err, cerr)
		}
		run.Steps = step
		run.FinishedAt = time.Now().UTC()
		e.saveRun(closeCtx, run)
	}()

	logging.Info("experiment started", logging.Fields{RunID: e.runID, Component: "experiment", Count: ctrl.NumEnvs()})
	if _, err := ctrl.Reset(ctx); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	e.publish(ctrl, step)

	for step < e.cfg.Steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		avail, err := ctrl.GetAvailActions(ctx)
		if err != nil {
			return fmt.Errorf("step %d: %w", step, err)
		}
		actions, err := e.agent.Act(avail)
		if err != nil {
			return fmt.Errorf("step %d: %w", step, err)
		}
		if _, err := ctrl.Step(ctx, actions); err != nil {
			return fmt.Errorf("step %d: %w", step, err)
		}
		step++

		e.mu.Lock()
		e.status.Steps = step
		e.mu.Unlock()
		e.publish(ctrl, step)
	}

	stats := ctrl.Stats()
	fields.Count = stats.Played()
	logging.Info("experiment finished", fields)
	return nil
}

func (e *BaseExperiment) publish(ctrl *vecenv.Controller, step int) {
	stats := ctrl.Stats()
	recent := e.recent.GetAll()
	won := 0
	for _, rec := range recent {
		if rec.Won {
			won++
		}
	}
	var recentRate float64
	if len(recent) > 0 {
		recentRate = float64(won) / float64(len(recent))
	}
	e.snapshot.Store(&Snapshot{
		RunID:         e.runID,
		Name:          e.cfg.Name,
		Running:       true,
		Step:          step,
		Steps:         e.cfg.Steps,
		NumEnvs:       ctrl.NumEnvs(),
		NumWorkers:    ctrl.NumWorkers(),
		EnvInfo:       ctrl.EnvInfo(),
		Stats:         stats,
		WinRate:       stats.WinRate(),
		RecentWinRate: recentRate,
		Recent:        recent,
		UpdatedAt:     time.Now().UTC(),
	})
}

func (e *BaseExperiment) saveRun(ctx context.Context, run storage.Run) {
	if e.store == nil {
		return
	}
	if err := e.store.SaveRun(ctx, run); err != nil {
		logging.Warn("save run", logging.Fields{RunID: e.runID, Component: "experiment", Error: logging.Err(err)})
	}
}
