package vecenv

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/EliasChaung/xuanpolicy/pkg/core"
	"github.com/EliasChaung/xuanpolicy/pkg/environment"
	"github.com/EliasChaung/xuanpolicy/pkg/messaging"
	"github.com/EliasChaung/xuanpolicy/pkg/worker"
)

const (
	slowKind       = "vecenv-test-slow"
	continuousKind = "vecenv-test-continuous"
	resetFailKind  = "vecenv-test-reset-fail"
	wideKind       = "vecenv-test-wide"
)

var errResetRefused = errors.New("reset refused")

type slowEnv struct {
	*environment.Scripted
	delay time.Duration
}

func (s slowEnv) Step(actions []int) (core.StepResult, error) {
	time.Sleep(s.delay)
	return s.Scripted.Step(actions)
}

type continuousEnv struct {
	*environment.Scripted
}

func (c continuousEnv) Info() core.EnvInfo {
	info := c.Scripted.Info()
	info.ActionSpace = "continuous"
	return info
}

// resetFailEnv refuses its fail_reset_on-th Reset.
type resetFailEnv struct {
	*environment.Scripted
	failOn int
	resets int
}

func (r *resetFailEnv) Reset() (core.ResetResult, error) {
	r.resets++
	if r.failOn > 0 && r.resets == r.failOn {
		return core.ResetResult{}, errResetRefused
	}
	return r.Scripted.Reset()
}

// wideEnv reports and emits one more observation value per agent than
// the scripted environment it wraps.
type wideEnv struct {
	*environment.Scripted
}

func (w wideEnv) Info() core.EnvInfo {
	info := w.Scripted.Info()
	info.ObsShape++
	return info
}

func (w wideEnv) Reset() (core.ResetResult, error) {
	res, err := w.Scripted.Reset()
	for i := range res.Obs {
		res.Obs[i] = append(res.Obs[i], 0)
	}
	return res, err
}

func init() {
	environment.MustRegister(resetFailKind, func(spec environment.Spec) (core.Environment, error) {
		s, err := environment.NewScripted(spec)
		if err != nil {
			return nil, err
		}
		return &resetFailEnv{Scripted: s, failOn: int(spec.Param("fail_reset_on", 0))}, nil
	})
	environment.MustRegister(wideKind, func(spec environment.Spec) (core.Environment, error) {
		s, err := environment.NewScripted(spec)
		if err != nil {
			return nil, err
		}
		return wideEnv{Scripted: s}, nil
	})
	environment.MustRegister(slowKind, func(spec environment.Spec) (core.Environment, error) {
		s, err := environment.NewScripted(spec)
		if err != nil {
			return nil, err
		}
		return slowEnv{Scripted: s, delay: time.Duration(spec.Param("delay_ms", 300)) * time.Millisecond}, nil
	})
	environment.MustRegister(continuousKind, func(spec environment.Spec) (core.Environment, error) {
		s, err := environment.NewScripted(spec)
		if err != nil {
			return nil, err
		}
		return continuousEnv{Scripted: s}, nil
	})
}

// trackingLauncher keeps the handles it launches so tests can check that
// every worker exits.
type trackingLauncher struct {
	mu      sync.Mutex
	handles []worker.Handle
}

func (l *trackingLauncher) Launch(ctx context.Context, id int, specs []environment.Spec) (worker.Handle, error) {
	h, err := worker.InProcess{}.Launch(ctx, id, specs)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.handles = append(l.handles, h)
	l.mu.Unlock()
	return h, nil
}

func (l *trackingLauncher) assertExited(t *testing.T) {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, h := range l.handles {
		done := h.(interface{ Done() <-chan struct{} }).Done()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("worker %d still running after close", h.ID())
		}
	}
}

var errKillFailed = errors.New("kill failed")

// stuckHandle never reports its worker as exited and fails to kill it.
type stuckHandle struct {
	worker.Handle
}

func (h stuckHandle) Wait(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (h stuckHandle) Kill() error {
	h.Handle.Kill()
	return errKillFailed
}

type stuckLauncher struct{}

func (stuckLauncher) Launch(ctx context.Context, id int, specs []environment.Spec) (worker.Handle, error) {
	h, err := worker.InProcess{}.Launch(ctx, id, specs)
	if err != nil {
		return nil, err
	}
	return stuckHandle{Handle: h}, nil
}

type memoryRecorder struct {
	records []EpisodeRecord
}

func (r *memoryRecorder) RecordEpisode(_ context.Context, rec EpisodeRecord) error {
	r.records = append(r.records, rec)
	return nil
}

func newController(t *testing.T, specs []environment.Spec, seriesSize int, opts ...Option) *Controller {
	t.Helper()
	c, err := New(context.Background(), specs, seriesSize, opts...)
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	t.Cleanup(func() { c.Close(context.Background()) })
	return c
}

func constantActions(n int, action int) [][]int {
	out := make([][]int, n)
	for i := range out {
		out[i] = []int{action}
	}
	return out
}

func TestNew(t *testing.T) {
	t.Run("worker count", func(t *testing.T) {
		cases := []struct{ n, s int }{{1, 1}, {4, 2}, {6, 3}, {6, 1}, {8, 8}}
		for _, tc := range cases {
			c := newController(t, environment.Specs(environment.ScriptedKind, tc.n, 0, nil), tc.s)
			if c.NumWorkers() != tc.n/tc.s || c.NumEnvs() != tc.n {
				t.Errorf("N=%d S=%d: got %d workers, %d slots", tc.n, tc.s, c.NumWorkers(), c.NumEnvs())
			}
		}
	})

	t.Run("series size must divide count", func(t *testing.T) {
		for _, s := range []int{0, -1, 2} {
			_, err := New(context.Background(), environment.Specs(environment.ScriptedKind, 3, 0, nil), s)
			if !errors.Is(err, ErrConfiguration) {
				t.Errorf("S=%d: expected ErrConfiguration, got %v", s, err)
			}
		}
		if _, err := New(context.Background(), nil, 1); !errors.Is(err, ErrConfiguration) {
			t.Errorf("no specs: expected ErrConfiguration, got %v", err)
		}
	})

	t.Run("unsupported action space", func(t *testing.T) {
		launcher := &trackingLauncher{}
		_, err := New(context.Background(), environment.Specs(continuousKind, 2, 0, nil), 1, WithLauncher(launcher))
		if !errors.Is(err, ErrConfiguration) {
			t.Fatalf("expected ErrConfiguration, got %v", err)
		}
		launcher.assertExited(t)
	})

	t.Run("build failure aborts construction", func(t *testing.T) {
		_, err := New(context.Background(), []environment.Spec{{Kind: "no-such-kind"}}, 1)
		var envErr *EnvironmentError
		if !errors.As(err, &envErr) {
			t.Fatalf("expected EnvironmentError, got %v", err)
		}
	})

	t.Run("scalars come from worker 0", func(t *testing.T) {
		c := newController(t, environment.Specs(environment.SkirmishKind, 2, 7, nil), 2)
		if c.NumAgents() != 3 || c.NumEnemies() != 3 || c.DimAct() != 5 {
			t.Errorf("unexpected skirmish info %+v", c.EnvInfo())
		}
		if c.DimObs() != 7 || c.DimState() != 6 || c.MaxEpisodeLength() != 60 {
			t.Errorf("unexpected skirmish shapes %+v", c.EnvInfo())
		}
		if c.RunID() == "" {
			t.Error("missing run id")
		}
	})
}

func TestOrdering(t *testing.T) {
	specs := environment.Specs(environment.ScriptedKind, 6, 0, map[string]float64{"n_actions": 8})
	c := newController(t, specs, 3)
	ctx := context.Background()

	reset, err := c.Reset(ctx)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	for i, obs := range reset.Obs {
		if obs[0][0] != float64(i) {
			t.Fatalf("slot %d observed environment %v", i, obs[0][0])
		}
	}

	for step := 1; step <= 3; step++ {
		actions := make([][]int, 6)
		for i := range actions {
			actions[i] = []int{(i + step) % 8}
		}
		batch, err := c.Step(ctx, actions)
		if err != nil {
			t.Fatalf("step %d: %v", step, err)
		}
		for i := range actions {
			if batch.State[i][0] != float64(i) || batch.State[i][1] != float64(step) {
				t.Errorf("step %d slot %d: state %v", step, i, batch.State[i])
			}
			if batch.Rewards[i][0] != float64(actions[i][0]) {
				t.Errorf("step %d slot %d: reward %v for action %d", step, i, batch.Rewards[i], actions[i][0])
			}
			if batch.Obs[i][0][2] != float64(actions[i][0]) {
				t.Errorf("step %d slot %d: last action %v", step, i, batch.Obs[i][0][2])
			}
		}
	}
}

func TestAutoReset(t *testing.T) {
	t.Run("slot 0 finishes at step 3 of 4", func(t *testing.T) {
		specs := environment.Specs(environment.ScriptedKind, 4, 0, nil)
		specs[0].Params["done_at"] = 3
		c := newController(t, specs, 2)
		ctx := context.Background()

		if _, err := c.Reset(ctx); err != nil {
			t.Fatalf("reset: %v", err)
		}
		var batch StepBatch
		var err error
		for step := 1; step <= 3; step++ {
			before := c.Stats()
			batch, err = c.Step(ctx, constantActions(4, 1))
			if err != nil {
				t.Fatalf("step %d: %v", step, err)
			}
			if step < 3 && !reflect.DeepEqual(before, c.Stats()) {
				t.Fatalf("counters moved before any episode ended: %+v", c.Stats())
			}
		}

		stats := c.Stats()
		if !reflect.DeepEqual(stats.BattlesPlayed, []int{1, 0, 0, 0}) {
			t.Fatalf("battles played %v", stats.BattlesPlayed)
		}
		if !reflect.DeepEqual(stats.BattlesWon, []int{1, 0, 0, 0}) {
			t.Errorf("battles won %v", stats.BattlesWon)
		}
		if stats.DeadEnemiesCumulative[0] != 1 || stats.DeadAlliesCumulative[0] != 0 {
			t.Errorf("dead counts %v %v", stats.DeadAlliesCumulative, stats.DeadEnemiesCumulative)
		}
		if !batch.Done[0] {
			t.Fatal("slot 0 should be done at step 3")
		}

		terminal := [][]float64{{0, 3, 1}}
		if !reflect.DeepEqual(batch.Obs[0], terminal) {
			t.Errorf("slot 0 returned %v, want terminal observation %v", batch.Obs[0], terminal)
		}

		direct, err := environment.NewScripted(specs[0])
		if err != nil {
			t.Fatalf("build direct: %v", err)
		}
		fresh, err := direct.Reset()
		if err != nil {
			t.Fatalf("direct reset: %v", err)
		}
		info := batch.Info[0]
		for _, key := range []core.InfoKey{core.KeyAvailActions, core.KeyResetObs, core.KeyResetState} {
			if !info.Has(key) {
				t.Errorf("slot 0 info lacks %s", key)
			}
		}
		if !reflect.DeepEqual(info.ResetObs, fresh.Obs) || !reflect.DeepEqual(info.ResetState, fresh.State) {
			t.Errorf("reset payload %v %v, want %v %v", info.ResetObs, info.ResetState, fresh.Obs, fresh.State)
		}
		for i := 1; i < 4; i++ {
			if batch.Info[i].Has(core.KeyResetObs) || batch.Done[i] {
				t.Errorf("slot %d touched by slot 0's boundary", i)
			}
		}

		batch, err = c.Step(ctx, constantActions(4, 1))
		if err != nil {
			t.Fatalf("step 4: %v", err)
		}
		if batch.State[0][1] != 1 || batch.State[1][1] != 4 {
			t.Errorf("slot 0 should be one step into its next episode: %v %v", batch.State[0], batch.State[1])
		}
		if c.Stats().BattlesPlayed[0] != 1 {
			t.Errorf("battles played moved without a boundary: %v", c.Stats().BattlesPlayed)
		}
	})

	t.Run("truncation counts as a boundary", func(t *testing.T) {
		specs := environment.Specs(environment.ScriptedKind, 2, 0, map[string]float64{"episode_limit": 2, "win": 0})
		recorder := &memoryRecorder{}
		c := newController(t, specs, 1, WithRecorder(recorder), WithRunID("run-1"))
		ctx := context.Background()
		if _, err := c.Reset(ctx); err != nil {
			t.Fatalf("reset: %v", err)
		}
		for i := 0; i < 4; i++ {
			batch, err := c.Step(ctx, constantActions(2, 2))
			if err != nil {
				t.Fatalf("step %d: %v", i, err)
			}
			if i%2 == 1 && (!batch.Truncated[0] || batch.Done[0]) {
				t.Fatalf("step %d should truncate: %+v", i, batch.Truncated)
			}
		}
		stats := c.Stats()
		if !reflect.DeepEqual(stats.BattlesPlayed, []int{2, 2}) || stats.Won() != 0 {
			t.Fatalf("unexpected stats %+v", stats)
		}
		if stats.WinRate() != 0 {
			t.Errorf("win rate %v", stats.WinRate())
		}
		if len(recorder.records) != 4 {
			t.Fatalf("expected 4 records, got %d", len(recorder.records))
		}
		rec := recorder.records[3]
		if rec.RunID != "run-1" || rec.Slot != 1 || rec.Episode != 2 || rec.Steps != 2 || !rec.Truncated || rec.Won {
			t.Errorf("unexpected record %+v", rec)
		}
		if rec.Score != 4 {
			t.Errorf("expected score 4, got %v", rec.Score)
		}
	})

	t.Run("missing terminal key fails fast", func(t *testing.T) {
		specs := environment.Specs(environment.ScriptedKind, 2, 0, map[string]float64{"done_at": 1})
		specs[1].Params["omit_terminal"] = 1
		c := newController(t, specs, 2)
		ctx := context.Background()
		if _, err := c.Reset(ctx); err != nil {
			t.Fatalf("reset: %v", err)
		}
		if _, err := c.Step(ctx, constantActions(2, 0)); !errors.Is(err, ErrMissingInfoKey) {
			t.Fatalf("expected ErrMissingInfoKey, got %v", err)
		}
		if _, err := c.Reset(ctx); !errors.Is(err, ErrMissingInfoKey) {
			t.Fatalf("batch should stay unusable, got %v", err)
		}
		if err := c.Close(ctx); err != nil {
			t.Fatalf("close: %v", err)
		}
	})
}

func TestAutoResetFailure(t *testing.T) {
	specs := environment.Specs(resetFailKind, 2, 0, map[string]float64{"done_at": 1})
	specs[0].Params["fail_reset_on"] = 2
	launcher := &trackingLauncher{}
	c := newController(t, specs, 1, WithLauncher(launcher))
	ctx := context.Background()

	if _, err := c.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	_, err := c.Step(ctx, constantActions(2, 1))
	var envErr *EnvironmentError
	if !errors.As(err, &envErr) {
		t.Fatalf("expected EnvironmentError, got %v", err)
	}
	if envErr.Slot != 0 || envErr.Command != "reset" || envErr.Message != errResetRefused.Error() {
		t.Errorf("unexpected error %+v", envErr)
	}

	stats := c.Stats()
	if !reflect.DeepEqual(stats.BattlesPlayed, []int{1, 1}) {
		t.Fatalf("both finished episodes should be counted once, got %v", stats.BattlesPlayed)
	}
	if !c.Batch().Info[1].Has(core.KeyResetObs) {
		t.Error("slot 1 did not get its boundary after slot 0 failed")
	}

	if c.Err() == nil {
		t.Fatal("a slot stuck past its terminal step must make the batch unusable")
	}
	if _, err := c.Step(ctx, constantActions(2, 1)); !errors.As(err, &envErr) {
		t.Fatalf("expected the stored boundary failure, got %v", err)
	}
	if !reflect.DeepEqual(c.Stats().BattlesPlayed, []int{1, 1}) {
		t.Fatalf("counters moved after the batch broke: %v", c.Stats().BattlesPlayed)
	}

	if err := c.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	launcher.assertExited(t)
}

func TestShapeMismatch(t *testing.T) {
	specs := []environment.Spec{
		{Kind: environment.ScriptedKind, Seed: 0, Params: map[string]float64{}},
		{Kind: wideKind, Seed: 1, Params: map[string]float64{}},
	}
	c := newController(t, specs, 1)
	ctx := context.Background()

	_, err := c.Reset(ctx)
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
	if c.Batch().Obs[0] != nil {
		t.Error("batch overwritten by a rejected reset")
	}
	if err := c.StepAsync(constantActions(2, 1)); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("batch should stay unusable, got %v", err)
	}
	if err := c.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestStepContract(t *testing.T) {
	ctx := context.Background()

	t.Run("double step async", func(t *testing.T) {
		c := newController(t, environment.Specs(environment.ScriptedKind, 4, 0, nil), 2)
		if _, err := c.Reset(ctx); err != nil {
			t.Fatalf("reset: %v", err)
		}
		if err := c.StepAsync(constantActions(4, 1)); err != nil {
			t.Fatalf("first step async: %v", err)
		}
		before := c.Batch()
		err := c.StepAsync(constantActions(4, 2))
		if !errors.Is(err, ErrUse) || !errors.Is(err, ErrStepOutstanding) {
			t.Fatalf("expected ErrStepOutstanding, got %v", err)
		}
		if !reflect.DeepEqual(before, c.Batch()) {
			t.Fatal("batch changed by rejected step")
		}
		batch, err := c.StepWait(ctx)
		if err != nil {
			t.Fatalf("step wait: %v", err)
		}
		if batch.Rewards[0][0] != 1 {
			t.Errorf("second action leaked into the batch: %v", batch.Rewards[0])
		}
	})

	t.Run("wait without step", func(t *testing.T) {
		c := newController(t, environment.Specs(environment.ScriptedKind, 2, 0, nil), 1)
		if _, err := c.StepWait(ctx); !errors.Is(err, ErrNoStepOutstanding) {
			t.Fatalf("expected ErrNoStepOutstanding, got %v", err)
		}
	})

	t.Run("action shape", func(t *testing.T) {
		c := newController(t, environment.Specs(environment.ScriptedKind, 2, 0, nil), 1)
		if err := c.StepAsync(constantActions(3, 0)); !errors.Is(err, ErrActionShape) {
			t.Fatalf("expected ErrActionShape, got %v", err)
		}
		if err := c.StepAsync([][]int{{0}, {0, 1}}); !errors.Is(err, ErrActionShape) {
			t.Fatalf("expected ErrActionShape, got %v", err)
		}
	})

	t.Run("copies are detached", func(t *testing.T) {
		c := newController(t, environment.Specs(environment.ScriptedKind, 2, 0, map[string]float64{"done_at": 1}), 2)
		reset, err := c.Reset(ctx)
		if err != nil {
			t.Fatalf("reset: %v", err)
		}
		reset.Obs[0][0][0] = 99
		if c.Batch().Obs[0][0][0] == 99 {
			t.Fatal("reset result aliases the batch buffer")
		}
		if _, err := c.Step(ctx, constantActions(2, 1)); err != nil {
			t.Fatalf("step: %v", err)
		}
		stats := c.Stats()
		stats.BattlesPlayed[0] = 42
		if c.Stats().BattlesPlayed[0] != 1 {
			t.Fatal("stats copy aliases the counters")
		}
	})

	t.Run("environment error names the slot", func(t *testing.T) {
		specs := environment.Specs(environment.ScriptedKind, 4, 0, nil)
		specs[3].Params["fail_at"] = 2
		c := newController(t, specs, 2)
		if _, err := c.Reset(ctx); err != nil {
			t.Fatalf("reset: %v", err)
		}
		if _, err := c.Step(ctx, constantActions(4, 0)); err != nil {
			t.Fatalf("step 1: %v", err)
		}
		_, err := c.Step(ctx, constantActions(4, 0))
		var envErr *EnvironmentError
		if !errors.As(err, &envErr) {
			t.Fatalf("expected EnvironmentError, got %v", err)
		}
		if envErr.Worker != 1 || envErr.Slot != 3 || envErr.Command != "step" {
			t.Errorf("unexpected error %+v", envErr)
		}
		if c.Err() != nil {
			t.Errorf("environment error should not break the batch: %v", c.Err())
		}
		if _, err := c.GetAvailActions(ctx); err != nil {
			t.Errorf("controller unusable after environment error: %v", err)
		}
	})
}

func TestGetAvailActions(t *testing.T) {
	specs := environment.Specs(environment.ScriptedKind, 4, 0, map[string]float64{"n_agents": 2, "n_actions": 5})
	c := newController(t, specs, 2)
	ctx := context.Background()
	if _, err := c.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if _, err := c.Step(ctx, [][]int{{1, 2}, {1, 2}, {1, 2}, {1, 2}}); err != nil {
		t.Fatalf("step: %v", err)
	}

	masks, err := c.GetAvailActions(ctx)
	if err != nil {
		t.Fatalf("get avail actions: %v", err)
	}
	if len(masks) != 4 {
		t.Fatalf("expected 4 rows, got %d", len(masks))
	}
	for i, spec := range specs {
		direct, err := environment.NewScripted(spec)
		if err != nil {
			t.Fatalf("build direct: %v", err)
		}
		direct.Reset()
		direct.Step([]int{1, 2})
		want, err := direct.AvailActions()
		if err != nil {
			t.Fatalf("direct mask: %v", err)
		}
		if !reflect.DeepEqual(masks[i], want) {
			t.Errorf("row %d: got %v, want %v", i, masks[i], want)
		}
	}
}

func TestRender(t *testing.T) {
	c := newController(t, environment.Specs(environment.ScriptedKind, 2, 0, nil), 1)
	ctx := context.Background()
	if _, err := c.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	frames, err := c.Render(ctx, "ansi")
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if len(frames) != 2 || string(frames[1]) != "scripted id=1 episode=1 step=0" {
		t.Errorf("unexpected frames %q", frames)
	}
	frames, err = c.Render(ctx, "rgb_array")
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if len(frames) != 2 || frames[0] != nil {
		t.Errorf("unsupported mode should give nil frames, got %q", frames)
	}
}

func TestClose(t *testing.T) {
	ctx := context.Background()

	t.Run("terminates every worker", func(t *testing.T) {
		launcher := &trackingLauncher{}
		c, err := New(ctx, environment.Specs(environment.ScriptedKind, 6, 0, nil), 2, WithLauncher(launcher))
		if err != nil {
			t.Fatalf("new: %v", err)
		}
		c.Reset(ctx)
		for i := 0; i < 3; i++ {
			if _, err := c.Step(ctx, constantActions(6, 1)); err != nil {
				t.Fatalf("step: %v", err)
			}
		}
		if err := c.Close(ctx); err != nil {
			t.Fatalf("close: %v", err)
		}
		launcher.assertExited(t)

		if err := c.Close(ctx); err != nil {
			t.Fatalf("second close: %v", err)
		}
		if _, err := c.Reset(ctx); !errors.Is(err, ErrClosed) || !errors.Is(err, ErrUse) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
		if err := c.StepAsync(constantActions(6, 1)); !errors.Is(err, ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
		if _, err := c.GetAvailActions(ctx); !errors.Is(err, ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	})

	t.Run("drains an outstanding step", func(t *testing.T) {
		launcher := &trackingLauncher{}
		c, err := New(ctx, environment.Specs(environment.ScriptedKind, 4, 0, nil), 2, WithLauncher(launcher))
		if err != nil {
			t.Fatalf("new: %v", err)
		}
		c.Reset(ctx)
		if err := c.StepAsync(constantActions(4, 1)); err != nil {
			t.Fatalf("step async: %v", err)
		}
		done := make(chan error, 1)
		go func() { done <- c.Close(ctx) }()
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("close: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("close hung on an outstanding step")
		}
		launcher.assertExited(t)
	})

	t.Run("broken channel", func(t *testing.T) {
		launcher := &trackingLauncher{}
		c, err := New(ctx, environment.Specs(environment.ScriptedKind, 4, 0, nil), 2, WithLauncher(launcher))
		if err != nil {
			t.Fatalf("new: %v", err)
		}
		if _, err := c.Reset(ctx); err != nil {
			t.Fatalf("reset: %v", err)
		}
		launcher.handles[1].Kill()

		_, err = c.Reset(ctx)
		if !errors.Is(err, ErrTransport) || !errors.Is(err, messaging.ErrConnClosed) {
			t.Fatalf("expected ErrTransport, got %v", err)
		}
		if !errors.Is(c.Err(), ErrTransport) {
			t.Fatalf("stored error %v", c.Err())
		}
		if err := c.StepAsync(constantActions(4, 1)); !errors.Is(err, ErrTransport) {
			t.Fatalf("batch should stay unusable, got %v", err)
		}
		if _, err := c.StepWait(ctx); !errors.Is(err, ErrTransport) {
			t.Fatalf("expected the stored transport error, got %v", err)
		}

		done := make(chan error, 1)
		go func() { done <- c.Close(ctx) }()
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("close: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("close hung on a broken channel")
		}
		launcher.assertExited(t)
	})

	t.Run("channel breaks during a step", func(t *testing.T) {
		launcher := &trackingLauncher{}
		specs := environment.Specs(slowKind, 2, 0, map[string]float64{"delay_ms": 200})
		c, err := New(ctx, specs, 1, WithLauncher(launcher))
		if err != nil {
			t.Fatalf("new: %v", err)
		}
		if _, err := c.Reset(ctx); err != nil {
			t.Fatalf("reset: %v", err)
		}
		if err := c.StepAsync(constantActions(2, 1)); err != nil {
			t.Fatalf("step async: %v", err)
		}
		launcher.handles[1].Kill()

		if _, err := c.StepWait(ctx); !errors.Is(err, ErrTransport) {
			t.Fatalf("expected ErrTransport, got %v", err)
		}
		if _, err := c.Reset(ctx); !errors.Is(err, ErrTransport) {
			t.Fatalf("batch should stay unusable, got %v", err)
		}
		if err := c.Close(ctx); err != nil {
			t.Fatalf("close: %v", err)
		}
		launcher.assertExited(t)
	})

	t.Run("failed kill is reported", func(t *testing.T) {
		c, err := New(ctx, environment.Specs(environment.ScriptedKind, 2, 0, nil), 1,
			WithLauncher(stuckLauncher{}),
			WithCloseTimeout(200*time.Millisecond),
		)
		if err != nil {
			t.Fatalf("new: %v", err)
		}
		err = c.Close(ctx)
		if !errors.Is(err, errKillFailed) {
			t.Fatalf("expected the kill failure, got %v", err)
		}
	})

	t.Run("timed out worker is killed", func(t *testing.T) {
		launcher := &trackingLauncher{}
		specs := environment.Specs(slowKind, 2, 0, map[string]float64{"delay_ms": 300})
		c, err := New(ctx, specs, 1,
			WithLauncher(launcher),
			WithCommandTimeout(50*time.Millisecond),
			WithCloseTimeout(2*time.Second),
		)
		if err != nil {
			t.Fatalf("new: %v", err)
		}
		if _, err := c.Reset(ctx); err != nil {
			t.Fatalf("reset: %v", err)
		}
		_, err = c.Step(ctx, constantActions(2, 0))
		if !errors.Is(err, ErrWorkerTimeout) || !errors.Is(err, ErrTransport) {
			t.Fatalf("expected ErrWorkerTimeout, got %v", err)
		}
		if _, err := c.Reset(ctx); !errors.Is(err, ErrTransport) {
			t.Fatalf("batch should stay unusable, got %v", err)
		}
		if err := c.Close(ctx); err != nil {
			t.Fatalf("close: %v", err)
		}
		launcher.assertExited(t)
	})
}
