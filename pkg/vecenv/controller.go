// Package vecenv drives a batch of environments spread over isolated
// workers behind one synchronous reset/step interface.
package vecenv

import (
	"context"
	"errors"
	"fmt"

	"github.com/EliasChaung/xuanpolicy/internal/logging"
	"github.com/EliasChaung/xuanpolicy/pkg/core"
	"github.com/EliasChaung/xuanpolicy/pkg/environment"
	"github.com/EliasChaung/xuanpolicy/pkg/messaging"
	"github.com/EliasChaung/xuanpolicy/pkg/worker"
)

// slotRef locates a global slot on its worker.
type slotRef struct {
	worker int
	local  int
}

// ResetBatch is what Reset returns, indexed by global slot.
type ResetBatch struct {
	Obs   [][][]float64
	State [][]float64
	Info  []core.Info
}

// StepBatch is what StepWait returns, indexed by global slot.
type StepBatch struct {
	Obs       [][][]float64
	State     [][]float64
	Rewards   [][]float64
	Done      []bool
	Truncated []bool
	Info      []core.Info
}

// Controller owns the workers and the batch buffers. It is not safe for
// concurrent use: one goroutine drives it, and at most one StepAsync may be
// outstanding.
type Controller struct {
	opts       options
	numEnvs    int
	seriesSize int
	workers    []worker.Handle
	info       core.EnvInfo

	waiting bool
	closed  bool
	broken  error

	bufObs   [][][]float64
	bufState [][]float64
	bufRews  [][]float64
	bufDones []bool
	bufTrunc []bool
	bufInfos []core.Info

	stats Stats
}

// New partitions specs into contiguous groups of seriesSize, launches one
// worker per group and fetches the shared EnvInfo from worker 0.
func New(ctx context.Context, specs []environment.Spec, seriesSize int, opts ...Option) (*Controller, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("%w: no environments", ErrConfiguration)
	}
	if seriesSize <= 0 || len(specs)%seriesSize != 0 {
		return nil, fmt.Errorf("%w: %d environments cannot be split into groups of %d", ErrConfiguration, len(specs), seriesSize)
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	c := &Controller{
		opts:       o,
		numEnvs:    len(specs),
		seriesSize: seriesSize,
	}

	numWorkers := len(specs) / seriesSize
	for w := 0; w < numWorkers; w++ {
		group := specs[w*seriesSize : (w+1)*seriesSize]
		h, err := o.launcher.Launch(ctx, w, group)
		if err != nil {
			c.teardown()
			return nil, fmt.Errorf("%w: launch worker %d: %w", ErrTransport, w, err)
		}
		c.workers = append(c.workers, h)
	}
	logging.Info("workers launched", logging.Fields{RunID: o.runID, Component: "vecenv", Count: numWorkers})

	resp, err := c.request(ctx, 0, messaging.Request{Command: messaging.CommandGetEnvInfo}, 1)
	if err != nil {
		c.teardown()
		return nil, fmt.Errorf("fetch env info: %w", err)
	}
	if err := validateInfo(*resp.EnvInfo); err != nil {
		c.teardown()
		return nil, err
	}
	c.info = *resp.EnvInfo

	c.bufObs = make([][][]float64, c.numEnvs)
	c.bufState = make([][]float64, c.numEnvs)
	c.bufRews = make([][]float64, c.numEnvs)
	c.bufDones = make([]bool, c.numEnvs)
	c.bufTrunc = make([]bool, c.numEnvs)
	c.bufInfos = make([]core.Info, c.numEnvs)
	c.stats = newStats(c.numEnvs)
	return c, nil
}

func validateInfo(info core.EnvInfo) error {
	switch info.ActionSpace {
	case core.ActionSpaceDiscrete, core.ActionSpaceMultiDiscrete:
	default:
		return fmt.Errorf("%w: unsupported action space %q", ErrConfiguration, info.ActionSpace)
	}
	if info.ObsShape <= 0 || info.StateShape <= 0 || info.NActions <= 0 || info.NAgents <= 0 {
		return fmt.Errorf("%w: non-positive dimensions in %+v", ErrConfiguration, info)
	}
	return nil
}

// teardown kills every launched worker. Used when construction fails.
func (c *Controller) teardown() {
	for _, h := range c.workers {
		if err := h.Kill(); err != nil {
			logging.Warn("kill worker", logging.Fields{RunID: c.opts.runID, Component: "vecenv", Worker: logging.Int(h.ID()), Error: logging.Err(err)})
		}
	}
	c.workers = nil
}

func (c *Controller) ref(slot int) slotRef {
	return slotRef{worker: slot / c.seriesSize, local: slot % c.seriesSize}
}

func (c *Controller) global(w, local int) int {
	return w*c.seriesSize + local
}

// ready reports why the controller cannot accept a new command.
func (c *Controller) ready() error {
	if c.closed {
		return ErrClosed
	}
	if c.broken != nil {
		return c.broken
	}
	if c.waiting {
		return ErrStepOutstanding
	}
	return nil
}

// fail marks the batch unusable. Only the first cause is kept.
func (c *Controller) fail(err error) error {
	if c.broken == nil {
		c.broken = err
		logging.Error("batch unusable", logging.Fields{RunID: c.opts.runID, Component: "vecenv", Error: logging.Err(err)})
	}
	return err
}

func (c *Controller) send(ctx context.Context, w int, req messaging.Request) error {
	if err := c.workers[w].Conn().Send(ctx, req); err != nil {
		return c.fail(fmt.Errorf("%w: send %s to worker %d: %w", ErrTransport, req.Command, w, err))
	}
	return nil
}

// recv waits for the response to cmd from worker w and checks that it
// carries want results. Transport failures break the batch; a worker-side
// failure comes back as *EnvironmentError.
func (c *Controller) recv(ctx context.Context, w int, cmd messaging.Command, want int) (messaging.Response, error) {
	waitCtx := ctx
	if c.opts.commandTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, c.opts.commandTimeout)
		defer cancel()
	}

	resp, err := c.workers[w].Conn().Recv(waitCtx)
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return resp, c.fail(fmt.Errorf("%w: worker %d %s after %s", ErrWorkerTimeout, w, cmd, c.opts.commandTimeout))
		}
		return resp, c.fail(fmt.Errorf("%w: receive %s from worker %d: %w", ErrTransport, cmd, w, err))
	}
	if resp.Command != cmd {
		return resp, c.fail(fmt.Errorf("%w: worker %d answered %s with %s", ErrTransport, w, cmd, resp.Command))
	}
	if resp.Error != nil {
		slot := -1
		if resp.Error.Slot >= 0 {
			slot = c.global(w, resp.Error.Slot)
		}
		return resp, &EnvironmentError{Worker: w, Slot: slot, Command: string(cmd), Message: resp.Error.Message}
	}
	if resp.Len() != want {
		return resp, c.fail(fmt.Errorf("%w: worker %d sent %d %s results, want %d", ErrTransport, w, resp.Len(), cmd, want))
	}
	return resp, nil
}

func (c *Controller) request(ctx context.Context, w int, req messaging.Request, want int) (messaging.Response, error) {
	if err := c.send(ctx, w, req); err != nil {
		return messaging.Response{}, err
	}
	return c.recv(ctx, w, req.Command, want)
}

func (c *Controller) broadcast(ctx context.Context, req messaging.Request) error {
	for w := range c.workers {
		if err := c.send(ctx, w, req); err != nil {
			return err
		}
	}
	return nil
}

// gather collects one response per worker in worker order. Every response
// is drained even after an environment failure so the channels stay in
// step; the first such failure is returned.
func (c *Controller) gather(ctx context.Context, cmd messaging.Command, want int) ([]messaging.Response, error) {
	out := make([]messaging.Response, len(c.workers))
	var envErr error
	for w := range c.workers {
		resp, err := c.recv(ctx, w, cmd, want)
		if err != nil {
			var ee *EnvironmentError
			if !errors.As(err, &ee) {
				return nil, err
			}
			if envErr == nil {
				envErr = err
			}
			continue
		}
		out[w] = resp
	}
	if envErr != nil {
		return nil, envErr
	}
	return out, nil
}

// Reset resets every environment and returns copies of the fresh batch.
func (c *Controller) Reset(ctx context.Context) (ResetBatch, error) {
	if err := c.ready(); err != nil {
		return ResetBatch{}, err
	}
	if err := c.broadcast(ctx, messaging.Request{Command: messaging.CommandReset}); err != nil {
		return ResetBatch{}, err
	}
	resps, err := c.gather(ctx, messaging.CommandReset, c.seriesSize)
	if err != nil {
		return ResetBatch{}, err
	}

	for w, resp := range resps {
		for k, res := range resp.Resets {
			if err := c.checkShape(w, k, res.Obs, res.State); err != nil {
				return ResetBatch{}, err
			}
		}
	}
	for w, resp := range resps {
		for k, res := range resp.Resets {
			i := c.global(w, k)
			c.bufObs[i] = res.Obs
			c.bufState[i] = res.State
			c.bufInfos[i] = res.Info
			c.bufRews[i] = nil
			c.bufDones[i] = false
			c.bufTrunc[i] = false
		}
	}
	return ResetBatch{
		Obs:   cloneObs(c.bufObs),
		State: cloneStates(c.bufState),
		Info:  cloneInfos(c.bufInfos),
	}, nil
}

// StepAsync dispatches actions[i] to slot i and returns without waiting.
// actions is indexed by global slot then agent.
func (c *Controller) StepAsync(actions [][]int) error {
	if err := c.ready(); err != nil {
		return err
	}
	if len(actions) != c.numEnvs {
		return fmt.Errorf("%w: got %d action rows for %d environments", ErrActionShape, len(actions), c.numEnvs)
	}
	for i, row := range actions {
		if c.info.ActionSpace == core.ActionSpaceDiscrete && len(row) != c.info.NAgents {
			return fmt.Errorf("%w: slot %d has %d actions for %d agents", ErrActionShape, i, len(row), c.info.NAgents)
		}
	}

	ctx := context.Background()
	for w := range c.workers {
		group := make([][]int, c.seriesSize)
		for k := range group {
			group[k] = append([]int(nil), actions[c.global(w, k)]...)
		}
		if err := c.send(ctx, w, messaging.Request{Command: messaging.CommandStep, Actions: group}); err != nil {
			return err
		}
	}
	c.waiting = true
	return nil
}

// StepWait collects the outstanding step, auto-resets every slot whose
// episode ended and returns copies of the batch. A finished slot reports
// its terminal observation; the fresh episode is in its info.
func (c *Controller) StepWait(ctx context.Context) (StepBatch, error) {
	if c.closed {
		return StepBatch{}, ErrClosed
	}
	if c.broken != nil {
		return StepBatch{}, c.broken
	}
	if !c.waiting {
		return StepBatch{}, ErrNoStepOutstanding
	}

	resps, err := c.gather(ctx, messaging.CommandStep, c.seriesSize)
	c.waiting = false
	if err != nil {
		return StepBatch{}, err
	}

	for w, resp := range resps {
		for k, res := range resp.Steps {
			if err := c.checkShape(w, k, res.Obs, res.State); err != nil {
				return StepBatch{}, err
			}
			if len(res.Reward) != c.info.NAgents {
				return StepBatch{}, c.fail(fmt.Errorf("%w: worker %d slot %d: %d rewards for %d agents",
					ErrConfiguration, w, c.global(w, k), len(res.Reward), c.info.NAgents))
			}
		}
	}
	for w, resp := range resps {
		for k, res := range resp.Steps {
			i := c.global(w, k)
			c.bufObs[i] = res.Obs
			c.bufState[i] = res.State
			c.bufRews[i] = res.Reward
			c.bufDones[i] = res.Done
			c.bufTrunc[i] = res.Truncated
			c.bufInfos[i] = res.Info
		}
	}

	// A slot whose targeted reset failed cannot be stepped again, but the
	// remaining finished slots still get their boundary.
	var boundaryErr error
	for i := 0; i < c.numEnvs; i++ {
		if !c.bufDones[i] && !c.bufTrunc[i] {
			continue
		}
		if err := c.autoReset(ctx, i); err != nil {
			if c.broken != nil {
				return StepBatch{}, err
			}
			if boundaryErr == nil {
				boundaryErr = err
			}
		}
	}
	if boundaryErr != nil {
		return StepBatch{}, c.fail(boundaryErr)
	}

	return c.snapshot(), nil
}

// Step is StepAsync followed by StepWait.
func (c *Controller) Step(ctx context.Context, actions [][]int) (StepBatch, error) {
	if err := c.StepAsync(actions); err != nil {
		return StepBatch{}, err
	}
	return c.StepWait(ctx)
}

// GetAvailActions returns the action mask of every slot, indexed by slot,
// agent and action.
func (c *Controller) GetAvailActions(ctx context.Context) ([][][]int, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	if err := c.broadcast(ctx, messaging.Request{Command: messaging.CommandGetAvailActions}); err != nil {
		return nil, err
	}
	resps, err := c.gather(ctx, messaging.CommandGetAvailActions, c.seriesSize)
	if err != nil {
		return nil, err
	}
	out := make([][][]int, 0, c.numEnvs)
	for _, resp := range resps {
		out = append(out, resp.Avail...)
	}
	return out, nil
}

// Render returns one frame per slot; a frame is nil when the environment
// does not support mode.
func (c *Controller) Render(ctx context.Context, mode string) ([][]byte, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	if err := c.broadcast(ctx, messaging.Request{Command: messaging.CommandRender, Mode: mode}); err != nil {
		return nil, err
	}
	resps, err := c.gather(ctx, messaging.CommandRender, c.seriesSize)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, c.numEnvs)
	for _, resp := range resps {
		out = append(out, resp.Frames...)
	}
	return out, nil
}

// Close drains an outstanding step, asks every worker to close and joins
// it. Workers that do not acknowledge in time, or sit behind a broken
// channel, are killed. Calling Close again is a no-op.
func (c *Controller) Close(ctx context.Context) error {
	if c.closed {
		return nil
	}
	c.closed = true

	if c.waiting && c.broken == nil {
		drainCtx, cancel := context.WithTimeout(ctx, c.opts.closeTimeout)
		for w := range c.workers {
			if _, err := c.recv(drainCtx, w, messaging.CommandStep, c.seriesSize); err != nil {
				var ee *EnvironmentError
				if !errors.As(err, &ee) {
					break
				}
			}
		}
		cancel()
		c.waiting = false
	}

	var errs []error
	acked := make([]bool, len(c.workers))
	if !errors.Is(c.broken, ErrTransport) {
		for w := range c.workers {
			if err := c.workers[w].Conn().Send(ctx, messaging.Request{Command: messaging.CommandClose}); err != nil {
				errs = append(errs, fmt.Errorf("%w: send close to worker %d: %w", ErrTransport, w, err))
			}
		}
		for w := range c.workers {
			ackCtx, cancel := context.WithTimeout(ctx, c.opts.closeTimeout)
			resp, err := c.workers[w].Conn().Recv(ackCtx)
			cancel()
			switch {
			case err != nil:
				errs = append(errs, fmt.Errorf("%w: close worker %d: %w", ErrTransport, w, err))
			case resp.Command != messaging.CommandClose:
				errs = append(errs, fmt.Errorf("%w: worker %d answered close with %s", ErrTransport, w, resp.Command))
			default:
				acked[w] = true
				if resp.Error != nil {
					errs = append(errs, &EnvironmentError{Worker: w, Slot: -1, Command: string(messaging.CommandClose), Message: resp.Error.Message})
				}
			}
		}
	}

	for w, h := range c.workers {
		fields := logging.Fields{RunID: c.opts.runID, Component: "vecenv", Worker: logging.Int(w)}
		if !acked[w] {
			logging.Warn("killing worker", fields)
			if err := h.Kill(); err != nil {
				errs = append(errs, fmt.Errorf("kill worker %d: %w", w, err))
			}
		}
		joinCtx, cancel := context.WithTimeout(ctx, c.opts.closeTimeout)
		err := h.Wait(joinCtx)
		cancel()
		if err != nil && acked[w] && errors.Is(err, context.DeadlineExceeded) {
			logging.Warn("worker did not exit, killing", fields)
			if err := h.Kill(); err != nil {
				errs = append(errs, fmt.Errorf("kill worker %d: %w", w, err))
			}
			continue
		}
		if err != nil && acked[w] {
			errs = append(errs, fmt.Errorf("join worker %d: %w", w, err))
		}
	}
	logging.Info("workers closed", logging.Fields{RunID: c.opts.runID, Component: "vecenv", Count: len(c.workers)})
	return errors.Join(errs...)
}

// checkShape rejects a slot result whose dimensions disagree with the
// EnvInfo fetched from worker 0.
func (c *Controller) checkShape(w, local int, obs [][]float64, state []float64) error {
	i := c.global(w, local)
	bad := func(format string, args ...any) error {
		return c.fail(fmt.Errorf("%w: worker %d slot %d: "+format, append([]any{ErrConfiguration, w, i}, args...)...))
	}
	if len(obs) != c.info.NAgents {
		return bad("%d observations for %d agents", len(obs), c.info.NAgents)
	}
	for a, row := range obs {
		if len(row) != c.info.ObsShape {
			return bad("agent %d observation has %d values, want %d", a, len(row), c.info.ObsShape)
		}
	}
	if len(state) != c.info.StateShape {
		return bad("state has %d values, want %d", len(state), c.info.StateShape)
	}
	return nil
}

func (c *Controller) snapshot() StepBatch {
	return StepBatch{
		Obs:       cloneObs(c.bufObs),
		State:     cloneStates(c.bufState),
		Rewards:   cloneStates(c.bufRews),
		Done:      append([]bool(nil), c.bufDones...),
		Truncated: append([]bool(nil), c.bufTrunc...),
		Info:      cloneInfos(c.bufInfos),
	}
}

// Batch returns a copy of the current batch buffers.
func (c *Controller) Batch() StepBatch {
	return c.snapshot()
}

func (c *Controller) NumEnvs() int { return c.numEnvs }
func (c *Controller) NumWorkers() int { return len(c.workers) }
func (c *Controller) SeriesSize() int { return c.seriesSize }
func (c *Controller) DimObs() int { return c.info.ObsShape }
func (c *Controller) DimState() int { return c.info.StateShape }
func (c *Controller) DimAct() int { return c.info.NActions }
func (c *Controller) NumAgents() int { return c.info.NAgents }
func (c *Controller) NumEnemies() int { return c.info.NEnemies }
func (c *Controller) MaxEpisodeLength() int { return c.info.EpisodeLimit }
func (c *Controller) EnvInfo() core.EnvInfo { return c.info }
func (c *Controller) RunID() string { return c.opts.runID }

// Stats returns a copy of the episode counters.
func (c *Controller) Stats() Stats {
	return c.stats.clone()
}

// Err returns the failure that made the batch unusable, if any.
func (c *Controller) Err() error {
	return c.broken
}

func cloneObs(in [][][]float64) [][][]float64 {
	out := make([][][]float64, len(in))
	for i, m := range in {
		out[i] = core.CloneMatrix(m)
	}
	return out
}

func cloneStates(in [][]float64) [][]float64 {
	out := make([][]float64, len(in))
	for i, v := range in {
		out[i] = core.CloneVector(v)
	}
	return out
}

func cloneInfos(in []core.Info) []core.Info {
	out := make([]core.Info, len(in))
	for i, info := range in {
		out[i] = info.Clone()
	}
	return out
}
