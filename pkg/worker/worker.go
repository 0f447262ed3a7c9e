package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/EliasChaung/xuanpolicy/internal/logging"
	"github.com/EliasChaung/xuanpolicy/pkg/core"
	"github.com/EliasChaung/xuanpolicy/pkg/environment"
	"github.com/EliasChaung/xuanpolicy/pkg/messaging"
)

var (
	ErrUnsupportedCommand = errors.New("unsupported command")
	ErrSlotOutOfRange     = errors.New("slot out of range")
	ErrActionGroupSize    = errors.New("action group size mismatch")
)

// worker owns one series group of environments. It is only touched by the
// goroutine running Serve.
type worker struct {
	id       int
	envs     []core.Environment
	buildErr *messaging.RemoteError
}

// Serve builds the environments described by specs and answers commands
// from conn until it receives close, conn fails or ctx is cancelled. The
// environments are closed on every exit path.
func Serve(ctx context.Context, id int, conn messaging.WorkerConn, specs []environment.Spec) error {
	w := build(id, specs)
	defer w.closeEnvs()

	logging.Debug("worker serving", logging.Fields{Component: "worker", Worker: logging.Int(id), Count: len(specs)})

	for {
		req, err := conn.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("worker %d: receive: %w", id, err)
		}

		if req.Command == messaging.CommandClose {
			resp := messaging.Response{Command: messaging.CommandClose}
			if err := w.closeEnvs(); err != nil {
				resp.Error = &messaging.RemoteError{Slot: -1, Message: err.Error()}
			}
			logging.Debug("worker closed", logging.Fields{Component: "worker", Worker: logging.Int(id)})
			if err := conn.Send(ctx, resp); err != nil {
				return fmt.Errorf("worker %d: acknowledge close: %w", id, err)
			}
			return nil
		}

		resp := w.handle(req)
		if resp.Error != nil {
			logging.Warn("environment call failed", logging.Fields{
				Component: "worker",
				Worker:    logging.Int(id),
				Slot:      logging.Int(resp.Error.Slot),
				Command:   string(req.Command),
				Error:     resp.Error.Message,
			})
		}
		if err := conn.Send(ctx, resp); err != nil {
			return fmt.Errorf("worker %d: send %s response: %w", id, req.Command, err)
		}
	}
}

func build(id int, specs []environment.Spec) *worker {
	w := &worker{id: id, envs: make([]core.Environment, 0, len(specs))}
	if len(specs) == 0 {
		w.buildErr = &messaging.RemoteError{Slot: -1, Message: "worker has no environments"}
		return w
	}
	for i, spec := range specs {
		env, err := spec.Build()
		if err != nil {
			w.buildErr = &messaging.RemoteError{Slot: i, Message: fmt.Sprintf("build %s: %v", spec.Kind, err)}
			w.closeEnvs()
			return w
		}
		w.envs = append(w.envs, env)
	}
	return w
}

func (w *worker) closeEnvs() error {
	var errs []error
	for i, env := range w.envs {
		if err := env.Close(); err != nil {
			errs = append(errs, fmt.Errorf("slot %d: %w", i, err))
		}
	}
	w.envs = nil
	return errors.Join(errs...)
}

func (w *worker) handle(req messaging.Request) messaging.Response {
	resp := messaging.Response{Command: req.Command}
	if w.buildErr != nil {
		resp.Error = w.buildErr
		return resp
	}

	fail := func(slot int, err error) messaging.Response {
		resp.Error = &messaging.RemoteError{Slot: slot, Message: err.Error()}
		return resp
	}

	switch req.Command {
	case messaging.CommandStep:
		if len(req.Actions) != len(w.envs) {
			return fail(-1, fmt.Errorf("%w: got %d, want %d", ErrActionGroupSize, len(req.Actions), len(w.envs)))
		}
		resp.Steps = make([]core.StepResult, 0, len(w.envs))
		for i, env := range w.envs {
			res, err := env.Step(req.Actions[i])
			if err != nil {
				return fail(i, err)
			}
			resp.Steps = append(resp.Steps, res)
		}
	case messaging.CommandReset:
		slots, err := w.targets(req.Slot)
		if err != nil {
			return fail(-1, err)
		}
		resp.Resets = make([]core.ResetResult, 0, len(slots))
		for _, i := range slots {
			res, err := w.envs[i].Reset()
			if err != nil {
				return fail(i, err)
			}
			resp.Resets = append(resp.Resets, res)
		}
	case messaging.CommandGetAvailActions:
		slots, err := w.targets(req.Slot)
		if err != nil {
			return fail(-1, err)
		}
		resp.Avail = make([][][]int, 0, len(slots))
		for _, i := range slots {
			mask, err := w.envs[i].AvailActions()
			if err != nil {
				return fail(i, err)
			}
			resp.Avail = append(resp.Avail, mask)
		}
	case messaging.CommandRender:
		resp.Frames = make([][]byte, 0, len(w.envs))
		for i, env := range w.envs {
			frame, err := env.Render(req.Mode)
			if err != nil {
				return fail(i, err)
			}
			resp.Frames = append(resp.Frames, frame)
		}
	case messaging.CommandGetEnvInfo:
		info := w.envs[0].Info()
		resp.EnvInfo = &info
	default:
		return fail(-1, fmt.Errorf("%w: %q", ErrUnsupportedCommand, req.Command))
	}
	return resp
}

// targets resolves an optional slot filter to local slot indices.
func (w *worker) targets(slot *int) ([]int, error) {
	if slot == nil {
		all := make([]int, len(w.envs))
		for i := range all {
			all[i] = i
		}
		return all, nil
	}
	if *slot < 0 || *slot >= len(w.envs) {
		return nil, fmt.Errorf("%w: %d of %d", ErrSlotOutOfRange, *slot, len(w.envs))
	}
	return []int{*slot}, nil
}
