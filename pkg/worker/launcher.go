package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/EliasChaung/xuanpolicy/internal/logging"
	"github.com/EliasChaung/xuanpolicy/pkg/environment"
	"github.com/EliasChaung/xuanpolicy/pkg/messaging"
)

// Handle is the controller's view of one running worker.
type Handle interface {
	ID() int
	Conn() messaging.ControllerConn
	// Wait blocks until the worker has terminated or ctx is done
	Wait(ctx context.Context) error
	// Kill tears the worker down without waiting for it to acknowledge
	Kill() error
}

// Launcher starts one isolated worker per series group.
type Launcher interface {
	Launch(ctx context.Context, id int, specs []environment.Spec) (Handle, error)
}

// InProcess runs each worker on its own goroutine connected by a Pipe.
// Environments must not rely on process-global state.
type InProcess struct{}

func (InProcess) Launch(_ context.Context, id int, specs []environment.Spec) (Handle, error) {
	controller, workerEnd := messaging.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	h := &goroutineHandle{
		id:     id,
		conn:   controller,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	specs = append([]environment.Spec(nil), specs...)

	go func() {
		defer close(h.done)
		defer workerEnd.Close()
		err := Serve(ctx, id, workerEnd, specs)
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Warn("worker exited", logging.Fields{Component: "worker", Worker: logging.Int(id), Error: logging.Err(err)})
		}
		h.mu.Lock()
		h.err = err
		h.mu.Unlock()
	}()
	return h, nil
}

type goroutineHandle struct {
	id     int
	conn   messaging.ControllerConn
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func (h *goroutineHandle) ID() int {
	return h.id
}

func (h *goroutineHandle) Conn() messaging.ControllerConn {
	return h.conn
}

func (h *goroutineHandle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		h.conn.Close()
		h.mu.Lock()
		defer h.mu.Unlock()
		if errors.Is(h.err, context.Canceled) {
			return nil
		}
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Kill cancels the worker loop. An environment call that is already
// running finishes first; the loop exits on its next receive.
func (h *goroutineHandle) Kill() error {
	h.cancel()
	return h.conn.Close()
}

// Done is closed once the worker goroutine has returned.
func (h *goroutineHandle) Done() <-chan struct{} {
	return h.done
}
