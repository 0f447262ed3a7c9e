package messaging

import (
	"context"
	"sync"
)

// pipeEnd is one side of an in-memory channel pair
// in carries messages from the peer, out carries messages to the peer
type pipeEnd[In, Out any] struct {
	in   <-chan In
	out  chan<- Out
	done chan struct{}
	once *sync.Once
}

// Pipe creates a connected controller/worker pair that lives in one process.
// Each direction buffers a single message, which is all the one-outstanding-
// command protocol needs, so sends never block on a well-behaved peer.
func Pipe() (ControllerConn, WorkerConn) {
	requests := make(chan Request, 1)
	responses := make(chan Response, 1)
	done := make(chan struct{})
	once := &sync.Once{}

	controller := &pipeEnd[Response, Request]{in: responses, out: requests, done: done, once: once}
	worker := &pipeEnd[Request, Response]{in: requests, out: responses, done: done, once: once}
	return controller, worker
}

// Send delivers msg to the peer
func (p *pipeEnd[In, Out]) Send(ctx context.Context, msg Out) error {
	select {
	case <-p.done:
		return ErrConnClosed
	default:
	}

	select {
	case p.out <- msg:
		return nil
	case <-p.done:
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv returns the next message from the peer. A message sent before the
// pipe was closed is still delivered.
func (p *pipeEnd[In, Out]) Recv(ctx context.Context) (In, error) {
	var zero In
	select {
	case msg := <-p.in:
		return msg, nil
	case <-p.done:
		select {
		case msg := <-p.in:
			return msg, nil
		default:
			return zero, ErrConnClosed
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Close closes both ends of the pipe
func (p *pipeEnd[In, Out]) Close() error {
	p.once.Do(func() {
		close(p.done)
	})
	return nil
}
