package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// streamConn frames messages as newline-delimited JSON over a byte stream,
// e.g. the stdin/stdout pipes of a worker subprocess.
type streamConn[In, Out any] struct {
	r io.Closer
	w io.WriteCloser

	mu  sync.Mutex
	enc *json.Encoder

	incoming chan In
	done     chan struct{}
	readErr  error
	once     sync.Once
}

// NewStreamConn starts reading In messages from r and writes Out messages to w.
func NewStreamConn[In, Out any](r io.ReadCloser, w io.WriteCloser) Endpoint[In, Out] {
	c := &streamConn[In, Out]{
		r:        r,
		w:        w,
		enc:      json.NewEncoder(w),
		incoming: make(chan In, 1),
		done:     make(chan struct{}),
	}
	go c.readLoop(json.NewDecoder(r))
	return c
}

// NewControllerStream wraps the pipes of a worker process from the controller side.
func NewControllerStream(r io.ReadCloser, w io.WriteCloser) ControllerConn {
	return NewStreamConn[Response, Request](r, w)
}

// NewWorkerStream wraps stdin/stdout from the worker side.
func NewWorkerStream(r io.ReadCloser, w io.WriteCloser) WorkerConn {
	return NewStreamConn[Request, Response](r, w)
}

func (c *streamConn[In, Out]) readLoop(dec *json.Decoder) {
	defer close(c.incoming)
	for {
		var msg In
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				c.readErr = ErrConnClosed
			} else {
				c.readErr = fmt.Errorf("%w: decode: %v", ErrConnClosed, err)
			}
			return
		}
		select {
		case c.incoming <- msg:
		case <-c.done:
			c.readErr = ErrConnClosed
			return
		}
	}
}

func (c *streamConn[In, Out]) Send(ctx context.Context, msg Out) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enc.Encode(msg); err != nil {
		return fmt.Errorf("%w: encode: %v", ErrConnClosed, err)
	}
	return nil
}

// Recv returns the next decoded message. readErr is only read after the
// reader closed incoming, which orders the write before the read.
func (c *streamConn[In, Out]) Recv(ctx context.Context) (In, error) {
	var zero In
	select {
	case msg, ok := <-c.incoming:
		if !ok {
			return zero, c.readErr
		}
		return msg, nil
	case <-c.done:
		return zero, ErrConnClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (c *streamConn[In, Out]) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		werr := c.w.Close()
		rerr := c.r.Close()
		err = errors.Join(werr, rerr)
	})
	return err
}
