package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const wsWriteWait = 10 * time.Second

// wsConn carries one JSON message per websocket text frame.
type wsConn[In, Out any] struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	incoming chan In
	done     chan struct{}
	readErr  error
	once     sync.Once
}

// NewWSConn takes ownership of conn and starts its read loop.
func NewWSConn[In, Out any](conn *websocket.Conn) Endpoint[In, Out] {
	c := &wsConn[In, Out]{
		conn:     conn,
		incoming: make(chan In, 1),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *wsConn[In, Out]) readLoop() {
	defer close(c.incoming)
	for {
		var msg In
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.readErr = ErrConnClosed
			} else {
				c.readErr = fmt.Errorf("%w: %v", ErrConnClosed, err)
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

func (c *wsConn[In, Out]) Send(ctx context.Context, msg Out) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	deadline := time.Now().Add(wsWriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("%w: %v", ErrConnClosed, err)
	}
	if err := c.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("%w: %v", ErrConnClosed, err)
	}
	return nil
}

func (c *wsConn[In, Out]) Recv(ctx context.Context) (In, error) {
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

// Close sends a close frame when possible and releases the socket.
func (c *wsConn[In, Out]) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
