package messaging

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/EliasChaung/xuanpolicy/pkg/core"
)

func streamPair() (ControllerConn, WorkerConn) {
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	return NewControllerStream(respR, reqW), NewWorkerStream(reqR, respW)
}

func TestStreamConn(t *testing.T) {
	t.Run("round trip keeps payload", func(t *testing.T) {
		controller, worker := streamPair()
		t.Cleanup(func() {
			controller.Close()
			worker.Close()
		})
		ctx := context.Background()

		go func() {
			req, err := worker.Recv(ctx)
			if err != nil {
				return
			}
			info := core.Info{}
			info.Set(core.KeyEpisodeStep, 1)
			worker.Send(ctx, Response{
				Command: req.Command,
				Steps: []core.StepResult{{
					Obs:    [][]float64{{float64(req.Actions[0][0])}},
					Reward: []float64{0.5},
					Done:   true,
					Info:   info,
				}},
			})
		}()

		if err := controller.Send(ctx, Request{Command: CommandStep, Actions: [][]int{{4}}}); err != nil {
			t.Fatalf("send: %v", err)
		}
		resp, err := controller.Recv(ctx)
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		if resp.Command != CommandStep || resp.Len() != 1 {
			t.Fatalf("unexpected response %+v", resp)
		}
		step := resp.Steps[0]
		if step.Obs[0][0] != 4 || !step.Done {
			t.Errorf("unexpected step %+v", step)
		}
		if v, ok := step.Info.Get(core.KeyEpisodeStep); !ok || v != 1 {
			t.Errorf("info lost in transit: %+v", step.Info)
		}
	})

	t.Run("peer close surfaces ErrConnClosed", func(t *testing.T) {
		controller, worker := streamPair()
		t.Cleanup(func() {
			controller.Close()
		})
		worker.Close()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if _, err := controller.Recv(ctx); !errors.Is(err, ErrConnClosed) {
			t.Errorf("expected ErrConnClosed, got %v", err)
		}
	})
}

func TestWSConn(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := NewWSConn[Request, Response](ws)
		defer conn.Close()
		ctx := context.Background()
		for {
			req, err := conn.Recv(ctx)
			if err != nil {
				return
			}
			if err := conn.Send(ctx, Response{Command: req.Command, Frames: [][]byte{[]byte(req.Mode)}}); err != nil {
				return
			}
			if req.Command == CommandClose {
				return
			}
		}
	}))
	t.Cleanup(server.Close)

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	controller := NewWSConn[Response, Request](ws)
	t.Cleanup(func() {
		controller.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := controller.Send(ctx, Request{Command: CommandRender, Mode: "ansi"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	resp, err := controller.Recv(ctx)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if string(resp.Frames[0]) != "ansi" {
		t.Errorf("unexpected frame %q", resp.Frames[0])
	}

	if err := controller.Send(ctx, Request{Command: CommandClose}); err != nil {
		t.Fatalf("send close: %v", err)
	}
	if _, err := controller.Recv(ctx); err != nil {
		t.Fatalf("close ack: %v", err)
	}
	if _, err := controller.Recv(ctx); !errors.Is(err, ErrConnClosed) {
		t.Errorf("expected ErrConnClosed after server hung up, got %v", err)
	}
}
