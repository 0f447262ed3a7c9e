package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/EliasChaung/xuanpolicy/internal/logging"
	"github.com/EliasChaung/xuanpolicy/pkg/environment"
	"github.com/EliasChaung/xuanpolicy/pkg/messaging"
)

const (
	HeaderSpecs  = "X-Vecenv-Specs"
	HeaderWorker = "X-Vecenv-Worker"

	// WorkerPath is where a worker server accepts controller connections.
	WorkerPath = "/worker"
)

var ErrNoAddrs = errors.New("remote launcher has no worker addresses")

// Remote hosts each worker on a `vecenv worker serve` instance reached over a
// websocket. Worker i connects to Addrs[i%len(Addrs)].
type Remote struct {
	Addrs  []string
	Dialer *websocket.Dialer
}

func (r Remote) Launch(ctx context.Context, id int, specs []environment.Spec) (Handle, error) {
	if len(r.Addrs) == 0 {
		return nil, ErrNoAddrs
	}
	target, err := workerURL(r.Addrs[id%len(r.Addrs)])
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(specs)
	if err != nil {
		return nil, fmt.Errorf("encode worker specs: %w", err)
	}

	header := http.Header{}
	header.Set(HeaderSpecs, string(payload))
	header.Set(HeaderWorker, strconv.Itoa(id))

	dialer := r.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, target, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial worker %d at %s: %w", id, target, err)
	}
	logging.Debug("remote worker connected", logging.Fields{Component: "worker", Worker: logging.Int(id)})
	return &remoteHandle{id: id, conn: messaging.NewWSConn[messaging.Response, messaging.Request](conn)}, nil
}

// workerURL accepts host:port, http(s):// or ws(s):// forms.
func workerURL(addr string) (string, error) {
	u, err := url.Parse(addr)
	if err != nil || u.Host == "" {
		u, err = url.Parse("ws://" + addr)
		if err != nil {
			return "", fmt.Errorf("parse worker address %q: %w", addr, err)
		}
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("parse worker address %q: unsupported scheme %q", addr, u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = WorkerPath
	}
	return u.String(), nil
}

// remoteHandle owns only the connection. The serving process outlives the
// worker; its environments are released when the socket goes away.
type remoteHandle struct {
	id   int
	conn messaging.ControllerConn
}

func (h *remoteHandle) ID() int {
	return h.id
}

func (h *remoteHandle) Conn() messaging.ControllerConn {
	return h.conn
}

func (h *remoteHandle) Wait(context.Context) error {
	h.conn.Close()
	return nil
}

func (h *remoteHandle) Kill() error {
	return h.conn.Close()
}

// Server accepts controller connections and serves one worker per socket.
type Server struct {
	upgrader websocket.Upgrader
	ctx      context.Context
}

// NewServer returns a handler whose workers stop when ctx is cancelled.
func NewServer(ctx context.Context) *Server {
	return &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		ctx: ctx,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var specs []environment.Spec
	if err := json.Unmarshal([]byte(r.Header.Get(HeaderSpecs)), &specs); err != nil {
		http.Error(w, "invalid "+HeaderSpecs+" header", http.StatusBadRequest)
		return
	}
	id, err := strconv.Atoi(r.Header.Get(HeaderWorker))
	if err != nil {
		http.Error(w, "invalid "+HeaderWorker+" header", http.StatusBadRequest)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("websocket upgrade failed", logging.Fields{Component: "worker", Worker: logging.Int(id), Error: logging.Err(err)})
		return
	}
	conn := messaging.NewWSConn[messaging.Request, messaging.Response](ws)
	defer conn.Close()

	logging.Info("remote worker attached", logging.Fields{Component: "worker", Worker: logging.Int(id), Count: len(specs)})
	if err := Serve(s.ctx, id, conn, specs); err != nil && !errors.Is(err, context.Canceled) {
		logging.Warn("remote worker exited", logging.Fields{Component: "worker", Worker: logging.Int(id), Error: logging.Err(err)})
	}
}

// ListenAndServe runs a worker server on addr until ctx is cancelled.
func ListenAndServe(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle(WorkerPath, NewServer(ctx))

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	logging.Info("worker server listening", logging.Fields{Component: "worker"})

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}
