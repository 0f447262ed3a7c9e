package vecenv

import (
	"time"

	"github.com/google/uuid"

	"github.com/EliasChaung/xuanpolicy/pkg/worker"
)

const defaultCloseTimeout = 10 * time.Second

type options struct {
	launcher       worker.Launcher
	commandTimeout time.Duration
	closeTimeout   time.Duration
	recorder       Recorder
	runID          string
}

// Option configures a Controller.
type Option func(*options)

func defaultOptions() options {
	return options{
		launcher:     worker.InProcess{},
		closeTimeout: defaultCloseTimeout,
		runID:        uuid.NewString(),
	}
}

// WithLauncher selects how workers are isolated. The default runs each
// worker on its own goroutine.
func WithLauncher(l worker.Launcher) Option {
	return func(o *options) {
		if l != nil {
			o.launcher = l
		}
	}
}

// WithCommandTimeout bounds every wait for a worker response. A zero
// duration waits forever.
func WithCommandTimeout(d time.Duration) Option {
	return func(o *options) {
		o.commandTimeout = d
	}
}

// WithCloseTimeout bounds how long Close waits for each worker to
// acknowledge and exit before killing it.
func WithCloseTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.closeTimeout = d
		}
	}
}

func WithRecorder(r Recorder) Option {
	return func(o *options) {
		o.recorder = r
	}
}

func WithRunID(id string) Option {
	return func(o *options) {
		if id != "" {
			o.runID = id
		}
	}
}
