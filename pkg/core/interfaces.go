package core

import (
	"context"
)

// Environment is the capability a single simulation instance exposes to
// the worker that owns it.
type Environment interface {
	// Reset starts a new episode and returns the initial observation
	Reset() (ResetResult, error)
	// Step advances the episode by one timestep, one action per agent
	Step(actions []int) (StepResult, error)
	// AvailActions returns the per-agent action availability masks
	AvailActions() ([][]int, error)
	// Render returns a frame for mode, or nil when the mode is unsupported
	Render(mode string) ([]byte, error)
	// Info returns the static descriptor of the environment
	Info() EnvInfo
	// Close releases the resources held by the environment
	Close() error
}

// Experiment coordinates the running of experiments
type Experiment interface {
	// Run executes the experiment according to configuration
	Run(ctx context.Context) error
	// Stop gracefully stops the experiment
	Stop() error
	// GetStatus returns current experiment status
	GetStatus() ExperimentStatus
}
