package vecenv

import (
	"errors"
	"fmt"
)

var (
	ErrConfiguration = errors.New("vecenv: configuration error")
	ErrTransport     = errors.New("vecenv: transport error")
	ErrUse           = errors.New("vecenv: use error")

	// ErrMissingInfoKey is returned when a terminal step does not report
	// battle_won, dead_allies or dead_enemies. The batch is unusable after it.
	ErrMissingInfoKey = errors.New("vecenv: terminal info is missing a required key")
)

var (
	ErrWorkerTimeout     = fmt.Errorf("%w: worker did not respond in time", ErrTransport)
	ErrClosed            = fmt.Errorf("%w: controller is closed", ErrUse)
	ErrStepOutstanding   = fmt.Errorf("%w: a step is already outstanding", ErrUse)
	ErrNoStepOutstanding = fmt.Errorf("%w: no step is outstanding", ErrUse)
	ErrActionShape       = fmt.Errorf("%w: action batch has the wrong shape", ErrConfiguration)
)

// EnvironmentError carries a failure reported by an environment inside a
// worker. Slot is the global index, or -1 when the failure is not tied to
// one slot.
type EnvironmentError struct {
	Worker  int
	Slot    int
	Command string
	Message string
}

func (e *EnvironmentError) Error() string {
	if e.Slot < 0 {
		return fmt.Sprintf("vecenv: worker %d %s: %s", e.Worker, e.Command, e.Message)
	}
	return fmt.Sprintf("vecenv: worker %d slot %d %s: %s", e.Worker, e.Slot, e.Command, e.Message)
}
