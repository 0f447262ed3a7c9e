package messaging

import (
	"context"
	"errors"

	"github.com/EliasChaung/xuanpolicy/pkg/core"
)

var (
	ErrConnClosed = errors.New("connection closed")
)

// Command is the tag of a request sent from a controller to a worker.
type Command string

const (
	CommandStep            Command = "step"
	CommandReset           Command = "reset"
	CommandGetAvailActions Command = "get_avail_actions"
	CommandRender          Command = "render"
	CommandGetEnvInfo      Command = "get_env_info"
	CommandClose           Command = "close"
)

func (c Command) Valid() bool {
	switch c {
	case CommandStep, CommandReset, CommandGetAvailActions, CommandRender, CommandGetEnvInfo, CommandClose:
		return true
	default:
		return false
	}
}

// Request is the payload of one command. Actions is indexed by local slot
// then agent. Slot, when set, targets a single local slot for reset and
// get_avail_actions.
type Request struct {
	Command Command `json:"cmd"`
	Actions [][]int `json:"actions,omitempty"`
	Slot    *int    `json:"slot,omitempty"`
	Mode    string  `json:"mode,omitempty"`
}

// TargetSlot returns a pointer suitable for Request.Slot.
func TargetSlot(slot int) *int {
	return &slot
}

// Response answers exactly one Request. Only the list matching the
// request's command is populated, in local slot order.
type Response struct {
	Command Command            `json:"cmd"`
	Steps   []core.StepResult  `json:"steps,omitempty"`
	Resets  []core.ResetResult `json:"resets,omitempty"`
	Avail   [][][]int          `json:"avail,omitempty"`
	Frames  [][]byte           `json:"frames,omitempty"`
	EnvInfo *core.EnvInfo      `json:"env_info,omitempty"`
	Error   *RemoteError       `json:"error,omitempty"`
}

// Len returns the number of per-slot results carried by the response.
func (r Response) Len() int {
	switch r.Command {
	case CommandStep:
		return len(r.Steps)
	case CommandReset:
		return len(r.Resets)
	case CommandGetAvailActions:
		return len(r.Avail)
	case CommandRender:
		return len(r.Frames)
	case CommandGetEnvInfo:
		if r.EnvInfo != nil {
			return 1
		}
		return 0
	default:
		return 0
	}
}

// RemoteError describes an environment failure inside a worker.
type RemoteError struct {
	Slot    int    `json:"slot"`
	Message string `json:"message"`
}

func (e *RemoteError) Error() string {
	return e.Message
}

// Endpoint is one side of a bidirectional, ordered message channel.
type Endpoint[In, Out any] interface {
	// Send delivers msg to the peer
	Send(ctx context.Context, msg Out) error
	// Recv blocks until the peer sends a message, ctx is done or the channel closes
	Recv(ctx context.Context) (In, error)
	// Close releases the channel; it is safe to call more than once
	Close() error
}

// ControllerConn is the controller's end of a worker channel.
type ControllerConn = Endpoint[Response, Request]

// WorkerConn is the worker's end of a controller channel.
type WorkerConn = Endpoint[Request, Response]
