package environment

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/EliasChaung/xuanpolicy/pkg/core"
)

var (
	ErrUnknownKind       = errors.New("unknown environment kind")
	ErrEnvironmentClosed = errors.New("environment is closed")
	ErrUnavailableAction = errors.New("action is not available")
	ErrActionCount       = errors.New("wrong number of actions")
	ErrEpisodeNotStarted = errors.New("episode not started")
	ErrDuplicateBuilder  = errors.New("environment kind already registered")
)

// Spec is a serializable environment factory: it names a registered kind
// and carries everything needed to build one instance of it, so it can be
// shipped to a worker in another process.
type Spec struct {
	Kind   string             `json:"kind" yaml:"kind" toml:"kind"`
	Seed   int64              `json:"seed" yaml:"seed" toml:"seed"`
	Params map[string]float64 `json:"params,omitempty" yaml:"params" toml:"params"`
}

// Builder constructs an environment from its spec.
type Builder func(spec Spec) (core.Environment, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Builder)
)

// Register makes a kind available to Spec.Build in this process.
func Register(kind string, b Builder) error {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := registry[kind]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateBuilder, kind)
	}
	registry[kind] = b
	return nil
}

func MustRegister(kind string, b Builder) {
	if err := Register(kind, b); err != nil {
		panic(err)
	}
}

// Kinds lists the registered kinds in sorted order.
func Kinds() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	kinds := make([]string, 0, len(registry))
	for k := range registry {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Build produces one environment instance.
func (s Spec) Build() (core.Environment, error) {
	registryMu.RLock()
	b, ok := registry[s.Kind]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, s.Kind)
	}
	return b(s)
}

// Param returns the named parameter or fallback when unset.
func (s Spec) Param(name string, fallback float64) float64 {
	if v, ok := s.Params[name]; ok {
		return v
	}
	return fallback
}

// Specs returns count specs of one kind with consecutive seeds.
func Specs(kind string, count int, seed int64, params map[string]float64) []Spec {
	out := make([]Spec, count)
	for i := range out {
		p := make(map[string]float64, len(params))
		for k, v := range params {
			p[k] = v
		}
		out[i] = Spec{Kind: kind, Seed: seed + int64(i), Params: p}
	}
	return out
}

// State tracks the episode bookkeeping shared by the built-in environments.
type State struct {
	status    string
	step      int
	score     float64
	episode   int
	timestamp time.Time
}

func newState() State {
	return State{status: "idle", timestamp: time.Now()}
}

func (s *State) begin() {
	s.status = "running"
	s.step = 0
	s.score = 0
	s.episode++
	s.timestamp = time.Now()
}

func (s *State) advance(reward float64) {
	s.step++
	s.score += reward
	s.timestamp = time.Now()
}

func (s *State) finish() {
	s.status = "finished"
}

func (s State) GetStatus() string {
	return s.status
}

func (s State) GetStep() int {
	return s.step
}

func (s State) GetTimestamp() time.Time {
	return s.timestamp
}

func (s State) stepInfo() core.Info {
	var info core.Info
	info.Set(core.KeyEpisodeStep, float64(s.step))
	info.Set(core.KeyEpisodeScore, s.score)
	return info
}
