package agent

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/google/uuid"
)

var ErrNoAvailableAction = errors.New("no available action")

// Agent chooses one action per agent for every slot of a batch.
type Agent interface {
	GetID() string
	// Act takes the availability masks indexed by slot, agent and action
	Act(avail [][][]int) ([][]int, error)
}

// RandomAgent samples uniformly among the available actions. It stands in
// for a trained policy when driving a batch.
type RandomAgent struct {
	id  string
	rng *rand.Rand
}

type AgentParams struct {
	AgentID string
	Seed    uint64
}

type AgentOption func(*AgentParams)

func WithAgentId(id string) AgentOption {
	return func(p *AgentParams) {
		p.AgentID = id
	}
}

func WithSeed(seed uint64) AgentOption {
	return func(p *AgentParams) {
		p.Seed = seed
	}
}

func defaultAgentParams() *AgentParams {
	return &AgentParams{
		AgentID: "agent-" + uuid.New().String(),
		Seed:    rand.Uint64(),
	}
}

func NewRandomAgent(opts ...AgentOption) *RandomAgent {
	params := defaultAgentParams()
	for _, opt := range opts {
		opt(params)
	}
	return &RandomAgent{
		id:  params.AgentID,
		rng: rand.New(rand.NewPCG(params.Seed, params.Seed^0x9e3779b97f4a7c15)),
	}
}

func (a *RandomAgent) GetID() string {
	return a.id
}

func (a *RandomAgent) Act(avail [][][]int) ([][]int, error) {
	actions := make([][]int, len(avail))
	for slot, masks := range avail {
		row := make([]int, len(masks))
		for ag, mask := range masks {
			choice, err := a.pick(mask)
			if err != nil {
				return nil, fmt.Errorf("slot %d agent %d: %w", slot, ag, err)
			}
			row[ag] = choice
		}
		actions[slot] = row
	}
	return actions, nil
}

func (a *RandomAgent) pick(mask []int) (int, error) {
	count := 0
	for _, ok := range mask {
		if ok != 0 {
			count++
		}
	}
	if count == 0 {
		return 0, ErrNoAvailableAction
	}
	n := a.rng.IntN(count)
	for action, ok := range mask {
		if ok == 0 {
			continue
		}
		if n == 0 {
			return action, nil
		}
		n--
	}
	return 0, ErrNoAvailableAction
}
