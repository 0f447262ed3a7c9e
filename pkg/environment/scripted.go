package environment

import (
	"errors"
	"fmt"

	"github.com/EliasChaung/xuanpolicy/pkg/core"
)

const ScriptedKind = "scripted"

var ErrScriptedFailure = errors.New("scripted failure")

func init() {
	MustRegister(ScriptedKind, func(spec Spec) (core.Environment, error) {
		return NewScripted(spec)
	})
}

// Scripted is a deterministic environment whose episodes end after a fixed
// number of steps. Every agent observes [id, step, last action] and the
// action equal to (id+step) mod n_actions is masked out.
//
// Parameters: id (default: seed), n_agents, n_actions, done_at (0 = never),
// episode_limit, win, dead_allies, dead_enemies, fail_at (step that errors),
// omit_terminal (1 = leave the terminal keys out of the info).
type Scripted struct {
	id           float64
	nAgents      int
	nActions     int
	doneAt       int
	episodeLimit int
	win          float64
	deadAllies   float64
	deadEnemies  float64
	failAt       int
	omitTerminal bool

	lastAction []int
	state      State
	started    bool
	closed     bool
}

func NewScripted(spec Spec) (*Scripted, error) {
	s := &Scripted{
		id:           spec.Param("id", float64(spec.Seed)),
		nAgents:      int(spec.Param("n_agents", 1)),
		nActions:     int(spec.Param("n_actions", 3)),
		doneAt:       int(spec.Param("done_at", 0)),
		episodeLimit: int(spec.Param("episode_limit", 100)),
		win:          spec.Param("win", 1),
		deadAllies:   spec.Param("dead_allies", 0),
		deadEnemies:  spec.Param("dead_enemies", 1),
		failAt:       int(spec.Param("fail_at", 0)),
		omitTerminal: spec.Param("omit_terminal", 0) != 0,
		state:        newState(),
	}
	if s.nAgents <= 0 || s.nActions < 2 {
		return nil, fmt.Errorf("scripted needs n_agents > 0 and n_actions >= 2, got %d/%d", s.nAgents, s.nActions)
	}
	s.lastAction = make([]int, s.nAgents)
	return s, nil
}

func (s *Scripted) Info() core.EnvInfo {
	return core.EnvInfo{
		ObsShape:     3,
		StateShape:   2,
		NActions:     s.nActions,
		NAgents:      s.nAgents,
		NEnemies:     1,
		EpisodeLimit: s.episodeLimit,
		ActionSpace:  core.ActionSpaceDiscrete,
	}
}

func (s *Scripted) Reset() (core.ResetResult, error) {
	if s.closed {
		return core.ResetResult{}, ErrEnvironmentClosed
	}
	for i := range s.lastAction {
		s.lastAction[i] = 0
	}
	s.started = true
	s.state.begin()
	return core.ResetResult{
		Obs:   s.observe(),
		State: []float64{s.id, 0},
		Info:  s.state.stepInfo(),
	}, nil
}

func (s *Scripted) Step(actions []int) (core.StepResult, error) {
	if s.closed {
		return core.StepResult{}, ErrEnvironmentClosed
	}
	if !s.started {
		return core.StepResult{}, ErrEpisodeNotStarted
	}
	if len(actions) != s.nAgents {
		return core.StepResult{}, fmt.Errorf("%w: got %d, want %d", ErrActionCount, len(actions), s.nAgents)
	}
	if s.failAt > 0 && s.state.step+1 == s.failAt {
		return core.StepResult{}, fmt.Errorf("%w: id %v step %d", ErrScriptedFailure, s.id, s.failAt)
	}
	copy(s.lastAction, actions)

	rewards := make([]float64, s.nAgents)
	var total float64
	for i, a := range actions {
		rewards[i] = float64(a)
		total += float64(a)
	}
	s.state.advance(total)

	done := s.doneAt > 0 && s.state.step >= s.doneAt
	truncated := !done && s.state.step >= s.episodeLimit
	info := s.state.stepInfo()
	if (done || truncated) && !s.omitTerminal {
		s.state.finish()
		info.Set(core.KeyBattleWon, s.win)
		info.Set(core.KeyDeadAllies, s.deadAllies)
		info.Set(core.KeyDeadEnemies, s.deadEnemies)
	}

	return core.StepResult{
		Obs:       s.observe(),
		State:     []float64{s.id, float64(s.state.step)},
		Reward:    rewards,
		Done:      done,
		Truncated: truncated,
		Info:      info,
	}, nil
}

func (s *Scripted) AvailActions() ([][]int, error) {
	if s.closed {
		return nil, ErrEnvironmentClosed
	}
	blocked := (int(s.id) + s.state.step) % s.nActions
	out := make([][]int, s.nAgents)
	for i := range out {
		row := make([]int, s.nActions)
		for a := range row {
			if a != blocked {
				row[a] = 1
			}
		}
		out[i] = row
	}
	return out, nil
}

func (s *Scripted) Render(mode string) ([]byte, error) {
	if s.closed {
		return nil, ErrEnvironmentClosed
	}
	if mode != "ansi" {
		return nil, nil
	}
	return []byte(fmt.Sprintf("scripted id=%v episode=%d step=%d", s.id, s.state.episode, s.state.step)), nil
}

func (s *Scripted) Close() error {
	s.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (s *Scripted) Closed() bool {
	return s.closed
}

func (s *Scripted) observe() [][]float64 {
	obs := make([][]float64, s.nAgents)
	for i := range obs {
		obs[i] = []float64{s.id, float64(s.state.step), float64(s.lastAction[i])}
	}
	return obs
}
