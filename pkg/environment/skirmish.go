package environment

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/EliasChaung/xuanpolicy/pkg/core"
)

const SkirmishKind = "skirmish"

const (
	actionNoop = iota
	actionStop
	actionAttackBase
)

func init() {
	MustRegister(SkirmishKind, func(spec Spec) (core.Environment, error) {
		return NewSkirmish(spec)
	})
}

// Skirmish is a small allies-vs-enemies battle. Every ally may stop or
// attack a living enemy; every living enemy hits a random living ally.
// The battle is won when all enemies are dead and lost when all allies are.
type Skirmish struct {
	nAgents      int
	nEnemies     int
	episodeLimit int
	maxHealth    float64
	allyDamage   float64
	enemyDamage  float64

	allies  []float64
	enemies []float64
	state   State
	rng     *rand.Rand
	started bool
	closed  bool
}

// NewSkirmish builds a skirmish from spec parameters n_agents, n_enemies,
// episode_limit, max_health, ally_damage and enemy_damage.
func NewSkirmish(spec Spec) (*Skirmish, error) {
	s := &Skirmish{
		nAgents:      int(spec.Param("n_agents", 3)),
		nEnemies:     int(spec.Param("n_enemies", 3)),
		episodeLimit: int(spec.Param("episode_limit", 60)),
		maxHealth:    spec.Param("max_health", 100),
		allyDamage:   spec.Param("ally_damage", 12),
		enemyDamage:  spec.Param("enemy_damage", 9),
		state:        newState(),
		rng:          rand.New(rand.NewSource(spec.Seed)),
	}
	if s.nAgents <= 0 || s.nEnemies <= 0 {
		return nil, fmt.Errorf("skirmish needs at least one agent and one enemy, got %d/%d", s.nAgents, s.nEnemies)
	}
	if s.episodeLimit <= 0 {
		return nil, fmt.Errorf("skirmish episode_limit must be > 0, got %d", s.episodeLimit)
	}
	if s.maxHealth <= 0 {
		return nil, fmt.Errorf("skirmish max_health must be > 0")
	}
	s.allies = make([]float64, s.nAgents)
	s.enemies = make([]float64, s.nEnemies)
	return s, nil
}

func (s *Skirmish) Info() core.EnvInfo {
	return core.EnvInfo{
		ObsShape:     1 + s.nEnemies + s.nAgents,
		StateShape:   s.nAgents + s.nEnemies,
		NActions:     actionAttackBase + s.nEnemies,
		NAgents:      s.nAgents,
		NEnemies:     s.nEnemies,
		EpisodeLimit: s.episodeLimit,
		ActionSpace:  core.ActionSpaceDiscrete,
	}
}

func (s *Skirmish) Reset() (core.ResetResult, error) {
	if s.closed {
		return core.ResetResult{}, ErrEnvironmentClosed
	}
	for i := range s.allies {
		s.allies[i] = s.maxHealth
	}
	for j := range s.enemies {
		s.enemies[j] = s.maxHealth
	}
	s.started = true
	s.state.begin()

	return core.ResetResult{
		Obs:   s.observe(),
		State: s.globalState(),
		Info:  s.state.stepInfo(),
	}, nil
}

func (s *Skirmish) Step(actions []int) (core.StepResult, error) {
	if s.closed {
		return core.StepResult{}, ErrEnvironmentClosed
	}
	if !s.started {
		return core.StepResult{}, ErrEpisodeNotStarted
	}
	if len(actions) != s.nAgents {
		return core.StepResult{}, fmt.Errorf("%w: got %d, want %d", ErrActionCount, len(actions), s.nAgents)
	}
	mask := s.mask()
	for i, a := range actions {
		if a < 0 || a >= len(mask[i]) || mask[i][a] == 0 {
			return core.StepResult{}, fmt.Errorf("%w: agent %d action %d", ErrUnavailableAction, i, a)
		}
	}

	var dealt float64
	for i, a := range actions {
		if s.allies[i] <= 0 || a < actionAttackBase {
			continue
		}
		target := a - actionAttackBase
		hit := min(s.allyDamage, s.enemies[target])
		s.enemies[target] -= hit
		dealt += hit
	}
	for j := range s.enemies {
		if s.enemies[j] <= 0 {
			continue
		}
		alive := s.livingAllies()
		if len(alive) == 0 {
			break
		}
		target := alive[s.rng.Intn(len(alive))]
		s.allies[target] = max(0, s.allies[target]-s.enemyDamage)
	}

	deadAllies := s.nAgents - len(s.livingAllies())
	deadEnemies := 0
	for _, h := range s.enemies {
		if h <= 0 {
			deadEnemies++
		}
	}
	won := deadEnemies == s.nEnemies
	lost := deadAllies == s.nAgents

	reward := 20 * dealt / (s.maxHealth * float64(s.nEnemies))
	if won {
		reward += 10
	}
	s.state.advance(reward)

	done := won || lost
	truncated := !done && s.state.step >= s.episodeLimit
	info := s.state.stepInfo()
	if done || truncated {
		s.state.finish()
		info.Set(core.KeyBattleWon, boolFloat(won))
		info.Set(core.KeyDeadAllies, float64(deadAllies))
		info.Set(core.KeyDeadEnemies, float64(deadEnemies))
	}

	rewards := make([]float64, s.nAgents)
	for i := range rewards {
		rewards[i] = reward
	}
	return core.StepResult{
		Obs:       s.observe(),
		State:     s.globalState(),
		Reward:    rewards,
		Done:      done,
		Truncated: truncated,
		Info:      info,
	}, nil
}

func (s *Skirmish) AvailActions() ([][]int, error) {
	if s.closed {
		return nil, ErrEnvironmentClosed
	}
	return s.mask(), nil
}

func (s *Skirmish) Render(mode string) ([]byte, error) {
	if s.closed {
		return nil, ErrEnvironmentClosed
	}
	if mode != "ansi" {
		return nil, nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "episode %d step %d score %.2f\n", s.state.episode, s.state.step, s.state.score)
	for i, h := range s.allies {
		fmt.Fprintf(&b, "A%d %s\n", i, healthBar(h, s.maxHealth))
	}
	for j, h := range s.enemies {
		fmt.Fprintf(&b, "E%d %s\n", j, healthBar(h, s.maxHealth))
	}
	return []byte(b.String()), nil
}

func (s *Skirmish) Close() error {
	s.closed = true
	return nil
}

func (s *Skirmish) mask() [][]int {
	n := actionAttackBase + s.nEnemies
	out := make([][]int, s.nAgents)
	for i := range out {
		row := make([]int, n)
		if s.allies[i] <= 0 || !s.started {
			row[actionNoop] = 1
			out[i] = row
			continue
		}
		row[actionStop] = 1
		for j, h := range s.enemies {
			if h > 0 {
				row[actionAttackBase+j] = 1
			}
		}
		out[i] = row
	}
	return out
}

func (s *Skirmish) observe() [][]float64 {
	obs := make([][]float64, s.nAgents)
	for i := range obs {
		row := make([]float64, 0, 1+s.nEnemies+s.nAgents)
		row = append(row, s.allies[i]/s.maxHealth)
		for _, h := range s.enemies {
			row = append(row, h/s.maxHealth)
		}
		for k := 0; k < s.nAgents; k++ {
			row = append(row, boolFloat(k == i))
		}
		obs[i] = row
	}
	return obs
}

func (s *Skirmish) globalState() []float64 {
	out := make([]float64, 0, s.nAgents+s.nEnemies)
	for _, h := range s.allies {
		out = append(out, h/s.maxHealth)
	}
	for _, h := range s.enemies {
		out = append(out, h/s.maxHealth)
	}
	return out
}

func (s *Skirmish) livingAllies() []int {
	alive := make([]int, 0, len(s.allies))
	for i, h := range s.allies {
		if h > 0 {
			alive = append(alive, i)
		}
	}
	return alive
}

func healthBar(h, full float64) string {
	const width = 10
	filled := int(h / full * width)
	return "[" + strings.Repeat("#", filled) + strings.Repeat(".", width-filled) + "]"
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
