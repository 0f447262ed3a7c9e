package core

// InfoKey names one entry of a per-slot info map. The key set is closed.
type InfoKey string

// Per-step keys, reported by the environment.
const (
	KeyEpisodeStep  InfoKey = "episode_step"
	KeyEpisodeScore InfoKey = "episode_score"
	KeyBattleWon    InfoKey = "battle_won"
	KeyDeadAllies   InfoKey = "dead_allies"
	KeyDeadEnemies  InfoKey = "dead_enemies"
)

// Episode-boundary keys, merged in by the controller after an auto-reset.
const (
	KeyAvailActions InfoKey = "avail_actions"
	KeyResetObs     InfoKey = "reset_obs"
	KeyResetState   InfoKey = "reset_state"
)

// TerminalKeys must be present in the info of every terminal step.
var TerminalKeys = []InfoKey{KeyBattleWon, KeyDeadAllies, KeyDeadEnemies}

// Boundary reports whether k is only present on an episode boundary.
func (k InfoKey) Boundary() bool {
	switch k {
	case KeyAvailActions, KeyResetObs, KeyResetState:
		return true
	default:
		return false
	}
}

// Valid reports whether k belongs to the closed key set.
func (k InfoKey) Valid() bool {
	switch k {
	case KeyEpisodeStep, KeyEpisodeScore, KeyBattleWon, KeyDeadAllies, KeyDeadEnemies,
		KeyAvailActions, KeyResetObs, KeyResetState:
		return true
	default:
		return false
	}
}

// Info is the tagged info payload of one slot. Scalar per-step values live
// in Values; the episode-boundary payload is typed.
type Info struct {
	Values       map[InfoKey]float64 `json:"values,omitempty"`
	AvailActions [][]int             `json:"avail_actions,omitempty"`
	ResetObs     [][]float64         `json:"reset_obs,omitempty"`
	ResetState   []float64           `json:"reset_state,omitempty"`
}

// Set stores a scalar value. Boundary and unknown keys are rejected.
func (i *Info) Set(key InfoKey, value float64) bool {
	if !key.Valid() || key.Boundary() {
		return false
	}
	if i.Values == nil {
		i.Values = make(map[InfoKey]float64)
	}
	i.Values[key] = value
	return true
}

func (i Info) Get(key InfoKey) (float64, bool) {
	v, ok := i.Values[key]
	return v, ok
}

// Has reports whether key is present, for scalar and boundary keys alike.
func (i Info) Has(key InfoKey) bool {
	switch key {
	case KeyAvailActions:
		return i.AvailActions != nil
	case KeyResetObs:
		return i.ResetObs != nil
	case KeyResetState:
		return i.ResetState != nil
	default:
		_, ok := i.Values[key]
		return ok
	}
}

// Clone returns a deep copy.
func (i Info) Clone() Info {
	out := Info{
		AvailActions: CloneMask(i.AvailActions),
		ResetObs:     CloneMatrix(i.ResetObs),
		ResetState:   CloneVector(i.ResetState),
	}
	if i.Values != nil {
		out.Values = make(map[InfoKey]float64, len(i.Values))
		for k, v := range i.Values {
			out.Values[k] = v
		}
	}
	return out
}

func CloneVector(in []float64) []float64 {
	if in == nil {
		return nil
	}
	return append([]float64(nil), in...)
}

func CloneMatrix(in [][]float64) [][]float64 {
	if in == nil {
		return nil
	}
	out := make([][]float64, len(in))
	for i, row := range in {
		out[i] = CloneVector(row)
	}
	return out
}

func CloneMask(in [][]int) [][]int {
	if in == nil {
		return nil
	}
	out := make([][]int, len(in))
	for i, row := range in {
		if row != nil {
			out[i] = append([]int(nil), row...)
		}
	}
	return out
}
