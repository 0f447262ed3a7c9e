package core

import (
	"time"
)

// Action space kinds a controller knows how to batch.
const (
	ActionSpaceDiscrete      = "discrete"
	ActionSpaceMultiDiscrete = "multi_discrete"
)

// EnvInfo is the static descriptor shared by every instance of a batch.
type EnvInfo struct {
	ObsShape     int    `json:"obs_shape"`
	StateShape   int    `json:"state_shape"`
	NActions     int    `json:"n_actions"`
	NAgents      int    `json:"n_agents"`
	NEnemies     int    `json:"n_enemies"`
	EpisodeLimit int    `json:"episode_limit"`
	ActionSpace  string `json:"action_space"`
}

type ResetResult struct {
	Obs   [][]float64 `json:"obs"`
	State []float64   `json:"state"`
	Info  Info        `json:"info"`
}

type StepResult struct {
	Obs       [][]float64 `json:"obs"`
	State     []float64   `json:"state"`
	Reward    []float64   `json:"reward"`
	Done      bool        `json:"done"`
	Truncated bool        `json:"truncated"`
	Info      Info        `json:"info"`
}

type ExperimentStatus struct {
	Running   bool
	StartTime time.Time
	EndTime   time.Time
	Steps     int
	Errors    []error
}
