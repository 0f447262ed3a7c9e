package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/EliasChaung/xuanpolicy/pkg/environment"
	"github.com/EliasChaung/xuanpolicy/pkg/worker"
)

var ErrInvalidConfig = errors.New("invalid config")

// Launcher names accepted in workers.launcher.
const (
	LauncherInProcess  = "inprocess"
	LauncherSubprocess = "subprocess"
	LauncherRemote     = "remote"
)

type RunConfig struct {
	Name      string       `yaml:"name" toml:"name"`
	Env       EnvConfig    `yaml:"env" toml:"env"`
	Workers   WorkerConfig `yaml:"workers" toml:"workers"`
	Steps     int          `yaml:"steps" toml:"steps"`
	Logging   LogConfig    `yaml:"logging" toml:"logging"`
	Store     StoreConfig  `yaml:"store" toml:"store"`
	StatsAddr string       `yaml:"stats_addr" toml:"stats_addr"`
}

type EnvConfig struct {
	Kind       string             `yaml:"kind" toml:"kind"`
	Count      int                `yaml:"count" toml:"count"`
	SeriesSize int                `yaml:"series_size" toml:"series_size"`
	Seed       int64              `yaml:"seed" toml:"seed"`
	Params     map[string]float64 `yaml:"params" toml:"params"`
}

type WorkerConfig struct {
	Launcher       string        `yaml:"launcher" toml:"launcher"`
	Executable     string        `yaml:"executable" toml:"executable"`
	Addrs          []string      `yaml:"addrs" toml:"addrs"`
	CommandTimeout time.Duration `yaml:"command_timeout" toml:"command_timeout"`
	CloseTimeout   time.Duration `yaml:"close_timeout" toml:"close_timeout"`
}

type LogConfig struct {
	Level string `yaml:"level" toml:"level"`
}

type StoreConfig struct {
	Kind string `yaml:"kind" toml:"kind"`
	Path string `yaml:"path" toml:"path"`
}

func Default() *RunConfig {
	return &RunConfig{
		Name: "vecenv",
		Env: EnvConfig{
			Kind:       environment.SkirmishKind,
			Count:      8,
			SeriesSize: 2,
			Seed:       1,
		},
		Workers: WorkerConfig{
			Launcher:     LauncherInProcess,
			CloseTimeout: 10 * time.Second,
		},
		Steps:   1000,
		Logging: LogConfig{Level: "info"},
		Store:   StoreConfig{Kind: "memory"},
	}
}

// LoadConfig reads a YAML (.yaml, .yml) or TOML (.toml) file on top of
// the defaults.
func LoadConfig(path string) (*RunConfig, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported config format %q", ErrInvalidConfig, filepath.Ext(path))
	}
	return cfg, nil
}

// ApplyEnv overrides fields from VECENV_* variables.
func (c *RunConfig) ApplyEnv() error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := os.LookupEnv(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not an integer", ErrInvalidConfig, key, v)
		}
		*dst = n
		return nil
	}
	dur := func(key string, dst *time.Duration) error {
		v, ok := os.LookupEnv(key)
		if !ok || v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not a duration", ErrInvalidConfig, key, v)
		}
		*dst = d
		return nil
	}

	str("VECENV_NAME", &c.Name)
	str("VECENV_ENV_KIND", &c.Env.Kind)
	str("VECENV_LAUNCHER", &c.Workers.Launcher)
	str("VECENV_WORKER_EXECUTABLE", &c.Workers.Executable)
	str("VECENV_LOG_LEVEL", &c.Logging.Level)
	str("VECENV_STORE", &c.Store.Kind)
	str("VECENV_STORE_PATH", &c.Store.Path)
	str("VECENV_STATS_ADDR", &c.StatsAddr)
	if v := os.Getenv("VECENV_WORKER_ADDRS"); v != "" {
		c.Workers.Addrs = nil
		for _, addr := range strings.Split(v, ",") {
			if addr = strings.TrimSpace(addr); addr != "" {
				c.Workers.Addrs = append(c.Workers.Addrs, addr)
			}
		}
	}

	return errors.Join(
		num("VECENV_NUM_ENVS", &c.Env.Count),
		num("VECENV_SERIES_SIZE", &c.Env.SeriesSize),
		num("VECENV_STEPS", &c.Steps),
		dur("VECENV_COMMAND_TIMEOUT", &c.Workers.CommandTimeout),
		dur("VECENV_CLOSE_TIMEOUT", &c.Workers.CloseTimeout),
	)
}

func (c *RunConfig) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	if !slices.Contains(environment.Kinds(), c.Env.Kind) {
		bad("env.kind %q is not one of %v", c.Env.Kind, environment.Kinds())
	}
	if c.Env.Count <= 0 {
		bad("env.count must be positive, got %d", c.Env.Count)
	}
	if c.Env.SeriesSize <= 0 {
		bad("env.series_size must be positive, got %d", c.Env.SeriesSize)
	} else if c.Env.Count > 0 && c.Env.Count%c.Env.SeriesSize != 0 {
		bad("env.series_size %d does not divide env.count %d", c.Env.SeriesSize, c.Env.Count)
	}
	switch c.Workers.Launcher {
	case LauncherInProcess, LauncherSubprocess:
	case LauncherRemote:
		if len(c.Workers.Addrs) == 0 {
			bad("workers.addrs is required for the remote launcher")
		}
	default:
		bad("unknown workers.launcher %q", c.Workers.Launcher)
	}
	if c.Workers.CommandTimeout < 0 || c.Workers.CloseTimeout < 0 {
		bad("worker timeouts must not be negative")
	}
	if c.Steps < 0 {
		bad("steps must not be negative, got %d", c.Steps)
	}
	switch c.Store.Kind {
	case "", "memory":
	case "sqlite":
		if c.Store.Path == "" {
			bad("store.path is required for sqlite")
		}
	default:
		bad("unknown store.kind %q", c.Store.Kind)
	}
	return errors.Join(errs...)
}

// Specs expands the env section into one spec per environment.
func (c *RunConfig) Specs() []environment.Spec {
	return environment.Specs(c.Env.Kind, c.Env.Count, c.Env.Seed, c.Env.Params)
}

// WorkerLauncher builds the launcher named by workers.launcher.
func (c *RunConfig) WorkerLauncher() (worker.Launcher, error) {
	switch c.Workers.Launcher {
	case LauncherInProcess, "":
		return worker.InProcess{}, nil
	case LauncherSubprocess:
		return worker.Subprocess{Executable: c.Workers.Executable}, nil
	case LauncherRemote:
		return worker.Remote{Addrs: c.Workers.Addrs}, nil
	default:
		return nil, fmt.Errorf("%w: unknown workers.launcher %q", ErrInvalidConfig, c.Workers.Launcher)
	}
}
