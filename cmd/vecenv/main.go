package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/EliasChaung/xuanpolicy/internal/logging"
	"github.com/EliasChaung/xuanpolicy/internal/statsapi"
	"github.com/EliasChaung/xuanpolicy/internal/storage"
	"github.com/EliasChaung/xuanpolicy/pkg/agent"
	"github.com/EliasChaung/xuanpolicy/pkg/config"
	"github.com/EliasChaung/xuanpolicy/pkg/experiment"
	"github.com/EliasChaung/xuanpolicy/pkg/worker"
)

type runFlags struct {
	configPath string
	steps      int
	envs       int
	seriesSize int
	launcher   string
	addrs      []string
	storeKind  string
	storePath  string
	statsAddr  string
	seed       uint64
}

func main() {
	rootCmd := &cobra.Command{
		Use:           "vecenv",
		Short:         "vecenv steps batches of multi-agent battle environments across worker processes.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	for _, envFile := range []string{
		".env",
		"../../.env",
		"../../../.env",
	} {
		if err := godotenv.Load(envFile); err == nil {
			break
		}
	}

	rootCmd.AddCommand(newRunCmd(), newWorkerCmd(), newStatsCmd())
	if err := rootCmd.Execute(); err != nil {
		logging.Error("command failed", logging.Fields{Component: "cli", Error: logging.Err(err)})
		os.Exit(1)
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sigChan:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()
	return ctx, cancel
}

func newRunCmd() *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a random agent against a batch of environments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExperiment(cmd, f)
		},
	}
	cmd.Flags().StringVarP(&f.configPath, "config", "c", "", "YAML or TOML run config")
	cmd.Flags().IntVar(&f.steps, "steps", 0, "number of batch steps")
	cmd.Flags().IntVar(&f.envs, "envs", 0, "number of environments")
	cmd.Flags().IntVar(&f.seriesSize, "series-size", 0, "environments per worker")
	cmd.Flags().StringVar(&f.launcher, "launcher", "", "inprocess, subprocess or remote")
	cmd.Flags().StringSliceVar(&f.addrs, "addr", nil, "remote worker address (repeatable)")
	cmd.Flags().StringVar(&f.storeKind, "store", "", "memory or sqlite")
	cmd.Flags().StringVar(&f.storePath, "store-path", "", "sqlite database path")
	cmd.Flags().StringVar(&f.statsAddr, "stats-addr", "", "serve the stats API on this address")
	cmd.Flags().Uint64Var(&f.seed, "agent-seed", 1, "random agent seed")
	return cmd
}

func loadRunConfig(cmd *cobra.Command, f *runFlags) (*config.RunConfig, error) {
	cfg := config.Default()
	if f.configPath != "" {
		loaded, err := config.LoadConfig(f.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("steps") {
		cfg.Steps = f.steps
	}
	if flags.Changed("envs") {
		cfg.Env.Count = f.envs
	}
	if flags.Changed("series-size") {
		cfg.Env.SeriesSize = f.seriesSize
	}
	if flags.Changed("launcher") {
		cfg.Workers.Launcher = f.launcher
	}
	if flags.Changed("addr") {
		cfg.Workers.Addrs = f.addrs
	}
	if flags.Changed("store") {
		cfg.Store.Kind = f.storeKind
	}
	if flags.Changed("store-path") {
		cfg.Store.Path = f.storePath
	}
	if flags.Changed("stats-addr") {
		cfg.StatsAddr = f.statsAddr
	}
	return cfg, cfg.Validate()
}

func runExperiment(cmd *cobra.Command, f *runFlags) error {
	cfg, err := loadRunConfig(cmd, f)
	if err != nil {
		return err
	}
	logging.SetLevel(cfg.Logging.Level)

	ctx, cancel := signalContext()
	defer cancel()

	store, err := storage.NewStore(cfg.Store.Kind, cfg.Store.Path)
	if err != nil {
		return err
	}
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer store.Close()

	exp := experiment.NewExperiment(cfg, agent.NewRandomAgent(agent.WithSeed(f.seed)), store)

	if cfg.StatsAddr != "" {
		api := statsapi.New(exp, store)
		go func() {
			if err := api.ListenAndServe(ctx, cfg.StatsAddr); err != nil {
				logging.Warn("stats api stopped", logging.Fields{Component: "cli", Error: logging.Err(err)})
			}
		}()
	}

	runErr := exp.Run(ctx)
	if errors.Is(runErr, context.Canceled) {
		logging.Info("run interrupted", logging.Fields{RunID: exp.RunID(), Component: "cli"})
		runErr = nil
	}

	snap := exp.Snapshot()
	fmt.Fprintf(cmd.OutOrStdout(), "run %s: %d steps, %d battles, win rate %.3f\n",
		snap.RunID, snap.Step, snap.Stats.Played(), snap.WinRate)
	return runErr
}

func newWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Serve a series group over stdin/stdout (started by the subprocess launcher)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			return worker.ServeProcess(ctx)
		},
	}

	var addr string
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept remote controllers over websocket",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			return worker.ListenAndServe(ctx, addr)
		},
	}
	serveCmd.Flags().StringVar(&addr, "addr", ":7070", "listen address")
	cmd.AddCommand(serveCmd)
	return cmd
}

func newStatsCmd() *cobra.Command {
	var kind, path, serveAddr string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize stored runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			store, err := storage.NewStore(kind, path)
			if err != nil {
				return err
			}
			if err := store.Init(ctx); err != nil {
				return fmt.Errorf("init store: %w", err)
			}
			defer store.Close()

			if serveAddr != "" {
				return statsapi.New(nil, store).ListenAndServe(ctx, serveAddr)
			}

			summaries, err := store.Summaries(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RUN\tNAME\tENV\tENVS\tSTEPS\tEPISODES\tWIN RATE\tMEAN SCORE")
			for _, s := range summaries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%.3f\t%.3f\n",
					s.ID, s.Name, s.EnvKind, s.NumEnvs, s.Steps, s.Episodes, s.WinRate, s.MeanScore)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&kind, "store", "sqlite", "memory or sqlite")
	cmd.Flags().StringVar(&path, "store-path", "vecenv.db", "sqlite database path")
	cmd.Flags().StringVar(&serveAddr, "serve", "", "serve the stats API on this address instead of printing")
	return cmd
}
