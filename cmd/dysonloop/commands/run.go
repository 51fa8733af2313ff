package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dysonloop/dysonloop/pkg/blockstruct"
	"github.com/dysonloop/dysonloop/pkg/checkpoint"
	"github.com/dysonloop/dysonloop/pkg/config"
	"github.com/dysonloop/dysonloop/pkg/engine"
	"github.com/dysonloop/dysonloop/pkg/lattice"
	"github.com/dysonloop/dysonloop/pkg/telemetry"
)

func newRunCommand() *cobra.Command {
	var (
		workers     int
		seed        int64
		noStopFile  bool
		metricsAddr string
		quiet       bool
	)

	cmd := &cobra.Command{
		Use:   "run <config.yaml>",
		Short: "Run the self-consistency loop",
		Long: `Run the self-consistency loop described by a job configuration.

A fresh store starts a new run; a store that already holds iterations
resumes from the last completed one. Touching a file named STOP in the
store directory ends the run cleanly after the current iteration.`,
		Example: `  # Start or resume a job
  dysonloop run job.yaml

  # Limit the parallel solve region to two solver processes
  dysonloop run --workers 2 job.yaml

  # Expose Prometheus metrics while the loop runs
  dysonloop run --metrics :9090 job.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			ctx := cmd.Context()

			raw, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read config file: %w", err)
			}
			cfg, err := config.NewLoader().Parse(raw)
			if err != nil {
				return err
			}

			telCfg := telemetry.DefaultConfig()
			if jsonOutput {
				telCfg = telemetry.BatchConfig()
			}
			if verbose {
				telCfg.Logging.Level = "debug"
			}
			if metricsAddr != "" {
				telCfg.Metrics.Enabled = true
				telCfg.Metrics.ListenAddress = metricsAddr
			}
			tel, err := telemetry.NewTelemetry(telCfg)
			if err != nil {
				return fmt.Errorf("failed to initialize telemetry: %w", err)
			}
			defer func() {
				if err := tel.Shutdown(cmd.Context()); err != nil {
					log.Warn().Err(err).Msg("Telemetry shutdown incomplete")
				}
			}()
			if telCfg.Metrics.Enabled {
				if err := tel.StartMetricsServer(); err != nil {
					return fmt.Errorf("failed to start metrics server: %w", err)
				}
			}
			if !quiet && !jsonOutput {
				subscribeProgress(tel.Events)
			}

			store, err := checkpoint.NewStore(checkpoint.Config{Path: cfg.Store.Path})
			if err != nil {
				return err
			}
			if err := store.Init(ctx); err != nil {
				return err
			}
			defer func() {
				if err := store.Close(); err != nil {
					log.Warn().Err(err).Msg("Checkpoint store close failed")
				}
			}()
			if err := store.Migrate(ctx); err != nil {
				return err
			}

			lat, err := buildLattice(cfg)
			if err != nil {
				return err
			}

			if seed == 0 {
				seed = time.Now().UnixNano()
			}
			eng, err := engine.New(engine.Options{
				Config:     cfg,
				ConfigText: string(raw),
				Lattice:    lat,
				Store:      store,
				Telemetry:  tel,
				Workers:    workers,
				NoiseSeed:  seed,
				WatchStop:  !noStopFile,
			})
			if err != nil {
				return err
			}

			status, err := eng.Run(ctx)
			if err != nil {
				return err
			}

			fmt.Printf("run %s finished: status=%s iterations=%d mu=%.6f\n",
				eng.RunID(), status, eng.Iterations(), eng.Mu())
			if !status.Successful() {
				return fmt.Errorf("run ended with status %s", status)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&workers, "workers", 0, "max concurrent impurity solves (0 = all sites)")
	cmd.Flags().Int64Var(&seed, "seed", 0, "cold-start noise seed (0 = time-based)")
	cmd.Flags().BoolVar(&noStopFile, "no-stop-file", false, "disable the STOP sentinel watcher")
	cmd.Flags().StringVar(&metricsAddr, "metrics", "", "expose Prometheus metrics on this address")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "suppress per-iteration progress output")

	return cmd
}

// subscribeProgress prints a line per loop milestone on the console.
func subscribeProgress(events *telemetry.EventPublisher) {
	filter := telemetry.FilterByType(
		telemetry.EventTypeRunStarted,
		telemetry.EventTypeIterationCompleted,
		telemetry.EventTypeConvergenceReached,
		telemetry.EventTypeStopRequested,
		telemetry.EventTypeRunCompleted,
		telemetry.EventTypeRunFailed,
	)
	events.Subscribe(func(ev telemetry.Event) {
		fmt.Fprintf(os.Stderr, "%s  %s\n", ev.Timestamp.Format("15:04:05"), ev.Message)
	}, filter)
}

// buildLattice assembles the Bethe embedding from the lattice section.
// Every site starts from the trivial full-block shape; the engine runs
// the block analysis on top of it.
func buildLattice(cfg *config.Config) (*lattice.Bethe, error) {
	sites, err := cfg.Sites()
	if err != nil {
		return nil, err
	}
	ds, err := cfg.HalfBandwidths()
	if err != nil {
		return nil, err
	}
	msh, err := cfg.NewMesh()
	if err != nil {
		return nil, err
	}
	trivial := blockstruct.Trivial(sites)
	specs := make([]lattice.SiteSpec, len(sites))
	for i, s := range trivial.Sites {
		specs[i] = lattice.SiteSpec{Shape: s.LatticeBlocks, HalfBandwidth: ds[i]}
	}
	return lattice.NewBethe(msh, specs)
}
