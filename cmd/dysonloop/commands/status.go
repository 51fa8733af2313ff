package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dysonloop/dysonloop/pkg/checkpoint"
)

func newStatusCommand() *cobra.Command {
	var (
		runID string
		tail  int
	)

	cmd := &cobra.Command{
		Use:   "status <store.db>",
		Short: "Show the progress of a checkpointed run",
		Long: `Show the iteration history stored in a checkpoint database.

Without --run the latest run is shown. The listing is safe to use
while a run is in progress.`,
		Example: `  # Latest run in a store
  dysonloop status job.db

  # Last three iterations of a specific run
  dysonloop status --run 0198f2a3 --tail 3 job.db`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			store, err := checkpoint.NewStore(checkpoint.Config{Path: args[0]})
			if err != nil {
				return err
			}
			if err := store.Init(ctx); err != nil {
				return err
			}
			defer store.Close()
			if err := store.HealthCheck(ctx); err != nil {
				return fmt.Errorf("store health check failed: %w", err)
			}

			var run *checkpoint.Run
			if runID != "" {
				run, err = store.GetRun(ctx, runID)
			} else {
				run, err = store.LatestRun(ctx)
			}
			if errors.Is(err, checkpoint.ErrNotFound) {
				return fmt.Errorf("no runs found in %s", args[0])
			}
			if err != nil {
				return err
			}

			iters, err := store.ListIterations(ctx, run.ID)
			if err != nil {
				return err
			}
			if tail > 0 && len(iters) > tail {
				iters = iters[len(iters)-tail:]
			}

			if jsonOutput {
				out := map[string]interface{}{
					"run_id":     run.ID,
					"created_at": run.CreatedAt,
					"mesh":       run.Mesh,
					"iterations": iters,
				}
				return json.NewEncoder(os.Stdout).Encode(out)
			}

			fmt.Printf("run %s (created %s)\n", run.ID, run.CreatedAt.Format("2006-01-02 15:04:05"))
			if len(iters) == 0 {
				fmt.Println("  no completed iterations")
				return nil
			}
			fmt.Printf("  %4s  %12s  %12s  %s\n", "n", "mu", "density", "converged")
			for _, it := range iters {
				fmt.Printf("  %4d  %12.6f  %12.6f  %v\n", it.N, it.Mu, it.Density, it.Converged)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&runID, "run", "", "run ID (default: latest run)")
	cmd.Flags().IntVar(&tail, "tail", 0, "show only the last N iterations")

	return cmd
}
