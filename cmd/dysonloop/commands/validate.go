package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dysonloop/dysonloop/pkg/config"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <config.yaml>",
		Short: "Validate a job configuration",
		Long: `Validate a job configuration without running it.

This checks YAML syntax, field constraints, per-site list lengths,
solver and double-counting option combinations, and the mixer and
convergence settings. A configuration that passes here is accepted by
the run command.`,
		Example: `  # Validate a job file
  dysonloop validate job.yaml

  # Machine-readable summary
  dysonloop validate --json job.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewLoader().Load(args[0])
			if err != nil {
				return err
			}

			kinds, err := cfg.SolverKinds()
			if err != nil {
				return err
			}
			msh, err := cfg.NewMesh()
			if err != nil {
				return err
			}

			if jsonOutput {
				summary := map[string]interface{}{
					"job_name": cfg.General.JobName,
					"sites":    cfg.NSites(),
					"solvers":  kinds,
					"mesh":     msh.Spec(),
					"n_iter":   cfg.General.NIter,
					"valid":    true,
				}
				return json.NewEncoder(os.Stdout).Encode(summary)
			}

			fmt.Printf("%s: ok\n", args[0])
			fmt.Printf("  job:     %s\n", cfg.General.JobName)
			fmt.Printf("  sites:   %d\n", cfg.NSites())
			fmt.Printf("  solvers: %v\n", kinds)
			fmt.Printf("  mesh:    %s (%d points)\n", msh.Kind(), msh.Len())
			fmt.Printf("  budget:  %d iterations\n", cfg.General.NIter)
			return nil
		},
	}

	return cmd
}
