package commands

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dysonloop/dysonloop/pkg/config"
)

const sampleConfig = `# dysonloop job configuration
general:
  job_name: one-band-bethe
  beta: 40.0
  n_iw: 1025
  n_iter: 30
  n_iter_sampling: 0
  target_density: 1.0
  mu_initial_guess: 2.0
  prec_mu: 1.0e-4

lattice:
  n_sites: 1
  n_orbitals: 1
  half_bandwidth: 2.0

solver:
  type: hartree
  u: 4.0
  j: 0.0

dc:
  enabled: true
  formula: fll

mixing:
  self_energy:
    method: linear
    alpha: 0.6
    history: 1

convergence:
  criteria:
    - quantity: d_sigma
      mode: abs
      tol: 1.0e-6
    - quantity: d_mu
      mode: abs
      tol: 1.0e-5

store:
  path: one-band-bethe.db
`

func newInitCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a starter job configuration",
		Long: `Write a starter job configuration for a one-band Bethe lattice at
half filling. The file validates as-is and is meant to be edited.`,
		Example: `  # Write job.yaml in the current directory
  dysonloop init

  # Write to a specific path
  dysonloop init jobs/sro.yaml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "job.yaml"
			if len(args) > 0 {
				path = args[0]
			}

			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}

			// The sample must always pass its own validation.
			if _, err := config.NewLoader().Parse([]byte(sampleConfig)); err != nil {
				return fmt.Errorf("internal: sample config invalid: %w", err)
			}

			if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
				return fmt.Errorf("failed to write %s: %w", path, err)
			}

			log.Info().Str("path", path).Msg("Wrote starter configuration")
			fmt.Printf("wrote %s; edit it and start the loop with: dysonloop run %s\n", path, path)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing file")

	return cmd
}
