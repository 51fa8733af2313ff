package convergence_test

import (
	"fmt"

	"github.com/dysonloop/dysonloop/pkg/convergence"
)

func ExampleMonitor() {
	monitor, err := convergence.NewMonitor([]convergence.Criterion{
		{Quantity: convergence.QuantitySigma, Mode: convergence.ModeAbs, Tol: 1e-2},
		{Quantity: convergence.QuantityMu, Mode: convergence.ModeAbs, Tol: 1e-3},
	}, 50)
	if err != nil {
		panic(err)
	}

	deltas := []struct{ sigma, mu float64 }{
		{0.5, 0.1},
		{0.05, 0.01},
		{0.005, 0.0001},
	}
	for i, d := range deltas {
		monitor.Observe(convergence.Record{
			convergence.QuantitySigma: d.sigma,
			convergence.QuantityMu:    d.mu,
		})
		monitor.Check()
		fmt.Printf("iteration %d converged=%v\n", i+1, monitor.Converged())
	}

	// Output:
	// iteration 1 converged=false
	// iteration 2 converged=false
	// iteration 3 converged=true
}
