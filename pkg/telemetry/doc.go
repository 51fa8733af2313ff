// Package telemetry provides observability instrumentation for dysonloop.
//
// The telemetry package integrates structured logging (zerolog), tracing
// (OpenTelemetry), metrics (Prometheus), and event publishing into a unified
// system for monitoring long-running self-consistency calculations.
//
// # Architecture
//
// The telemetry system is built on four pillars:
//
//  1. Structured Logging - Context-aware logging with zerolog
//  2. Tracing - OpenTelemetry spans for runs, iterations, and solver calls
//  3. Metrics Collection - Prometheus metrics for loop observables
//  4. Event Publishing - Async event system for progress reporting
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceName = "dysonloop"
//	cfg.ServiceVersion = "1.0.0"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// # Structured Logging
//
// The logger provides component-specific logging with automatic context propagation:
//
//	logger := tel.Logger.NewComponentLogger("engine")
//	logger = logger.WithRunID("run-123").WithIteration(4).WithSite(0)
//	logger.Info("Starting impurity solve")
//	logger.WithError(err).Error("Solve failed")
//
// Log levels: trace, debug, info, warn, error, fatal
//
// # Tracing
//
// Tracing provides visibility into where time is spent in a run:
//
//	ctx, span := tel.Tracer.StartIterationSpan(ctx, runID, n)
//	defer span.End()
//
//	if err != nil {
//	    telemetry.RecordError(span, err)
//	}
//
// Supported exporters: "stdout" (development), "none" (traces generated but
// not exported).
//
// # Metrics
//
// Prometheus metrics track loop progress and solver behavior:
//
//	tel.Metrics.RecordRunStarted("cthyb")
//	tel.Metrics.RecordIteration(duration)
//	tel.Metrics.RecordSolverCall("cthyb", duration)
//	tel.Metrics.SetChemicalPotential(mu)
//	tel.Metrics.SetConvergenceDelta("d_g_imp", delta)
//	tel.Metrics.RecordError("transient", "SOLVER_FAILED")
//
// Metrics are exposed via HTTP at /metrics (default: :9090/metrics). Key
// metrics exposed:
//
//   - dysonloop_runs_started_total{solver}
//   - dysonloop_runs_completed_total{status}
//   - dysonloop_iterations_completed_total
//   - dysonloop_iteration_duration_seconds
//   - dysonloop_solver_calls_total{solver}
//   - dysonloop_solver_call_duration_seconds{solver}
//   - dysonloop_chemical_potential
//   - dysonloop_total_density
//   - dysonloop_convergence_delta{quantity}
//   - dysonloop_errors_by_class_total{class}
//   - dysonloop_active_runs
//
// # Event Publishing
//
// The event system provides async publishing with buffering and filtering.
// The CLI subscribes to it to print per-iteration progress:
//
//	tel.Events.PublishIterationCompleted(runID, n, mu, density, nil)
//	tel.Events.PublishConvergenceReached(runID, n)
//
//	tel.Events.Subscribe(func(event telemetry.Event) {
//	    fmt.Printf("Event: %s - %s\n", event.Type, event.Message)
//	}, telemetry.FilterByLevel("warning"))
//
// Event filters: FilterByLevel, FilterByType, FilterByRunID, FilterBySite
//
// # Context Helpers
//
// High-level helpers simplify common instrumentation patterns:
//
//	// Run context
//	ctx = telemetry.WithRunContext(ctx, runID, solver)
//	defer telemetry.EndRunContext(ctx, runID, status, iterations, err)
//
//	// Iteration context
//	ctx = telemetry.WithIterationContext(ctx, runID, n)
//	defer telemetry.EndIterationContext(ctx, runID, n, mu, density, err)
//
//	// Solver call
//	err := telemetry.RecordSolverOperation(ctx, "cthyb", site, func() error {
//	    return solver.Solve(ctx, input)
//	})
//
// # Graceful Shutdown
//
// Always shut down telemetry gracefully to flush pending data:
//
//	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
//	defer cancel()
//
//	if err := tel.Shutdown(ctx); err != nil {
//	    log.Printf("Telemetry shutdown error: %v", err)
//	}
package telemetry
