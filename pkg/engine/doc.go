// Package engine drives the DMFT self-consistency loop.
//
// The loop follows the state machine Setup -> Iterating -> {Converged,
// Exhausted} -> [Sampling] -> Done. Each iteration extracts the local
// Green function from the lattice embedding, derives per-site Weiss
// fields through Dyson's equation, dispatches the impurity solves in
// parallel, mixes the returned self-energies, recomputes the double
// counting, updates the chemical potential by root search and commits
// one IterationRecord to the checkpoint store.
//
// The engine is the coordinator: all store access and all globally
// consistent decisions (convergence flag, chemical potential, double
// counting, mixing history) happen on its goroutine. Workers only run
// their own impurity solve on inputs handed to them by value; the
// barrier closing the parallel region is the only synchronization.
//
// A fresh run seeds its self-energy through a four-way state machine:
// resume from the checkpoint store, load from an external archive with
// a Hartree shift correction, cold start from the double-counting
// potential, or cold start from zero. Cold starts optionally add a
// magnetic bias per spin channel and hermitian Gaussian noise.
//
// Dropping a file named STOP into the store directory ends the run
// after the current iteration with a consistent checkpoint.
package engine
