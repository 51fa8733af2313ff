// Package solver defines the impurity solver boundary. A solver takes
// the Weiss field of one site and produces the impurity Green function
// and self-energy. The Adapter owns the per-site solver state and hands
// out copies, so engine-side mutation can never leak into a solver's
// internals. A static mean-field solver is included as the reference
// implementation; quantum Monte Carlo and tensor-network backends plug
// in behind the same interface.
package solver
