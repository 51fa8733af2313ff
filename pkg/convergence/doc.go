// Package convergence tracks iteration-to-iteration change of the
// self-consistency observables and decides when the loop is done.
// Each criterion watches one observable with an absolute, relative, or
// variance threshold over a bounded window. Convergence is sticky: once
// every criterion has passed, later fluctuations do not revoke it.
package convergence
