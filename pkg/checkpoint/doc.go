// Package checkpoint persists the state of a self-consistency run in a
// SQLite database. Runs record the validated input; iterations are
// append-only, one transaction each, carrying the per-site functions,
// the mixer history, and the convergence monitor. A restart loads the
// newest iteration of a run and continues from it.
package checkpoint
