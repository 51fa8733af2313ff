// Package mixer damps the iteration-to-iteration update of the
// self-consistency quantities. Linear mixing blends old and new values
// with a fixed weight; Broyden mixing keeps a bounded history of
// update/residual pairs and solves a small least-squares problem for an
// accelerated step. Mixer history survives restarts through an explicit
// payload.
package mixer
