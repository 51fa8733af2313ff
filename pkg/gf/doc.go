// Package gf holds the matrix-valued frequency functions the engine moves
// between the lattice, the mixer and the impurity solvers: Green's
// functions, Weiss fields and self-energies. A BlockFunction is an ordered
// set of symmetry blocks, each a complex matrix per frequency point of a
// shared mesh. Block identity carries the spin channel as a structured
// field; it is never inferred from label text.
package gf
