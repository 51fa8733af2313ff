// Package linalg provides the small set of dense complex matrix operations
// the self-consistency loop needs on top of gonum: products, hermitian
// symmetrization, Frobenius distances, unitarity checks and a partial-pivot
// inverse. Real symmetric eigendecompositions delegate to gonum's EigenSym.
package linalg
