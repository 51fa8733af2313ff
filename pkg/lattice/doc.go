// Package lattice embeds the impurity self-energies into the lattice
// problem and extracts the local Green functions back out. The
// Embedding interface is the boundary the self-consistency loop drives:
// install self-energies, search the chemical potential for a target
// filling, pull local Green functions and effective level matrices. The
// Bethe type implements it for the infinite-coordination Bethe lattice,
// where the hybridization closes onto the local Green function itself.
package lattice
