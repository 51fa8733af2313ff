// Package blockstruct describes, per inequivalent site, how the orbital
// space splits into symmetry blocks: the lattice and solver block layouts,
// the unitary site-local rotation, the mapping between the two spaces and
// the degeneracy groups. It provides the lattice<->solver conversions used
// on every quantity that crosses the solver boundary, and the persistence
// and comparison hooks that make the structure reproducible across
// restarts.
package blockstruct
