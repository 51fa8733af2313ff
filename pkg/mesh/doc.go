// Package mesh provides the frequency grids on which all matrix-valued
// quantities in a run live. A mesh is either a fermionic Matsubara grid
// (imaginary frequencies, fixed by the inverse temperature beta) or a
// linear real-frequency window with a Lorentzian broadening. Meshes are
// immutable once constructed; every quantity that is compared or combined
// must carry the same mesh.
package mesh
