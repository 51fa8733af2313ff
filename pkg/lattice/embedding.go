package lattice

import (
	"fmt"

	"github.com/dysonloop/dysonloop/pkg/gf"
)

// Embedding is the lattice side of the self-consistency loop. One
// instance covers all inequivalent sites.
type Embedding interface {
	// PutSigma installs one self-energy per site, given in the lattice
	// block structure. dc holds the double-counting potential per site,
	// subtracted before embedding; a nil entry applies no correction.
	PutSigma(sigma []*gf.BlockFunction, dc []gf.MatrixSet) error

	// AddDoubleCounting adds a static per-block potential to a
	// lattice-space function in place; RemoveDoubleCounting subtracts
	// it. PutSigma removes the potential before embedding, and
	// self-energies archived under another double-counting convention
	// are rebased with the pair.
	AddDoubleCounting(f *gf.BlockFunction, pot gf.MatrixSet) error
	RemoveDoubleCounting(f *gf.BlockFunction, pot gf.MatrixSet) error

	// ExtractLocalGF computes the local lattice Green function per site
	// at the given chemical potential.
	ExtractLocalGF(mu float64) ([]*gf.BlockFunction, error)

	// TotalDensity is the electron count summed over all sites at the
	// given chemical potential.
	TotalDensity(mu float64) (float64, error)

	// SolveChemicalPotential finds mu such that the total density hits
	// target within prec, starting from guess. A
	// *NumericalDivergenceWarning error carries a usable best-effort mu.
	SolveChemicalPotential(target, guess, prec float64) (float64, error)

	// DensityCorrection is the charge transfer caused by the
	// interaction: total density minus the density of the
	// non-interacting lattice at the same chemical potential.
	DensityCorrection(mu float64) (float64, error)

	// EffectiveLevels returns the static impurity level matrix of one
	// site in the lattice block structure, including the applied field
	// and the chemical potential shift. Cached until the field or the
	// rotations change.
	EffectiveLevels(site int, mu float64) (gf.MatrixSet, error)

	// SetField applies a magnetic splitting of +-h to the spin
	// channels and invalidates the level cache.
	SetField(h float64)
}

// NumericalDivergenceWarning reports a chemical potential search that
// could not bracket or converge. Mu is the best value found; the loop
// may continue with it.
type NumericalDivergenceWarning struct {
	Mu     float64
	Reason string
}

func (e *NumericalDivergenceWarning) Error() string {
	return fmt.Sprintf("chemical potential search did not converge (%s), best value %g", e.Reason, e.Mu)
}
