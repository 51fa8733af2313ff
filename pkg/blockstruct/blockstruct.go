package blockstruct

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/dysonloop/dysonloop/pkg/gf"
	"github.com/dysonloop/dysonloop/pkg/linalg"
)

// UnitarityTol is the tolerance for rotation-matrix unitarity checks.
const UnitarityTol = 1e-10

// Space selects the representation a quantity lives in.
type Space string

const (
	// SpaceLattice is the full orbital representation of the lattice model.
	SpaceLattice Space = "lattice"

	// SpaceSolver is the reduced block representation handed to solvers.
	SpaceSolver Space = "solver"
)

// Direction selects which way a rotation is applied.
type Direction string

const (
	// ToLocal rotates from the lattice frame into the site-local frame.
	ToLocal Direction = "to_local"

	// FromLocal rotates from the site-local frame back to the lattice.
	FromLocal Direction = "from_local"
)

// Coord addresses one orbital entry inside a block layout.
type Coord struct {
	Block gf.BlockLabel `json:"block"`
	Orb   int           `json:"orb"`
}

// SiteStructure is the block description of one inequivalent site.
type SiteStructure struct {
	Site      int
	Orbitals  int
	SpinOrbit bool

	// LatticeBlocks is the full representation: one block per spin channel,
	// or a single mixed block when spin-orbit coupled.
	LatticeBlocks []gf.BlockDim

	// SolverBlocks is the reduced representation used by the solver.
	SolverBlocks []gf.BlockDim

	// SolverToLattice maps every solver entry to its lattice origin.
	SolverToLattice map[Coord]Coord

	// Rotation is the unitary site-local basis change, applied per lattice
	// block. Identity if no rotation was configured.
	Rotation *mat.CDense

	// Degeneracies lists groups of solver blocks constrained to be
	// numerically identical.
	Degeneracies [][]gf.BlockLabel
}

// Structure holds the block description for all inequivalent sites.
type Structure struct {
	Sites []*SiteStructure
}

// InconsistentDensityError reports a reference density matrix that is not
// positive semi-definite within tolerance.
type InconsistentDensityError struct {
	Site     int
	MinEigen float64
}

func (e *InconsistentDensityError) Error() string {
	return fmt.Sprintf("blockstruct: density matrix for site %d not positive semi-definite (min eigenvalue %g)",
		e.Site, e.MinEigen)
}

// latticeShape returns the lattice block layout for a site.
func latticeShape(orbitals int, spinOrbit bool) []gf.BlockDim {
	if spinOrbit {
		return []gf.BlockDim{{Label: gf.BlockLabel{Spin: gf.SpinNone, Index: 0}, Dim: 2 * orbitals}}
	}
	return []gf.BlockDim{
		{Label: gf.BlockLabel{Spin: gf.SpinUp, Index: 0}, Dim: orbitals},
		{Label: gf.BlockLabel{Spin: gf.SpinDown, Index: 0}, Dim: orbitals},
	}
}

// trivialSite builds a site structure whose solver representation mirrors
// the lattice representation one-to-one.
func trivialSite(site, orbitals int, spinOrbit bool) *SiteStructure {
	s := &SiteStructure{
		Site:          site,
		Orbitals:      orbitals,
		SpinOrbit:     spinOrbit,
		LatticeBlocks: latticeShape(orbitals, spinOrbit),
	}
	s.SolverBlocks = append([]gf.BlockDim(nil), s.LatticeBlocks...)
	s.SolverToLattice = make(map[Coord]Coord)
	for _, bd := range s.SolverBlocks {
		for o := 0; o < bd.Dim; o++ {
			c := Coord{Block: bd.Label, Orb: o}
			s.SolverToLattice[c] = c
		}
	}
	dim := orbitals
	if spinOrbit {
		dim = 2 * orbitals
	}
	s.Rotation = linalg.Eye(dim)
	if !spinOrbit {
		// Spin channels degenerate until a magnetic run strips them.
		s.Degeneracies = [][]gf.BlockLabel{{
			{Spin: gf.SpinUp, Index: 0},
			{Spin: gf.SpinDown, Index: 0},
		}}
	}
	return s
}

// SolverDim returns the total solver-representation dimension.
func (s *SiteStructure) SolverDim() int {
	var d int
	for _, b := range s.SolverBlocks {
		d += b.Dim
	}
	return d
}

// LatticeDim returns the total lattice-representation dimension.
func (s *SiteStructure) LatticeDim() int {
	var d int
	for _, b := range s.LatticeBlocks {
		d += b.Dim
	}
	return d
}

// Validate enforces the structural invariants: the solver dimension never
// exceeds the lattice dimension, the rotation is unitary within tolerance,
// and no solver block belongs to two degeneracy groups.
func (s *SiteStructure) Validate() error {
	if s.SolverDim() > s.LatticeDim() {
		return fmt.Errorf("blockstruct: site %d solver dim %d exceeds lattice dim %d",
			s.Site, s.SolverDim(), s.LatticeDim())
	}
	if s.Rotation != nil && !linalg.IsUnitary(s.Rotation, UnitarityTol) {
		return fmt.Errorf("blockstruct: site %d rotation matrix not unitary", s.Site)
	}
	seen := make(map[gf.BlockLabel]bool)
	for _, group := range s.Degeneracies {
		for _, label := range group {
			if seen[label] {
				return fmt.Errorf("blockstruct: site %d block %s in two degeneracy groups", s.Site, label)
			}
			seen[label] = true
		}
	}
	return nil
}

// SetRotation installs a new site-local rotation after checking unitarity.
func (s *SiteStructure) SetRotation(u *mat.CDense) error {
	r, c := u.Dims()
	blockDim := s.LatticeBlocks[0].Dim
	if r != blockDim || c != blockDim {
		return fmt.Errorf("blockstruct: site %d rotation is %dx%d, want %dx%d", s.Site, r, c, blockDim, blockDim)
	}
	if !linalg.IsUnitary(u, UnitarityTol) {
		return fmt.Errorf("blockstruct: site %d rotation matrix not unitary", s.Site)
	}
	s.Rotation = linalg.Copy(u)
	return nil
}

// Validate checks all sites.
func (st *Structure) Validate() error {
	for _, s := range st.Sites {
		if err := s.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Site returns the structure of one site.
func (st *Structure) Site(i int) *SiteStructure {
	return st.Sites[i]
}

// NumSites returns the number of inequivalent sites.
func (st *Structure) NumSites() int { return len(st.Sites) }

// Copy returns a deep copy of the whole structure.
func (st *Structure) Copy() *Structure {
	out := &Structure{Sites: make([]*SiteStructure, len(st.Sites))}
	for i, s := range st.Sites {
		cp := &SiteStructure{
			Site:            s.Site,
			Orbitals:        s.Orbitals,
			SpinOrbit:       s.SpinOrbit,
			LatticeBlocks:   append([]gf.BlockDim(nil), s.LatticeBlocks...),
			SolverBlocks:    append([]gf.BlockDim(nil), s.SolverBlocks...),
			SolverToLattice: make(map[Coord]Coord, len(s.SolverToLattice)),
		}
		for k, v := range s.SolverToLattice {
			cp.SolverToLattice[k] = v
		}
		if s.Rotation != nil {
			cp.Rotation = linalg.Copy(s.Rotation)
		}
		for _, g := range s.Degeneracies {
			cp.Degeneracies = append(cp.Degeneracies, append([]gf.BlockLabel(nil), g...))
		}
		out.Sites[i] = cp
	}
	return out
}

// Equal reports whether two structures describe the same block layout and
// degeneracy groups. Rotations are compared separately because a rotation
// mismatch on restart is tolerated, not fatal.
func (st *Structure) Equal(other *Structure) bool {
	if other == nil || len(st.Sites) != len(other.Sites) {
		return false
	}
	for i, a := range st.Sites {
		b := other.Sites[i]
		if a.Orbitals != b.Orbitals || a.SpinOrbit != b.SpinOrbit {
			return false
		}
		if !sameBlockDims(a.LatticeBlocks, b.LatticeBlocks) || !sameBlockDims(a.SolverBlocks, b.SolverBlocks) {
			return false
		}
		if len(a.SolverToLattice) != len(b.SolverToLattice) {
			return false
		}
		for k, v := range a.SolverToLattice {
			if b.SolverToLattice[k] != v {
				return false
			}
		}
		if len(a.Degeneracies) != len(b.Degeneracies) {
			return false
		}
		for g := range a.Degeneracies {
			if len(a.Degeneracies[g]) != len(b.Degeneracies[g]) {
				return false
			}
			for j := range a.Degeneracies[g] {
				if a.Degeneracies[g][j] != b.Degeneracies[g][j] {
					return false
				}
			}
		}
	}
	return true
}

// RotationsClose reports whether all rotation matrices agree within tol.
func (st *Structure) RotationsClose(other *Structure, tol float64) bool {
	if other == nil || len(st.Sites) != len(other.Sites) {
		return false
	}
	for i, a := range st.Sites {
		b := other.Sites[i]
		if (a.Rotation == nil) != (b.Rotation == nil) {
			return false
		}
		if a.Rotation != nil && linalg.FrobeniusDistance(a.Rotation, b.Rotation) > tol {
			return false
		}
	}
	return true
}

func sameBlockDims(a, b []gf.BlockDim) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
