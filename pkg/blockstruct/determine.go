package blockstruct

import (
	"fmt"
	"math/cmplx"
	"sort"

	"github.com/dysonloop/dysonloop/pkg/gf"
	"github.com/dysonloop/dysonloop/pkg/linalg"
)

// psdTol is the slack allowed on density-matrix eigenvalues before the
// matrix is rejected as inconsistent.
const psdTol = 1e-8

// SiteInfo describes a site for block determination.
type SiteInfo struct {
	Index     int
	Orbitals  int
	SpinOrbit bool
}

// Determine computes the block structure for all sites from a reference
// density matrix per site (in the lattice representation). Orbitals whose
// off-diagonal density exceeds threshold are grouped into one block;
// near-diagonal, near-degenerate orbitals end up in separate small blocks.
// Sites not listed in includeSites keep the trivial full block per spin
// channel. A nil includeSites analyzes every site.
func Determine(sites []SiteInfo, refDensity []gf.MatrixSet, threshold float64, includeSites []int) (*Structure, error) {
	if len(refDensity) != len(sites) {
		return nil, fmt.Errorf("blockstruct: %d density matrices for %d sites", len(refDensity), len(sites))
	}

	analyze := make(map[int]bool, len(sites))
	if includeSites == nil {
		for _, s := range sites {
			analyze[s.Index] = true
		}
	} else {
		for _, i := range includeSites {
			analyze[i] = true
		}
	}

	st := &Structure{}
	for i, info := range sites {
		site := trivialSite(info.Index, info.Orbitals, info.SpinOrbit)
		if analyze[info.Index] {
			if err := analyzeSite(site, refDensity[i], threshold); err != nil {
				return nil, err
			}
		}
		st.Sites = append(st.Sites, site)
	}
	if err := st.Validate(); err != nil {
		return nil, err
	}
	return st, nil
}

// Trivial builds the default structure without any density analysis:
// one full block per spin channel, identity mapping and rotation.
func Trivial(sites []SiteInfo) *Structure {
	st := &Structure{}
	for _, info := range sites {
		st.Sites = append(st.Sites, trivialSite(info.Index, info.Orbitals, info.SpinOrbit))
	}
	return st
}

// analyzeSite splits each lattice block of one site into connected
// components of the off-diagonal density graph.
func analyzeSite(s *SiteStructure, density gf.MatrixSet, threshold float64) error {
	s.SolverBlocks = nil
	s.SolverToLattice = make(map[Coord]Coord)
	s.Degeneracies = nil

	type component struct {
		spin gf.Spin
		orbs []int
	}
	var perLattice [][]component

	for _, lb := range s.LatticeBlocks {
		rho, ok := density[lb.Label]
		if !ok {
			return fmt.Errorf("blockstruct: site %d missing density block %s", s.Site, lb.Label)
		}
		if r, c := rho.Dims(); r != lb.Dim || c != lb.Dim {
			return fmt.Errorf("blockstruct: site %d density block %s is %dx%d, want %d", s.Site, lb.Label, r, c, lb.Dim)
		}

		vals, _, err := linalg.EigSymReal(rho)
		if err != nil {
			return err
		}
		if len(vals) > 0 && vals[0] < -psdTol {
			return &InconsistentDensityError{Site: s.Site, MinEigen: vals[0]}
		}

		// Union-find over orbitals connected by off-diagonal weight.
		parent := make([]int, lb.Dim)
		for o := range parent {
			parent[o] = o
		}
		var find func(int) int
		find = func(x int) int {
			if parent[x] != x {
				parent[x] = find(parent[x])
			}
			return parent[x]
		}
		for i := 0; i < lb.Dim; i++ {
			for j := i + 1; j < lb.Dim; j++ {
				if cmplx.Abs(rho.At(i, j)) > threshold {
					parent[find(i)] = find(j)
				}
			}
		}

		groups := make(map[int][]int)
		for o := 0; o < lb.Dim; o++ {
			r := find(o)
			groups[r] = append(groups[r], o)
		}
		var comps []component
		for _, orbs := range groups {
			sort.Ints(orbs)
			comps = append(comps, component{spin: lb.Label.Spin, orbs: orbs})
		}
		sort.Slice(comps, func(a, b int) bool { return comps[a].orbs[0] < comps[b].orbs[0] })
		perLattice = append(perLattice, comps)
	}

	// Assign solver block labels per spin channel in component order.
	for li, comps := range perLattice {
		latBlock := s.LatticeBlocks[li]
		for ci, comp := range comps {
			label := gf.BlockLabel{Spin: comp.spin, Index: ci}
			s.SolverBlocks = append(s.SolverBlocks, gf.BlockDim{Label: label, Dim: len(comp.orbs)})
			for pos, orb := range comp.orbs {
				s.SolverToLattice[Coord{Block: label, Orb: pos}] = Coord{Block: latBlock.Label, Orb: orb}
			}
		}
	}

	// Without spin-orbit coupling, matching up/down components start out
	// degenerate; a magnetic run strips these groups later.
	if !s.SpinOrbit && len(perLattice) == 2 {
		upComps, downComps := perLattice[0], perLattice[1]
		for ci := range upComps {
			if ci < len(downComps) && len(upComps[ci].orbs) == len(downComps[ci].orbs) {
				s.Degeneracies = append(s.Degeneracies, []gf.BlockLabel{
					{Spin: gf.SpinUp, Index: ci},
					{Spin: gf.SpinDown, Index: ci},
				})
			}
		}
	}

	return nil
}

// ApplyManualOverride replaces the computed solver blocks of selected sites
// with a user-given sub-selection. Each override entry maps solver block
// labels to the lattice orbitals they retain, consumed in order. Degeneracy
// groups of overridden sites are cleared; recomputing them is the caller's
// responsibility.
func (st *Structure) ApplyManualOverride(perSite map[int][]gf.BlockDim) error {
	for siteIdx, blocks := range perSite {
		if siteIdx < 0 || siteIdx >= len(st.Sites) {
			return fmt.Errorf("blockstruct: override for unknown site %d", siteIdx)
		}
		s := st.Sites[siteIdx]

		mapping := make(map[Coord]Coord)
		// Consume lattice orbitals per spin channel in order.
		next := make(map[gf.BlockLabel]int)
		for _, bd := range blocks {
			lat := latticeBlockFor(s, bd.Label.Spin)
			if lat == nil {
				return fmt.Errorf("blockstruct: override block %s has no lattice channel on site %d", bd.Label, siteIdx)
			}
			for o := 0; o < bd.Dim; o++ {
				orb := next[lat.Label]
				if orb >= lat.Dim {
					return fmt.Errorf("blockstruct: override for site %d exceeds lattice dim of %s", siteIdx, lat.Label)
				}
				mapping[Coord{Block: bd.Label, Orb: o}] = Coord{Block: lat.Label, Orb: orb}
				next[lat.Label] = orb + 1
			}
		}

		s.SolverBlocks = append([]gf.BlockDim(nil), blocks...)
		s.SolverToLattice = mapping
		s.Degeneracies = nil
		if err := s.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func latticeBlockFor(s *SiteStructure, spin gf.Spin) *gf.BlockDim {
	for i := range s.LatticeBlocks {
		if s.LatticeBlocks[i].Label.Spin == spin {
			return &s.LatticeBlocks[i]
		}
	}
	// Spin-orbit sites carry a single mixed block.
	if len(s.LatticeBlocks) == 1 && s.LatticeBlocks[0].Label.Spin == gf.SpinNone {
		return &s.LatticeBlocks[0]
	}
	return nil
}

// ApplyDegeneracyMap installs user-forced degeneracy groups per site,
// replacing whatever was computed.
func (st *Structure) ApplyDegeneracyMap(perSite map[int][][]gf.BlockLabel) error {
	for siteIdx, groups := range perSite {
		if siteIdx < 0 || siteIdx >= len(st.Sites) {
			return fmt.Errorf("blockstruct: degeneracy map for unknown site %d", siteIdx)
		}
		s := st.Sites[siteIdx]
		known := make(map[gf.BlockLabel]bool)
		for _, bd := range s.SolverBlocks {
			known[bd.Label] = true
		}
		for _, group := range groups {
			for _, label := range group {
				if !known[label] {
					return fmt.Errorf("blockstruct: degeneracy map for site %d names unknown block %s", siteIdx, label)
				}
			}
		}
		s.Degeneracies = groups
		if err := s.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// StripSpinDegeneracy rewrites the degeneracy groups for a magnetic run
// without spin-orbit coupling: groups mixing up and down channels are split
// so each surviving group stays within one spin channel, allowing the spin
// symmetry to break. Uses the structured spin field, never label text.
func (st *Structure) StripSpinDegeneracy() {
	for _, s := range st.Sites {
		if s.SpinOrbit {
			continue
		}
		var stripped [][]gf.BlockLabel
		for _, group := range s.Degeneracies {
			for _, spin := range []gf.Spin{gf.SpinUp, gf.SpinDown} {
				var sub []gf.BlockLabel
				for _, label := range group {
					if label.Spin == spin {
						sub = append(sub, label)
					}
				}
				// A single block per spin carries no constraint.
				if len(sub) > 1 {
					stripped = append(stripped, sub)
				}
			}
		}
		s.Degeneracies = stripped
	}
}

// StripAllDegeneracies removes every degeneracy group. Used for spin-orbit
// coupled runs where the basis mixes the spin channels.
func (st *Structure) StripAllDegeneracies() {
	for _, s := range st.Sites {
		s.Degeneracies = nil
	}
}
