package blockstruct

import (
	"sort"

	"github.com/dysonloop/dysonloop/pkg/gf"
)

// MappingEntry is one solver->lattice coordinate pair in serialized form.
type MappingEntry struct {
	From Coord `json:"from"`
	To   Coord `json:"to"`
}

// SitePayload is the serializable form of a SiteStructure.
type SitePayload struct {
	Site          int                `json:"site"`
	Orbitals      int                `json:"orbitals"`
	SpinOrbit     bool               `json:"spin_orbit"`
	LatticeBlocks []gf.BlockDim      `json:"lattice_blocks"`
	SolverBlocks  []gf.BlockDim      `json:"solver_blocks"`
	Mapping       []MappingEntry     `json:"mapping"`
	Rotation      *gf.MatrixPayload  `json:"rotation,omitempty"`
	Degeneracies  [][]gf.BlockLabel  `json:"degeneracies,omitempty"`
}

// Payload is the serializable form of a Structure.
type Payload struct {
	Sites []SitePayload `json:"sites"`
}

// Payload converts the structure into its serializable form with a
// deterministic mapping order.
func (st *Structure) Payload() Payload {
	var p Payload
	for _, s := range st.Sites {
		sp := SitePayload{
			Site:          s.Site,
			Orbitals:      s.Orbitals,
			SpinOrbit:     s.SpinOrbit,
			LatticeBlocks: append([]gf.BlockDim(nil), s.LatticeBlocks...),
			SolverBlocks:  append([]gf.BlockDim(nil), s.SolverBlocks...),
			Degeneracies:  s.Degeneracies,
		}
		for from, to := range s.SolverToLattice {
			sp.Mapping = append(sp.Mapping, MappingEntry{From: from, To: to})
		}
		sort.Slice(sp.Mapping, func(a, b int) bool {
			ma, mb := sp.Mapping[a].From, sp.Mapping[b].From
			if ma.Block != mb.Block {
				return ma.Block.String() < mb.Block.String()
			}
			return ma.Orb < mb.Orb
		})
		if s.Rotation != nil {
			rp := gf.EncodeMatrix(s.Rotation)
			sp.Rotation = &rp
		}
		p.Sites = append(p.Sites, sp)
	}
	return p
}

// FromPayload reconstructs a Structure from its serialized form.
func FromPayload(p Payload) (*Structure, error) {
	st := &Structure{}
	for _, sp := range p.Sites {
		s := &SiteStructure{
			Site:            sp.Site,
			Orbitals:        sp.Orbitals,
			SpinOrbit:       sp.SpinOrbit,
			LatticeBlocks:   append([]gf.BlockDim(nil), sp.LatticeBlocks...),
			SolverBlocks:    append([]gf.BlockDim(nil), sp.SolverBlocks...),
			SolverToLattice: make(map[Coord]Coord, len(sp.Mapping)),
			Degeneracies:    sp.Degeneracies,
		}
		for _, e := range sp.Mapping {
			s.SolverToLattice[e.From] = e.To
		}
		if sp.Rotation != nil {
			rot, err := gf.DecodeMatrix(*sp.Rotation)
			if err != nil {
				return nil, err
			}
			s.Rotation = rot
		}
		st.Sites = append(st.Sites, s)
	}
	if err := st.Validate(); err != nil {
		return nil, err
	}
	return st, nil
}
