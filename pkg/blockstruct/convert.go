package blockstruct

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/dysonloop/dysonloop/pkg/gf"
	"github.com/dysonloop/dysonloop/pkg/linalg"
)

// Rotate applies the stored site rotation to a lattice-space quantity at
// every frequency. ToLocal computes U^H A U, FromLocal computes U A U^H.
// The input is not modified.
func (st *Structure) Rotate(q *gf.BlockFunction, site int, dir Direction) (*gf.BlockFunction, error) {
	s := st.Sites[site]
	if s.Rotation == nil {
		return q.Copy(), nil
	}
	out := q.Copy()
	for _, b := range out.Blocks() {
		if b.Dim != s.LatticeBlocks[0].Dim {
			return nil, fmt.Errorf("blockstruct: rotate on site %d: block %s dim %d does not match rotation",
				site, b.Label, b.Dim)
		}
		for k := range b.Data {
			b.Data[k] = rotateMatrix(b.Data[k], s.Rotation, dir)
		}
	}
	return out, nil
}

func rotateMatrix(a, u *mat.CDense, dir Direction) *mat.CDense {
	switch dir {
	case ToLocal:
		return linalg.Mul(linalg.ConjTranspose(u), linalg.Mul(a, u))
	case FromLocal:
		return linalg.Mul(u, linalg.Mul(a, linalg.ConjTranspose(u)))
	}
	panic(fmt.Sprintf("blockstruct: unknown rotation direction %q", dir))
}

// Convert changes the representation of a block function between lattice
// and solver space for one site. Lattice -> solver rotates into the local
// frame and gathers the retained orbital entries into solver blocks;
// solver -> lattice scatters them back and undoes the rotation. The
// composition forward-then-backward is the identity on the retained
// orbital subspace.
func (st *Structure) Convert(q *gf.BlockFunction, from, to Space, site int) (*gf.BlockFunction, error) {
	if from == to {
		return q.Copy(), nil
	}
	s := st.Sites[site]
	switch {
	case from == SpaceLattice && to == SpaceSolver:
		local, err := st.Rotate(q, site, ToLocal)
		if err != nil {
			return nil, err
		}
		out := gf.NewBlockFunction(q.Mesh(), s.SolverBlocks)
		for _, sb := range out.Blocks() {
			for i := 0; i < sb.Dim; i++ {
				for j := 0; j < sb.Dim; j++ {
					src1 := s.SolverToLattice[Coord{Block: sb.Label, Orb: i}]
					src2 := s.SolverToLattice[Coord{Block: sb.Label, Orb: j}]
					if src1.Block != src2.Block {
						continue
					}
					lb := local.Block(src1.Block)
					if lb == nil {
						return nil, fmt.Errorf("blockstruct: site %d input misses lattice block %s", site, src1.Block)
					}
					for k := range sb.Data {
						sb.Data[k].Set(i, j, lb.Data[k].At(src1.Orb, src2.Orb))
					}
				}
			}
		}
		return out, nil

	case from == SpaceSolver && to == SpaceLattice:
		local := gf.NewBlockFunction(q.Mesh(), s.LatticeBlocks)
		for _, sb := range q.Blocks() {
			for i := 0; i < sb.Dim; i++ {
				for j := 0; j < sb.Dim; j++ {
					dst1 := s.SolverToLattice[Coord{Block: sb.Label, Orb: i}]
					dst2 := s.SolverToLattice[Coord{Block: sb.Label, Orb: j}]
					if dst1.Block != dst2.Block {
						continue
					}
					lb := local.Block(dst1.Block)
					if lb == nil {
						return nil, fmt.Errorf("blockstruct: site %d structure misses lattice block %s", site, dst1.Block)
					}
					for k := range sb.Data {
						lb.Data[k].Set(dst1.Orb, dst2.Orb, sb.Data[k].At(i, j))
					}
				}
			}
		}
		return st.Rotate(local, site, FromLocal)
	}
	return nil, fmt.Errorf("blockstruct: unsupported conversion %s -> %s", from, to)
}

// ConvertMatrix is the frequency-independent counterpart of Convert, used
// for density matrices and double-counting potentials.
func (st *Structure) ConvertMatrix(q gf.MatrixSet, from, to Space, site int) (gf.MatrixSet, error) {
	if from == to {
		return q.Copy(), nil
	}
	s := st.Sites[site]
	switch {
	case from == SpaceLattice && to == SpaceSolver:
		local := make(gf.MatrixSet, len(q))
		for label, m := range q {
			if s.Rotation != nil {
				local[label] = rotateMatrix(m, s.Rotation, ToLocal)
			} else {
				local[label] = linalg.Copy(m)
			}
		}
		out := make(gf.MatrixSet, len(s.SolverBlocks))
		for _, sb := range s.SolverBlocks {
			dst := mat.NewCDense(sb.Dim, sb.Dim, nil)
			for i := 0; i < sb.Dim; i++ {
				for j := 0; j < sb.Dim; j++ {
					src1 := s.SolverToLattice[Coord{Block: sb.Label, Orb: i}]
					src2 := s.SolverToLattice[Coord{Block: sb.Label, Orb: j}]
					if src1.Block != src2.Block {
						continue
					}
					lm, ok := local[src1.Block]
					if !ok {
						return nil, fmt.Errorf("blockstruct: site %d input misses lattice block %s", site, src1.Block)
					}
					dst.Set(i, j, lm.At(src1.Orb, src2.Orb))
				}
			}
			out[sb.Label] = dst
		}
		return out, nil

	case from == SpaceSolver && to == SpaceLattice:
		local := make(gf.MatrixSet, len(s.LatticeBlocks))
		for _, lb := range s.LatticeBlocks {
			local[lb.Label] = mat.NewCDense(lb.Dim, lb.Dim, nil)
		}
		for _, sb := range s.SolverBlocks {
			sm, ok := q[sb.Label]
			if !ok {
				continue
			}
			for i := 0; i < sb.Dim; i++ {
				for j := 0; j < sb.Dim; j++ {
					dst1 := s.SolverToLattice[Coord{Block: sb.Label, Orb: i}]
					dst2 := s.SolverToLattice[Coord{Block: sb.Label, Orb: j}]
					if dst1.Block != dst2.Block {
						continue
					}
					local[dst1.Block].Set(dst1.Orb, dst2.Orb, sm.At(i, j))
				}
			}
		}
		if s.Rotation != nil {
			for label, m := range local {
				local[label] = rotateMatrix(m, s.Rotation, FromLocal)
			}
		}
		return local, nil
	}
	return nil, fmt.Errorf("blockstruct: unsupported conversion %s -> %s", from, to)
}

// SymmetrizeDeg averages the blocks of each degeneracy group in place. All
// blocks in a group must share one dimension.
func (st *Structure) SymmetrizeDeg(q *gf.BlockFunction, site int) error {
	s := st.Sites[site]
	for _, group := range s.Degeneracies {
		if len(group) < 2 {
			continue
		}
		first := q.Block(group[0])
		if first == nil {
			return fmt.Errorf("blockstruct: symmetrize on site %d: missing block %s", site, group[0])
		}
		dim := first.Dim
		nFreq := len(first.Data)
		for k := 0; k < nFreq; k++ {
			avg := linalg.Zeros(dim)
			for _, label := range group {
				b := q.Block(label)
				if b == nil || b.Dim != dim {
					return fmt.Errorf("blockstruct: symmetrize on site %d: block %s incompatible with group", site, label)
				}
				avg = linalg.Add(avg, b.Data[k])
			}
			avg = linalg.Scale(complex(1/float64(len(group)), 0), avg)
			for _, label := range group {
				q.Block(label).Data[k] = linalg.Copy(avg)
			}
		}
	}
	return nil
}
