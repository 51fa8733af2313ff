package engine

import (
	"fmt"

	"github.com/dysonloop/dysonloop/pkg/gf"
	"github.com/dysonloop/dysonloop/pkg/linalg"
)

// SpinFlip returns a copy of f with every block moved to its spin-flipped
// label. Spinless blocks stay in place. Used by the antiferromagnetic
// shortcut, which copies the partner site's quantities instead of solving.
func SpinFlip(f *gf.BlockFunction) (*gf.BlockFunction, error) {
	shape := f.Shape()
	flipped := make([]gf.BlockDim, len(shape))
	for i, bd := range shape {
		flipped[i] = gf.BlockDim{Label: bd.Label.Flipped(), Dim: bd.Dim}
	}
	out := gf.NewBlockFunction(f.Mesh(), flipped)
	for _, b := range f.Blocks() {
		ob := out.Block(b.Label.Flipped())
		if ob == nil || ob.Dim != b.Dim {
			return nil, fmt.Errorf("spin flip: block %s has no matching target", b.Label)
		}
		for k := range b.Data {
			ob.Data[k] = linalg.Copy(b.Data[k])
		}
	}
	return out, nil
}

// SpinFlipSet returns a copy of a matrix set keyed by flipped labels.
func SpinFlipSet(s gf.MatrixSet) gf.MatrixSet {
	out := gf.MatrixSet{}
	for lbl, m := range s {
		out[lbl.Flipped()] = linalg.Copy(m)
	}
	return out
}

// afmPartners validates the partner map against the site count. An entry
// of -1 means the site is solved explicitly. Partner sites must themselves
// be solved explicitly; chains of copies are not allowed.
func afmPartners(partner []int, nSites int) ([]int, error) {
	out := make([]int, nSites)
	for i := range out {
		out[i] = -1
	}
	for i, p := range partner {
		if i >= nSites {
			return nil, fmt.Errorf("afm partner list has %d entries for %d sites", len(partner), nSites)
		}
		out[i] = p
	}
	for i, p := range out {
		if p < 0 {
			continue
		}
		if p >= nSites || p == i {
			return nil, fmt.Errorf("site %d: invalid afm partner %d", i, p)
		}
		if out[p] >= 0 {
			return nil, fmt.Errorf("site %d: partner %d is itself copied from site %d", i, p, out[p])
		}
	}
	return out, nil
}
