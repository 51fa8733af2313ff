package lattice

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/dysonloop/dysonloop/pkg/gf"
	"github.com/dysonloop/dysonloop/pkg/linalg"
	"github.com/dysonloop/dysonloop/pkg/mesh"
)

const (
	fixedPointTol     = 1e-12
	fixedPointMaxIter = 2000
	bracketExpansions = 40
	bisectMaxIter     = 200
)

// SiteSpec describes one inequivalent site of the Bethe lattice.
type SiteSpec struct {
	// Shape lists the lattice blocks of the site.
	Shape []gf.BlockDim

	// Levels holds the static crystal-field matrix per block. Missing
	// blocks default to zero.
	Levels gf.MatrixSet

	// HalfBandwidth is D in the semicircular density of states. The
	// hopping entering the self-consistency is D/2.
	HalfBandwidth float64
}

// Bethe embeds self-energies on the infinite-coordination Bethe
// lattice. The local Green function solves the per-frequency matrix
// fixed point G = [(w+mu)I - E0 - (D/2)^2 G - Sigma]^-1.
type Bethe struct {
	msh   *mesh.Mesh
	sites []SiteSpec

	hField float64
	sigma  []*gf.BlockFunction

	levels     map[int]gf.MatrixSet
	levelsMu   float64
	levelsOK   bool
}

func NewBethe(msh *mesh.Mesh, sites []SiteSpec) (*Bethe, error) {
	if msh == nil {
		return nil, fmt.Errorf("bethe: nil mesh")
	}
	if len(sites) == 0 {
		return nil, fmt.Errorf("bethe: no sites")
	}
	for i, s := range sites {
		if len(s.Shape) == 0 {
			return nil, fmt.Errorf("bethe: site %d has no blocks", i)
		}
		if s.HalfBandwidth <= 0 {
			return nil, fmt.Errorf("bethe: site %d has half bandwidth %g", i, s.HalfBandwidth)
		}
		for _, bd := range s.Shape {
			if lvl, ok := s.Levels[bd.Label]; ok {
				r, c := lvl.Dims()
				if r != bd.Dim || c != bd.Dim {
					return nil, fmt.Errorf("bethe: site %d block %s: level matrix is %dx%d, block dim %d",
						i, bd.Label, r, c, bd.Dim)
				}
			}
		}
	}
	return &Bethe{msh: msh, sites: sites, levels: make(map[int]gf.MatrixSet)}, nil
}

func (b *Bethe) Sites() int { return len(b.sites) }

func (b *Bethe) PutSigma(sigma []*gf.BlockFunction, dc []gf.MatrixSet) error {
	if len(sigma) != len(b.sites) {
		return fmt.Errorf("bethe: got %d self-energies for %d sites", len(sigma), len(b.sites))
	}
	if dc != nil && len(dc) != len(b.sites) {
		return fmt.Errorf("bethe: got %d double-counting sets for %d sites", len(dc), len(b.sites))
	}
	installed := make([]*gf.BlockFunction, len(sigma))
	for i, s := range sigma {
		if s == nil {
			return fmt.Errorf("bethe: site %d: nil self-energy", i)
		}
		if !s.Mesh().Same(b.msh) {
			return fmt.Errorf("bethe: site %d: self-energy mesh differs from lattice mesh", i)
		}
		cp := s.Copy()
		if dc != nil && dc[i] != nil {
			if err := b.RemoveDoubleCounting(cp, dc[i]); err != nil {
				return fmt.Errorf("bethe: site %d: %w", i, err)
			}
		}
		installed[i] = cp
	}
	b.sigma = installed
	return nil
}

// AddDoubleCounting adds a static per-block potential to a lattice-space
// function at every frequency.
func (b *Bethe) AddDoubleCounting(f *gf.BlockFunction, pot gf.MatrixSet) error {
	for lbl, m := range pot {
		if err := f.AddMatrix(lbl, m); err != nil {
			return fmt.Errorf("bethe: double counting: %w", err)
		}
	}
	return nil
}

// RemoveDoubleCounting subtracts a static per-block potential from a
// lattice-space function at every frequency.
func (b *Bethe) RemoveDoubleCounting(f *gf.BlockFunction, pot gf.MatrixSet) error {
	for lbl, m := range pot {
		if err := f.AddMatrix(lbl, negated(m)); err != nil {
			return fmt.Errorf("bethe: double counting: %w", err)
		}
	}
	return nil
}

func (b *Bethe) ExtractLocalGF(mu float64) ([]*gf.BlockFunction, error) {
	return b.localGF(mu, true)
}

func (b *Bethe) TotalDensity(mu float64) (float64, error) {
	gs, err := b.localGF(mu, true)
	if err != nil {
		return 0, err
	}
	total := 0.0
	for _, g := range gs {
		total += g.TotalDensity()
	}
	return total, nil
}

// SolveChemicalPotential brackets the target density around the guess
// and bisects. Density is monotone in mu, so a sign change inside the
// expanded bracket pins the solution.
func (b *Bethe) SolveChemicalPotential(target, guess, prec float64) (float64, error) {
	if prec <= 0 {
		return guess, fmt.Errorf("bethe: chemical potential precision %g", prec)
	}
	f := func(mu float64) (float64, error) {
		n, err := b.TotalDensity(mu)
		if err != nil {
			return 0, err
		}
		return n - target, nil
	}

	f0, err := f(guess)
	if err != nil {
		return guess, &NumericalDivergenceWarning{Mu: guess, Reason: err.Error()}
	}
	if math.Abs(f0) < prec {
		return guess, nil
	}

	lo, hi := guess-1, guess+1
	flo, err := f(lo)
	if err != nil {
		return guess, &NumericalDivergenceWarning{Mu: guess, Reason: err.Error()}
	}
	fhi, err := f(hi)
	if err != nil {
		return guess, &NumericalDivergenceWarning{Mu: guess, Reason: err.Error()}
	}
	for i := 0; flo*fhi > 0; i++ {
		if i >= bracketExpansions {
			return guess, &NumericalDivergenceWarning{Mu: guess, Reason: "no density bracket found"}
		}
		width := hi - lo
		if flo > 0 {
			lo -= width
			if flo, err = f(lo); err != nil {
				return guess, &NumericalDivergenceWarning{Mu: guess, Reason: err.Error()}
			}
		} else {
			hi += width
			if fhi, err = f(hi); err != nil {
				return guess, &NumericalDivergenceWarning{Mu: guess, Reason: err.Error()}
			}
		}
	}

	for i := 0; i < bisectMaxIter; i++ {
		mid := 0.5 * (lo + hi)
		fm, err := f(mid)
		if err != nil {
			return mid, &NumericalDivergenceWarning{Mu: mid, Reason: err.Error()}
		}
		if math.Abs(fm) < prec || hi-lo < prec {
			return mid, nil
		}
		if flo*fm <= 0 {
			hi = mid
		} else {
			lo, flo = mid, fm
		}
	}
	mid := 0.5 * (lo + hi)
	return mid, &NumericalDivergenceWarning{Mu: mid, Reason: "bisection iteration limit"}
}

func (b *Bethe) DensityCorrection(mu float64) (float64, error) {
	with, err := b.TotalDensity(mu)
	if err != nil {
		return 0, err
	}
	bare, err := b.bareDensity(mu)
	if err != nil {
		return 0, err
	}
	return with - bare, nil
}

func (b *Bethe) bareDensity(mu float64) (float64, error) {
	gs, err := b.localGF(mu, false)
	if err != nil {
		return 0, err
	}
	total := 0.0
	for _, g := range gs {
		total += g.TotalDensity()
	}
	return total, nil
}

// EffectiveLevels returns E0 + spin field - mu per block. The cache is
// dropped whenever the field changes or a different mu is requested.
func (b *Bethe) EffectiveLevels(site int, mu float64) (gf.MatrixSet, error) {
	if site < 0 || site >= len(b.sites) {
		return nil, fmt.Errorf("bethe: site %d out of range [0,%d)", site, len(b.sites))
	}
	if b.levelsOK && b.levelsMu == mu {
		if set, ok := b.levels[site]; ok {
			return set.Copy(), nil
		}
	}
	if !b.levelsOK || b.levelsMu != mu {
		b.levels = make(map[int]gf.MatrixSet)
		b.levelsMu = mu
		b.levelsOK = true
	}

	spec := b.sites[site]
	set := gf.MatrixSet{}
	for _, bd := range spec.Shape {
		m := mat.NewCDense(bd.Dim, bd.Dim, nil)
		if lvl, ok := spec.Levels[bd.Label]; ok {
			m.Copy(lvl)
		}
		shift := complex(b.fieldShift(bd.Label)-mu, 0)
		for o := 0; o < bd.Dim; o++ {
			m.Set(o, o, m.At(o, o)+shift)
		}
		set[bd.Label] = m
	}
	b.levels[site] = set.Copy()
	return set, nil
}

func (b *Bethe) SetField(h float64) {
	if h != b.hField {
		b.hField = h
		b.levelsOK = false
	}
}

func (b *Bethe) Field() float64 { return b.hField }

func (b *Bethe) fieldShift(lbl gf.BlockLabel) float64 {
	switch lbl.Spin {
	case gf.SpinUp:
		return -b.hField
	case gf.SpinDown:
		return b.hField
	}
	return 0
}

func (b *Bethe) localGF(mu float64, withSigma bool) ([]*gf.BlockFunction, error) {
	if withSigma && b.sigma == nil {
		return nil, fmt.Errorf("bethe: no self-energies installed")
	}
	out := make([]*gf.BlockFunction, len(b.sites))
	for si, spec := range b.sites {
		g := gf.NewBlockFunction(b.msh, spec.Shape)
		t2 := spec.HalfBandwidth * spec.HalfBandwidth / 4
		for _, blk := range g.Blocks() {
			var sig *gf.Block
			if withSigma {
				sig = b.sigma[si].Block(blk.Label)
				if sig == nil {
					return nil, fmt.Errorf("bethe: site %d: self-energy has no block %s", si, blk.Label)
				}
			}
			lvl := spec.Levels[blk.Label]
			shift := b.fieldShift(blk.Label)
			for fi := range blk.Data {
				z := b.msh.Point(fi) + complex(mu-shift, 0)
				var sm *mat.CDense
				if sig != nil {
					sm = sig.Data[fi]
				}
				gm, err := betheFixedPoint(z, lvl, sm, t2, blk.Dim)
				if err != nil {
					return nil, fmt.Errorf("bethe: site %d block %s frequency %d: %w", si, blk.Label, fi, err)
				}
				blk.Data[fi].Copy(gm)
			}
		}
		out[si] = g
	}
	return out, nil
}

// betheFixedPoint iterates G = [zI - E0 - t^2 G - Sigma]^-1 to the
// fixed point. The iteration contracts for frequencies off the real
// axis; the broadened real-frequency grid keeps it off the axis too.
func betheFixedPoint(z complex128, lvl, sigma *mat.CDense, t2 float64, dim int) (*mat.CDense, error) {
	g := mat.NewCDense(dim, dim, nil)
	work := mat.NewCDense(dim, dim, nil)
	for iter := 0; iter < fixedPointMaxIter; iter++ {
		for i := 0; i < dim; i++ {
			for j := 0; j < dim; j++ {
				v := -complex(t2, 0) * g.At(i, j)
				if lvl != nil {
					v -= lvl.At(i, j)
				}
				if sigma != nil {
					v -= sigma.At(i, j)
				}
				if i == j {
					v += z
				}
				work.Set(i, j, v)
			}
		}
		next, err := linalg.Inverse(work)
		if err != nil {
			return nil, err
		}
		delta := 0.0
		for i := 0; i < dim; i++ {
			for j := 0; j < dim; j++ {
				re := real(next.At(i, j)) - real(g.At(i, j))
				im := imag(next.At(i, j)) - imag(g.At(i, j))
				if d := math.Hypot(re, im); d > delta {
					delta = d
				}
			}
		}
		g = next
		if delta < fixedPointTol {
			return g, nil
		}
	}
	return nil, fmt.Errorf("hybridization fixed point did not converge")
}

func negated(m *mat.CDense) *mat.CDense {
	r, c := m.Dims()
	out := mat.NewCDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out.Set(i, j, -m.At(i, j))
		}
	}
	return out
}
