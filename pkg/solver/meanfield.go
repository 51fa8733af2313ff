package solver

import (
	"context"
	"fmt"
	"math"

	"github.com/dysonloop/dysonloop/pkg/doublecounting"
	"github.com/dysonloop/dysonloop/pkg/gf"
	"github.com/dysonloop/dysonloop/pkg/linalg"
)

// MeanField is the static Hartree solver. The self-energy is a
// frequency-independent Hartree shift determined self-consistently from
// the impurity occupation. It owns its double counting, reported in FLL
// form from the converged occupation.
type MeanField struct {
	// MaxIter bounds the internal occupation loop.
	MaxIter int
	// Tol is the occupation change below which the loop stops.
	Tol float64
}

func NewMeanField() *MeanField {
	return &MeanField{MaxIter: 200, Tol: 1e-10}
}

func (s *MeanField) Kind() Kind { return KindHartree }

func (s *MeanField) Solve(ctx context.Context, in Input) (Result, error) {
	if in.G0 == nil {
		return Result{}, fmt.Errorf("mean field: no Weiss field")
	}
	maxIter := s.MaxIter
	if maxIter <= 0 {
		maxIter = 200
	}
	tol := s.Tol
	if tol <= 0 {
		tol = 1e-10
	}

	occ := blockAverages(in.G0.Density())
	var g *gf.BlockFunction
	for iter := 0; iter < maxIter; iter++ {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		var err error
		g, err = dyson(in.G0, shifts(in, occ))
		if err != nil {
			return Result{}, fmt.Errorf("mean field: %w", err)
		}
		next := blockAverages(g.Density())
		if maxShift(occ, next) < tol {
			occ = next
			break
		}
		// Damped update keeps the occupation loop stable at large U,
		// where the bare map oscillates.
		for lbl, v := range next {
			occ[lbl] += 0.2 * (v - occ[lbl])
		}
	}

	sigma := in.G0.Copy()
	sigma.Zero()
	sh := shifts(in, occ)
	for _, blk := range sigma.Blocks() {
		v := complex(sh[blk.Label], 0)
		for _, m := range blk.Data {
			for o := 0; o < blk.Dim; o++ {
				m.Set(o, o, v)
			}
		}
	}
	g, err := dyson(in.G0, sh)
	if err != nil {
		return Result{}, fmt.Errorf("mean field: %w", err)
	}
	density := g.Density()

	dc, err := doublecounting.NewCalculator([]doublecounting.Params{{
		Formula: doublecounting.FormulaFLL,
		U:       in.U,
		J:       in.J,
	}}).Compute(0, density, false, nil)
	if err != nil {
		return Result{}, fmt.Errorf("mean field: double counting: %w", err)
	}

	return Result{
		Sigma:       sigma,
		GImp:        g,
		Density:     density,
		DCPotential: dc.Potential,
		DCEnergy:    dc.Energy,
	}, nil
}

// shifts computes the static Hartree shift per block from the average
// orbital occupation of the opposite spin channel. Blocks without a
// spin partner see half their own occupation as the opposite channel.
func shifts(in Input, occ map[gf.BlockLabel]float64) map[gf.BlockLabel]float64 {
	out := make(map[gf.BlockLabel]float64, len(occ))
	for lbl, n := range occ {
		opp, ok := occ[lbl.Flipped()]
		if !ok {
			opp = 0.5 * n
		}
		out[lbl] = in.U * opp
	}
	return out
}

// dyson applies a block-diagonal static shift: G = (G0^-1 - V)^-1.
func dyson(g0 *gf.BlockFunction, sh map[gf.BlockLabel]float64) (*gf.BlockFunction, error) {
	out := g0.Copy()
	for _, blk := range out.Blocks() {
		v := complex(sh[blk.Label], 0)
		for fi, m := range blk.Data {
			inv, err := linalg.Inverse(m)
			if err != nil {
				return nil, fmt.Errorf("block %s frequency %d: %w", blk.Label, fi, err)
			}
			for o := 0; o < blk.Dim; o++ {
				inv.Set(o, o, inv.At(o, o)-v)
			}
			g, err := linalg.Inverse(inv)
			if err != nil {
				return nil, fmt.Errorf("block %s frequency %d: %w", blk.Label, fi, err)
			}
			m.Copy(g)
		}
	}
	return out, nil
}

// blockAverages reduces a density matrix set to the mean orbital
// occupation per block.
func blockAverages(density gf.MatrixSet) map[gf.BlockLabel]float64 {
	out := make(map[gf.BlockLabel]float64, len(density))
	for lbl, m := range density {
		r, _ := m.Dims()
		sum := 0.0
		for i := 0; i < r; i++ {
			sum += real(m.At(i, i))
		}
		out[lbl] = sum / float64(r)
	}
	return out
}

func maxShift(a, b map[gf.BlockLabel]float64) float64 {
	worst := 0.0
	for lbl, v := range a {
		if d := math.Abs(v - b[lbl]); d > worst {
			worst = d
		}
	}
	return worst
}
