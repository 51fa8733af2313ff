package gf

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/dysonloop/dysonloop/pkg/linalg"
	"github.com/dysonloop/dysonloop/pkg/mesh"
)

// Density evaluates the equal-time density matrix per block.
//
// On a Matsubara mesh the slowly decaying 1/(i w_n) tail is summed
// analytically:
//
//	rho = 1/2 * I + 1/beta * sum_n [ G(i w_n) - I/(i w_n) ]
//
// On a real-frequency mesh the occupied part of the spectral function is
// integrated with the trapezoid rule up to omega = 0.
func (f *BlockFunction) Density() MatrixSet {
	out := make(MatrixSet, len(f.blocks))
	switch f.mesh.Kind() {
	case mesh.KindMatsubara:
		beta := f.mesh.Beta()
		for _, b := range f.blocks {
			rho := linalg.Zeros(b.Dim)
			for k, g := range b.Data {
				w := f.mesh.Point(k)
				corr := linalg.Scale(1/w, linalg.Eye(b.Dim))
				rho = linalg.Add(rho, linalg.Sub(g, corr))
			}
			rho = linalg.Scale(complex(1/beta, 0), rho)
			rho = linalg.Add(rho, linalg.Scale(0.5, linalg.Eye(b.Dim)))
			out[b.Label] = linalg.HermitianPart(rho)
		}
	case mesh.KindRealFreq:
		for _, b := range f.blocks {
			rho := linalg.Zeros(b.Dim)
			for k := 0; k+1 < len(b.Data); k++ {
				w0 := real(f.mesh.Point(k))
				w1 := real(f.mesh.Point(k + 1))
				if w0 >= 0 {
					break
				}
				hi := w1
				if hi > 0 {
					hi = 0
				}
				// spectral function A = -Im G / pi, trapezoid step
				a0 := spectral(b.Data[k])
				a1 := spectral(b.Data[k+1])
				step := linalg.Scale(complex(0.5*(hi-w0), 0), linalg.Add(a0, a1))
				rho = linalg.Add(rho, step)
			}
			out[b.Label] = linalg.HermitianPart(rho)
		}
	}
	return out
}

// TotalDensity returns the trace of the density matrix summed over blocks.
func (f *BlockFunction) TotalDensity() float64 {
	var total float64
	for _, rho := range f.Density() {
		total += real(linalg.Trace(rho))
	}
	return total
}

func spectral(g *mat.CDense) *mat.CDense {
	r, c := g.Dims()
	out := mat.NewCDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out.Set(i, j, complex(-imag(g.At(i, j))/math.Pi, 0))
		}
	}
	return out
}

// MatrixSet is a frequency-independent matrix per block: density matrices,
// double-counting potentials, effective atomic levels.
type MatrixSet map[BlockLabel]*mat.CDense

// Copy returns a deep copy.
func (s MatrixSet) Copy() MatrixSet {
	out := make(MatrixSet, len(s))
	for label, m := range s {
		out[label] = linalg.Copy(m)
	}
	return out
}

// Sub returns s - other per block. Blocks missing from other are copied.
func (s MatrixSet) Sub(other MatrixSet) MatrixSet {
	out := make(MatrixSet, len(s))
	for label, m := range s {
		if o, ok := other[label]; ok {
			out[label] = linalg.Sub(m, o)
		} else {
			out[label] = linalg.Copy(m)
		}
	}
	return out
}

// Scale returns f * s per block.
func (s MatrixSet) Scale(f float64) MatrixSet {
	out := make(MatrixSet, len(s))
	for label, m := range s {
		out[label] = linalg.Scale(complex(f, 0), m)
	}
	return out
}

// Trace returns the real trace summed over all blocks.
func (s MatrixSet) Trace() float64 {
	var total float64
	for _, m := range s {
		total += real(linalg.Trace(m))
	}
	return total
}

// AllClose reports whether every block of s is within atol of other,
// elementwise, and both sets carry the same block labels.
func (s MatrixSet) AllClose(other MatrixSet, atol float64) bool {
	if len(s) != len(other) {
		return false
	}
	for label, m := range s {
		o, ok := other[label]
		if !ok {
			return false
		}
		r1, c1 := m.Dims()
		r2, c2 := o.Dims()
		if r1 != r2 || c1 != c2 {
			return false
		}
		if linalg.FrobeniusDistance(m, o) > atol*math.Sqrt(float64(r1*c1)) {
			return false
		}
	}
	return true
}
