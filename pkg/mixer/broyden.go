package mixer

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/dysonloop/dysonloop/pkg/gf"
)

// Broyden accelerates the fixed-point update with a bounded history of
// (input delta, residual delta) pairs. The first call has no history
// and falls back to a linear step.
type Broyden struct {
	Alpha      float64
	MaxHistory int

	prevX []float64
	prevF []float64
	dx    [][]float64
	df    [][]float64
}

func (b *Broyden) Mix(prev, next *gf.BlockFunction) (*gf.BlockFunction, error) {
	if !prev.SameShape(next) {
		return nil, fmt.Errorf("mixing operands have different block shapes")
	}
	x := flatten(prev)
	f := make([]float64, len(x))
	for i, v := range flatten(next) {
		f[i] = v - x[i]
	}

	if b.prevX != nil {
		if len(b.prevX) != len(x) {
			return nil, fmt.Errorf("mixing history length %d does not match operand length %d", len(b.prevX), len(x))
		}
		dx := sub(x, b.prevX)
		df := sub(f, b.prevF)
		b.dx = append(b.dx, dx)
		b.df = append(b.df, df)
		for len(b.dx) > b.MaxHistory {
			b.dx = b.dx[1:]
			b.df = b.df[1:]
		}
	}
	b.prevX = x
	b.prevF = f

	step := b.andersonStep(x, f)
	out := prev.Copy()
	unflattenInto(out, step)
	return out, nil
}

// andersonStep solves the normal equations (dF^T dF) gamma = dF^T f and
// returns x + alpha*f - sum_i gamma_i (dx_i + alpha*df_i). An empty or
// singular history degrades to the plain linear step.
func (b *Broyden) andersonStep(x, f []float64) []float64 {
	out := make([]float64, len(x))
	for i := range out {
		out[i] = x[i] + b.Alpha*f[i]
	}
	m := len(b.dx)
	if m == 0 {
		return out
	}

	normal := mat.NewDense(m, m, nil)
	rhs := mat.NewVecDense(m, nil)
	for i := 0; i < m; i++ {
		for j := 0; j < m; j++ {
			normal.Set(i, j, dot(b.df[i], b.df[j]))
		}
		rhs.SetVec(i, dot(b.df[i], f))
	}

	var lu mat.LU
	lu.Factorize(normal)
	gamma := mat.NewVecDense(m, nil)
	if err := lu.SolveVecTo(gamma, false, rhs); err != nil {
		return out
	}
	for i := 0; i < m; i++ {
		g := gamma.AtVec(i)
		for k := range out {
			out[k] -= g * (b.dx[i][k] + b.Alpha*b.df[i][k])
		}
	}
	return out
}

func (b *Broyden) Payload() Payload {
	p := Payload{
		Method:     MethodBroyden,
		Alpha:      b.Alpha,
		MaxHistory: b.MaxHistory,
		PrevX:      append([]float64(nil), b.prevX...),
		PrevF:      append([]float64(nil), b.prevF...),
	}
	for i := range b.dx {
		p.DX = append(p.DX, append([]float64(nil), b.dx[i]...))
		p.DF = append(p.DF, append([]float64(nil), b.df[i]...))
	}
	return p
}

func (b *Broyden) Restore(p Payload) error {
	if p.Method != MethodBroyden {
		return fmt.Errorf("payload method %q, mixer is broyden", p.Method)
	}
	if len(p.DX) != len(p.DF) {
		return fmt.Errorf("mixing history payload has %d input deltas but %d residual deltas", len(p.DX), len(p.DF))
	}
	if p.Alpha > 0 {
		b.Alpha = p.Alpha
	}
	if p.MaxHistory > 0 {
		b.MaxHistory = p.MaxHistory
	}
	b.prevX = append([]float64(nil), p.PrevX...)
	b.prevF = append([]float64(nil), p.PrevF...)
	if len(b.prevX) == 0 {
		b.prevX = nil
		b.prevF = nil
	}
	b.dx = nil
	b.df = nil
	for i := range p.DX {
		b.dx = append(b.dx, append([]float64(nil), p.DX[i]...))
		b.df = append(b.df, append([]float64(nil), p.DF[i]...))
	}
	for len(b.dx) > b.MaxHistory {
		b.dx = b.dx[1:]
		b.df = b.df[1:]
	}
	return nil
}

// Payload is the serializable mixer state stored alongside each
// checkpointed iteration.
type Payload struct {
	Method     Method      `json:"method"`
	Alpha      float64     `json:"alpha"`
	MaxHistory int         `json:"max_history,omitempty"`
	PrevX      []float64   `json:"prev_x,omitempty"`
	PrevF      []float64   `json:"prev_f,omitempty"`
	DX         [][]float64 `json:"dx,omitempty"`
	DF         [][]float64 `json:"df,omitempty"`
}

// flatten walks the block function in its deterministic block and
// frequency order and interleaves real and imaginary parts.
func flatten(f *gf.BlockFunction) []float64 {
	n := 0
	for _, blk := range f.Blocks() {
		n += len(blk.Data) * blk.Dim * blk.Dim * 2
	}
	out := make([]float64, 0, n)
	for _, blk := range f.Blocks() {
		for _, m := range blk.Data {
			for i := 0; i < blk.Dim; i++ {
				for j := 0; j < blk.Dim; j++ {
					v := m.At(i, j)
					out = append(out, real(v), imag(v))
				}
			}
		}
	}
	return out
}

func unflattenInto(f *gf.BlockFunction, vals []float64) {
	k := 0
	for _, blk := range f.Blocks() {
		for _, m := range blk.Data {
			for i := 0; i < blk.Dim; i++ {
				for j := 0; j < blk.Dim; j++ {
					m.Set(i, j, complex(vals[k], vals[k+1]))
					k += 2
				}
			}
		}
	}
}

func sub(a, b []float64) []float64 {
	out := make([]float64, len(a))
	for i := range a {
		out[i] = a[i] - b[i]
	}
	return out
}

func dot(a, b []float64) float64 {
	s := 0.0
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}
