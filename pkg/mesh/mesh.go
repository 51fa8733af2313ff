package mesh

import (
	"fmt"
	"math"
)

// Kind identifies the frequency convention of a mesh.
type Kind string

const (
	// KindMatsubara is a fermionic imaginary-frequency grid.
	KindMatsubara Kind = "matsubara"

	// KindRealFreq is a linear real-frequency window with broadening.
	KindRealFreq Kind = "realfreq"
)

// Mesh is an immutable frequency grid. All Green's functions, self-energies
// and Weiss fields of one run share a single Mesh instance.
type Mesh struct {
	kind   Kind
	points []complex128

	// Matsubara parameters
	beta float64
	nIW  int

	// real-frequency parameters
	wMin, wMax float64
	nW         int
	eta        float64
}

// NewMatsubara creates a fermionic Matsubara mesh with 2*nIW points,
// i*(2n+1)*pi/beta for n in [-nIW, nIW).
func NewMatsubara(beta float64, nIW int) (*Mesh, error) {
	if beta <= 0 {
		return nil, fmt.Errorf("mesh: beta must be positive, got %g", beta)
	}
	if nIW <= 0 {
		return nil, fmt.Errorf("mesh: n_iw must be positive, got %d", nIW)
	}

	points := make([]complex128, 0, 2*nIW)
	for n := -nIW; n < nIW; n++ {
		points = append(points, complex(0, float64(2*n+1)*math.Pi/beta))
	}

	return &Mesh{
		kind:   KindMatsubara,
		points: points,
		beta:   beta,
		nIW:    nIW,
	}, nil
}

// NewRealFreq creates a linear real-frequency mesh on [wMin, wMax] with nW
// points and Lorentzian broadening eta.
func NewRealFreq(wMin, wMax float64, nW int, eta float64) (*Mesh, error) {
	if wMax <= wMin {
		return nil, fmt.Errorf("mesh: invalid window [%g, %g]", wMin, wMax)
	}
	if nW < 2 {
		return nil, fmt.Errorf("mesh: n_w must be at least 2, got %d", nW)
	}
	if eta < 0 {
		return nil, fmt.Errorf("mesh: broadening must be non-negative, got %g", eta)
	}

	points := make([]complex128, nW)
	step := (wMax - wMin) / float64(nW-1)
	for i := range points {
		points[i] = complex(wMin+float64(i)*step, eta)
	}

	return &Mesh{
		kind:   KindRealFreq,
		points: points,
		wMin:   wMin,
		wMax:   wMax,
		nW:     nW,
		eta:    eta,
	}, nil
}

// Kind returns the frequency convention of the mesh.
func (m *Mesh) Kind() Kind { return m.kind }

// Len returns the number of frequency points.
func (m *Mesh) Len() int { return len(m.points) }

// Point returns the i-th frequency. For Matsubara meshes the real part is
// zero; for real-frequency meshes the imaginary part is the broadening.
func (m *Mesh) Point(i int) complex128 { return m.points[i] }

// Points returns a copy of all frequency points.
func (m *Mesh) Points() []complex128 {
	out := make([]complex128, len(m.points))
	copy(out, m.points)
	return out
}

// Beta returns the inverse temperature. Zero for real-frequency meshes.
func (m *Mesh) Beta() float64 { return m.beta }

// NIW returns the number of positive Matsubara frequencies.
func (m *Mesh) NIW() int { return m.nIW }

// Broadening returns the Lorentzian broadening eta. Zero for Matsubara.
func (m *Mesh) Broadening() float64 { return m.eta }

// Window returns the real-frequency window bounds.
func (m *Mesh) Window() (float64, float64) { return m.wMin, m.wMax }

// Same reports whether two meshes describe the identical grid.
func (m *Mesh) Same(other *Mesh) bool {
	if m == other {
		return true
	}
	if m == nil || other == nil {
		return false
	}
	if m.kind != other.kind || len(m.points) != len(other.points) {
		return false
	}
	switch m.kind {
	case KindMatsubara:
		return m.beta == other.beta && m.nIW == other.nIW
	case KindRealFreq:
		return m.wMin == other.wMin && m.wMax == other.wMax &&
			m.nW == other.nW && m.eta == other.eta
	}
	return false
}

// Spec is the serializable description of a mesh, used by the checkpoint
// store to reproduce the grid on restart.
type Spec struct {
	Kind Kind    `json:"kind"`
	Beta float64 `json:"beta,omitempty"`
	NIW  int     `json:"n_iw,omitempty"`
	WMin float64 `json:"w_min,omitempty"`
	WMax float64 `json:"w_max,omitempty"`
	NW   int     `json:"n_w,omitempty"`
	Eta  float64 `json:"eta,omitempty"`
}

// Spec returns the serializable description of the mesh.
func (m *Mesh) Spec() Spec {
	return Spec{
		Kind: m.kind,
		Beta: m.beta,
		NIW:  m.nIW,
		WMin: m.wMin,
		WMax: m.wMax,
		NW:   m.nW,
		Eta:  m.eta,
	}
}

// FromSpec reconstructs a mesh from its serialized description.
func FromSpec(s Spec) (*Mesh, error) {
	switch s.Kind {
	case KindMatsubara:
		return NewMatsubara(s.Beta, s.NIW)
	case KindRealFreq:
		return NewRealFreq(s.WMin, s.WMax, s.NW, s.Eta)
	default:
		return nil, fmt.Errorf("mesh: unknown mesh kind %q", s.Kind)
	}
}
