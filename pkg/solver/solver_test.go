package solver

import (
	"context"
	"math"
	"math/cmplx"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/dysonloop/dysonloop/pkg/gf"
	"github.com/dysonloop/dysonloop/pkg/mesh"
)

func TestParseKind(t *testing.T) {
	for _, s := range []string{"cthyb", "ctseg", "hartree", "ftps"} {
		if _, err := ParseKind(s); err != nil {
			t.Errorf("ParseKind(%q): %v", s, err)
		}
	}
	if _, err := ParseKind("exact-diag"); err == nil {
		t.Error("ParseKind accepted an unknown backend")
	}
}

func TestKindCapabilities(t *testing.T) {
	tests := []struct {
		kind    Kind
		ownsDC  bool
		hyb     bool
		chi     bool
		realAxis bool
	}{
		{KindCTHyb, false, true, true, false},
		{KindCTSeg, false, true, true, false},
		{KindHartree, true, false, false, false},
		{KindFTPS, false, true, false, true},
	}
	for _, tc := range tests {
		if got := tc.kind.OwnsDoubleCounting(); got != tc.ownsDC {
			t.Errorf("%s.OwnsDoubleCounting() = %v, want %v", tc.kind, got, tc.ownsDC)
		}
		if got := tc.kind.NeedsHybridization(); got != tc.hyb {
			t.Errorf("%s.NeedsHybridization() = %v, want %v", tc.kind, got, tc.hyb)
		}
		if got := tc.kind.SupportsChiMeasurement(); got != tc.chi {
			t.Errorf("%s.SupportsChiMeasurement() = %v, want %v", tc.kind, got, tc.chi)
		}
		if got := tc.kind.RealFrequency(); got != tc.realAxis {
			t.Errorf("%s.RealFrequency() = %v, want %v", tc.kind, got, tc.realAxis)
		}
	}
}

// weissField builds G0(iw) = 1/(iw - e0) with up/down blocks of one
// orbital each.
func weissField(t *testing.T, beta float64, nIW int, e0 float64) *gf.BlockFunction {
	t.Helper()
	msh, err := mesh.NewMatsubara(beta, nIW)
	if err != nil {
		t.Fatalf("NewMatsubara: %v", err)
	}
	g0 := gf.NewBlockFunction(msh, []gf.BlockDim{
		{Label: gf.BlockLabel{Spin: gf.SpinUp, Index: 0}, Dim: 1},
		{Label: gf.BlockLabel{Spin: gf.SpinDown, Index: 0}, Dim: 1},
	})
	for _, blk := range g0.Blocks() {
		for fi, m := range blk.Data {
			m.Set(0, 0, 1/(msh.Point(fi)-complex(e0, 0)))
		}
	}
	return g0
}

func TestHybridizationSingleBath(t *testing.T) {
	// G0 built from one bath level: Delta(iw) = V^2/(iw - eb).
	const (
		beta = 10.0
		nIW  = 64
		e0   = -0.3
		eb   = 0.7
		v    = 0.5
	)
	msh, err := mesh.NewMatsubara(beta, nIW)
	if err != nil {
		t.Fatalf("NewMatsubara: %v", err)
	}
	lbl := gf.BlockLabel{Spin: gf.SpinUp, Index: 0}
	g0 := gf.NewBlockFunction(msh, []gf.BlockDim{{Label: lbl, Dim: 1}})
	for fi, m := range g0.Blocks()[0].Data {
		w := msh.Point(fi)
		delta := complex(v*v, 0) / (w - complex(eb, 0))
		m.Set(0, 0, 1/(w-complex(e0, 0)-delta))
	}
	eal := gf.MatrixSet{lbl: mat.NewCDense(1, 1, []complex128{complex(e0, 0)})}

	hyb, err := Hybridization(g0, eal)
	if err != nil {
		t.Fatalf("Hybridization: %v", err)
	}
	for fi, m := range hyb.Blocks()[0].Data {
		w := msh.Point(fi)
		want := complex(v*v, 0) / (w - complex(eb, 0))
		if d := cmplx.Abs(m.At(0, 0) - want); d > 1e-10 {
			t.Fatalf("Delta at frequency %d off by %v", fi, d)
		}
	}
}

func TestHybridizationMissingLevels(t *testing.T) {
	g0 := weissField(t, 10, 16, -0.3)
	if _, err := Hybridization(g0, gf.MatrixSet{}); err == nil {
		t.Fatal("Hybridization accepted missing level matrices")
	}
}

func TestMeanFieldNonInteracting(t *testing.T) {
	g0 := weissField(t, 10, 256, -0.4)
	res, err := NewMeanField().Solve(context.Background(), Input{G0: g0, U: 0})
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	for _, blk := range res.Sigma.Blocks() {
		for fi, m := range blk.Data {
			if v := m.At(0, 0); v != 0 {
				t.Fatalf("sigma[%s][%d] = %v, want 0 at U=0", blk.Label, fi, v)
			}
		}
	}
	d, err := res.GImp.L2Delta(g0)
	if err != nil {
		t.Fatalf("L2Delta: %v", err)
	}
	if d > 1e-12 {
		t.Errorf("GImp deviates from G0 by %v at U=0", d)
	}
}

func TestMeanFieldParamagneticShift(t *testing.T) {
	const (
		beta = 10.0
		nIW  = 512
		e0   = -0.5
		u    = 1.5
	)
	g0 := weissField(t, beta, nIW, e0)
	res, err := NewMeanField().Solve(context.Background(), Input{G0: g0, U: u})
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}

	up := gf.BlockLabel{Spin: gf.SpinUp, Index: 0}
	down := gf.BlockLabel{Spin: gf.SpinDown, Index: 0}
	sUp := res.Sigma.Block(up).Data[0].At(0, 0)
	sDown := res.Sigma.Block(down).Data[0].At(0, 0)
	if sUp != sDown {
		t.Errorf("paramagnetic self-energies differ: %v vs %v", sUp, sDown)
	}
	if imag(sUp) != 0 {
		t.Errorf("static self-energy has imaginary part %v", imag(sUp))
	}
	// Static: every frequency carries the same value.
	last := res.Sigma.Block(up).Data[len(res.Sigma.Block(up).Data)-1].At(0, 0)
	if sUp != last {
		t.Errorf("self-energy varies with frequency: %v vs %v", sUp, last)
	}

	// Self-consistency: shift equals U times the opposite occupation.
	nDown := real(res.Density[down].At(0, 0))
	if math.Abs(real(sUp)-u*nDown) > 5e-3 {
		t.Errorf("shift %v, want U*n = %v", real(sUp), u*nDown)
	}

	// Owner double counting comes back filled.
	if res.DCPotential == nil {
		t.Fatal("mean-field result carries no double-counting potential")
	}
	if res.DCEnergy == 0 {
		t.Error("double-counting energy is zero for a filled impurity")
	}
}

type stubBackend struct {
	kind   Kind
	solved int
	lastIn Input
}

func (s *stubBackend) Kind() Kind { return s.kind }

func (s *stubBackend) Solve(_ context.Context, in Input) (Result, error) {
	s.solved++
	s.lastIn = in
	sigma := in.G0.Copy()
	sigma.Zero()
	return Result{Sigma: sigma, GImp: in.G0.Copy(), Density: in.G0.Density()}, nil
}

func TestAdapterIsolatesState(t *testing.T) {
	backend := &stubBackend{kind: KindCTHyb}
	a := NewAdapter(0, backend)

	g0 := weissField(t, 10, 16, -0.3)
	a.SetG0(g0)
	// Mutating the caller's copy must not reach the adapter.
	g0.Blocks()[0].Data[0].Set(0, 0, 99)
	if v := a.G0().Blocks()[0].Data[0].At(0, 0); v == 99 {
		t.Fatal("SetG0 shares memory with the caller")
	}

	if err := a.Solve(context.Background(), 1.0, 0.2, gf.MatrixSet{}, false); err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if backend.solved != 1 {
		t.Fatalf("backend solved %d times, want 1", backend.solved)
	}
	// Mutating an exported copy must not reach the adapter either.
	got := a.Sigma()
	got.Blocks()[0].Data[0].Set(0, 0, 42)
	if v := a.Sigma().Blocks()[0].Data[0].At(0, 0); v == 42 {
		t.Fatal("Sigma() shares memory with the caller")
	}
}

func TestAdapterRejectsChiOnUnsupportedBackend(t *testing.T) {
	a := NewAdapter(0, NewMeanField())
	a.SetG0(weissField(t, 10, 16, -0.3))
	if err := a.Solve(context.Background(), 1.0, 0, gf.MatrixSet{}, true); err == nil {
		t.Fatal("Solve accepted chi measurement on the hartree backend")
	}
}

func TestAdapterRequiresWeissField(t *testing.T) {
	a := NewAdapter(0, &stubBackend{kind: KindCTHyb})
	if err := a.Solve(context.Background(), 1.0, 0, gf.MatrixSet{}, false); err == nil {
		t.Fatal("Solve accepted a missing Weiss field")
	}
}
