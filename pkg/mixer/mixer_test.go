package mixer

import (
	"math"
	"testing"

	"github.com/dysonloop/dysonloop/pkg/gf"
	"github.com/dysonloop/dysonloop/pkg/mesh"
)

func scalarFn(t *testing.T, v complex128) *gf.BlockFunction {
	t.Helper()
	msh, err := mesh.NewMatsubara(10.0, 2)
	if err != nil {
		t.Fatalf("NewMatsubara: %v", err)
	}
	f := gf.NewBlockFunction(msh, []gf.BlockDim{
		{Label: gf.BlockLabel{Spin: gf.SpinUp, Index: 0}, Dim: 1},
	})
	for _, blk := range f.Blocks() {
		for _, m := range blk.Data {
			m.Set(0, 0, v)
		}
	}
	return f
}

func scalarOf(t *testing.T, f *gf.BlockFunction) complex128 {
	t.Helper()
	return f.Blocks()[0].Data[0].At(0, 0)
}

func TestLinearMix(t *testing.T) {
	prev := scalarFn(t, 1)
	next := scalarFn(t, 3)
	l := &Linear{Alpha: 0.25}

	out, err := l.Mix(prev, next)
	if err != nil {
		t.Fatalf("Mix: %v", err)
	}
	if got := scalarOf(t, out); got != 1.5 {
		t.Errorf("mixed value = %v, want 1.5", got)
	}
	// Operands are untouched.
	if scalarOf(t, prev) != 1 || scalarOf(t, next) != 3 {
		t.Error("Mix modified its operands")
	}
}

func TestLinearMixFullWeightPassesThrough(t *testing.T) {
	prev := scalarFn(t, 1)
	next := scalarFn(t, 3+2i)
	l := &Linear{Alpha: 1}

	out, err := l.Mix(prev, next)
	if err != nil {
		t.Fatalf("Mix: %v", err)
	}
	if got := scalarOf(t, out); got != 3+2i {
		t.Errorf("mixed value = %v, want next unchanged", got)
	}
}

func TestMixRejectsShapeMismatch(t *testing.T) {
	msh, err := mesh.NewMatsubara(10.0, 2)
	if err != nil {
		t.Fatalf("NewMatsubara: %v", err)
	}
	wide := gf.NewBlockFunction(msh, []gf.BlockDim{
		{Label: gf.BlockLabel{Spin: gf.SpinUp, Index: 0}, Dim: 2},
	})
	l := &Linear{Alpha: 0.5}
	if _, err := l.Mix(scalarFn(t, 1), wide); err == nil {
		t.Fatal("Mix accepted mismatched shapes")
	}
}

// iterate drives the damped fixed-point map next = 0.5*x + 1 through a
// mixer and returns the final value. The exact fixed point is 2.
func iterate(t *testing.T, m Mixer, steps int) complex128 {
	t.Helper()
	x := complex128(0)
	for i := 0; i < steps; i++ {
		prev := scalarFn(t, x)
		next := scalarFn(t, 0.5*x+1)
		out, err := m.Mix(prev, next)
		if err != nil {
			t.Fatalf("Mix: %v", err)
		}
		x = scalarOf(t, out)
	}
	return x
}

func TestBroydenFirstStepIsLinear(t *testing.T) {
	b := &Broyden{Alpha: 0.3, MaxHistory: 4}
	prev := scalarFn(t, 1)
	next := scalarFn(t, 3)

	out, err := b.Mix(prev, next)
	if err != nil {
		t.Fatalf("Mix: %v", err)
	}
	// No history yet: out = prev + alpha*(next-prev).
	if got := scalarOf(t, out); math.Abs(real(got)-1.6) > 1e-12 {
		t.Errorf("first step = %v, want 1.6", got)
	}
}

func TestBroydenBeatsLinearOnLinearMap(t *testing.T) {
	const steps = 6
	lin := iterate(t, &Linear{Alpha: 0.3}, steps)
	bro := iterate(t, &Broyden{Alpha: 0.3, MaxHistory: 4}, steps)

	linErr := math.Abs(real(lin) - 2)
	broErr := math.Abs(real(bro) - 2)
	// One secant pair solves a linear map exactly, so Broyden lands on
	// the fixed point after the second step.
	if broErr > 1e-10 {
		t.Errorf("broyden error after %d steps = %v", steps, broErr)
	}
	if broErr >= linErr {
		t.Errorf("broyden error %v not below linear error %v", broErr, linErr)
	}
}

func TestBroydenHistoryBounded(t *testing.T) {
	b := &Broyden{Alpha: 0.3, MaxHistory: 2}
	iterate(t, b, 8)
	if len(b.dx) > 2 || len(b.df) > 2 {
		t.Errorf("history grew to %d pairs, cap is 2", len(b.dx))
	}
}

func TestBroydenPayloadRoundTrip(t *testing.T) {
	b := &Broyden{Alpha: 0.3, MaxHistory: 4}
	iterate(t, b, 3)

	restored := &Broyden{Alpha: 0.3, MaxHistory: 4}
	if err := restored.Restore(b.Payload()); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	// Both mixers continue identically from the shared history.
	x := complex128(1.7)
	prev := scalarFn(t, x)
	next := scalarFn(t, 0.5*x+1)
	a1, err := b.Mix(prev.Copy(), next.Copy())
	if err != nil {
		t.Fatalf("Mix: %v", err)
	}
	a2, err := restored.Mix(prev, next)
	if err != nil {
		t.Fatalf("Mix: %v", err)
	}
	if scalarOf(t, a1) != scalarOf(t, a2) {
		t.Errorf("restored mixer diverged: %v vs %v", scalarOf(t, a1), scalarOf(t, a2))
	}
}

func TestRestoreRejectsWrongMethod(t *testing.T) {
	b := &Broyden{Alpha: 0.3, MaxHistory: 4}
	if err := b.Restore(Payload{Method: MethodLinear}); err == nil {
		t.Fatal("Restore accepted a linear payload")
	}
}

func TestNewValidates(t *testing.T) {
	if _, err := New(MethodLinear, 0, 0); err == nil {
		t.Error("New accepted zero alpha")
	}
	if _, err := New(MethodBroyden, 0.5, 0); err == nil {
		t.Error("New accepted zero history")
	}
	if _, err := New(Method("bogus"), 0.5, 2); err == nil {
		t.Error("New accepted unknown method")
	}
	m, err := New(MethodBroyden, 0.5, 3)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := m.(*Broyden); !ok {
		t.Errorf("New returned %T, want *Broyden", m)
	}
}
