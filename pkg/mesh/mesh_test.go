package mesh

import (
	"math"
	"testing"
)

func TestNewMatsubara_PointLayout(t *testing.T) {
	m, err := NewMatsubara(10.0, 3)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if m.Len() != 6 {
		t.Fatalf("Expected 6 points, got %d", m.Len())
	}

	// First positive frequency is i*pi/beta at index nIW.
	w0 := m.Point(3)
	if real(w0) != 0 {
		t.Errorf("Expected zero real part, got %g", real(w0))
	}
	want := math.Pi / 10.0
	if math.Abs(imag(w0)-want) > 1e-15 {
		t.Errorf("Expected first positive frequency %g, got %g", want, imag(w0))
	}

	// Grid is symmetric: w[-n-1] = -w[n].
	for n := 0; n < 3; n++ {
		if imag(m.Point(3+n)) != -imag(m.Point(2-n)) {
			t.Errorf("Grid not symmetric at n=%d", n)
		}
	}
}

func TestNewMatsubara_Invalid(t *testing.T) {
	if _, err := NewMatsubara(-1, 10); err == nil {
		t.Error("Expected error for negative beta")
	}
	if _, err := NewMatsubara(10, 0); err == nil {
		t.Error("Expected error for zero n_iw")
	}
}

func TestNewRealFreq_Broadening(t *testing.T) {
	m, err := NewRealFreq(-5, 5, 11, 0.05)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if m.Len() != 11 {
		t.Fatalf("Expected 11 points, got %d", m.Len())
	}
	if real(m.Point(0)) != -5 || real(m.Point(10)) != 5 {
		t.Errorf("Window endpoints wrong: %v ... %v", m.Point(0), m.Point(10))
	}
	for i := 0; i < m.Len(); i++ {
		if imag(m.Point(i)) != 0.05 {
			t.Errorf("Expected broadening 0.05 at point %d, got %g", i, imag(m.Point(i)))
		}
	}
}

func TestMesh_Same(t *testing.T) {
	a, _ := NewMatsubara(40, 128)
	b, _ := NewMatsubara(40, 128)
	c, _ := NewMatsubara(40, 256)
	d, _ := NewRealFreq(-4, 4, 256, 0.01)

	if !a.Same(b) {
		t.Error("Identical Matsubara meshes must compare equal")
	}
	if a.Same(c) {
		t.Error("Different n_iw must not compare equal")
	}
	if a.Same(d) {
		t.Error("Different kinds must not compare equal")
	}
}

func TestMesh_SpecRoundTrip(t *testing.T) {
	orig, _ := NewMatsubara(40, 64)
	back, err := FromSpec(orig.Spec())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !orig.Same(back) {
		t.Error("Spec round trip must reproduce the mesh")
	}

	orig2, _ := NewRealFreq(-2, 2, 33, 0.1)
	back2, err := FromSpec(orig2.Spec())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !orig2.Same(back2) {
		t.Error("Spec round trip must reproduce the real-frequency mesh")
	}
}
