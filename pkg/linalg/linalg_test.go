package linalg

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestInverse_RoundTrip(t *testing.T) {
	a := mat.NewCDense(3, 3, []complex128{
		2 + 1i, 0.3, 0,
		0.3, 1.5 - 0.2i, 0.1i,
		0, -0.1i, 3,
	})

	inv, err := Inverse(a)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	prod := Mul(a, inv)
	if d := FrobeniusDistance(prod, Eye(3)); d > 1e-12 {
		t.Errorf("Expected A*A^-1 = I, distance %g", d)
	}
}

func TestInverse_Singular(t *testing.T) {
	a := mat.NewCDense(2, 2, []complex128{1, 2, 2, 4})
	if _, err := Inverse(a); err == nil {
		t.Error("Expected error for singular matrix")
	}
}

func TestHermitianPart(t *testing.T) {
	a := mat.NewCDense(2, 2, []complex128{
		1 + 1i, 2 + 3i,
		4 - 1i, 5,
	})
	h := HermitianPart(a)

	// Result must be hermitian.
	if d := FrobeniusDistance(h, ConjTranspose(h)); d > 1e-15 {
		t.Errorf("Hermitian part not hermitian, distance %g", d)
	}
	// Diagonal becomes real.
	if imag(h.At(0, 0)) != 0 {
		t.Errorf("Expected real diagonal, got %v", h.At(0, 0))
	}
	// Off-diagonal is the average of a[0][1] and conj(a[1][0]).
	want := 0.5 * ((2 + 3i) + (4 + 1i))
	if h.At(0, 1) != want {
		t.Errorf("Expected %v, got %v", want, h.At(0, 1))
	}
}

func TestIsUnitary(t *testing.T) {
	c, s := math.Cos(0.7), math.Sin(0.7)
	rot := mat.NewCDense(2, 2, []complex128{
		complex(c, 0), complex(-s, 0),
		complex(s, 0), complex(c, 0),
	})
	if !IsUnitary(rot, 1e-12) {
		t.Error("Rotation matrix must be unitary")
	}

	bad := mat.NewCDense(2, 2, []complex128{1, 1, 0, 1})
	if IsUnitary(bad, 1e-12) {
		t.Error("Shear matrix must not be unitary")
	}
}

func TestEigSymReal_Diagonalizes(t *testing.T) {
	a := mat.NewCDense(2, 2, []complex128{
		2, 1,
		1, 2,
	})
	vals, vecs, err := EigSymReal(a)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(vals) != 2 {
		t.Fatalf("Expected 2 eigenvalues, got %d", len(vals))
	}
	if math.Abs(vals[0]-1) > 1e-12 || math.Abs(vals[1]-3) > 1e-12 {
		t.Errorf("Expected eigenvalues [1 3], got %v", vals)
	}

	// V^H A V must be diagonal with the eigenvalues.
	d := Mul(ConjTranspose(vecs), Mul(a, vecs))
	if math.Abs(real(d.At(0, 0))-1) > 1e-12 || math.Abs(real(d.At(1, 1))-3) > 1e-12 {
		t.Errorf("Eigenvectors do not diagonalize: %v %v", d.At(0, 0), d.At(1, 1))
	}
	if MaxAbsOffDiag(d) > 1e-12 {
		t.Errorf("Expected diagonal result, max off-diag %g", MaxAbsOffDiag(d))
	}
}

func TestTraceAndNorms(t *testing.T) {
	a := mat.NewCDense(2, 2, []complex128{1, 2, 3, 4i})
	if tr := Trace(a); tr != 1+4i {
		t.Errorf("Expected trace 1+4i, got %v", tr)
	}
	if n := FrobeniusNorm(Zeros(3)); n != 0 {
		t.Errorf("Expected zero norm, got %g", n)
	}
	if MaxAbsOffDiag(a) != 3 {
		t.Errorf("Expected max off-diag 3, got %g", MaxAbsOffDiag(a))
	}
}
