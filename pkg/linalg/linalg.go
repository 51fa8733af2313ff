package linalg

import (
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/mat"
)

// Zeros returns an n x n complex zero matrix.
func Zeros(n int) *mat.CDense {
	return mat.NewCDense(n, n, nil)
}

// Eye returns the n x n identity matrix.
func Eye(n int) *mat.CDense {
	m := mat.NewCDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}

// Copy returns a deep copy of a.
func Copy(a *mat.CDense) *mat.CDense {
	r, c := a.Dims()
	out := mat.NewCDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out.Set(i, j, a.At(i, j))
		}
	}
	return out
}

// Add returns a + b.
func Add(a, b *mat.CDense) *mat.CDense {
	r, c := a.Dims()
	out := mat.NewCDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out.Set(i, j, a.At(i, j)+b.At(i, j))
		}
	}
	return out
}

// Sub returns a - b.
func Sub(a, b *mat.CDense) *mat.CDense {
	r, c := a.Dims()
	out := mat.NewCDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out.Set(i, j, a.At(i, j)-b.At(i, j))
		}
	}
	return out
}

// Scale returns s * a.
func Scale(s complex128, a *mat.CDense) *mat.CDense {
	r, c := a.Dims()
	out := mat.NewCDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out.Set(i, j, s*a.At(i, j))
		}
	}
	return out
}

// Mul returns the matrix product a * b.
func Mul(a, b *mat.CDense) *mat.CDense {
	ar, ac := a.Dims()
	br, bc := b.Dims()
	if ac != br {
		panic(fmt.Sprintf("linalg: dimension mismatch %dx%d * %dx%d", ar, ac, br, bc))
	}
	out := mat.NewCDense(ar, bc, nil)
	for i := 0; i < ar; i++ {
		for j := 0; j < bc; j++ {
			var sum complex128
			for k := 0; k < ac; k++ {
				sum += a.At(i, k) * b.At(k, j)
			}
			out.Set(i, j, sum)
		}
	}
	return out
}

// ConjTranspose returns the conjugate transpose of a.
func ConjTranspose(a *mat.CDense) *mat.CDense {
	r, c := a.Dims()
	out := mat.NewCDense(c, r, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out.Set(j, i, cmplx.Conj(a.At(i, j)))
		}
	}
	return out
}

// HermitianPart returns 0.5 * (a + a^H).
func HermitianPart(a *mat.CDense) *mat.CDense {
	r, c := a.Dims()
	if r != c {
		panic("linalg: hermitian part of non-square matrix")
	}
	out := mat.NewCDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out.Set(i, j, 0.5*(a.At(i, j)+cmplx.Conj(a.At(j, i))))
		}
	}
	return out
}

// Trace returns the trace of a square matrix.
func Trace(a *mat.CDense) complex128 {
	r, c := a.Dims()
	if r != c {
		panic("linalg: trace of non-square matrix")
	}
	var t complex128
	for i := 0; i < r; i++ {
		t += a.At(i, i)
	}
	return t
}

// FrobeniusDistance returns the Frobenius norm of a - b.
func FrobeniusDistance(a, b *mat.CDense) float64 {
	r, c := a.Dims()
	var sum float64
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			d := a.At(i, j) - b.At(i, j)
			sum += real(d)*real(d) + imag(d)*imag(d)
		}
	}
	return math.Sqrt(sum)
}

// FrobeniusNorm returns the Frobenius norm of a.
func FrobeniusNorm(a *mat.CDense) float64 {
	r, c := a.Dims()
	var sum float64
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			v := a.At(i, j)
			sum += real(v)*real(v) + imag(v)*imag(v)
		}
	}
	return math.Sqrt(sum)
}

// MaxAbsOffDiag returns the largest absolute off-diagonal entry.
func MaxAbsOffDiag(a *mat.CDense) float64 {
	r, c := a.Dims()
	var m float64
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if i == j {
				continue
			}
			if v := cmplx.Abs(a.At(i, j)); v > m {
				m = v
			}
		}
	}
	return m
}

// IsUnitary reports whether u^H * u is the identity within tol.
func IsUnitary(u *mat.CDense, tol float64) bool {
	r, c := u.Dims()
	if r != c {
		return false
	}
	prod := Mul(ConjTranspose(u), u)
	return FrobeniusDistance(prod, Eye(r)) <= tol
}

// Inverse computes the inverse of a square complex matrix by Gauss-Jordan
// elimination with partial pivoting. gonum's mat package has no complex
// inverse, so this is done by hand.
func Inverse(a *mat.CDense) (*mat.CDense, error) {
	n, c := a.Dims()
	if n != c {
		return nil, fmt.Errorf("linalg: inverse of non-square %dx%d matrix", n, c)
	}

	// Augmented working copies.
	work := Copy(a)
	inv := Eye(n)

	for col := 0; col < n; col++ {
		// Partial pivot: largest magnitude in the column.
		pivot := col
		pmax := cmplx.Abs(work.At(col, col))
		for r := col + 1; r < n; r++ {
			if v := cmplx.Abs(work.At(r, col)); v > pmax {
				pmax = v
				pivot = r
			}
		}
		if pmax == 0 {
			return nil, fmt.Errorf("linalg: singular matrix at column %d", col)
		}
		if pivot != col {
			swapRows(work, pivot, col)
			swapRows(inv, pivot, col)
		}

		p := work.At(col, col)
		for j := 0; j < n; j++ {
			work.Set(col, j, work.At(col, j)/p)
			inv.Set(col, j, inv.At(col, j)/p)
		}

		for r := 0; r < n; r++ {
			if r == col {
				continue
			}
			f := work.At(r, col)
			if f == 0 {
				continue
			}
			for j := 0; j < n; j++ {
				work.Set(r, j, work.At(r, j)-f*work.At(col, j))
				inv.Set(r, j, inv.At(r, j)-f*inv.At(col, j))
			}
		}
	}

	return inv, nil
}

// RealPart extracts the real part of a into a gonum Dense matrix.
func RealPart(a *mat.CDense) *mat.Dense {
	r, c := a.Dims()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out.Set(i, j, real(a.At(i, j)))
		}
	}
	return out
}

// FromReal lifts a real matrix into a complex one.
func FromReal(a *mat.Dense) *mat.CDense {
	r, c := a.Dims()
	out := mat.NewCDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out.Set(i, j, complex(a.At(i, j), 0))
		}
	}
	return out
}

// EigSymReal diagonalizes the real symmetric part of a hermitian matrix and
// returns the eigenvalues in ascending order together with the eigenvector
// matrix (columns are eigenvectors), lifted back to complex. Used for
// rotation-matrix generation and for positivity checks on density matrices.
func EigSymReal(a *mat.CDense) ([]float64, *mat.CDense, error) {
	n, c := a.Dims()
	if n != c {
		return nil, nil, fmt.Errorf("linalg: eigendecomposition of non-square %dx%d matrix", n, c)
	}

	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			// Symmetrize to guard against numerical drift.
			v := 0.5 * (real(a.At(i, j)) + real(a.At(j, i)))
			sym.SetSym(i, j, v)
		}
	}

	var eig mat.EigenSym
	if ok := eig.Factorize(sym, true); !ok {
		return nil, nil, fmt.Errorf("linalg: eigendecomposition failed")
	}

	vals := eig.Values(nil)
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	return vals, FromReal(&vecs), nil
}

func swapRows(m *mat.CDense, a, b int) {
	_, c := m.Dims()
	for j := 0; j < c; j++ {
		va, vb := m.At(a, j), m.At(b, j)
		m.Set(a, j, vb)
		m.Set(b, j, va)
	}
}
