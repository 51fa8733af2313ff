package engine

import (
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/dysonloop/dysonloop/pkg/gf"
	"github.com/dysonloop/dysonloop/pkg/linalg"
)

// NoiseInjector perturbs a cold-start self-energy with hermitian Gaussian
// noise to break accidental degeneracies. Applied once, before the first
// iteration of a fresh run.
type NoiseInjector struct {
	level float64
	rng   *rand.Rand
}

// NewNoiseInjector builds an injector with the given amplitude. A fixed
// seed makes runs reproducible; tests rely on that.
func NewNoiseInjector(level float64, seed int64) *NoiseInjector {
	return &NoiseInjector{level: level, rng: rand.New(rand.NewSource(seed))}
}

// Apply adds 0.5*(N + N^H) noise to every matrix of f in place, where N
// has independent Gaussian real and imaginary parts of the configured
// amplitude. The hermitian part keeps the conjugate symmetry of the
// frequency convention intact. No-op when the level is zero.
func (n *NoiseInjector) Apply(f *gf.BlockFunction) {
	if n == nil || n.level == 0 {
		return
	}
	for _, b := range f.Blocks() {
		for k := range b.Data {
			raw := mat.NewCDense(b.Dim, b.Dim, nil)
			for i := 0; i < b.Dim; i++ {
				for j := 0; j < b.Dim; j++ {
					raw.Set(i, j, complex(n.rng.NormFloat64()*n.level, n.rng.NormFloat64()*n.level))
				}
			}
			b.Data[k] = linalg.Add(b.Data[k], linalg.HermitianPart(raw))
		}
	}
}
