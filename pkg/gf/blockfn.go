package gf

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/dysonloop/dysonloop/pkg/linalg"
	"github.com/dysonloop/dysonloop/pkg/mesh"
)

// Block is one symmetry block of a frequency function: a complex Dim x Dim
// matrix at every frequency point of the owning mesh.
type Block struct {
	Label BlockLabel
	Dim   int
	Data  []*mat.CDense
}

// BlockFunction is a matrix-valued function of frequency split into
// symmetry blocks. All blocks share one mesh.
type BlockFunction struct {
	mesh   *mesh.Mesh
	blocks []*Block
	index  map[BlockLabel]int
}

// BlockDim pairs a block label with its dimension, describing the shape of
// a BlockFunction without its data.
type BlockDim struct {
	Label BlockLabel `json:"label"`
	Dim   int        `json:"dim"`
}

// NewBlockFunction allocates a zero function with the given block shapes.
func NewBlockFunction(m *mesh.Mesh, shape []BlockDim) *BlockFunction {
	f := &BlockFunction{
		mesh:  m,
		index: make(map[BlockLabel]int, len(shape)),
	}
	for _, bd := range shape {
		data := make([]*mat.CDense, m.Len())
		for i := range data {
			data[i] = linalg.Zeros(bd.Dim)
		}
		f.index[bd.Label] = len(f.blocks)
		f.blocks = append(f.blocks, &Block{Label: bd.Label, Dim: bd.Dim, Data: data})
	}
	return f
}

// Mesh returns the mesh the function lives on.
func (f *BlockFunction) Mesh() *mesh.Mesh { return f.mesh }

// Blocks returns the blocks in declaration order. The returned slice and
// its contents are owned by the function; use Copy to export.
func (f *BlockFunction) Blocks() []*Block { return f.blocks }

// Shape returns the block labels and dimensions in order.
func (f *BlockFunction) Shape() []BlockDim {
	out := make([]BlockDim, len(f.blocks))
	for i, b := range f.blocks {
		out[i] = BlockDim{Label: b.Label, Dim: b.Dim}
	}
	return out
}

// Block returns the block with the given label, or nil.
func (f *BlockFunction) Block(label BlockLabel) *Block {
	i, ok := f.index[label]
	if !ok {
		return nil
	}
	return f.blocks[i]
}

// HasBlock reports whether a block with the given label exists.
func (f *BlockFunction) HasBlock(label BlockLabel) bool {
	_, ok := f.index[label]
	return ok
}

// Copy returns a deep copy. Quantities cross component boundaries only as
// copies, never as aliases.
func (f *BlockFunction) Copy() *BlockFunction {
	out := &BlockFunction{
		mesh:   f.mesh,
		blocks: make([]*Block, len(f.blocks)),
		index:  make(map[BlockLabel]int, len(f.index)),
	}
	for i, b := range f.blocks {
		data := make([]*mat.CDense, len(b.Data))
		for k, m := range b.Data {
			data[k] = linalg.Copy(m)
		}
		out.blocks[i] = &Block{Label: b.Label, Dim: b.Dim, Data: data}
		out.index[b.Label] = i
	}
	return out
}

// SameShape reports whether two functions share mesh and block layout.
func (f *BlockFunction) SameShape(other *BlockFunction) bool {
	if !f.mesh.Same(other.mesh) || len(f.blocks) != len(other.blocks) {
		return false
	}
	for i, b := range f.blocks {
		ob := other.blocks[i]
		if b.Label != ob.Label || b.Dim != ob.Dim {
			return false
		}
	}
	return true
}

// Zero resets every matrix to zero in place.
func (f *BlockFunction) Zero() {
	for _, b := range f.blocks {
		for k := range b.Data {
			b.Data[k] = linalg.Zeros(b.Dim)
		}
	}
}

// Add accumulates other into f in place.
func (f *BlockFunction) Add(other *BlockFunction) error {
	if !f.SameShape(other) {
		return fmt.Errorf("gf: add of mismatched block functions")
	}
	for i, b := range f.blocks {
		for k := range b.Data {
			b.Data[k] = linalg.Add(b.Data[k], other.blocks[i].Data[k])
		}
	}
	return nil
}

// Sub subtracts other from f in place.
func (f *BlockFunction) Sub(other *BlockFunction) error {
	if !f.SameShape(other) {
		return fmt.Errorf("gf: sub of mismatched block functions")
	}
	for i, b := range f.blocks {
		for k := range b.Data {
			b.Data[k] = linalg.Sub(b.Data[k], other.blocks[i].Data[k])
		}
	}
	return nil
}

// Scale multiplies every matrix by s in place.
func (f *BlockFunction) Scale(s complex128) {
	for _, b := range f.blocks {
		for k := range b.Data {
			b.Data[k] = linalg.Scale(s, b.Data[k])
		}
	}
}

// AddMatrix adds a frequency-independent matrix to one block at every
// frequency, e.g. a static double-counting potential.
func (f *BlockFunction) AddMatrix(label BlockLabel, m *mat.CDense) error {
	b := f.Block(label)
	if b == nil {
		return fmt.Errorf("gf: no block %s", label)
	}
	r, c := m.Dims()
	if r != b.Dim || c != b.Dim {
		return fmt.Errorf("gf: matrix %dx%d does not fit block %s of dim %d", r, c, label, b.Dim)
	}
	for k := range b.Data {
		b.Data[k] = linalg.Add(b.Data[k], m)
	}
	return nil
}

// AddScalarDiag adds s to the diagonal of one block at every frequency.
func (f *BlockFunction) AddScalarDiag(label BlockLabel, s complex128) error {
	b := f.Block(label)
	if b == nil {
		return fmt.Errorf("gf: no block %s", label)
	}
	for k := range b.Data {
		for d := 0; d < b.Dim; d++ {
			b.Data[k].Set(d, d, b.Data[k].At(d, d)+s)
		}
	}
	return nil
}

// Hermitianize enforces the conjugate symmetry G(iw_n)^H = G(-iw_n) in
// place, averaging each matrix with the adjoint of the matrix at the
// mirror frequency. On the symmetric Matsubara grid the point at index
// k mirrors the point at index Len-1-k. Real-frequency functions carry
// no mirror pairing; there each matrix keeps only its hermitian part.
func (f *BlockFunction) Hermitianize() {
	if f.mesh.Kind() != mesh.KindMatsubara {
		for _, b := range f.blocks {
			for k := range b.Data {
				b.Data[k] = linalg.HermitianPart(b.Data[k])
			}
		}
		return
	}
	n := f.mesh.Len()
	for _, b := range f.blocks {
		for k := 0; k < n/2; k++ {
			j := n - 1 - k
			avg := linalg.Scale(0.5, linalg.Add(b.Data[k], linalg.ConjTranspose(b.Data[j])))
			b.Data[k] = avg
			b.Data[j] = linalg.ConjTranspose(avg)
		}
	}
}

// L2Delta returns the block-summed L2 distance to other, normalized by the
// number of frequency points.
func (f *BlockFunction) L2Delta(other *BlockFunction) (float64, error) {
	if !f.SameShape(other) {
		return 0, fmt.Errorf("gf: L2 delta of mismatched block functions")
	}
	var sum float64
	for i, b := range f.blocks {
		for k := range b.Data {
			d := linalg.FrobeniusDistance(b.Data[k], other.blocks[i].Data[k])
			sum += d * d
		}
	}
	n := float64(f.mesh.Len())
	if n == 0 {
		return 0, nil
	}
	return math.Sqrt(sum / n), nil
}
