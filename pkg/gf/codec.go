package gf

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/dysonloop/dysonloop/pkg/mesh"
)

// MatrixPayload is the JSON-safe form of a complex matrix.
type MatrixPayload struct {
	Rows int       `json:"rows"`
	Cols int       `json:"cols"`
	Re   []float64 `json:"re"`
	Im   []float64 `json:"im"`
}

// EncodeMatrix converts a complex matrix into its serializable form.
func EncodeMatrix(m *mat.CDense) MatrixPayload {
	r, c := m.Dims()
	p := MatrixPayload{Rows: r, Cols: c, Re: make([]float64, r*c), Im: make([]float64, r*c)}
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			v := m.At(i, j)
			p.Re[i*c+j] = real(v)
			p.Im[i*c+j] = imag(v)
		}
	}
	return p
}

// DecodeMatrix reconstructs a complex matrix from its serialized form.
func DecodeMatrix(p MatrixPayload) (*mat.CDense, error) {
	if len(p.Re) != p.Rows*p.Cols || len(p.Im) != p.Rows*p.Cols {
		return nil, fmt.Errorf("gf: malformed matrix payload %dx%d with %d/%d entries",
			p.Rows, p.Cols, len(p.Re), len(p.Im))
	}
	m := mat.NewCDense(p.Rows, p.Cols, nil)
	for i := 0; i < p.Rows; i++ {
		for j := 0; j < p.Cols; j++ {
			m.Set(i, j, complex(p.Re[i*p.Cols+j], p.Im[i*p.Cols+j]))
		}
	}
	return m, nil
}

// BlockPayload is the serializable form of one block.
type BlockPayload struct {
	Label BlockLabel      `json:"label"`
	Dim   int             `json:"dim"`
	Data  []MatrixPayload `json:"data"`
}

// FunctionPayload is the serializable form of a BlockFunction.
type FunctionPayload struct {
	Mesh   mesh.Spec      `json:"mesh"`
	Blocks []BlockPayload `json:"blocks"`
}

// Payload converts the function into its serializable form.
func (f *BlockFunction) Payload() FunctionPayload {
	p := FunctionPayload{Mesh: f.mesh.Spec()}
	for _, b := range f.blocks {
		bp := BlockPayload{Label: b.Label, Dim: b.Dim, Data: make([]MatrixPayload, len(b.Data))}
		for k, m := range b.Data {
			bp.Data[k] = EncodeMatrix(m)
		}
		p.Blocks = append(p.Blocks, bp)
	}
	return p
}

// FromPayload reconstructs a BlockFunction from its serialized form.
func FromPayload(p FunctionPayload) (*BlockFunction, error) {
	m, err := mesh.FromSpec(p.Mesh)
	if err != nil {
		return nil, err
	}
	shape := make([]BlockDim, len(p.Blocks))
	for i, bp := range p.Blocks {
		shape[i] = BlockDim{Label: bp.Label, Dim: bp.Dim}
	}
	f := NewBlockFunction(m, shape)
	for _, bp := range p.Blocks {
		b := f.Block(bp.Label)
		if len(bp.Data) != m.Len() {
			return nil, fmt.Errorf("gf: block %s has %d matrices for mesh of %d points",
				bp.Label, len(bp.Data), m.Len())
		}
		for k, mp := range bp.Data {
			dm, err := DecodeMatrix(mp)
			if err != nil {
				return nil, err
			}
			if r, c := dm.Dims(); r != bp.Dim || c != bp.Dim {
				return nil, fmt.Errorf("gf: block %s matrix %d is %dx%d, want %d", bp.Label, k, r, c, bp.Dim)
			}
			b.Data[k] = dm
		}
	}
	return f, nil
}

// SetEntry pairs a label with one serialized matrix inside a MatrixSetPayload.
type SetEntry struct {
	Label  BlockLabel    `json:"label"`
	Matrix MatrixPayload `json:"matrix"`
}

// MatrixSetPayload is the serializable form of a MatrixSet.
type MatrixSetPayload []SetEntry

// Payload converts the set into its serializable form, ordered by label
// string for determinism.
func (s MatrixSet) Payload() MatrixSetPayload {
	labels := make([]BlockLabel, 0, len(s))
	for label := range s {
		labels = append(labels, label)
	}
	// insertion sort on the string form; sets are tiny
	for i := 1; i < len(labels); i++ {
		for j := i; j > 0 && labels[j].String() < labels[j-1].String(); j-- {
			labels[j], labels[j-1] = labels[j-1], labels[j]
		}
	}
	out := make(MatrixSetPayload, 0, len(labels))
	for _, label := range labels {
		out = append(out, SetEntry{Label: label, Matrix: EncodeMatrix(s[label])})
	}
	return out
}

// SetFromPayload reconstructs a MatrixSet.
func SetFromPayload(p MatrixSetPayload) (MatrixSet, error) {
	out := make(MatrixSet, len(p))
	for _, e := range p {
		m, err := DecodeMatrix(e.Matrix)
		if err != nil {
			return nil, err
		}
		out[e.Label] = m
	}
	return out, nil
}
