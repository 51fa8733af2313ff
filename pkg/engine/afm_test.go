package engine

import (
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/dysonloop/dysonloop/pkg/gf"
	"github.com/dysonloop/dysonloop/pkg/mesh"
)

func spinPolarizedFunction(t *testing.T) *gf.BlockFunction {
	t.Helper()
	msh, err := mesh.NewMatsubara(10, 4)
	if err != nil {
		t.Fatalf("NewMatsubara: %v", err)
	}
	f := gf.NewBlockFunction(msh, []gf.BlockDim{
		{Label: upLbl, Dim: 1},
		{Label: downLbl, Dim: 1},
	})
	for k := 0; k < msh.Len(); k++ {
		f.Block(upLbl).Data[k].Set(0, 0, complex(1, float64(k)))
		f.Block(downLbl).Data[k].Set(0, 0, complex(-2, float64(k)))
	}
	return f
}

func TestSpinFlipSwapsBlocks(t *testing.T) {
	f := spinPolarizedFunction(t)
	flipped, err := SpinFlip(f)
	if err != nil {
		t.Fatalf("SpinFlip: %v", err)
	}
	for k := 0; k < f.Mesh().Len(); k++ {
		if got, want := flipped.Block(upLbl).Data[k].At(0, 0), f.Block(downLbl).Data[k].At(0, 0); got != want {
			t.Fatalf("up[%d] = %v, want down value %v", k, got, want)
		}
		if got, want := flipped.Block(downLbl).Data[k].At(0, 0), f.Block(upLbl).Data[k].At(0, 0); got != want {
			t.Fatalf("down[%d] = %v, want up value %v", k, got, want)
		}
	}

	// A second flip restores the original.
	back, err := SpinFlip(flipped)
	if err != nil {
		t.Fatalf("SpinFlip: %v", err)
	}
	d, err := back.L2Delta(f)
	if err != nil {
		t.Fatalf("L2Delta: %v", err)
	}
	if d != 0 {
		t.Errorf("double flip changed the function by %g", d)
	}
}

func TestSpinFlipSet(t *testing.T) {
	s := gf.MatrixSet{
		upLbl:   mat.NewCDense(1, 1, []complex128{0.8}),
		downLbl: mat.NewCDense(1, 1, []complex128{0.2}),
	}
	flipped := SpinFlipSet(s)
	if got := flipped[upLbl].At(0, 0); got != 0.2 {
		t.Errorf("up = %v, want 0.2", got)
	}
	if got := flipped[downLbl].At(0, 0); got != 0.8 {
		t.Errorf("down = %v, want 0.8", got)
	}
}

func TestAFMPartners(t *testing.T) {
	tests := []struct {
		name    string
		list    []int
		nSites  int
		want    []int
		wantErr bool
	}{
		{name: "nil defaults to explicit sites", list: nil, nSites: 3, want: []int{-1, -1, -1}},
		{name: "valid pairing", list: []int{-1, 0}, nSites: 2, want: []int{-1, 0}},
		{name: "short list padded", list: []int{-1}, nSites: 2, want: []int{-1, -1}},
		{name: "too long", list: []int{-1, 0, 1}, nSites: 2, wantErr: true},
		{name: "out of range", list: []int{-1, 5}, nSites: 2, wantErr: true},
		{name: "self reference", list: []int{0, -1}, nSites: 2, wantErr: true},
		{name: "chained copy", list: []int{-1, 0, 1}, nSites: 3, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := afmPartners(tt.list, tt.nSites)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("afmPartners: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("got %v, want %v", got, tt.want)
				}
			}
		})
	}
}
