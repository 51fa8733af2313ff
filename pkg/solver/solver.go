package solver

import (
	"context"
	"fmt"

	"github.com/dysonloop/dysonloop/pkg/gf"
	"github.com/dysonloop/dysonloop/pkg/linalg"
)

// Input is what one impurity solve consumes.
type Input struct {
	Site int

	// G0 is the Weiss field in the solver block structure.
	G0 *gf.BlockFunction

	// EffectiveLevels holds the static impurity level matrix per block,
	// needed by backends that work with the hybridization function.
	EffectiveLevels gf.MatrixSet

	U float64
	J float64

	// MeasureChi asks for susceptibility sampling where the backend
	// supports it; ChiChannel selects the measured operator ("szsz" or
	// "nn").
	MeasureChi bool
	ChiChannel string
}

// Result is what one impurity solve produces.
type Result struct {
	Sigma *gf.BlockFunction
	GImp  *gf.BlockFunction

	// Density is the impurity density matrix per block.
	Density gf.MatrixSet

	// DCPotential and DCEnergy are filled only by backends that own
	// their double counting.
	DCPotential gf.MatrixSet
	DCEnergy    float64

	// Chi holds sampled susceptibility data when it was requested and
	// the backend supports it. Opaque to the engine; persisted as-is.
	Chi []float64
}

// Impurity is the solver backend boundary.
type Impurity interface {
	Kind() Kind
	Solve(ctx context.Context, in Input) (Result, error)
}

// Adapter owns the per-site solver state across iterations. All
// accessors return deep copies; the engine never holds references into
// the adapter's internals.
type Adapter struct {
	site    int
	backend Impurity

	g0    *gf.BlockFunction
	gImp  *gf.BlockFunction
	sigma *gf.BlockFunction

	density     gf.MatrixSet
	dcPotential gf.MatrixSet
	dcEnergy    float64
	chi         []float64
	chiChannel  string
}

func NewAdapter(site int, backend Impurity) *Adapter {
	return &Adapter{site: site, backend: backend}
}

func (a *Adapter) Site() int  { return a.site }
func (a *Adapter) Kind() Kind { return a.backend.Kind() }

// SetG0 installs a fresh Weiss field, copied in.
func (a *Adapter) SetG0(g0 *gf.BlockFunction) {
	a.g0 = g0.Copy()
}

// SetSigma seeds the self-energy, copied in. Used for initialization
// and restarts.
func (a *Adapter) SetSigma(sigma *gf.BlockFunction) {
	a.sigma = sigma.Copy()
}

// SetChiChannel selects the operator sampled when susceptibility
// measurement is requested.
func (a *Adapter) SetChiChannel(channel string) {
	a.chiChannel = channel
}

// Solve runs the backend on the currently installed Weiss field and
// keeps the outcome.
func (a *Adapter) Solve(ctx context.Context, u, j float64, eal gf.MatrixSet, measureChi bool) error {
	if a.g0 == nil {
		return fmt.Errorf("solver adapter: site %d: no Weiss field installed", a.site)
	}
	if measureChi && !a.Kind().SupportsChiMeasurement() {
		return fmt.Errorf("solver adapter: site %d: backend %q cannot measure susceptibilities", a.site, a.Kind())
	}
	res, err := a.backend.Solve(ctx, Input{
		Site:            a.site,
		G0:              a.g0.Copy(),
		EffectiveLevels: eal.Copy(),
		U:               u,
		J:               j,
		MeasureChi:      measureChi,
		ChiChannel:      a.chiChannel,
	})
	if err != nil {
		return fmt.Errorf("solver adapter: site %d: %w", a.site, err)
	}
	if res.Sigma == nil || res.GImp == nil {
		return fmt.Errorf("solver adapter: site %d: backend returned incomplete result", a.site)
	}
	a.sigma = res.Sigma
	a.gImp = res.GImp
	a.density = res.Density
	a.dcPotential = res.DCPotential
	a.dcEnergy = res.DCEnergy
	a.chi = res.Chi
	return nil
}

func (a *Adapter) G0() *gf.BlockFunction {
	if a.g0 == nil {
		return nil
	}
	return a.g0.Copy()
}

func (a *Adapter) GImp() *gf.BlockFunction {
	if a.gImp == nil {
		return nil
	}
	return a.gImp.Copy()
}

func (a *Adapter) Sigma() *gf.BlockFunction {
	if a.sigma == nil {
		return nil
	}
	return a.sigma.Copy()
}

func (a *Adapter) Density() gf.MatrixSet {
	if a.density == nil {
		return nil
	}
	return a.density.Copy()
}

func (a *Adapter) DCPotential() gf.MatrixSet {
	if a.dcPotential == nil {
		return nil
	}
	return a.dcPotential.Copy()
}

func (a *Adapter) DCEnergy() float64 { return a.dcEnergy }

func (a *Adapter) Chi() []float64 {
	return append([]float64(nil), a.chi...)
}

// Hybridization computes Delta(iw) = iw - eal - G0(iw)^-1 per block
// from the installed Weiss field and the effective level matrix.
func (a *Adapter) Hybridization(eal gf.MatrixSet) (*gf.BlockFunction, error) {
	if a.g0 == nil {
		return nil, fmt.Errorf("solver adapter: site %d: no Weiss field installed", a.site)
	}
	return Hybridization(a.g0, eal)
}

// Hybridization derives the hybridization function from a Weiss field
// and static level matrices.
func Hybridization(g0 *gf.BlockFunction, eal gf.MatrixSet) (*gf.BlockFunction, error) {
	out := g0.Copy()
	msh := out.Mesh()
	for _, blk := range out.Blocks() {
		lvl, ok := eal[blk.Label]
		if !ok {
			return nil, fmt.Errorf("hybridization: no level matrix for block %s", blk.Label)
		}
		for fi, m := range blk.Data {
			inv, err := linalg.Inverse(m)
			if err != nil {
				return nil, fmt.Errorf("hybridization: block %s frequency %d: %w", blk.Label, fi, err)
			}
			w := msh.Point(fi)
			for i := 0; i < blk.Dim; i++ {
				for j := 0; j < blk.Dim; j++ {
					v := -lvl.At(i, j) - inv.At(i, j)
					if i == j {
						v += w
					}
					m.Set(i, j, v)
				}
			}
		}
	}
	return out, nil
}
