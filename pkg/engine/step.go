package engine

import (
	"context"
	"errors"
	"math"

	"github.com/dysonloop/dysonloop/pkg/blockstruct"
	"github.com/dysonloop/dysonloop/pkg/checkpoint"
	"github.com/dysonloop/dysonloop/pkg/config"
	"github.com/dysonloop/dysonloop/pkg/convergence"
	"github.com/dysonloop/dysonloop/pkg/doublecounting"
	"github.com/dysonloop/dysonloop/pkg/gf"
	"github.com/dysonloop/dysonloop/pkg/lattice"
	"github.com/dysonloop/dysonloop/pkg/linalg"
	"github.com/dysonloop/dysonloop/pkg/mixer"
	"github.com/dysonloop/dysonloop/pkg/telemetry"
)

// step runs one full self-consistency iteration and commits it to the
// checkpoint store.
func (e *Engine) step(ctx context.Context) (err error) {
	n := e.iter
	ctx = telemetry.WithIterationContext(ctx, e.runID, n)
	newMu, density := e.mu, e.density
	defer func() {
		telemetry.EndIterationContext(ctx, e.runID, n, newMu, density, err)
	}()

	// The external field is a symmetry-breaking seed; drop it once it
	// has done its job.
	if e.fieldOn && e.cfg.General.HFieldIt > 0 && n > e.cfg.General.HFieldIt {
		e.lat.SetField(0)
		e.fieldOn = false
		e.log.WithIteration(n).Info("external field removed")
	}

	gLoc, err := e.lat.ExtractLocalGF(e.mu)
	if err != nil {
		return NewNumericalError("local Green function extraction failed", err).WithIteration(n)
	}

	nSites := e.cfg.NSites()
	newG0 := make([]*gf.BlockFunction, nSites)
	eals := make([]gf.MatrixSet, nSites)
	for i := 0; i < nSites; i++ {
		gSolv, err := e.structure.Convert(gLoc[i], blockstruct.SpaceLattice, blockstruct.SpaceSolver, i)
		if err != nil {
			return NewInconsistentStateError("local Green function does not fit the block structure", err).
				WithSite(i).WithIteration(n).WithCode(ErrCodeBlockMismatch)
		}

		g0, err := weissField(gSolv, e.sigma[i])
		if err != nil {
			return NewNumericalError("Dyson inversion failed", err).WithSite(i).WithIteration(n)
		}
		if e.mixReady && e.g0[i] != nil {
			if g0, err = e.weissMixers[i].Mix(e.g0[i], g0); err != nil {
				return NewNumericalError("Weiss field mixing failed", err).WithSite(i).WithIteration(n)
			}
		}
		if err := e.structure.SymmetrizeDeg(g0, i); err != nil {
			return NewInconsistentStateError("degeneracy symmetrization failed", err).
				WithSite(i).WithIteration(n).WithCode(ErrCodeBlockMismatch)
		}
		g0.Hermitianize()
		e.adapters[i].SetG0(g0)
		newG0[i] = g0

		eal, err := e.lat.EffectiveLevels(i, e.mu)
		if err != nil {
			return NewNumericalError("effective level computation failed", err).WithSite(i).WithIteration(n)
		}
		if eals[i], err = e.structure.ConvertMatrix(eal, blockstruct.SpaceLattice, blockstruct.SpaceSolver, i); err != nil {
			return NewInconsistentStateError("effective levels do not fit the block structure", err).
				WithSite(i).WithIteration(n).WithCode(ErrCodeBlockMismatch)
		}
	}

	// Parallel solve region. Sites with an AFM partner are skipped and
	// filled in from the partner after the barrier.
	var tasks []SolveTask
	for i := 0; i < nSites; i++ {
		if e.partners[i] >= 0 {
			continue
		}
		i := i
		tasks = append(tasks, SolveTask{
			Site: i,
			Solve: func(ctx context.Context) error {
				return telemetry.RecordSolverOperation(ctx, string(e.kinds[i]), i, func() error {
					return e.adapters[i].Solve(ctx, e.u[i], e.j[i], eals[i], e.measureChi[i])
				})
			},
		})
	}
	if err := e.coord.SolveAll(ctx, tasks); err != nil {
		return NewSolverFailureError("impurity solve failed", err).WithIteration(n).WithCode(ErrCodeSolverFailed)
	}

	newSigma := make([]*gf.BlockFunction, nSites)
	newGImp := make([]*gf.BlockFunction, nSites)
	densities := make([]gf.MatrixSet, nSites)
	for i := 0; i < nSites; i++ {
		if e.partners[i] >= 0 {
			continue
		}
		newSigma[i] = e.adapters[i].Sigma()
		newGImp[i] = e.adapters[i].GImp()
		densities[i] = e.adapters[i].Density()
	}
	for i := 0; i < nSites; i++ {
		p := e.partners[i]
		if p < 0 {
			continue
		}
		if newSigma[i], err = SpinFlip(newSigma[p]); err != nil {
			return NewInconsistentStateError("afm shortcut failed", err).WithSite(i).WithIteration(n)
		}
		if newGImp[i], err = SpinFlip(newGImp[p]); err != nil {
			return NewInconsistentStateError("afm shortcut failed", err).WithSite(i).WithIteration(n)
		}
		densities[i] = SpinFlipSet(densities[p])
	}

	// Post-solve mixing against the previous iterate.
	if e.mixReady {
		for i := 0; i < nSites; i++ {
			if newSigma[i], err = e.sigmaMixers[i].Mix(e.sigma[i], newSigma[i]); err != nil {
				return NewNumericalError("self-energy mixing failed", err).WithSite(i).WithIteration(n)
			}
		}
	}
	for i := 0; i < nSites; i++ {
		newSigma[i].Hermitianize()
	}

	// Double counting tracks the fresh impurity density when the cadence
	// asks for it; the once and never cadences keep the shift from setup.
	newOcc := make([]gf.MatrixSet, nSites)
	for i := 0; i < nSites; i++ {
		if newOcc[i], err = e.structure.ConvertMatrix(densities[i], blockstruct.SpaceSolver, blockstruct.SpaceLattice, i); err != nil {
			return NewInconsistentStateError("impurity density does not fit the block structure", err).
				WithSite(i).WithIteration(n).WithCode(ErrCodeBlockMismatch)
		}
		switch {
		case e.kinds[i].OwnsDoubleCounting() && e.partners[i] < 0:
			e.dc[i] = doublecounting.State{Potential: e.adapters[i].DCPotential(), Energy: e.adapters[i].DCEnergy()}
		case e.kinds[i].OwnsDoubleCounting():
			p := e.partners[i]
			e.dc[i] = doublecounting.State{Potential: SpinFlipSet(e.dc[p].Potential), Energy: e.dc[p].Energy}
		case e.dcCalc != nil && e.dcCadence == config.DCCadenceEvery:
			st, err := e.dcCalc.Compute(i, newOcc[i], e.structure.Site(i).SpinOrbit, e.kernel(i))
			if err != nil {
				return e.wrapDCError(i, err)
			}
			e.dc[i] = st
		case e.dcCalc != nil:
			if e.dc[i].Potential == nil {
				e.dc[i] = doublecounting.Zero(newOcc[i])
			}
		default:
			e.dc[i] = doublecounting.Zero(newOcc[i])
		}
	}

	// New self-energy into the lattice, then the chemical potential.
	oldSigma := e.sigma
	e.sigma = newSigma
	if err := e.embedSigma(); err != nil {
		e.sigma = oldSigma
		return err
	}

	newMu, err = e.lat.SolveChemicalPotential(e.cfg.General.TargetDensity, e.mu, e.cfg.General.PrecMu)
	if err != nil {
		var warn *lattice.NumericalDivergenceWarning
		if !errors.As(err, &warn) {
			e.sigma = oldSigma
			return NewNumericalError("chemical potential search failed", err).
				WithIteration(n).WithCode(ErrCodeMuSearch)
		}
		// Keep the last valid value and move on.
		e.log.WithIteration(n).WithError(warn).Warn("chemical potential search did not converge")
		if e.tel != nil {
			e.tel.Metrics.RecordError(string(ErrorClassNumerical), ErrCodeMuSearch)
		}
		newMu = warn.Mu
	}
	if density, err = e.lat.TotalDensity(newMu); err != nil {
		e.sigma = oldSigma
		return NewNumericalError("total density evaluation failed", err).WithIteration(n)
	}
	if e.tel != nil {
		_ = e.tel.Events.PublishMuSolved(e.runID, n, newMu, density, e.cfg.General.TargetDensity)
	}
	corr, err := e.lat.DensityCorrection(newMu)
	if err != nil {
		e.sigma = oldSigma
		return NewNumericalError("density correction failed", err).WithIteration(n)
	}
	newEnergy := corr + e.totalEnergyFromDC()

	rec := convergence.Record{
		convergence.QuantityMu:     math.Abs(newMu - e.mu),
		convergence.QuantityOcc:    e.occupationDelta(newOcc),
		convergence.QuantityEnergy: math.Abs(newEnergy - e.energy),
	}
	if d, ok := e.functionDelta(newSigma, oldSigma); ok {
		rec[convergence.QuantitySigma] = d
	}
	if d, ok := e.functionDelta(newG0, e.g0); ok {
		rec[convergence.QuantityG0] = d
	}
	if d, ok := e.functionDelta(newGImp, e.gImp); ok {
		rec[convergence.QuantityGImp] = d
	}
	e.monitor.Observe(rec)
	if e.phase != PhaseSampling {
		e.monitor.Check()
	}

	if err := e.persistIteration(ctx, n, newMu, density, rec, newG0, newGImp); err != nil {
		e.sigma = oldSigma
		return err
	}

	e.g0 = newG0
	e.gImp = newGImp
	e.occ = newOcc
	e.mu = newMu
	e.density = density
	e.energy = newEnergy
	e.mixReady = true
	e.iter = n + 1

	if e.tel != nil {
		for q, v := range rec {
			e.tel.Metrics.SetConvergenceDelta(string(q), v)
		}
	}
	e.log.WithIteration(n).WithFields(map[string]interface{}{
		"mu":      newMu,
		"density": density,
	}).Info("iteration complete")
	return nil
}

// persistIteration writes the full iteration record in one transaction.
func (e *Engine) persistIteration(ctx context.Context, n int, mu, density float64,
	rec convergence.Record, g0, gImp []*gf.BlockFunction) error {

	mixers := make(map[string]mixer.Payload, 2*len(e.sigma))
	for i := range e.sigma {
		mixers[mixerKey("weiss_field", i)] = e.weissMixers[i].Payload()
		mixers[mixerKey("self_energy", i)] = e.sigmaMixers[i].Payload()
	}

	out := &checkpoint.IterationRecord{
		RunID:       e.runID,
		N:           n,
		Mu:          mu,
		Density:     density,
		Converged:   e.monitor.Converged(),
		Observables: rec,
		Monitor:     e.monitor.Payload(),
		Mixers:      mixers,
	}
	for i := range e.sigma {
		sr := checkpoint.SiteRecord{
			Site:     i,
			Sigma:    e.sigma[i].Payload(),
			G0:       g0[i].Payload(),
			GImp:     gImp[i].Payload(),
			DCEnergy: e.dc[i].Energy,
		}
		if e.dc[i].Potential != nil {
			sr.DCPotential = e.dc[i].Potential.Payload()
		}
		if e.partners[i] < 0 {
			sr.Chi = e.adapters[i].Chi()
		}
		out.Sites = append(out.Sites, sr)
	}

	timer := telemetry.NewTimer()
	if err := e.store.WriteIteration(ctx, out); err != nil {
		return NewInconsistentStateError("checkpoint write failed", err).
			WithIteration(n).WithCode(ErrCodeCheckpoint)
	}
	if e.tel != nil {
		e.tel.Metrics.RecordCheckpointWrite(timer.Duration())
		_ = e.tel.Events.PublishCheckpointWritten(e.runID, n, timer.Duration())
	}
	return nil
}

// weissField inverts Dyson's equation: G0 = (G^-1 + Sigma)^-1, block by
// block at every frequency.
func weissField(g, sigma *gf.BlockFunction) (*gf.BlockFunction, error) {
	out := g.Copy()
	for _, b := range out.Blocks() {
		sb := sigma.Block(b.Label)
		if sb == nil || sb.Dim != b.Dim {
			return nil, &blockMismatchError{label: b.Label}
		}
		for k := range b.Data {
			inv, err := linalg.Inverse(b.Data[k])
			if err != nil {
				return nil, err
			}
			g0, err := linalg.Inverse(linalg.Add(inv, sb.Data[k]))
			if err != nil {
				return nil, err
			}
			b.Data[k] = g0
		}
	}
	return out, nil
}

type blockMismatchError struct {
	label gf.BlockLabel
}

func (e *blockMismatchError) Error() string {
	return "no matching self-energy block " + e.label.String()
}

// functionDelta reduces per-site L2 deltas to one observable, weighted
// by shell multiplicity. Not reported when a previous iterate is missing.
func (e *Engine) functionDelta(cur, prev []*gf.BlockFunction) (float64, bool) {
	var sum, wsum float64
	for i := range cur {
		if cur[i] == nil || prev[i] == nil {
			return 0, false
		}
		d, err := cur[i].L2Delta(prev[i])
		if err != nil {
			return 0, false
		}
		sum += e.weights[i] * d
		wsum += e.weights[i]
	}
	if wsum == 0 {
		return 0, false
	}
	return sum / wsum, true
}

// occupationDelta reduces the per-site density matrix change against the
// previous iteration.
func (e *Engine) occupationDelta(occ []gf.MatrixSet) float64 {
	var sum, wsum float64
	for i := range occ {
		if e.occ[i] == nil {
			continue
		}
		diff := occ[i].Sub(e.occ[i])
		var d float64
		for _, m := range diff {
			d += linalg.FrobeniusNorm(m)
		}
		sum += e.weights[i] * d
		wsum += e.weights[i]
	}
	if wsum == 0 {
		return 0
	}
	return sum / wsum
}
