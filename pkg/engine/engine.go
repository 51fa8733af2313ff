package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/dysonloop/dysonloop/pkg/blockstruct"
	"github.com/dysonloop/dysonloop/pkg/checkpoint"
	"github.com/dysonloop/dysonloop/pkg/config"
	"github.com/dysonloop/dysonloop/pkg/convergence"
	"github.com/dysonloop/dysonloop/pkg/doublecounting"
	"github.com/dysonloop/dysonloop/pkg/gf"
	"github.com/dysonloop/dysonloop/pkg/lattice"
	"github.com/dysonloop/dysonloop/pkg/mesh"
	"github.com/dysonloop/dysonloop/pkg/mixer"
	"github.com/dysonloop/dysonloop/pkg/solver"
	"github.com/dysonloop/dysonloop/pkg/telemetry"
)

// rotationTol bounds the rotation drift tolerated on resume before the
// persisted rotation is replaced.
const rotationTol = 1e-8

// dcUnchangedTol decides whether a loaded double-counting potential is
// numerically identical to the recomputed one.
const dcUnchangedTol = 1e-12

// Options wires an engine together. Config, Lattice and Store are
// required; everything else has a working default.
type Options struct {
	Config *config.Config

	// ConfigText is the raw configuration document, persisted with the
	// run so a restart can verify it has not drifted.
	ConfigText string

	Lattice lattice.Embedding
	Store   *checkpoint.Store

	// Backends maps solver kinds to their implementations. The hartree
	// kind defaults to the built-in mean-field solver.
	Backends map[solver.Kind]solver.Impurity

	// Kernels holds the per-site screened interaction, required only by
	// the dynamic double-counting functionals.
	Kernels []*gf.BlockFunction

	// Multiplicities weights each inequivalent site by its shell
	// multiplicity when observables are reduced over sites. Defaults to
	// one per site.
	Multiplicities []float64

	// Workers bounds the parallel solve region. Zero solves all sites
	// concurrently.
	Workers int

	Telemetry *telemetry.Telemetry

	// NoiseSeed seeds the cold-start noise injector.
	NoiseSeed int64

	// WatchStop enables the STOP sentinel watcher on the store directory.
	WatchStop bool
}

// Engine drives the self-consistency loop: embed the self-energy, solve
// the chemical potential, derive Weiss fields, dispatch the impurity
// solves, mix, recompute double counting and persist, until converged or
// out of budget. The engine is the coordinator: it alone touches the
// checkpoint store and the shared loop state; workers only run their own
// solve on inputs handed to them by value.
type Engine struct {
	cfg     *config.Config
	cfgText string
	lat     lattice.Embedding
	store   *checkpoint.Store
	tel     *telemetry.Telemetry
	log     *telemetry.Logger

	msh       *mesh.Mesh
	structure *blockstruct.Structure

	adapters   []*solver.Adapter
	kinds      []solver.Kind
	u, j       []float64
	measureChi []bool
	weights    []float64
	kernels    []*gf.BlockFunction
	partners   []int

	dcCalc    *doublecounting.Calculator
	dcCadence string
	dc        []doublecounting.State

	weissMixers []mixer.Mixer
	sigmaMixers []mixer.Mixer
	monitor     *convergence.Monitor
	coord       *Coordinator
	noise       *NoiseInjector
	stop        *StopWatcher

	phase Phase
	runID string

	// iter is the next iteration to run, 1-based.
	iter int

	// mixReady is false until at least one completed iteration exists,
	// fresh or resumed. Mixers never run without a previous iterate.
	mixReady bool
	fieldOn  bool

	mu      float64
	density float64
	energy  float64

	// All loop quantities below live in the solver block structure except
	// occ, which holds lattice-space density matrices.
	sigma []*gf.BlockFunction
	g0    []*gf.BlockFunction
	gImp  []*gf.BlockFunction
	occ   []gf.MatrixSet
}

// New validates the options and builds an engine. Setup work that needs
// the store or the lattice happens in Run.
func New(opts Options) (*Engine, error) {
	if opts.Config == nil {
		return nil, NewConfigurationError("no configuration", nil).WithCode(ErrCodeValidation)
	}
	if opts.Lattice == nil {
		return nil, NewConfigurationError("no lattice embedding", nil).WithCode(ErrCodeValidation)
	}
	if opts.Store == nil {
		return nil, NewConfigurationError("no checkpoint store", nil).WithCode(ErrCodeValidation)
	}
	cfg := opts.Config
	n := cfg.NSites()

	msh, err := cfg.NewMesh()
	if err != nil {
		return nil, NewConfigurationError("invalid frequency mesh", err).WithCode(ErrCodeValidation)
	}

	kinds, err := cfg.SolverKinds()
	if err != nil {
		return nil, NewConfigurationError("invalid solver assignment", err).WithCode(ErrCodeValidation)
	}
	backends := opts.Backends
	if backends == nil {
		backends = map[solver.Kind]solver.Impurity{}
	}
	if _, ok := backends[solver.KindHartree]; !ok {
		backends[solver.KindHartree] = solver.NewMeanField()
	}

	u, j, err := cfg.Interactions()
	if err != nil {
		return nil, NewConfigurationError("invalid interaction parameters", err).WithCode(ErrCodeValidation)
	}

	e := &Engine{
		cfg:     cfg,
		cfgText: opts.ConfigText,
		lat:     opts.Lattice,
		store:   opts.Store,
		tel:     opts.Telemetry,
		msh:     msh,
		kinds:   kinds,
		u:       u,
		j:       j,
		kernels: opts.Kernels,
		coord:   NewCoordinator(opts.Workers),
		noise:   NewNoiseInjector(cfg.General.NoiseLevel, opts.NoiseSeed),
		phase:   PhaseSetup,
	}
	if e.tel != nil {
		e.log = e.tel.Logger.NewComponentLogger("engine")
	} else {
		base, err := telemetry.NewLogger(telemetry.DefaultConfig().Logging)
		if err != nil {
			return nil, NewConfigurationError("cannot build logger", err)
		}
		e.log = base.NewComponentLogger("engine")
	}

	e.adapters = make([]*solver.Adapter, n)
	e.measureChi = make([]bool, n)
	for i, k := range kinds {
		backend, ok := backends[k]
		if !ok {
			return nil, NewConfigurationError(fmt.Sprintf("no backend for solver kind %q", k), nil).
				WithSite(i).WithCode(ErrCodeNotImplemented)
		}
		if k.RealFrequency() != (msh.Kind() == mesh.KindRealFreq) {
			return nil, NewConfigurationError(
				fmt.Sprintf("solver kind %q does not work on a %s mesh", k, msh.Kind()), nil).
				WithSite(i).WithCode(ErrCodeValidation)
		}
		e.adapters[i] = solver.NewAdapter(i, backend)
		e.adapters[i].SetChiChannel(cfg.Solver.ChiChannel)
		e.measureChi[i] = cfg.Solver.MeasureChi && k.SupportsChiMeasurement()
	}

	e.weights = make([]float64, n)
	for i := range e.weights {
		e.weights[i] = 1
	}
	if opts.Multiplicities != nil {
		if len(opts.Multiplicities) != n {
			return nil, NewConfigurationError(
				fmt.Sprintf("got %d multiplicities for %d sites", len(opts.Multiplicities), n), nil).
				WithCode(ErrCodeValidation)
		}
		copy(e.weights, opts.Multiplicities)
	}

	e.partners, err = afmPartners(cfg.General.AFMPartner, n)
	if err != nil {
		return nil, NewConfigurationError("invalid afm partner map", err).WithCode(ErrCodeValidation)
	}

	dcParams, err := cfg.DCParams()
	if err != nil {
		return nil, NewConfigurationError("invalid double-counting parameters", err).WithCode(ErrCodeValidation)
	}
	if dcParams != nil {
		for i, p := range dcParams {
			if !kinds[i].OwnsDoubleCounting() {
				continue
			}
			// Solvers that fold the double counting into their own
			// mean-field step short-circuit the calculator; post hooks
			// that modify the calculator output have nothing to act on.
			if p.Nominal || len(p.OrbShifts) > 0 {
				return nil, NewConfigurationError("double-counting post hook with a solver that owns its double counting",
					&doublecounting.NotImplementedCombinationError{Site: i, Formula: p.Formula, Option: "nominal or orbital shift"}).
					WithSite(i).WithCode(ErrCodeNotImplemented)
			}
		}
		e.dcCalc = doublecounting.NewCalculator(dcParams)
	}
	e.dcCadence = cfg.DC.Cadence
	if e.dcCadence == "" {
		e.dcCadence = config.DCCadenceEvery
	}
	e.dc = make([]doublecounting.State, n)

	e.weissMixers = make([]mixer.Mixer, n)
	e.sigmaMixers = make([]mixer.Mixer, n)
	for i := 0; i < n; i++ {
		if e.weissMixers[i], err = cfg.Mixing.WeissField.New(); err != nil {
			return nil, NewConfigurationError("invalid weiss field mixer", err).WithCode(ErrCodeValidation)
		}
		if e.sigmaMixers[i], err = cfg.Mixing.SelfEnergy.New(); err != nil {
			return nil, NewConfigurationError("invalid self-energy mixer", err).WithCode(ErrCodeValidation)
		}
	}

	criteria, err := cfg.Criteria()
	if err != nil {
		return nil, NewConfigurationError("invalid convergence criteria", err).WithCode(ErrCodeValidation)
	}
	e.monitor, err = convergence.NewMonitor(criteria, cfg.Convergence.HistoryLen)
	if err != nil {
		return nil, NewConfigurationError("invalid convergence monitor", err).WithCode(ErrCodeValidation)
	}

	if opts.WatchStop {
		dir := filepath.Dir(cfg.Store.Path)
		if e.stop, err = NewStopWatcher(dir); err != nil {
			return nil, NewConfigurationError("cannot watch for stop sentinel", err).WithCode(ErrCodeValidation)
		}
	}
	return e, nil
}

// Phase returns the current loop phase.
func (e *Engine) Phase() Phase { return e.phase }

// RunID returns the identifier of the active run, empty before setup.
func (e *Engine) RunID() string { return e.runID }

// Mu returns the current chemical potential.
func (e *Engine) Mu() float64 { return e.mu }

// Iterations returns the number of completed iterations.
func (e *Engine) Iterations() int { return e.iter - 1 }

// Run executes the loop until convergence, budget exhaustion, a stop
// request or an error. The returned status is RunStatusFailed exactly
// when the error is non-nil.
func (e *Engine) Run(ctx context.Context) (RunStatus, error) {
	if e.tel != nil {
		ctx = e.tel.WithContext(ctx)
	}
	if e.stop != nil {
		defer func() { _ = e.stop.Close() }()
	}

	if err := e.setup(ctx); err != nil {
		e.phase = PhaseFailed
		return RunStatusFailed, err
	}

	solverName := string(e.kinds[0])
	ctx = telemetry.WithRunContext(ctx, e.runID, solverName)
	status, err := e.loop(ctx)
	telemetry.EndRunContext(ctx, e.runID, string(status), e.Iterations(), err)
	if err != nil {
		e.phase = PhaseFailed
		return RunStatusFailed, err
	}
	e.phase = PhaseDone
	return status, nil
}

func (e *Engine) loop(ctx context.Context) (RunStatus, error) {
	e.phase = PhaseIterating
	status := RunStatusExhausted
	for e.iter <= e.cfg.General.NIter {
		if err := ctx.Err(); err != nil {
			return RunStatusFailed, err
		}
		if e.stopRequested() {
			return RunStatusStopped, nil
		}
		if err := e.step(ctx); err != nil {
			return RunStatusFailed, err
		}
		if e.monitor.Converged() {
			break
		}
	}
	if e.monitor.Converged() {
		status = RunStatusConverged
		e.log.WithIteration(e.Iterations()).Info("self-consistency reached")
		if e.tel != nil {
			_ = e.tel.Events.PublishConvergenceReached(e.runID, e.Iterations())
			e.tel.Metrics.SetConverged(true)
		}
	}

	if status == RunStatusConverged && e.cfg.General.NIterSampling > 0 {
		e.phase = PhaseSampling
		e.log.WithField("iterations", e.cfg.General.NIterSampling).Info("entering sampling phase")
		for k := 0; k < e.cfg.General.NIterSampling; k++ {
			if err := ctx.Err(); err != nil {
				return RunStatusFailed, err
			}
			if e.stopRequested() {
				return RunStatusStopped, nil
			}
			if err := e.step(ctx); err != nil {
				return RunStatusFailed, err
			}
		}
	}
	return status, nil
}

func (e *Engine) stopRequested() bool {
	if e.stop == nil || !e.stop.Requested() {
		return false
	}
	e.log.WithField("sentinel", StopFileName).Warn("stop requested, checkpoint is consistent")
	if e.tel != nil {
		_ = e.tel.Events.PublishStopRequested(e.runID, e.Iterations())
	}
	return true
}

// setup resolves the initial state: resume from the store when a
// completed iteration exists, otherwise initialize a fresh run.
func (e *Engine) setup(ctx context.Context) error {
	if e.cfg.General.HField != 0 {
		e.lat.SetField(e.cfg.General.HField)
		e.fieldOn = true
	}

	run, err := e.store.LatestRun(ctx)
	switch {
	case errors.Is(err, checkpoint.ErrNotFound):
		return e.setupFresh(ctx, nil)
	case err != nil:
		return fmt.Errorf("engine: read checkpoint store: %w", err)
	}

	last, err := e.store.LastIteration(ctx, run.ID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		// Run row without a single committed iteration: a crash during
		// the first iteration. Start over under the existing run.
		return e.setupFresh(ctx, run)
	}
	if err != nil {
		return fmt.Errorf("engine: read checkpoint store: %w", err)
	}
	return e.resume(ctx, run, last)
}

// referenceDensity extracts the bare local density matrices at the given
// chemical potential, with zero self-energy installed.
func (e *Engine) referenceDensity(mu float64) ([]gf.MatrixSet, []*gf.BlockFunction, error) {
	sites, err := e.cfg.Sites()
	if err != nil {
		return nil, nil, NewConfigurationError("invalid site list", err).WithCode(ErrCodeValidation)
	}
	trivial := blockstruct.Trivial(sites)

	zero := make([]*gf.BlockFunction, len(sites))
	for i, s := range trivial.Sites {
		zero[i] = gf.NewBlockFunction(e.msh, s.LatticeBlocks)
	}
	if err := e.lat.PutSigma(zero, nil); err != nil {
		return nil, nil, NewConfigurationError("lattice rejects zero self-energy", err).WithCode(ErrCodeValidation)
	}
	gs, err := e.lat.ExtractLocalGF(mu)
	if err != nil {
		return nil, nil, NewNumericalError("bare lattice Green function", err)
	}
	ref := make([]gf.MatrixSet, len(gs))
	for i, g := range gs {
		ref[i] = g.Density()
	}
	return ref, zero, nil
}

// determineStructure runs the block analysis on the bare density and
// applies the magnetic and spin-orbit degeneracy rules.
func (e *Engine) determineStructure(ref []gf.MatrixSet) (*blockstruct.Structure, error) {
	sites, err := e.cfg.Sites()
	if err != nil {
		return nil, NewConfigurationError("invalid site list", err).WithCode(ErrCodeValidation)
	}
	st, err := blockstruct.Determine(sites, ref, e.cfg.Lattice.BlockThreshold, e.cfg.Lattice.AnalyzeSites)
	if err != nil {
		return nil, NewConfigurationError("block structure analysis failed", err).WithCode(ErrCodeValidation)
	}

	overrides, err := e.cfg.BlockOverrides()
	if err != nil {
		return nil, NewConfigurationError("invalid block override", err).WithCode(ErrCodeValidation)
	}
	if overrides != nil {
		if err := st.ApplyManualOverride(overrides); err != nil {
			return nil, NewConfigurationError("block override does not fit the lattice", err).WithCode(ErrCodeValidation)
		}
	}

	if e.cfg.Lattice.SpinOrbit {
		st.StripAllDegeneracies()
	} else if e.cfg.General.Magnetic {
		st.StripSpinDegeneracy()
	}

	// Forced groups land after the magnetic stripping so they survive it.
	groups, err := e.cfg.DegeneracyGroups()
	if err != nil {
		return nil, NewConfigurationError("invalid degeneracy map", err).WithCode(ErrCodeValidation)
	}
	if groups != nil {
		if err := st.ApplyDegeneracyMap(groups); err != nil {
			return nil, NewConfigurationError("degeneracy map does not fit the block structure", err).WithCode(ErrCodeValidation)
		}
	}

	if err := st.Validate(); err != nil {
		return nil, NewConfigurationError("inconsistent block structure", err).WithCode(ErrCodeValidation)
	}
	return st, nil
}

func (e *Engine) setupFresh(ctx context.Context, run *checkpoint.Run) error {
	e.mu = e.cfg.General.MuInitialGuess

	ref, _, err := e.referenceDensity(e.mu)
	if err != nil {
		return err
	}
	if e.structure, err = e.determineStructure(ref); err != nil {
		return err
	}

	if run != nil {
		persisted, err := run.StructureValue()
		if err != nil {
			return NewInconsistentStateError("corrupt persisted block structure", err).WithCode(ErrCodeBlockMismatch)
		}
		if !persisted.Equal(e.structure) {
			return NewInconsistentStateError("block structure differs from the persisted run", nil).
				WithCode(ErrCodeBlockMismatch)
		}
		e.runID = run.ID
	} else {
		e.runID = checkpoint.NewRunID()
		if err := e.store.CreateRun(ctx, &checkpoint.Run{
			ID:        e.runID,
			Config:    e.cfgText,
			Mesh:      e.msh.Spec(),
			Structure: e.structure.Payload(),
		}); err != nil {
			return fmt.Errorf("engine: create run: %w", err)
		}
	}
	e.log.WithRunID(e.runID).WithField("sites", e.cfg.NSites()).Info("fresh run")

	if e.cfg.General.LoadSigma != "" {
		if err := e.loadExternalSigma(ctx, ref); err != nil {
			return err
		}
	} else if err := e.coldStartSigma(ref); err != nil {
		return err
	}

	// The bare density is the zeroth observable row: first-iteration
	// deltas are measured against it.
	bare, err := e.lat.TotalDensity(e.mu)
	if err != nil {
		return NewNumericalError("bare lattice density", err)
	}
	e.occ = ref
	e.density = bare
	e.energy = 0
	e.iter = 1
	e.mixReady = false

	return e.embedSigma()
}

// coldStartSigma initializes the self-energy for a run without prior
// state: the double-counting potential when enabled, zero otherwise,
// plus the optional magnetic bias and cold-start noise.
func (e *Engine) coldStartSigma(ref []gf.MatrixSet) error {
	n := e.cfg.NSites()
	magmoms, err := e.cfg.Magmoms()
	if err != nil {
		return NewConfigurationError("invalid magnetic moments", err).WithCode(ErrCodeValidation)
	}

	sigmaLat := make([]*gf.BlockFunction, n)
	for i := 0; i < n; i++ {
		s := e.structure.Site(i)
		f := gf.NewBlockFunction(e.msh, s.LatticeBlocks)

		if e.dcComputes() && !e.kinds[i].OwnsDoubleCounting() {
			st, err := e.dcCalc.Compute(i, ref[i], s.SpinOrbit, e.kernel(i))
			if err != nil {
				return e.wrapDCError(i, err)
			}
			e.dc[i] = st
			for lbl, pot := range st.Potential {
				if err := f.AddMatrix(lbl, pot); err != nil {
					return NewConfigurationError("double-counting potential does not fit block layout", err).
						WithSite(i).WithCode(ErrCodeBlockMismatch)
				}
			}
		} else {
			e.dc[i] = doublecounting.Zero(ref[i])
		}

		// A positive moment lowers the up channel so that it fills first.
		if e.cfg.General.Magnetic && magmoms != nil && !s.SpinOrbit {
			m := magmoms[i]
			for _, bd := range s.LatticeBlocks {
				switch bd.Label.Spin {
				case gf.SpinUp:
					_ = f.AddScalarDiag(bd.Label, complex(-m, 0))
				case gf.SpinDown:
					_ = f.AddScalarDiag(bd.Label, complex(m, 0))
				}
			}
		}

		e.noise.Apply(f)
		f.Hermitianize()
		sigmaLat[i] = f
	}
	return e.adoptLatticeSigma(sigmaLat)
}

// loadExternalSigma starts from a self-energy archived by another run,
// correcting for the difference between its double-counting shift and
// the one recomputed with the current parameters.
func (e *Engine) loadExternalSigma(ctx context.Context, ref []gf.MatrixSet) error {
	ext, err := checkpoint.NewStore(checkpoint.Config{Path: e.cfg.General.LoadSigma})
	if err != nil {
		return NewConfigurationError("cannot open external archive", err).WithCode(ErrCodeNoCheckpoint)
	}
	if err := ext.Init(ctx); err != nil {
		return NewConfigurationError("cannot open external archive", err).WithCode(ErrCodeNoCheckpoint)
	}
	defer func() { _ = ext.Close() }()

	run, err := ext.LatestRun(ctx)
	if err != nil {
		return NewConfigurationError("external archive holds no run", err).WithCode(ErrCodeNoCheckpoint)
	}
	extMesh, err := run.MeshGrid()
	if err != nil {
		return NewInconsistentStateError("corrupt mesh in external archive", err).WithCode(ErrCodeMeshMismatch)
	}
	if !extMesh.Same(e.msh) {
		return NewInconsistentStateError("external archive uses a different frequency mesh", nil).
			WithCode(ErrCodeMeshMismatch)
	}
	last, err := ext.LastIteration(ctx, run.ID)
	if err != nil {
		return NewConfigurationError("external archive holds no completed iteration", err).WithCode(ErrCodeNoCheckpoint)
	}
	if len(last.Sites) != e.cfg.NSites() {
		return NewInconsistentStateError(
			fmt.Sprintf("external archive has %d sites, run has %d", len(last.Sites), e.cfg.NSites()), nil).
			WithCode(ErrCodeBlockMismatch)
	}

	n := e.cfg.NSites()
	sigmaLat := make([]*gf.BlockFunction, n)
	for i, sr := range last.Sites {
		sigmaSolv, err := gf.FromPayload(sr.Sigma)
		if err != nil {
			return NewInconsistentStateError("corrupt self-energy in external archive", err).WithSite(i)
		}
		lat, err := e.structure.Convert(sigmaSolv, blockstruct.SpaceSolver, blockstruct.SpaceLattice, i)
		if err != nil {
			return NewInconsistentStateError("external self-energy does not fit the block structure", err).
				WithSite(i).WithCode(ErrCodeBlockMismatch)
		}

		var oldPot gf.MatrixSet
		if sr.DCPotential != nil {
			if oldPot, err = gf.SetFromPayload(sr.DCPotential); err != nil {
				return NewInconsistentStateError("corrupt double counting in external archive", err).WithSite(i)
			}
		}

		st := doublecounting.Zero(ref[i])
		if e.dcComputes() && !e.kinds[i].OwnsDoubleCounting() {
			if st, err = e.dcCalc.Compute(i, ref[i], e.structure.Site(i).SpinOrbit, e.kernel(i)); err != nil {
				return e.wrapDCError(i, err)
			}
		}
		e.dc[i] = st

		// Rebase to the current double-counting convention:
		// sigma -= (old_dc - new_dc). Skipped when the shift is
		// numerically unchanged.
		if oldPot != nil && !oldPot.AllClose(st.Potential, dcUnchangedTol) {
			if err := e.lat.RemoveDoubleCounting(lat, oldPot.Sub(st.Potential)); err != nil {
				return NewInconsistentStateError("double-counting shift does not fit block layout", err).
					WithSite(i).WithCode(ErrCodeBlockMismatch)
			}
		}
		sigmaLat[i] = lat
	}
	e.log.WithField("path", e.cfg.General.LoadSigma).Info("self-energy loaded from external archive")
	return e.adoptLatticeSigma(sigmaLat)
}

// adoptLatticeSigma converts lattice-space self-energies into the solver
// block structure and seeds the adapters.
func (e *Engine) adoptLatticeSigma(sigmaLat []*gf.BlockFunction) error {
	e.sigma = make([]*gf.BlockFunction, len(sigmaLat))
	for i, f := range sigmaLat {
		solv, err := e.structure.Convert(f, blockstruct.SpaceLattice, blockstruct.SpaceSolver, i)
		if err != nil {
			return NewInconsistentStateError("self-energy does not fit the solver block structure", err).
				WithSite(i).WithCode(ErrCodeBlockMismatch)
		}
		e.sigma[i] = solv
		e.adapters[i].SetSigma(solv)
	}
	e.g0 = make([]*gf.BlockFunction, len(sigmaLat))
	e.gImp = make([]*gf.BlockFunction, len(sigmaLat))
	return nil
}

// resume restores the loop state from the last committed iteration.
func (e *Engine) resume(ctx context.Context, run *checkpoint.Run, last *checkpoint.IterationRecord) error {
	persistedMesh, err := run.MeshGrid()
	if err != nil {
		return NewInconsistentStateError("corrupt persisted mesh", err).WithCode(ErrCodeMeshMismatch)
	}
	if !persistedMesh.Same(e.msh) {
		return NewInconsistentStateError("configuration mesh differs from the persisted run", nil).
			WithCode(ErrCodeMeshMismatch)
	}

	persisted, err := run.StructureValue()
	if err != nil {
		return NewInconsistentStateError("corrupt persisted block structure", err).WithCode(ErrCodeBlockMismatch)
	}
	e.mu = last.Mu
	ref, _, err := e.referenceDensity(e.mu)
	if err != nil {
		return err
	}
	fresh, err := e.determineStructure(ref)
	if err != nil {
		return err
	}
	if !persisted.Equal(fresh) {
		return NewInconsistentStateError("block structure differs from the persisted run", nil).
			WithCode(ErrCodeBlockMismatch)
	}
	if !persisted.RotationsClose(fresh, rotationTol) {
		// Rotations only affect basis presentation; replace and go on.
		e.log.Warn("rotation matrices drifted since the run was created, persisting the new ones")
		if err := e.store.UpdateRunStructure(ctx, run.ID, fresh.Payload()); err != nil {
			return fmt.Errorf("engine: persist rotation update: %w", err)
		}
	}
	e.structure = fresh
	e.runID = run.ID

	n := e.cfg.NSites()
	if len(last.Sites) != n {
		return NewInconsistentStateError(
			fmt.Sprintf("checkpoint has %d sites, configuration has %d", len(last.Sites), n), nil).
			WithCode(ErrCodeBlockMismatch)
	}

	e.sigma = make([]*gf.BlockFunction, n)
	e.g0 = make([]*gf.BlockFunction, n)
	e.gImp = make([]*gf.BlockFunction, n)
	e.occ = make([]gf.MatrixSet, n)
	for i, sr := range last.Sites {
		if e.sigma[i], err = gf.FromPayload(sr.Sigma); err != nil {
			return NewInconsistentStateError("corrupt persisted self-energy", err).WithSite(i)
		}
		if e.g0[i], err = gf.FromPayload(sr.G0); err != nil {
			return NewInconsistentStateError("corrupt persisted Weiss field", err).WithSite(i)
		}
		if e.gImp[i], err = gf.FromPayload(sr.GImp); err != nil {
			return NewInconsistentStateError("corrupt persisted Green function", err).WithSite(i)
		}
		st := doublecounting.State{Energy: sr.DCEnergy}
		if sr.DCPotential != nil {
			if st.Potential, err = gf.SetFromPayload(sr.DCPotential); err != nil {
				return NewInconsistentStateError("corrupt persisted double counting", err).WithSite(i)
			}
		}
		e.dc[i] = st

		occSolv := e.gImp[i].Density()
		if e.occ[i], err = e.structure.ConvertMatrix(occSolv, blockstruct.SpaceSolver, blockstruct.SpaceLattice, i); err != nil {
			return NewInconsistentStateError("persisted state does not fit the block structure", err).
				WithSite(i).WithCode(ErrCodeBlockMismatch)
		}

		e.adapters[i].SetSigma(e.sigma[i])
		e.adapters[i].SetG0(e.g0[i])

		if p, ok := last.Mixers[mixerKey("weiss_field", i)]; ok {
			if err := e.weissMixers[i].Restore(p); err != nil {
				return NewInconsistentStateError("persisted Weiss mixer state does not match configuration", err).WithSite(i)
			}
		}
		if p, ok := last.Mixers[mixerKey("self_energy", i)]; ok {
			if err := e.sigmaMixers[i].Restore(p); err != nil {
				return NewInconsistentStateError("persisted self-energy mixer state does not match configuration", err).WithSite(i)
			}
		}
	}
	e.monitor.Restore(last.Monitor)

	e.density = last.Density
	e.energy = e.totalEnergyFromDC()
	e.iter = last.N + 1
	e.mixReady = true

	// After h_field_it iterations the field is gone for good, resumed
	// runs included.
	if e.fieldOn && e.cfg.General.HFieldIt > 0 && last.N >= e.cfg.General.HFieldIt {
		e.lat.SetField(0)
		e.fieldOn = false
	}

	e.log.WithRunID(e.runID).WithIteration(last.N).Info("resuming from checkpoint")
	return e.embedSigma()
}

// embedSigma pushes the current self-energy and double counting into the
// lattice embedding, in lattice space.
func (e *Engine) embedSigma() error {
	n := len(e.sigma)
	sigmaLat := make([]*gf.BlockFunction, n)
	pots := make([]gf.MatrixSet, n)
	for i := 0; i < n; i++ {
		latSigma, err := e.structure.Convert(e.sigma[i], blockstruct.SpaceSolver, blockstruct.SpaceLattice, i)
		if err != nil {
			return NewInconsistentStateError("self-energy does not fit the lattice block structure", err).
				WithSite(i).WithCode(ErrCodeBlockMismatch)
		}
		sigmaLat[i] = latSigma
		pots[i] = e.dc[i].Potential
	}
	if err := e.lat.PutSigma(sigmaLat, pots); err != nil {
		return NewInconsistentStateError("lattice embedding rejected the self-energy", err).
			WithCode(ErrCodeBlockMismatch)
	}
	return nil
}

func (e *Engine) kernel(site int) *gf.BlockFunction {
	if site < len(e.kernels) {
		return e.kernels[site]
	}
	return nil
}

// dcComputes reports whether the calculator runs at initialization. The
// "never" cadence pins the correction at zero for the whole run.
func (e *Engine) dcComputes() bool {
	return e.dcCalc != nil && e.dcCadence != config.DCCadenceNever
}

func (e *Engine) wrapDCError(site int, err error) error {
	var nc *doublecounting.NotImplementedCombinationError
	var sc *doublecounting.ShiftCountMismatchError
	if errors.As(err, &nc) || errors.As(err, &sc) {
		return NewConfigurationError("unsupported double-counting combination", err).
			WithSite(site).WithCode(ErrCodeNotImplemented)
	}
	return NewNumericalError("double-counting evaluation failed", err).WithSite(site)
}

func (e *Engine) totalEnergyFromDC() float64 {
	var sum float64
	for i, st := range e.dc {
		sum += e.weights[i] * st.Energy
	}
	return sum
}

func mixerKey(name string, site int) string {
	return fmt.Sprintf("%s/%d", name, site)
}
