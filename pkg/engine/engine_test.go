package engine

import (
	"context"
	"math"
	"math/cmplx"
	"os"
	"path/filepath"
	"testing"

	"github.com/dysonloop/dysonloop/pkg/checkpoint"
	"github.com/dysonloop/dysonloop/pkg/config"
	"github.com/dysonloop/dysonloop/pkg/convergence"
	"github.com/dysonloop/dysonloop/pkg/gf"
	"github.com/dysonloop/dysonloop/pkg/lattice"
	"github.com/dysonloop/dysonloop/pkg/solver"
)

var (
	upLbl   = gf.BlockLabel{Spin: gf.SpinUp, Index: 0}
	downLbl = gf.BlockLabel{Spin: gf.SpinDown, Index: 0}
)

// testConfig builds a minimal three-site hartree job. Tests tweak the
// returned config before wiring an engine.
func testConfig(path string, nSites int) *config.Config {
	return &config.Config{
		General: config.GeneralConfig{
			JobName:        "test",
			Beta:           10,
			NIW:            64,
			NIter:          5,
			TargetDensity:  float64(nSites),
			MuInitialGuess: 6.0,
			PrecMu:         1e-4,
			MuMethod:       "bisection",
		},
		Lattice: config.LatticeConfig{
			NSites:         nSites,
			NOrbitals:      config.Single(1),
			HalfBandwidth:  config.Single(2.0),
			BlockThreshold: 1e-5,
		},
		Solver: config.SolverConfig{
			Type: config.Single("hartree"),
			U:    config.Single(4.0),
			J:    config.Single(0.8),
		},
		Mixing: config.MixingConfig{
			WeissField: config.MixerSpec{Method: "linear", Alpha: 1.0, History: 1},
			SelfEnergy: config.MixerSpec{Method: "linear", Alpha: 0.7, History: 1},
		},
		Convergence: config.ConvergenceConfig{
			Criteria: []config.CriterionSpec{
				{Quantity: "d_sigma", Mode: "abs", Tol: 1e-30},
			},
			HistoryLen: 50,
		},
		Store: config.StoreConfig{Path: path},
	}
}

func openStore(t *testing.T, path string) *checkpoint.Store {
	t.Helper()
	store, err := checkpoint.NewStore(checkpoint.Config{Path: path})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testBethe(t *testing.T, cfg *config.Config) *lattice.Bethe {
	t.Helper()
	msh, err := cfg.NewMesh()
	if err != nil {
		t.Fatalf("NewMesh: %v", err)
	}
	shape := []gf.BlockDim{
		{Label: upLbl, Dim: 1},
		{Label: downLbl, Dim: 1},
	}
	specs := make([]lattice.SiteSpec, cfg.NSites())
	for i := range specs {
		specs[i] = lattice.SiteSpec{Shape: shape, HalfBandwidth: 2.0}
	}
	b, err := lattice.NewBethe(msh, specs)
	if err != nil {
		t.Fatalf("NewBethe: %v", err)
	}
	return b
}

func newTestEngine(t *testing.T, cfg *config.Config, store *checkpoint.Store, opts ...func(*Options)) *Engine {
	t.Helper()
	o := Options{
		Config:    cfg,
		Lattice:   testBethe(t, cfg),
		Store:     store,
		NoiseSeed: 1,
	}
	for _, f := range opts {
		f(&o)
	}
	e, err := New(o)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func TestEndToEndThreeSites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "job.db")
	cfg := testConfig(path, 3)
	store := openStore(t, path)

	e := newTestEngine(t, cfg, store)
	status, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if status != RunStatusExhausted {
		t.Fatalf("status = %s, want %s", status, RunStatusExhausted)
	}

	ctx := context.Background()
	iters, err := store.ListIterations(ctx, e.RunID())
	if err != nil {
		t.Fatalf("ListIterations: %v", err)
	}
	if len(iters) != 5 {
		t.Fatalf("got %d iteration records, want 5", len(iters))
	}

	// Mixing is active from iteration two on; the self-energy change
	// must not grow afterwards.
	var deltas []float64
	for _, it := range iters {
		rec, err := store.LoadIteration(ctx, e.RunID(), it.N)
		if err != nil {
			t.Fatalf("LoadIteration(%d): %v", it.N, err)
		}
		deltas = append(deltas, rec.Observables[convergence.QuantitySigma])
	}
	for n := 2; n < len(deltas); n++ {
		if deltas[n] > deltas[n-1]+1e-12 {
			t.Errorf("d_sigma grew from %g to %g at iteration %d", deltas[n-1], deltas[n], n+1)
		}
	}

	last, err := store.LastIteration(ctx, e.RunID())
	if err != nil {
		t.Fatalf("LastIteration: %v", err)
	}
	if d := math.Abs(last.Density - cfg.General.TargetDensity); d > 2*cfg.General.PrecMu {
		t.Errorf("final density off target by %g, precision %g", d, cfg.General.PrecMu)
	}
}

func TestRestartIdempotence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "job.db")
	cfg := testConfig(path, 2)
	cfg.General.NIter = 3
	cfg.General.TargetDensity = 2

	store := openStore(t, path)
	e := newTestEngine(t, cfg, store)
	if _, err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	ctx := context.Background()
	before, err := store.LastIteration(ctx, e.RunID())
	if err != nil {
		t.Fatalf("LastIteration: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Resume with an exhausted budget: zero further iterations, state
	// untouched.
	store2 := openStore(t, path)
	e2 := newTestEngine(t, cfg, store2)
	status, err := e2.Run(context.Background())
	if err != nil {
		t.Fatalf("resumed Run: %v", err)
	}
	if status != RunStatusExhausted {
		t.Fatalf("resumed status = %s, want %s", status, RunStatusExhausted)
	}
	after, err := store2.LastIteration(ctx, e2.RunID())
	if err != nil {
		t.Fatalf("LastIteration after resume: %v", err)
	}

	if after.N != before.N {
		t.Fatalf("iteration cursor moved from %d to %d", before.N, after.N)
	}
	if after.Mu != before.Mu {
		t.Errorf("chemical potential changed from %v to %v", before.Mu, after.Mu)
	}
	for i := range before.Sites {
		a, err := gf.FromPayload(before.Sites[i].Sigma)
		if err != nil {
			t.Fatalf("FromPayload: %v", err)
		}
		b, err := gf.FromPayload(after.Sites[i].Sigma)
		if err != nil {
			t.Fatalf("FromPayload: %v", err)
		}
		d, err := a.L2Delta(b)
		if err != nil {
			t.Fatalf("L2Delta: %v", err)
		}
		if d != 0 {
			t.Errorf("site %d self-energy changed by %g on a zero-iteration resume", i, d)
		}
	}
}

func TestStickyConvergenceThroughSampling(t *testing.T) {
	path := filepath.Join(t.TempDir(), "job.db")
	cfg := testConfig(path, 1)
	cfg.General.TargetDensity = 1
	cfg.General.NIterSampling = 3
	// Loose enough to converge on the first iteration.
	cfg.Convergence.Criteria = []config.CriterionSpec{
		{Quantity: "d_mu", Mode: "abs", Tol: 1e3},
	}
	store := openStore(t, path)

	e := newTestEngine(t, cfg, store)
	status, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if status != RunStatusConverged {
		t.Fatalf("status = %s, want %s", status, RunStatusConverged)
	}

	iters, err := store.ListIterations(context.Background(), e.RunID())
	if err != nil {
		t.Fatalf("ListIterations: %v", err)
	}
	// One converging iteration plus three sampling iterations.
	if len(iters) != 4 {
		t.Fatalf("got %d iteration records, want 4", len(iters))
	}
	for _, it := range iters {
		if !it.Converged {
			t.Errorf("iteration %d lost the converged flag", it.N)
		}
	}
}

// staticImpurity is a deterministic stand-in for a quantum solver: it
// returns a frequency-independent self-energy of fixed value.
type staticImpurity struct {
	value complex128
}

func (s *staticImpurity) Kind() solver.Kind { return solver.KindCTHyb }

func (s *staticImpurity) Solve(_ context.Context, in solver.Input) (solver.Result, error) {
	sigma := in.G0.Copy()
	sigma.Zero()
	for _, blk := range sigma.Blocks() {
		_ = sigma.AddScalarDiag(blk.Label, s.value)
	}
	return solver.Result{
		Sigma:   sigma,
		GImp:    in.G0.Copy(),
		Density: in.G0.Density(),
	}, nil
}

func withStubSolver(value complex128) func(*Options) {
	return func(o *Options) {
		o.Backends = map[solver.Kind]solver.Impurity{
			solver.KindCTHyb: &staticImpurity{value: value},
		}
	}
}

func TestLoadExternalDCShift(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "archive.db")

	// Writer run: fixed-value double counting of 1.0.
	cfgA := testConfig(archivePath, 1)
	cfgA.General.TargetDensity = 1
	cfgA.General.NIter = 2
	cfgA.Solver.Type = config.Single("cthyb")
	cfgA.DC = config.DCConfig{
		Enabled:    true,
		Formula:    config.Single("fixed_value"),
		FixedValue: config.Single(1.0),
	}
	storeA := openStore(t, archivePath)
	eA := newTestEngine(t, cfgA, storeA, withStubSolver(0.25))
	if _, err := eA.Run(context.Background()); err != nil {
		t.Fatalf("archive Run: %v", err)
	}
	last, err := storeA.LastIteration(context.Background(), eA.RunID())
	if err != nil {
		t.Fatalf("LastIteration: %v", err)
	}
	loaded, err := gf.FromPayload(last.Sites[0].Sigma)
	if err != nil {
		t.Fatalf("FromPayload: %v", err)
	}

	load := func(t *testing.T, fixed float64) *Engine {
		t.Helper()
		path := filepath.Join(t.TempDir(), "job.db")
		cfg := testConfig(path, 1)
		cfg.General.TargetDensity = 1
		cfg.General.LoadSigma = archivePath
		cfg.Solver.Type = config.Single("cthyb")
		cfg.DC = config.DCConfig{
			Enabled:    true,
			Formula:    config.Single("fixed_value"),
			FixedValue: config.Single(fixed),
		}
		e := newTestEngine(t, cfg, openStore(t, path), withStubSolver(0.25))
		if err := e.setup(context.Background()); err != nil {
			t.Fatalf("setup: %v", err)
		}
		return e
	}

	t.Run("unchanged shift leaves sigma alone", func(t *testing.T) {
		e := load(t, 1.0)
		d, err := e.sigma[0].L2Delta(loaded)
		if err != nil {
			t.Fatalf("L2Delta: %v", err)
		}
		if d > 1e-12 {
			t.Errorf("sigma changed by %g with an identical double counting", d)
		}
	})

	t.Run("changed shift moves sigma by minus delta", func(t *testing.T) {
		e := load(t, 0.4)
		// delta_dc = 1.0 - 0.4; corrected = loaded - delta_dc.
		want := loaded.Block(upLbl).Data[0].At(0, 0) - complex(0.6, 0)
		got := e.sigma[0].Block(upLbl).Data[0].At(0, 0)
		if cmplx.Abs(got-want) > 1e-10 {
			t.Errorf("corrected sigma = %v, want %v", got, want)
		}
	})
}

func TestDoubleCountingCadence(t *testing.T) {
	// The stub solver returns a static self-energy far from the FLL
	// cold-start value, so the measured impurity density moves between
	// the first and second iterations.
	run := func(t *testing.T, cadence string) []gf.MatrixSet {
		t.Helper()
		path := filepath.Join(t.TempDir(), "job.db")
		cfg := testConfig(path, 1)
		cfg.General.TargetDensity = 1
		cfg.General.NIter = 3
		// A variance window wider than NIter keeps the criterion
		// indeterminate, so the run completes all three iterations
		// even though the stub solver is static.
		cfg.Convergence.Criteria = []config.CriterionSpec{
			{Quantity: "d_sigma", Mode: "variance", Tol: 1e-30, Window: 10},
		}
		cfg.Solver.Type = config.Single("cthyb")
		cfg.DC = config.DCConfig{
			Enabled: true,
			Formula: config.Single("fll"),
			Cadence: cadence,
		}
		store := openStore(t, path)
		e := newTestEngine(t, cfg, store, withStubSolver(0.25))
		if _, err := e.Run(context.Background()); err != nil {
			t.Fatalf("Run: %v", err)
		}
		ctx := context.Background()
		var pots []gf.MatrixSet
		for n := 1; n <= 3; n++ {
			rec, err := store.LoadIteration(ctx, e.RunID(), n)
			if err != nil {
				t.Fatalf("LoadIteration(%d): %v", n, err)
			}
			pot, err := gf.SetFromPayload(rec.Sites[0].DCPotential)
			if err != nil {
				t.Fatalf("SetFromPayload: %v", err)
			}
			pots = append(pots, pot)
		}
		return pots
	}

	t.Run("every recomputes per iteration", func(t *testing.T) {
		pots := run(t, config.DCCadenceEvery)
		if pots[0].AllClose(pots[1], 1e-8) {
			t.Error("potential did not follow the density change between iterations")
		}
	})

	t.Run("once freezes the initial shift", func(t *testing.T) {
		pots := run(t, config.DCCadenceOnce)
		if pots[0].Trace() == 0 {
			t.Fatal("initial shift must be nonzero for an interacting site")
		}
		for n := 1; n < len(pots); n++ {
			if !pots[0].AllClose(pots[n], 1e-14) {
				t.Errorf("shift moved at iteration %d", n+1)
			}
		}
	})

	t.Run("never pins the shift at zero", func(t *testing.T) {
		pots := run(t, config.DCCadenceNever)
		for n, pot := range pots {
			if pot.Trace() != 0 {
				t.Errorf("iteration %d carries a nonzero shift %g", n+1, pot.Trace())
			}
		}
	})
}

func TestForcedDegeneracyGroups(t *testing.T) {
	// A magnetic run strips cross-spin degeneracies; a forced group
	// pins the two channels back together.
	path := filepath.Join(t.TempDir(), "job.db")
	cfg := testConfig(path, 1)
	cfg.General.TargetDensity = 1
	cfg.General.Magnetic = true
	cfg.General.Magmom = config.List(0.2)
	cfg.Lattice.DegeneracyMap = map[int][][]string{0: {{"up_0", "down_0"}}}
	store := openStore(t, path)

	e := newTestEngine(t, cfg, store)
	if err := e.setup(context.Background()); err != nil {
		t.Fatalf("setup: %v", err)
	}
	degs := e.structure.Site(0).Degeneracies
	if len(degs) != 1 || len(degs[0]) != 2 {
		t.Fatalf("degeneracy groups = %v, want one spanning both channels", degs)
	}

	cfg2 := testConfig(filepath.Join(t.TempDir(), "bad.db"), 1)
	cfg2.General.TargetDensity = 1
	cfg2.Lattice.DegeneracyMap = map[int][][]string{0: {{"up_7"}}}
	e2 := newTestEngine(t, cfg2, openStore(t, cfg2.Store.Path))
	if err := e2.setup(context.Background()); err == nil {
		t.Error("unknown block label in the degeneracy map should fail")
	}
}

func TestMagneticColdStartBias(t *testing.T) {
	// A positive moment seeds the up channel below the down channel.
	path := filepath.Join(t.TempDir(), "job.db")
	cfg := testConfig(path, 1)
	cfg.General.TargetDensity = 1
	cfg.General.Magnetic = true
	cfg.General.Magmom = config.List(0.3)
	store := openStore(t, path)

	e := newTestEngine(t, cfg, store)
	if err := e.setup(context.Background()); err != nil {
		t.Fatalf("setup: %v", err)
	}
	up := real(e.sigma[0].Block(upLbl).Data[0].At(0, 0))
	down := real(e.sigma[0].Block(downLbl).Data[0].At(0, 0))
	if up >= down {
		t.Errorf("up level %g is not below down level %g", up, down)
	}
	if d := down - up; math.Abs(d-0.6) > 1e-12 {
		t.Errorf("splitting = %g, want 0.6", d)
	}
}

func TestAFMShortcutCopiesFlippedPartner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "job.db")
	cfg := testConfig(path, 2)
	cfg.General.TargetDensity = 2
	cfg.General.NIter = 3
	cfg.General.Magnetic = true
	cfg.General.AFMOrder = true
	cfg.General.Magmom = config.List(0.3, -0.3)
	cfg.General.AFMPartner = []int{-1, 0}
	store := openStore(t, path)

	e := newTestEngine(t, cfg, store)
	if _, err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	last, err := store.LastIteration(context.Background(), e.RunID())
	if err != nil {
		t.Fatalf("LastIteration: %v", err)
	}
	s0, err := gf.FromPayload(last.Sites[0].Sigma)
	if err != nil {
		t.Fatalf("FromPayload: %v", err)
	}
	s1, err := gf.FromPayload(last.Sites[1].Sigma)
	if err != nil {
		t.Fatalf("FromPayload: %v", err)
	}
	flipped, err := SpinFlip(s0)
	if err != nil {
		t.Fatalf("SpinFlip: %v", err)
	}
	d, err := s1.L2Delta(flipped)
	if err != nil {
		t.Fatalf("L2Delta: %v", err)
	}
	if d > 1e-12 {
		t.Errorf("partner self-energy deviates from the spin flip by %g", d)
	}
}

func TestStopSentinelEndsRunCleanly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "job.db")
	if err := os.WriteFile(filepath.Join(dir, StopFileName), nil, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg := testConfig(path, 1)
	cfg.General.TargetDensity = 1
	store := openStore(t, path)

	e := newTestEngine(t, cfg, store, func(o *Options) { o.WatchStop = true })
	status, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if status != RunStatusStopped {
		t.Fatalf("status = %s, want %s", status, RunStatusStopped)
	}
	iters, err := store.ListIterations(context.Background(), e.RunID())
	if err != nil {
		t.Fatalf("ListIterations: %v", err)
	}
	if len(iters) != 0 {
		t.Errorf("sentinel present before the run, got %d iterations", len(iters))
	}
}
