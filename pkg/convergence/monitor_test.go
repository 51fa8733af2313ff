package convergence

import (
	"math"
	"testing"
)

func TestNewMonitorValidates(t *testing.T) {
	tests := []struct {
		name     string
		criteria []Criterion
		maxLen   int
	}{
		{name: "no criteria", criteria: nil, maxLen: 10},
		{
			name:     "zero tolerance",
			criteria: []Criterion{{Quantity: QuantitySigma, Mode: ModeAbs, Tol: 0}},
			maxLen:   10,
		},
		{
			name:     "variance window too small",
			criteria: []Criterion{{Quantity: QuantitySigma, Mode: ModeVariance, Tol: 1e-4, Window: 1}},
			maxLen:   10,
		},
		{
			name:     "history shorter than window",
			criteria: []Criterion{{Quantity: QuantitySigma, Mode: ModeVariance, Tol: 1e-4, Window: 8}},
			maxLen:   4,
		},
		{
			name:     "unknown mode",
			criteria: []Criterion{{Quantity: QuantitySigma, Mode: Mode("bogus"), Tol: 1e-4}},
			maxLen:   10,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewMonitor(tc.criteria, tc.maxLen); err == nil {
				t.Fatal("NewMonitor accepted invalid input")
			}
		})
	}
}

func TestAbsCriterion(t *testing.T) {
	m, err := NewMonitor([]Criterion{
		{Quantity: QuantitySigma, Mode: ModeAbs, Tol: 1e-3},
	}, 10)
	if err != nil {
		t.Fatalf("NewMonitor: %v", err)
	}

	if got := m.Check(); got != StatusIndeterminate {
		t.Errorf("empty history check = %v, want indeterminate", got)
	}
	m.Observe(Record{QuantitySigma: 0.1})
	if got := m.Check(); got != StatusNotConverged {
		t.Errorf("check above tolerance = %v, want not converged", got)
	}
	m.Observe(Record{QuantitySigma: 5e-4})
	if got := m.Check(); got != StatusConverged {
		t.Errorf("check below tolerance = %v, want converged", got)
	}
}

func TestStickyConvergence(t *testing.T) {
	m, err := NewMonitor([]Criterion{
		{Quantity: QuantityMu, Mode: ModeAbs, Tol: 1e-3},
	}, 10)
	if err != nil {
		t.Fatalf("NewMonitor: %v", err)
	}

	m.Observe(Record{QuantityMu: 1e-4})
	if got := m.Check(); got != StatusConverged {
		t.Fatalf("check = %v, want converged", got)
	}
	// A later excursion above tolerance does not revoke convergence.
	m.Observe(Record{QuantityMu: 0.5})
	if got := m.Check(); got != StatusConverged {
		t.Errorf("check after excursion = %v, convergence should be sticky", got)
	}
	if !m.Converged() {
		t.Error("Converged() = false after a passing check")
	}
}

func TestAllCriteriaMustPass(t *testing.T) {
	m, err := NewMonitor([]Criterion{
		{Quantity: QuantitySigma, Mode: ModeAbs, Tol: 1e-3},
		{Quantity: QuantityMu, Mode: ModeAbs, Tol: 1e-3},
	}, 10)
	if err != nil {
		t.Fatalf("NewMonitor: %v", err)
	}

	m.Observe(Record{QuantitySigma: 1e-4, QuantityMu: 0.5})
	if got := m.Check(); got != StatusNotConverged {
		t.Errorf("check with one failing criterion = %v, want not converged", got)
	}
	m.Observe(Record{QuantitySigma: 1e-4, QuantityMu: 1e-4})
	if got := m.Check(); got != StatusConverged {
		t.Errorf("check with all passing = %v, want converged", got)
	}
}

func TestFailingBeatsIndeterminate(t *testing.T) {
	m, err := NewMonitor([]Criterion{
		{Quantity: QuantitySigma, Mode: ModeAbs, Tol: 1e-3},
		{Quantity: QuantityEnergy, Mode: ModeVariance, Tol: 1e-6, Window: 4},
	}, 10)
	if err != nil {
		t.Fatalf("NewMonitor: %v", err)
	}

	// One sample: sigma fails, energy variance cannot be evaluated yet.
	m.Observe(Record{QuantitySigma: 0.1, QuantityEnergy: -12.5})
	if got := m.Check(); got != StatusNotConverged {
		t.Errorf("check = %v, want not converged", got)
	}
}

func TestRelCriterion(t *testing.T) {
	m, err := NewMonitor([]Criterion{
		{Quantity: QuantityGImp, Mode: ModeRel, Tol: 0.1, Window: 3},
	}, 10)
	if err != nil {
		t.Fatalf("NewMonitor: %v", err)
	}

	m.Observe(Record{QuantityGImp: 1.0})
	m.Observe(Record{QuantityGImp: 0.5})
	if got := m.Check(); got != StatusIndeterminate {
		t.Errorf("check before window filled = %v, want indeterminate", got)
	}
	m.Observe(Record{QuantityGImp: 0.3})
	if got := m.Check(); got != StatusNotConverged {
		t.Errorf("check at 30%% of window start = %v, want not converged", got)
	}
	m.Observe(Record{QuantityGImp: 0.04})
	// Window is now [0.5 0.3 0.04]; 0.04/0.5 = 8% <= 10%.
	if got := m.Check(); got != StatusConverged {
		t.Errorf("check at 8%% of window start = %v, want converged", got)
	}
}

func TestVarianceCriterion(t *testing.T) {
	m, err := NewMonitor([]Criterion{
		{Quantity: QuantityEnergy, Mode: ModeVariance, Tol: 1e-3, Window: 4},
	}, 10)
	if err != nil {
		t.Fatalf("NewMonitor: %v", err)
	}

	for _, v := range []float64{-10, -11, -12, -12.5} {
		m.Observe(Record{QuantityEnergy: v})
	}
	if got := m.Check(); got != StatusNotConverged {
		t.Errorf("check on drifting energy = %v, want not converged", got)
	}
	for i := 0; i < 4; i++ {
		m.Observe(Record{QuantityEnergy: -12.6})
	}
	if got := m.Check(); got != StatusConverged {
		t.Errorf("check on settled energy = %v, want converged", got)
	}
}

func TestHistoryBounded(t *testing.T) {
	m, err := NewMonitor([]Criterion{
		{Quantity: QuantitySigma, Mode: ModeAbs, Tol: 1e-3},
	}, 3)
	if err != nil {
		t.Fatalf("NewMonitor: %v", err)
	}
	for i := 0; i < 10; i++ {
		m.Observe(Record{QuantitySigma: float64(i)})
	}
	h := m.History(QuantitySigma)
	if len(h) != 3 {
		t.Fatalf("history length = %d, want 3", len(h))
	}
	if h[0] != 7 || h[2] != 9 {
		t.Errorf("history = %v, want the three newest samples", h)
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	m, err := NewMonitor([]Criterion{
		{Quantity: QuantitySigma, Mode: ModeAbs, Tol: 1e-3},
	}, 10)
	if err != nil {
		t.Fatalf("NewMonitor: %v", err)
	}
	m.Observe(Record{QuantitySigma: 1e-4})
	if got := m.Check(); got != StatusConverged {
		t.Fatalf("check = %v, want converged", got)
	}

	restored, err := NewMonitor([]Criterion{
		{Quantity: QuantitySigma, Mode: ModeAbs, Tol: 1e-3},
	}, 10)
	if err != nil {
		t.Fatalf("NewMonitor: %v", err)
	}
	restored.Restore(m.Payload())
	if !restored.Converged() {
		t.Error("restored monitor lost the sticky flag")
	}
	got := restored.History(QuantitySigma)
	if len(got) != 1 || math.Abs(got[0]-1e-4) > 0 {
		t.Errorf("restored history = %v", got)
	}
}
