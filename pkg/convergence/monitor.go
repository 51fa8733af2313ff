package convergence

import (
	"fmt"
	"math"
)

// Quantity names a tracked observable. The delta quantities hold the
// change against the previous iteration, reduced over sites by the
// caller.
type Quantity string

const (
	QuantityGImp   Quantity = "d_g_imp"
	QuantityG0     Quantity = "d_g0"
	QuantitySigma  Quantity = "d_sigma"
	QuantityMu     Quantity = "d_mu"
	QuantityOcc    Quantity = "d_occ"
	QuantityEnergy Quantity = "d_energy"
)

// Mode selects how a criterion interprets its threshold.
type Mode string

const (
	// ModeAbs passes when the latest value is at or below the threshold.
	ModeAbs Mode = "abs"
	// ModeRel passes when the latest value has shrunk to the threshold
	// fraction of the first value in the window.
	ModeRel Mode = "rel"
	// ModeVariance passes when the standard deviation over the window
	// is at or below the threshold.
	ModeVariance Mode = "variance"
)

// Status is the outcome of one convergence check.
type Status string

const (
	StatusConverged     Status = "converged"
	StatusNotConverged  Status = "not_converged"
	StatusIndeterminate Status = "indeterminate"
)

// Criterion watches one observable. Window is the number of recent
// samples the mode looks at; it defaults to 1 for ModeAbs and is
// required to be at least 2 for the other modes.
type Criterion struct {
	Quantity Quantity
	Mode     Mode
	Tol      float64
	Window   int
}

func (c Criterion) validate() error {
	switch c.Mode {
	case ModeAbs:
		if c.Window < 0 {
			return fmt.Errorf("criterion %s: negative window", c.Quantity)
		}
	case ModeRel, ModeVariance:
		if c.Window < 2 {
			return fmt.Errorf("criterion %s: mode %s needs a window of at least 2", c.Quantity, c.Mode)
		}
	default:
		return fmt.Errorf("criterion %s: unknown mode %q", c.Quantity, c.Mode)
	}
	if c.Tol <= 0 {
		return fmt.Errorf("criterion %s: tolerance must be positive", c.Quantity)
	}
	return nil
}

// Record carries the observables of one finished iteration.
type Record map[Quantity]float64

// Monitor accumulates records and evaluates the configured criteria.
type Monitor struct {
	criteria []Criterion
	maxLen   int
	history  map[Quantity][]float64
	sticky   bool
}

// NewMonitor validates the criteria and builds a monitor. maxLen bounds
// the retained history per quantity; it must cover the largest window.
func NewMonitor(criteria []Criterion, maxLen int) (*Monitor, error) {
	if len(criteria) == 0 {
		return nil, fmt.Errorf("no convergence criteria configured")
	}
	need := 1
	for _, c := range criteria {
		if err := c.validate(); err != nil {
			return nil, err
		}
		if c.Window > need {
			need = c.Window
		}
	}
	if maxLen < need {
		return nil, fmt.Errorf("history length %d does not cover the largest window %d", maxLen, need)
	}
	return &Monitor{
		criteria: criteria,
		maxLen:   maxLen,
		history:  make(map[Quantity][]float64),
	}, nil
}

// Observe appends one iteration's observables. Quantities missing from
// the record get no sample for this iteration.
func (m *Monitor) Observe(rec Record) {
	for q, v := range rec {
		h := append(m.history[q], v)
		if len(h) > m.maxLen {
			h = h[len(h)-m.maxLen:]
		}
		m.history[q] = h
	}
}

// History returns the retained samples for one quantity, oldest first.
func (m *Monitor) History(q Quantity) []float64 {
	return append([]float64(nil), m.history[q]...)
}

// Check evaluates every criterion against the current history. The
// result is converged only when all criteria pass; a single failing
// criterion wins over any number of indeterminate ones.
func (m *Monitor) Check() Status {
	if m.sticky {
		return StatusConverged
	}
	sawIndeterminate := false
	for _, c := range m.criteria {
		switch m.evaluate(c) {
		case StatusNotConverged:
			return StatusNotConverged
		case StatusIndeterminate:
			sawIndeterminate = true
		}
	}
	if sawIndeterminate {
		return StatusIndeterminate
	}
	m.sticky = true
	return StatusConverged
}

// Converged reports the sticky flag without re-evaluating.
func (m *Monitor) Converged() bool { return m.sticky }

func (m *Monitor) evaluate(c Criterion) Status {
	h := m.history[c.Quantity]
	switch c.Mode {
	case ModeAbs:
		if len(h) == 0 {
			return StatusIndeterminate
		}
		if h[len(h)-1] <= c.Tol {
			return StatusConverged
		}
		return StatusNotConverged
	case ModeRel:
		if len(h) < c.Window {
			return StatusIndeterminate
		}
		w := h[len(h)-c.Window:]
		first := math.Abs(w[0])
		if first == 0 {
			if w[len(w)-1] == 0 {
				return StatusConverged
			}
			return StatusNotConverged
		}
		if math.Abs(w[len(w)-1])/first <= c.Tol {
			return StatusConverged
		}
		return StatusNotConverged
	case ModeVariance:
		if len(h) < c.Window {
			return StatusIndeterminate
		}
		if stddev(h[len(h)-c.Window:]) <= c.Tol {
			return StatusConverged
		}
		return StatusNotConverged
	}
	return StatusNotConverged
}

func stddev(vals []float64) float64 {
	mean := 0.0
	for _, v := range vals {
		mean += v
	}
	mean /= float64(len(vals))
	s := 0.0
	for _, v := range vals {
		d := v - mean
		s += d * d
	}
	return math.Sqrt(s / float64(len(vals)))
}

// Payload is the serializable monitor state for restarts.
type Payload struct {
	History map[Quantity][]float64 `json:"history"`
	Sticky  bool                   `json:"sticky"`
}

func (m *Monitor) Payload() Payload {
	p := Payload{History: make(map[Quantity][]float64, len(m.history)), Sticky: m.sticky}
	for q, h := range m.history {
		p.History[q] = append([]float64(nil), h...)
	}
	return p
}

func (m *Monitor) Restore(p Payload) {
	m.history = make(map[Quantity][]float64, len(p.History))
	for q, h := range p.History {
		if len(h) > m.maxLen {
			h = h[len(h)-m.maxLen:]
		}
		m.history[q] = append([]float64(nil), h...)
	}
	m.sticky = p.Sticky
}
