package engine

import (
	"encoding/json"
	"fmt"
)

// Phase represents the stage the self-consistency loop is currently in.
type Phase string

const (
	// PhaseSetup indicates the run is building its lattice, solvers and store.
	PhaseSetup Phase = "setup"

	// PhaseIterating indicates the main self-consistency loop is running.
	PhaseIterating Phase = "iterating"

	// PhaseSampling indicates extra post-convergence iterations for
	// statistics are running.
	PhaseSampling Phase = "sampling"

	// PhaseDone indicates the run finished cleanly.
	PhaseDone Phase = "done"

	// PhaseFailed indicates the run aborted with an error.
	PhaseFailed Phase = "failed"
)

// IsTerminal returns true if the phase represents a final state.
func (p Phase) IsTerminal() bool {
	return p == PhaseDone || p == PhaseFailed
}

// IsActive returns true if the loop is still producing iterations.
func (p Phase) IsActive() bool {
	return p == PhaseIterating || p == PhaseSampling
}

// Validate checks if the phase is valid.
func (p Phase) Validate() error {
	switch p {
	case PhaseSetup, PhaseIterating, PhaseSampling, PhaseDone, PhaseFailed:
		return nil
	default:
		return fmt.Errorf("invalid phase: %s", p)
	}
}

// RunStatus summarizes how a run ended.
type RunStatus string

const (
	// RunStatusConverged indicates every convergence criterion was satisfied.
	RunStatusConverged RunStatus = "converged"

	// RunStatusExhausted indicates the iteration budget ran out before
	// convergence.
	RunStatusExhausted RunStatus = "exhausted"

	// RunStatusStopped indicates the run was stopped by request and left a
	// consistent checkpoint.
	RunStatusStopped RunStatus = "stopped"

	// RunStatusFailed indicates the run aborted with an error.
	RunStatusFailed RunStatus = "failed"
)

// Successful returns true if the run completed without error.
func (s RunStatus) Successful() bool {
	return s == RunStatusConverged || s == RunStatusExhausted || s == RunStatusStopped
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusConverged, RunStatusExhausted, RunStatusStopped, RunStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s RunStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *RunStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = RunStatus(str)
	return s.Validate()
}
