package engine

import (
	"encoding/json"
	"testing"
)

func TestPhasePredicates(t *testing.T) {
	tests := []struct {
		phase    Phase
		terminal bool
		active   bool
	}{
		{PhaseSetup, false, false},
		{PhaseIterating, false, true},
		{PhaseSampling, false, true},
		{PhaseDone, true, false},
		{PhaseFailed, true, false},
	}
	for _, tt := range tests {
		if err := tt.phase.Validate(); err != nil {
			t.Errorf("Validate(%s): %v", tt.phase, err)
		}
		if got := tt.phase.IsTerminal(); got != tt.terminal {
			t.Errorf("IsTerminal(%s) = %v, want %v", tt.phase, got, tt.terminal)
		}
		if got := tt.phase.IsActive(); got != tt.active {
			t.Errorf("IsActive(%s) = %v, want %v", tt.phase, got, tt.active)
		}
	}
	if err := Phase("cooking").Validate(); err == nil {
		t.Error("Validate accepted an unknown phase")
	}
}

func TestRunStatusSuccessful(t *testing.T) {
	for _, s := range []RunStatus{RunStatusConverged, RunStatusExhausted, RunStatusStopped} {
		if !s.Successful() {
			t.Errorf("Successful(%s) = false", s)
		}
	}
	if RunStatusFailed.Successful() {
		t.Error("Successful(failed) = true")
	}
}

func TestRunStatusJSONRoundTrip(t *testing.T) {
	data, err := json.Marshal(RunStatusConverged)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var s RunStatus
	if err := json.Unmarshal(data, &s); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if s != RunStatusConverged {
		t.Errorf("got %s, want %s", s, RunStatusConverged)
	}
	if err := json.Unmarshal([]byte(`"perfect"`), &s); err == nil {
		t.Error("Unmarshal accepted an unknown status")
	}
}
