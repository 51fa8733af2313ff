package solver

import "fmt"

// Kind names a solver backend. The set is closed: configuration strings
// outside it are rejected up front instead of failing mid-loop.
type Kind string

const (
	// KindCTHyb is the hybridization-expansion continuous-time Monte
	// Carlo solver.
	KindCTHyb Kind = "cthyb"
	// KindCTSeg is the segment-picture continuous-time solver for
	// density-density interactions.
	KindCTSeg Kind = "ctseg"
	// KindHartree is the static Hartree-Fock solver.
	KindHartree Kind = "hartree"
	// KindFTPS is the fork tensor-product state solver on the real
	// frequency axis.
	KindFTPS Kind = "ftps"
)

// ParseKind maps a config string onto a known backend.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindCTHyb, KindCTSeg, KindHartree, KindFTPS:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown solver kind %q", s)
}

// OwnsDoubleCounting reports whether the backend computes its own
// double-counting correction, so the engine must not apply one.
func (k Kind) OwnsDoubleCounting() bool { return k == KindHartree }

// NeedsHybridization reports whether the backend consumes the
// hybridization function instead of the bare Weiss field.
func (k Kind) NeedsHybridization() bool {
	switch k {
	case KindCTHyb, KindCTSeg, KindFTPS:
		return true
	}
	return false
}

// SupportsChiMeasurement reports whether the backend can sample
// dynamic susceptibilities during the measurement phase.
func (k Kind) SupportsChiMeasurement() bool {
	switch k {
	case KindCTHyb, KindCTSeg:
		return true
	}
	return false
}

// RealFrequency reports whether the backend works on the real axis.
func (k Kind) RealFrequency() bool { return k == KindFTPS }
