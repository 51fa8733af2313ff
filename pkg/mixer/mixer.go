package mixer

import (
	"fmt"

	"github.com/dysonloop/dysonloop/pkg/gf"
)

// Method names a mixing scheme.
type Method string

const (
	MethodLinear  Method = "linear"
	MethodBroyden Method = "broyden"
)

// ParseMethod maps a config string onto a known scheme.
func ParseMethod(s string) (Method, error) {
	switch Method(s) {
	case MethodLinear, MethodBroyden:
		return Method(s), nil
	}
	return "", fmt.Errorf("unknown mixing method %q", s)
}

// Mixer blends the previous accepted value with the freshly computed
// one. Implementations may keep internal history between calls.
type Mixer interface {
	// Mix returns the damped update. prev and next must share a block
	// shape; neither is modified.
	Mix(prev, next *gf.BlockFunction) (*gf.BlockFunction, error)

	// Payload exports the internal history for persistence.
	Payload() Payload

	// Restore replaces the internal history from a payload.
	Restore(Payload) error
}

// New builds a mixer for the given method. alpha is the damping weight
// on the new value, history the retained pair count for Broyden.
func New(method Method, alpha float64, history int) (Mixer, error) {
	if alpha <= 0 || alpha > 1 {
		return nil, fmt.Errorf("mixing weight %v outside (0,1]", alpha)
	}
	switch method {
	case MethodLinear:
		return &Linear{Alpha: alpha}, nil
	case MethodBroyden:
		if history < 1 {
			return nil, fmt.Errorf("broyden history %d, need at least 1", history)
		}
		return &Broyden{Alpha: alpha, MaxHistory: history}, nil
	}
	return nil, fmt.Errorf("unknown mixing method %q", method)
}

// Linear is plain damped mixing: out = alpha*next + (1-alpha)*prev.
// Alpha 1 passes the new value through unchanged.
type Linear struct {
	Alpha float64
}

func (l *Linear) Mix(prev, next *gf.BlockFunction) (*gf.BlockFunction, error) {
	if !prev.SameShape(next) {
		return nil, fmt.Errorf("mixing operands have different block shapes")
	}
	out := next.Copy()
	out.Scale(complex(l.Alpha, 0))
	damped := prev.Copy()
	damped.Scale(complex(1-l.Alpha, 0))
	if err := out.Add(damped); err != nil {
		return nil, err
	}
	return out, nil
}

func (l *Linear) Payload() Payload { return Payload{Method: MethodLinear, Alpha: l.Alpha} }

func (l *Linear) Restore(p Payload) error {
	if p.Method != MethodLinear {
		return fmt.Errorf("payload method %q, mixer is linear", p.Method)
	}
	if p.Alpha > 0 {
		l.Alpha = p.Alpha
	}
	return nil
}
