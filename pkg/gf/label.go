package gf

import (
	"fmt"
	"strconv"
	"strings"
)

// Spin identifies the spin channel of a block.
type Spin string

const (
	// SpinUp is the majority channel of a spin-resolved block.
	SpinUp Spin = "up"

	// SpinDown is the minority channel of a spin-resolved block.
	SpinDown Spin = "down"

	// SpinNone marks blocks without a spin identity, e.g. in spin-orbit
	// coupled bases where the channels are mixed.
	SpinNone Spin = "none"
)

// BlockLabel identifies one symmetry block of a site. The spin channel is
// an explicit field so that magnetic degeneracy handling never has to
// parse label strings.
type BlockLabel struct {
	Spin  Spin `json:"spin"`
	Index int  `json:"index"`
}

// String renders the label in the conventional "up_0" form.
func (l BlockLabel) String() string {
	if l.Spin == SpinNone {
		return fmt.Sprintf("blk_%d", l.Index)
	}
	return fmt.Sprintf("%s_%d", l.Spin, l.Index)
}

// Flipped returns the label with up and down exchanged. Spinless labels
// are returned unchanged.
func (l BlockLabel) Flipped() BlockLabel {
	switch l.Spin {
	case SpinUp:
		return BlockLabel{Spin: SpinDown, Index: l.Index}
	case SpinDown:
		return BlockLabel{Spin: SpinUp, Index: l.Index}
	}
	return l
}

// ParseLabel parses the "up_0" / "down_3" / "blk_1" form back into a label.
func ParseLabel(s string) (BlockLabel, error) {
	i := strings.LastIndexByte(s, '_')
	if i < 0 {
		return BlockLabel{}, fmt.Errorf("gf: malformed block label %q", s)
	}
	idx, err := strconv.Atoi(s[i+1:])
	if err != nil {
		return BlockLabel{}, fmt.Errorf("gf: malformed block index in %q", s)
	}
	switch prefix := s[:i]; prefix {
	case "up":
		return BlockLabel{Spin: SpinUp, Index: idx}, nil
	case "down":
		return BlockLabel{Spin: SpinDown, Index: idx}, nil
	case "blk":
		return BlockLabel{Spin: SpinNone, Index: idx}, nil
	default:
		return BlockLabel{}, fmt.Errorf("gf: unknown block label prefix %q", prefix)
	}
}
