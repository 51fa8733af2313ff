package checkpoint

import (
	"time"

	"github.com/google/uuid"

	"github.com/dysonloop/dysonloop/pkg/blockstruct"
	"github.com/dysonloop/dysonloop/pkg/convergence"
	"github.com/dysonloop/dysonloop/pkg/gf"
	"github.com/dysonloop/dysonloop/pkg/mesh"
	"github.com/dysonloop/dysonloop/pkg/mixer"
)

// Run is the input record of one self-consistency run. Config holds the
// raw validated configuration document so a restart can verify it has
// not drifted.
type Run struct {
	ID        string
	Config    string
	Mesh      mesh.Spec
	Structure blockstruct.Payload
	CreatedAt time.Time
}

// NewRunID generates a fresh run identifier.
func NewRunID() string { return uuid.New().String() }

// SiteRecord is the per-site payload of one iteration.
type SiteRecord struct {
	Site        int                  `json:"site"`
	Sigma       gf.FunctionPayload   `json:"sigma"`
	G0          gf.FunctionPayload   `json:"g0"`
	GImp        gf.FunctionPayload   `json:"g_imp"`
	DCPotential gf.MatrixSetPayload  `json:"dc_potential,omitempty"`
	DCEnergy    float64              `json:"dc_energy"`
	Chi         []float64            `json:"chi,omitempty"`
}

// IterationRecord is one appended iteration of a run.
type IterationRecord struct {
	RunID     string
	N         int
	Mu        float64
	Density   float64
	Converged bool

	Observables convergence.Record
	Monitor     convergence.Payload

	// Mixers maps the mixed quantity name to its mixer history.
	Mixers map[string]mixer.Payload

	Sites []SiteRecord

	CreatedAt time.Time
}

// IterationSummary is the lightweight listing row, without the per-site
// payloads.
type IterationSummary struct {
	N         int
	Mu        float64
	Density   float64
	Converged bool
	CreatedAt time.Time
}
