package config

import (
	"fmt"

	"github.com/dysonloop/dysonloop/pkg/blockstruct"
	"github.com/dysonloop/dysonloop/pkg/convergence"
	"github.com/dysonloop/dysonloop/pkg/doublecounting"
	"github.com/dysonloop/dysonloop/pkg/gf"
	"github.com/dysonloop/dysonloop/pkg/mesh"
	"github.com/dysonloop/dysonloop/pkg/mixer"
	"github.com/dysonloop/dysonloop/pkg/solver"
)

// Config is the full job configuration of one self-consistency run.
type Config struct {
	General     GeneralConfig     `yaml:"general"`
	DC          DCConfig          `yaml:"dc"`
	Lattice     LatticeConfig     `yaml:"lattice"`
	Solver      SolverConfig      `yaml:"solver"`
	Mixing      MixingConfig      `yaml:"mixing"`
	Convergence ConvergenceConfig `yaml:"convergence"`
	Store       StoreConfig       `yaml:"store"`
}

// GeneralConfig holds loop-level parameters.
type GeneralConfig struct {
	// JobName identifies the run in logs and the checkpoint store.
	JobName string `yaml:"job_name" validate:"required"`

	// Beta is the inverse temperature for a Matsubara run. Exactly one
	// of Beta/RealFreq must be given.
	Beta float64 `yaml:"beta" validate:"min=0"`

	// NIW is the number of positive Matsubara frequencies.
	NIW int `yaml:"n_iw" validate:"min=0"`

	// RealFreq selects a real-frequency mesh instead of Matsubara.
	RealFreq *RealFreqConfig `yaml:"real_freq"`

	// NIter is the maximum number of self-consistency iterations.
	NIter int `yaml:"n_iter" validate:"required,min=1"`

	// NIterSampling is the number of extra iterations run after
	// convergence with convergence checks disabled.
	NIterSampling int `yaml:"n_iter_sampling" validate:"min=0"`

	// TargetDensity is the total charge the chemical potential search
	// aims for.
	TargetDensity float64 `yaml:"target_density" validate:"required,gt=0"`

	// MuInitialGuess seeds the chemical potential search on a fresh run.
	MuInitialGuess float64 `yaml:"mu_initial_guess"`

	// PrecMu is the density tolerance of the chemical potential search.
	PrecMu float64 `yaml:"prec_mu" validate:"gt=0"`

	// MuMethod selects the root search scheme.
	MuMethod string `yaml:"mu_method" validate:"oneof=bisection"`

	// HField is an external magnetic field applied to the effective
	// atomic levels; HFieldIt is the iteration after which it is removed
	// (0 keeps it for the whole run).
	HField   float64 `yaml:"h_field"`
	HFieldIt int     `yaml:"h_field_it" validate:"min=0"`

	// Magnetic enables spin-resolved self-energies; Magmom is the
	// per-site initial moment bias applied on cold starts.
	Magnetic bool             `yaml:"magnetic"`
	Magmom   PerSite[float64] `yaml:"magmom"`
	AFMOrder bool             `yaml:"afm_order"`

	// AFMPartner maps each site to the site whose spin-flipped
	// self-energy it copies, or -1 to solve it explicitly.
	AFMPartner []int `yaml:"afm_partner"`

	// NoiseLevel is the amplitude of hermitian Gaussian noise added to
	// a cold-start self-energy on the first iteration.
	NoiseLevel float64 `yaml:"noise_level" validate:"min=0"`

	// LoadSigma is the path of an external self-energy archive to start
	// from.
	LoadSigma string `yaml:"load_sigma"`
}

// RealFreqConfig describes a linear real-frequency window.
type RealFreqConfig struct {
	WMin float64 `yaml:"w_min"`
	WMax float64 `yaml:"w_max"`
	NW   int     `yaml:"n_w" validate:"required,min=2"`
	Eta  float64 `yaml:"eta" validate:"gt=0"`
}

// Double-counting recomputation cadences.
const (
	DCCadenceEvery = "every"
	DCCadenceOnce  = "once"
	DCCadenceNever = "never"
)

// DCConfig holds the double-counting correction parameters.
type DCConfig struct {
	Enabled bool `yaml:"enabled"`

	// Formula is the per-site functional tag.
	Formula PerSite[string] `yaml:"formula"`

	// FixedValue supplies the potential for the fixed_value formula.
	FixedValue PerSite[float64] `yaml:"fixed_value"`

	// FixedOccupation overrides the measured occupation before the
	// functional is evaluated.
	FixedOccupation PerSite[float64] `yaml:"fixed_occupation"`

	// Nominal recomputes the energy from the measured occupation after
	// a fixed-occupation potential was applied.
	Nominal bool `yaml:"nominal"`

	// Factor rescales potential and energy.
	Factor PerSite[float64] `yaml:"factor"`

	// OrbShifts is one additive scalar per orbital, per site, applied
	// identically to both spin channels.
	OrbShifts [][]float64 `yaml:"orb_shifts"`

	// Cadence controls when the correction is recomputed: every
	// iteration, once at the start of the run, or never at all.
	Cadence string `yaml:"cadence" validate:"omitempty,oneof=every once never"`
}

// LatticeConfig describes the embedding geometry.
type LatticeConfig struct {
	NSites    int          `yaml:"n_sites" validate:"required,min=1"`
	NOrbitals PerSite[int] `yaml:"n_orbitals"`
	SpinOrbit bool         `yaml:"spin_orbit"`

	// HalfBandwidth is D of the semicircular density of states.
	HalfBandwidth PerSite[float64] `yaml:"half_bandwidth"`

	// BlockThreshold is the off-diagonal density cutoff of the block
	// structure analysis.
	BlockThreshold float64 `yaml:"block_threshold" validate:"min=0"`

	// AnalyzeSites restricts the analysis to a subset of sites; the rest
	// keep the trivial full block. Empty analyzes every site.
	AnalyzeSites []int `yaml:"analyze_sites"`

	// BlockOverride replaces the computed solver blocks of selected
	// sites. Keys are site indices; each entry lists the retained
	// blocks in order, e.g. {label: up_0, dim: 2}. Overridden sites
	// lose their computed degeneracy groups.
	BlockOverride map[int][]BlockShape `yaml:"block_override" validate:"omitempty,dive,dive"`

	// DegeneracyMap forces degeneracy groups per site, each group a
	// list of solver block labels such as [up_0, down_0].
	DegeneracyMap map[int][][]string `yaml:"degeneracy_map"`
}

// BlockShape names one solver block of a manual override.
type BlockShape struct {
	Label string `yaml:"label" validate:"required"`
	Dim   int    `yaml:"dim" validate:"required,min=1"`
}

// SolverConfig assigns impurity solvers and interaction parameters.
type SolverConfig struct {
	Type PerSite[string]  `yaml:"type"`
	U    PerSite[float64] `yaml:"u"`
	J    PerSite[float64] `yaml:"j"`

	// MeasureChi requests susceptibility sampling; ChiChannel selects
	// the measured operator.
	MeasureChi bool   `yaml:"measure_chi"`
	ChiChannel string `yaml:"chi_channel" validate:"omitempty,oneof=szsz nn"`
}

// MixerSpec configures one mixer instance.
type MixerSpec struct {
	Method  string  `yaml:"method" validate:"oneof=linear broyden"`
	Alpha   float64 `yaml:"alpha" validate:"gt=0,lte=1"`
	History int     `yaml:"history" validate:"min=1"`
}

// New builds the mixer described by the spec.
func (m MixerSpec) New() (mixer.Mixer, error) {
	method, err := mixer.ParseMethod(m.Method)
	if err != nil {
		return nil, err
	}
	return mixer.New(method, m.Alpha, m.History)
}

// MixingConfig configures the Weiss-field and self-energy mixers
// independently.
type MixingConfig struct {
	WeissField MixerSpec `yaml:"weiss_field"`
	SelfEnergy MixerSpec `yaml:"self_energy"`
}

// CriterionSpec is one convergence criterion as written in YAML.
type CriterionSpec struct {
	Quantity string  `yaml:"quantity" validate:"required,oneof=d_g_imp d_g0 d_sigma d_mu d_occ d_energy"`
	Mode     string  `yaml:"mode" validate:"oneof=abs rel variance"`
	Tol      float64 `yaml:"tol" validate:"gt=0"`
	Window   int     `yaml:"window" validate:"min=0"`
}

// ConvergenceConfig lists the criteria that must all hold.
type ConvergenceConfig struct {
	Criteria []CriterionSpec `yaml:"criteria" validate:"dive"`

	// HistoryLen bounds the observable deques of the monitor.
	HistoryLen int `yaml:"history_len" validate:"min=0"`
}

// StoreConfig locates the checkpoint store.
type StoreConfig struct {
	Path string `yaml:"path" validate:"required"`
}

// NSites is a shorthand for the site count.
func (c *Config) NSites() int { return c.Lattice.NSites }

// NewMesh builds the frequency mesh the configuration describes.
func (c *Config) NewMesh() (*mesh.Mesh, error) {
	if c.General.RealFreq != nil {
		rf := c.General.RealFreq
		return mesh.NewRealFreq(rf.WMin, rf.WMax, rf.NW, rf.Eta)
	}
	return mesh.NewMatsubara(c.General.Beta, c.General.NIW)
}

// Sites expands the lattice section into per-site descriptors for the
// block structure analysis.
func (c *Config) Sites() ([]blockstruct.SiteInfo, error) {
	orbitals, err := c.Lattice.NOrbitals.ResolveDefault(c.NSites(), 1)
	if err != nil {
		return nil, fmt.Errorf("n_orbitals: %w", err)
	}
	sites := make([]blockstruct.SiteInfo, c.NSites())
	for i := range sites {
		sites[i] = blockstruct.SiteInfo{
			Index:     i,
			Orbitals:  orbitals[i],
			SpinOrbit: c.Lattice.SpinOrbit,
		}
	}
	return sites, nil
}

// HalfBandwidths expands the per-site half bandwidths.
func (c *Config) HalfBandwidths() ([]float64, error) {
	ds, err := c.Lattice.HalfBandwidth.ResolveDefault(c.NSites(), 2.0)
	if err != nil {
		return nil, fmt.Errorf("half_bandwidth: %w", err)
	}
	return ds, nil
}

// SolverKinds expands the per-site solver assignments.
func (c *Config) SolverKinds() ([]solver.Kind, error) {
	names, err := c.Solver.Type.ResolveDefault(c.NSites(), "cthyb")
	if err != nil {
		return nil, fmt.Errorf("solver type: %w", err)
	}
	kinds := make([]solver.Kind, len(names))
	for i, name := range names {
		k, err := solver.ParseKind(name)
		if err != nil {
			return nil, fmt.Errorf("site %d: %w", i, err)
		}
		kinds[i] = k
	}
	return kinds, nil
}

// Interactions expands the per-site Hubbard U and Hund J.
func (c *Config) Interactions() (u, j []float64, err error) {
	u, err = c.Solver.U.ResolveDefault(c.NSites(), 0)
	if err != nil {
		return nil, nil, fmt.Errorf("u: %w", err)
	}
	j, err = c.Solver.J.ResolveDefault(c.NSites(), 0)
	if err != nil {
		return nil, nil, fmt.Errorf("j: %w", err)
	}
	return u, j, nil
}

// Magmoms expands the per-site initial moments, or nil when unset.
func (c *Config) Magmoms() ([]float64, error) {
	if !c.General.Magmom.IsSet() {
		return nil, nil
	}
	ms, err := c.General.Magmom.Resolve(c.NSites())
	if err != nil {
		return nil, fmt.Errorf("magmom: %w", err)
	}
	return ms, nil
}

// Criteria converts the convergence section into monitor criteria.
func (c *Config) Criteria() ([]convergence.Criterion, error) {
	out := make([]convergence.Criterion, len(c.Convergence.Criteria))
	for i, spec := range c.Convergence.Criteria {
		out[i] = convergence.Criterion{
			Quantity: convergence.Quantity(spec.Quantity),
			Mode:     convergence.Mode(spec.Mode),
			Tol:      spec.Tol,
			Window:   spec.Window,
		}
	}
	return out, nil
}

// DCParams expands the double-counting section into per-site calculator
// parameters. Returns nil when double counting is disabled.
func (c *Config) DCParams() ([]doublecounting.Params, error) {
	if !c.DC.Enabled {
		return nil, nil
	}
	n := c.NSites()

	names, err := c.DC.Formula.ResolveDefault(n, "fll")
	if err != nil {
		return nil, fmt.Errorf("dc formula: %w", err)
	}
	u, j, err := c.Interactions()
	if err != nil {
		return nil, err
	}

	var fixed []float64
	if c.DC.FixedValue.IsSet() {
		if fixed, err = c.DC.FixedValue.Resolve(n); err != nil {
			return nil, fmt.Errorf("dc fixed_value: %w", err)
		}
	}
	var fixedOcc []float64
	if c.DC.FixedOccupation.IsSet() {
		if fixedOcc, err = c.DC.FixedOccupation.Resolve(n); err != nil {
			return nil, fmt.Errorf("dc fixed_occupation: %w", err)
		}
	}
	var factor []float64
	if c.DC.Factor.IsSet() {
		if factor, err = c.DC.Factor.Resolve(n); err != nil {
			return nil, fmt.Errorf("dc factor: %w", err)
		}
	}
	if c.DC.OrbShifts != nil && len(c.DC.OrbShifts) != n {
		return nil, fmt.Errorf("dc orb_shifts has %d entries for %d sites", len(c.DC.OrbShifts), n)
	}

	params := make([]doublecounting.Params, n)
	for i := range params {
		formula, err := doublecounting.ParseFormula(names[i])
		if err != nil {
			return nil, fmt.Errorf("site %d: %w", i, err)
		}
		p := doublecounting.Params{
			Formula: formula,
			U:       u[i],
			J:       j[i],
			Nominal: c.DC.Nominal,
		}
		if fixed != nil {
			p.FixedValue = fixed[i]
		}
		if fixedOcc != nil {
			v := fixedOcc[i]
			p.FixedOccupation = &v
		}
		if factor != nil {
			v := factor[i]
			p.Factor = &v
		}
		if c.DC.OrbShifts != nil {
			p.OrbShifts = c.DC.OrbShifts[i]
		}
		params[i] = p
	}
	return params, nil
}

// BlockOverrides parses the manual solver block selection into the form
// the structure analysis consumes. Returns nil when no site is
// overridden.
func (c *Config) BlockOverrides() (map[int][]gf.BlockDim, error) {
	if len(c.Lattice.BlockOverride) == 0 {
		return nil, nil
	}
	out := make(map[int][]gf.BlockDim, len(c.Lattice.BlockOverride))
	for site, shapes := range c.Lattice.BlockOverride {
		if site < 0 || site >= c.NSites() {
			return nil, fmt.Errorf("block_override names site %d of %d", site, c.NSites())
		}
		blocks := make([]gf.BlockDim, len(shapes))
		for i, sh := range shapes {
			lbl, err := gf.ParseLabel(sh.Label)
			if err != nil {
				return nil, fmt.Errorf("block_override site %d: %w", site, err)
			}
			if sh.Dim < 1 {
				return nil, fmt.Errorf("block_override site %d block %s: dim %d", site, sh.Label, sh.Dim)
			}
			blocks[i] = gf.BlockDim{Label: lbl, Dim: sh.Dim}
		}
		out[site] = blocks
	}
	return out, nil
}

// DegeneracyGroups parses the forced degeneracy groups. Returns nil
// when no site carries a map.
func (c *Config) DegeneracyGroups() (map[int][][]gf.BlockLabel, error) {
	if len(c.Lattice.DegeneracyMap) == 0 {
		return nil, nil
	}
	out := make(map[int][][]gf.BlockLabel, len(c.Lattice.DegeneracyMap))
	for site, groups := range c.Lattice.DegeneracyMap {
		if site < 0 || site >= c.NSites() {
			return nil, fmt.Errorf("degeneracy_map names site %d of %d", site, c.NSites())
		}
		parsed := make([][]gf.BlockLabel, len(groups))
		for g, group := range groups {
			labels := make([]gf.BlockLabel, len(group))
			for i, name := range group {
				lbl, err := gf.ParseLabel(name)
				if err != nil {
					return nil, fmt.Errorf("degeneracy_map site %d: %w", site, err)
				}
				labels[i] = lbl
			}
			parsed[g] = labels
		}
		out[site] = parsed
	}
	return out, nil
}
