package config

import (
	"bytes"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Loader reads and validates job configurations.
type Loader struct {
	validator *validator.Validate
}

// NewLoader creates a configuration loader.
func NewLoader() *Loader {
	return &Loader{
		validator: validator.New(),
	}
}

// Load reads, parses, and validates a YAML configuration file.
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := l.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes and validates a YAML configuration document.
func (l *Loader) Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := l.Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate runs struct-tag validation plus the cross-field checks the
// tags cannot express.
func (l *Loader) Validate(cfg *Config) error {
	if err := l.validator.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	g := &cfg.General
	if g.RealFreq == nil && g.Beta <= 0 {
		return fmt.Errorf("invalid config: either beta or real_freq is required")
	}
	if g.RealFreq != nil && g.Beta > 0 {
		return fmt.Errorf("invalid config: beta and real_freq are mutually exclusive")
	}
	if g.RealFreq == nil && g.NIW <= 0 {
		return fmt.Errorf("invalid config: n_iw is required for a Matsubara run")
	}
	if g.Magmom.IsSet() && !g.Magnetic {
		return fmt.Errorf("invalid config: magmom requires magnetic: true")
	}
	if g.AFMOrder && !g.Magnetic {
		return fmt.Errorf("invalid config: afm_order requires magnetic: true")
	}
	if g.AFMPartner != nil {
		if !g.AFMOrder {
			return fmt.Errorf("invalid config: afm_partner requires afm_order: true")
		}
		if len(g.AFMPartner) != cfg.Lattice.NSites {
			return fmt.Errorf("invalid config: afm_partner has %d entries for %d sites",
				len(g.AFMPartner), cfg.Lattice.NSites)
		}
		for i, p := range g.AFMPartner {
			if p == i || p < -1 || p >= cfg.Lattice.NSites {
				return fmt.Errorf("invalid config: afm_partner[%d]=%d out of range", i, p)
			}
		}
	}
	if len(cfg.Convergence.Criteria) == 0 {
		return fmt.Errorf("invalid config: at least one convergence criterion is required")
	}

	// Per-site lists, enum tags, and DC option combinations all surface
	// their own errors; run them here so `validate` catches everything
	// before a run starts.
	if _, err := cfg.Sites(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := cfg.HalfBandwidths(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := cfg.SolverKinds(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, _, err := cfg.Interactions(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := cfg.Magmoms(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := cfg.DCParams(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := cfg.Mixing.WeissField.New(); err != nil {
		return fmt.Errorf("invalid config: weiss_field mixer: %w", err)
	}
	if _, err := cfg.Mixing.SelfEnergy.New(); err != nil {
		return fmt.Errorf("invalid config: self_energy mixer: %w", err)
	}
	return nil
}

// applyDefaults fills the optional knobs most jobs leave out.
func applyDefaults(cfg *Config) {
	g := &cfg.General
	if g.PrecMu == 0 {
		g.PrecMu = 1e-4
	}
	if g.MuMethod == "" {
		g.MuMethod = "bisection"
	}
	if cfg.Lattice.BlockThreshold == 0 {
		cfg.Lattice.BlockThreshold = 1e-5
	}
	if cfg.DC.Cadence == "" {
		cfg.DC.Cadence = DCCadenceEvery
	}
	if cfg.Mixing.WeissField.Method == "" {
		cfg.Mixing.WeissField = MixerSpec{Method: "linear", Alpha: 1.0, History: 1}
	}
	if cfg.Mixing.SelfEnergy.Method == "" {
		cfg.Mixing.SelfEnergy = MixerSpec{Method: "linear", Alpha: 1.0, History: 1}
	}
	if cfg.Convergence.HistoryLen == 0 {
		cfg.Convergence.HistoryLen = 50
	}
}
