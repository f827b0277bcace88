package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/san-kum/multiphys/internal/dynamo"
)

const (
	DefaultDt       = 0.01
	DefaultDuration = 1.0
	DefaultCells    = 4
	DefaultNatural  = 0.01
)

// Config is one coupled scenario: the domains, how they couple and how the
// coordinator steps them.
type Config struct {
	Name         string                  `yaml:"name"`
	Dt           float64                 `yaml:"dt"`
	Duration     float64                 `yaml:"duration"`
	Domains      []DomainConfig          `yaml:"domains"`
	Pairs        []PairConfig            `yaml:"pairs"`
	Regions      map[string]RegionConfig `yaml:"regions,omitempty"`
	Coupling     CouplingConfig          `yaml:"coupling"`
	Multirate    MultirateConfig         `yaml:"multirate"`
	Sync         SyncConfig              `yaml:"sync"`
	Conservation ConservationConfig      `yaml:"conservation"`
	Stability    StabilityConfig         `yaml:"stability"`
}

type DomainConfig struct {
	ID   string `yaml:"id"`
	Kind string `yaml:"kind"`
	// Model defaults to the reference model of Kind.
	Model      string             `yaml:"model,omitempty"`
	Cells      int                `yaml:"cells,omitempty"`
	Lo         float64            `yaml:"lo"`
	Hi         float64            `yaml:"hi"`
	Dt         float64            `yaml:"dt,omitempty"`
	Integrator string             `yaml:"integrator,omitempty"`
	// Tolerance bounds the local error of adaptive integrators.
	Tolerance  float64            `yaml:"tolerance,omitempty"`
	Stiff      bool               `yaml:"stiff,omitempty"`
	Prediction string             `yaml:"prediction,omitempty"`
	Params     map[string]float64 `yaml:"params,omitempty"`
}

type PairConfig struct {
	Source    string   `yaml:"source"`
	Target    string   `yaml:"target"`
	Region    string   `yaml:"region,omitempty"`
	Strength  float64  `yaml:"strength"`
	Fields    []string `yaml:"fields,omitempty"`
	Mapping   string   `yaml:"mapping,omitempty"`
	Tolerance float64  `yaml:"tolerance,omitempty"`
}

type RegionConfig struct {
	Lo float64 `yaml:"lo"`
	Hi float64 `yaml:"hi"`
}

type CouplingConfig struct {
	Strategy       string     `yaml:"strategy"`
	Tolerance      float64    `yaml:"tolerance"`
	MaxIterations  int        `yaml:"max_iterations"`
	Parallel       bool       `yaml:"parallel"`
	Groups         [][]string `yaml:"groups,omitempty"`
	StrongCoupling float64    `yaml:"strong_coupling"`
}

type MultirateConfig struct {
	Strategy       string         `yaml:"strategy"`
	MacroStep      float64        `yaml:"macro_step,omitempty"`
	Ratios         map[string]int `yaml:"ratios,omitempty"`
	ErrorTolerance float64        `yaml:"error_tolerance"`
	MaxRatio       int            `yaml:"max_ratio"`
}

type SyncConfig struct {
	Strategy           string    `yaml:"strategy"`
	Tolerance          float64   `yaml:"tolerance"`
	MaxCorrections     int       `yaml:"max_corrections"`
	TimeTolerance      float64   `yaml:"time_tolerance"`
	AllowExtrapolation bool      `yaml:"allow_extrapolation"`
	Points             []float64 `yaml:"points,omitempty"`
}

type ConservationConfig struct {
	EnergyTolerance   float64  `yaml:"energy_tolerance"`
	MomentumTolerance float64  `yaml:"momentum_tolerance"`
	EnergyStrategy    string   `yaml:"energy_strategy"`
	MomentumStrategy  string   `yaml:"momentum_strategy"`
	AutoCorrect       bool     `yaml:"auto_correct"`
	MinEffectiveness  float64  `yaml:"min_effectiveness"`
	Strict            bool     `yaml:"strict"`
	Laws              []string `yaml:"laws,omitempty"`
}

type StabilityConfig struct {
	Threshold    float64 `yaml:"threshold"`
	EnergyGrowth float64 `yaml:"energy_growth"`
}

func DefaultConfig() *Config {
	return &Config{
		Name:     "custom",
		Dt:       DefaultDt,
		Duration: DefaultDuration,
		Coupling: CouplingConfig{
			Strategy:       "explicit",
			Tolerance:      1e-8,
			MaxIterations:  50,
			StrongCoupling: 0.5,
		},
		Multirate: MultirateConfig{
			Strategy:       "subcycling",
			ErrorTolerance: 1e-6,
			MaxRatio:       1000,
		},
		Sync: SyncConfig{
			Strategy:       "predictor_corrector",
			Tolerance:      1e-6,
			MaxCorrections: 10,
			TimeTolerance:  1e-12,
		},
		Conservation: ConservationConfig{
			EnergyTolerance:   1e-6,
			MomentumTolerance: 1e-6,
			EnergyStrategy:    "proportional",
			MomentumStrategy:  "proportional",
			AutoCorrect:       true,
			MinEffectiveness:  0.99,
		},
		Stability: StabilityConfig{
			Threshold:    1e8,
			EnergyGrowth: 1.5,
		},
	}
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes a YAML scenario over the defaults and validates it.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Marshal(cfg *Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}

func Save(path string, cfg *Config) error {
	data, err := Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Validate checks the scenario shape. Strategy and kind names are checked
// when the scenario is built.
func (c *Config) Validate() error {
	if c.Dt <= 0 {
		return fmt.Errorf("config: dt must be positive, got %g", c.Dt)
	}
	if c.Duration <= 0 {
		return fmt.Errorf("config: duration must be positive, got %g", c.Duration)
	}
	if len(c.Domains) == 0 {
		return fmt.Errorf("config: scenario %q has no domains", c.Name)
	}
	ids := make(map[string]bool, len(c.Domains))
	for i, d := range c.Domains {
		if d.ID == "" {
			return fmt.Errorf("config: domain %d has no id", i)
		}
		if ids[d.ID] {
			return fmt.Errorf("config: duplicate domain %q", d.ID)
		}
		ids[d.ID] = true
		if _, err := dynamo.ParseKind(d.Kind); err != nil {
			return fmt.Errorf("config: domain %q: %w", d.ID, err)
		}
		if d.Hi < d.Lo {
			return fmt.Errorf("config: domain %q: hi %g below lo %g", d.ID, d.Hi, d.Lo)
		}
	}
	for _, p := range c.Pairs {
		for _, id := range []string{p.Source, p.Target} {
			if !ids[id] {
				return &dynamo.DomainNotFoundError{ID: dynamo.DomainID(id), Context: "pair " + p.Source + "->" + p.Target}
			}
		}
		if p.Region != "" {
			if _, ok := c.Regions[p.Region]; !ok {
				return fmt.Errorf("config: pair %s->%s names unknown region %q", p.Source, p.Target, p.Region)
			}
		}
	}
	for _, g := range c.Coupling.Groups {
		for _, id := range g {
			if !ids[id] {
				return &dynamo.DomainNotFoundError{ID: dynamo.DomainID(id), Context: "coupling group"}
			}
		}
	}
	return nil
}

// Steps is the number of global steps the scenario takes.
func (c *Config) Steps() int {
	return int(c.Duration/c.Dt + 0.5)
}
