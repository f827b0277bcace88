package config

import "sort"

// Presets are ready-made scenarios keyed by scenario then variant.
var Presets = map[string]map[string]*Config{
	"heat_exchange": {
		"gentle":   heatExchange("explicit", 1.0),
		"strong":   heatExchange("implicit", 20.0),
		"adaptive": heatExchange("adaptive", 5.0),
	},
	"fsi": {
		"plate":  fsi(0.0),
		"damped": fsi(0.5),
	},
	"joule": {
		"heating": joule(),
	},
	"reactor": {
		"exothermic": reactor(),
	},
	"plasma": {
		"drift": plasma(),
	},
	"multirate": {
		"subcycling": multirateRod("subcycling"),
		"adaptive":   multirateRod("adaptive"),
	},
}

func base(name string, dt, duration float64) *Config {
	c := DefaultConfig()
	c.Name = name
	c.Dt = dt
	c.Duration = duration
	return c
}

func heatExchange(strategy string, strength float64) *Config {
	c := base("heat_exchange", 0.05, 2.0)
	c.Coupling.Strategy = strategy
	c.Coupling.MaxIterations = 200
	c.Domains = []DomainConfig{
		{ID: "hot", Kind: "thermal", Cells: 4, Lo: 0, Hi: 1, Dt: 0.05, Params: map[string]float64{"temperature": 400}},
		{ID: "cold", Kind: "thermal", Cells: 4, Lo: 0, Hi: 1, Dt: 0.05, Params: map[string]float64{"temperature": 300}},
	}
	c.Pairs = []PairConfig{{Source: "hot", Target: "cold", Strength: strength, Fields: []string{"temperature"}}}
	return c
}

func fsi(damping float64) *Config {
	c := base("fsi", 0.01, 1.0)
	c.Conservation.MomentumStrategy = "mass_weighted"
	c.Domains = []DomainConfig{
		{ID: "plate", Kind: "structural", Lo: 0, Hi: 1, Cells: 1, Dt: 0.01,
			Params: map[string]float64{"mass": 2, "stiffness": 0, "damping": damping, "velocity": 1}},
		{ID: "water", Kind: "fluid", Lo: 0, Hi: 1, Cells: 4, Dt: 0.01,
			Params: map[string]float64{"density": 1, "viscosity": 0, "velocity": 0}},
	}
	c.Pairs = []PairConfig{{Source: "plate", Target: "water", Strength: 2, Fields: []string{"velocity"}}}
	return c
}

func joule() *Config {
	c := base("joule", 0.01, 1.0)
	c.Domains = []DomainConfig{
		{ID: "coil", Kind: "electromagnetic", Lo: 0, Hi: 1, Cells: 1, Dt: 0.01,
			Params: map[string]float64{"resistance": 0.5, "charge": 1}},
		{ID: "core", Kind: "thermal", Lo: 0, Hi: 1, Cells: 4, Dt: 0.01,
			Params: map[string]float64{"temperature": 300, "capacity": 2}},
	}
	c.Pairs = []PairConfig{{Source: "coil", Target: "core", Strength: 1}}
	return c
}

func reactor() *Config {
	c := base("reactor", 0.01, 1.0)
	c.Coupling.Strategy = "staggered"
	c.Coupling.Groups = [][]string{{"batch"}, {"jacket"}}
	c.Domains = []DomainConfig{
		{ID: "batch", Kind: "chemical", Lo: 0, Hi: 1, Cells: 4, Dt: 0.01, Stiff: true, Integrator: "implicit_euler"},
		{ID: "jacket", Kind: "thermal", Lo: 0, Hi: 1, Cells: 4, Dt: 0.01,
			Params: map[string]float64{"temperature": 310, "conductivity": 0.1}},
	}
	c.Pairs = []PairConfig{{Source: "batch", Target: "jacket", Strength: 0.5}}
	return c
}

func plasma() *Config {
	c := base("plasma", 0.005, 0.5)
	c.Domains = []DomainConfig{
		{ID: "beam", Kind: "particle", Lo: 0, Hi: 1, Cells: 8, Dt: 0.005,
			Params: map[string]float64{"velocity": 1, "charge": 0.05}},
		{ID: "gas", Kind: "fluid", Lo: 0, Hi: 1, Cells: 8, Dt: 0.005,
			Params: map[string]float64{"viscosity": 0.01}},
	}
	c.Pairs = []PairConfig{{Source: "beam", Target: "gas", Strength: 0.2, Fields: []string{"velocity"}}}
	return c
}

func multirateRod(strategy string) *Config {
	c := base("multirate", 0.1, 1.0)
	c.Multirate.Strategy = strategy
	c.Domains = []DomainConfig{
		{ID: "fast", Kind: "thermal", Lo: 0, Hi: 1, Cells: 8, Dt: 0.01,
			Params: map[string]float64{"temperature": 350, "conductivity": 0.5}},
		{ID: "slow", Kind: "thermal", Lo: 0, Hi: 2, Cells: 4, Dt: 0.1,
			Params: map[string]float64{"temperature": 300, "capacity": 4}},
	}
	c.Regions = map[string]RegionConfig{"overlap": {Lo: 0, Hi: 1}}
	c.Pairs = []PairConfig{{Source: "fast", Target: "slow", Region: "overlap", Strength: 1, Mapping: "conservative"}}
	c.Sync.Points = []float64{0.5}
	return c
}

// GetPreset returns a copy of the named preset, or nil.
func GetPreset(scenario, preset string) *Config {
	variants, ok := Presets[scenario]
	if !ok {
		return nil
	}
	cfg, ok := variants[preset]
	if !ok {
		return nil
	}
	return cfg.Clone()
}

func ListPresets(scenario string) []string {
	variants, ok := Presets[scenario]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(variants))
	for name := range variants {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func ListScenarios() []string {
	names := make([]string, 0, len(Presets))
	for name := range Presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clone deep-copies the scenario.
func (c *Config) Clone() *Config {
	out := *c
	out.Domains = make([]DomainConfig, len(c.Domains))
	for i, d := range c.Domains {
		if d.Params != nil {
			p := make(map[string]float64, len(d.Params))
			for k, v := range d.Params {
				p[k] = v
			}
			d.Params = p
		}
		out.Domains[i] = d
	}
	out.Pairs = make([]PairConfig, len(c.Pairs))
	for i, p := range c.Pairs {
		p.Fields = append([]string(nil), p.Fields...)
		out.Pairs[i] = p
	}
	if c.Regions != nil {
		out.Regions = make(map[string]RegionConfig, len(c.Regions))
		for k, v := range c.Regions {
			out.Regions[k] = v
		}
	}
	out.Coupling.Groups = make([][]string, len(c.Coupling.Groups))
	for i, g := range c.Coupling.Groups {
		out.Coupling.Groups[i] = append([]string(nil), g...)
	}
	if c.Multirate.Ratios != nil {
		out.Multirate.Ratios = make(map[string]int, len(c.Multirate.Ratios))
		for k, v := range c.Multirate.Ratios {
			out.Multirate.Ratios[k] = v
		}
	}
	out.Sync.Points = append([]float64(nil), c.Sync.Points...)
	out.Conservation.Laws = append([]string(nil), c.Conservation.Laws...)
	return &out
}
