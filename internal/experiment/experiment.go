package experiment

import (
	"context"
	"fmt"

	"github.com/san-kum/multiphys/internal/config"
	"github.com/san-kum/multiphys/internal/conservation"
	"github.com/san-kum/multiphys/internal/dynamo"
	"github.com/san-kum/multiphys/internal/field"
	"github.com/san-kum/multiphys/internal/metrics"
	"github.com/san-kum/multiphys/internal/multirate"
	"github.com/san-kum/multiphys/internal/physics"
	"github.com/san-kum/multiphys/internal/sim"
	"github.com/san-kum/multiphys/internal/temporal"
)

var fieldLaws = map[string]field.ConservationLaw{
	"mass":   field.LawMass,
	"charge": field.LawCharge,
}

// Experiment is one scenario wired into a coupling manager.
type Experiment struct {
	cfg     *config.Config
	manager *sim.Manager
	spatial dynamo.SpatialContext
}

// New builds the domains and coupling graph of cfg. opts are passed to the
// manager after the scenario's own options.
func New(cfg *config.Config, reg *Registry, opts ...sim.Option) (*Experiment, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if reg == nil {
		reg = NewRegistry()
	}
	simCfg, err := SimConfig(cfg)
	if err != nil {
		return nil, err
	}

	domains := make([]dynamo.PhysicsDomain, 0, len(cfg.Domains))
	for _, dc := range cfg.Domains {
		d, err := buildDomain(reg, dc)
		if err != nil {
			return nil, err
		}
		domains = append(domains, d)
	}

	pairs := make([]dynamo.CouplingPair, 0, len(cfg.Pairs))
	for _, pc := range cfg.Pairs {
		p, err := buildPair(pc)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, p)
	}

	schedule := temporal.NewSchedule(cfg.Sync.Points...)
	all := []sim.Option{sim.WithSchedule(schedule)}
	for _, name := range cfg.Conservation.Laws {
		law, ok := fieldLaws[name]
		if !ok {
			return nil, fmt.Errorf("experiment: unknown conservation law %q", name)
		}
		all = append(all, sim.WithFieldLaw(name, law))
	}
	all = append(all, opts...)

	m, err := sim.New(domains, pairs, simCfg, all...)
	if err != nil {
		return nil, err
	}
	return &Experiment{cfg: cfg, manager: m, spatial: Spatial(cfg)}, nil
}

func buildDomain(reg *Registry, dc config.DomainConfig) (*physics.Domain, error) {
	kind, err := dynamo.ParseKind(dc.Kind)
	if err != nil {
		return nil, err
	}
	cells := dc.Cells
	if cells <= 0 {
		cells = config.DefaultCells
	}
	hi := dc.Hi
	if hi <= dc.Lo {
		hi = dc.Lo + 1
	}
	model, err := reg.GetModel(dc.Model, kind, field.Uniform(dc.Lo, hi, cells))
	if err != nil {
		return nil, fmt.Errorf("domain %s: %w", dc.ID, err)
	}
	if len(dc.Params) > 0 {
		c, ok := model.(physics.Configurable)
		if !ok {
			return nil, fmt.Errorf("domain %s: model has no parameters", dc.ID)
		}
		for name, v := range dc.Params {
			if err := c.SetParam(name, v); err != nil {
				return nil, fmt.Errorf("domain %s: %w", dc.ID, err)
			}
		}
	}

	dt := dc.Dt
	if dt <= 0 {
		dt = config.DefaultNatural
	}
	opts := []physics.Option{physics.WithNaturalTimeStep(dt), physics.WithStiff(dc.Stiff)}
	if dc.Integrator != "" {
		integ, err := reg.GetIntegrator(dc.Integrator)
		if err != nil {
			return nil, fmt.Errorf("domain %s: %w", dc.ID, err)
		}
		opts = append(opts, physics.WithIntegrator(integ))
	}
	if dc.Tolerance != 0 {
		opts = append(opts, physics.WithErrorTolerance(dc.Tolerance))
	}
	if dc.Prediction != "" {
		pm, err := dynamo.ParsePredictionMethod(dc.Prediction)
		if err != nil {
			return nil, fmt.Errorf("domain %s: %w", dc.ID, err)
		}
		opts = append(opts, physics.WithPrediction(pm))
	}
	return physics.New(dynamo.DomainID(dc.ID), kind, model, opts...)
}

func buildPair(pc config.PairConfig) (dynamo.CouplingPair, error) {
	ms, err := dynamo.ParseMappingStrategy(pc.Mapping)
	if err != nil {
		return dynamo.CouplingPair{}, err
	}
	tol := pc.Tolerance
	if tol <= 0 {
		tol = dynamo.DefaultTransferTolerance
	}
	return dynamo.CouplingPair{
		Source:   dynamo.DomainID(pc.Source),
		Target:   dynamo.DomainID(pc.Target),
		Region:   pc.Region,
		Strength: pc.Strength,
		Spec: dynamo.TransferSpec{
			Fields:    append([]string(nil), pc.Fields...),
			Strategy:  ms,
			Tolerance: tol,
			Region:    pc.Region,
		},
	}, nil
}

// SimConfig converts the scenario's coupling sections into manager settings.
func SimConfig(cfg *config.Config) (sim.Config, error) {
	out := sim.DefaultConfig()
	var err error

	cc := cfg.Coupling
	if out.Strategy, err = sim.ParseStrategy(cc.Strategy); err != nil {
		return out, err
	}
	if cc.Tolerance > 0 {
		out.Tolerance = cc.Tolerance
	}
	if cc.MaxIterations > 0 {
		out.MaxIterations = cc.MaxIterations
	}
	if cc.StrongCoupling > 0 {
		out.StrongCoupling = cc.StrongCoupling
	}
	out.Parallel = cc.Parallel
	for _, g := range cc.Groups {
		ids := make([]dynamo.DomainID, len(g))
		for i, id := range g {
			ids[i] = dynamo.DomainID(id)
		}
		out.Groups = append(out.Groups, ids)
	}

	mc := cfg.Multirate
	if out.Multirate.Strategy, err = multirate.ParseStrategy(mc.Strategy); err != nil {
		return out, err
	}
	out.Multirate.MacroStep = mc.MacroStep
	if mc.ErrorTolerance > 0 {
		out.Multirate.ErrorTolerance = mc.ErrorTolerance
	}
	if mc.MaxRatio > 0 {
		out.Multirate.MaxRatio = mc.MaxRatio
	}
	if len(mc.Ratios) > 0 {
		out.Multirate.Ratios = make(map[dynamo.DomainID]int, len(mc.Ratios))
		for id, n := range mc.Ratios {
			out.Multirate.Ratios[dynamo.DomainID(id)] = n
		}
	}

	sc := cfg.Sync
	if out.Temporal.Strategy, err = temporal.ParseStrategy(sc.Strategy); err != nil {
		return out, err
	}
	if sc.Tolerance > 0 {
		out.Temporal.Tolerance = sc.Tolerance
	}
	if sc.MaxCorrections > 0 {
		out.Temporal.MaxCorrections = sc.MaxCorrections
	}
	if sc.TimeTolerance > 0 {
		out.Temporal.TimeTolerance = sc.TimeTolerance
	}
	out.Temporal.AllowExtrapolation = sc.AllowExtrapolation

	cons := cfg.Conservation
	if out.Energy, err = enforcerConfig(out.Energy, cons.EnergyTolerance, cons.EnergyStrategy, cons); err != nil {
		return out, err
	}
	if out.Momentum, err = enforcerConfig(out.Momentum, cons.MomentumTolerance, cons.MomentumStrategy, cons); err != nil {
		return out, err
	}
	out.StrictConservation = cons.Strict

	if cfg.Stability.Threshold > 0 {
		out.Limits.Threshold = cfg.Stability.Threshold
	}
	if cfg.Stability.EnergyGrowth > 0 {
		out.Limits.EnergyGrowth = cfg.Stability.EnergyGrowth
	}
	return out, out.Validate()
}

func enforcerConfig(base conservation.Config, tol float64, strategy string, cons config.ConservationConfig) (conservation.Config, error) {
	s, err := conservation.ParseStrategy(strategy)
	if err != nil {
		return base, err
	}
	base.Strategy = s
	if tol > 0 {
		base.Tolerance = tol
	}
	base.AutoCorrect = cons.AutoCorrect
	if cons.MinEffectiveness > 0 {
		base.MinEffectiveness = cons.MinEffectiveness
	}
	return base, nil
}

// Spatial resolves the scenario's named regions.
func Spatial(cfg *config.Config) dynamo.SpatialContext {
	sc := dynamo.SpatialContext{Regions: make(map[string]field.Region, len(cfg.Regions))}
	for name, r := range cfg.Regions {
		sc.Regions[name] = field.Region{Lo: r.Lo, Hi: r.Hi}
	}
	return sc
}

func (e *Experiment) Run(ctx context.Context, ms []metrics.Metric, observers ...sim.Observer) (*sim.RunResult, error) {
	if ms == nil {
		ms = metrics.Defaults(e.manager.Config().Limits.Threshold)
	}
	run := sim.RunConfig{Dt: e.cfg.Dt, Duration: e.cfg.Duration}
	return e.manager.Run(ctx, run, e.spatial, ms, observers...)
}

// Builder returns a constructor producing an independent copy of the
// scenario, for ensembles.
func Builder(cfg *config.Config, reg *Registry, opts ...sim.Option) sim.Builder {
	cfg = cfg.Clone()
	return func() (*sim.Manager, error) {
		e, err := New(cfg.Clone(), reg, opts...)
		if err != nil {
			return nil, err
		}
		return e.manager, nil
	}
}

func (e *Experiment) Manager() *sim.Manager          { return e.manager }
func (e *Experiment) Config() *config.Config         { return e.cfg }
func (e *Experiment) Spatial() dynamo.SpatialContext { return e.spatial }

// Energy is the system energy at the current state.
func (e *Experiment) Energy() float64 {
	total := 0.0
	for _, d := range e.manager.Domains() {
		total += d.TotalEnergy(e.spatial)
	}
	return total
}
