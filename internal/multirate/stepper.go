package multirate

import (
	"context"
	"fmt"
	"io"
	"log"
	"math"
	"sort"
	"strings"

	"github.com/san-kum/multiphys/internal/coupling"
	"github.com/san-kum/multiphys/internal/dynamo"
	"github.com/san-kum/multiphys/internal/temporal"
)

type Strategy int

const (
	UniformStepping Strategy = iota
	SubCycling
	AdaptiveMultirate
	ImplicitExplicitSplitting
)

func (s Strategy) String() string {
	switch s {
	case SubCycling:
		return "subcycling"
	case AdaptiveMultirate:
		return "adaptive"
	case ImplicitExplicitSplitting:
		return "imex"
	default:
		return "uniform"
	}
}

func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "uniform":
		return UniformStepping, nil
	case "subcycling", "sub-cycling":
		return SubCycling, nil
	case "adaptive":
		return AdaptiveMultirate, nil
	case "imex":
		return ImplicitExplicitSplitting, nil
	}
	return 0, fmt.Errorf("multirate: unknown strategy %q", s)
}

type Config struct {
	Strategy Strategy
	// MacroStep is the global step; zero uses the largest natural step.
	MacroStep float64
	// Ratios overrides the sub-cycling ratio per domain.
	Ratios map[dynamo.DomainID]int
	// Parallel advances domains concurrently from the start-of-step state
	// under uniform stepping.
	Parallel       bool
	ErrorTolerance float64
	MaxRatio       int
}

func DefaultConfig() Config {
	return Config{
		Strategy:       SubCycling,
		ErrorTolerance: 1e-6,
		MaxRatio:       1000,
	}
}

type TimeStepResult struct {
	Strategy   Strategy
	Start, End float64
	MacroSteps int
	Ratios     map[dynamo.DomainID]int
	Results    map[dynamo.DomainID]dynamo.DomainStepResult
	Syncs      []temporal.SyncResult
}

// Stepper advances a set of domains to a target time with one of the
// multi-rate strategies.
type Stepper struct {
	cfg       Config
	sync      *temporal.Manager
	assembler *coupling.Assembler
	schedule  *temporal.Schedule
	logger    *log.Logger
}

type Option func(*Stepper)

func WithLogger(l *log.Logger) Option {
	return func(s *Stepper) { s.logger = l }
}

func WithSchedule(sch *temporal.Schedule) Option {
	return func(s *Stepper) { s.schedule = sch }
}

func New(cfg Config, sync *temporal.Manager, asm *coupling.Assembler, opts ...Option) *Stepper {
	if cfg.MaxRatio <= 0 {
		cfg.MaxRatio = 1000
	}
	if cfg.ErrorTolerance <= 0 {
		cfg.ErrorTolerance = 1e-6
	}
	s := &Stepper{
		cfg:       cfg,
		sync:      sync,
		assembler: asm,
		schedule:  temporal.NewSchedule(),
		logger:    log.New(io.Discard, "", 0),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Stepper) Config() Config               { return s.cfg }
func (s *Stepper) Schedule() *temporal.Schedule { return s.schedule }

// SetStrategy switches strategy between calls.
func (s *Stepper) SetStrategy(st Strategy) { s.cfg.Strategy = st }

func (s *Stepper) tol() float64 { return s.sync.Config().TimeTolerance }

// AdvanceSimulationTime advances every domain to exactly target. Pending
// sync points split the interval; the final macro step is shortened to land
// on target.
func (s *Stepper) AdvanceSimulationTime(ctx context.Context, domains []dynamo.PhysicsDomain, target float64, sc dynamo.SpatialContext) (TimeStepResult, error) {
	ordered := sortDomains(domains)
	res := TimeStepResult{
		Strategy: s.cfg.Strategy,
		Ratios:   make(map[dynamo.DomainID]int),
		Results:  make(map[dynamo.DomainID]dynamo.DomainStepResult),
	}
	if len(ordered) == 0 {
		return res, nil
	}

	t0, tmax := math.Inf(1), math.Inf(-1)
	for _, d := range ordered {
		t0 = math.Min(t0, d.CurrentTime())
		tmax = math.Max(tmax, d.CurrentTime())
		s.sync.Record(d.CurrentState())
	}
	res.Start, res.End = t0, t0
	if target < tmax-s.tol() {
		return res, fmt.Errorf("%w: target %.9g is behind current time %.9g", dynamo.ErrTimeMisaligned, target, tmax)
	}
	if tmax-t0 > s.tol() {
		sr, err := s.sync.SynchronizeAllDomains(ctx, ordered, tmax, sc)
		res.Syncs = append(res.Syncs, sr)
		if err != nil {
			return res, err
		}
		s.merge(&res, sr.Results)
		t0 = tmax
	}

	H := s.cfg.MacroStep
	if H <= 0 {
		for _, d := range ordered {
			H = math.Max(H, d.NaturalTimeStep())
		}
	}
	if H <= 0 || math.IsNaN(H) {
		return res, fmt.Errorf("multirate: no positive macro step: configured %g and no domain reports a natural time step", s.cfg.MacroStep)
	}

	for t := t0; target-t > s.tol(); {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		next := t + H
		if pts := s.schedule.Within(t, next); len(pts) > 0 {
			next = pts[0].Time
		}
		if target-next <= s.tol() {
			next = target
		}

		if err := s.macroStep(ctx, ordered, t, next, H, sc, &res); err != nil {
			return res, err
		}
		res.MacroSteps++
		s.logger.Printf("advance %s [%.6g, %.6g]", s.cfg.Strategy, t, next)

		if len(s.schedule.Within(t, next)) > 0 {
			sr, err := s.sync.SynchronizeAllDomains(ctx, ordered, next, sc)
			res.Syncs = append(res.Syncs, sr)
			if err != nil {
				return res, err
			}
			s.merge(&res, sr.Results)
			s.schedule.Satisfy(next, s.tol())
		}
		t = next
		res.End = t
	}
	return res, nil
}

func (s *Stepper) macroStep(ctx context.Context, domains []dynamo.PhysicsDomain, ta, tb, H float64, sc dynamo.SpatialContext, res *TimeStepResult) error {
	switch s.cfg.Strategy {
	case UniformStepping:
		return s.uniform(ctx, domains, ta, tb, sc, res)
	case SubCycling:
		ratios := make(map[dynamo.DomainID]int, len(domains))
		for _, d := range domains {
			ratios[d.ID()] = s.ratio(d, H)
		}
		return s.subcycle(ctx, domains, ratios, ta, tb, sc, res)
	case AdaptiveMultirate:
		ratios, err := s.adaptiveRatios(domains, ta, tb, sc)
		if err != nil {
			return err
		}
		return s.subcycle(ctx, domains, ratios, ta, tb, sc, res)
	case ImplicitExplicitSplitting:
		return s.imex(ctx, domains, ta, tb, H, sc, res)
	}
	return fmt.Errorf("multirate: unknown strategy %v", s.cfg.Strategy)
}

func (s *Stepper) build(d dynamo.PhysicsDomain, t float64, src coupling.StateSource, sc dynamo.SpatialContext) (dynamo.CouplingData, error) {
	return s.assembler.Build(coupling.Receiver{ID: d.ID(), Kind: d.Kind(), Grid: d.Grid()}, t, src, sc)
}

func (s *Stepper) commit(d dynamo.PhysicsDomain, r dynamo.DomainStepResult, res *TimeStepResult) {
	s.sync.Record(d.CurrentState())
	res.Results[d.ID()] = res.Results[d.ID()].Merge(r)
}

func (s *Stepper) merge(res *TimeStepResult, results map[dynamo.DomainID]dynamo.DomainStepResult) {
	ids := make([]dynamo.DomainID, 0, len(results))
	for id := range results {
		ids = append(ids, id)
	}
	dynamo.SortIDs(ids)
	for _, id := range ids {
		res.Results[id] = res.Results[id].Merge(results[id])
	}
}

// uniform advances every domain by one step over [ta, tb]. Sequentially
// each domain sees the newest partner state (Gauss-Seidel); in parallel all
// couple to the start-of-step state (Jacobi).
func (s *Stepper) uniform(ctx context.Context, domains []dynamo.PhysicsDomain, ta, tb float64, sc dynamo.SpatialContext, res *TimeStepResult) error {
	for _, d := range domains {
		res.Ratios[d.ID()] = 1
	}
	if !s.cfg.Parallel {
		for _, d := range domains {
			latest := func(id dynamo.DomainID, _ float64) (dynamo.DomainState, error) {
				h := s.sync.History(id)
				st, ok := h.Latest()
				if !ok {
					return dynamo.DomainState{}, &dynamo.DomainNotFoundError{ID: id, Context: "uniform step"}
				}
				return st, nil
			}
			cd, err := s.build(d, ta, latest, sc)
			if err != nil {
				return err
			}
			r, err := d.AdvanceToTimeWithCoupling(ctx, tb, cd, sc)
			if err != nil {
				return err
			}
			s.commit(d, r, res)
		}
		return nil
	}

	byID := make(map[dynamo.DomainID]dynamo.PhysicsDomain, len(domains))
	loads := make(map[dynamo.DomainID]dynamo.CouplingData, len(domains))
	ids := make([]dynamo.DomainID, 0, len(domains))
	for _, d := range domains {
		cd, err := s.build(d, ta, s.sync.Source(), sc)
		if err != nil {
			return err
		}
		byID[d.ID()] = d
		loads[d.ID()] = cd
		ids = append(ids, d.ID())
	}
	results := make([]dynamo.DomainStepResult, len(ids))
	index := make(map[dynamo.DomainID]int, len(ids))
	for i, id := range ids {
		index[id] = i
	}
	err := dynamo.ForEach(ctx, ids, true, func(ctx context.Context, id dynamo.DomainID) error {
		r, err := byID[id].AdvanceToTimeWithCoupling(ctx, tb, loads[id], sc)
		if err != nil {
			return err
		}
		results[index[id]] = r
		return nil
	})
	if err != nil {
		return err
	}
	for i, id := range ids {
		s.commit(byID[id], results[i], res)
	}
	return nil
}

// ratio is the configured sub-cycling ratio, or the natural one.
func (s *Stepper) ratio(d dynamo.PhysicsDomain, H float64) int {
	if r, ok := s.cfg.Ratios[d.ID()]; ok && r > 0 {
		return r
	}
	r := int(math.Round(H / d.NaturalTimeStep()))
	if r < 1 {
		r = 1
	}
	if r > s.cfg.MaxRatio {
		r = s.cfg.MaxRatio
	}
	return r
}

// subcycle advances the slowest groups first. A ratio-n domain takes n
// sub-steps of (tb-ta)/n and reads partners at each sub-step start through
// temporal interpolation; partners that have not advanced yet are held.
func (s *Stepper) subcycle(ctx context.Context, domains []dynamo.PhysicsDomain, ratios map[dynamo.DomainID]int, ta, tb float64, sc dynamo.SpatialContext, res *TimeStepResult) error {
	order := make([]dynamo.PhysicsDomain, len(domains))
	copy(order, domains)
	sort.SliceStable(order, func(i, j int) bool { return ratios[order[i].ID()] < ratios[order[j].ID()] })

	for _, d := range order {
		n := ratios[d.ID()]
		res.Ratios[d.ID()] = n
		h := (tb - ta) / float64(n)
		for k := 0; k < n; k++ {
			start := ta + float64(k)*h
			end := ta + float64(k+1)*h
			if k == n-1 {
				end = tb
			}
			cd, err := s.build(d, start, s.sync.Source(), sc)
			if err != nil {
				return err
			}
			r, err := d.AdvanceToTimeWithCoupling(ctx, end, cd, sc)
			if err != nil {
				return err
			}
			s.commit(d, r, res)
		}
	}
	return nil
}

// adaptiveRatios chooses each ratio from the domain's local error
// estimate: dt_opt = 0.9 h (tol/err)^(1/(p+1)).
func (s *Stepper) adaptiveRatios(domains []dynamo.PhysicsDomain, ta, tb float64, sc dynamo.SpatialContext) (map[dynamo.DomainID]int, error) {
	span := tb - ta
	ratios := make(map[dynamo.DomainID]int, len(domains))
	for _, d := range domains {
		base := s.ratio(d, span)
		est, ok := d.(dynamo.ErrorEstimator)
		if !ok {
			ratios[d.ID()] = base
			continue
		}
		cd, err := s.build(d, ta, s.sync.Source(), sc)
		if err != nil {
			return nil, err
		}
		h := span / float64(base)
		e, err := est.EstimateLocalError(h, cd)
		if err != nil {
			return nil, err
		}
		p := 1
		if o, ok := d.(dynamo.Order); ok {
			p = o.Order()
		}

		r := base
		switch {
		case e == 0:
			r = 1
		case math.IsInf(e, 1) || math.IsNaN(e):
			r = s.cfg.MaxRatio
		default:
			opt := 0.9 * h * math.Pow(s.cfg.ErrorTolerance/e, 1/float64(p+1))
			r = int(math.Ceil(span / opt))
		}
		if r < 1 {
			r = 1
		}
		if r > s.cfg.MaxRatio {
			r = s.cfg.MaxRatio
		}
		ratios[d.ID()] = r
	}
	return ratios, nil
}

// imex advances the explicit domains first by sub-cycling, then pushes the
// new partner fields into each stiff domain and takes one implicit step.
func (s *Stepper) imex(ctx context.Context, domains []dynamo.PhysicsDomain, ta, tb, H float64, sc dynamo.SpatialContext, res *TimeStepResult) error {
	var explicit, stiff []dynamo.PhysicsDomain
	endpoints := make(map[dynamo.DomainID]coupling.Endpoint, len(domains))
	for _, d := range domains {
		endpoints[d.ID()] = d
		if st, ok := d.(dynamo.Stiff); ok && st.Stiff() {
			stiff = append(stiff, d)
		} else {
			explicit = append(explicit, d)
		}
	}

	ratios := make(map[dynamo.DomainID]int, len(explicit))
	for _, d := range explicit {
		ratios[d.ID()] = s.ratio(d, H)
	}
	if err := s.subcycle(ctx, explicit, ratios, ta, tb, sc, res); err != nil {
		return err
	}

	for _, d := range stiff {
		if _, err := s.assembler.Push(d, endpoints, sc); err != nil {
			return err
		}
		r, err := d.AdvanceToTimeWithCoupling(ctx, tb, nil, sc)
		if err != nil {
			return err
		}
		res.Ratios[d.ID()] = 1
		s.commit(d, r, res)
	}
	return nil
}

func sortDomains(domains []dynamo.PhysicsDomain) []dynamo.PhysicsDomain {
	out := make([]dynamo.PhysicsDomain, len(domains))
	copy(out, domains)
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}
