package sim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/san-kum/multiphys/internal/conservation"
	"github.com/san-kum/multiphys/internal/coupling"
	"github.com/san-kum/multiphys/internal/dynamo"
	"github.com/san-kum/multiphys/internal/field"
	"github.com/san-kum/multiphys/internal/metrics"
	"github.com/san-kum/multiphys/internal/multirate"
	"github.com/san-kum/multiphys/internal/temporal"
)

const tracerName = "github.com/san-kum/multiphys/internal/sim"

// Manager owns the domains and drives global steps. It is the only
// component that calls mutating domain methods; a Manager is not safe for
// concurrent use.
type Manager struct {
	cfg     Config
	domains map[dynamo.DomainID]dynamo.PhysicsDomain
	order   []dynamo.DomainID

	graph     *coupling.Graph
	mapper    *coupling.Manager
	assembler *coupling.Assembler
	sync      *temporal.Manager
	stepper   *multirate.Stepper
	schedule  *temporal.Schedule

	energy   *conservation.Enforcer[float64]
	momentum *conservation.Enforcer[dynamo.Vec3]
	laws     []*conservation.Enforcer[float64]

	logger *log.Logger
	tracer trace.Tracer

	started bool
	step    int
	last    stepMemo
}

// stepMemo is what adaptive coupling remembers about the previous step.
type stepMemo struct {
	strategy   Strategy
	iterations int
	stable     bool
}

type Option func(*Manager)

func WithLogger(l *log.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

func WithTracer(t trace.Tracer) Option {
	return func(m *Manager) { m.tracer = t }
}

// WithMapper replaces the field-transfer manager, e.g. to install
// domain-specific correctors.
func WithMapper(mp *coupling.Manager) Option {
	return func(m *Manager) { m.mapper = mp }
}

func WithSchedule(s *temporal.Schedule) Option {
	return func(m *Manager) { m.schedule = s }
}

// WithFieldLaw audits the total of every field carrying law, e.g. mass.
func WithFieldLaw(name string, law field.ConservationLaw) Option {
	return func(m *Manager) {
		m.laws = append(m.laws, conservation.New(conservation.FieldLaw(name, law), conservation.Config{
			Tolerance: m.cfg.Energy.Tolerance,
		}))
	}
}

func New(domains []dynamo.PhysicsDomain, pairs []dynamo.CouplingPair, cfg Config, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		cfg:      cfg,
		domains:  make(map[dynamo.DomainID]dynamo.PhysicsDomain, len(domains)),
		graph:    coupling.NewGraph(),
		schedule: temporal.NewSchedule(),
		logger:   log.New(io.Discard, "", 0),
		tracer:   otel.Tracer(tracerName),
		last:     stepMemo{stable: true},
	}
	for _, d := range domains {
		if _, dup := m.domains[d.ID()]; dup {
			return nil, fmt.Errorf("sim: duplicate domain %s", d.ID())
		}
		m.domains[d.ID()] = d
		m.order = append(m.order, d.ID())
	}
	dynamo.SortIDs(m.order)
	for _, p := range pairs {
		if err := m.graph.Add(p); err != nil {
			return nil, err
		}
	}
	if err := m.graph.Validate(m.known); err != nil {
		return nil, err
	}
	for _, g := range cfg.Groups {
		for _, id := range g {
			if !m.known(id) {
				return nil, &dynamo.DomainNotFoundError{ID: id, Context: "staggered group"}
			}
		}
	}

	var err error
	if m.energy, err = conservation.NewEnergyEnforcer(cfg.Energy); err != nil {
		return nil, err
	}
	if m.momentum, err = conservation.NewMomentumEnforcer(cfg.Momentum); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.mapper == nil {
		m.mapper = coupling.NewManager()
	}
	m.assembler = coupling.NewAssembler(m.graph, m.mapper)
	m.sync = temporal.NewManager(cfg.Temporal, m.assembler, temporal.WithLogger(m.logger))
	mr := cfg.Multirate
	mr.Parallel = mr.Parallel || cfg.Parallel
	m.stepper = multirate.New(mr, m.sync, m.assembler,
		multirate.WithLogger(m.logger), multirate.WithSchedule(m.schedule))
	return m, nil
}

func (m *Manager) known(id dynamo.DomainID) bool {
	_, ok := m.domains[id]
	return ok
}

func (m *Manager) Config() Config                                    { return m.cfg }
func (m *Manager) Graph() *coupling.Graph                            { return m.graph }
func (m *Manager) Schedule() *temporal.Schedule                      { return m.schedule }
func (m *Manager) EnergyLedger() *conservation.Ledger[float64]       { return m.energy.Ledger() }
func (m *Manager) MomentumLedger() *conservation.Ledger[dynamo.Vec3] { return m.momentum.Ledger() }
func (m *Manager) Steps() int                                        { return m.step }

// LawLedgers returns the ledgers of the audited field laws.
func (m *Manager) LawLedgers() []*conservation.Ledger[float64] {
	out := make([]*conservation.Ledger[float64], len(m.laws))
	for i, e := range m.laws {
		out[i] = e.Ledger()
	}
	return out
}

// SetStrategy switches the coupling strategy between steps.
func (m *Manager) SetStrategy(s Strategy) { m.cfg.Strategy = s }

func (m *Manager) Domain(id dynamo.DomainID) (dynamo.PhysicsDomain, error) {
	d, ok := m.domains[id]
	if !ok {
		return nil, &dynamo.DomainNotFoundError{ID: id}
	}
	return d, nil
}

// Domains returns the domains in id order.
func (m *Manager) Domains() []dynamo.PhysicsDomain {
	out := make([]dynamo.PhysicsDomain, len(m.order))
	for i, id := range m.order {
		out[i] = m.domains[id]
	}
	return out
}

// States snapshots every domain in id order.
func (m *Manager) States() []dynamo.DomainState {
	out := make([]dynamo.DomainState, len(m.order))
	for i, id := range m.order {
		out[i] = m.domains[id].CurrentState()
	}
	return out
}

// Time is the earliest current time over all domains.
func (m *Manager) Time() float64 {
	t := math.Inf(1)
	for _, d := range m.domains {
		t = math.Min(t, d.CurrentTime())
	}
	if math.IsInf(t, 1) {
		return 0
	}
	return t
}

// Start opens the conservation ledgers with the current totals. Called on
// the first step if the caller did not.
func (m *Manager) Start(sc dynamo.SpatialContext) error {
	if m.started {
		return nil
	}
	domains := m.Domains()
	if err := m.energy.Start(domains, sc); err != nil {
		return err
	}
	if err := m.momentum.Start(domains, sc); err != nil {
		return err
	}
	for _, e := range m.laws {
		if err := e.Start(domains, sc); err != nil {
			return err
		}
	}
	for _, d := range domains {
		m.sync.Record(d.CurrentState())
	}
	m.started = true
	return nil
}

// StepSimulation advances every domain by dt from the latest domain time.
// Either the whole step commits or every domain is left exactly as it was.
// Convergence failures and, under strict conservation, unresolved
// violations are returned as errors alongside the partial result; the
// caller decides whether to retry.
func (m *Manager) StepSimulation(ctx context.Context, dt float64, sc dynamo.SpatialContext) (StepResult, error) {
	if dt <= 0 {
		return StepResult{}, fmt.Errorf("sim: time step must be positive, got %g", dt)
	}
	if len(m.domains) == 0 {
		return StepResult{}, fmt.Errorf("sim: no domains")
	}
	if err := m.Start(sc); err != nil {
		return StepResult{}, err
	}

	strategy := m.choose(dt)
	ctx, span := m.tracer.Start(ctx, "sim.StepSimulation", trace.WithAttributes(
		attribute.Int("sim.step", m.step+1),
		attribute.String("sim.strategy", strategy.String()),
		attribute.Float64("sim.dt", dt),
	))
	defer span.End()

	before := make(map[dynamo.DomainID]dynamo.DomainState, len(m.order))
	tmax := math.Inf(-1)
	for _, id := range m.order {
		d := m.domains[id]
		before[id] = d.CurrentState()
		tmax = math.Max(tmax, d.CurrentTime())
	}
	points := m.schedule.Points()
	res := StepResult{
		Step:     m.step + 1,
		Strategy: strategy,
		Start:    m.Time(),
		End:      tmax + dt,
		Domains:  make(map[dynamo.DomainID]dynamo.DomainStepResult),
		Ratios:   make(map[dynamo.DomainID]int),
	}

	var err error
	switch strategy {
	case ExplicitCoupling:
		err = m.explicit(ctx, m.Domains(), res.End, sc, &res)
	case StaggeredCoupling:
		err = m.staggered(ctx, res.End, sc, &res)
	case ImplicitCoupling:
		err = m.implicit(ctx, res.End, sc, &res)
	default:
		err = fmt.Errorf("sim: unknown coupling strategy %v", strategy)
	}
	if err != nil {
		return m.abort(span, before, points, res, err)
	}

	if err := m.audit(before, sc, &res); err != nil {
		return m.abort(span, before, points, res, err)
	}
	if m.cfg.StrictConservation {
		if err := m.violation(res); err != nil {
			return m.abort(span, before, points, res, err)
		}
	}
	if err := m.record(res); err != nil {
		return m.abort(span, before, points, res, err)
	}

	for _, d := range m.Domains() {
		m.sync.Record(d.CurrentState())
	}
	res.Stability = metrics.Check(
		metrics.NewSample(res.Start, sortedStates(before)),
		metrics.NewSample(res.End, m.States()),
		m.cfg.Limits,
	)
	for _, w := range res.Stability.Warnings {
		m.logger.Printf("step %d: %s", res.Step, w)
	}

	m.step++
	m.last = stepMemo{strategy: strategy, iterations: res.Convergence.Iterations, stable: res.Stability.Stable}
	span.SetAttributes(
		attribute.Int("sim.iterations", res.Convergence.Iterations),
		attribute.Float64("sim.residual", res.Convergence.Residual()),
		attribute.Float64("sim.energy_drift", res.Energy.Relative),
		attribute.Bool("sim.stable", res.Stability.Stable),
	)
	m.logger.Printf("step %d %s [%.6g, %.6g] energy residual %.3e", res.Step, strategy, res.Start, res.End, res.Energy.Relative)
	return res, nil
}

// choose resolves adaptive coupling from the coupling strength and how the
// previous step behaved.
func (m *Manager) choose(dt float64) Strategy {
	if m.cfg.Strategy != AdaptiveCoupling {
		return m.cfg.Strategy
	}
	if m.last.strategy == ImplicitCoupling && m.last.iterations > 0 {
		if m.last.iterations <= m.cfg.WeakIterations {
			return ExplicitCoupling
		}
		return ImplicitCoupling
	}
	if !m.last.stable || m.couplingStrength()*dt > m.cfg.StrongCoupling {
		return ImplicitCoupling
	}
	return ExplicitCoupling
}

// couplingStrength is the largest total strength attached to one domain.
func (m *Manager) couplingStrength() float64 {
	per := make(map[dynamo.DomainID]float64)
	strongest := 0.0
	for _, p := range m.graph.Pairs() {
		per[p.Source] += p.Strength
		per[p.Target] += p.Strength
		strongest = math.Max(strongest, math.Max(per[p.Source], per[p.Target]))
	}
	return strongest
}

func (m *Manager) explicit(ctx context.Context, domains []dynamo.PhysicsDomain, target float64, sc dynamo.SpatialContext, res *StepResult) error {
	tr, err := m.stepper.AdvanceSimulationTime(ctx, domains, target, sc)
	for id, r := range tr.Results {
		res.Domains[id] = res.Domains[id].Merge(r)
	}
	for id, n := range tr.Ratios {
		res.Ratios[id] = n
	}
	res.Syncs = append(res.Syncs, tr.Syncs...)
	if err != nil {
		return err
	}
	res.Convergence = Convergence{Converged: true, Iterations: 1}
	return nil
}

// staggered advances the configured groups in order; later groups read the
// already advanced state of earlier ones.
func (m *Manager) staggered(ctx context.Context, target float64, sc dynamo.SpatialContext, res *StepResult) error {
	for _, g := range m.groups() {
		domains := make([]dynamo.PhysicsDomain, len(g))
		for i, id := range g {
			domains[i] = m.domains[id]
		}
		if err := m.explicit(ctx, domains, target, sc, res); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) groups() [][]dynamo.DomainID {
	var out [][]dynamo.DomainID
	seen := make(map[dynamo.DomainID]bool)
	for _, g := range m.cfg.Groups {
		if len(g) == 0 {
			continue
		}
		out = append(out, g)
		for _, id := range g {
			seen[id] = true
		}
	}
	var rest []dynamo.DomainID
	for _, id := range m.order {
		if !seen[id] {
			rest = append(rest, id)
		}
	}
	if len(rest) > 0 {
		out = append(out, rest)
	}
	return out
}

// settlePasses bounds the alternating energy and momentum corrections of
// one step; what is left after them is reported as unresolved.
const settlePasses = 4

// audit runs every enforcer over the committed step. Corrections are
// applied but not yet recorded in the ledgers.
func (m *Manager) audit(before map[dynamo.DomainID]dynamo.DomainState, sc dynamo.SpatialContext, res *StepResult) error {
	step := conservation.NewCouplingStep(before, res.Domains, m.graph.Pairs())
	domains := m.Domains()

	var err error
	if res.Energy, err = m.energy.Correct(domains, step, sc); err != nil {
		return fmt.Errorf("sim: energy correction: %w", err)
	}
	if res.Momentum, err = m.momentum.Correct(domains, step, sc); err != nil {
		return fmt.Errorf("sim: momentum correction: %w", err)
	}
	// A momentum shift moves kinetic energy and an energy correction
	// rescales velocities, so the two are settled against each other.
	for pass := 0; ; pass++ {
		if pass == settlePasses {
			res.Energy = m.energy.Remeasure(domains, step, res.Energy, sc)
			break
		}
		var moved bool
		if res.Energy, moved, err = m.energy.Settle(domains, step, res.Energy, sc); err != nil {
			return fmt.Errorf("sim: energy correction: %w", err)
		}
		if !moved {
			break
		}
		if res.Momentum, _, err = m.momentum.Settle(domains, step, res.Momentum, sc); err != nil {
			return fmt.Errorf("sim: momentum correction: %w", err)
		}
	}
	res.Laws = make([]conservation.Report[float64], len(m.laws))
	for i, e := range m.laws {
		if res.Laws[i], err = e.Correct(domains, step, sc); err != nil {
			return fmt.Errorf("sim: %s audit: %w", e.Quantity(), err)
		}
	}
	return nil
}

// violation returns the first unresolved conservation finding.
func (m *Manager) violation(res StepResult) error {
	if err := res.Energy.Err(m.energy.Config().Tolerance); err != nil {
		return err
	}
	if err := res.Momentum.Err(m.momentum.Config().Tolerance); err != nil {
		return err
	}
	for i, r := range res.Laws {
		if err := r.Err(m.laws[i].Config().Tolerance); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) record(res StepResult) error {
	if err := m.energy.Record(res.Energy); err != nil {
		return err
	}
	if err := m.momentum.Record(res.Momentum); err != nil {
		return err
	}
	for i, e := range m.laws {
		if err := e.Record(res.Laws[i]); err != nil {
			return err
		}
	}
	return nil
}

// abort rolls every domain back to its pre-step snapshot, reopens the sync
// points the step consumed and reports err.
func (m *Manager) abort(span trace.Span, before map[dynamo.DomainID]dynamo.DomainState, points []temporal.SyncPoint, res StepResult, err error) (StepResult, error) {
	if rerr := m.rollback(before); rerr != nil {
		err = errors.Join(err, fmt.Errorf("sim: rollback: %w", rerr))
	}
	m.schedule.Restore(points)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	m.logger.Printf("step %d %s aborted: %v", res.Step, res.Strategy, err)
	return res, err
}

func (m *Manager) rollback(before map[dynamo.DomainID]dynamo.DomainState) error {
	var errs []error
	for _, id := range m.order {
		s, ok := before[id]
		if !ok {
			continue
		}
		if err := m.domains[id].RestoreState(s); err != nil {
			errs = append(errs, err)
			continue
		}
		m.sync.Record(s)
	}
	return errors.Join(errs...)
}

func sortedStates(m map[dynamo.DomainID]dynamo.DomainState) []dynamo.DomainState {
	ids := make([]dynamo.DomainID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	dynamo.SortIDs(ids)
	out := make([]dynamo.DomainState, len(ids))
	for i, id := range ids {
		out[i] = m[id]
	}
	return out
}
