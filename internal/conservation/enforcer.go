package conservation

import (
	"fmt"
	"math"
	"strings"

	"github.com/san-kum/multiphys/internal/dynamo"
)

// Strategy decides which domains absorb a correction.
type Strategy int

const (
	SourceAdjustment Strategy = iota
	TargetAdjustment
	// ProportionalSplit weights each domain by the size of its own total,
	// so domains holding little of the quantity absorb little.
	ProportionalSplit
	MassWeighted
	CouplingBased
)

func (s Strategy) String() string {
	switch s {
	case TargetAdjustment:
		return "target"
	case ProportionalSplit:
		return "proportional"
	case MassWeighted:
		return "mass_weighted"
	case CouplingBased:
		return "coupling_based"
	default:
		return "source"
	}
}

func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "source":
		return SourceAdjustment, nil
	case "target":
		return TargetAdjustment, nil
	case "", "proportional":
		return ProportionalSplit, nil
	case "mass_weighted", "mass":
		return MassWeighted, nil
	case "coupling_based", "coupling":
		return CouplingBased, nil
	}
	return 0, fmt.Errorf("conservation: unknown correction strategy %q", s)
}

type ViolationKind int

const (
	TotalDrift ViolationKind = iota
	InterfaceImbalance
	UnphysicalCreation
	FormImbalance
	// CorrectionWorsened marks a correction that left a larger imbalance
	// than it started from (negative effectiveness).
	CorrectionWorsened
	// CorrectionIneffective marks a correction whose effectiveness is
	// positive but short of the configured minimum.
	CorrectionIneffective
)

func (k ViolationKind) String() string {
	return [...]string{
		"total_drift", "interface_imbalance", "unphysical_creation",
		"form_imbalance", "correction_worsened", "correction_ineffective",
	}[k]
}

// Violation is one finding of an audit. Amount is the excess that appeared
// (negative when the quantity vanished).
type Violation[T any] struct {
	Kind      ViolationKind
	Pair      *dynamo.CouplingPair
	Domain    dynamo.DomainID
	Mechanism Mechanism
	Amount    T
	Relative  float64
}

func (v Violation[T]) Where() string {
	switch {
	case v.Pair != nil:
		return v.Pair.String()
	case v.Domain != "":
		return string(v.Domain)
	}
	return "system"
}

// InterfaceAudit compares the transfer a mechanism should realize with
// what the domains integrated.
type InterfaceAudit[T any] struct {
	Pair        dynamo.CouplingPair
	Mechanism   Mechanism
	Numerical   T
	Theoretical T
	Error       T
}

// Correction records how one violation was absorbed. Applied is measured
// from the change of the domain totals, not from what domains claim.
type Correction[T any] struct {
	Violation     Violation[T]
	Strategy      Strategy
	Applied       T
	Records       []dynamo.CorrectionRecord
	Effectiveness float64
}

// Left is the imbalance remaining after the correction.
func (c Correction[T]) Left(alg Algebra[T]) T { return alg.Add(c.Violation.Amount, c.Applied) }

// Report is the outcome of one audit. Drift is measured before any
// correction, Residual after.
type Report[T any] struct {
	Quantity   string
	Start, End float64

	Before, After T
	Declared      T
	Expected      T
	Drift         T
	Residual      T
	Relative      float64
	Domains       map[dynamo.DomainID]T

	Interfaces  []InterfaceAudit[T]
	Violations  []Violation[T]
	Corrections []Correction[T]
	// Remaining lists what the correction pass could not resolve.
	Remaining     []Violation[T]
	Effectiveness float64

	scale float64
}

func (r Report[T]) Clean() bool    { return len(r.Violations) == 0 }
func (r Report[T]) Resolved() bool { return len(r.Remaining) == 0 }

func (r Report[T]) Has(kind ViolationKind) bool {
	for _, v := range r.Violations {
		if v.Kind == kind {
			return true
		}
	}
	for _, v := range r.Remaining {
		if v.Kind == kind {
			return true
		}
	}
	return false
}

// Err returns a ConservationViolationError for the worst unresolved
// finding, or nil.
func (r Report[T]) Err(tol float64) error {
	var worst *Violation[T]
	for i := range r.Remaining {
		if worst == nil || r.Remaining[i].Relative > worst.Relative {
			worst = &r.Remaining[i]
		}
	}
	if worst == nil {
		return nil
	}
	return &dynamo.ConservationViolationError{
		Quantity:  r.Quantity,
		Where:     worst.Kind.String() + " at " + worst.Where(),
		Residual:  worst.Relative,
		Tolerance: tol,
	}
}

type Config struct {
	// Tolerance bounds every residual relative to the system scale.
	Tolerance        float64
	Strategy         Strategy
	AutoCorrect      bool
	MinEffectiveness float64
}

func DefaultConfig() Config {
	return Config{
		Tolerance:        1e-6,
		Strategy:         ProportionalSplit,
		AutoCorrect:      true,
		MinEffectiveness: 0.99,
	}
}

// Enforcer audits and corrects one conserved quantity. Energy and momentum
// enforcers share this implementation through their Quantity.
type Enforcer[T any] struct {
	q      Quantity[T]
	cfg    Config
	ledger *Ledger[T]
}

func New[T any](q Quantity[T], cfg Config) *Enforcer[T] {
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = DefaultConfig().Tolerance
	}
	if cfg.MinEffectiveness <= 0 {
		cfg.MinEffectiveness = DefaultConfig().MinEffectiveness
	}
	if !q.Correctable() {
		cfg.AutoCorrect = false
	}
	return &Enforcer[T]{q: q, cfg: cfg, ledger: NewLedger(q.Name, q.Algebra)}
}

// NewEnergyEnforcer accepts source, target and proportional corrections.
func NewEnergyEnforcer(cfg Config) (*Enforcer[float64], error) {
	switch cfg.Strategy {
	case SourceAdjustment, TargetAdjustment, ProportionalSplit:
	default:
		return nil, fmt.Errorf("conservation: %s correction is not defined for energy", cfg.Strategy)
	}
	return New(Energy(), cfg), nil
}

func NewMomentumEnforcer(cfg Config) (*Enforcer[dynamo.Vec3], error) {
	if cfg.Strategy < SourceAdjustment || cfg.Strategy > CouplingBased {
		return nil, fmt.Errorf("conservation: unknown correction strategy %d", cfg.Strategy)
	}
	return New(Momentum(), cfg), nil
}

func (e *Enforcer[T]) Quantity() string   { return e.q.Name }
func (e *Enforcer[T]) Config() Config     { return e.cfg }
func (e *Enforcer[T]) Ledger() *Ledger[T] { return e.ledger }

// Start opens the ledger with the totals at simulation start.
func (e *Enforcer[T]) Start(domains []dynamo.PhysicsDomain, sc dynamo.SpatialContext) error {
	totals := make(map[dynamo.DomainID]T, len(domains))
	for _, d := range domains {
		totals[d.ID()] = e.q.Total(d, sc)
	}
	return e.ledger.Start(totals)
}

type audit[T any] struct {
	byID   map[dynamo.DomainID]dynamo.PhysicsDomain
	before map[dynamo.DomainID]T
	scale  float64
}

func (e *Enforcer[T]) relative(a audit[T], x T) float64 {
	return e.q.Norm(x) / a.scale
}

// Monitor audits a committed step without changing any domain.
func (e *Enforcer[T]) Monitor(domains []dynamo.PhysicsDomain, step CouplingStep, sc dynamo.SpatialContext) Report[T] {
	rep, _ := e.monitor(domains, step, sc)
	return rep
}

func (e *Enforcer[T]) monitor(domains []dynamo.PhysicsDomain, step CouplingStep, sc dynamo.SpatialContext) (Report[T], audit[T]) {
	q := e.q
	a := audit[T]{
		byID:   make(map[dynamo.DomainID]dynamo.PhysicsDomain, len(domains)),
		before: make(map[dynamo.DomainID]T, len(domains)),
	}
	rep := Report[T]{
		Quantity:      q.Name,
		Start:         step.Start,
		End:           step.End,
		Before:        q.Zero(),
		After:         q.Zero(),
		Declared:      q.Zero(),
		Expected:      q.Zero(),
		Domains:       make(map[dynamo.DomainID]T, len(domains)),
		Effectiveness: 1,
	}

	ids := make([]dynamo.DomainID, 0, len(domains))
	scale := 0.0
	for _, d := range domains {
		id := d.ID()
		ids = append(ids, id)
		a.byID[id] = d
		after := q.Total(d, sc)
		before := after
		if s, ok := step.Before[id]; ok {
			before = q.FromState(s)
		}
		a.before[id] = before
		rep.Domains[id] = after
		rep.Before = q.Add(rep.Before, before)
		rep.After = q.Add(rep.After, after)
		if q.Tracks() {
			rep.Declared = q.Add(rep.Declared, q.Project(step.Sources[id]))
		}
		scale += math.Max(q.Norm(before), q.Norm(after))
	}
	dynamo.SortIDs(ids)
	a.scale = math.Max(math.Max(scale, q.Norm(rep.Before)), 1e-12)
	rep.scale = a.scale

	inflow := make(map[dynamo.DomainID]T, len(ids))
	for _, op := range step.Operations {
		m := q.Classify(op.Kinds[0], op.Kinds[1])
		expected := q.Expected(op, m)
		rep.Expected = q.Add(rep.Expected, expected)
		if !q.Tracks() {
			continue
		}
		into := [2]T{q.Project(op.Realized[0]), q.Project(op.Realized[1])}
		for i, id := range op.IDs() {
			if cur, ok := inflow[id]; ok {
				inflow[id] = q.Add(cur, into[i])
			} else {
				inflow[id] = into[i]
			}
		}
		numerical := q.Add(into[0], into[1])
		ia := InterfaceAudit[T]{
			Pair:        op.Pair,
			Mechanism:   m,
			Numerical:   numerical,
			Theoretical: expected,
			Error:       q.Sub(numerical, expected),
		}
		rep.Interfaces = append(rep.Interfaces, ia)
		if rel := e.relative(a, ia.Error); rel > e.cfg.Tolerance {
			pair := op.Pair
			rep.Violations = append(rep.Violations, Violation[T]{
				Kind: InterfaceImbalance, Pair: &pair, Mechanism: m, Amount: ia.Error, Relative: rel,
			})
		}
	}

	for _, id := range ids {
		created := q.Sub(rep.Domains[id], a.before[id])
		if q.Tracks() {
			if in, ok := inflow[id]; ok {
				created = q.Sub(created, in)
			}
			created = q.Sub(created, q.Project(step.Sources[id]))
		}
		if rel := e.relative(a, created); rel > e.cfg.Tolerance {
			rep.Violations = append(rep.Violations, Violation[T]{
				Kind: UnphysicalCreation, Domain: id, Amount: created, Relative: rel,
			})
		}
		if q.FormError != nil {
			if gap, ok := q.FormError(a.byID[id].CurrentState()); ok {
				if rel := e.relative(a, gap); rel > e.cfg.Tolerance {
					rep.Violations = append(rep.Violations, Violation[T]{
						Kind: FormImbalance, Domain: id, Amount: gap, Relative: rel,
					})
				}
			}
		}
	}

	rep.Drift = e.drift(rep, rep.After)
	rep.Residual = rep.Drift
	rep.Relative = e.relative(a, rep.Drift)
	if rep.Relative > e.cfg.Tolerance {
		rep.Violations = append(rep.Violations, Violation[T]{Kind: TotalDrift, Amount: rep.Drift, Relative: rep.Relative})
	}
	return rep, a
}

// drift is the change of the system total not explained by declared
// sources or by what the coupling mechanisms create.
func (e *Enforcer[T]) drift(rep Report[T], after T) T {
	q := e.q
	return q.Sub(q.Sub(q.Sub(after, rep.Before), rep.Declared), rep.Expected)
}

// Enforce audits a committed step, corrects interface imbalances and
// unphysical creation, then absorbs any residual drift across all domains.
// Corrections that fall short are reported in Remaining, never hidden.
// The report is appended to the ledger.
func (e *Enforcer[T]) Enforce(domains []dynamo.PhysicsDomain, step CouplingStep, sc dynamo.SpatialContext) (Report[T], error) {
	rep, err := e.Correct(domains, step, sc)
	if err != nil {
		return rep, err
	}
	return rep, e.Record(rep)
}

// Correct audits the step and applies corrections without touching the
// ledger. Callers that may still roll the step back use it and Record the
// report once the step stands.
func (e *Enforcer[T]) Correct(domains []dynamo.PhysicsDomain, step CouplingStep, sc dynamo.SpatialContext) (Report[T], error) {
	rep, a := e.monitor(domains, step, sc)
	if !e.cfg.AutoCorrect || rep.Clean() {
		rep.Remaining = append(rep.Remaining, rep.Violations...)
		return rep, nil
	}

	coupled := step.coupled()
	for _, v := range rep.Violations {
		var (
			c   Correction[T]
			err error
		)
		switch v.Kind {
		case InterfaceImbalance:
			c, err = e.correctInterface(a, coupled, v, sc)
		case UnphysicalCreation:
			if v.Domain == "" {
				return rep, &dynamo.MissingViolationInfoError{Violation: v.Kind.String(), Missing: "domain"}
			}
			c, err = e.apply(a, v, []dynamo.DomainID{v.Domain}, []float64{1}, e.cfg.Strategy, sc)
		case FormImbalance:
			rep.Remaining = append(rep.Remaining, v)
			continue
		default:
			continue
		}
		if err != nil {
			return rep, err
		}
		rep.Corrections = append(rep.Corrections, c)
	}

	if _, err := e.absorb(a, coupled, &rep, sc); err != nil {
		return rep, err
	}
	e.settle(a, &rep, 0, sc)
	return rep, nil
}

// Settle re-audits a corrected report against the committed domain totals.
// Correcting another quantity can move this one (a momentum shift changes
// kinetic energy); drift that reappeared is absorbed again. The bool
// reports whether a correction changed the domains.
func (e *Enforcer[T]) Settle(domains []dynamo.PhysicsDomain, step CouplingStep, rep Report[T], sc dynamo.SpatialContext) (Report[T], bool, error) {
	a := e.reaudit(domains, step, rep, sc)
	n := len(rep.Corrections)
	moved := false
	if e.cfg.AutoCorrect {
		var err error
		if moved, err = e.absorb(a, step.coupled(), &rep, sc); err != nil {
			return rep, moved, err
		}
	}
	e.settle(a, &rep, n, sc)
	return rep, moved, nil
}

// Remeasure refreshes the totals of rep from the committed domains without
// correcting anything.
func (e *Enforcer[T]) Remeasure(domains []dynamo.PhysicsDomain, step CouplingStep, rep Report[T], sc dynamo.SpatialContext) Report[T] {
	a := e.reaudit(domains, step, rep, sc)
	e.settle(a, &rep, len(rep.Corrections), sc)
	return rep
}

func (e *Enforcer[T]) reaudit(domains []dynamo.PhysicsDomain, step CouplingStep, rep Report[T], sc dynamo.SpatialContext) audit[T] {
	a := audit[T]{
		byID:   make(map[dynamo.DomainID]dynamo.PhysicsDomain, len(domains)),
		before: make(map[dynamo.DomainID]T, len(domains)),
		scale:  rep.scale,
	}
	scale := 0.0
	for _, d := range domains {
		id := d.ID()
		a.byID[id] = d
		before := e.q.Total(d, sc)
		if s, ok := step.Before[id]; ok {
			before = e.q.FromState(s)
		}
		a.before[id] = before
		scale += e.q.Norm(before)
	}
	if a.scale <= 0 {
		a.scale = math.Max(scale, 1e-12)
	}
	return a
}

// absorb spreads the system drift left after the interface and domain
// corrections across all domains. It reports whether the domains moved
// toward balance.
func (e *Enforcer[T]) absorb(a audit[T], coupled map[dynamo.DomainID]float64, rep *Report[T], sc dynamo.SpatialContext) (bool, error) {
	residual := e.drift(*rep, e.total(a, sc))
	rel := e.relative(a, residual)
	if rel <= e.cfg.Tolerance {
		return false, nil
	}
	ids := sortedKeys(a.byID)
	strategy := e.cfg.Strategy
	if strategy == SourceAdjustment || strategy == TargetAdjustment {
		strategy = ProportionalSplit
	}
	v := Violation[T]{Kind: TotalDrift, Amount: residual, Relative: rel}
	c, err := e.apply(a, v, ids, e.weights(a, coupled, ids, strategy), strategy, sc)
	if err != nil {
		return true, err
	}
	rep.Corrections = append(rep.Corrections, c)
	return c.Effectiveness > 0, nil
}

// settle measures the committed totals into rep and lists what is still
// unresolved. Corrections before index from were judged by an earlier pass.
func (e *Enforcer[T]) settle(a audit[T], rep *Report[T], from int, sc dynamo.SpatialContext) {
	rep.After = e.total(a, sc)
	for id, d := range a.byID {
		rep.Domains[id] = e.q.Total(d, sc)
	}
	rep.Residual = e.drift(*rep, rep.After)
	rep.Relative = e.relative(a, rep.Residual)

	var kept []Violation[T]
	for _, v := range rep.Remaining {
		if v.Kind != TotalDrift {
			kept = append(kept, v)
		}
	}
	rep.Remaining = kept

	for _, c := range rep.Corrections[from:] {
		rep.Effectiveness = math.Min(rep.Effectiveness, c.Effectiveness)
		if c.Effectiveness >= e.cfg.MinEffectiveness {
			continue
		}
		kind := CorrectionIneffective
		if c.Effectiveness < 0 {
			kind = CorrectionWorsened
		}
		v := c.Violation
		v.Kind = kind
		v.Amount = c.Left(e.q.Algebra)
		v.Relative = e.relative(a, v.Amount)
		rep.Remaining = append(rep.Remaining, v)
	}
	if rep.Relative > e.cfg.Tolerance {
		rep.Remaining = append(rep.Remaining, Violation[T]{Kind: TotalDrift, Amount: rep.Residual, Relative: rep.Relative})
	}
}

func (e *Enforcer[T]) total(a audit[T], sc dynamo.SpatialContext) T {
	sum := e.q.Zero()
	for _, id := range sortedKeys(a.byID) {
		sum = e.q.Add(sum, e.q.Total(a.byID[id], sc))
	}
	return sum
}

func (e *Enforcer[T]) correctInterface(a audit[T], coupled map[dynamo.DomainID]float64, v Violation[T], sc dynamo.SpatialContext) (Correction[T], error) {
	if v.Pair == nil {
		return Correction[T]{}, &dynamo.MissingViolationInfoError{Violation: v.Kind.String(), Missing: "coupling pair"}
	}
	ids := []dynamo.DomainID{v.Pair.Source, v.Pair.Target}
	var w []float64
	switch e.cfg.Strategy {
	case SourceAdjustment:
		w = []float64{1, 0}
	case TargetAdjustment:
		w = []float64{0, 1}
	default:
		w = e.weights(a, coupled, ids, e.cfg.Strategy)
	}
	return e.apply(a, v, ids, w, e.cfg.Strategy, sc)
}

// weights splits a correction across ids. Each falls back to an even split
// when every weight is zero.
func (e *Enforcer[T]) weights(a audit[T], coupled map[dynamo.DomainID]float64, ids []dynamo.DomainID, s Strategy) []float64 {
	w := make([]float64, len(ids))
	sum := 0.0
	for i, id := range ids {
		d, ok := a.byID[id]
		if !ok {
			continue
		}
		switch s {
		case MassWeighted:
			w[i] = math.Max(d.EffectiveMass(), 0)
		case CouplingBased:
			w[i] = coupled[id]
		default:
			w[i] = e.q.Norm(a.before[id])
		}
		sum += w[i]
	}
	for i := range w {
		if sum > 0 {
			w[i] /= sum
		} else {
			w[i] = 1 / float64(len(w))
		}
	}
	return w
}

// apply asks each domain to absorb its share of -v.Amount and measures
// what it actually absorbed from the change of its total.
func (e *Enforcer[T]) apply(a audit[T], v Violation[T], ids []dynamo.DomainID, w []float64, s Strategy, sc dynamo.SpatialContext) (Correction[T], error) {
	q := e.q
	c := Correction[T]{Violation: v, Strategy: s, Applied: q.Zero()}
	delta := q.Scale(v.Amount, -1)
	for i, id := range ids {
		if w[i] == 0 {
			continue
		}
		d, ok := a.byID[id]
		if !ok {
			return c, &dynamo.DomainNotFoundError{ID: id, Context: q.Name + " correction at " + v.Where()}
		}
		before := q.Total(d, sc)
		rec, err := q.Apply(d, q.Scale(delta, w[i]), sc)
		if err != nil {
			return c, fmt.Errorf("conservation: %s correction at %s: %w", q.Name, v.Where(), err)
		}
		c.Records = append(c.Records, rec)
		c.Applied = q.Add(c.Applied, q.Sub(q.Total(d, sc), before))
	}
	c.Effectiveness = effectiveness(q.Norm(v.Amount), q.Norm(c.Left(q.Algebra)))
	return c, nil
}

// effectiveness is 1 - |post|/|original|; negative when the correction
// made things worse.
func effectiveness(original, post float64) float64 {
	if original == 0 {
		if post == 0 {
			return 1
		}
		return math.Inf(-1)
	}
	return 1 - post/original
}

// Record appends rep to the ledger; a ledger that was never started
// ignores it.
func (e *Enforcer[T]) Record(rep Report[T]) error {
	if !e.ledger.Started() {
		return nil
	}
	entry := Entry[T]{
		Start:      rep.Start,
		End:        rep.End,
		Totals:     rep.Domains,
		System:     rep.After,
		Drift:      rep.Residual,
		Correction: e.q.Zero(),
	}
	for _, ia := range rep.Interfaces {
		entry.Transfers = append(entry.Transfers, Transfer[T]{
			Pair: ia.Pair.String(), Mechanism: ia.Mechanism, Numerical: ia.Numerical, Theoretical: ia.Theoretical,
		})
	}
	for _, c := range rep.Corrections {
		entry.Correction = e.q.Add(entry.Correction, c.Applied)
	}
	for _, v := range rep.Violations {
		entry.Violations = append(entry.Violations, v.Kind)
	}
	for _, v := range rep.Remaining {
		if v.Kind == CorrectionWorsened || v.Kind == CorrectionIneffective {
			entry.Violations = append(entry.Violations, v.Kind)
		}
	}
	_, err := e.ledger.Append(entry)
	return err
}
