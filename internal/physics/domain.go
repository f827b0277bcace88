package physics

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/san-kum/multiphys/internal/dynamo"
	"github.com/san-kum/multiphys/internal/field"
	"github.com/san-kum/multiphys/internal/integrators"
)

// Domain adapts a Model to dynamo.PhysicsDomain. It sub-steps the model at
// its natural time step and integrates interface transfers alongside the
// state, so the reported exchanges match the committed state change.
type Domain struct {
	id         dynamo.DomainID
	kind       dynamo.DomainKind
	model      Model
	integrator dynamo.Integrator
	naturalDt  float64
	tolerance  float64
	prediction dynamo.PredictionMethod
	stiff      bool

	x    dynamo.State
	t    float64
	step int

	lastLoads dynamo.CouplingData
	pending   dynamo.CouplingData
	snapshot  dynamo.DomainState
	tentative *tentativeStep
}

type tentativeStep struct {
	result dynamo.DomainStepResult
	loads  dynamo.CouplingData
}

type Option func(*Domain)

func WithIntegrator(integ dynamo.Integrator) Option {
	return func(d *Domain) { d.integrator = integ }
}

func WithNaturalTimeStep(dt float64) Option {
	return func(d *Domain) { d.naturalDt = dt }
}

// WithErrorTolerance sets the local error bound used when the integrator
// is adaptive.
func WithErrorTolerance(tol float64) Option {
	return func(d *Domain) { d.tolerance = tol }
}

func WithPrediction(m dynamo.PredictionMethod) Option {
	return func(d *Domain) { d.prediction = m }
}

// WithStiff marks the domain for implicit treatment under IMEX splitting.
func WithStiff(stiff bool) Option {
	return func(d *Domain) { d.stiff = stiff }
}

func WithStartTime(t float64) Option {
	return func(d *Domain) { d.t = t }
}

func WithInitialState(x dynamo.State) Option {
	return func(d *Domain) { d.x = x.Clone() }
}

func New(id dynamo.DomainID, kind dynamo.DomainKind, model Model, opts ...Option) (*Domain, error) {
	if id == "" {
		return nil, fmt.Errorf("physics: empty domain id")
	}
	if err := model.Grid().Validate(); err != nil {
		return nil, fmt.Errorf("physics: domain %s: %w", id, err)
	}
	d := &Domain{
		id:         id,
		kind:       kind,
		model:      model,
		integrator: integrators.NewRK4(),
		naturalDt:  0.01,
		tolerance:  1e-8,
		x:          model.InitialState(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.stiff {
		if _, ok := d.integrator.(*integrators.RK4); ok {
			d.integrator = integrators.NewImplicitEuler()
		}
	}
	if d.naturalDt <= 0 {
		return nil, fmt.Errorf("physics: domain %s: natural time step must be positive", id)
	}
	if d.tolerance <= 0 {
		return nil, fmt.Errorf("physics: domain %s: error tolerance must be positive", id)
	}
	if len(d.x) != model.StateDim() || !d.x.IsValid() {
		return nil, &dynamo.StepError{Domain: id, Time: d.t, Wrapped: dynamo.ErrInvalidState}
	}
	d.snapshot = d.capture(d.x, d.t, d.step, nil)
	return d, nil
}

func (d *Domain) ID() dynamo.DomainID                                { return d.id }
func (d *Domain) Kind() dynamo.DomainKind                            { return d.kind }
func (d *Domain) Grid() field.Grid                                   { return d.model.Grid() }
func (d *Domain) NaturalTimeStep() float64                           { return d.naturalDt }
func (d *Domain) EffectiveMass() float64                             { return d.model.Mass() }
func (d *Domain) CurrentState() dynamo.DomainState                   { return d.snapshot.Clone() }
func (d *Domain) CurrentTime() float64                               { return d.t }
func (d *Domain) PreferredPredictionMethod() dynamo.PredictionMethod { return d.prediction }
func (d *Domain) Stiff() bool                                        { return d.stiff }
func (d *Domain) Model() Model                                       { return d.model }

func (d *Domain) Order() int {
	if o, ok := d.integrator.(dynamo.Order); ok {
		return o.Order()
	}
	return 1
}

// capture builds a snapshot. Field rates are directional derivatives of
// the field map along dx/dt under the given loads.
func (d *Domain) capture(x dynamo.State, t float64, step int, loads dynamo.CouplingData) dynamo.DomainState {
	fields := d.model.Fields(x)
	s := dynamo.DomainState{
		DomainID:    d.id,
		Kind:        d.kind,
		Time:        t,
		Step:        step,
		Fields:      fields,
		Energy:      d.model.Energy(x),
		EnergyForms: d.model.EnergyForms(x),
		Momentum:    d.model.Momentum(x),
		Mass:        d.model.Mass(),
		Vector:      x.Clone(),
	}

	dx := d.model.Derive(x, loads, t)
	norm := dx.Norm()
	if norm == 0 || !dx.IsValid() {
		s.Rates = make(map[string][]float64, len(fields))
		for name, f := range fields {
			s.Rates[name] = make([]float64, len(f.Values))
		}
		return s
	}
	eps := 1e-7 * math.Max(1, x.Norm()) / norm
	ahead := d.model.Fields(x.Add(dx.Scale(eps)))
	s.Rates = make(map[string][]float64, len(fields))
	for name, f := range fields {
		g, ok := ahead[name]
		if !ok {
			continue
		}
		r := make([]float64, len(f.Values))
		for i := range r {
			r[i] = (g.Values[i] - f.Values[i]) / eps
		}
		s.Rates[name] = r
	}
	return s
}

// merged folds fields pushed through ReceiveTransferredFields under the
// explicit coupling; explicit inputs win.
func (d *Domain) merged(coupling dynamo.CouplingData) dynamo.CouplingData {
	if len(d.pending) == 0 {
		return coupling
	}
	out := make(dynamo.CouplingData, len(coupling)+len(d.pending))
	for id, in := range d.pending {
		out[id] = in
	}
	for id, in := range coupling {
		out[id] = in
	}
	return out
}

// integrate advances x from t0 to t1 without touching committed state.
// Fixed-step integrators take equal sub-steps no longer than the natural
// time step; adaptive ones choose their own.
func (d *Domain) integrate(ctx context.Context, x dynamo.State, t0, t1 float64, loads dynamo.CouplingData) (dynamo.DomainStepResult, dynamo.State, error) {
	sys := newCoupledSystem(d.model, loads)
	xa := sys.augment(x)

	var (
		n   int
		err error
	)
	if a, ok := d.integrator.(dynamo.AdaptiveIntegrator); ok {
		xa, n, err = d.adaptive(ctx, a, sys, xa, t0, t1)
	} else {
		xa, n, err = d.fixed(ctx, sys, xa, t0, t1)
	}
	if err != nil {
		return dynamo.DomainStepResult{}, nil, err
	}

	x1, transfers, source := sys.split(xa)
	return dynamo.DomainStepResult{
		DomainID:  d.id,
		StartTime: t0,
		EndTime:   t1,
		SubSteps:  n,
		Transfers: transfers,
		Source:    source,
	}, x1, nil
}

func (d *Domain) fixed(ctx context.Context, sys *coupledSystem, xa dynamo.State, t0, t1 float64) (dynamo.State, int, error) {
	span := t1 - t0
	n := int(math.Ceil(span/d.naturalDt - 1e-9))
	if n < 1 {
		n = 1
	}
	h := span / float64(n)
	for k := 0; k < n; k++ {
		if err := ctx.Err(); err != nil {
			return nil, k, err
		}
		xa = d.integrator.Step(sys, xa, nil, t0+float64(k)*h, h)
		if !xa.IsValid() {
			return nil, k, &dynamo.StepError{Domain: d.id, Time: t0 + float64(k+1)*h, Wrapped: dynamo.ErrInvalidState}
		}
	}
	return xa, n, nil
}

// maxAttempts bounds the accepted plus rejected attempts of one adaptive
// advance.
const maxAttempts = 100000

// adaptive starts from the natural time step and lets the integrator's
// error control size every sub-step; the last one is cut to land on t1.
func (d *Domain) adaptive(ctx context.Context, a dynamo.AdaptiveIntegrator, sys *coupledSystem, xa dynamo.State, t0, t1 float64) (dynamo.State, int, error) {
	t, h := t0, math.Min(d.naturalDt, t1-t0)
	accepted := 0
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, accepted, err
		}
		if attempt == maxAttempts || !(h > 0) {
			return nil, accepted, &dynamo.StepError{Domain: d.id, Time: t,
				Wrapped: fmt.Errorf("%w: step size control stalled at h=%g", dynamo.ErrInvalidState, h)}
		}
		last := h >= t1-t
		if last {
			h = t1 - t
		}
		next, hNext, err := a.StepAdaptive(sys, xa, nil, t, h, d.tolerance)
		if errors.Is(err, dynamo.ErrStepRejected) {
			h = hNext
			continue
		}
		if err != nil {
			return nil, accepted, &dynamo.StepError{Domain: d.id, Time: t, Wrapped: err}
		}
		xa = next
		accepted++
		if last {
			return xa, accepted, nil
		}
		t += h
		h = math.Min(hNext, t1-t0)
	}
}

func (d *Domain) AdvanceTimeStep(ctx context.Context, dt float64, coupling dynamo.CouplingData, sc dynamo.SpatialContext) (dynamo.DomainStepResult, error) {
	return d.AdvanceToTimeWithCoupling(ctx, d.t+dt, coupling, sc)
}

func (d *Domain) AdvanceToTimeWithCoupling(ctx context.Context, target float64, coupling dynamo.CouplingData, sc dynamo.SpatialContext) (dynamo.DomainStepResult, error) {
	if target < d.t {
		return dynamo.DomainStepResult{}, &dynamo.StepError{Domain: d.id, Time: d.t,
			Wrapped: fmt.Errorf("%w: target %.6g is behind current time", dynamo.ErrTimeMisaligned, target)}
	}
	if target == d.t {
		return dynamo.DomainStepResult{DomainID: d.id, StartTime: d.t, EndTime: d.t, State: d.snapshot.Clone()}, nil
	}

	loads := d.merged(coupling)
	res, x1, err := d.integrate(ctx, d.x, d.t, target, loads)
	if err != nil {
		return dynamo.DomainStepResult{}, err
	}
	d.commit(x1, target, loads)
	res.State = d.snapshot.Clone()
	return res, nil
}

func (d *Domain) commit(x dynamo.State, t float64, loads dynamo.CouplingData) {
	d.x = x
	d.t = t
	d.step++
	d.lastLoads = loads
	d.pending = nil
	d.tentative = nil
	d.snapshot = d.capture(x, t, d.step, loads)
}

func (d *Domain) UpdateWithCoupledSolution(ctx context.Context, dt float64, coupling dynamo.CouplingData, sc dynamo.SpatialContext) (dynamo.DomainState, error) {
	if dt <= 0 {
		return dynamo.DomainState{}, fmt.Errorf("physics: domain %s: non-positive step %g", d.id, dt)
	}
	loads := d.merged(coupling)
	res, x1, err := d.integrate(ctx, d.x, d.t, d.t+dt, loads)
	if err != nil {
		return dynamo.DomainState{}, err
	}
	res.State = d.capture(x1, d.t+dt, d.step+1, loads)
	d.tentative = &tentativeStep{result: res, loads: loads}
	return res.State.Clone(), nil
}

// FinalizeStepWithSolution commits the most recent tentative solution.
// Solutions from earlier iterations are rejected.
func (d *Domain) FinalizeStepWithSolution(solution dynamo.DomainState) (dynamo.DomainStepResult, error) {
	if solution.DomainID != d.id {
		return dynamo.DomainStepResult{}, &dynamo.DomainNotFoundError{ID: solution.DomainID, Context: "finalize on " + string(d.id)}
	}
	if d.tentative == nil || !d.tentative.result.State.Identical(solution) {
		return dynamo.DomainStepResult{}, &dynamo.StepError{Domain: d.id, Time: solution.Time,
			Wrapped: fmt.Errorf("%w: solution was not produced by the latest update", dynamo.ErrInvalidState)}
	}
	res := d.tentative.result
	d.x = solution.Vector.Clone()
	d.t = solution.Time
	d.step = solution.Step
	d.lastLoads = d.tentative.loads
	d.pending = nil
	d.tentative = nil
	d.snapshot = res.State.Clone()
	res.State = d.snapshot.Clone()
	return res, nil
}

func (d *Domain) RestoreState(snapshot dynamo.DomainState) error {
	if snapshot.DomainID != d.id {
		return &dynamo.DomainNotFoundError{ID: snapshot.DomainID, Context: "restore on " + string(d.id)}
	}
	if len(snapshot.Vector) != d.model.StateDim() {
		return &dynamo.StepError{Domain: d.id, Time: snapshot.Time, Wrapped: dynamo.ErrInvalidState}
	}
	d.x = snapshot.Vector.Clone()
	d.t = snapshot.Time
	d.step = snapshot.Step
	d.pending = nil
	d.tentative = nil
	d.snapshot = snapshot.Clone()
	return nil
}

func (d *Domain) ExtractCouplingFields(target dynamo.DomainID) field.Collection {
	return d.snapshot.Fields.Clone()
}

// ReceiveTransferredFields stages mapped partner fields; they act as loads
// on the next advancement unless the caller supplies that partner itself.
func (d *Domain) ReceiveTransferredFields(fields field.Collection, spec dynamo.TransferSpec) error {
	if spec.Source == "" {
		return fmt.Errorf("physics: domain %s: transfer without a source domain", d.id)
	}
	for _, name := range fields.Names() {
		f := fields[name]
		if !f.IsValid() {
			return &dynamo.StepError{Domain: d.id, Time: d.t,
				Wrapped: fmt.Errorf("%w: field %s from %s", dynamo.ErrInvalidState, name, spec.Source)}
		}
	}
	if d.pending == nil {
		d.pending = make(dynamo.CouplingData)
	}
	in := d.pending[spec.Source]
	in.Partner = spec.Source
	in.Kind = spec.SourceKind
	in.Strength = spec.Strength
	in.Time = d.t
	if in.Fields == nil {
		in.Fields = make(field.Collection)
	}
	for name, f := range fields {
		in.Fields[name] = f.Clone()
	}
	d.pending[spec.Source] = in
	return nil
}

func (d *Domain) TotalEnergy(sc dynamo.SpatialContext) float64       { return d.model.Energy(d.x) }
func (d *Domain) TotalMomentum(sc dynamo.SpatialContext) dynamo.Vec3 { return d.model.Momentum(d.x) }

func (d *Domain) ApplyEnergyCorrection(delta float64, sc dynamo.SpatialContext) (dynamo.CorrectionRecord, error) {
	x, applied := d.model.ShiftEnergy(d.x, delta)
	if !x.IsValid() {
		return dynamo.CorrectionRecord{}, &dynamo.StepError{Domain: d.id, Time: d.t, Wrapped: dynamo.ErrInvalidState}
	}
	d.x = x
	d.snapshot = d.capture(x, d.t, d.step, d.lastLoads)
	rec := dynamo.CorrectionRecord{
		DomainID:  d.id,
		Requested: dynamo.Exchange{Energy: delta},
		Applied:   dynamo.Exchange{Energy: applied},
	}
	if applied != delta {
		rec.Note = fmt.Sprintf("energy correction limited to %.6g of %.6g", applied, delta)
	}
	return rec, nil
}

func (d *Domain) ApplyMomentumCorrection(delta dynamo.Vec3, sc dynamo.SpatialContext) (dynamo.CorrectionRecord, error) {
	x, applied := d.model.ShiftMomentum(d.x, delta)
	if !x.IsValid() {
		return dynamo.CorrectionRecord{}, &dynamo.StepError{Domain: d.id, Time: d.t, Wrapped: dynamo.ErrInvalidState}
	}
	d.x = x
	d.snapshot = d.capture(x, d.t, d.step, d.lastLoads)
	rec := dynamo.CorrectionRecord{
		DomainID:  d.id,
		Requested: dynamo.Exchange{Momentum: delta},
		Applied:   dynamo.Exchange{Momentum: applied},
	}
	if applied != delta {
		rec.Note = fmt.Sprintf("momentum correction limited to %v of %v", applied, delta)
	}
	return rec, nil
}

// EstimateLocalError compares one step of size dt against two half steps.
func (d *Domain) EstimateLocalError(dt float64, coupling dynamo.CouplingData) (float64, error) {
	sys := newCoupledSystem(d.model, d.merged(coupling))

	full := d.integrator.Step(sys, sys.augment(d.x), nil, d.t, dt)
	half := d.integrator.Step(sys, sys.augment(d.x), nil, d.t, dt/2)
	half = d.integrator.Step(sys, half, nil, d.t+dt/2, dt/2)
	if !full.IsValid() || !half.IsValid() {
		return math.Inf(1), nil
	}
	n := d.model.StateDim()
	diff := full[:n].Sub(half[:n]).Norm()
	return diff / math.Max(1, d.x.Norm()), nil
}

// PredictState integrates to target under the given coupling without
// committing; used by physics-based prediction.
func (d *Domain) PredictState(target float64, coupling dynamo.CouplingData) (dynamo.DomainState, error) {
	if target <= d.t {
		return d.snapshot.Clone(), nil
	}
	loads := d.merged(coupling)
	_, x1, err := d.integrate(context.Background(), d.x, d.t, target, loads)
	if err != nil {
		return dynamo.DomainState{}, err
	}
	return d.capture(x1, target, d.step, loads), nil
}
