package conservation

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/san-kum/multiphys/internal/dynamo"
	"github.com/san-kum/multiphys/internal/field"
	"github.com/san-kum/multiphys/internal/physics"
)

var sc = dynamo.SpatialContext{}

func thermal(t *testing.T, id dynamo.DomainID, temp float64) *physics.Domain {
	t.Helper()
	m := physics.NewThermal(field.Uniform(0, 1, 2))
	m.Temperature = temp
	d, err := physics.New(id, dynamo.Thermal, m)
	require.NoError(t, err)
	return d
}

// explicitStep advances the domains in order, each coupled to the latest
// state of its partners, and returns the audit input.
func explicitStep(t *testing.T, dt float64, pairs []dynamo.CouplingPair, domains ...dynamo.PhysicsDomain) CouplingStep {
	t.Helper()
	byID := make(map[dynamo.DomainID]dynamo.PhysicsDomain)
	before := make(map[dynamo.DomainID]dynamo.DomainState)
	for _, d := range domains {
		byID[d.ID()] = d
		before[d.ID()] = d.CurrentState()
	}
	results := make(map[dynamo.DomainID]dynamo.DomainStepResult)
	for _, d := range domains {
		cd := dynamo.CouplingData{}
		for _, p := range pairs {
			if !p.Involves(d.ID()) {
				continue
			}
			partner := byID[p.Other(d.ID())]
			s := partner.CurrentState()
			cd[partner.ID()] = dynamo.CouplingInput{
				Partner: partner.ID(), Kind: partner.Kind(), Strength: p.Strength, Time: s.Time, Fields: s.Fields,
			}
		}
		r, err := d.AdvanceTimeStep(context.Background(), dt, cd, sc)
		require.NoError(t, err)
		results[d.ID()] = r
	}
	return NewCouplingStep(before, results, pairs)
}

func systemEnergy(domains ...dynamo.PhysicsDomain) float64 {
	sum := 0.0
	for _, d := range domains {
		sum += d.TotalEnergy(sc)
	}
	return sum
}

func TestEnergyEnforcer_CorrectsStaggeredHeatExchange(t *testing.T) {
	a, b := thermal(t, "a", 300), thermal(t, "b", 400)
	pairs := []dynamo.CouplingPair{{Source: "a", Target: "b", Strength: 1}}
	domains := []dynamo.PhysicsDomain{a, b}

	e, err := NewEnergyEnforcer(DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, e.Start(domains, sc))
	e0 := systemEnergy(a, b)

	for i := 0; i < 5; i++ {
		step := explicitStep(t, 0.05, pairs, a, b)
		rep, err := e.Enforce(domains, step, sc)
		require.NoError(t, err)

		require.Len(t, rep.Interfaces, 1)
		assert.Equal(t, HeatConduction, rep.Interfaces[0].Mechanism)
		assert.Equal(t, 0.0, rep.Interfaces[0].Theoretical)
		assert.True(t, rep.Has(InterfaceImbalance))
		assert.True(t, rep.Resolved(), "remaining %+v", rep.Remaining)
		assert.InDelta(t, 1, rep.Effectiveness, 1e-9)

		drift := math.Abs(systemEnergy(a, b)-e0) / math.Abs(e0)
		assert.LessOrEqual(t, drift, 1e-9, "step %d", i)
	}

	assert.Equal(t, 5, e.Ledger().Len())
	last, ok := e.Ledger().Last()
	require.True(t, ok)
	assert.Equal(t, 5, last.Step)
	assert.NotZero(t, last.Cumulative)
	assert.Contains(t, last.Violations, InterfaceImbalance)
}

func TestEnergyEnforcer_SettleAfterForeignCorrection(t *testing.T) {
	a, b := thermal(t, "a", 300), thermal(t, "b", 400)
	pairs := []dynamo.CouplingPair{{Source: "a", Target: "b", Strength: 1}}
	domains := []dynamo.PhysicsDomain{a, b}
	e0 := systemEnergy(a, b)
	step := explicitStep(t, 0.05, pairs, a, b)

	e, err := NewEnergyEnforcer(DefaultConfig())
	require.NoError(t, err)
	rep, err := e.Correct(domains, step, sc)
	require.NoError(t, err)
	require.True(t, rep.Resolved())
	corrections := len(rep.Corrections)

	// stands in for another quantity's correction moving energy
	_, err = a.ApplyEnergyCorrection(2, sc)
	require.NoError(t, err)

	stale := e.Remeasure(domains, step, rep, sc)
	assert.InDelta(t, systemEnergy(a, b), stale.After, 1e-9)
	assert.True(t, stale.Has(TotalDrift))
	assert.False(t, stale.Resolved())

	settled, moved, err := e.Settle(domains, step, rep, sc)
	require.NoError(t, err)
	assert.True(t, moved)
	assert.Len(t, settled.Corrections, corrections+1)
	assert.True(t, settled.Resolved(), "remaining %+v", settled.Remaining)
	assert.InDelta(t, systemEnergy(a, b), settled.After, 1e-9)
	assert.InDelta(t, settled.Domains["a"]+settled.Domains["b"], settled.After, 1e-9)
	assert.LessOrEqual(t, math.Abs(systemEnergy(a, b)-e0)/e0, 1e-9)

	_, moved, err = e.Settle(domains, step, settled, sc)
	require.NoError(t, err)
	assert.False(t, moved)
}

func TestEnergyEnforcer_MonitorDoesNotMutate(t *testing.T) {
	a, b := thermal(t, "a", 300), thermal(t, "b", 400)
	pairs := []dynamo.CouplingPair{{Source: "a", Target: "b", Strength: 1}}
	step := explicitStep(t, 0.05, pairs, a, b)

	e, err := NewEnergyEnforcer(DefaultConfig())
	require.NoError(t, err)
	sa, sb := a.CurrentState(), b.CurrentState()
	rep := e.Monitor([]dynamo.PhysicsDomain{a, b}, step, sc)

	assert.True(t, rep.Has(TotalDrift))
	assert.Empty(t, rep.Corrections)
	assert.True(t, sa.Identical(a.CurrentState()))
	assert.True(t, sb.Identical(b.CurrentState()))

	var sum float64
	for _, ia := range rep.Interfaces {
		sum += ia.Error
	}
	assert.InDelta(t, rep.Drift, sum, 1e-9)
}

func TestEnergyEnforcer_SourceAdjustmentTouchesOnlySource(t *testing.T) {
	a, b := thermal(t, "a", 300), thermal(t, "b", 400)
	pairs := []dynamo.CouplingPair{{Source: "a", Target: "b", Strength: 1}}
	step := explicitStep(t, 0.05, pairs, a, b)

	cfg := DefaultConfig()
	cfg.Strategy = SourceAdjustment
	e, err := NewEnergyEnforcer(cfg)
	require.NoError(t, err)

	eb := b.TotalEnergy(sc)
	rep, err := e.Enforce([]dynamo.PhysicsDomain{a, b}, step, sc)
	require.NoError(t, err)
	require.Len(t, rep.Corrections, 1)
	assert.Equal(t, SourceAdjustment, rep.Corrections[0].Strategy)
	assert.Equal(t, dynamo.DomainID("a"), rep.Corrections[0].Records[0].DomainID)
	assert.Equal(t, eb, b.TotalEnergy(sc))
	assert.True(t, rep.Resolved())
}

func TestEnergyEnforcer_UnphysicalCreation(t *testing.T) {
	a := thermal(t, "a", 300)
	before := map[dynamo.DomainID]dynamo.DomainState{"a": a.CurrentState()}
	_, err := a.ApplyEnergyCorrection(5, sc)
	require.NoError(t, err)

	e, err := NewEnergyEnforcer(DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, e.Start([]dynamo.PhysicsDomain{a}, sc))

	rep, err := e.Enforce([]dynamo.PhysicsDomain{a}, NewCouplingStep(before, nil, nil), sc)
	require.NoError(t, err)
	require.True(t, rep.Has(UnphysicalCreation))
	assert.InDelta(t, 5, rep.Drift, 1e-9)
	assert.InDelta(t, 0, rep.Residual, 1e-9)
	assert.InDelta(t, before["a"].Energy, a.TotalEnergy(sc), 1e-9)

	last, _ := e.Ledger().Last()
	assert.InDelta(t, -5, last.Correction, 1e-9)
}

// contrary applies energy corrections with the wrong sign and twice the size.
type contrary struct{ *physics.Domain }

func (c contrary) ApplyEnergyCorrection(delta float64, sc dynamo.SpatialContext) (dynamo.CorrectionRecord, error) {
	return c.Domain.ApplyEnergyCorrection(-2*delta, sc)
}

func TestEnergyEnforcer_ReportsWorsenedCorrection(t *testing.T) {
	a, b := thermal(t, "a", 300), thermal(t, "b", 400)
	pairs := []dynamo.CouplingPair{{Source: "a", Target: "b", Strength: 1}}
	step := explicitStep(t, 0.05, pairs, a, b)

	cfg := DefaultConfig()
	cfg.Strategy = SourceAdjustment
	e, err := NewEnergyEnforcer(cfg)
	require.NoError(t, err)

	rep, err := e.Enforce([]dynamo.PhysicsDomain{contrary{a}, b}, step, sc)
	require.NoError(t, err)
	assert.Less(t, rep.Corrections[0].Effectiveness, 0.0)
	assert.True(t, rep.Has(CorrectionWorsened))
	assert.False(t, rep.Resolved())

	err = rep.Err(cfg.Tolerance)
	assert.ErrorIs(t, err, dynamo.ErrConservationViolation)
	var cv *dynamo.ConservationViolationError
	require.True(t, errors.As(err, &cv))
	assert.Equal(t, "energy", cv.Quantity)
}

func TestMomentumEnforcer_MassWeightedDrag(t *testing.T) {
	g := field.Uniform(0, 1, 4)
	body := physics.NewStructural(field.Uniform(0, 1, 1))
	body.Stiffness = 0
	s, err := physics.New("body", dynamo.Structural, body)
	require.NoError(t, err)
	f, err := physics.New("air", dynamo.Fluid, physics.NewFluid(g))
	require.NoError(t, err)
	pairs := []dynamo.CouplingPair{{Source: "body", Target: "air", Strength: 1}}
	domains := []dynamo.PhysicsDomain{s, f}

	cfg := DefaultConfig()
	cfg.Strategy = MassWeighted
	e, err := NewMomentumEnforcer(cfg)
	require.NoError(t, err)
	p0 := s.TotalMomentum(sc).Add(f.TotalMomentum(sc))

	step := explicitStep(t, 0.05, pairs, s, f)
	rep, err := e.Enforce(domains, step, sc)
	require.NoError(t, err)

	require.Len(t, rep.Interfaces, 1)
	assert.Equal(t, ViscousShear, rep.Interfaces[0].Mechanism)
	assert.True(t, rep.Has(InterfaceImbalance))
	assert.True(t, rep.Resolved())

	c := rep.Corrections[0]
	require.Len(t, c.Records, 2)
	assert.InDelta(t, c.Records[0].Applied.Momentum[0], c.Records[1].Applied.Momentum[0], 1e-12)

	p1 := s.TotalMomentum(sc).Add(f.TotalMomentum(sc))
	assert.LessOrEqual(t, p1.Sub(p0).Norm()/p0.Norm(), 1e-9)

	energy := New(Energy(), DefaultConfig()).Monitor(domains, step, sc)
	require.Len(t, energy.Interfaces, 1)
	assert.Equal(t, ViscousDissipation, energy.Interfaces[0].Mechanism)
	assert.Less(t, energy.Interfaces[0].Theoretical, 0.0)
}

func TestFieldLaw_AuditOnly(t *testing.T) {
	f, err := physics.New("air", dynamo.Fluid, physics.NewFluid(field.Uniform(0, 2, 4)))
	require.NoError(t, err)
	before := map[dynamo.DomainID]dynamo.DomainState{"air": f.CurrentState()}

	e := New(FieldLaw("mass", field.LawMass), DefaultConfig())
	assert.False(t, e.Config().AutoCorrect)
	require.NoError(t, e.Start([]dynamo.PhysicsDomain{f}, sc))

	rep, err := e.Enforce([]dynamo.PhysicsDomain{f}, NewCouplingStep(before, nil, nil), sc)
	require.NoError(t, err)
	assert.True(t, rep.Clean())
	assert.InDelta(t, 2.0, rep.After, 1e-12)

	_, initial := e.Ledger().Initial()
	assert.InDelta(t, 2.0, initial, 1e-12)
}

func TestNewEnergyEnforcer_RejectsMomentumOnlyStrategies(t *testing.T) {
	for _, s := range []Strategy{MassWeighted, CouplingBased} {
		_, err := NewEnergyEnforcer(Config{Strategy: s})
		assert.Error(t, err, s.String())
		_, err = NewMomentumEnforcer(Config{Strategy: s})
		assert.NoError(t, err, s.String())
	}
}

func TestCorrectInterface_MissingPair(t *testing.T) {
	e := New(Energy(), DefaultConfig())
	_, err := e.correctInterface(audit[float64]{scale: 1}, nil, Violation[float64]{Kind: InterfaceImbalance, Amount: 1}, sc)
	assert.ErrorIs(t, err, dynamo.ErrMissingViolationInfo)
}

func TestWeights(t *testing.T) {
	a, b := thermal(t, "a", 100), thermal(t, "b", 300)
	e := New(Energy(), DefaultConfig())
	au := audit[float64]{
		byID:   map[dynamo.DomainID]dynamo.PhysicsDomain{"a": a, "b": b},
		before: map[dynamo.DomainID]float64{"a": 100, "b": 300},
		scale:  400,
	}
	ids := []dynamo.DomainID{"a", "b"}
	coupled := map[dynamo.DomainID]float64{"a": 3, "b": 1}

	tests := []struct {
		strategy Strategy
		want     []float64
	}{
		{ProportionalSplit, []float64{0.25, 0.75}},
		{MassWeighted, []float64{0.5, 0.5}},
		{CouplingBased, []float64{0.75, 0.25}},
	}
	for _, tt := range tests {
		t.Run(tt.strategy.String(), func(t *testing.T) {
			got := e.weights(au, coupled, ids, tt.strategy)
			assert.InDeltaSlice(t, tt.want, got, 1e-12)
		})
	}
}

func TestEffectiveness(t *testing.T) {
	tests := []struct {
		name           string
		original, post float64
		want           float64
	}{
		{"full", 2, 0, 1},
		{"half", 2, 1, 0.5},
		{"worse", 1, 3, -2},
		{"nothing to fix", 0, 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, effectiveness(tt.original, tt.post))
		})
	}
	assert.True(t, math.IsInf(effectiveness(0, 1), -1))
}

func TestExpectedEnergy_Drag(t *testing.T) {
	g := field.Uniform(0, 1, 2)
	state := func(v ...float64) dynamo.DomainState {
		return dynamo.DomainState{Fields: field.Collection{"velocity": field.New("velocity", field.LawNone, g, v)}}
	}
	op := Operation{
		Strength: 2, Start: 0, End: 0.5,
		Before: [2]dynamo.DomainState{state(1, 1), {Fields: field.Collection{
			"velocity": field.Constant("velocity", field.LawNone, field.Uniform(0, 1, 1), 0)}}},
		After: [2]dynamo.DomainState{state(0, 0), state(0, 0)},
	}
	assert.InDelta(t, -0.5, expectedEnergy(op, ViscousDissipation), 1e-12)
	assert.Equal(t, 0.0, expectedEnergy(op, HeatConduction))
}

func TestLedger_AppendOnly(t *testing.T) {
	l := NewLedger[float64]("energy", Scalar{})
	_, err := l.Append(Entry[float64]{End: 1})
	assert.ErrorIs(t, err, ErrLedgerNotStarted)

	require.NoError(t, l.Start(map[dynamo.DomainID]float64{"a": 1, "b": 2}))
	assert.ErrorIs(t, l.Start(nil), ErrLedgerStarted)

	e1, err := l.Append(Entry[float64]{End: 1, Correction: 0.5, Totals: map[dynamo.DomainID]float64{"a": 1}})
	require.NoError(t, err)
	assert.Equal(t, 1, e1.Step)
	e2, err := l.Append(Entry[float64]{End: 2, Correction: -0.25})
	require.NoError(t, err)
	assert.Equal(t, 2, e2.Step)
	assert.Equal(t, 0.25, l.Cumulative())

	_, err = l.Append(Entry[float64]{End: 1.5})
	assert.Error(t, err)
	assert.Equal(t, 2, l.Len())

	entries := l.Entries()
	entries[0].Totals["a"] = 99
	assert.Equal(t, 1.0, l.Entries()[0].Totals["a"])

	totals, sum := l.Initial()
	assert.Equal(t, 3.0, sum)
	assert.Len(t, totals, 2)

	recs := l.Records(0)
	assert.Equal(t, RecordInitial, recs[0].Kind)
	assert.Equal(t, "a", recs[0].Subject)
	assert.NotContains(t, kinds(l.Records(1)), RecordInitial)
}

func kinds(recs []Record) []string {
	var out []string
	for _, r := range recs {
		out = append(out, r.Kind)
	}
	return out
}

func TestParseStrategy(t *testing.T) {
	for _, s := range []Strategy{SourceAdjustment, TargetAdjustment, ProportionalSplit, MassWeighted, CouplingBased} {
		got, err := ParseStrategy(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
}
