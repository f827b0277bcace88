package physics

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/san-kum/multiphys/internal/dynamo"
	"github.com/san-kum/multiphys/internal/field"
	"github.com/san-kum/multiphys/internal/integrators"
)

func hotPartner(g field.Grid, id dynamo.DomainID, T, strength float64) dynamo.CouplingData {
	return dynamo.CouplingData{
		id: {
			Partner:  id,
			Kind:     dynamo.Thermal,
			Strength: strength,
			Fields:   field.Collection{"temperature": field.Constant("temperature", field.LawNone, g, T)},
		},
	}
}

func TestDomain_TransfersMatchEnergyChange(t *testing.T) {
	g := field.Uniform(0, 1, 4)
	d, err := New("rod", dynamo.Thermal, NewThermal(g), WithNaturalTimeStep(0.01))
	require.NoError(t, err)

	e0 := d.TotalEnergy(dynamo.SpatialContext{})
	res, err := d.AdvanceTimeStep(context.Background(), 0.1, hotPartner(g, "hot", 400, 2), dynamo.SpatialContext{})
	require.NoError(t, err)

	assert.Equal(t, 10, res.SubSteps)
	assert.Equal(t, 0.1, d.CurrentTime())
	gained := d.TotalEnergy(dynamo.SpatialContext{}) - e0
	assert.Greater(t, gained, 0.0)
	assert.InDelta(t, gained, res.Transfers["hot"].Energy, 1e-9)
}

func TestDomain_LandsExactlyOnTarget(t *testing.T) {
	g := field.Uniform(0, 1, 1)
	d, err := New("body", dynamo.Structural, NewStructural(g), WithNaturalTimeStep(0.03))
	require.NoError(t, err)

	_, err = d.AdvanceToTimeWithCoupling(context.Background(), 0.1, nil, dynamo.SpatialContext{})
	require.NoError(t, err)
	assert.Equal(t, 0.1, d.CurrentTime())
	assert.Equal(t, 0.1, d.CurrentState().Time)

	_, err = d.AdvanceToTimeWithCoupling(context.Background(), 0.05, nil, dynamo.SpatialContext{})
	assert.ErrorIs(t, err, dynamo.ErrTimeMisaligned)
}

func TestDomain_AdaptiveIntegratorChoosesSubSteps(t *testing.T) {
	g := field.Uniform(0, 1, 1)
	m := NewStructural(g)
	d, err := New("body", dynamo.Structural, m, WithNaturalTimeStep(0.01),
		WithIntegrator(integrators.NewRK45()), WithErrorTolerance(1e-8))
	require.NoError(t, err)

	res, err := d.AdvanceToTimeWithCoupling(context.Background(), 1, nil, dynamo.SpatialContext{})
	require.NoError(t, err)
	assert.Equal(t, 1.0, d.CurrentTime())
	assert.Less(t, res.SubSteps, 100, "error control should stretch the natural step")

	omega := math.Sqrt(m.Stiffness / m.BodyMass)
	x := d.CurrentState().Vector
	assert.InDelta(t, m.Velocity/omega*math.Sin(omega), x[0], 1e-6)
	assert.InDelta(t, m.Velocity*math.Cos(omega), x[1], 1e-6)
}

// refusing rejects every attempt and halves the step.
type refusing struct{ *integrators.Euler }

func (refusing) StepAdaptive(_ dynamo.System, x dynamo.State, _ dynamo.Control, _, dt, _ float64) (dynamo.State, float64, error) {
	return x, dt / 2, dynamo.ErrStepRejected
}

func TestDomain_AdaptiveIntegratorStalls(t *testing.T) {
	g := field.Uniform(0, 1, 1)
	d, err := New("body", dynamo.Structural, NewStructural(g), WithIntegrator(refusing{integrators.NewEuler()}))
	require.NoError(t, err)
	before := d.CurrentState()

	_, err = d.AdvanceTimeStep(context.Background(), 0.1, nil, dynamo.SpatialContext{})
	assert.ErrorIs(t, err, dynamo.ErrInvalidState)
	assert.True(t, before.Identical(d.CurrentState()))
}

func TestDomain_UpdateDoesNotCommit(t *testing.T) {
	g := field.Uniform(0, 1, 2)
	d, err := New("rod", dynamo.Thermal, NewThermal(g))
	require.NoError(t, err)
	before := d.CurrentState()

	sol, err := d.UpdateWithCoupledSolution(context.Background(), 0.1, hotPartner(g, "hot", 350, 1), dynamo.SpatialContext{})
	require.NoError(t, err)
	assert.True(t, before.Identical(d.CurrentState()), "update must not commit")
	assert.Equal(t, before.Step+1, sol.Step)

	stale := sol.Clone()
	_, err = d.UpdateWithCoupledSolution(context.Background(), 0.1, hotPartner(g, "hot", 500, 1), dynamo.SpatialContext{})
	require.NoError(t, err)
	_, err = d.FinalizeStepWithSolution(stale)
	assert.ErrorIs(t, err, dynamo.ErrInvalidState)
}

func TestDomain_FinalizeAndRestore(t *testing.T) {
	g := field.Uniform(0, 1, 2)
	d, err := New("rod", dynamo.Thermal, NewThermal(g))
	require.NoError(t, err)
	before := d.CurrentState()

	sol, err := d.UpdateWithCoupledSolution(context.Background(), 0.1, hotPartner(g, "hot", 350, 1), dynamo.SpatialContext{})
	require.NoError(t, err)
	res, err := d.FinalizeStepWithSolution(sol)
	require.NoError(t, err)
	assert.Greater(t, res.Transfers["hot"].Energy, 0.0)
	assert.Equal(t, 0.1, d.CurrentTime())

	require.NoError(t, d.RestoreState(before))
	assert.True(t, before.Identical(d.CurrentState()))
	assert.Equal(t, 0.0, d.CurrentTime())
}

func TestDomain_ReceiveTransferredFields(t *testing.T) {
	g := field.Uniform(0, 1, 2)
	d, err := New("rod", dynamo.Thermal, NewThermal(g))
	require.NoError(t, err)

	heat := field.Constant("heat_source", field.LawEnergy, g, 5)
	err = d.ReceiveTransferredFields(field.Collection{"heat_source": heat}, dynamo.TransferSpec{Source: "coil", SourceKind: dynamo.Electromagnetic})
	require.NoError(t, err)

	res, err := d.AdvanceTimeStep(context.Background(), 0.2, nil, dynamo.SpatialContext{})
	require.NoError(t, err)
	// 5 W/m over 1 m for 0.2 s
	assert.InDelta(t, 1.0, res.Transfers["coil"].Energy, 1e-9)

	assert.Error(t, d.ReceiveTransferredFields(field.Collection{"heat_source": heat}, dynamo.TransferSpec{}))
}

func TestDomain_Corrections(t *testing.T) {
	g := field.Uniform(0, 1, 1)
	d, err := New("body", dynamo.Structural, NewStructural(g))
	require.NoError(t, err)
	sc := dynamo.SpatialContext{}

	e0 := d.TotalEnergy(sc)
	rec, err := d.ApplyEnergyCorrection(0.25, sc)
	require.NoError(t, err)
	assert.InDelta(t, e0+0.25, d.TotalEnergy(sc), 1e-12)
	assert.Equal(t, 0.25, rec.Applied.Energy)

	p0 := d.TotalMomentum(sc)
	rec, err = d.ApplyMomentumCorrection(dynamo.Vec3{0.5, 1, 0}, sc)
	require.NoError(t, err)
	assert.InDelta(t, p0[0]+0.5, d.TotalMomentum(sc)[0], 1e-12)
	assert.Equal(t, dynamo.Vec3{0.5, 0, 0}, rec.Applied.Momentum)
	assert.NotEmpty(t, rec.Note)

	rec, err = d.ApplyEnergyCorrection(-100, sc)
	require.NoError(t, err)
	assert.Less(t, rec.Applied.Energy, 0.0)
	assert.Greater(t, rec.Applied.Energy, -100.0)
}

func TestDomain_SnapshotRates(t *testing.T) {
	g := field.Uniform(0, 1, 1)
	d, err := New("rod", dynamo.Thermal, NewThermal(g))
	require.NoError(t, err)

	_, err = d.AdvanceTimeStep(context.Background(), 0.01, hotPartner(g, "hot", 310, 1), dynamo.SpatialContext{})
	require.NoError(t, err)

	s := d.CurrentState()
	T := s.Fields["temperature"].Values[0]
	// dT/dt = k (Tp - T) / C
	assert.InDelta(t, 310-T, s.Rates["temperature"][0], 1e-4)
}

func TestDomain_EstimateLocalError(t *testing.T) {
	g := field.Uniform(0, 1, 1)
	d, err := New("body", dynamo.Structural, NewStructural(g))
	require.NoError(t, err)

	coarse, err := d.EstimateLocalError(0.2, nil)
	require.NoError(t, err)
	fine, err := d.EstimateLocalError(0.02, nil)
	require.NoError(t, err)
	assert.Greater(t, coarse, fine)
}

func TestModels_EnergyBalance(t *testing.T) {
	g := field.Uniform(0, 1, 4)
	hot := field.Constant("temperature", field.LawNone, g, 320)
	vel := field.Constant("velocity", field.LawNone, g, 0.5)

	tests := []struct {
		name  string
		kind  dynamo.DomainKind
		model Model
		loads dynamo.CouplingData
	}{
		{"thermal", dynamo.Thermal, NewThermal(g), dynamo.CouplingData{"p": {Strength: 1, Fields: field.Collection{"temperature": hot}}}},
		{"structural", dynamo.Structural, &Structural{Mesh: g, BodyMass: 1, Stiffness: 4, Damping: 0.3, Velocity: 1}, dynamo.CouplingData{"p": {Strength: 0.5, Fields: field.Collection{"velocity": vel}}}},
		{"fluid", dynamo.Fluid, &Fluid{Mesh: g, Density: 1, Viscosity: 0.05, Velocity: 0.2}, dynamo.CouplingData{"p": {Strength: 0.5, Fields: field.Collection{"velocity": vel}}}},
		{"circuit", dynamo.Electromagnetic, NewCircuit(g), dynamo.CouplingData{"p": {Strength: 1, Fields: field.Collection{"temperature": hot}}}},
		{"reactor", dynamo.Chemical, NewReactor(g), dynamo.CouplingData{"p": {Strength: 1, Fields: field.Collection{"temperature": hot}}}},
		{"particles", dynamo.Particle, NewParticles(g), dynamo.CouplingData{"p": {Strength: 0.5, Fields: field.Collection{"velocity": vel}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := New("d", tt.kind, tt.model, WithNaturalTimeStep(0.001))
			require.NoError(t, err)
			e0 := d.TotalEnergy(dynamo.SpatialContext{})
			res, err := d.AdvanceTimeStep(context.Background(), 0.1, tt.loads, dynamo.SpatialContext{})
			require.NoError(t, err)

			change := d.TotalEnergy(dynamo.SpatialContext{}) - e0
			accounted := res.Transfers["p"].Energy + res.Source.Energy
			assert.InDelta(t, change, accounted, 1e-8*math.Max(1, math.Abs(e0)))
		})
	}
}

func TestModels_SetParam(t *testing.T) {
	g := field.Uniform(0, 1, 2)
	models := []Configurable{NewThermal(g), NewStructural(g), NewFluid(g), NewCircuit(g), NewReactor(g), NewParticles(g)}
	for _, m := range models {
		params := m.GetParams()
		require.NotEmpty(t, params)
		for name := range params {
			require.NoError(t, m.SetParam(name, 2.5))
			assert.Equal(t, 2.5, m.GetParams()[name])
		}
		assert.Error(t, m.SetParam("nope", 1))
	}
}
