package multirate

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/san-kum/multiphys/internal/coupling"
	"github.com/san-kum/multiphys/internal/dynamo"
	"github.com/san-kum/multiphys/internal/field"
	"github.com/san-kum/multiphys/internal/physics"
	"github.com/san-kum/multiphys/internal/temporal"
)

var cell = field.Uniform(0, 1, 1)

// oscillator exports signal = cos(t).
type oscillator struct{}

func (oscillator) Grid() field.Grid           { return cell }
func (oscillator) StateDim() int              { return 2 }
func (oscillator) InitialState() dynamo.State { return dynamo.State{1, 0} }
func (oscillator) Derive(x dynamo.State, _ dynamo.CouplingData, _ float64) dynamo.State {
	return dynamo.State{x[1], -x[0]}
}
func (oscillator) Exchange(dynamo.State, dynamo.CouplingData, float64) map[dynamo.DomainID]dynamo.Exchange {
	return nil
}
func (oscillator) Fields(x dynamo.State) field.Collection {
	return field.Collection{"signal": field.Constant("signal", field.LawNone, cell, x[0])}
}
func (oscillator) Energy(x dynamo.State) float64                 { return 0.5 * (x[0]*x[0] + x[1]*x[1]) }
func (oscillator) EnergyForms(x dynamo.State) map[string]float64 { return nil }
func (oscillator) Momentum(dynamo.State) dynamo.Vec3             { return dynamo.Vec3{} }
func (oscillator) Mass() float64                                 { return 1 }
func (oscillator) ShiftEnergy(x dynamo.State, _ float64) (dynamo.State, float64) {
	return x.Clone(), 0
}
func (oscillator) ShiftMomentum(x dynamo.State, _ dynamo.Vec3) (dynamo.State, dynamo.Vec3) {
	return x.Clone(), dynamo.Vec3{}
}

// follower relaxes toward the partner signal and records what it was fed.
type follower struct {
	oscillator
	mu   sync.Mutex
	seen map[float64]float64
}

func (p *follower) StateDim() int              { return 1 }
func (p *follower) InitialState() dynamo.State { return dynamo.State{0} }
func (p *follower) Derive(x dynamo.State, loads dynamo.CouplingData, _ float64) dynamo.State {
	target := 0.0
	for _, in := range loads {
		if f, ok := in.Fields.Get("signal"); ok {
			p.mu.Lock()
			p.seen[in.Time] = f.Values[0]
			p.mu.Unlock()
			target = f.Values[0]
		}
	}
	return dynamo.State{target - x[0]}
}
func (p *follower) Fields(x dynamo.State) field.Collection {
	return field.Collection{"follower": field.Constant("follower", field.LawNone, cell, x[0])}
}
func (p *follower) Energy(x dynamo.State) float64 { return 0 }

func newStepper(cfg Config, graph *coupling.Graph) *Stepper {
	asm := coupling.NewAssembler(graph, nil)
	return New(cfg, temporal.NewManager(temporal.DefaultConfig(), asm), asm)
}

func TestStepper_MultiRateSync(t *testing.T) {
	p := &follower{seen: make(map[float64]float64)}
	a, err := physics.New("a", dynamo.Particle, p, physics.WithNaturalTimeStep(1e-3))
	require.NoError(t, err)
	b, err := physics.New("b", dynamo.Fluid, oscillator{}, physics.WithNaturalTimeStep(0.1))
	require.NoError(t, err)

	graph := coupling.NewGraph(dynamo.CouplingPair{Source: "b", Target: "a", Strength: 1})
	s := newStepper(DefaultConfig(), graph)

	res, err := s.AdvanceSimulationTime(context.Background(), []dynamo.PhysicsDomain{a, b}, 0.1, dynamo.SpatialContext{})
	require.NoError(t, err)

	assert.Equal(t, 0.1, a.CurrentTime())
	assert.Equal(t, 0.1, b.CurrentTime())
	assert.Equal(t, 100, res.Ratios["a"])
	assert.Equal(t, 1, res.Ratios["b"])
	assert.Equal(t, 100, res.Results["a"].SubSteps)

	require.Len(t, p.seen, 100)
	for tk, v := range p.seen {
		rel := math.Abs(v-math.Cos(tk)) / math.Abs(math.Cos(tk))
		assert.Less(t, rel, 1e-6, "t=%g", tk)
	}
}

func TestStepper_SubCyclingRatioOneMatchesUniform(t *testing.T) {
	run := func(cfg Config) dynamo.DomainState {
		d, err := physics.New("a", dynamo.Structural, physics.NewStructural(cell), physics.WithNaturalTimeStep(0.01))
		require.NoError(t, err)
		s := newStepper(cfg, coupling.NewGraph())
		_, err = s.AdvanceSimulationTime(context.Background(), []dynamo.PhysicsDomain{d}, 0.2, dynamo.SpatialContext{})
		require.NoError(t, err)
		return d.CurrentState()
	}

	uniform := run(Config{Strategy: UniformStepping, MacroStep: 0.05})
	sub := run(Config{Strategy: SubCycling, MacroStep: 0.05, Ratios: map[dynamo.DomainID]int{"a": 1}})

	assert.True(t, uniform.Identical(sub))
	assert.Equal(t, uniform.Vector, sub.Vector)
}

func TestStepper_ShortensFinalStep(t *testing.T) {
	d, err := physics.New("a", dynamo.Structural, physics.NewStructural(cell))
	require.NoError(t, err)
	s := newStepper(Config{Strategy: UniformStepping, MacroStep: 0.03}, coupling.NewGraph())

	res, err := s.AdvanceSimulationTime(context.Background(), []dynamo.PhysicsDomain{d}, 0.1, dynamo.SpatialContext{})
	require.NoError(t, err)
	assert.Equal(t, 4, res.MacroSteps)
	assert.Equal(t, 0.1, d.CurrentTime())
	assert.Equal(t, 0.1, res.End)
}

func TestStepper_SyncPointsSplitSteps(t *testing.T) {
	g := field.Uniform(0, 1, 2)
	a, _ := physics.New("a", dynamo.Thermal, physics.NewThermal(g))
	hot := physics.NewThermal(g)
	hot.Temperature = 350
	b, _ := physics.New("b", dynamo.Thermal, hot, physics.WithNaturalTimeStep(0.1))

	graph := coupling.NewGraph(dynamo.CouplingPair{Source: "a", Target: "b", Strength: 1})
	s := newStepper(DefaultConfig(), graph)
	s.Schedule().Add(0.05, "half")

	res, err := s.AdvanceSimulationTime(context.Background(), []dynamo.PhysicsDomain{a, b}, 0.1, dynamo.SpatialContext{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.MacroSteps)
	require.Len(t, res.Syncs, 1)
	assert.Equal(t, temporal.Converged, res.Syncs[0].Final())
	assert.Empty(t, s.Schedule().Pending())
	assert.Equal(t, 0.1, a.CurrentTime())
	assert.Equal(t, 0.1, b.CurrentTime())
}

func TestStepper_ParallelUniform(t *testing.T) {
	g := field.Uniform(0, 1, 2)
	a, _ := physics.New("a", dynamo.Thermal, physics.NewThermal(g))
	hot := physics.NewThermal(g)
	hot.Temperature = 350
	b, _ := physics.New("b", dynamo.Thermal, hot)

	graph := coupling.NewGraph(dynamo.CouplingPair{Source: "a", Target: "b", Strength: 1})
	s := newStepper(Config{Strategy: UniformStepping, Parallel: true, MacroStep: 0.05}, graph)

	res, err := s.AdvanceSimulationTime(context.Background(), []dynamo.PhysicsDomain{a, b}, 0.1, dynamo.SpatialContext{})
	require.NoError(t, err)
	assert.Greater(t, res.Results["a"].Transfers["b"].Energy, 0.0)
	assert.Less(t, res.Results["b"].Transfers["a"].Energy, 0.0)
	assert.Equal(t, 0.1, a.CurrentTime())
}

func TestStepper_IMEX(t *testing.T) {
	g := field.Uniform(0, 1, 2)
	rod, _ := physics.New("rod", dynamo.Thermal, physics.NewThermal(g), physics.WithStiff(true), physics.WithNaturalTimeStep(0.1))
	circuit := physics.NewCircuit(g)
	circuit.Current = 1
	coil, _ := physics.New("coil", dynamo.Electromagnetic, circuit, physics.WithNaturalTimeStep(0.01))

	graph := coupling.NewGraph(dynamo.CouplingPair{Source: "coil", Target: "rod", Strength: 1})
	s := newStepper(Config{Strategy: ImplicitExplicitSplitting}, graph)

	res, err := s.AdvanceSimulationTime(context.Background(), []dynamo.PhysicsDomain{rod, coil}, 0.1, dynamo.SpatialContext{})
	require.NoError(t, err)
	assert.Equal(t, 10, res.Ratios["coil"])
	assert.Equal(t, 1, res.Ratios["rod"])
	assert.Greater(t, res.Results["rod"].Transfers["coil"].Energy, 0.0)
	assert.Less(t, res.Results["coil"].Transfers["rod"].Energy, 0.0)
}

func TestStepper_AdaptiveRatios(t *testing.T) {
	ratioFor := func(tol float64) int {
		d, err := physics.New("a", dynamo.Structural, physics.NewStructural(cell), physics.WithNaturalTimeStep(0.1))
		require.NoError(t, err)
		s := newStepper(Config{Strategy: AdaptiveMultirate, ErrorTolerance: tol, MacroStep: 0.1}, coupling.NewGraph())
		res, err := s.AdvanceSimulationTime(context.Background(), []dynamo.PhysicsDomain{d}, 0.1, dynamo.SpatialContext{})
		require.NoError(t, err)
		assert.Equal(t, 0.1, d.CurrentTime())
		return res.Ratios["a"]
	}
	assert.Equal(t, 1, ratioFor(1))
	assert.Greater(t, ratioFor(1e-12), 1)
}

func TestStepper_TargetBehind(t *testing.T) {
	d, _ := physics.New("a", dynamo.Structural, physics.NewStructural(cell))
	s := newStepper(DefaultConfig(), coupling.NewGraph())
	_, err := s.AdvanceSimulationTime(context.Background(), []dynamo.PhysicsDomain{d}, 0.1, dynamo.SpatialContext{})
	require.NoError(t, err)
	_, err = s.AdvanceSimulationTime(context.Background(), []dynamo.PhysicsDomain{d}, 0.05, dynamo.SpatialContext{})
	assert.ErrorIs(t, err, dynamo.ErrTimeMisaligned)
}

// unpaced reports no natural time step.
type unpaced struct{ *physics.Domain }

func (unpaced) NaturalTimeStep() float64 { return 0 }

func TestStepper_RejectsZeroMacroStep(t *testing.T) {
	d, err := physics.New("a", dynamo.Structural, physics.NewStructural(cell))
	require.NoError(t, err)
	s := newStepper(Config{Strategy: SubCycling}, coupling.NewGraph())

	done := make(chan error, 1)
	go func() {
		_, err := s.AdvanceSimulationTime(context.Background(), []dynamo.PhysicsDomain{unpaced{d}}, 0.1, dynamo.SpatialContext{})
		done <- err
	}()
	select {
	case err := <-done:
		assert.ErrorContains(t, err, "no positive macro step")
	case <-time.After(5 * time.Second):
		t.Fatal("advance did not return")
	}
	assert.Equal(t, 0.0, d.CurrentTime())
}

func TestParseStrategy(t *testing.T) {
	for _, st := range []Strategy{UniformStepping, SubCycling, AdaptiveMultirate, ImplicitExplicitSplitting} {
		got, err := ParseStrategy(st.String())
		require.NoError(t, err)
		assert.Equal(t, st, got)
	}
}
