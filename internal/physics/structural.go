package physics

import (
	"math"

	"github.com/san-kum/multiphys/internal/dynamo"
	"github.com/san-kum/multiphys/internal/field"
)

// Structural is a lumped mass-spring-damper body. State is [u, v]. Partners
// supplying "velocity" drag the body with force strength*(v_partner - v).
type Structural struct {
	Mesh         field.Grid
	BodyMass     float64
	Stiffness    float64
	Damping      float64
	Displacement float64 // initial
	Velocity     float64 // initial
}

func NewStructural(g field.Grid) *Structural {
	return &Structural{
		Mesh:      g,
		BodyMass:  1.0,
		Stiffness: 10.0,
		Damping:   0.0,
		Velocity:  1.0,
	}
}

func (s *Structural) Grid() field.Grid           { return s.Mesh }
func (s *Structural) StateDim() int              { return 2 }
func (s *Structural) InitialState() dynamo.State { return dynamo.State{s.Displacement, s.Velocity} }

func (s *Structural) drag(x dynamo.State, in dynamo.CouplingInput) float64 {
	vp, ok := partnerField(in, "velocity")
	if !ok {
		return 0
	}
	return in.Strength * (vp.Mean() - x[1])
}

func (s *Structural) Derive(x dynamo.State, loads dynamo.CouplingData, t float64) dynamo.State {
	f := -s.Stiffness*x[0] - s.Damping*x[1]
	for _, id := range loads.Partners() {
		f += s.drag(x, loads[id])
	}
	return dynamo.State{x[1], f / s.BodyMass}
}

func (s *Structural) Exchange(x dynamo.State, loads dynamo.CouplingData, t float64) map[dynamo.DomainID]dynamo.Exchange {
	out := make(map[dynamo.DomainID]dynamo.Exchange, len(loads))
	for id, in := range loads {
		f := s.drag(x, in)
		out[id] = dynamo.Exchange{Energy: f * x[1], Momentum: dynamo.Vec3{f, 0, 0}}
	}
	return out
}

// Source is the anchor reaction and the damper loss. The spring stores
// energy, so only damping appears as an energy sink.
func (s *Structural) Source(x dynamo.State, loads dynamo.CouplingData, t float64) dynamo.Exchange {
	return dynamo.Exchange{
		Energy:   -s.Damping * x[1] * x[1],
		Momentum: dynamo.Vec3{-s.Stiffness*x[0] - s.Damping*x[1], 0, 0},
	}
}

func (s *Structural) Fields(x dynamo.State) field.Collection {
	n := s.Mesh.Cells
	return field.Collection{
		"velocity":     field.New("velocity", field.LawNone, s.Mesh, uniform(n, x[1])),
		"displacement": field.New("displacement", field.LawNone, s.Mesh, uniform(n, x[0])),
	}
}

func (s *Structural) EnergyForms(x dynamo.State) map[string]float64 {
	return map[string]float64{
		"kinetic": 0.5 * s.BodyMass * x[1] * x[1],
		"strain":  0.5 * s.Stiffness * x[0] * x[0],
	}
}

func (s *Structural) Energy(x dynamo.State) float64 {
	f := s.EnergyForms(x)
	return f["kinetic"] + f["strain"]
}

func (s *Structural) Momentum(x dynamo.State) dynamo.Vec3 { return dynamo.Vec3{s.BodyMass * x[1], 0, 0} }
func (s *Structural) Mass() float64                       { return s.BodyMass }

// ShiftEnergy adjusts the kinetic energy, keeping the direction of motion.
func (s *Structural) ShiftEnergy(x dynamo.State, delta float64) (dynamo.State, float64) {
	v, applied := shiftKinetic(s.BodyMass, x[1], delta)
	return dynamo.State{x[0], v}, applied
}

func (s *Structural) ShiftMomentum(x dynamo.State, delta dynamo.Vec3) (dynamo.State, dynamo.Vec3) {
	return dynamo.State{x[0], x[1] + delta[0]/s.BodyMass}, dynamo.Vec3{delta[0], 0, 0}
}

func (s *Structural) paramTable() map[string]*float64 {
	return map[string]*float64{
		"mass":         &s.BodyMass,
		"stiffness":    &s.Stiffness,
		"damping":      &s.Damping,
		"displacement": &s.Displacement,
		"velocity":     &s.Velocity,
	}
}

func (s *Structural) GetParams() map[string]float64 { return readParams(s.paramTable()) }
func (s *Structural) SetParam(name string, value float64) error {
	return writeParam(s.paramTable(), name, value)
}

// shiftKinetic changes ½mv² by delta and returns the new velocity and the
// amount actually applied; kinetic energy cannot go below zero.
func shiftKinetic(m, v, delta float64) (float64, float64) {
	ke := 0.5 * m * v * v
	target := ke + delta
	if target <= 0 {
		return 0, -ke
	}
	speed := math.Sqrt(2 * target / m)
	if v < 0 {
		speed = -speed
	}
	return speed, delta
}
