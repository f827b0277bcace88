package physics

import (
	"math"

	"github.com/san-kum/multiphys/internal/dynamo"
	"github.com/san-kum/multiphys/internal/field"
)

// Fluid is a viscous 1-D column with closed ends. State is the cell
// velocity; partners supplying "velocity" exchange momentum by drag.
type Fluid struct {
	Mesh      field.Grid
	Density   float64 // mass per unit length
	Viscosity float64
	Velocity  float64 // initial
}

func NewFluid(g field.Grid) *Fluid {
	return &Fluid{
		Mesh:      g,
		Density:   1.0,
		Viscosity: 0.01,
	}
}

func (f *Fluid) Grid() field.Grid           { return f.Mesh }
func (f *Fluid) StateDim() int              { return f.Mesh.Cells }
func (f *Fluid) InitialState() dynamo.State { return dynamo.State(uniform(f.Mesh.Cells, f.Velocity)) }

func (f *Fluid) cellMass() float64 { return f.Density * f.Mesh.Spacing }

func (f *Fluid) viscous(x dynamo.State) []float64 {
	n, h := len(x), f.Mesh.Spacing
	a := make([]float64, n)
	if f.Viscosity == 0 || n < 2 {
		return a
	}
	for i := 0; i < n; i++ {
		left, right := x[i], x[i]
		if i > 0 {
			left = x[i-1]
		}
		if i < n-1 {
			right = x[i+1]
		}
		a[i] = f.Viscosity * (left - 2*x[i] + right) / (h * h)
	}
	return a
}

func (f *Fluid) drag(x dynamo.State, in dynamo.CouplingInput) []float64 {
	vp, ok := partnerField(in, "velocity")
	if !ok {
		return nil
	}
	w := in.Strength * f.Mesh.Spacing / f.Mesh.Length()
	out := make([]float64, len(x))
	for i := range x {
		out[i] = w * (cellValue(vp, i) - x[i])
	}
	return out
}

func (f *Fluid) Derive(x dynamo.State, loads dynamo.CouplingData, t float64) dynamo.State {
	dx := dynamo.State(f.viscous(x))
	m := f.cellMass()
	for _, id := range loads.Partners() {
		for i, F := range f.drag(x, loads[id]) {
			dx[i] += F / m
		}
	}
	return dx
}

func (f *Fluid) Exchange(x dynamo.State, loads dynamo.CouplingData, t float64) map[dynamo.DomainID]dynamo.Exchange {
	out := make(map[dynamo.DomainID]dynamo.Exchange, len(loads))
	for id, in := range loads {
		var e dynamo.Exchange
		for i, F := range f.drag(x, in) {
			e.Energy += F * x[i]
			e.Momentum[0] += F
		}
		out[id] = e
	}
	return out
}

// Source is viscous dissipation. Closed ends make the viscous momentum
// flux sum to zero.
func (f *Fluid) Source(x dynamo.State, loads dynamo.CouplingData, t float64) dynamo.Exchange {
	m := f.cellMass()
	var e dynamo.Exchange
	for i, a := range f.viscous(x) {
		e.Energy += m * x[i] * a
		e.Momentum[0] += m * a
	}
	return e
}

func (f *Fluid) Fields(x dynamo.State) field.Collection {
	n := f.Mesh.Cells
	mom := make([]float64, n)
	for i := range mom {
		mom[i] = f.Density * x[i]
	}
	density := field.Constant("density", field.LawMass, f.Mesh, f.Density)
	density.Bounds = field.NonNegative()
	return field.Collection{
		"velocity":         field.New("velocity", field.LawNone, f.Mesh, append([]float64(nil), x...)),
		"density":          density,
		"momentum_density": field.New("momentum_density", field.LawMomentum, f.Mesh, mom),
	}
}

func (f *Fluid) Energy(x dynamo.State) float64 {
	return kinetic(f.cellMass(), x)
}

func (f *Fluid) EnergyForms(x dynamo.State) map[string]float64 {
	return map[string]float64{"kinetic": f.Energy(x)}
}

func (f *Fluid) Momentum(x dynamo.State) dynamo.Vec3 {
	p := 0.0
	for _, v := range x {
		p += f.cellMass() * v
	}
	return dynamo.Vec3{p, 0, 0}
}

func (f *Fluid) Mass() float64 { return f.Density * f.Mesh.Length() }

func (f *Fluid) ShiftEnergy(x dynamo.State, delta float64) (dynamo.State, float64) {
	return scaleKinetic(f.cellMass(), x, delta)
}

func (f *Fluid) ShiftMomentum(x dynamo.State, delta dynamo.Vec3) (dynamo.State, dynamo.Vec3) {
	dv := delta[0] / f.Mass()
	out := x.Clone()
	for i := range out {
		out[i] += dv
	}
	return out, dynamo.Vec3{delta[0], 0, 0}
}

func (f *Fluid) paramTable() map[string]*float64 {
	return map[string]*float64{
		"density":   &f.Density,
		"viscosity": &f.Viscosity,
		"velocity":  &f.Velocity,
	}
}

func (f *Fluid) GetParams() map[string]float64 { return readParams(f.paramTable()) }
func (f *Fluid) SetParam(name string, value float64) error {
	return writeParam(f.paramTable(), name, value)
}

func kinetic(m float64, v []float64) float64 {
	e := 0.0
	for _, vi := range v {
		e += 0.5 * m * vi * vi
	}
	return e
}

// scaleKinetic scales every velocity by a common factor so the kinetic
// energy changes by delta. A body at rest cannot absorb a correction.
func scaleKinetic(m float64, v dynamo.State, delta float64) (dynamo.State, float64) {
	ke := kinetic(m, v)
	if ke == 0 {
		return v.Clone(), 0
	}
	target := ke + delta
	if target <= 0 {
		return make(dynamo.State, len(v)), -ke
	}
	return v.Scale(math.Sqrt(target / ke)), delta
}
