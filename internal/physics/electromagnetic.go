package physics

import (
	"math"

	"github.com/san-kum/multiphys/internal/dynamo"
	"github.com/san-kum/multiphys/internal/field"
)

// Circuit is a series RLC circuit driving a uniform field across its grid.
// State is [q, I, p, w]: capacitor charge, current, field momentum along x
// and the work done on charged partners.
//
// Resistance follows the partner "temperature" mean; the Joule power is
// handed to temperature partners as "heat_source", or lost when there are
// none. Partners carrying "charge" feel the field and push back on p.
type Circuit struct {
	Mesh        field.Grid
	Inductance  float64
	Capacitance float64
	Resistance  float64 // at RefTemp
	TempCoeff   float64
	RefTemp     float64
	Inertia     float64 // effective mass for coupling-number estimates
	Charge      float64 // initial
	Current     float64 // initial
}

const (
	emQ = iota
	emI
	emP
	emW
)

func NewCircuit(g field.Grid) *Circuit {
	return &Circuit{
		Mesh:        g,
		Inductance:  1.0,
		Capacitance: 1.0,
		Resistance:  0.1,
		TempCoeff:   0.004,
		RefTemp:     300.0,
		Inertia:     1.0,
		Charge:      1.0,
	}
}

func (c *Circuit) Grid() field.Grid { return c.Mesh }
func (c *Circuit) StateDim() int    { return 4 }
func (c *Circuit) InitialState() dynamo.State {
	return dynamo.State{c.Charge, c.Current, 0, 0}
}

func (c *Circuit) resistance(loads dynamo.CouplingData) (float64, int) {
	T, n := meanField(loads, "temperature")
	if n == 0 {
		return c.Resistance, 0
	}
	return math.Max(0, c.Resistance*(1+c.TempCoeff*(T-c.RefTemp))), n
}

// FieldStrength is the uniform field between the plates.
func (c *Circuit) FieldStrength(x dynamo.State) float64 {
	return x[emQ] / (c.Capacitance * c.Mesh.Length())
}

// lorentz returns the force the field exerts on one charged partner and the
// power it delivers.
func (c *Circuit) lorentz(x dynamo.State, in dynamo.CouplingInput) (float64, float64) {
	q, ok := partnerField(in, "charge")
	if !ok {
		return 0, 0
	}
	F := q.Total() * c.FieldStrength(x)
	v := 0.0
	if vp, ok := partnerField(in, "velocity"); ok {
		v = vp.Mean()
	}
	return F, F * v
}

func (c *Circuit) Derive(x dynamo.State, loads dynamo.CouplingData, t float64) dynamo.State {
	R, _ := c.resistance(loads)
	dx := make(dynamo.State, 4)
	dx[emQ] = x[emI]
	dx[emI] = (-x[emQ]/c.Capacitance - R*x[emI]) / c.Inductance
	for _, id := range loads.Partners() {
		F, P := c.lorentz(x, loads[id])
		dx[emP] -= F
		dx[emW] += P
	}
	return dx
}

func (c *Circuit) Exchange(x dynamo.State, loads dynamo.CouplingData, t float64) map[dynamo.DomainID]dynamo.Exchange {
	R, hot := c.resistance(loads)
	joule := R * x[emI] * x[emI]
	out := make(map[dynamo.DomainID]dynamo.Exchange, len(loads))
	for id, in := range loads {
		var e dynamo.Exchange
		if _, ok := partnerField(in, "temperature"); ok {
			e.Energy -= joule / float64(hot)
		}
		F, P := c.lorentz(x, in)
		e.Energy -= P
		e.Momentum[0] -= F
		out[id] = e
	}
	return out
}

func (c *Circuit) Source(x dynamo.State, loads dynamo.CouplingData, t float64) dynamo.Exchange {
	R, hot := c.resistance(loads)
	if hot > 0 {
		return dynamo.Exchange{}
	}
	return dynamo.Exchange{Energy: -R * x[emI] * x[emI]}
}

// Fields exports the Joule power density, evaluated at the reference
// resistance, and the field strength.
func (c *Circuit) Fields(x dynamo.State) field.Collection {
	n := c.Mesh.Cells
	heat := field.Constant("heat_source", field.LawEnergy, c.Mesh, c.Resistance*x[emI]*x[emI]/c.Mesh.Length())
	heat.Bounds = field.NonNegative()
	return field.Collection{
		"heat_source":    heat,
		"field_strength": field.New("field_strength", field.LawNone, c.Mesh, uniform(n, c.FieldStrength(x))),
	}
}

func (c *Circuit) EnergyForms(x dynamo.State) map[string]float64 {
	return map[string]float64{
		"electric": x[emQ] * x[emQ] / (2 * c.Capacitance),
		"magnetic": 0.5 * c.Inductance * x[emI] * x[emI],
		"work":     -x[emW],
	}
}

func (c *Circuit) Energy(x dynamo.State) float64 {
	f := c.EnergyForms(x)
	return f["electric"] + f["magnetic"] + f["work"]
}

func (c *Circuit) Momentum(x dynamo.State) dynamo.Vec3 { return dynamo.Vec3{x[emP], 0, 0} }
func (c *Circuit) Mass() float64                       { return c.Inertia }

// ShiftEnergy scales charge and current together, preserving the phase of
// the oscillation.
func (c *Circuit) ShiftEnergy(x dynamo.State, delta float64) (dynamo.State, float64) {
	f := c.EnergyForms(x)
	stored := f["electric"] + f["magnetic"]
	out := x.Clone()
	if stored == 0 {
		return out, 0
	}
	target := stored + delta
	if target <= 0 {
		out[emQ], out[emI] = 0, 0
		return out, -stored
	}
	k := math.Sqrt(target / stored)
	out[emQ] *= k
	out[emI] *= k
	return out, delta
}

func (c *Circuit) ShiftMomentum(x dynamo.State, delta dynamo.Vec3) (dynamo.State, dynamo.Vec3) {
	out := x.Clone()
	out[emP] += delta[0]
	return out, dynamo.Vec3{delta[0], 0, 0}
}

func (c *Circuit) paramTable() map[string]*float64 {
	return map[string]*float64{
		"inductance":  &c.Inductance,
		"capacitance": &c.Capacitance,
		"resistance":  &c.Resistance,
		"temp_coeff":  &c.TempCoeff,
		"ref_temp":    &c.RefTemp,
		"inertia":     &c.Inertia,
		"charge":      &c.Charge,
		"current":     &c.Current,
	}
}

func (c *Circuit) GetParams() map[string]float64 { return readParams(c.paramTable()) }
func (c *Circuit) SetParam(name string, value float64) error {
	return writeParam(c.paramTable(), name, value)
}
