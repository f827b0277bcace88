package physics

import (
	"math"

	"github.com/san-kum/multiphys/internal/dynamo"
	"github.com/san-kum/multiphys/internal/field"
)

// Reactor is a first-order exothermic reaction per cell. State is the
// reactant concentration. The rate constant rises linearly with the partner
// "temperature" mean; released heat goes to temperature partners, or is lost
// when there are none.
type Reactor struct {
	Mesh          field.Grid
	Rate          float64 // at RefTemp
	Activation    float64 // relative rate increase per kelvin
	RefTemp       float64
	Heat          float64 // energy per unit reactant
	Concentration float64 // initial
}

func NewReactor(g field.Grid) *Reactor {
	return &Reactor{
		Mesh:          g,
		Rate:          0.5,
		Activation:    0.01,
		RefTemp:       300.0,
		Heat:          10.0,
		Concentration: 1.0,
	}
}

func (r *Reactor) Grid() field.Grid { return r.Mesh }
func (r *Reactor) StateDim() int    { return r.Mesh.Cells }
func (r *Reactor) InitialState() dynamo.State {
	return dynamo.State(uniform(r.Mesh.Cells, r.Concentration))
}

func (r *Reactor) rate(loads dynamo.CouplingData) (float64, int) {
	T, n := meanField(loads, "temperature")
	if n == 0 {
		return r.Rate, 0
	}
	return r.Rate * math.Max(0, 1+r.Activation*(T-r.RefTemp)), n
}

// released is the total power of the reaction.
func (r *Reactor) released(x dynamo.State, k float64) float64 {
	p := 0.0
	for _, c := range x {
		p += r.Heat * k * math.Max(c, 0) * r.Mesh.Spacing
	}
	return p
}

func (r *Reactor) Derive(x dynamo.State, loads dynamo.CouplingData, t float64) dynamo.State {
	k, _ := r.rate(loads)
	dx := make(dynamo.State, len(x))
	for i, c := range x {
		dx[i] = -k * math.Max(c, 0)
	}
	return dx
}

func (r *Reactor) Exchange(x dynamo.State, loads dynamo.CouplingData, t float64) map[dynamo.DomainID]dynamo.Exchange {
	k, hot := r.rate(loads)
	p := r.released(x, k)
	out := make(map[dynamo.DomainID]dynamo.Exchange, len(loads))
	for id, in := range loads {
		if _, ok := partnerField(in, "temperature"); ok {
			out[id] = dynamo.Exchange{Energy: -p / float64(hot)}
			continue
		}
		out[id] = dynamo.Exchange{}
	}
	return out
}

func (r *Reactor) Source(x dynamo.State, loads dynamo.CouplingData, t float64) dynamo.Exchange {
	k, hot := r.rate(loads)
	if hot > 0 {
		return dynamo.Exchange{}
	}
	return dynamo.Exchange{Energy: -r.released(x, k)}
}

// Fields exports the heat release density at the reference rate.
func (r *Reactor) Fields(x dynamo.State) field.Collection {
	n := len(x)
	heat := make([]float64, n)
	conc := make([]float64, n)
	for i, c := range x {
		conc[i] = c
		heat[i] = r.Heat * r.Rate * math.Max(c, 0)
	}
	hs := field.New("heat_source", field.LawEnergy, r.Mesh, heat)
	hs.Bounds = field.NonNegative()
	cf := field.New("concentration", field.LawMass, r.Mesh, conc)
	cf.Bounds = field.NonNegative()
	return field.Collection{"heat_source": hs, "concentration": cf}
}

func (r *Reactor) Energy(x dynamo.State) float64 {
	e := 0.0
	for _, c := range x {
		e += r.Heat * c * r.Mesh.Spacing
	}
	return e
}

func (r *Reactor) EnergyForms(x dynamo.State) map[string]float64 {
	return map[string]float64{"chemical": r.Energy(x)}
}

func (r *Reactor) Momentum(x dynamo.State) dynamo.Vec3 { return dynamo.Vec3{} }

// Mass is the total reactant.
func (r *Reactor) Mass() float64 {
	return r.Concentration * r.Mesh.Length()
}

// ShiftEnergy adds or removes reactant uniformly; concentration never goes
// negative.
func (r *Reactor) ShiftEnergy(x dynamo.State, delta float64) (dynamo.State, float64) {
	dc := delta / (r.Heat * r.Mesh.Length())
	out := x.Clone()
	for i := range out {
		out[i] = math.Max(0, out[i]+dc)
	}
	return out, r.Energy(out) - r.Energy(x)
}

func (r *Reactor) ShiftMomentum(x dynamo.State, delta dynamo.Vec3) (dynamo.State, dynamo.Vec3) {
	return x.Clone(), dynamo.Vec3{}
}

func (r *Reactor) paramTable() map[string]*float64 {
	return map[string]*float64{
		"rate":          &r.Rate,
		"activation":    &r.Activation,
		"ref_temp":      &r.RefTemp,
		"heat":          &r.Heat,
		"concentration": &r.Concentration,
	}
}

func (r *Reactor) GetParams() map[string]float64 { return readParams(r.paramTable()) }
func (r *Reactor) SetParam(name string, value float64) error {
	return writeParam(r.paramTable(), name, value)
}
