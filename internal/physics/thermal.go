package physics

import (
	"github.com/san-kum/multiphys/internal/dynamo"
	"github.com/san-kum/multiphys/internal/field"
)

// Thermal is a 1-D conducting rod. The state is the cell temperature.
// Partners exchange heat through their "temperature" field (Newton cooling
// scaled by the pair strength) or deposit power through "heat_source".
type Thermal struct {
	Mesh         field.Grid
	Capacity     float64 // heat capacity per unit length
	Conductivity float64
	Temperature  float64 // initial
}

func NewThermal(g field.Grid) *Thermal {
	return &Thermal{
		Mesh:         g,
		Capacity:     1.0,
		Conductivity: 0.0,
		Temperature:  300.0,
	}
}

func (th *Thermal) Grid() field.Grid { return th.Mesh }
func (th *Thermal) StateDim() int    { return th.Mesh.Cells }

func (th *Thermal) InitialState() dynamo.State {
	return dynamo.State(uniform(th.Mesh.Cells, th.Temperature))
}

// heatIn returns the power entering each cell from one partner.
func (th *Thermal) heatIn(x dynamo.State, in dynamo.CouplingInput) []float64 {
	n, h := th.Mesh.Cells, th.Mesh.Spacing
	q := make([]float64, n)
	if tp, ok := partnerField(in, "temperature"); ok {
		w := in.Strength * h / th.Mesh.Length()
		for i := 0; i < n; i++ {
			q[i] += w * (cellValue(tp, i) - x[i])
		}
	}
	if src, ok := partnerField(in, "heat_source"); ok {
		for i := 0; i < n; i++ {
			q[i] += cellValue(src, i) * h
		}
	}
	return q
}

func (th *Thermal) Derive(x dynamo.State, loads dynamo.CouplingData, t float64) dynamo.State {
	n, h := th.Mesh.Cells, th.Mesh.Spacing
	ci := th.Capacity * h
	dx := make(dynamo.State, n)

	if th.Conductivity > 0 && n > 1 {
		g := th.Conductivity / h
		for i := 0; i < n-1; i++ {
			flow := g * (x[i] - x[i+1])
			dx[i] -= flow
			dx[i+1] += flow
		}
	}
	for _, id := range loads.Partners() {
		q := th.heatIn(x, loads[id])
		for i := range q {
			dx[i] += q[i]
		}
	}
	for i := range dx {
		dx[i] /= ci
	}
	return dx
}

func (th *Thermal) Exchange(x dynamo.State, loads dynamo.CouplingData, t float64) map[dynamo.DomainID]dynamo.Exchange {
	out := make(map[dynamo.DomainID]dynamo.Exchange, len(loads))
	for id, in := range loads {
		total := 0.0
		for _, q := range th.heatIn(x, in) {
			total += q
		}
		out[id] = dynamo.Exchange{Energy: total}
	}
	return out
}

func (th *Thermal) Fields(x dynamo.State) field.Collection {
	return field.Collection{
		"temperature": field.New("temperature", field.LawNone, th.Mesh, append([]float64(nil), x...)),
	}
}

func (th *Thermal) Energy(x dynamo.State) float64 {
	e := 0.0
	for _, T := range x {
		e += th.Capacity * th.Mesh.Spacing * T
	}
	return e
}

func (th *Thermal) EnergyForms(x dynamo.State) map[string]float64 {
	return map[string]float64{"thermal": th.Energy(x)}
}

func (th *Thermal) Momentum(x dynamo.State) dynamo.Vec3 { return dynamo.Vec3{} }

// Mass is the total heat capacity, the thermal inertia of the rod.
func (th *Thermal) Mass() float64 { return th.Capacity * th.Mesh.Length() }

func (th *Thermal) ShiftEnergy(x dynamo.State, delta float64) (dynamo.State, float64) {
	dT := delta / th.Mass()
	out := x.Clone()
	for i := range out {
		out[i] += dT
	}
	return out, delta
}

func (th *Thermal) ShiftMomentum(x dynamo.State, delta dynamo.Vec3) (dynamo.State, dynamo.Vec3) {
	return x.Clone(), dynamo.Vec3{}
}

func (th *Thermal) paramTable() map[string]*float64 {
	return map[string]*float64{
		"capacity":     &th.Capacity,
		"conductivity": &th.Conductivity,
		"temperature":  &th.Temperature,
	}
}

func (th *Thermal) GetParams() map[string]float64 { return readParams(th.paramTable()) }
func (th *Thermal) SetParam(name string, value float64) error {
	return writeParam(th.paramTable(), name, value)
}
