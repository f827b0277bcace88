package physics

import (
	"github.com/san-kum/multiphys/internal/dynamo"
	"github.com/san-kum/multiphys/internal/field"
)

// Particles is a cloud of charged parcels, one per grid cell. State is the
// parcel velocity. Partners supplying "velocity" drag the parcels; partners
// supplying "field_strength" push them with the Lorentz force.
type Particles struct {
	Mesh         field.Grid
	ParcelMass   float64
	ParcelCharge float64
	Velocity     float64 // initial
}

func NewParticles(g field.Grid) *Particles {
	return &Particles{
		Mesh:         g,
		ParcelMass:   0.1,
		ParcelCharge: 0.01,
	}
}

func (p *Particles) Grid() field.Grid { return p.Mesh }
func (p *Particles) StateDim() int    { return p.Mesh.Cells }
func (p *Particles) InitialState() dynamo.State {
	return dynamo.State(uniform(p.Mesh.Cells, p.Velocity))
}

// force returns the per-parcel force one partner exerts.
func (p *Particles) force(x dynamo.State, in dynamo.CouplingInput) []float64 {
	n := len(x)
	out := make([]float64, n)
	if vp, ok := partnerField(in, "velocity"); ok {
		w := in.Strength / float64(n)
		for i := range x {
			out[i] += w * (cellValue(vp, i) - x[i])
		}
	}
	if e, ok := partnerField(in, "field_strength"); ok {
		for i := range x {
			out[i] += p.ParcelCharge * cellValue(e, i)
		}
	}
	return out
}

func (p *Particles) Derive(x dynamo.State, loads dynamo.CouplingData, t float64) dynamo.State {
	dx := make(dynamo.State, len(x))
	for _, id := range loads.Partners() {
		for i, F := range p.force(x, loads[id]) {
			dx[i] += F / p.ParcelMass
		}
	}
	return dx
}

func (p *Particles) Exchange(x dynamo.State, loads dynamo.CouplingData, t float64) map[dynamo.DomainID]dynamo.Exchange {
	out := make(map[dynamo.DomainID]dynamo.Exchange, len(loads))
	for id, in := range loads {
		var e dynamo.Exchange
		for i, F := range p.force(x, in) {
			e.Energy += F * x[i]
			e.Momentum[0] += F
		}
		out[id] = e
	}
	return out
}

func (p *Particles) Fields(x dynamo.State) field.Collection {
	charge := field.Constant("charge", field.LawCharge, p.Mesh, p.ParcelCharge/p.Mesh.Spacing)
	return field.Collection{
		"velocity": field.New("velocity", field.LawNone, p.Mesh, append([]float64(nil), x...)),
		"charge":   charge,
	}
}

func (p *Particles) Energy(x dynamo.State) float64 { return kinetic(p.ParcelMass, x) }

func (p *Particles) EnergyForms(x dynamo.State) map[string]float64 {
	return map[string]float64{"kinetic": p.Energy(x)}
}

func (p *Particles) Momentum(x dynamo.State) dynamo.Vec3 {
	sum := 0.0
	for _, v := range x {
		sum += p.ParcelMass * v
	}
	return dynamo.Vec3{sum, 0, 0}
}

func (p *Particles) Mass() float64 { return p.ParcelMass * float64(p.Mesh.Cells) }

func (p *Particles) ShiftEnergy(x dynamo.State, delta float64) (dynamo.State, float64) {
	return scaleKinetic(p.ParcelMass, x, delta)
}

func (p *Particles) ShiftMomentum(x dynamo.State, delta dynamo.Vec3) (dynamo.State, dynamo.Vec3) {
	dv := delta[0] / p.Mass()
	out := x.Clone()
	for i := range out {
		out[i] += dv
	}
	return out, dynamo.Vec3{delta[0], 0, 0}
}

func (p *Particles) paramTable() map[string]*float64 {
	return map[string]*float64{
		"mass":     &p.ParcelMass,
		"charge":   &p.ParcelCharge,
		"velocity": &p.Velocity,
	}
}

func (p *Particles) GetParams() map[string]float64 { return readParams(p.paramTable()) }
func (p *Particles) SetParam(name string, value float64) error {
	return writeParam(p.paramTable(), name, value)
}
