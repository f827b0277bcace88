package conservation

import (
	"math"
	"sort"

	"github.com/san-kum/multiphys/internal/dynamo"
	"github.com/san-kum/multiphys/internal/field"
)

// Algebra is the arithmetic an enforcer needs over its conserved quantity.
type Algebra[T any] interface {
	Zero() T
	Add(a, b T) T
	Sub(a, b T) T
	Scale(a T, k float64) T
	Norm(a T) float64
	Components(a T) []float64
}

type Scalar struct{}

func (Scalar) Zero() float64                      { return 0 }
func (Scalar) Add(a, b float64) float64           { return a + b }
func (Scalar) Sub(a, b float64) float64           { return a - b }
func (Scalar) Scale(a float64, k float64) float64 { return a * k }
func (Scalar) Norm(a float64) float64             { return math.Abs(a) }
func (Scalar) Components(a float64) []float64     { return []float64{a} }

type Vector struct{}

func (Vector) Zero() dynamo.Vec3                          { return dynamo.Vec3{} }
func (Vector) Add(a, b dynamo.Vec3) dynamo.Vec3           { return a.Add(b) }
func (Vector) Sub(a, b dynamo.Vec3) dynamo.Vec3           { return a.Sub(b) }
func (Vector) Scale(a dynamo.Vec3, k float64) dynamo.Vec3 { return a.Scale(k) }
func (Vector) Norm(a dynamo.Vec3) float64                 { return a.Norm() }
func (Vector) Components(a dynamo.Vec3) []float64         { return a[:] }

// Quantity binds a conserved quantity to the domain probes that measure
// and correct it. Apply and Project are nil for audit-only quantities.
type Quantity[T any] struct {
	Name string
	Algebra[T]

	Total     func(d dynamo.PhysicsDomain, sc dynamo.SpatialContext) T
	FromState func(s dynamo.DomainState) T
	Project   func(e dynamo.Exchange) T
	Apply     func(d dynamo.PhysicsDomain, delta T, sc dynamo.SpatialContext) (dynamo.CorrectionRecord, error)

	// Classify names the transfer mechanism across an interface between
	// two domain kinds. Expected returns the net amount the mechanism
	// creates over a step (negative for dissipation).
	Classify func(a, b dynamo.DomainKind) Mechanism
	Expected func(op Operation, m Mechanism) T

	// FormError, when set, reports how far a snapshot's sub-forms are from
	// its total.
	FormError func(s dynamo.DomainState) (T, bool)
}

// Correctable reports whether the quantity can be corrected in place.
func (q Quantity[T]) Correctable() bool { return q.Apply != nil }

// Tracks reports whether interface transfers of the quantity are
// accounted by the domains.
func (q Quantity[T]) Tracks() bool { return q.Project != nil }

func Energy() Quantity[float64] {
	return Quantity[float64]{
		Name:      "energy",
		Algebra:   Scalar{},
		Total:     func(d dynamo.PhysicsDomain, sc dynamo.SpatialContext) float64 { return d.TotalEnergy(sc) },
		FromState: func(s dynamo.DomainState) float64 { return s.Energy },
		Project:   func(e dynamo.Exchange) float64 { return e.Energy },
		Apply: func(d dynamo.PhysicsDomain, delta float64, sc dynamo.SpatialContext) (dynamo.CorrectionRecord, error) {
			return d.ApplyEnergyCorrection(delta, sc)
		},
		Classify:  classifyEnergy,
		Expected:  expectedEnergy,
		FormError: formError,
	}
}

func Momentum() Quantity[dynamo.Vec3] {
	return Quantity[dynamo.Vec3]{
		Name:      "momentum",
		Algebra:   Vector{},
		Total:     func(d dynamo.PhysicsDomain, sc dynamo.SpatialContext) dynamo.Vec3 { return d.TotalMomentum(sc) },
		FromState: func(s dynamo.DomainState) dynamo.Vec3 { return s.Momentum },
		Project:   func(e dynamo.Exchange) dynamo.Vec3 { return e.Momentum },
		Apply: func(d dynamo.PhysicsDomain, delta dynamo.Vec3, sc dynamo.SpatialContext) (dynamo.CorrectionRecord, error) {
			return d.ApplyMomentumCorrection(delta, sc)
		},
		Classify: classifyMomentum,
		Expected: func(Operation, Mechanism) dynamo.Vec3 { return dynamo.Vec3{} },
	}
}

// FieldLaw audits the total of every exported field carrying law, e.g.
// mass or charge. Domains do not account these across interfaces, so only
// system-wide drift and per-domain creation are checked.
func FieldLaw(name string, law field.ConservationLaw) Quantity[float64] {
	total := func(s dynamo.DomainState) float64 {
		sum := 0.0
		for _, n := range s.Fields.Names() {
			if f := s.Fields[n]; f.Law == law {
				sum += f.Total()
			}
		}
		return sum
	}
	return Quantity[float64]{
		Name:      name,
		Algebra:   Scalar{},
		Total:     func(d dynamo.PhysicsDomain, _ dynamo.SpatialContext) float64 { return total(d.CurrentState()) },
		FromState: total,
		Classify:  func(dynamo.DomainKind, dynamo.DomainKind) Mechanism { return Unclassified },
		Expected:  func(Operation, Mechanism) float64 { return 0 },
	}
}

type Mechanism int

const (
	Unclassified Mechanism = iota
	HeatConduction
	JouleHeating
	ChemicalReaction
	MechanicalWork
	ElectromagneticWork
	ViscousDissipation
	ViscousShear
	ElectromagneticForce
	ContactForce
)

func (m Mechanism) String() string {
	return [...]string{
		"unclassified", "heat_conduction", "joule_heating", "chemical_reaction",
		"mechanical_work", "electromagnetic_work", "viscous_dissipation",
		"viscous_shear", "electromagnetic_force", "contact_force",
	}[m]
}

type kindPair struct{ a, b dynamo.DomainKind }

func ordered(a, b dynamo.DomainKind) kindPair {
	if a > b {
		a, b = b, a
	}
	return kindPair{a, b}
}

var energyMechanisms = map[kindPair]Mechanism{
	ordered(dynamo.Thermal, dynamo.Thermal):            HeatConduction,
	ordered(dynamo.Thermal, dynamo.Fluid):              HeatConduction,
	ordered(dynamo.Thermal, dynamo.Structural):         HeatConduction,
	ordered(dynamo.Thermal, dynamo.Particle):           HeatConduction,
	ordered(dynamo.Thermal, dynamo.Electromagnetic):    JouleHeating,
	ordered(dynamo.Thermal, dynamo.Chemical):           ChemicalReaction,
	ordered(dynamo.Structural, dynamo.Structural):      MechanicalWork,
	ordered(dynamo.Electromagnetic, dynamo.Particle):   ElectromagneticWork,
	ordered(dynamo.Electromagnetic, dynamo.Fluid):      ElectromagneticWork,
	ordered(dynamo.Electromagnetic, dynamo.Structural): ElectromagneticWork,
	ordered(dynamo.Fluid, dynamo.Structural):           ViscousDissipation,
	ordered(dynamo.Fluid, dynamo.Particle):             ViscousDissipation,
	ordered(dynamo.Fluid, dynamo.Fluid):                ViscousDissipation,
	ordered(dynamo.Structural, dynamo.Particle):        ViscousDissipation,
}

var momentumMechanisms = map[kindPair]Mechanism{
	ordered(dynamo.Fluid, dynamo.Structural):           ViscousShear,
	ordered(dynamo.Fluid, dynamo.Particle):             ViscousShear,
	ordered(dynamo.Fluid, dynamo.Fluid):                ViscousShear,
	ordered(dynamo.Electromagnetic, dynamo.Particle):   ElectromagneticForce,
	ordered(dynamo.Electromagnetic, dynamo.Fluid):      ElectromagneticForce,
	ordered(dynamo.Electromagnetic, dynamo.Structural): ElectromagneticForce,
	ordered(dynamo.Structural, dynamo.Structural):      ContactForce,
	ordered(dynamo.Structural, dynamo.Particle):        ContactForce,
}

func classifyEnergy(a, b dynamo.DomainKind) Mechanism   { return energyMechanisms[ordered(a, b)] }
func classifyMomentum(a, b dynamo.DomainKind) Mechanism { return momentumMechanisms[ordered(a, b)] }

// expectedEnergy is the energy a mechanism creates over the step. Exchange
// mechanisms move energy without creating it; drag between two velocity
// fields dissipates k*<(va-vb)^2> per unit time, integrated with the
// trapezoid rule over the step.
func expectedEnergy(op Operation, m Mechanism) float64 {
	if m != ViscousDissipation {
		return 0
	}
	dt := op.End - op.Start
	d0 := slipSquared(op.Before[0], op.Before[1])
	d1 := slipSquared(op.After[0], op.After[1])
	return -op.Strength * dt * 0.5 * (d0 + d1)
}

// slipSquared is the mean squared velocity difference between two domains.
func slipSquared(a, b dynamo.DomainState) float64 {
	va, ok := a.Fields.Get("velocity")
	if !ok {
		return 0
	}
	vb, ok := b.Fields.Get("velocity")
	if !ok {
		return 0
	}
	switch {
	case len(vb.Values) == 1:
		return meanSquare(va.Values, vb.Values[0])
	case len(va.Values) == 1:
		return meanSquare(vb.Values, va.Values[0])
	case len(va.Values) != len(vb.Values):
		vb = vb.Resample(va.Grid)
	}
	sum := 0.0
	for i, v := range va.Values {
		d := v - vb.Values[i]
		sum += d * d
	}
	return sum / float64(len(va.Values))
}

func meanSquare(vs []float64, ref float64) float64 {
	if len(vs) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range vs {
		sum += (v - ref) * (v - ref)
	}
	return sum / float64(len(vs))
}

// formError is the gap between the sum of a snapshot's energy forms and its
// total energy.
func formError(s dynamo.DomainState) (float64, bool) {
	if len(s.EnergyForms) == 0 {
		return 0, false
	}
	names := make([]string, 0, len(s.EnergyForms))
	for k := range s.EnergyForms {
		names = append(names, k)
	}
	sort.Strings(names)
	sum := 0.0
	for _, k := range names {
		sum += s.EnergyForms[k]
	}
	return sum - s.Energy, true
}
