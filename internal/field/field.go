package field

import (
	"fmt"
	"math"
	"sort"
)

// ConservationLaw names the conserved quantity a field carries, if any.
type ConservationLaw int

const (
	LawNone ConservationLaw = iota
	LawEnergy
	LawMomentum
	LawMass
	LawCharge
)

func (l ConservationLaw) String() string {
	switch l {
	case LawEnergy:
		return "energy"
	case LawMomentum:
		return "momentum"
	case LawMass:
		return "mass"
	case LawCharge:
		return "charge"
	default:
		return "none"
	}
}

// Bounds are physical limits a field must respect after mapping.
type Bounds struct {
	Min, Max       float64
	HasMin, HasMax bool
}

func NonNegative() Bounds { return Bounds{HasMin: true} }

func (b Bounds) Active() bool { return b.HasMin || b.HasMax }

// Field is a named quantity sampled on one domain's grid. Values are
// densities: the integral of cell i is Values[i]*Grid.Spacing.
type Field struct {
	Name   string
	Law    ConservationLaw
	Bounds Bounds
	Grid   Grid
	Values []float64
}

func New(name string, law ConservationLaw, g Grid, values []float64) *Field {
	if len(values) != g.Cells {
		panic(fmt.Sprintf("field: %s has %d values for %d cells", name, len(values), g.Cells))
	}
	return &Field{Name: name, Law: law, Grid: g, Values: values}
}

// Constant builds a field holding v in every cell.
func Constant(name string, law ConservationLaw, g Grid, v float64) *Field {
	vals := make([]float64, g.Cells)
	for i := range vals {
		vals[i] = v
	}
	return New(name, law, g, vals)
}

func (f *Field) Clone() *Field {
	if f == nil {
		return nil
	}
	c := *f
	c.Values = make([]float64, len(f.Values))
	copy(c.Values, f.Values)
	return &c
}

// Total integrates the field over its grid.
func (f *Field) Total() float64 {
	sum := 0.0
	for _, v := range f.Values {
		sum += v
	}
	return sum * f.Grid.Spacing
}

func (f *Field) Mean() float64 {
	if len(f.Values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range f.Values {
		sum += v
	}
	return sum / float64(len(f.Values))
}

// SampleAt returns the values of the cells whose centres fall inside r.
func (f *Field) SampleAt(r Region) []float64 {
	first, last, ok := f.Grid.CellRange(r)
	if !ok {
		return nil
	}
	out := make([]float64, last-first)
	copy(out, f.Values[first:last])
	return out
}

// Restrict returns a copy of f limited to the cells selected by r.
func (f *Field) Restrict(r Region) (*Field, error) {
	if r.IsZero() {
		return f.Clone(), nil
	}
	sub, first, err := f.Grid.Restrict(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", f.Name, err)
	}
	c := &Field{Name: f.Name, Law: f.Law, Bounds: f.Bounds, Grid: sub}
	c.Values = make([]float64, sub.Cells)
	copy(c.Values, f.Values[first:first+sub.Cells])
	return c, nil
}

// Scale multiplies every value in place.
func (f *Field) Scale(k float64) {
	for i := range f.Values {
		f.Values[i] *= k
	}
}

// Clamp forces values into the field's bounds and reports how many cells
// were modified.
func (f *Field) Clamp() int {
	if !f.Bounds.Active() {
		return 0
	}
	n := 0
	for i, v := range f.Values {
		if f.Bounds.HasMin && v < f.Bounds.Min {
			f.Values[i] = f.Bounds.Min
			n++
		} else if f.Bounds.HasMax && v > f.Bounds.Max {
			f.Values[i] = f.Bounds.Max
			n++
		}
	}
	return n
}

// Within reports whether every value respects the bounds.
func (f *Field) Within() bool {
	for _, v := range f.Values {
		if f.Bounds.HasMin && v < f.Bounds.Min {
			return false
		}
		if f.Bounds.HasMax && v > f.Bounds.Max {
			return false
		}
	}
	return true
}

func (f *Field) IsValid() bool {
	for _, v := range f.Values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Collection is a set of fields keyed by name.
type Collection map[string]*Field

func (c Collection) Names() []string {
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c Collection) Get(name string) (*Field, bool) {
	f, ok := c[name]
	return f, ok && f != nil
}

func (c Collection) Add(f *Field) {
	c[f.Name] = f
}

func (c Collection) Clone() Collection {
	if c == nil {
		return nil
	}
	out := make(Collection, len(c))
	for k, f := range c {
		out[k] = f.Clone()
	}
	return out
}

// Select returns the subset named in names; an empty list selects all.
func (c Collection) Select(names []string) Collection {
	if len(names) == 0 {
		return c
	}
	out := make(Collection, len(names))
	for _, n := range names {
		if f, ok := c[n]; ok {
			out[n] = f
		}
	}
	return out
}
