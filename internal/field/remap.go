package field

import (
	"math"

	"gonum.org/v1/gonum/interp"
)

// Resample evaluates the piecewise-linear interpolant through the source
// cell centres at every target centre. Points outside the source centres
// take the nearest end value. No conservation guarantee.
func (f *Field) Resample(target Grid) *Field {
	out := &Field{Name: f.Name, Law: f.Law, Bounds: f.Bounds, Grid: target}
	out.Values = make([]float64, target.Cells)
	p := f.Interpolant()
	for j := range out.Values {
		out.Values[j] = p.Predict(target.Center(j))
	}
	return out
}

// Interpolant is the piecewise-linear interpolant through the cell centres,
// held constant beyond the first and last centre.
func (f *Field) Interpolant() interp.Predictor {
	switch len(f.Values) {
	case 0:
		return interp.Constant(0)
	case 1:
		return interp.Constant(f.Values[0])
	}
	var pl interp.PiecewiseLinear
	// centres of a validated grid are strictly increasing
	_ = pl.Fit(f.Grid.Centers(), f.Values)
	return pl
}

// Eval returns the linearly interpolated value at coordinate x.
func (f *Field) Eval(x float64) float64 { return f.Interpolant().Predict(x) }

// Remap distributes each source cell's integral onto the target cells in
// proportion to geometric overlap. The integral over the common support
// is preserved exactly.
func (f *Field) Remap(target Grid) *Field {
	out := &Field{Name: f.Name, Law: f.Law, Bounds: f.Bounds, Grid: target}
	out.Values = make([]float64, target.Cells)

	src := f.Grid
	for j := 0; j < target.Cells; j++ {
		tlo := target.Origin + float64(j)*target.Spacing
		thi := tlo + target.Spacing

		first := int(math.Floor((tlo - src.Origin) / src.Spacing))
		last := int(math.Ceil((thi - src.Origin) / src.Spacing))
		if first < 0 {
			first = 0
		}
		if last > src.Cells {
			last = src.Cells
		}

		acc := 0.0
		for i := first; i < last; i++ {
			slo := src.Origin + float64(i)*src.Spacing
			shi := slo + src.Spacing
			overlap := math.Min(thi, shi) - math.Max(tlo, slo)
			if overlap > 0 {
				acc += f.Values[i] * overlap
			}
		}
		out.Values[j] = acc / target.Spacing
	}
	return out
}
