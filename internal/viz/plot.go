package viz

import (
	"math"

	"github.com/guptarohit/asciigraph"

	"github.com/san-kum/multiphys/internal/sim"
)

// Series is one named line of a chart.
type Series struct {
	Name   string
	Values []float64
}

var seriesColors = []asciigraph.AnsiColor{
	asciigraph.Cyan, asciigraph.Red, asciigraph.Yellow, asciigraph.Green, asciigraph.Magenta, asciigraph.Blue,
}

// Chart plots the series together. Empty series are dropped; with nothing
// left to draw it returns "".
func Chart(caption string, width, height int, series ...Series) string {
	var data [][]float64
	var names []string
	var colors []asciigraph.AnsiColor
	for _, s := range series {
		if len(s.Values) == 0 {
			continue
		}
		data = append(data, finite(s.Values))
		names = append(names, s.Name)
		colors = append(colors, seriesColors[(len(data)-1)%len(seriesColors)])
	}
	if len(data) == 0 {
		return ""
	}
	opts := []asciigraph.Option{
		asciigraph.Height(height),
		asciigraph.Caption(caption),
		asciigraph.SeriesColors(colors...),
		asciigraph.Precision(4),
	}
	if width > 0 {
		opts = append(opts, asciigraph.Width(width))
	}
	if len(data) > 1 {
		opts = append(opts, asciigraph.SeriesLegends(names...))
	}
	return asciigraph.PlotMany(data, opts...)
}

// finite replaces non-finite samples with the previous finite one so a
// blown-up step does not wreck the axis.
func finite(values []float64) []float64 {
	out := make([]float64, len(values))
	last := 0.0
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			v = last
		}
		out[i], last = v, v
	}
	return out
}

// RelativeDrift returns (v - v0)/|v0| for every sample, or absolute drift
// when v0 is zero.
func RelativeDrift(values []float64) []float64 {
	if len(values) == 0 {
		return nil
	}
	scale := math.Abs(values[0])
	if scale == 0 {
		scale = 1
	}
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = (v - values[0]) / scale
	}
	return out
}

// Log10 maps positive values to their decimal logarithm; zeros map to floor.
func Log10(values []float64, floor float64) []float64 {
	out := make([]float64, len(values))
	for i, v := range values {
		if v > 0 {
			out[i] = math.Max(math.Log10(v), floor)
		} else {
			out[i] = floor
		}
	}
	return out
}

func EnergySeries(res *sim.RunResult) Series {
	return Series{Name: "energy", Values: res.Energy}
}

func DriftSeries(res *sim.RunResult) Series {
	return Series{Name: "drift", Values: RelativeDrift(res.Energy)}
}

// ResidualSeries holds log10 of the final coupling residual of every step.
func ResidualSeries(steps []sim.StepResult) Series {
	r := make([]float64, len(steps))
	for i, s := range steps {
		r[i] = s.Convergence.Residual()
	}
	return Series{Name: "log10 residual", Values: Log10(r, -16)}
}

// IterationSeries holds the coupling iterations of every step.
func IterationSeries(steps []sim.StepResult) Series {
	it := make([]float64, len(steps))
	for i, s := range steps {
		it[i] = float64(s.Convergence.Iterations)
	}
	return Series{Name: "iterations", Values: it}
}
