package field

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGrid_Basics(t *testing.T) {
	g := Uniform(0, 1, 4)
	require.NoError(t, g.Validate())
	assert.InDelta(t, 0.25, g.Spacing, 1e-15)
	assert.InDelta(t, 0.125, g.Center(0), 1e-15)
	assert.InDelta(t, 0.875, g.Center(3), 1e-15)
	assert.True(t, g.Equal(Uniform(0, 1, 4)))
	assert.False(t, g.Equal(Uniform(0, 1, 5)))

	assert.Error(t, Grid{Spacing: 1}.Validate())
	assert.Error(t, Grid{Cells: 2}.Validate())
}

func TestGrid_Restrict(t *testing.T) {
	g := Uniform(0, 1, 10)
	sub, first, err := g.Restrict(Region{Lo: 0.3, Hi: 0.6})
	require.NoError(t, err)
	assert.Equal(t, 3, first)
	assert.Equal(t, 3, sub.Cells)
	assert.InDelta(t, 0.3, sub.Origin, 1e-12)

	_, _, err = g.Restrict(Region{Lo: 2, Hi: 3})
	assert.Error(t, err)
}

func TestField_TotalAndSample(t *testing.T) {
	g := Uniform(0, 2, 4)
	f := New("heat", LawEnergy, g, []float64{1, 2, 3, 4})

	assert.InDelta(t, 5.0, f.Total(), 1e-12)
	assert.InDelta(t, 2.5, f.Mean(), 1e-12)
	assert.Equal(t, []float64{2, 3}, f.SampleAt(Region{Lo: 0.5, Hi: 1.5}))
	assert.Equal(t, []float64{1, 2, 3, 4}, f.SampleAt(Region{}))

	r, err := f.Restrict(Region{Lo: 1, Hi: 2})
	require.NoError(t, err)
	assert.Equal(t, []float64{3, 4}, r.Values)
	assert.InDelta(t, 3.5, r.Total(), 1e-12)
}

func TestField_CloneIsIndependent(t *testing.T) {
	f := Constant("t", LawNone, Uniform(0, 1, 3), 7)
	c := f.Clone()
	c.Values[0] = 0
	assert.Equal(t, 7.0, f.Values[0])
}

func TestField_ResampleLinear(t *testing.T) {
	src := Uniform(0, 1, 10)
	vals := make([]float64, src.Cells)
	for i := range vals {
		vals[i] = 2*src.Center(i) + 1
	}
	f := New("v", LawNone, src, vals)

	dst := Uniform(0.1, 0.9, 7)
	out := f.Resample(dst)
	for j := 0; j < dst.Cells; j++ {
		assert.InDelta(t, 2*dst.Center(j)+1, out.Values[j], 1e-12, "cell %d", j)
	}
}

func TestField_ResampleHoldsEnds(t *testing.T) {
	f := New("v", LawNone, Uniform(0, 1, 4), []float64{1, 2, 3, 4})

	assert.Equal(t, 1.0, f.Eval(-5))
	assert.Equal(t, 1.0, f.Eval(0.125))
	assert.InDelta(t, 1.5, f.Eval(0.25), 1e-12)
	assert.Equal(t, 4.0, f.Eval(0.9))
	assert.Equal(t, 4.0, f.Eval(7))

	wide := f.Resample(Uniform(-1, 2, 3))
	assert.Equal(t, []float64{1, 2.5, 4}, wide.Values)

	single := New("v", LawNone, Uniform(0, 1, 1), []float64{3})
	assert.Equal(t, []float64{3, 3, 3}, single.Resample(Uniform(0, 1, 3)).Values)
}

func TestField_RemapConservesIntegral(t *testing.T) {
	tests := []struct {
		name string
		dst  Grid
	}{
		{"coarser", Uniform(0, 1, 3)},
		{"finer", Uniform(0, 1, 17)},
		{"single", Uniform(0, 1, 1)},
	}

	src := Uniform(0, 1, 8)
	vals := make([]float64, src.Cells)
	for i := range vals {
		vals[i] = math.Sin(src.Center(i)*3) + 2
	}
	f := New("q", LawEnergy, src, vals)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := f.Remap(tt.dst)
			assert.InDelta(t, f.Total(), out.Total(), 1e-12)
		})
	}
}

func TestField_Clamp(t *testing.T) {
	f := New("rho", LawMass, Uniform(0, 1, 3), []float64{-1, 0.5, 2})
	f.Bounds = Bounds{HasMin: true, HasMax: true, Max: 1}
	assert.False(t, f.Within())
	assert.Equal(t, 2, f.Clamp())
	assert.Equal(t, []float64{0, 0.5, 1}, f.Values)
	assert.True(t, f.Within())
}

func TestCollection(t *testing.T) {
	g := Uniform(0, 1, 2)
	c := Collection{}
	c.Add(Constant("b", LawNone, g, 1))
	c.Add(Constant("a", LawNone, g, 2))

	assert.Equal(t, []string{"a", "b"}, c.Names())
	assert.Len(t, c.Select([]string{"a"}), 1)
	assert.Len(t, c.Select(nil), 2)

	cl := c.Clone()
	cl["a"].Values[0] = 99
	assert.Equal(t, 2.0, c["a"].Values[0])
}
