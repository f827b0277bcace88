package field

import (
	"fmt"
	"math"
)

// Grid is a uniform, cell-centred 1-D discretization. Cell i covers
// [Origin+i*Spacing, Origin+(i+1)*Spacing).
type Grid struct {
	Origin  float64 `yaml:"origin" json:"origin"`
	Spacing float64 `yaml:"spacing" json:"spacing"`
	Cells   int     `yaml:"cells" json:"cells"`
}

// Uniform builds a grid of n cells spanning [lo, hi].
func Uniform(lo, hi float64, n int) Grid {
	if n < 1 {
		n = 1
	}
	return Grid{Origin: lo, Spacing: (hi - lo) / float64(n), Cells: n}
}

func (g Grid) Validate() error {
	if g.Cells < 1 {
		return fmt.Errorf("field: grid needs at least one cell, got %d", g.Cells)
	}
	if !(g.Spacing > 0) || math.IsInf(g.Spacing, 0) {
		return fmt.Errorf("field: grid spacing must be positive, got %g", g.Spacing)
	}
	return nil
}

// Equal reports whether two grids describe the same cells.
func (g Grid) Equal(o Grid) bool {
	const eps = 1e-12
	if g.Cells != o.Cells {
		return false
	}
	scale := math.Max(1, math.Max(math.Abs(g.Spacing), math.Abs(g.Origin)))
	return math.Abs(g.Origin-o.Origin) <= eps*scale && math.Abs(g.Spacing-o.Spacing) <= eps*scale
}

func (g Grid) Center(i int) float64 {
	return g.Origin + (float64(i)+0.5)*g.Spacing
}

func (g Grid) Bounds() (lo, hi float64) {
	return g.Origin, g.Origin + float64(g.Cells)*g.Spacing
}

func (g Grid) Length() float64 {
	return float64(g.Cells) * g.Spacing
}

// Centers returns the cell centres in increasing order.
func (g Grid) Centers() []float64 {
	c := make([]float64, g.Cells)
	for i := range c {
		c[i] = g.Center(i)
	}
	return c
}

// Region is an interval of the shared coordinate axis where two domains
// exchange fields. The zero Region selects everything.
type Region struct {
	Lo float64 `yaml:"lo" json:"lo"`
	Hi float64 `yaml:"hi" json:"hi"`
}

func (r Region) IsZero() bool { return r.Lo == 0 && r.Hi == 0 }

func (r Region) Contains(x float64) bool {
	if r.IsZero() {
		return true
	}
	return x >= r.Lo && x <= r.Hi
}

// CellRange returns the half-open index range of cells whose centres lie
// inside r. ok is false when no cell qualifies.
func (g Grid) CellRange(r Region) (first, last int, ok bool) {
	if r.IsZero() {
		return 0, g.Cells, true
	}
	first, last = -1, -1
	for i := 0; i < g.Cells; i++ {
		if r.Contains(g.Center(i)) {
			if first < 0 {
				first = i
			}
			last = i + 1
		}
	}
	if first < 0 {
		return 0, 0, false
	}
	return first, last, true
}

// Restrict returns the sub-grid covering the cells selected by r.
func (g Grid) Restrict(r Region) (Grid, int, error) {
	first, last, ok := g.CellRange(r)
	if !ok {
		return Grid{}, 0, fmt.Errorf("field: region [%g, %g] selects no cells", r.Lo, r.Hi)
	}
	return Grid{
		Origin:  g.Origin + float64(first)*g.Spacing,
		Spacing: g.Spacing,
		Cells:   last - first,
	}, first, nil
}
