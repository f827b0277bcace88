package viz

import (
	"math"
	"strings"
)

// Braille cells hold 2x4 dots:
// 1 4
// 2 5
// 3 6
// 7 8
var dotBits = [4][2]rune{
	{0x1, 0x8},
	{0x2, 0x10},
	{0x4, 0x20},
	{0x40, 0x80},
}

const blank = 0x2800

// Canvas is a Braille pixel canvas. Its resolution is (Width*2) x
// (Height*4) dots; y grows downward.
type Canvas struct {
	Width, Height int
	cells         [][]rune
}

func NewCanvas(w, h int) *Canvas {
	c := &Canvas{Width: w, Height: h, cells: make([][]rune, h)}
	for i := range c.cells {
		c.cells[i] = make([]rune, w)
	}
	c.Clear()
	return c
}

func (c *Canvas) Clear() {
	for _, row := range c.cells {
		for j := range row {
			row[j] = blank
		}
	}
}

// Set lights the dot at (x, y); dots off the canvas are ignored.
func (c *Canvas) Set(x, y int) {
	if x < 0 || y < 0 {
		return
	}
	col, row := x/2, y/4
	if col >= c.Width || row >= c.Height {
		return
	}
	c.cells[row][col] |= dotBits[y%4][x%2]
}

// Line draws from (x0, y0) to (x1, y1) with Bresenham's algorithm.
func (c *Canvas) Line(x0, y0, x1, y1 int) {
	dx, dy := absInt(x1-x0), absInt(y1-y0)
	sx, sy := -1, -1
	if x0 < x1 {
		sx = 1
	}
	if y0 < y1 {
		sy = 1
	}
	err := dx - dy
	for {
		c.Set(x0, y0)
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * err
		if e2 > -dy {
			err -= dy
			x0 += sx
		}
		if e2 < dx {
			err += dx
			y0 += sy
		}
	}
}

// Viewport maps a data window onto the canvas.
type Viewport struct {
	XMin, XMax float64
	YMin, YMax float64
}

// Fit returns the smallest viewport holding every profile, padded so flat
// profiles stay visible.
func Fit(profiles []Profile) Viewport {
	v := Viewport{XMin: math.Inf(1), XMax: math.Inf(-1), YMin: math.Inf(1), YMax: math.Inf(-1)}
	for _, p := range profiles {
		for i := range p.X {
			v.XMin = math.Min(v.XMin, p.X[i])
			v.XMax = math.Max(v.XMax, p.X[i])
			v.YMin = math.Min(v.YMin, p.Y[i])
			v.YMax = math.Max(v.YMax, p.Y[i])
		}
	}
	if math.IsInf(v.XMin, 0) {
		return Viewport{XMax: 1, YMax: 1}
	}
	if v.XMax == v.XMin {
		v.XMin, v.XMax = v.XMin-0.5, v.XMax+0.5
	}
	pad := 0.05 * (v.YMax - v.YMin)
	if pad == 0 {
		pad = math.Max(math.Abs(v.YMax)*0.05, 1)
	}
	v.YMin -= pad
	v.YMax += pad
	return v
}

func (c *Canvas) project(v Viewport, x, y float64) (int, int) {
	w, h := float64(c.Width*2-1), float64(c.Height*4-1)
	px := (x - v.XMin) / (v.XMax - v.XMin) * w
	py := (1 - (y-v.YMin)/(v.YMax-v.YMin)) * h
	return int(math.Round(px)), int(math.Round(py))
}

// Profile is one field sampled at cell centres.
type Profile struct {
	Label string
	X, Y  []float64
}

// Plot draws a profile as a polyline through its samples. Non-finite
// samples break the line.
func (c *Canvas) Plot(v Viewport, p Profile) {
	havePrev := false
	var px, py int
	for i := range p.X {
		if math.IsNaN(p.Y[i]) || math.IsInf(p.Y[i], 0) {
			havePrev = false
			continue
		}
		x, y := c.project(v, p.X[i], p.Y[i])
		if havePrev {
			c.Line(px, py, x, y)
		} else {
			c.Set(x, y)
		}
		px, py, havePrev = x, y, true
	}
}

func (c *Canvas) String() string {
	var b strings.Builder
	for _, row := range c.cells {
		b.WriteString(string(row))
		b.WriteByte('\n')
	}
	return b.String()
}

func absInt(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
