package viz

import (
	"math"
	"strings"
	"testing"
)

func TestCanvasSet(t *testing.T) {
	c := NewCanvas(2, 1)
	c.Set(0, 0)
	c.Set(3, 3)
	c.Set(-1, 0)
	c.Set(4, 0)

	got := []rune(strings.TrimRight(c.String(), "\n"))
	if got[0] != blank|0x1 {
		t.Errorf("expected dot 1 in first cell, got %U", got[0])
	}
	if got[1] != blank|0x80 {
		t.Errorf("expected dot 8 in second cell, got %U", got[1])
	}
}

func TestCanvasLine(t *testing.T) {
	c := NewCanvas(4, 1)
	c.Line(0, 0, 7, 0)
	for i, r := range strings.TrimRight(c.String(), "\n") {
		if r != blank|0x1|0x8 {
			t.Errorf("cell %d: expected top row lit, got %U", i, r)
		}
	}
	c.Clear()
	if strings.ContainsFunc(c.String(), func(r rune) bool { return r != blank && r != '\n' }) {
		t.Error("clear left dots lit")
	}
}

func TestFit(t *testing.T) {
	v := Fit([]Profile{
		{X: []float64{0, 1}, Y: []float64{300, 300}},
		{X: []float64{0.5, 2}, Y: []float64{400, 350}},
	})
	if v.XMin != 0 || v.XMax != 2 {
		t.Errorf("unexpected x range %v..%v", v.XMin, v.XMax)
	}
	if v.YMin >= 300 || v.YMax <= 400 {
		t.Errorf("expected padded y range, got %v..%v", v.YMin, v.YMax)
	}

	flat := Fit([]Profile{{X: []float64{1}, Y: []float64{0}}})
	if flat.XMax <= flat.XMin || flat.YMax <= flat.YMin {
		t.Errorf("degenerate viewport %+v", flat)
	}
	if empty := Fit(nil); empty.XMax != 1 {
		t.Errorf("unexpected empty viewport %+v", empty)
	}
}

func TestPlotSkipsNonFinite(t *testing.T) {
	c := NewCanvas(4, 2)
	v := Viewport{XMin: 0, XMax: 1, YMin: 0, YMax: 1}
	c.Plot(v, Profile{X: []float64{0, 0.5, 1}, Y: []float64{0, math.NaN(), 1}})

	lit := 0
	for _, r := range c.String() {
		if r != blank && r != '\n' {
			lit++
		}
	}
	if lit != 2 {
		t.Errorf("expected two isolated dots, got %d lit cells", lit)
	}
}
