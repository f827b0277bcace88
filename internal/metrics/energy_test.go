package metrics

import (
	"math"
	"testing"

	"github.com/san-kum/multiphys/internal/dynamo"
)

func snap(id dynamo.DomainID, energy float64, p float64, x ...float64) dynamo.DomainState {
	return dynamo.DomainState{DomainID: id, Energy: energy, Momentum: dynamo.Vec3{p, 0, 0}, Vector: x}
}

func TestEnergyDrift(t *testing.T) {
	m := NewEnergyDrift()

	m.Observe(NewSample(0, []dynamo.DomainState{snap("a", 60, 0), snap("b", 40, 0)}))
	m.Observe(NewSample(1, []dynamo.DomainState{snap("a", 55, 0), snap("b", 46, 0)}))
	m.Observe(NewSample(2, []dynamo.DomainState{snap("a", 50, 0), snap("b", 50, 0)}))

	if math.Abs(m.Value()-0.01) > 1e-12 {
		t.Errorf("expected max drift 0.01, got %g", m.Value())
	}
	if m.Current() != 100 {
		t.Errorf("expected current energy 100, got %g", m.Current())
	}

	m.Reset()
	if m.Value() != 0 {
		t.Error("expected zero drift after reset")
	}
}

func TestMomentumDrift(t *testing.T) {
	tests := []struct {
		name   string
		p0, p1 float64
		want   float64
	}{
		{"relative", 2, 2.5, 0.25},
		{"at rest", 0, 0.1, 0.1},
		{"conserved", 1, 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMomentumDrift()
			m.Observe(NewSample(0, []dynamo.DomainState{snap("a", 0, tt.p0)}))
			m.Observe(NewSample(1, []dynamo.DomainState{snap("a", 0, tt.p1)}))
			if math.Abs(m.Value()-tt.want) > 1e-12 {
				t.Errorf("got %g, want %g", m.Value(), tt.want)
			}
		})
	}
}

func TestCorrectionEffort(t *testing.T) {
	c := NewCorrectionEffort()
	if c.Value() != 0 {
		t.Error("expected zero effort before samples")
	}
	c.Observe(Sample{Correction: -2})
	c.Observe(Sample{Correction: 1})
	if c.Value() != 1.5 {
		t.Errorf("expected mean effort 1.5, got %g", c.Value())
	}
}
