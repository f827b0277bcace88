package metrics

import (
	"fmt"
	"math"
)

type Stability struct {
	name       string
	threshold  float64
	violations int
	samples    int
}

func NewStability(threshold float64) *Stability {
	return &Stability{
		name:      "stability",
		threshold: threshold,
	}
}

func (s *Stability) Name() string {
	return s.name
}

func (s *Stability) Observe(sample Sample) {
	s.samples++
	for _, st := range sample.States {
		if !st.Vector.IsValid() || maxAbs(st.Vector) > s.threshold {
			s.violations++
			break
		}
	}
}

func (s *Stability) Value() float64 {
	if s.samples == 0 {
		return 1.0
	}
	return 1.0 - float64(s.violations)/float64(s.samples)
}

func (s *Stability) Reset() {
	s.violations = 0
	s.samples = 0
}

// StabilityReport is the advisory numerical-health check attached to each
// step. It never rejects a step.
type StabilityReport struct {
	Stable       bool
	Finite       bool
	MaxMagnitude float64
	Threshold    float64
	// EnergyGrowth is the ratio of system energy magnitude after the step
	// to before it; 1 when either is zero.
	EnergyGrowth float64
	Warnings     []string
}

type Limits struct {
	Threshold    float64
	EnergyGrowth float64
}

func DefaultLimits() Limits {
	return Limits{Threshold: 1e8, EnergyGrowth: 1.5}
}

// Check inspects the snapshots after a step against the limits.
func Check(before, after Sample, lim Limits) StabilityReport {
	r := StabilityReport{Stable: true, Finite: true, Threshold: lim.Threshold, EnergyGrowth: 1}
	for _, st := range after.States {
		if !st.Vector.IsValid() {
			r.Finite = false
			r.Warnings = append(r.Warnings, fmt.Sprintf("%s: non-finite state", st.DomainID))
			continue
		}
		m := maxAbs(st.Vector)
		r.MaxMagnitude = math.Max(r.MaxMagnitude, m)
		if lim.Threshold > 0 && m > lim.Threshold {
			r.Warnings = append(r.Warnings, fmt.Sprintf("%s: magnitude %.3g exceeds %.3g", st.DomainID, m, lim.Threshold))
		}
	}
	if e0, e1 := math.Abs(before.Energy), math.Abs(after.Energy); e0 > 0 && e1 > 0 {
		r.EnergyGrowth = e1 / e0
		if lim.EnergyGrowth > 0 && r.EnergyGrowth > lim.EnergyGrowth {
			r.Warnings = append(r.Warnings, fmt.Sprintf("system energy grew by %.3gx in one step", r.EnergyGrowth))
		}
	}
	r.Stable = len(r.Warnings) == 0
	return r
}

func maxAbs(x []float64) float64 {
	m := 0.0
	for _, v := range x {
		m = math.Max(m, math.Abs(v))
	}
	return m
}
