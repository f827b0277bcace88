package metrics

import "github.com/san-kum/multiphys/internal/dynamo"

// Sample is what a metric sees after each committed global step.
type Sample struct {
	Time     float64
	States   []dynamo.DomainState
	Energy   float64
	Momentum dynamo.Vec3
	// Correction is the magnitude of conservation correction applied in
	// the step.
	Correction float64
}

// NewSample sums the system totals over the snapshots.
func NewSample(t float64, states []dynamo.DomainState) Sample {
	s := Sample{Time: t, States: states}
	for _, st := range states {
		s.Energy += st.Energy
		s.Momentum = s.Momentum.Add(st.Momentum)
	}
	return s
}

type Metric interface {
	Name() string
	Observe(s Sample)
	Value() float64
	Reset()
}

// Defaults returns the metrics a run records unless told otherwise.
func Defaults(threshold float64) []Metric {
	return []Metric{
		NewStability(threshold),
		NewEnergyDrift(),
		NewMomentumDrift(),
		NewCorrectionEffort(),
	}
}
