package metrics

import "math"

// CorrectionEffort is the mean conservation correction applied per step.
type CorrectionEffort struct {
	name    string
	sum     float64
	samples int
}

func NewCorrectionEffort() *CorrectionEffort {
	return &CorrectionEffort{
		name: "correction_effort",
	}
}

func (c *CorrectionEffort) Name() string {
	return c.name
}

func (c *CorrectionEffort) Observe(s Sample) {
	c.sum += math.Abs(s.Correction)
	c.samples++
}

func (c *CorrectionEffort) Value() float64 {
	if c.samples == 0 {
		return 0
	}
	return c.sum / float64(c.samples)
}

func (c *CorrectionEffort) Reset() {
	c.sum = 0
	c.samples = 0
}
