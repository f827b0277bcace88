package temporal

import (
	"fmt"
	"math"

	"github.com/san-kum/multiphys/internal/dynamo"
	"github.com/san-kum/multiphys/internal/field"
)

const DefaultHistory = 16

// History is a bounded, time-ordered record of one domain's snapshots.
type History struct {
	capacity int
	states   []dynamo.DomainState
}

func NewHistory(capacity int) *History {
	if capacity < 2 {
		capacity = 2
	}
	return &History{capacity: capacity}
}

// Record appends s. A snapshot at an earlier time than the newest entry
// (after a rollback) discards everything recorded after it; one at the same
// time replaces the entry.
func (h *History) Record(s dynamo.DomainState) {
	for len(h.states) > 0 && h.states[len(h.states)-1].Time >= s.Time {
		h.states = h.states[:len(h.states)-1]
	}
	h.states = append(h.states, s.Clone())
	if len(h.states) > h.capacity {
		h.states = h.states[len(h.states)-h.capacity:]
	}
}

func (h *History) Len() int { return len(h.states) }

func (h *History) Latest() (dynamo.DomainState, bool) {
	if len(h.states) == 0 {
		return dynamo.DomainState{}, false
	}
	return h.states[len(h.states)-1], true
}

// States returns the recorded snapshots, oldest first. Callers must not
// modify them.
func (h *History) States() []dynamo.DomainState { return h.states }

func (h *History) Span() (lo, hi float64) {
	if len(h.states) == 0 {
		return math.NaN(), math.NaN()
	}
	return h.states[0].Time, h.states[len(h.states)-1].Time
}

// Interpolate returns the state at t inside the recorded span: cubic
// Hermite where both bracketing snapshots carry field rates, linear
// otherwise. Times outside the span yield ErrExtrapolation.
func (h *History) Interpolate(t, tol float64) (dynamo.DomainState, error) {
	if len(h.states) == 0 {
		return dynamo.DomainState{}, fmt.Errorf("%w: empty history", dynamo.ErrExtrapolation)
	}
	for i := len(h.states) - 1; i >= 0; i-- {
		if math.Abs(h.states[i].Time-t) <= tol {
			s := h.states[i].Clone()
			return s, nil
		}
	}
	lo, hi := h.Span()
	if t < lo || t > hi {
		return dynamo.DomainState{}, fmt.Errorf("%w: t=%.9g outside [%.9g, %.9g]", dynamo.ErrExtrapolation, t, lo, hi)
	}
	k := 1
	for h.states[k].Time < t {
		k++
	}
	return Between(h.states[k-1], h.states[k], t), nil
}

// Between interpolates two snapshots of the same domain at t, a.Time <= t <=
// b.Time. The result has no internal vector and cannot be restored.
func Between(a, b dynamo.DomainState, t float64) dynamo.DomainState {
	dt := b.Time - a.Time
	s := 0.0
	if dt > 0 {
		s = (t - a.Time) / dt
	}
	out := dynamo.DomainState{
		DomainID:    a.DomainID,
		Kind:        a.Kind,
		Time:        t,
		Step:        a.Step,
		Fields:      make(field.Collection, len(a.Fields)),
		Rates:       make(map[string][]float64, len(a.Fields)),
		Energy:      lerp(a.Energy, b.Energy, s),
		EnergyForms: make(map[string]float64, len(a.EnergyForms)),
		Mass:        lerp(a.Mass, b.Mass, s),
	}
	for i := range out.Momentum {
		out.Momentum[i] = lerp(a.Momentum[i], b.Momentum[i], s)
	}
	for k, v := range a.EnergyForms {
		out.EnergyForms[k] = lerp(v, b.EnergyForms[k], s)
	}

	for name, fa := range a.Fields {
		fb, ok := b.Fields[name]
		if !ok || len(fb.Values) != len(fa.Values) {
			out.Fields[name] = fa.Clone()
			continue
		}
		ra, rb := a.Rates[name], b.Rates[name]
		hermite := len(ra) == len(fa.Values) && len(rb) == len(fa.Values)

		f := fa.Clone()
		rate := make([]float64, len(f.Values))
		for i := range f.Values {
			y0, y1 := fa.Values[i], fb.Values[i]
			if hermite {
				f.Values[i], rate[i] = cubicHermite(y0, y1, ra[i], rb[i], dt, s)
			} else {
				f.Values[i] = lerp(y0, y1, s)
				if dt > 0 {
					rate[i] = (y1 - y0) / dt
				}
			}
		}
		out.Fields[name] = f
		out.Rates[name] = rate
	}
	return out
}

func lerp(a, b, s float64) float64 { return a + (b-a)*s }

// cubicHermite evaluates the Hermite cubic through (0, y0, m0) and (dt, y1,
// m1) at fraction s, returning the value and its time derivative.
func cubicHermite(y0, y1, m0, m1, dt, s float64) (float64, float64) {
	s2 := s * s
	s3 := s2 * s
	h00 := 2*s3 - 3*s2 + 1
	h10 := s3 - 2*s2 + s
	h01 := -2*s3 + 3*s2
	h11 := s3 - s2
	v := h00*y0 + h10*dt*m0 + h01*y1 + h11*dt*m1

	if dt == 0 {
		return v, m0
	}
	d00 := 6*s2 - 6*s
	d10 := 3*s2 - 4*s + 1
	d01 := -6*s2 + 6*s
	d11 := 3*s2 - 2*s
	d := (d00*y0+d01*y1)/dt + d10*m0 + d11*m1
	return v, d
}
