package temporal

import (
	"fmt"

	"github.com/san-kum/multiphys/internal/dynamo"
	"github.com/san-kum/multiphys/internal/field"
)

// Predict estimates a domain's state at target from its history. The
// physics predictor is used for PhysicsBasedExtrapolation when available;
// otherwise that method falls back to a Taylor expansion.
func Predict(method dynamo.PredictionMethod, h *History, target float64, physics dynamo.StatePredictor, coupling dynamo.CouplingData) (dynamo.DomainState, error) {
	last, ok := h.Latest()
	if !ok {
		return dynamo.DomainState{}, fmt.Errorf("%w: no history to predict from", dynamo.ErrExtrapolation)
	}
	if target <= last.Time {
		return h.Interpolate(target, 0)
	}

	switch method {
	case dynamo.PhysicsBasedExtrapolation:
		if physics != nil {
			return physics.PredictState(target, coupling)
		}
		return taylor(h, target), nil
	case dynamo.TaylorSeriesExpansion:
		return taylor(h, target), nil
	case dynamo.HistoricalTrends:
		return trend(h, target), nil
	default:
		return linear(h, target), nil
	}
}

// linear extends the chord through the two newest snapshots, or the newest
// rate when only one snapshot exists.
func linear(h *History, target float64) dynamo.DomainState {
	states := h.States()
	last := states[len(states)-1]
	dt := target - last.Time
	if len(states) < 2 {
		return extend(last, target, func(name string, i int, v float64) float64 {
			return v + dt*rateAt(last, name, i)
		})
	}
	prev := states[len(states)-2]
	span := last.Time - prev.Time
	return extend(last, target, func(name string, i int, v float64) float64 {
		p, ok := valueAt(prev, name, i)
		if !ok || span <= 0 {
			return v
		}
		return v + dt*(v-p)/span
	})
}

// taylor is the second-order expansion using the newest rate and the rate
// change between the two newest snapshots.
func taylor(h *History, target float64) dynamo.DomainState {
	states := h.States()
	last := states[len(states)-1]
	dt := target - last.Time
	var prev *dynamo.DomainState
	if len(states) >= 2 {
		prev = &states[len(states)-2]
	}
	return extend(last, target, func(name string, i int, v float64) float64 {
		r := rateAt(last, name, i)
		out := v + dt*r
		if prev != nil && prev.Time < last.Time {
			if _, ok := prev.Rates[name]; ok {
				acc := (r - rateAt(*prev, name, i)) / (last.Time - prev.Time)
				out += 0.5 * acc * dt * dt
			}
		}
		return out
	})
}

// trend fits a least-squares line through every recorded value.
func trend(h *History, target float64) dynamo.DomainState {
	states := h.States()
	last := states[len(states)-1]
	if len(states) < 2 {
		return linear(h, target)
	}
	return extend(last, target, func(name string, i int, v float64) float64 {
		var n, sx, sy, sxx, sxy float64
		for _, s := range states {
			y, ok := valueAt(s, name, i)
			if !ok {
				continue
			}
			x := s.Time - last.Time
			n++
			sx += x
			sy += y
			sxx += x * x
			sxy += x * y
		}
		den := n*sxx - sx*sx
		if n < 2 || den == 0 {
			return v
		}
		slope := (n*sxy - sx*sy) / den
		icept := (sy - slope*sx) / n
		return icept + slope*(target-last.Time)
	})
}

// extend builds a predicted snapshot by applying fn to every field value of
// base. Scalars are carried over.
func extend(base dynamo.DomainState, target float64, fn func(name string, i int, v float64) float64) dynamo.DomainState {
	out := dynamo.DomainState{
		DomainID:    base.DomainID,
		Kind:        base.Kind,
		Time:        target,
		Step:        base.Step,
		Fields:      make(field.Collection, len(base.Fields)),
		Rates:       base.Clone().Rates,
		Energy:      base.Energy,
		EnergyForms: base.Clone().EnergyForms,
		Momentum:    base.Momentum,
		Mass:        base.Mass,
	}
	for name, f := range base.Fields {
		c := f.Clone()
		for i, v := range c.Values {
			c.Values[i] = fn(name, i, v)
		}
		out.Fields[name] = c
	}
	return out
}

func rateAt(s dynamo.DomainState, name string, i int) float64 {
	r, ok := s.Rates[name]
	if !ok || i >= len(r) {
		return 0
	}
	return r[i]
}

func valueAt(s dynamo.DomainState, name string, i int) (float64, bool) {
	f, ok := s.Fields[name]
	if !ok || i >= len(f.Values) {
		return 0, false
	}
	return f.Values[i], true
}
