package temporal

import (
	"math"
	"sort"
)

// SyncPoint is a time at which every domain must agree on current time.
type SyncPoint struct {
	Time      float64
	Label     string
	Satisfied bool
}

// Schedule holds sync points in time order. Points are consumed once
// reached and never rescheduled.
type Schedule struct {
	points []SyncPoint
}

func NewSchedule(times ...float64) *Schedule {
	s := &Schedule{}
	for _, t := range times {
		s.Add(t, "")
	}
	return s
}

func (s *Schedule) Add(t float64, label string) {
	s.points = append(s.points, SyncPoint{Time: t, Label: label})
	sort.SliceStable(s.points, func(i, j int) bool { return s.points[i].Time < s.points[j].Time })
}

// Within returns the pending points in (t0, t1], nearest first.
func (s *Schedule) Within(t0, t1 float64) []SyncPoint {
	var out []SyncPoint
	for _, p := range s.points {
		if !p.Satisfied && p.Time > t0 && p.Time <= t1 {
			out = append(out, p)
		}
	}
	return out
}

// Satisfy marks every pending point within tol of t as consumed and
// reports how many were.
func (s *Schedule) Satisfy(t, tol float64) int {
	n := 0
	for i := range s.points {
		if !s.points[i].Satisfied && math.Abs(s.points[i].Time-t) <= tol {
			s.points[i].Satisfied = true
			n++
		}
	}
	return n
}

func (s *Schedule) Pending() []SyncPoint {
	var out []SyncPoint
	for _, p := range s.points {
		if !p.Satisfied {
			out = append(out, p)
		}
	}
	return out
}

func (s *Schedule) Points() []SyncPoint {
	out := make([]SyncPoint, len(s.points))
	copy(out, s.points)
	return out
}

// Restore replaces the schedule with points, as taken from Points. A step
// that is rolled back uses it to reopen the points it consumed.
func (s *Schedule) Restore(points []SyncPoint) {
	s.points = make([]SyncPoint, len(points))
	copy(s.points, points)
}
