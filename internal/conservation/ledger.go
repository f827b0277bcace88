package conservation

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/san-kum/multiphys/internal/dynamo"
)

var (
	ErrLedgerNotStarted = errors.New("conservation: ledger not started")
	ErrLedgerStarted    = errors.New("conservation: ledger already started")
)

type Transfer[T any] struct {
	Pair        string
	Mechanism   Mechanism
	Numerical   T
	Theoretical T
}

// Entry is one committed step in the ledger. Cumulative is filled in on
// append.
type Entry[T any] struct {
	Step       int
	Start, End float64
	Totals     map[dynamo.DomainID]T
	System     T
	Transfers  []Transfer[T]
	Correction T
	Cumulative T
	Drift      T
	Violations []ViolationKind
}

func (e Entry[T]) clone() Entry[T] {
	c := e
	if e.Totals != nil {
		c.Totals = make(map[dynamo.DomainID]T, len(e.Totals))
		for id, v := range e.Totals {
			c.Totals[id] = v
		}
	}
	c.Transfers = append([]Transfer[T](nil), e.Transfers...)
	c.Violations = append([]ViolationKind(nil), e.Violations...)
	return c
}

// Ledger is the append-only audit trail of one conserved quantity: the
// totals at simulation start followed by one entry per committed step.
// It is safe for concurrent readers.
type Ledger[T any] struct {
	mu       sync.RWMutex
	quantity string
	alg      Algebra[T]
	started  bool
	initial  map[dynamo.DomainID]T
	entries  []Entry[T]
}

func NewLedger[T any](quantity string, alg Algebra[T]) *Ledger[T] {
	return &Ledger[T]{quantity: quantity, alg: alg}
}

func (l *Ledger[T]) Quantity() string { return l.quantity }

func (l *Ledger[T]) Start(totals map[dynamo.DomainID]T) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return ErrLedgerStarted
	}
	l.started = true
	l.initial = make(map[dynamo.DomainID]T, len(totals))
	for id, v := range totals {
		l.initial[id] = v
	}
	return nil
}

func (l *Ledger[T]) Started() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.started
}

// Initial returns the per-domain totals and their sum at simulation start.
func (l *Ledger[T]) Initial() (map[dynamo.DomainID]T, T) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[dynamo.DomainID]T, len(l.initial))
	sum := l.alg.Zero()
	for _, id := range sortedKeys(l.initial) {
		out[id] = l.initial[id]
		sum = l.alg.Add(sum, l.initial[id])
	}
	return out, sum
}

// Append numbers the entry, accumulates its correction and stores a copy.
// Entries must not go back in time.
func (l *Ledger[T]) Append(e Entry[T]) (Entry[T], error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.started {
		return Entry[T]{}, ErrLedgerNotStarted
	}
	prev := l.alg.Zero()
	if n := len(l.entries); n > 0 {
		last := l.entries[n-1]
		if e.End < last.End {
			return Entry[T]{}, fmt.Errorf("conservation: %s ledger entry ends at %.9g before %.9g", l.quantity, e.End, last.End)
		}
		prev = last.Cumulative
	}
	e = e.clone()
	e.Step = len(l.entries) + 1
	e.Cumulative = l.alg.Add(prev, e.Correction)
	l.entries = append(l.entries, e)
	return e.clone(), nil
}

func (l *Ledger[T]) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

func (l *Ledger[T]) Entries() []Entry[T] {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry[T], len(l.entries))
	for i, e := range l.entries {
		out[i] = e.clone()
	}
	return out
}

func (l *Ledger[T]) Last() (Entry[T], bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.entries) == 0 {
		return Entry[T]{}, false
	}
	return l.entries[len(l.entries)-1].clone(), true
}

// Cumulative is the total correction applied since start.
func (l *Ledger[T]) Cumulative() T {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.entries) == 0 {
		return l.alg.Zero()
	}
	return l.entries[len(l.entries)-1].Cumulative
}

// Record is a flat ledger row for persistence.
type Record struct {
	Quantity string
	Step     int
	Time     float64
	Kind     string
	Subject  string
	Values   []float64
}

const (
	RecordInitial    = "initial"
	RecordTotal      = "total"
	RecordSystem     = "system"
	RecordTransfer   = "transfer"
	RecordExpected   = "expected"
	RecordCorrection = "correction"
	RecordCumulative = "cumulative"
	RecordDrift      = "drift"
	RecordViolation  = "violation"
)

// Records flattens the ledger from entry index from onward; from 0 includes
// the initial totals.
func (l *Ledger[T]) Records(from int) []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Record
	row := func(step int, t float64, kind, subject string, v T) {
		out = append(out, Record{
			Quantity: l.quantity, Step: step, Time: t, Kind: kind, Subject: subject,
			Values: append([]float64(nil), l.alg.Components(v)...),
		})
	}
	if from <= 0 && l.started {
		for _, id := range sortedKeys(l.initial) {
			row(0, 0, RecordInitial, string(id), l.initial[id])
		}
	}
	if from < 0 {
		from = 0
	}
	for _, e := range l.entries[min(from, len(l.entries)):] {
		for _, id := range sortedKeys(e.Totals) {
			row(e.Step, e.End, RecordTotal, string(id), e.Totals[id])
		}
		row(e.Step, e.End, RecordSystem, "", e.System)
		for _, tr := range e.Transfers {
			row(e.Step, e.End, RecordTransfer, tr.Pair+"/"+tr.Mechanism.String(), tr.Numerical)
			row(e.Step, e.End, RecordExpected, tr.Pair+"/"+tr.Mechanism.String(), tr.Theoretical)
		}
		row(e.Step, e.End, RecordCorrection, "", e.Correction)
		row(e.Step, e.End, RecordCumulative, "", e.Cumulative)
		row(e.Step, e.End, RecordDrift, "", e.Drift)
		for _, k := range e.Violations {
			out = append(out, Record{Quantity: l.quantity, Step: e.Step, Time: e.End, Kind: RecordViolation, Subject: k.String()})
		}
	}
	return out
}

func sortedKeys[T any](m map[dynamo.DomainID]T) []dynamo.DomainID {
	ids := make([]dynamo.DomainID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
