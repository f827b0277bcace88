package storage

import (
	"context"
	"errors"
	"io"
	"log"

	"github.com/san-kum/multiphys/internal/conservation"
	"github.com/san-kum/multiphys/internal/sim"
)

// Sink receives ledger records as they are committed.
type Sink interface {
	Append(ctx context.Context, runID string, records []conservation.Record) error
}

// LedgerSource is a ledger that can report how many entries it holds.
type LedgerSource interface {
	RecordSource
	Len() int
}

// Mirror forwards new ledger records to sinks after every committed step.
// It is a sim.Observer; the first sink error stops further forwarding and is
// reported by Err.
type Mirror struct {
	ctx     context.Context
	runID   string
	sources []LedgerSource
	sinks   []Sink
	next    []int
	initial []bool
	err     error
	logger  *log.Logger
}

type MirrorOption func(*Mirror)

func WithMirrorLogger(l *log.Logger) MirrorOption {
	return func(m *Mirror) { m.logger = l }
}

func NewMirror(ctx context.Context, runID string, sources []LedgerSource, sinks []Sink, opts ...MirrorOption) *Mirror {
	m := &Mirror{
		ctx:     ctx,
		runID:   runID,
		sources: sources,
		sinks:   sinks,
		next:    make([]int, len(sources)),
		initial: make([]bool, len(sources)),
		logger:  log.New(io.Discard, "", 0),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Mirror) OnStep(sim.StepResult) {
	if m.err != nil {
		return
	}
	if err := m.Flush(); err != nil {
		m.logger.Printf("ledger mirror %s: %v", m.runID, err)
	}
}

// Flush forwards every record not yet forwarded.
func (m *Mirror) Flush() error {
	if m.err != nil {
		return m.err
	}
	var batch []conservation.Record
	for i, src := range m.sources {
		for _, r := range src.Records(m.next[i]) {
			if r.Kind == conservation.RecordInitial {
				if m.initial[i] {
					continue
				}
				m.initial[i] = true
			}
			batch = append(batch, r)
		}
		m.next[i] = src.Len()
	}
	if len(batch) == 0 {
		return nil
	}
	var errs []error
	for _, s := range m.sinks {
		if err := s.Append(m.ctx, m.runID, batch); err != nil {
			errs = append(errs, err)
		}
	}
	m.err = errors.Join(errs...)
	return m.err
}

func (m *Mirror) Err() error { return m.err }
