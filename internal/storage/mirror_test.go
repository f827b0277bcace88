package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/san-kum/multiphys/internal/config"
	"github.com/san-kum/multiphys/internal/conservation"
	"github.com/san-kum/multiphys/internal/experiment"
	"github.com/san-kum/multiphys/internal/sim"
)

type memorySink struct {
	records []conservation.Record
	fail    error
}

func (s *memorySink) Append(_ context.Context, runID string, records []conservation.Record) error {
	if s.fail != nil {
		return s.fail
	}
	s.records = append(s.records, records...)
	return nil
}

func TestMirrorForwardsEachRecordOnce(t *testing.T) {
	cfg := config.GetPreset("heat_exchange", "gentle")
	cfg.Duration = 0.2
	e, err := experiment.New(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	m := e.Manager()
	sink := &memorySink{}
	mirror := NewMirror(context.Background(), "run", []LedgerSource{m.EnergyLedger(), m.MomentumLedger()}, []Sink{sink})

	if _, err := e.Run(context.Background(), nil, mirror); err != nil {
		t.Fatal(err)
	}
	if err := mirror.Flush(); err != nil {
		t.Fatal(err)
	}

	want := len(m.EnergyLedger().Records(0)) + len(m.MomentumLedger().Records(0))
	if len(sink.records) != want {
		t.Fatalf("expected %d forwarded records, got %d", want, len(sink.records))
	}
	initial := 0
	for _, r := range sink.records {
		if r.Kind == conservation.RecordInitial {
			initial++
		}
	}
	if initial != 4 {
		t.Errorf("expected 4 initial records, got %d", initial)
	}
}

func TestMirrorStopsOnSinkError(t *testing.T) {
	cfg := config.GetPreset("heat_exchange", "gentle")
	cfg.Duration = 0.1
	e, err := experiment.New(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	boom := errors.New("disk full")
	sink := &memorySink{fail: boom}
	mirror := NewMirror(context.Background(), "run", []LedgerSource{e.Manager().EnergyLedger()}, []Sink{sink})

	if _, err := e.Run(context.Background(), nil, sim.ObserverFunc(mirror.OnStep)); err != nil {
		t.Fatal(err)
	}
	if !errors.Is(mirror.Err(), boom) {
		t.Errorf("expected sink error, got %v", mirror.Err())
	}
}
