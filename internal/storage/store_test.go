package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/san-kum/multiphys/internal/config"
	"github.com/san-kum/multiphys/internal/conservation"
	"github.com/san-kum/multiphys/internal/experiment"
	"github.com/san-kum/multiphys/internal/sim"
)

func runPreset(t *testing.T) (*experiment.Experiment, *sim.RunResult) {
	t.Helper()
	cfg := config.GetPreset("heat_exchange", "gentle")
	cfg.Duration = 0.15
	e, err := experiment.New(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	res, err := e.Run(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	return e, res
}

func TestSaveAndLoad(t *testing.T) {
	e, res := runPreset(t)
	s := New(t.TempDir())
	if err := s.Init(); err != nil {
		t.Fatal(err)
	}

	m := e.Manager()
	id, err := s.Save(RunMetadata{Scenario: "heat_exchange", Dt: 0.05, Duration: 0.15, Strategy: "explicit"},
		res, m.EnergyLedger(), m.MomentumLedger())
	if err != nil {
		t.Fatal(err)
	}

	meta, err := s.Load(id)
	if err != nil {
		t.Fatal(err)
	}
	if meta.StepsTaken != 3 {
		t.Errorf("expected 3 steps, got %d", meta.StepsTaken)
	}
	if len(meta.Ledgers) != 2 || meta.Ledgers[0] != "energy" {
		t.Errorf("unexpected ledgers %v", meta.Ledgers)
	}

	steps, err := s.LoadSteps(id)
	if err != nil {
		t.Fatal(err)
	}
	if len(steps) != 3 {
		t.Fatalf("expected 3 step rows, got %d", len(steps))
	}
	if steps[2].Step != 3 || steps[2].Strategy != "explicit" || !steps[2].Stable {
		t.Errorf("unexpected last row %+v", steps[2])
	}
	if steps[0].Energy != res.Energy[1] {
		t.Errorf("expected energy %g, got %g", res.Energy[1], steps[0].Energy)
	}

	records, err := s.LoadLedger(id, "energy")
	if err != nil {
		t.Fatal(err)
	}
	want := m.EnergyLedger().Records(0)
	if len(records) != len(want) {
		t.Fatalf("expected %d records, got %d", len(want), len(records))
	}
	if records[0].Kind != conservation.RecordInitial {
		t.Errorf("expected initial record first, got %s", records[0].Kind)
	}
	for i := range want {
		if len(records[i].Values) != len(want[i].Values) {
			t.Fatalf("record %d: value count mismatch", i)
		}
		for j, v := range want[i].Values {
			if records[i].Values[j] != v {
				t.Errorf("record %d: expected %g, got %g", i, v, records[i].Values[j])
			}
		}
	}

	mom, err := s.LoadLedger(id, "momentum")
	if err != nil {
		t.Fatal(err)
	}
	if len(mom) == 0 || len(mom[0].Values) != 3 {
		t.Errorf("expected 3-component momentum records, got %+v", mom)
	}
}

func TestList(t *testing.T) {
	_, res := runPreset(t)
	s := New(t.TempDir())
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, name := range []string{"b", "a"} {
		s.now = func() time.Time { return base.Add(time.Duration(i) * time.Minute) }
		if _, err := s.Save(RunMetadata{Scenario: name}, res); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.MkdirAll(filepath.Join(s.baseDir, "junk"), 0755); err != nil {
		t.Fatal(err)
	}

	runs, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].Scenario != "b" {
		t.Errorf("expected oldest first, got %s", runs[0].Scenario)
	}
}

func TestListMissingDir(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "nope"))
	runs, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 0 {
		t.Errorf("expected no runs, got %d", len(runs))
	}
}

func TestLoadStepsMalformed(t *testing.T) {
	s := New(t.TempDir())
	dir := filepath.Join(s.baseDir, "bad")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	data := "step,start,end,strategy,iterations,residual,energy,stable,violations\n1,0,x,explicit,1,0,1,true,0\n"
	if err := os.WriteFile(filepath.Join(dir, "steps.csv"), []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := s.LoadSteps("bad"); err == nil {
		t.Error("expected parse error")
	}
}
