package storage

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/san-kum/multiphys/internal/conservation"
	"github.com/san-kum/multiphys/internal/sim"
)

// RecordSource is a ledger that can be flattened for persistence.
type RecordSource interface {
	Quantity() string
	Records(from int) []conservation.Record
}

// Store keeps one directory per run: metadata.json, steps.csv and one
// ledger_<quantity>.csv per audited quantity.
type Store struct {
	baseDir string
	now     func() time.Time
}

func New(baseDir string) *Store {
	return &Store{baseDir: baseDir, now: time.Now}
}

func (s *Store) Init() error {
	return os.MkdirAll(s.baseDir, 0755)
}

type RunMetadata struct {
	ID          string             `json:"id"`
	Scenario    string             `json:"scenario"`
	Timestamp   time.Time          `json:"timestamp"`
	Dt          float64            `json:"dt"`
	Duration    float64            `json:"duration"`
	Strategy    string             `json:"strategy"`
	Domains     []string           `json:"domains"`
	StepsTaken  int                `json:"steps_taken"`
	EnergyDrift float64            `json:"energy_drift"`
	Ledgers     []string           `json:"ledgers"`
	Metrics     map[string]float64 `json:"metrics"`
}

// StepRow is one line of steps.csv.
type StepRow struct {
	Step       int
	Start, End float64
	Strategy   string
	Iterations int
	Residual   float64
	Energy     float64
	Stable     bool
	Violations int
}

var stepHeader = []string{"step", "start", "end", "strategy", "iterations", "residual", "energy", "stable", "violations"}

func (s *Store) Save(meta RunMetadata, result *sim.RunResult, ledgers ...RecordSource) (string, error) {
	ts := s.now()
	if meta.ID == "" {
		meta.ID = fmt.Sprintf("%s_%d", meta.Scenario, ts.UnixNano())
	}
	if meta.Timestamp.IsZero() {
		meta.Timestamp = ts
	}
	runDir := filepath.Join(s.baseDir, meta.ID)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return "", err
	}

	meta.StepsTaken = result.StepsTaken
	meta.EnergyDrift = result.EnergyDrift
	meta.Metrics = result.Metrics
	meta.Ledgers = nil
	for _, l := range ledgers {
		meta.Ledgers = append(meta.Ledgers, l.Quantity())
	}

	if err := writeJSON(filepath.Join(runDir, "metadata.json"), meta); err != nil {
		return "", err
	}
	if err := writeSteps(filepath.Join(runDir, "steps.csv"), result); err != nil {
		return "", err
	}
	for _, l := range ledgers {
		if err := writeLedger(filepath.Join(runDir, ledgerFile(l.Quantity())), l.Records(0)); err != nil {
			return "", err
		}
	}
	return meta.ID, nil
}

func ledgerFile(quantity string) string {
	return "ledger_" + strings.ReplaceAll(quantity, "/", "_") + ".csv"
}

func writeJSON(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }

func writeSteps(path string, result *sim.RunResult) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(stepHeader); err != nil {
		return err
	}
	for i, res := range result.Steps {
		energy := 0.0
		if i+1 < len(result.Energy) {
			energy = result.Energy[i+1]
		}
		row := []string{
			strconv.Itoa(res.Step),
			formatFloat(res.Start),
			formatFloat(res.End),
			res.Strategy.String(),
			strconv.Itoa(res.Convergence.Iterations),
			formatFloat(res.Convergence.Residual()),
			formatFloat(energy),
			strconv.FormatBool(res.Stability.Stable),
			strconv.Itoa(len(res.Energy.Violations) + len(res.Momentum.Violations)),
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func writeLedger(path string, records []conservation.Record) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"step", "time", "kind", "subject", "values"}); err != nil {
		return err
	}
	for _, r := range records {
		vals := make([]string, len(r.Values))
		for i, v := range r.Values {
			vals[i] = formatFloat(v)
		}
		row := []string{strconv.Itoa(r.Step), formatFloat(r.Time), r.Kind, r.Subject, strings.Join(vals, " ")}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func (s *Store) List() ([]RunMetadata, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []RunMetadata{}, nil
		}
		return nil, err
	}

	runs := make([]RunMetadata, 0)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		meta, err := s.Load(entry.Name())
		if err != nil {
			continue
		}
		runs = append(runs, *meta)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].Timestamp.Before(runs[j].Timestamp) })
	return runs, nil
}

func (s *Store) Load(runID string) (*RunMetadata, error) {
	data, err := os.ReadFile(filepath.Join(s.baseDir, runID, "metadata.json"))
	if err != nil {
		return nil, err
	}

	var meta RunMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

func readCSV(path string) ([][]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	r := csv.NewReader(file)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) < 1 {
		return nil, nil
	}
	return records[1:], nil
}

func (s *Store) LoadSteps(runID string) ([]StepRow, error) {
	records, err := readCSV(filepath.Join(s.baseDir, runID, "steps.csv"))
	if err != nil {
		return nil, err
	}

	rows := make([]StepRow, 0, len(records))
	for i, rec := range records {
		if len(rec) != len(stepHeader) {
			return nil, fmt.Errorf("steps.csv line %d: expected %d columns, got %d", i+2, len(stepHeader), len(rec))
		}
		var row StepRow
		var errs [8]error
		row.Step, errs[0] = strconv.Atoi(rec[0])
		row.Start, errs[1] = strconv.ParseFloat(rec[1], 64)
		row.End, errs[2] = strconv.ParseFloat(rec[2], 64)
		row.Strategy = rec[3]
		row.Iterations, errs[3] = strconv.Atoi(rec[4])
		row.Residual, errs[4] = strconv.ParseFloat(rec[5], 64)
		row.Energy, errs[5] = strconv.ParseFloat(rec[6], 64)
		row.Stable, errs[6] = strconv.ParseBool(rec[7])
		row.Violations, errs[7] = strconv.Atoi(rec[8])
		for _, err := range errs {
			if err != nil {
				return nil, fmt.Errorf("steps.csv line %d: %w", i+2, err)
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// LoadLedger reads the persisted records of one quantity.
func (s *Store) LoadLedger(runID, quantity string) ([]conservation.Record, error) {
	records, err := readCSV(filepath.Join(s.baseDir, runID, ledgerFile(quantity)))
	if err != nil {
		return nil, err
	}

	out := make([]conservation.Record, 0, len(records))
	for i, rec := range records {
		if len(rec) != 5 {
			return nil, fmt.Errorf("ledger line %d: expected 5 columns, got %d", i+2, len(rec))
		}
		step, err := strconv.Atoi(rec[0])
		if err != nil {
			return nil, fmt.Errorf("ledger line %d: %w", i+2, err)
		}
		t, err := strconv.ParseFloat(rec[1], 64)
		if err != nil {
			return nil, fmt.Errorf("ledger line %d: %w", i+2, err)
		}
		r := conservation.Record{Quantity: quantity, Step: step, Time: t, Kind: rec[2], Subject: rec[3]}
		for _, f := range strings.Fields(rec[4]) {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, fmt.Errorf("ledger line %d: %w", i+2, err)
			}
			r.Values = append(r.Values, v)
		}
		out = append(out, r)
	}
	return out, nil
}
