// Package sqlite persists run ledgers in a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/san-kum/multiphys/internal/conservation"
)

// maxArity is the widest record the schema stores (a Vec3).
const maxArity = 3

type Store struct {
	db *sql.DB
}

// Run is one registered simulation run.
type Run struct {
	ID        string
	Scenario  string
	Strategy  string
	Dt        float64
	Duration  float64
	CreatedAt time.Time
}

// Open opens the database at path and applies migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) CreateRun(ctx context.Context, r Run) error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("run id is required")
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO runs (id, scenario, strategy, dt, duration, created_at)
VALUES (?, ?, ?, ?, ?, ?)
`, r.ID, r.Scenario, r.Strategy, r.Dt, r.Duration, r.CreatedAt.UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

func (s *Store) Runs(ctx context.Context) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, scenario, strategy, dt, duration, created_at
FROM runs
ORDER BY created_at, id
`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var created int64
		if err := rows.Scan(&r.ID, &r.Scenario, &r.Strategy, &r.Dt, &r.Duration, &created); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.CreatedAt = time.UnixMilli(created).UTC()
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Append stores ledger records for a run in one transaction.
func (s *Store) Append(ctx context.Context, runID string, records []conservation.Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO ledger_records (run_id, quantity, step, time, kind, subject, arity, v0, v1, v2)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare append: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if len(r.Values) > maxArity {
			_ = tx.Rollback()
			return fmt.Errorf("record %s/%s has %d values, at most %d supported", r.Quantity, r.Kind, len(r.Values), maxArity)
		}
		var v [maxArity]float64
		copy(v[:], r.Values)
		if _, err := stmt.ExecContext(ctx, runID, r.Quantity, r.Step, r.Time, r.Kind, r.Subject, len(r.Values), v[0], v[1], v[2]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("append record: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

// Records returns the stored records of one quantity in insertion order.
func (s *Store) Records(ctx context.Context, runID, quantity string) ([]conservation.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT step, time, kind, subject, arity, v0, v1, v2
FROM ledger_records
WHERE run_id = ? AND quantity = ?
ORDER BY id
`, runID, quantity)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var out []conservation.Record
	for rows.Next() {
		r := conservation.Record{Quantity: quantity}
		var arity int
		var v [maxArity]float64
		if err := rows.Scan(&r.Step, &r.Time, &r.Kind, &r.Subject, &arity, &v[0], &v[1], &v[2]); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		if arity > 0 {
			r.Values = append([]float64(nil), v[:arity]...)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Cumulative returns the latest cumulative correction of a quantity, or nil
// when the run has no entries yet.
func (s *Store) Cumulative(ctx context.Context, runID, quantity string) ([]float64, error) {
	var arity int
	var v [maxArity]float64
	err := s.db.QueryRowContext(ctx, `
SELECT arity, v0, v1, v2
FROM ledger_records
WHERE run_id = ? AND quantity = ? AND kind = ?
ORDER BY step DESC, id DESC
LIMIT 1
`, runID, quantity, conservation.RecordCumulative).Scan(&arity, &v[0], &v[1], &v[2])
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cumulative: %w", err)
	}
	return append([]float64(nil), v[:arity]...), nil
}
