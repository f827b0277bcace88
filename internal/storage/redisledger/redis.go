// Package redisledger mirrors run ledgers into Redis lists so other
// processes can follow a run while it is stepping.
package redisledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/san-kum/multiphys/internal/conservation"
)

type Store struct {
	rdb    *redis.Client
	prefix string
	// ttl applies to every key of a run; zero keeps them forever.
	ttl time.Duration
}

type Option func(*Store)

func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = strings.Trim(prefix, ":") }
}

func WithTTL(d time.Duration) Option {
	return func(s *Store) { s.ttl = d }
}

func New(rdb *redis.Client, opts ...Option) *Store {
	s := &Store{rdb: rdb, prefix: "mphys", ttl: 24 * time.Hour}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type record struct {
	Step    int       `json:"step"`
	Time    float64   `json:"t"`
	Kind    string    `json:"kind"`
	Subject string    `json:"subject,omitempty"`
	Values  []float64 `json:"v,omitempty"`
}

func (s *Store) ledgerKey(runID, quantity string) string {
	return fmt.Sprintf("%s:run:%s:ledger:%s", s.prefix, runID, quantity)
}

func (s *Store) countsKey(runID string) string {
	return fmt.Sprintf("%s:run:%s:counts", s.prefix, runID)
}

// Append pushes records onto the per-quantity lists of the run and counts
// them by kind. A nil store or client is a no-op.
func (s *Store) Append(ctx context.Context, runID string, records []conservation.Record) error {
	if s == nil || s.rdb == nil || len(records) == 0 {
		return nil
	}

	pipe := s.rdb.Pipeline()
	touched := make(map[string]bool)
	for _, r := range records {
		data, err := json.Marshal(record{Step: r.Step, Time: r.Time, Kind: r.Kind, Subject: r.Subject, Values: r.Values})
		if err != nil {
			return err
		}
		key := s.ledgerKey(runID, r.Quantity)
		pipe.RPush(ctx, key, data)
		pipe.HIncrBy(ctx, s.countsKey(runID), r.Quantity+":"+r.Kind, 1)
		touched[key] = true
	}
	if s.ttl > 0 {
		touched[s.countsKey(runID)] = true
		for key := range touched {
			pipe.Expire(ctx, key, s.ttl)
		}
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Records reads back the mirrored records of one quantity.
func (s *Store) Records(ctx context.Context, runID, quantity string) ([]conservation.Record, error) {
	if s == nil || s.rdb == nil {
		return nil, nil
	}
	raw, err := s.rdb.LRange(ctx, s.ledgerKey(runID, quantity), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]conservation.Record, 0, len(raw))
	for _, item := range raw {
		var r record
		if err := json.Unmarshal([]byte(item), &r); err != nil {
			return nil, fmt.Errorf("decode ledger record: %w", err)
		}
		out = append(out, conservation.Record{Quantity: quantity, Step: r.Step, Time: r.Time, Kind: r.Kind, Subject: r.Subject, Values: r.Values})
	}
	return out, nil
}

// Counts returns how many records of each quantity:kind were mirrored.
func (s *Store) Counts(ctx context.Context, runID string) (map[string]int64, error) {
	if s == nil || s.rdb == nil {
		return map[string]int64{}, nil
	}
	raw, err := s.rdb.HGetAll(ctx, s.countsKey(runID)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(raw))
	for k, v := range raw {
		var n int64
		if _, err := fmt.Sscan(v, &n); err != nil {
			return nil, fmt.Errorf("count %s: %w", k, err)
		}
		out[k] = n
	}
	return out, nil
}
