package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/san-kum/multiphys/internal/config"
	"github.com/san-kum/multiphys/internal/sim"
	"github.com/san-kum/multiphys/internal/storage"
	"github.com/san-kum/multiphys/internal/storage/redisledger"
	"github.com/san-kum/multiphys/internal/storage/sqlite"
)

// openSinks connects the ledger mirrors named by the environment. The
// returned close func is always safe to call.
func openSinks(ctx context.Context, env config.Env, runID string, cfg *config.Config) ([]storage.Sink, func(), error) {
	var (
		sinks   []storage.Sink
		closers []func() error
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
	}

	if env.SQLitePath != "" {
		db, err := sqlite.Open(ctx, env.SQLitePath)
		if err != nil {
			return nil, closeAll, err
		}
		closers = append(closers, db.Close)
		err = db.CreateRun(ctx, sqlite.Run{
			ID:        runID,
			Scenario:  cfg.Name,
			Strategy:  cfg.Coupling.Strategy,
			Dt:        cfg.Dt,
			Duration:  cfg.Duration,
			CreatedAt: time.Now(),
		})
		if err != nil {
			closeAll()
			return nil, func() {}, err
		}
		sinks = append(sinks, db)
	}

	if env.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: env.RedisAddr})
		closers = append(closers, rdb.Close)
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := rdb.Ping(pctx).Err()
		cancel()
		if err != nil {
			closeAll()
			return nil, func() {}, fmt.Errorf("redis %s: %w", env.RedisAddr, err)
		}
		sinks = append(sinks, redisledger.New(rdb, redisledger.WithPrefix(env.RedisPrefix)))
	}
	return sinks, closeAll, nil
}

func ledgerSources(m *sim.Manager) []storage.LedgerSource {
	out := []storage.LedgerSource{m.EnergyLedger(), m.MomentumLedger()}
	for _, l := range m.LawLedgers() {
		out = append(out, l)
	}
	return out
}

// throttledWriter drops writes beyond perSecond lines a second so that
// per-iteration logging cannot dominate a run.
type throttledWriter struct {
	w       io.Writer
	limiter *rate.Limiter
	dropped int
}

func newThrottledWriter(w io.Writer, perSecond float64) *throttledWriter {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	return &throttledWriter{w: w, limiter: rate.NewLimiter(limit, 1)}
}

func (t *throttledWriter) Write(p []byte) (int, error) {
	if !t.limiter.Allow() {
		t.dropped++
		return len(p), nil
	}
	if t.dropped > 0 {
		fmt.Fprintf(t.w, "(%d lines dropped)\n", t.dropped)
		t.dropped = 0
	}
	return t.w.Write(p)
}
