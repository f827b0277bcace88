package redisledger

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/san-kum/multiphys/internal/conservation"
)

func TestNilStoreIsNoop(t *testing.T) {
	var s *Store
	ctx := context.Background()
	if err := s.Append(ctx, "run", []conservation.Record{{Quantity: "energy"}}); err != nil {
		t.Fatalf("append on nil store: %v", err)
	}
	if got, err := s.Records(ctx, "run", "energy"); err != nil || got != nil {
		t.Fatalf("records on nil store = %v, %v", got, err)
	}

	s = New(nil)
	if err := s.Append(ctx, "run", []conservation.Record{{Quantity: "energy"}}); err != nil {
		t.Fatalf("append without client: %v", err)
	}
}

func TestKeys(t *testing.T) {
	s := New(nil, WithPrefix(":lab:"))
	if got := s.ledgerKey("r1", "energy"); got != "lab:run:r1:ledger:energy" {
		t.Fatalf("ledgerKey = %q", got)
	}
	if got := s.countsKey("r1"); got != "lab:run:r1:counts" {
		t.Fatalf("countsKey = %q", got)
	}
}

// TestRoundTrip needs a live server at MPHYS_TEST_REDIS_ADDR.
func TestRoundTrip(t *testing.T) {
	addr := os.Getenv("MPHYS_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("MPHYS_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}

	runID := "test-" + time.Now().UTC().Format("20060102150405.000000000")
	s := New(rdb, WithPrefix("mphys-test"), WithTTL(time.Minute))
	records := []conservation.Record{
		{Quantity: "energy", Step: 0, Kind: conservation.RecordInitial, Subject: "hot", Values: []float64{400}},
		{Quantity: "energy", Step: 1, Time: 0.05, Kind: conservation.RecordCumulative, Values: []float64{0}},
		{Quantity: "momentum", Step: 1, Time: 0.05, Kind: conservation.RecordSystem, Values: []float64{1, 0, 0}},
	}
	if err := s.Append(ctx, runID, records); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := s.Records(ctx, runID, "energy")
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	if len(got) != 2 || got[0].Subject != "hot" || got[0].Values[0] != 400 {
		t.Fatalf("records = %+v", got)
	}
	counts, err := s.Counts(ctx, runID)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts["momentum:"+conservation.RecordSystem] != 1 {
		t.Fatalf("counts = %v", counts)
	}
}
