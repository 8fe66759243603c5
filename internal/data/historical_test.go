package data

import (
	"context"
	"testing"
	"time"

	"signal-engine/internal/indicators"
	"signal-engine/pkg/db"
)

func newTestDB(t *testing.T) *db.Database {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	return database
}

func TestDBSourceRangeAndBefore(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 10; i++ {
		tick := db.Tick{Symbol: "BTCUSDT", Ts: base.Add(time.Duration(i) * time.Minute), Price: float64(100 + i), Volume: 10}
		if err := database.InsertTick(ctx, tick); err != nil {
			t.Fatalf("insert tick: %v", err)
		}
	}

	src := NewDBSource(database)
	got, err := src.Range(ctx, "BTCUSDT", base.Add(2*time.Minute), base.Add(5*time.Minute))
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("range [2m,5m) should hold 3 samples, got %d", len(got))
	}
	if got[0].Price != 102 || got[2].Price != 104 {
		t.Fatalf("range bounds wrong: first=%v last=%v", got[0].Price, got[2].Price)
	}

	prior, ok, err := src.Before(ctx, "BTCUSDT", base.Add(2*time.Minute))
	if err != nil || !ok {
		t.Fatalf("before: ok=%v err=%v", ok, err)
	}
	if prior.Price != 101 {
		t.Fatalf("before should be the 1m sample, got %v", prior.Price)
	}

	_, ok, err = src.Before(ctx, "BTCUSDT", base)
	if err != nil {
		t.Fatalf("before first: %v", err)
	}
	if ok {
		t.Fatal("nothing exists before the first sample")
	}
}

func TestSyntheticSourceIsDeterministicPerSymbol(t *testing.T) {
	src := NewSyntheticSource(time.Second)
	ctx := context.Background()
	from := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(30 * time.Second)

	a, err := src.Range(ctx, "BTCUSDT", from, to)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	b, err := src.Range(ctx, "BTCUSDT", from, to)
	if err != nil {
		t.Fatalf("range again: %v", err)
	}
	if len(a) != 30 || len(b) != 30 {
		t.Fatalf("expected 30 samples, got %d and %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("same symbol diverged at %d", i)
		}
	}

	c, err := src.Range(ctx, "ETHUSDT", from, to)
	if err != nil {
		t.Fatalf("range eth: %v", err)
	}
	if a[0].Price == c[0].Price && a[1].Price == c[1].Price {
		t.Fatal("different symbols should walk differently")
	}
}

func TestReplayIncludesPriorSample(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		tick := db.Tick{Symbol: "BTCUSDT", Ts: base.Add(time.Duration(i) * time.Minute), Price: float64(100 + i), Volume: 1}
		if err := database.InsertTick(ctx, tick); err != nil {
			t.Fatalf("insert tick: %v", err)
		}
	}

	var seen []indicators.Sample
	n, err := Replay(ctx, NewDBSource(database), "BTCUSDT", base.Add(2*time.Minute), base.Add(5*time.Minute),
		func(s indicators.Sample) { seen = append(seen, s) })
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if n != 4 || len(seen) != 4 {
		t.Fatalf("expected 3 window samples + 1 prior, got %d", n)
	}
	if seen[0].Price != 101 {
		t.Fatalf("first replayed sample should be the warm-up one, got %v", seen[0].Price)
	}
	for i := 1; i < len(seen); i++ {
		if seen[i].Ts.Before(seen[i-1].Ts) {
			t.Fatal("replay out of order")
		}
	}
}
