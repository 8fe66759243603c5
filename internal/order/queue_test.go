package order

import (
	"context"
	"testing"
	"time"
)

func TestQueueBackpressure(t *testing.T) {
	q := NewQueue(2)
	defer q.Close()

	if !q.TryEnqueue(Order{ID: "a", Qty: 1, Price: 100}) {
		t.Fatal("first enqueue should fit")
	}
	if !q.TryEnqueue(Order{ID: "b", Qty: 2, Price: 50}) {
		t.Fatal("second enqueue should fit")
	}
	if q.TryEnqueue(Order{ID: "c", Qty: 1, Price: 1}) {
		t.Fatal("full queue must reject, not block")
	}
	if got := q.Len(); got != 2 {
		t.Fatalf("len: %d", got)
	}
	if got := q.PendingNotional(); got != 200 {
		t.Fatalf("pending notional: %v", got)
	}
}

func TestQueueDrainConsumesAndStops(t *testing.T) {
	q := NewQueue(4)
	q.TryEnqueue(Order{ID: "a", Qty: 1, Price: 100})
	q.TryEnqueue(Order{ID: "b", Qty: 1, Price: 100})
	q.Close()

	var got []string
	q.Drain(context.Background(), func(o Order) { got = append(got, o.ID) })
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("drained: %v", got)
	}
	if q.PendingNotional() != 0 {
		t.Fatalf("notional after drain: %v", q.PendingNotional())
	}
}

func TestQueueDrainHonorsContext(t *testing.T) {
	q := NewQueue(4)
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Drain(ctx, func(Order) {})
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("drain did not stop on cancel")
	}
}

func TestQueueCloseStopsIntake(t *testing.T) {
	q := NewQueue(4)
	q.Close()
	if q.TryEnqueue(Order{ID: "a", Qty: 1, Price: 1}) {
		t.Fatal("closed queue accepted an order")
	}
	q.Close() // second close is harmless
}
