package audit

import (
	"context"
	"testing"
	"time"
)

func TestMemoryLogRecentOrdersNewestFirst(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()

	base := time.Now()
	for i, svc := range []string{"Echo", "Echo", "Adder"} {
		rec := CallRecord{
			Service:   svc,
			Method:    "M",
			Outcome:   "ok",
			StartedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := log.Record(ctx, rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	recent, err := log.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("len(recent) = %d, want 2", len(recent))
	}
	if recent[0].Service != "Adder" || recent[1].Service != "Echo" {
		t.Fatalf("unexpected order: %+v", recent)
	}
}

func TestMemoryLogRecentCapsAtAvailableCount(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()

	if err := log.Record(ctx, CallRecord{Service: "Echo", Method: "Ping", Outcome: "ok"}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	recent, err := log.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 1 {
		t.Fatalf("len(recent) = %d, want 1", len(recent))
	}
}

var _ Log = (*MemoryLog)(nil)
var _ Log = (*PostgresLog)(nil)
