package broker

import (
	"context"
	"testing"
)

func TestXAddXReadNewThenAck(t *testing.T) {
	ctx := context.Background()
	b := NewMemory()

	if _, err := b.XAdd(ctx, "ACCOUNTS", 100, map[string][]byte{"data": []byte("a")}); err != nil {
		t.Fatalf("XAdd: %v", err)
	}
	if _, err := b.XAdd(ctx, "ACCOUNTS", 100, map[string][]byte{"data": []byte("b")}); err != nil {
		t.Fatalf("XAdd: %v", err)
	}

	recs, err := b.XRead(ctx, "ACCOUNTS", "consumer1", New, 10)
	if err != nil {
		t.Fatalf("XRead: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	for _, r := range recs {
		if r.Tries != 0 {
			t.Errorf("expected Tries=0 on first delivery, got %d", r.Tries)
		}
	}

	// A second New read should return nothing new.
	recs2, err := b.XRead(ctx, "ACCOUNTS", "consumer1", New, 10)
	if err != nil {
		t.Fatalf("XRead: %v", err)
	}
	if len(recs2) != 0 {
		t.Fatalf("expected no new records, got %d", len(recs2))
	}

	ids := []ID{recs[0].ID, recs[1].ID}
	if err := b.XAck(ctx, "ACCOUNTS", "consumer1", ids); err != nil {
		t.Fatalf("XAck: %v", err)
	}

	redelivered, err := b.XRead(ctx, "ACCOUNTS", "consumer1", Redeliver, 10)
	if err != nil {
		t.Fatalf("XRead redeliver: %v", err)
	}
	if len(redelivered) != 0 {
		t.Fatalf("expected no redelivered records after ack, got %d", len(redelivered))
	}
}

func TestXReadRedeliverIncrementsTries(t *testing.T) {
	ctx := context.Background()
	b := NewMemory()
	b.XAdd(ctx, "TRANSACTIONS", 100, map[string][]byte{"data": []byte("x")})

	first, _ := b.XRead(ctx, "TRANSACTIONS", "g1", New, 10)
	if len(first) != 1 || first[0].Tries != 0 {
		t.Fatalf("unexpected first delivery: %+v", first)
	}

	redeliver1, _ := b.XRead(ctx, "TRANSACTIONS", "g1", Redeliver, 10)
	if len(redeliver1) != 1 || redeliver1[0].Tries != 1 {
		t.Fatalf("expected tries=1 on first redeliver, got %+v", redeliver1)
	}

	redeliver2, _ := b.XRead(ctx, "TRANSACTIONS", "g1", Redeliver, 10)
	if len(redeliver2) != 1 || redeliver2[0].Tries != 2 {
		t.Fatalf("expected tries=2 on second redeliver, got %+v", redeliver2)
	}
}

func TestXLenAndApproxCap(t *testing.T) {
	ctx := context.Background()
	b := NewMemory()
	for i := 0; i < 5; i++ {
		b.XAdd(ctx, "ACCOUNTS", 3, map[string][]byte{"data": []byte{byte(i)}})
	}
	n, err := b.XLen(ctx, "ACCOUNTS")
	if err != nil {
		t.Fatalf("XLen: %v", err)
	}
	if n > 3 {
		t.Fatalf("expected trimming to bound length to 3, got %d", n)
	}
}

func TestXAckUnknownStream(t *testing.T) {
	b := NewMemory()
	if err := b.XAck(context.Background(), "NOPE", "g", []ID{"0-0"}); err != ErrUnknownStream {
		t.Fatalf("expected ErrUnknownStream, got %v", err)
	}
}
