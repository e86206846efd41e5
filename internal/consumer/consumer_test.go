package consumer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/withobsrvr/das-core/internal/broker"
	"github.com/withobsrvr/das-core/internal/logging"
)

func TestConsumerDeliversAndAcks(t *testing.T) {
	ctx := context.Background()
	b := broker.NewMemory()
	for i := 0; i < 5; i++ {
		if _, err := b.XAdd(ctx, "ACCOUNTS", 1000, map[string][]byte{"data": {byte(i)}}); err != nil {
			t.Fatalf("XAdd: %v", err)
		}
	}

	var mu sync.Mutex
	var seen []broker.ID

	handler := func(_ context.Context, rec broker.Record) ([]broker.ID, error) {
		mu.Lock()
		seen = append(seen, rec.ID)
		mu.Unlock()
		return []broker.ID{rec.ID}, nil
	}

	log := logging.NewComponentLogger("consumer-test", "test")
	c := New(Config{
		Stream:        "ACCOUNTS",
		ConsumerGroup: "g1",
		Mode:          broker.New,
		MaxInProcess:  2,
		BatchSize:     10,
		PollInterval:  5 * time.Millisecond,
	}, b, handler, log)

	runCtx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	done := make(chan struct{})
	go func() {
		c.Run(runCtx)
		close(done)
	}()
	<-done

	mu.Lock()
	n := len(seen)
	mu.Unlock()
	if n != 5 {
		t.Fatalf("handler saw %d records, want 5", n)
	}

	pending, err := b.XRead(ctx, "ACCOUNTS", "g1", broker.Redeliver, 10)
	if err != nil {
		t.Fatalf("XRead: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("%d records still unacknowledged after run, want 0", len(pending))
	}
}

func TestBackpressureCapsInFlight(t *testing.T) {
	ctx := context.Background()
	b := broker.NewMemory()
	for i := 0; i < 4; i++ {
		b.XAdd(ctx, "TRANSACTIONS", 1000, map[string][]byte{"data": {byte(i)}})
	}

	var mu sync.Mutex
	inFlight := 0
	maxObserved := 0
	block := make(chan struct{})

	handler := func(_ context.Context, rec broker.Record) ([]broker.ID, error) {
		mu.Lock()
		inFlight++
		if inFlight > maxObserved {
			maxObserved = inFlight
		}
		mu.Unlock()

		<-block

		mu.Lock()
		inFlight--
		mu.Unlock()
		return []broker.ID{rec.ID}, nil
	}

	log := logging.NewComponentLogger("consumer-test", "test")
	c := New(Config{
		Stream:        "TRANSACTIONS",
		ConsumerGroup: "g1",
		Mode:          broker.New,
		MaxInProcess:  1,
		BatchSize:     10,
		PollInterval:  5 * time.Millisecond,
	}, b, handler, log)

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(runCtx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	close(block)
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if maxObserved > 1 {
		t.Fatalf("observed %d concurrent handlers, want at most 1 (MaxInProcess)", maxObserved)
	}
}
