// Package consumer implements the Stream Consumer Framework (spec.md
// §4.2): at-least-once delivery from a broker stream, batched
// asynchronous acknowledgment, and backpressure bounded by
// max_in_process.
package consumer

import (
	"context"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/withobsrvr/das-core/internal/broker"
	"github.com/withobsrvr/das-core/internal/logging"
	"github.com/withobsrvr/das-core/internal/metrics"
)

// metricsSampleInterval throttles hot-path batch-size sampling to once
// per 10 seconds (spec.md §4.2, grounded on
// original_source/nft_ingester/src/stream.rs's
// HOT_PATH_METRICS_SAMPLE_INTERVAL).
const metricsSampleInterval = 10 * time.Second

// Handler processes one record and returns the list of record ids to
// acknowledge. All handlers MUST be idempotent (spec.md §8).
type Handler func(ctx context.Context, rec broker.Record) ([]broker.ID, error)

// Config configures one Consumer.
type Config struct {
	Stream        string
	ConsumerGroup string
	Mode          broker.ConsumptionMode
	MaxInProcess  int64
	BatchSize     int
	PollInterval  time.Duration
}

// Consumer polls one stream, dispatches records to a Handler bounded by
// MaxInProcess concurrent handler invocations, and acknowledges
// completed ids via a dedicated async task sharing no other state
// (spec.md §4.2 and §5).
type Consumer struct {
	cfg Config
	b   broker.Broker
	h   Handler
	log *logging.ComponentLogger

	sem     *semaphore.Weighted
	ackChan chan broker.ID

	lastSample time.Time
}

// New constructs a Consumer. h is invoked once per delivered record.
func New(cfg Config, b broker.Broker, h Handler, log *logging.ComponentLogger) *Consumer {
	if cfg.MaxInProcess <= 0 {
		cfg.MaxInProcess = 16
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	return &Consumer{
		cfg:     cfg,
		b:       b,
		h:       h,
		log:     log,
		sem:     semaphore.NewWeighted(cfg.MaxInProcess),
		ackChan: make(chan broker.ID, 4*int(cfg.MaxInProcess)),
	}
}

// Run polls the stream and dispatches handlers until ctx is cancelled.
// On cancellation it stops polling and waits for in-flight handlers to
// drain before returning (spec.md §5 shutdown semantics).
func (c *Consumer) Run(ctx context.Context) error {
	sessionID := uuid.New().String()
	c.log.Info().Str("stream", c.cfg.Stream).Str("session_id", sessionID).Msg("consumer run starting")
	defer c.log.Info().Str("stream", c.cfg.Stream).Str("session_id", sessionID).Msg("consumer run stopped")

	ackDone := make(chan struct{})
	go func() {
		c.runAckLoop(ctx)
		close(ackDone)
	}()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.drain()
			<-ackDone
			return nil
		case <-ticker.C:
			c.pollOnce(ctx)
		}
	}
}

func (c *Consumer) pollOnce(ctx context.Context) {
	recs, err := c.b.XRead(ctx, c.cfg.Stream, c.cfg.ConsumerGroup, c.cfg.Mode, c.cfg.BatchSize)
	if err != nil {
		c.log.Error().Str("stream", c.cfg.Stream).Err(err).Msg("xread error")
		return
	}
	if len(recs) == 0 {
		return
	}

	metrics.ConsumerDeliveredTotal.WithLabelValues(c.cfg.Stream, modeLabel(c.cfg.Mode)).Add(float64(len(recs)))
	if time.Since(c.lastSample) >= metricsSampleInterval {
		metrics.ConsumerBatchSize.WithLabelValues(c.cfg.Stream).Set(float64(len(recs)))
		c.lastSample = time.Now()
	}

	for _, rec := range recs {
		rec := rec
		if err := c.sem.Acquire(ctx, 1); err != nil {
			return // ctx cancelled while waiting for backpressure to clear.
		}
		go func() {
			defer c.sem.Release(1)
			c.dispatch(ctx, rec)
		}()
	}
}

func (c *Consumer) dispatch(ctx context.Context, rec broker.Record) {
	start := time.Now()
	ids, err := c.h(ctx, rec)
	if err != nil {
		c.log.Warn().Str("stream", c.cfg.Stream).Err(err).Msg("handler error")
		return
	}
	if rec.Tries == 0 {
		metrics.ConsumerLatencySeconds.WithLabelValues(c.cfg.Stream).Observe(time.Since(start).Seconds())
	} else {
		metrics.ConsumerRedeliveredTotal.WithLabelValues(c.cfg.Stream).Inc()
	}
	for _, id := range ids {
		select {
		case c.ackChan <- id:
		case <-ctx.Done():
			return
		}
	}
}

// drain waits for every in-flight handler to finish by acquiring the
// full semaphore weight (spec.md §5: "wait for the in-flight handler
// set to empty before exiting").
func (c *Consumer) drain() {
	_ = c.sem.Acquire(context.Background(), c.cfg.MaxInProcess)
}

// runAckLoop batches acknowledgments and flushes them asynchronously,
// sharing no state with the poll/dispatch path besides the channel
// (spec.md §4.2: "a dedicated sub-task that shares no other state").
func (c *Consumer) runAckLoop(ctx context.Context) {
	var batch []broker.ID
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := c.b.XAck(context.Background(), c.cfg.Stream, c.cfg.ConsumerGroup, batch); err != nil {
			c.log.Error().Str("stream", c.cfg.Stream).Err(err).Msg("ack error")
		} else {
			metrics.ConsumerAckedTotal.WithLabelValues(c.cfg.Stream).Add(float64(len(batch)))
		}
		batch = nil
	}

	for {
		select {
		case id, ok := <-c.ackChan:
			if !ok {
				flush()
				return
			}
			batch = append(batch, id)
			if len(batch) >= c.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			// Drain whatever has already been queued, then exit. This
			// runs concurrently with Run's drain(): a handler that
			// finishes after this point does not have its ids acked,
			// and those records stay pending for redelivery.
			for {
				select {
				case id := <-c.ackChan:
					batch = append(batch, id)
				default:
					flush()
					return
				}
			}
		}
	}
}

func modeLabel(m broker.ConsumptionMode) string {
	switch m {
	case broker.All:
		return "all"
	case broker.New:
		return "new"
	case broker.Redeliver:
		return "redeliver"
	default:
		return "unknown"
	}
}
