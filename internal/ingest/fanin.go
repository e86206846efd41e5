// Package ingest implements the Ingest Fan-In stage (spec.md §4.1):
// multiple upstream endpoints converge on one bounded queue, duplicate
// account/transaction updates are suppressed by a dedup cache, and
// accepted records are batched into the ACCOUNTS/TRANSACTIONS/TXN_CACHE
// streams.
package ingest

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/errgroup"

	"github.com/withobsrvr/das-core/internal/broker"
	"github.com/withobsrvr/das-core/internal/logging"
	"github.com/withobsrvr/das-core/internal/metrics"
	"github.com/withobsrvr/das-core/internal/upstream"
)

// sweepInterval sets the pending-map sweep cadence: runFlusher checks
// for entries older than pendingHoldDuration every sweepInterval/10
// (one second), so a held transaction is drained within about a second
// of reaching that age.
const sweepInterval = 10 * time.Second

// pendingHoldDuration is how long a transaction waits in the pending map
// for a richer delivery before being drained (spec.md §4.1).
const pendingHoldDuration = 10 * time.Second

// maxEndpointRetries bounds per-endpoint subscription retries (spec.md §4.1).
const maxEndpointRetries = 10

// Config is the subset of internal/config.Config the Fan-In stage needs.
type Config struct {
	Endpoints                []string
	GRPCXToken               string
	UpdateMessageBufferSize  int
	SeenEventCacheMaxSize    int
	PipelineMaxSize          int
	PipelineMaxIdle          time.Duration
	AccountsStreamName       string
	TransactionsStreamName   string
	TXNCacheStreamName       string
	AccountsStreamMaxLen     int64
	TransactionsStreamMaxLen int64
	TXNCacheStreamMaxLen     int64
}

type taggedUpdate struct {
	endpointIdx int
	update      upstream.Update
}

type pendingTxn struct {
	endpointIdx int
	firstSeen   time.Time
	payload     upstream.TransactionUpdate
}

// FanIn runs one goroutine per upstream endpoint plus a single flusher
// goroutine that owns the dedup cache, the pending map, and the pipeline
// batch accumulators (spec.md §5: "owned by the flusher task — no
// locking needed").
type FanIn struct {
	cfg    Config
	dialer upstream.Dialer
	b      broker.Broker
	log    *logging.ComponentLogger

	queue chan taggedUpdate

	dedup   *lru.Cache
	pending map[string]pendingTxn

	accountsBatch []map[string][]byte
	txnBatch      []map[string][]byte
	txnCacheBatch []map[string][]byte
	lastFlush     time.Time
}

// New constructs a Fan-In stage. dialer.Dial is called once per
// configured endpoint when Run starts.
func New(cfg Config, dialer upstream.Dialer, b broker.Broker, log *logging.ComponentLogger) (*FanIn, error) {
	cacheSize := cfg.SeenEventCacheMaxSize
	if cacheSize <= 0 {
		cacheSize = 1_000_000
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("ingest: create dedup cache: %w", err)
	}
	bufSize := cfg.UpdateMessageBufferSize
	if bufSize <= 0 {
		bufSize = 1000
	}
	return &FanIn{
		cfg:       cfg,
		dialer:    dialer,
		b:         b,
		log:       log,
		queue:     make(chan taggedUpdate, bufSize),
		dedup:     cache,
		pending:   make(map[string]pendingTxn),
		lastFlush: time.Now(),
	}, nil
}

// Run starts one subscription worker per endpoint and the flusher, and
// blocks until ctx is cancelled, at which point it drains: the flusher
// flushes one last pipeline before returning (spec.md §5 shutdown).
func (f *FanIn) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for idx, endpoint := range f.cfg.Endpoints {
		idx, endpoint := idx, endpoint
		g.Go(func() error {
			f.runEndpoint(gctx, idx, endpoint)
			return nil
		})
	}

	g.Go(func() error {
		f.runFlusher(ctx)
		return nil
	})

	return g.Wait()
}

// runEndpoint subscribes to one endpoint, retrying with bounded backoff
// on error up to maxEndpointRetries attempts before giving up on this
// endpoint while the others continue (spec.md §4.1).
func (f *FanIn) runEndpoint(ctx context.Context, idx int, endpoint string) {
	bo := newEndpointBackoff()
	attempts := 0

	retry := func(err error) bool {
		attempts++
		metrics.EndpointRetriesTotal.WithLabelValues(endpoint).Inc()
		if attempts >= maxEndpointRetries {
			metrics.EndpointLostTotal.WithLabelValues(endpoint).Inc()
			f.log.Error().Str("endpoint", endpoint).Err(err).Msg("endpoint lost after max retries")
			return false
		}
		time.Sleep(bo.NextBackOff())
		return true
	}

	for {
		if ctx.Err() != nil {
			return
		}
		sub, err := f.dialer.Dial(ctx, endpoint, f.cfg.GRPCXToken)
		if err != nil {
			if !retry(err) {
				return
			}
			continue
		}

		bo.Reset()
		attempts = 0
		for {
			u, err := sub.Recv(ctx)
			if err != nil {
				sub.Close()
				if ctx.Err() != nil {
					return
				}
				if !retry(err) {
					return
				}
				break
			}
			bo.Reset()
			attempts = 0
			select {
			case f.queue <- taggedUpdate{endpointIdx: idx, update: u}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func newEndpointBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0 // bounded by maxEndpointRetries, not elapsed time
	return b
}

// runFlusher owns the dedup cache, pending map, and batch accumulators
// exclusively; it is the only goroutine that touches them.
func (f *FanIn) runFlusher(ctx context.Context) {
	sweepTicker := time.NewTicker(sweepInterval / 10)
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			f.flushPipeline(context.Background())
			return
		case tu := <-f.queue:
			f.handleUpdate(ctx, tu)
			f.maybeFlush(ctx)
		case <-sweepTicker.C:
			f.sweepPending(ctx)
			f.maybeFlush(ctx)
		}
	}
}

func (f *FanIn) handleUpdate(ctx context.Context, tu taggedUpdate) {
	switch tu.update.Kind {
	case upstream.KindAccount:
		f.handleAccount(tu.update.Account)
	case upstream.KindTransaction:
		f.handleTransaction(ctx, tu.endpointIdx, tu.update.Transaction)
	default:
		// other kinds ignored per spec.md §6.
	}
}

func accountFingerprint(slot uint64, pubkey [32]byte) string {
	var buf [40]byte
	binary.LittleEndian.PutUint64(buf[:8], slot)
	copy(buf[8:], pubkey[:])
	return string(buf[:])
}

func (f *FanIn) handleAccount(a *upstream.AccountUpdate) {
	if a == nil {
		return
	}
	fp := accountFingerprint(a.Slot, [32]byte(a.Pubkey))
	if _, hit := f.dedup.Get(fp); hit {
		metrics.DedupHitsTotal.WithLabelValues("account").Inc()
		return
	}
	f.dedup.Add(fp, struct{}{})

	fields := map[string][]byte{
		"data":   a.Data,
		"pubkey": a.Pubkey[:],
		"owner":  a.Owner[:],
	}
	var slotBuf [8]byte
	binary.LittleEndian.PutUint64(slotBuf[:], a.Slot)
	fields["slot"] = slotBuf[:]
	f.accountsBatch = append(f.accountsBatch, fields)
	metrics.RecordsIngestedTotal.WithLabelValues("account", "account").Inc()
}

func (f *FanIn) handleTransaction(_ context.Context, endpointIdx int, t *upstream.TransactionUpdate) {
	if t == nil {
		return
	}
	if !t.Envelope.MetaPresent || t.Envelope.MetaFailed {
		return // filtering per spec.md §4.1.
	}
	sig := t.Envelope.Signature
	if _, hit := f.dedup.Get(sig); hit {
		metrics.DedupHitsTotal.WithLabelValues("transaction").Inc()
		return
	}

	// Later deliveries replace earlier ones but keep the original
	// first-seen time, per spec.md §9's resolution of the pending-map
	// open question.
	existing, had := f.pending[sig]
	firstSeen := time.Now()
	if had {
		firstSeen = existing.firstSeen
	}
	f.pending[sig] = pendingTxn{
		endpointIdx: endpointIdx,
		firstSeen:   firstSeen,
		payload:     *t,
	}
}

// sweepPending drains pending transactions older than pendingHoldDuration:
// persists them, promotes the fingerprint to the dedup cache, and
// removes them from the pending map (spec.md §4.1).
func (f *FanIn) sweepPending(_ context.Context) {
	now := time.Now()
	for sig, p := range f.pending {
		if now.Sub(p.firstSeen) < pendingHoldDuration {
			continue
		}
		delete(f.pending, sig)
		f.dedup.Add(sig, struct{}{})

		var endpointBuf [4]byte
		binary.LittleEndian.PutUint32(endpointBuf[:], uint32(p.endpointIdx))

		var slotBuf [8]byte
		binary.LittleEndian.PutUint64(slotBuf[:], p.payload.Slot)

		envelope, err := json.Marshal(p.payload.Envelope)
		if err != nil {
			f.log.Error().Str("signature", sig).Err(err).Msg("marshal transaction envelope")
			continue
		}

		txnFields := map[string][]byte{
			"signature": []byte(sig),
			"slot":      append([]byte(nil), slotBuf[:]...),
			"envelope":  envelope,
		}
		f.txnBatch = append(f.txnBatch, txnFields)

		cacheFields := map[string][]byte{
			"endpoint":  append([]byte(nil), endpointBuf[:]...),
			"signature": []byte(sig),
			"slot":      append([]byte(nil), slotBuf[:]...),
		}
		f.txnCacheBatch = append(f.txnCacheBatch, cacheFields)

		metrics.RecordsIngestedTotal.WithLabelValues("transaction", "transaction").Inc()
	}
}

func (f *FanIn) maybeFlush(ctx context.Context) {
	size := len(f.accountsBatch) + len(f.txnBatch) + len(f.txnCacheBatch)
	idleElapsed := time.Since(f.lastFlush) >= f.cfg.PipelineMaxIdle
	if size == 0 {
		return
	}
	if size >= f.cfg.PipelineMaxSize || idleElapsed {
		f.flushPipeline(ctx)
	}
}

// flushPipeline appends every batched record to its stream. The pipeline
// is always replaced after an attempt regardless of outcome (spec.md
// §4.1: "no retry of the same batch").
func (f *FanIn) flushPipeline(ctx context.Context) {
	f.flushBatch(ctx, f.cfg.AccountsStreamName, f.cfg.AccountsStreamMaxLen, f.accountsBatch)
	f.flushBatch(ctx, f.cfg.TransactionsStreamName, f.cfg.TransactionsStreamMaxLen, f.txnBatch)
	f.flushBatch(ctx, f.cfg.TXNCacheStreamName, f.cfg.TXNCacheStreamMaxLen, f.txnCacheBatch)

	f.accountsBatch = nil
	f.txnBatch = nil
	f.txnCacheBatch = nil
	f.lastFlush = time.Now()
}

func (f *FanIn) flushBatch(ctx context.Context, stream string, maxLen int64, batch []map[string][]byte) {
	for _, fields := range batch {
		if _, err := f.b.XAdd(ctx, stream, maxLen, fields); err != nil {
			metrics.PipelineFlushErrorsTotal.WithLabelValues(stream).Inc()
			f.log.Error().Str("stream", stream).Err(err).Msg("pipeline flush error")
			continue
		}
		metrics.PipelineFlushedTotal.WithLabelValues(stream).Inc()
	}
}

