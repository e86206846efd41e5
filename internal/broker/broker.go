// Package broker defines the abstract append-only capped stream that
// stage (1) writes to and stage (2) reads from (spec.md §6). The broker
// is explicitly out of scope as a concrete technology; only the
// interface and an in-memory reference implementation live here — see
// DESIGN.md.
package broker

import (
	"context"
	"errors"
)

// ConsumptionMode selects which records a Read call returns.
type ConsumptionMode int

const (
	// All delivers every message, including previously delivered but
	// unacknowledged ones.
	All ConsumptionMode = iota
	// New delivers only messages not yet attempted.
	New
	// Redeliver delivers only previously-attempted, unacknowledged messages.
	Redeliver
)

// ID identifies one record within a stream, monotonically increasing.
type ID string

// Record is one entry appended to a stream.
type Record struct {
	ID     ID
	Fields map[string][]byte
	// Tries counts prior delivery attempts for this record to this
	// consumer group (spec.md §4.2's retry counter).
	Tries int
}

var ErrUnknownStream = errors.New("broker: unknown stream")

// Broker is the abstract append-only, approximately-capped stream store
// (spec.md §6): xadd/xrange/xread/xack/xlen.
type Broker interface {
	// XAdd appends fields to stream, trimming to approximately maxLen,
	// and returns the assigned record id.
	XAdd(ctx context.Context, stream string, maxLen int64, fields map[string][]byte) (ID, error)
	// XRange reads records with id in [start, end] (inclusive), in id order.
	XRange(ctx context.Context, stream string, start, end ID) ([]Record, error)
	// XRead reads the next batch of records for consumerGroup under mode.
	XRead(ctx context.Context, stream, consumerGroup string, mode ConsumptionMode, count int) ([]Record, error)
	// XAck acknowledges ids for consumerGroup, removing them from the
	// group's pending/unacknowledged set.
	XAck(ctx context.Context, stream, consumerGroup string, ids []ID) error
	// XLen returns the current approximate length of stream.
	XLen(ctx context.Context, stream string) (int64, error)
}
