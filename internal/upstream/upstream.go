// Package upstream defines the interface das-core consumes for chain
// subscriptions (spec.md §6). The concrete streaming RPC client is
// explicitly out of scope (spec.md §1); only the consumed contract and
// an in-memory fake for tests live here.
package upstream

import (
	"context"

	"github.com/withobsrvr/das-core/internal/types"
)

// UpdateKind tags the variant carried by an Update.
type UpdateKind int

const (
	KindAccount UpdateKind = iota
	KindTransaction
	KindOther
)

// Update is one message delivered by an upstream subscription.
type Update struct {
	Kind        UpdateKind
	EndpointIdx int
	Account     *AccountUpdate
	Transaction *TransactionUpdate
}

// AccountUpdate mirrors the Account variant from spec.md §6.
type AccountUpdate struct {
	Slot         uint64
	Pubkey       types.Pubkey
	Owner        types.ProgramID
	Lamports     uint64
	Executable   bool
	RentEpoch    uint64
	Data         []byte
	WriteVersion uint64
	TxnSignature *string
}

// TransactionUpdate mirrors the Transaction variant from spec.md §6.
type TransactionUpdate struct {
	Slot     uint64
	Envelope types.TransactionEnvelope
}

// Subscription is one upstream endpoint's stream of updates.
type Subscription interface {
	// Recv blocks until the next update or ctx is done. io.EOF-like
	// termination is signaled by a non-nil error; callers retry per
	// spec.md §4.1's per-endpoint retry policy.
	Recv(ctx context.Context) (Update, error)
	Close() error
}

// Dialer opens a Subscription to one endpoint.
type Dialer interface {
	Dial(ctx context.Context, endpoint string, xToken string) (Subscription, error)
}
