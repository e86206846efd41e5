// Package transform wires together Instruction Ordering & Dispatch
// (internal/dispatch), Program Decoders (internal/decode), and the
// Compressed-Data Ledger (internal/ledger) into the single
// "process one transaction or account update" pipeline spec.md §4
// describes in five separate [MODULE] blocks. Both the live stream
// consumer (cmd/stream-consumer) and the backfiller's replay path
// (internal/backfill) drive records through this same pipeline, which
// is what makes replay idempotent per spec.md §8 invariant 3.
package transform

import (
	"context"
	"errors"
	"fmt"

	"github.com/withobsrvr/das-core/internal/decode"
	"github.com/withobsrvr/das-core/internal/dispatch"
	"github.com/withobsrvr/das-core/internal/ledger"
	"github.com/withobsrvr/das-core/internal/logging"
	"github.com/withobsrvr/das-core/internal/metrics"
	"github.com/withobsrvr/das-core/internal/store"
	"github.com/withobsrvr/das-core/internal/types"
)

// Transformer is fully re-entrant (spec.md §5): distinct transactions
// may process in parallel, it carries no mutable state of its own.
type Transformer struct {
	registry *decode.Registry
	ledger   *ledger.Ledger
	st       store.Store
	log      *logging.ComponentLogger
}

// New constructs a Transformer over the given registry, ledger, and
// store.
func New(registry *decode.Registry, lg *ledger.Ledger, st store.Store, log *logging.ComponentLogger) *Transformer {
	return &Transformer{registry: registry, ledger: lg, st: st, log: log}
}

// HandleTransaction processes every indexed instruction in env, in
// order (spec.md §4.3, §5 ordering guarantee 1). If every outer
// instruction's program is unknown, it returns types.ErrNotImplemented
// per spec.md §4.5.4.
func (t *Transformer) HandleTransaction(ctx context.Context, env types.TransactionEnvelope) error {
	if err := env.Validate(); err != nil {
		return err
	}

	pairs := dispatch.Order(env, t.registry)
	if len(pairs) == 0 {
		return fmt.Errorf("%w: no instruction in this transaction matched a registered program", types.ErrNotImplemented)
	}

	handled := 0
	for _, p := range pairs {
		ok, err := t.handleInstruction(ctx, env, p)
		if err != nil {
			return err
		}
		if ok {
			handled++
		}
	}
	if handled == 0 {
		return fmt.Errorf("%w: no instruction in this transaction was decodable", types.ErrNotImplemented)
	}
	return nil
}

func (t *Transformer) handleInstruction(ctx context.Context, env types.TransactionEnvelope, p dispatch.Pair) (bool, error) {
	d, ok := t.registry.Lookup(p.Outer.ProgramID)
	if !ok || !d.HandlesInstructions() {
		return false, nil
	}

	bundle := types.InstructionBundle{
		TransactionID: env.Signature,
		ProgramID:     p.Outer.ProgramID,
		Data:          p.Outer.Data,
		Accounts:      p.Outer.Accounts,
		Inner:         toInnerInstructions(p.Inner),
		Slot:          env.Slot,
	}

	result, err := d.DecodeInstruction(bundle)
	if err != nil {
		metrics.DecodeErrorsTotal.WithLabelValues("instruction", d.ProgramID().String()).Inc()
		return false, err
	}

	switch r := result.(type) {
	case decode.AccountCompressionInstruction:
		return true, t.applyAccountCompression(ctx, r)
	default:
		return true, nil
	}
}

// applyAccountCompression drives the Compressed-Data Ledger off a
// decoded account-compression instruction's attached ApplicationData
// event, per spec.md §4.4's effectful-iff-ChangeLog-present rule and
// §4.5's TreeSchemaValue/Leaf dispatch.
func (t *Transformer) applyAccountCompression(ctx context.Context, r decode.AccountCompressionInstruction) error {
	if r.LeafUpdate == nil {
		return nil
	}
	if !r.Effectful() {
		t.log.Debug().Msg("leaf-mutating instruction without a ChangeLog event: dropped")
		return nil
	}

	parsed, err := ledger.DecodeApplicationData(r.LeafUpdate.Payload)
	if err != nil {
		// Side-channel parse failure is a warning, not a propagated
		// error (spec.md §4.5.4).
		t.log.Warn().Err(err).Msg("failed to parse ApplicationData payload")
		return nil
	}

	switch v := parsed.(type) {
	case ledger.TreeSchemaValue:
		return t.ledger.ApplyTreeSchemaValue(ctx, v)
	case ledger.LeafEvent:
		return t.ledger.ApplyLeafEvent(ctx, v)
	default:
		return nil
	}
}

// HandleAccountUpdate processes one account snapshot: decode, then
// apply the spec.md §4.4 downstream rules for token accounts and the
// generic fallback's plain accounts-table upsert.
func (t *Transformer) HandleAccountUpdate(ctx context.Context, snapshot types.AccountSnapshot) error {
	res, err := t.registry.DecodeAccount(snapshot)
	if err != nil {
		metrics.DecodeErrorsTotal.WithLabelValues("account", snapshot.Owner.String()).Inc()
		return err
	}

	switch res.Kind {
	case decode.AccountUninitialized, decode.AccountUnknown:
		return nil
	case decode.AccountDecoded:
		if ta, ok := res.Data["token_account"].(types.TokenAccount); ok {
			return t.applyTokenAccount(ctx, snapshot, ta)
		}
		return t.st.UpsertAccountState(ctx, types.AccountStateRow{
			Pubkey:        snapshot.Pubkey,
			ProgramID:     snapshot.Owner,
			Discriminator: res.Discriminator,
			ParsedData:    res.Data,
			SlotUpdated:   snapshot.Slot,
		})
	default:
		return nil
	}
}

// applyTokenAccount implements spec.md §4.4's token-account downstream
// rule: only NFTs (asset supply = 1) propagate owner/delegate/frozen to
// the asset row, and only when amount > 0 and the incoming slot has not
// regressed.
func (t *Transformer) applyTokenAccount(ctx context.Context, snapshot types.AccountSnapshot, ta types.TokenAccount) error {
	asset, ok, err := t.st.GetAsset(ctx, [32]byte(ta.Mint))
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrStorageRead, err)
	}
	if !ok || asset.Supply != 1 {
		return nil // fungible or unknown-supply mint: token-accounts table only.
	}
	if ta.Amount == 0 || snapshot.Slot < asset.SlotUpdated {
		return nil
	}

	asset.Owner = ta.Owner
	asset.Delegate = ta.Delegate
	asset.Frozen = ta.Frozen
	asset.SlotUpdated = snapshot.Slot
	if err := t.st.UpsertAsset(ctx, asset); err != nil {
		return fmt.Errorf("%w: %v", types.ErrStorageWrite, err)
	}
	return nil
}

func toInnerInstructions(inner []types.ResolvedInstruction) []types.InnerInstruction {
	out := make([]types.InnerInstruction, len(inner))
	for i, in := range inner {
		out[i] = types.InnerInstruction{ProgramID: in.ProgramID, Data: in.Data, Accounts: in.Accounts}
	}
	return out
}

// IsNotImplemented reports whether err indicates no decoder matched
// any instruction in the transaction (spec.md §4.5.4).
func IsNotImplemented(err error) bool {
	return errors.Is(err, types.ErrNotImplemented)
}
