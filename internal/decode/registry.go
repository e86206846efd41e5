// Package decode implements Program Decoders (spec.md §4.4): a registry
// of per-program-id decoders producing tagged-union results from
// account snapshots and instruction bundles, plus the no-op program's
// side-channel event extraction.
package decode

import (
	"github.com/withobsrvr/das-core/internal/types"
)

// AccountKind tags the variant an account decode produced.
type AccountKind int

const (
	AccountUnknown AccountKind = iota
	AccountUninitialized
	AccountDecoded
)

// AccountResult is the tagged-union result of decoding an account
// snapshot (spec.md §4.4).
type AccountResult struct {
	Kind          AccountKind
	Discriminator types.Discriminator
	Data          map[string]any
}

// Decoder registers for one program id and declares which snapshot
// shapes it handles (spec.md §4.4 and §9's "small operation set").
type Decoder interface {
	ProgramID() types.ProgramID
	HandlesAccounts() bool
	HandlesInstructions() bool
	DecodeAccount(snapshot types.AccountSnapshot) (AccountResult, error)
	DecodeInstruction(bundle types.InstructionBundle) (any, error)
}

// Registry maps program ids to their decoder (spec.md §9: "a registry
// mapping program id -> decoder capability").
type Registry struct {
	decoders map[types.ProgramID]Decoder
	// indexable holds additional program ids used only for
	// account-schema harvesting (spec.md §4.3 step 1's auxiliary list).
	// The RPC-simulation harvesting mechanism itself is out of scope
	// (it depends on the excluded upstream RPC client); this registry
	// only tracks membership so internal/dispatch can build K.
	indexable map[types.ProgramID]struct{}
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		decoders:  make(map[types.ProgramID]Decoder),
		indexable: make(map[types.ProgramID]struct{}),
	}
}

// Register adds d, keyed by d.ProgramID().
func (r *Registry) Register(d Decoder) {
	r.decoders[d.ProgramID()] = d
}

// MarkIndexable adds id to the auxiliary indexable list without
// registering a decoder for it.
func (r *Registry) MarkIndexable(id types.ProgramID) {
	r.indexable[id] = struct{}{}
}

// Contains implements dispatch.ProgramSet: K is the union of registered
// decoder keys and the indexable list (spec.md §4.3 step 1).
func (r *Registry) Contains(id types.ProgramID) bool {
	if _, ok := r.decoders[id]; ok {
		return true
	}
	_, ok := r.indexable[id]
	return ok
}

// Lookup returns the decoder for id, if any.
func (r *Registry) Lookup(id types.ProgramID) (Decoder, bool) {
	d, ok := r.decoders[id]
	return d, ok
}

// DecodeAccount reads the first 8 bytes of snapshot.Data as a
// discriminator and dispatches to the registered decoder for
// snapshot.Owner, per spec.md §4.4's account snapshot rules: empty data
// is Uninitialized, no registered decoder or unrecognized discriminator
// within a decoder is Unknown (not an error).
func (r *Registry) DecodeAccount(snapshot types.AccountSnapshot) (AccountResult, error) {
	if len(snapshot.Data) == 0 {
		return AccountResult{Kind: AccountUninitialized}, nil
	}
	d, ok := r.decoders[snapshot.Owner]
	if !ok || !d.HandlesAccounts() {
		disc, _ := snapshot.Discriminator()
		return AccountResult{Kind: AccountUnknown, Discriminator: disc}, nil
	}
	return d.DecodeAccount(snapshot)
}
