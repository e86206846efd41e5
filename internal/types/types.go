// Package types holds the data model shared by every pipeline stage:
// program/account/transaction primitives, store row shapes, and the
// sentinel error kinds used for ack/no-ack propagation decisions.
package types

import (
	"errors"
	"time"

	"github.com/withobsrvr/das-core/internal/bs58"
)

// ProgramID is a 32-byte on-chain program identifier.
type ProgramID [32]byte

func (p ProgramID) String() string {
	return bs58.Encode(p[:])
}

// Pubkey is a 32-byte account address.
type Pubkey [32]byte

func (p Pubkey) String() string {
	return bs58.Encode(p[:])
}

// Discriminator is the first 8 bytes of instruction data or account data.
type Discriminator [8]byte

// InnerInstruction is one instruction nested under an outer instruction,
// tagged with the program it invokes.
type InnerInstruction struct {
	ProgramID ProgramID
	Data      []byte
	Accounts  []Pubkey
}

// InstructionBundle is the immutable record a decoder receives.
type InstructionBundle struct {
	TransactionID string
	ProgramID     ProgramID
	Data          []byte
	Inner         []InnerInstruction
	Accounts      []Pubkey
	Slot          uint64
}

// AccountSnapshot is a point-in-time account state as delivered upstream.
type AccountSnapshot struct {
	Pubkey Pubkey
	Owner  ProgramID
	Slot   uint64
	Data   []byte
}

// Discriminator returns the snapshot's 8-byte tag, or (zero, false) if
// the data is shorter than 8 bytes.
func (a AccountSnapshot) Discriminator() (Discriminator, bool) {
	if len(a.Data) < 8 {
		return Discriminator{}, false
	}
	var d Discriminator
	copy(d[:], a.Data[:8])
	return d, true
}

// CompiledInstruction is one instruction as recorded in a transaction
// message, referencing accounts by index into the envelope's AccountKeys.
type CompiledInstruction struct {
	ProgramIDIndex int
	AccountIndexes []int
	Data           []byte
}

// InnerInstructionGroup ties a list of inner instructions to the index of
// the outer instruction that produced them.
type InnerInstructionGroup struct {
	OuterIndex int
	Inner      []CompiledInstruction
}

// TransactionEnvelope is the ordered record of one confirmed transaction.
type TransactionEnvelope struct {
	Slot         uint64
	Signature    string
	AccountKeys  []Pubkey
	Instructions []CompiledInstruction
	InnerGroups  []InnerInstructionGroup
	MetaPresent  bool
	MetaFailed   bool
}

// Validate checks the invariant from spec.md §3: every instruction's
// account indices must be within range of AccountKeys.
func (e TransactionEnvelope) Validate() error {
	n := len(e.AccountKeys)
	check := func(idxs []int) error {
		for _, i := range idxs {
			if i < 0 || i >= n {
				return ErrParsing
			}
		}
		return nil
	}
	for _, ix := range e.Instructions {
		if ix.ProgramIDIndex < 0 || ix.ProgramIDIndex >= n {
			return ErrParsing
		}
		if err := check(ix.AccountIndexes); err != nil {
			return err
		}
	}
	for _, g := range e.InnerGroups {
		for _, ix := range g.Inner {
			if ix.ProgramIDIndex < 0 || ix.ProgramIDIndex >= n {
				return ErrParsing
			}
			if err := check(ix.AccountIndexes); err != nil {
				return err
			}
		}
	}
	return nil
}

// ResolvedInstruction is a CompiledInstruction with its program id and
// account keys resolved against the envelope's AccountKeys list.
type ResolvedInstruction struct {
	ProgramID ProgramID
	Accounts  []Pubkey
	Data      []byte
}

// MerkleTreeRecord mirrors the merkle_tree table (spec.md §6).
type MerkleTreeRecord struct {
	ID            [32]byte
	Discriminator Discriminator
	Program       *ProgramID
	DataSchema    []byte
	CanopyDepth   uint32
	CreatedAt     time.Time
}

// CompressedLeaf mirrors the compressed_data table (spec.md §6).
type CompressedLeaf struct {
	ID              [32]byte
	TreeID          [32]byte
	LeafIdx         uint32
	Seq             uint64
	SchemaValidated bool
	RawData         []byte
	ParsedData      map[string]any
	SlotUpdated     uint64
}

// ChangelogRow mirrors compressed_data_changelog (spec.md §6).
type ChangelogRow struct {
	ID        int64
	TreeID    [32]byte
	LeafIdx   uint32
	Key       *string
	Data      []byte
	Seq       uint64
	Slot      uint64
	CreatedAt time.Time
}

// AssetRow mirrors the asset table, restricted to the columns this core
// mutates (spec.md §3 and §6).
type AssetRow struct {
	ID          [32]byte
	Owner       Pubkey
	Delegate    *Pubkey
	Frozen      bool
	Supply      uint64
	SlotUpdated uint64
}

// CharacterHistoryRow mirrors character_history (spec.md §6).
type CharacterHistoryRow struct {
	ID          int64
	CharacterID [32]byte
	Event       string
	EventData   map[string]any
	SlotUpdated uint64
}

// AccountStateRow mirrors the accounts table (spec.md §6).
type AccountStateRow struct {
	Pubkey        Pubkey
	ProgramID     ProgramID
	Discriminator Discriminator
	ParsedData    map[string]any
	SlotUpdated   uint64
}

// TokenAccount is the decoded shape a token-account decoder produces
// (spec.md §4.4), shared by the legacy SPL Token and Token-2022 layouts.
type TokenAccount struct {
	Mint            Pubkey
	Owner           Pubkey
	Delegate        *Pubkey
	Frozen          bool
	Amount          uint64
	DelegatedAmount uint64
	Extensions      map[string]any
	ProgramVariant  TokenProgramVariant
}

// TokenProgramVariant distinguishes legacy SPL Token accounts from
// Token-2022 accounts, which share a TokenAccount shape downstream.
type TokenProgramVariant int

const (
	TokenVariantLegacy TokenProgramVariant = iota
	TokenVariantToken2022
)

// Error kinds from spec.md §7. These are sentinels checked with
// errors.Is; wrap with fmt.Errorf("...: %w", ErrX) for context.
var (
	ErrDeserialization     = errors.New("deserialization error")
	ErrStorageRead         = errors.New("storage read error")
	ErrStorageWrite        = errors.New("storage write error")
	ErrCompressedDataParse = errors.New("compressed data parse error")
	ErrNotImplemented      = errors.New("not implemented")
	ErrParsing             = errors.New("parsing error")
)

// AckPolicy reports whether a handler error should be acknowledged
// (i.e. not redelivered) per spec.md §7's propagation policy.
func AckPolicy(err error) bool {
	if err == nil {
		return true
	}
	switch {
	case errors.Is(err, ErrNotImplemented):
		return true
	case errors.Is(err, ErrDeserialization):
		return true
	case errors.Is(err, ErrCompressedDataParse):
		return true
	case errors.Is(err, ErrParsing):
		return true
	case errors.Is(err, ErrStorageRead), errors.Is(err, ErrStorageWrite):
		return false
	default:
		return false
	}
}
