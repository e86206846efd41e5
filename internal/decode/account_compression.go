package decode

import (
	"encoding/binary"
	"fmt"

	"github.com/withobsrvr/das-core/internal/types"
)

// ACKind tags which account-compression instruction variant was
// decoded (grounded on original_source/blockbuster/src/programs/
// account_compression/mod.rs's Instruction enum).
type ACKind int

const (
	ACUnknown ACKind = iota
	ACInitTree
	ACReplaceLeaf
	ACTransferAuthority
	ACVerifyLeaf
	ACAppend
	ACInsertOrAppend
	ACCloseTree
)

// Account-compression instruction discriminators. The real program
// derives these from an Anchor-style instruction-name hash; this module
// targets a from-scratch Go wire format (spec.md doesn't pin one), so
// fixed 8-byte tags are defined here and used consistently by both the
// decoder and the test/backfill encoders below.
var (
	discInitTree          = types.Discriminator{1}
	discReplaceLeaf       = types.Discriminator{2}
	discTransferAuthority = types.Discriminator{3}
	discVerifyLeaf        = types.Discriminator{4}
	discAppend            = types.Discriminator{5}
	discInsertOrAppend    = types.Discriminator{6}
	discCloseTree         = types.Discriminator{7}
)

// AccountCompressionInstruction is the decoded result of one
// account-compression outer instruction, including any no-op
// change-log/application-data events found among its inner instructions
// (spec.md §4.4, grounded on AccountCompressionInstruction in
// original_source/blockbuster/src/programs/account_compression/mod.rs).
type AccountCompressionInstruction struct {
	Kind ACKind

	MaxDepth       uint32 // InitTree
	MaxBufferSize  uint32 // InitTree
	Root           [32]byte
	PreviousLeaf   [32]byte // ReplaceLeaf
	NewLeaf        [32]byte // ReplaceLeaf
	Leaf           [32]byte // Append, VerifyLeaf, InsertOrAppend
	Index          uint32   // ReplaceLeaf, VerifyLeaf, InsertOrAppend
	NewAuthority   types.Pubkey

	TreeUpdate *ChangeLogEvent
	LeafUpdate *ApplicationDataEvent
}

// leafMutating reports whether kind changes tree leaf state and
// therefore requires an accompanying ChangeLog event to take effect
// (spec.md §4.4's "absent ChangeLog means the mutation must be treated
// as not-yet-effective").
func (k ACKind) leafMutating() bool {
	switch k {
	case ACReplaceLeaf, ACAppend, ACInsertOrAppend:
		return true
	default:
		return false
	}
}

// Effectful reports whether this decoded instruction should be applied
// to the ledger: leaf-mutating variants require TreeUpdate to be
// present, every other known variant is effectful by construction, and
// Unknown is inert and never effectful.
func (r AccountCompressionInstruction) Effectful() bool {
	if r.Kind.leafMutating() {
		return r.TreeUpdate != nil
	}
	return r.Kind != ACUnknown
}

// AccountCompressionDecoder decodes instructions for the account
// compression program. It has no account-state shape of its own: tree
// state lives in the ledger's merkle_tree/compressed_data tables, not
// in an on-chain account this core reads directly.
type AccountCompressionDecoder struct {
	programID types.ProgramID
}

// NewAccountCompressionDecoder constructs the decoder for programID.
func NewAccountCompressionDecoder(programID types.ProgramID) *AccountCompressionDecoder {
	return &AccountCompressionDecoder{programID: programID}
}

func (d *AccountCompressionDecoder) ProgramID() types.ProgramID  { return d.programID }
func (d *AccountCompressionDecoder) HandlesAccounts() bool       { return false }
func (d *AccountCompressionDecoder) HandlesInstructions() bool   { return true }

func (d *AccountCompressionDecoder) DecodeAccount(types.AccountSnapshot) (AccountResult, error) {
	return AccountResult{}, fmt.Errorf("%w: account-compression program has no account decoder", types.ErrNotImplemented)
}

// DecodeInstruction decodes bundle.Outer's discriminator and args, then
// walks bundle.Inner for the no-op program's ChangeLog/ApplicationData
// events, attaching at most one of each (original_source's
// handle_instruction: "for inner in &instruction.inner_ix { if
// inner.0 == spl_noop::id() ... }").
func (d *AccountCompressionDecoder) DecodeInstruction(bundle types.InstructionBundle) (any, error) {
	result, err := decodeACArgs(bundle.Data)
	if err != nil {
		return nil, err
	}

	for _, in := range bundle.Inner {
		if in.ProgramID != noOpProgramID || len(in.Data) == 0 {
			continue
		}
		ev, err := ParseNoopEvent(in.Data)
		if err != nil {
			// Deserialization failures on the no-op side channel are
			// skipped, never decode errors; this decoder has no logger
			// and records nothing about the skipped event.
			continue
		}
		if ev.ChangeLog != nil && result.TreeUpdate == nil {
			result.TreeUpdate = ev.ChangeLog
		}
		if ev.ApplicationData != nil && result.LeafUpdate == nil {
			result.LeafUpdate = ev.ApplicationData
		}
	}

	return result, nil
}

func decodeACArgs(data []byte) (AccountCompressionInstruction, error) {
	if len(data) == 0 {
		return AccountCompressionInstruction{}, fmt.Errorf("%w: empty instruction data", types.ErrParsing)
	}
	if len(data) < 8 {
		return AccountCompressionInstruction{Kind: ACUnknown}, nil
	}
	var disc types.Discriminator
	copy(disc[:], data[:8])
	args := data[8:]

	switch disc {
	case discInitTree:
		if len(args) < 8 {
			return AccountCompressionInstruction{}, fmt.Errorf("%w: short InitTree args", types.ErrDeserialization)
		}
		return AccountCompressionInstruction{
			Kind:          ACInitTree,
			MaxDepth:      binary.LittleEndian.Uint32(args[0:4]),
			MaxBufferSize: binary.LittleEndian.Uint32(args[4:8]),
		}, nil

	case discReplaceLeaf:
		if len(args) < 100 {
			return AccountCompressionInstruction{}, fmt.Errorf("%w: short ReplaceLeaf args", types.ErrDeserialization)
		}
		r := AccountCompressionInstruction{Kind: ACReplaceLeaf}
		copy(r.Root[:], args[0:32])
		copy(r.PreviousLeaf[:], args[32:64])
		copy(r.NewLeaf[:], args[64:96])
		r.Index = binary.LittleEndian.Uint32(args[96:100])
		return r, nil

	case discTransferAuthority:
		if len(args) < 32 {
			return AccountCompressionInstruction{}, fmt.Errorf("%w: short TransferAuthority args", types.ErrDeserialization)
		}
		r := AccountCompressionInstruction{Kind: ACTransferAuthority}
		copy(r.NewAuthority[:], args[0:32])
		return r, nil

	case discVerifyLeaf:
		if len(args) < 68 {
			return AccountCompressionInstruction{}, fmt.Errorf("%w: short VerifyLeaf args", types.ErrDeserialization)
		}
		r := AccountCompressionInstruction{Kind: ACVerifyLeaf}
		copy(r.Root[:], args[0:32])
		copy(r.Leaf[:], args[32:64])
		r.Index = binary.LittleEndian.Uint32(args[64:68])
		return r, nil

	case discAppend:
		if len(args) < 32 {
			return AccountCompressionInstruction{}, fmt.Errorf("%w: short Append args", types.ErrDeserialization)
		}
		r := AccountCompressionInstruction{Kind: ACAppend}
		copy(r.Leaf[:], args[0:32])
		return r, nil

	case discInsertOrAppend:
		if len(args) < 68 {
			return AccountCompressionInstruction{}, fmt.Errorf("%w: short InsertOrAppend args", types.ErrDeserialization)
		}
		r := AccountCompressionInstruction{Kind: ACInsertOrAppend}
		copy(r.Root[:], args[0:32])
		copy(r.Leaf[:], args[32:64])
		r.Index = binary.LittleEndian.Uint32(args[64:68])
		return r, nil

	case discCloseTree:
		return AccountCompressionInstruction{Kind: ACCloseTree}, nil

	default:
		return AccountCompressionInstruction{Kind: ACUnknown}, nil
	}
}

// EncodeACInstruction is the inverse of decodeACArgs, used by tests and
// the backfiller's synthetic replay feeds.
func EncodeACInstruction(r AccountCompressionInstruction) []byte {
	switch r.Kind {
	case ACInitTree:
		buf := make([]byte, 8+8)
		copy(buf[:8], discInitTree[:])
		binary.LittleEndian.PutUint32(buf[8:12], r.MaxDepth)
		binary.LittleEndian.PutUint32(buf[12:16], r.MaxBufferSize)
		return buf
	case ACReplaceLeaf:
		buf := make([]byte, 8+100)
		copy(buf[:8], discReplaceLeaf[:])
		copy(buf[8:40], r.Root[:])
		copy(buf[40:72], r.PreviousLeaf[:])
		copy(buf[72:104], r.NewLeaf[:])
		binary.LittleEndian.PutUint32(buf[104:108], r.Index)
		return buf
	case ACTransferAuthority:
		buf := make([]byte, 8+32)
		copy(buf[:8], discTransferAuthority[:])
		copy(buf[8:40], r.NewAuthority[:])
		return buf
	case ACVerifyLeaf:
		buf := make([]byte, 8+68)
		copy(buf[:8], discVerifyLeaf[:])
		copy(buf[8:40], r.Root[:])
		copy(buf[40:72], r.Leaf[:])
		binary.LittleEndian.PutUint32(buf[72:76], r.Index)
		return buf
	case ACAppend:
		buf := make([]byte, 8+32)
		copy(buf[:8], discAppend[:])
		copy(buf[8:40], r.Leaf[:])
		return buf
	case ACInsertOrAppend:
		buf := make([]byte, 8+68)
		copy(buf[:8], discInsertOrAppend[:])
		copy(buf[8:40], r.Root[:])
		copy(buf[40:72], r.Leaf[:])
		binary.LittleEndian.PutUint32(buf[72:76], r.Index)
		return buf
	case ACCloseTree:
		buf := make([]byte, 8)
		copy(buf[:8], discCloseTree[:])
		return buf
	default:
		return make([]byte, 8) // zero discriminator decodes as ACUnknown
	}
}
