package decode

import (
	"encoding/binary"
	"fmt"

	"github.com/withobsrvr/das-core/internal/types"
)

// tokenAccountLen is the fixed size of the base SPL Token account layout
// shared by the legacy token program and Token-2022's base account
// (grounded on the mint/owner/delegate/state/amount/delegated_amount
// field set read by
// original_source/program_transformers/src/token_extensions/token_account.rs).
const tokenAccountLen = 165

const (
	tokenStateUninitialized = 0
	tokenStateInitialized   = 1
	tokenStateFrozen        = 2
)

// token2022AccountTypeOffset is where Token-2022 appends a 1-byte
// AccountType discriminant after the base layout, followed by a TLV
// extension list when the account carries extensions.
const token2022AccountTypeOffset = tokenAccountLen
const token2022AccountTypeAccount = 2

// TokenAccountDecoder decodes SPL Token and Token-2022 token accounts
// into the shared types.TokenAccount shape (spec.md §4.4 DOMAIN STACK
// addition). One instance is registered per program id; variant governs
// whether trailing TLV extension data is parsed.
type TokenAccountDecoder struct {
	programID types.ProgramID
	variant   types.TokenProgramVariant
}

// NewTokenAccountDecoder constructs a decoder bound to programID,
// tagging every decoded account with variant.
func NewTokenAccountDecoder(programID types.ProgramID, variant types.TokenProgramVariant) *TokenAccountDecoder {
	return &TokenAccountDecoder{programID: programID, variant: variant}
}

func (d *TokenAccountDecoder) ProgramID() types.ProgramID { return d.programID }
func (d *TokenAccountDecoder) HandlesAccounts() bool      { return true }
func (d *TokenAccountDecoder) HandlesInstructions() bool  { return false }

func (d *TokenAccountDecoder) DecodeInstruction(types.InstructionBundle) (any, error) {
	return nil, fmt.Errorf("%w: token program instructions are not decoded by this core", types.ErrNotImplemented)
}

// DecodeAccount parses snapshot.Data as a token account. Mint accounts
// and other non-165+-byte-prefixed shapes are reported Unknown rather
// than erroring, matching spec.md §4.4's "malformed or unrecognized
// account data for a known owner is Unknown, not an error" rule.
func (d *TokenAccountDecoder) DecodeAccount(snapshot types.AccountSnapshot) (AccountResult, error) {
	data := snapshot.Data
	if len(data) < tokenAccountLen {
		return AccountResult{Kind: AccountUnknown}, nil
	}

	ta := types.TokenAccount{ProgramVariant: d.variant}
	copy(ta.Mint[:], data[0:32])
	copy(ta.Owner[:], data[32:64])
	ta.Amount = binary.LittleEndian.Uint64(data[64:72])

	if binary.LittleEndian.Uint32(data[72:76]) == 1 {
		var delegate types.Pubkey
		copy(delegate[:], data[76:108])
		ta.Delegate = &delegate
	}

	ta.Frozen = data[108] == tokenStateFrozen
	ta.DelegatedAmount = binary.LittleEndian.Uint64(data[121:129])

	if d.variant == types.TokenVariantToken2022 {
		ta.Extensions = parseTokenExtensions(data)
	}

	return AccountResult{
		Kind: AccountDecoded,
		Data: map[string]any{"token_account": ta},
	}, nil
}

// parseTokenExtensions walks the Token-2022 TLV extension list appended
// after the base account layout: a 1-byte AccountType discriminant
// followed by repeated (u16 type, u16 length, data) entries. Extensions
// this core doesn't specifically model are kept as raw bytes so the
// asset pipeline can still record their presence (spec.md §4.4: "token
// extension state the core doesn't specifically model is preserved as
// opaque data, not dropped").
func parseTokenExtensions(data []byte) map[string]any {
	if len(data) <= token2022AccountTypeOffset {
		return nil
	}
	if data[token2022AccountTypeOffset] != token2022AccountTypeAccount {
		return nil
	}
	rest := data[token2022AccountTypeOffset+1:]
	ext := make(map[string]any)
	for len(rest) >= 4 {
		extType := binary.LittleEndian.Uint16(rest[0:2])
		extLen := binary.LittleEndian.Uint16(rest[2:4])
		rest = rest[4:]
		if int(extLen) > len(rest) {
			break
		}
		value := make([]byte, extLen)
		copy(value, rest[:extLen])
		ext[fmt.Sprintf("ext_%d", extType)] = value
		rest = rest[extLen:]
	}
	if len(ext) == 0 {
		return nil
	}
	return ext
}

// EncodeTokenAccount is the inverse of DecodeAccount's base-layout
// parsing, used by tests to construct synthetic account snapshots.
func EncodeTokenAccount(ta types.TokenAccount) []byte {
	buf := make([]byte, tokenAccountLen)
	copy(buf[0:32], ta.Mint[:])
	copy(buf[32:64], ta.Owner[:])
	binary.LittleEndian.PutUint64(buf[64:72], ta.Amount)
	if ta.Delegate != nil {
		binary.LittleEndian.PutUint32(buf[72:76], 1)
		copy(buf[76:108], ta.Delegate[:])
	}
	if ta.Frozen {
		buf[108] = tokenStateFrozen
	} else {
		buf[108] = tokenStateInitialized
	}
	binary.LittleEndian.PutUint64(buf[121:129], ta.DelegatedAmount)
	return buf
}
