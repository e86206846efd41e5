package decode

import (
	"fmt"

	"github.com/withobsrvr/das-core/internal/types"
)

// GenericAccountDecoder is the DOMAIN STACK fallback for program-owned
// accounts this core has no purpose-built decoder for: it records the
// discriminator and raw data so the accounts table (spec.md §6) still
// reflects that the account exists and changed, without attempting to
// interpret its layout. Registering one per "interesting but
// undecoded" program id keeps such programs out of Unknown while
// costing nothing beyond a discriminator split (SPEC_FULL.md §4.4
// DOMAIN STACK addition).
type GenericAccountDecoder struct {
	programID types.ProgramID
}

// NewGenericAccountDecoder constructs a decoder bound to programID.
func NewGenericAccountDecoder(programID types.ProgramID) *GenericAccountDecoder {
	return &GenericAccountDecoder{programID: programID}
}

func (d *GenericAccountDecoder) ProgramID() types.ProgramID { return d.programID }
func (d *GenericAccountDecoder) HandlesAccounts() bool      { return true }
func (d *GenericAccountDecoder) HandlesInstructions() bool  { return false }

func (d *GenericAccountDecoder) DecodeInstruction(types.InstructionBundle) (any, error) {
	return nil, fmt.Errorf("%w: generic decoder does not handle instructions", types.ErrNotImplemented)
}

// DecodeAccount splits data into its 8-byte discriminator and the
// remaining raw payload, stored verbatim under "raw" so downstream
// consumers can re-decode it later if a purpose-built decoder is added
// without having lost any bytes in the meantime.
func (d *GenericAccountDecoder) DecodeAccount(snapshot types.AccountSnapshot) (AccountResult, error) {
	disc, ok := snapshot.Discriminator()
	if !ok {
		return AccountResult{Kind: AccountUnknown}, nil
	}
	payload := make([]byte, len(snapshot.Data)-8)
	copy(payload, snapshot.Data[8:])
	return AccountResult{
		Kind:          AccountDecoded,
		Discriminator: disc,
		Data:          map[string]any{"raw": payload},
	}, nil
}
