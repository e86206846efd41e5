package decode

import (
	"testing"

	"github.com/withobsrvr/das-core/internal/types"
)

func TestDecodeLegacyTokenAccount(t *testing.T) {
	owner := types.Pubkey{0x01}
	mint := types.Pubkey{0x02}
	delegate := types.Pubkey{0x03}
	ta := types.TokenAccount{
		Mint:            mint,
		Owner:           owner,
		Delegate:        &delegate,
		DelegatedAmount: 100,
		Amount:          500,
		Frozen:          true,
		ProgramVariant:  types.TokenVariantLegacy,
	}
	data := EncodeTokenAccount(ta)

	d := NewTokenAccountDecoder(types.ProgramID{0x40}, types.TokenVariantLegacy)
	res, err := d.DecodeAccount(types.AccountSnapshot{Owner: d.ProgramID(), Data: data})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Kind != AccountDecoded {
		t.Fatalf("got kind %v, want AccountDecoded", res.Kind)
	}
	got := res.Data["token_account"].(types.TokenAccount)
	if got.Mint != mint || got.Owner != owner || got.Amount != 500 || got.DelegatedAmount != 100 || !got.Frozen {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.Delegate == nil || *got.Delegate != delegate {
		t.Fatalf("expected delegate %v, got %v", delegate, got.Delegate)
	}
}

func TestDecodeToken2022AccountWithExtensions(t *testing.T) {
	base := EncodeTokenAccount(types.TokenAccount{
		Mint:           types.Pubkey{0x11},
		Owner:          types.Pubkey{0x12},
		ProgramVariant: types.TokenVariantToken2022,
	})

	buf := append(base, token2022AccountTypeAccount)
	extPayload := []byte{1, 2, 3, 4}
	buf = append(buf, encodeTLV(3, extPayload)...)

	d := NewTokenAccountDecoder(types.ProgramID{0x41}, types.TokenVariantToken2022)
	res, err := d.DecodeAccount(types.AccountSnapshot{Owner: d.ProgramID(), Data: buf})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := res.Data["token_account"].(types.TokenAccount)
	if got.ProgramVariant != types.TokenVariantToken2022 {
		t.Fatalf("expected Token2022 variant, got %v", got.ProgramVariant)
	}
	raw, ok := got.Extensions["ext_3"].([]byte)
	if !ok || string(raw) != string(extPayload) {
		t.Fatalf("expected extension payload %v, got %v", extPayload, got.Extensions["ext_3"])
	}
}

func TestDecodeTokenAccountTooShortIsUnknown(t *testing.T) {
	d := NewTokenAccountDecoder(types.ProgramID{0x40}, types.TokenVariantLegacy)
	res, err := d.DecodeAccount(types.AccountSnapshot{Owner: d.ProgramID(), Data: []byte{1, 2, 3}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Kind != AccountUnknown {
		t.Fatalf("got kind %v, want AccountUnknown", res.Kind)
	}
}

func encodeTLV(extType uint16, payload []byte) []byte {
	buf := make([]byte, 4+len(payload))
	buf[0] = byte(extType)
	buf[1] = byte(extType >> 8)
	buf[2] = byte(len(payload))
	buf[3] = byte(len(payload) >> 8)
	copy(buf[4:], payload)
	return buf
}
