package decode

import (
	"testing"

	"github.com/withobsrvr/das-core/internal/types"
)

func TestGenericDecoderSplitsDiscriminatorAndRaw(t *testing.T) {
	d := NewGenericAccountDecoder(types.ProgramID{0x50})
	data := append([]byte{1, 2, 3, 4, 5, 6, 7, 8}, []byte("payload")...)

	res, err := d.DecodeAccount(types.AccountSnapshot{Owner: d.ProgramID(), Data: data})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Kind != AccountDecoded {
		t.Fatalf("got kind %v, want AccountDecoded", res.Kind)
	}
	want := types.Discriminator{1, 2, 3, 4, 5, 6, 7, 8}
	if res.Discriminator != want {
		t.Fatalf("got discriminator %v, want %v", res.Discriminator, want)
	}
	if string(res.Data["raw"].([]byte)) != "payload" {
		t.Fatalf("got raw %v, want %q", res.Data["raw"], "payload")
	}
}

func TestGenericDecoderShortDataIsUnknown(t *testing.T) {
	d := NewGenericAccountDecoder(types.ProgramID{0x50})
	res, err := d.DecodeAccount(types.AccountSnapshot{Owner: d.ProgramID(), Data: []byte{1, 2}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Kind != AccountUnknown {
		t.Fatalf("got kind %v, want AccountUnknown", res.Kind)
	}
}
