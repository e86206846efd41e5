package decode

import (
	"testing"

	"github.com/withobsrvr/das-core/internal/types"
)

func TestRegistryContainsUnionsDecodersAndIndexable(t *testing.T) {
	acProgram := types.ProgramID{0x10}
	indexableOnly := types.ProgramID{0x20}
	unrelated := types.ProgramID{0x30}

	r := NewRegistry()
	r.Register(NewAccountCompressionDecoder(acProgram))
	r.MarkIndexable(indexableOnly)

	if !r.Contains(acProgram) {
		t.Fatal("expected registered decoder's program id to be contained")
	}
	if !r.Contains(indexableOnly) {
		t.Fatal("expected indexable-only program id to be contained")
	}
	if r.Contains(unrelated) {
		t.Fatal("unrelated program id must not be contained")
	}
}

func TestDecodeAccountEmptyDataIsUninitialized(t *testing.T) {
	r := NewRegistry()
	res, err := r.DecodeAccount(types.AccountSnapshot{Owner: types.ProgramID{0x10}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Kind != AccountUninitialized {
		t.Fatalf("got kind %v, want AccountUninitialized", res.Kind)
	}
}

func TestDecodeAccountNoDecoderIsUnknown(t *testing.T) {
	r := NewRegistry()
	snapshot := types.AccountSnapshot{
		Owner: types.ProgramID{0x99},
		Data:  []byte{1, 2, 3, 4, 5, 6, 7, 8, 9},
	}
	res, err := r.DecodeAccount(snapshot)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Kind != AccountUnknown {
		t.Fatalf("got kind %v, want AccountUnknown", res.Kind)
	}
}
