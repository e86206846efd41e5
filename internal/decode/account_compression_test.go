package decode

import (
	"errors"
	"testing"

	"github.com/withobsrvr/das-core/internal/types"
)

func TestDecodeInstructionRoundTripsEveryVariant(t *testing.T) {
	treeID := types.Pubkey{0xAA}
	cases := []AccountCompressionInstruction{
		{Kind: ACInitTree, MaxDepth: 20, MaxBufferSize: 64},
		{Kind: ACReplaceLeaf, Root: [32]byte{1}, PreviousLeaf: [32]byte{2}, NewLeaf: [32]byte{3}, Index: 7},
		{Kind: ACTransferAuthority, NewAuthority: types.Pubkey{9}},
		{Kind: ACVerifyLeaf, Root: [32]byte{4}, Leaf: [32]byte{5}, Index: 2},
		{Kind: ACAppend, Leaf: [32]byte{6}},
		{Kind: ACInsertOrAppend, Root: [32]byte{7}, Leaf: [32]byte{8}, Index: 3},
		{Kind: ACCloseTree},
	}

	d := NewAccountCompressionDecoder(types.ProgramID{0x10})
	for _, c := range cases {
		data := EncodeACInstruction(c)
		bundle := types.InstructionBundle{ProgramID: d.ProgramID(), Data: data}
		got, err := d.DecodeInstruction(bundle)
		if err != nil {
			t.Fatalf("kind %v: unexpected error: %v", c.Kind, err)
		}
		result := got.(AccountCompressionInstruction)
		result.TreeUpdate = nil
		result.LeafUpdate = nil
		if result != c {
			t.Fatalf("kind %v: round trip mismatch: got %+v want %+v", c.Kind, result, c)
		}
	}
	_ = treeID
}

func TestDecodeInstructionAttachesChangeLogAndApplicationData(t *testing.T) {
	d := NewAccountCompressionDecoder(types.ProgramID{0x10})
	args := EncodeACInstruction(AccountCompressionInstruction{Kind: ACAppend, Leaf: [32]byte{1}})

	changeLog := ChangeLogEvent{TreeID: types.Pubkey{0xAA}, Seq: 42, Index: 5}
	appData := ApplicationDataEvent{Payload: []byte{1, 2, 3}}

	bundle := types.InstructionBundle{
		Data: args,
		Inner: []types.InnerInstruction{
			{ProgramID: noOpProgramID, Data: EncodeChangeLogEvent(changeLog)},
			{ProgramID: noOpProgramID, Data: EncodeApplicationDataEvent(appData)},
			{ProgramID: types.ProgramID{0x77}, Data: []byte("ignored, wrong program")},
		},
	}

	got, err := d.DecodeInstruction(bundle)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	result := got.(AccountCompressionInstruction)
	if result.TreeUpdate == nil || *result.TreeUpdate != changeLog {
		t.Fatalf("expected tree update %+v, got %+v", changeLog, result.TreeUpdate)
	}
	if result.LeafUpdate == nil || string(result.LeafUpdate.Payload) != string(appData.Payload) {
		t.Fatalf("expected leaf update payload %v, got %+v", appData.Payload, result.LeafUpdate)
	}
	if !result.Effectful() {
		t.Fatal("Append with a tree update must be effectful")
	}
}

func TestAppendWithoutChangeLogIsNotEffectful(t *testing.T) {
	d := NewAccountCompressionDecoder(types.ProgramID{0x10})
	args := EncodeACInstruction(AccountCompressionInstruction{Kind: ACAppend, Leaf: [32]byte{1}})
	got, err := d.DecodeInstruction(types.InstructionBundle{Data: args})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.(AccountCompressionInstruction).Effectful() {
		t.Fatal("Append with no ChangeLog must not be effectful")
	}
}

func TestMalformedNoopEventIsWarnOnlyNotError(t *testing.T) {
	d := NewAccountCompressionDecoder(types.ProgramID{0x10})
	args := EncodeACInstruction(AccountCompressionInstruction{Kind: ACCloseTree})
	bundle := types.InstructionBundle{
		Data: args,
		Inner: []types.InnerInstruction{
			{ProgramID: noOpProgramID, Data: []byte{0xFF}}, // unknown tag, short body
		},
	}
	got, err := d.DecodeInstruction(bundle)
	if err != nil {
		t.Fatalf("malformed noop event must not surface as a decode error, got: %v", err)
	}
	result := got.(AccountCompressionInstruction)
	if result.TreeUpdate != nil || result.LeafUpdate != nil {
		t.Fatalf("expected no events attached, got %+v", result)
	}
}

func TestUnknownDiscriminatorIsUnknownKindNotError(t *testing.T) {
	d := NewAccountCompressionDecoder(types.ProgramID{0x10})
	data := make([]byte, 8)
	copy(data, []byte{0xEE, 0xEE, 0xEE, 0xEE, 0xEE, 0xEE, 0xEE, 0xEE})
	got, err := d.DecodeInstruction(types.InstructionBundle{Data: data})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.(AccountCompressionInstruction).Kind != ACUnknown {
		t.Fatalf("expected ACUnknown, got %+v", got)
	}
}

func TestShortDiscriminatorIsUnknownKindNotError(t *testing.T) {
	d := NewAccountCompressionDecoder(types.ProgramID{0x11})
	got, err := d.DecodeInstruction(types.InstructionBundle{Data: []byte{0x01, 0x02, 0x03}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.(AccountCompressionInstruction).Kind != ACUnknown {
		t.Fatalf("expected ACUnknown, got %+v", got)
	}
}

func TestEmptyInstructionDataIsParsingError(t *testing.T) {
	d := NewAccountCompressionDecoder(types.ProgramID{0x12})
	_, err := d.DecodeInstruction(types.InstructionBundle{Data: []byte{}})
	if err == nil {
		t.Fatal("expected an error")
	}
	if !errors.Is(err, types.ErrParsing) {
		t.Fatalf("expected ErrParsing, got %v", err)
	}
}
