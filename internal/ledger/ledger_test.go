package ledger

import (
	"context"
	"testing"

	"github.com/withobsrvr/das-core/internal/logging"
	"github.com/withobsrvr/das-core/internal/store"
	"github.com/withobsrvr/das-core/internal/types"
)

func newTestLedger() (*Ledger, store.Store) {
	st := store.NewMemory()
	log := logging.NewComponentLogger("ledger-test", "test")
	return New(st, nil, types.ProgramID{}, false, log), st
}

func TestApplyTreeSchemaValueUpsertsRecord(t *testing.T) {
	l, st := newTestLedger()
	ctx := context.Background()
	treeID := [32]byte{1}

	err := l.ApplyTreeSchemaValue(ctx, TreeSchemaValue{
		TreeID:      treeID,
		Schema:      []byte("schema-v1"),
		CanopyDepth: 10,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, ok, err := st.GetMerkleTree(ctx, treeID)
	if err != nil || !ok {
		t.Fatalf("expected tree record, err=%v ok=%v", err, ok)
	}
	if string(got.DataSchema) != "schema-v1" || got.CanopyDepth != 10 {
		t.Fatalf("unexpected record: %+v", got)
	}
}

// TestLeafFullThenPatchChunk exercises S2 and S3 from spec.md §8: a
// Full leaf followed by a PatchChunk on an existing field.
func TestLeafFullThenPatchChunk(t *testing.T) {
	l, st := newTestLedger()
	ctx := context.Background()
	treeID := [32]byte{2}

	full := LeafEvent{
		TreeID:     treeID,
		LeafIndex:  7,
		Sequence:   42,
		Slot:       1000,
		StreamType: PayloadLeafFull,
		Data:       map[string]any{"color": "blue"},
	}
	if err := l.ApplyLeafEvent(ctx, full); err != nil {
		t.Fatalf("Full: unexpected error: %v", err)
	}

	id := leafKey(treeID, 7)
	leaf, ok, err := st.GetCompressedLeaf(ctx, id)
	if err != nil || !ok {
		t.Fatalf("expected leaf, err=%v ok=%v", err, ok)
	}
	if leaf.ParsedData["color"] != "blue" || leaf.Seq != 42 || leaf.SlotUpdated != 1000 {
		t.Fatalf("unexpected leaf after Full: %+v", leaf)
	}

	patch := LeafEvent{
		TreeID:     treeID,
		LeafIndex:  7,
		Sequence:   43,
		Slot:       1001,
		StreamType: PayloadLeafPatchChunk,
		Key:        "color",
		PatchData:  []byte(`"red"`),
	}
	if err := l.ApplyLeafEvent(ctx, patch); err != nil {
		t.Fatalf("PatchChunk: unexpected error: %v", err)
	}

	leaf, ok, err = st.GetCompressedLeaf(ctx, id)
	if err != nil || !ok {
		t.Fatalf("expected leaf after patch, err=%v ok=%v", err, ok)
	}
	if leaf.ParsedData["color"] != "red" || leaf.SlotUpdated != 1001 {
		t.Fatalf("unexpected leaf after PatchChunk: %+v", leaf)
	}
}

func TestPatchChunkWithoutPriorFullIsStorageReadError(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	err := l.ApplyLeafEvent(ctx, LeafEvent{
		TreeID:     [32]byte{3},
		LeafIndex:  1,
		StreamType: PayloadLeafPatchChunk,
		Key:        "x",
		PatchData:  []byte(`1`),
	})
	if err == nil {
		t.Fatal("expected an error")
	}
	if !errorsIsStorageRead(err) {
		t.Fatalf("expected ErrStorageRead, got %v", err)
	}
}

func TestEmptyDeletesLeafWithoutChangelog(t *testing.T) {
	l, st := newTestLedger()
	ctx := context.Background()
	treeID := [32]byte{4}

	if err := l.ApplyLeafEvent(ctx, LeafEvent{
		TreeID: treeID, LeafIndex: 1, Sequence: 1, Slot: 1,
		StreamType: PayloadLeafFull, Data: map[string]any{"a": 1.0},
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := l.ApplyLeafEvent(ctx, LeafEvent{
		TreeID: treeID, LeafIndex: 1, Sequence: 2, Slot: 2,
		StreamType: PayloadLeafEmpty,
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	id := leafKey(treeID, 1)
	if _, ok, _ := st.GetCompressedLeaf(ctx, id); ok {
		t.Fatal("expected leaf to be deleted")
	}

	seq, _, err := st.MaxChangelogSeq(ctx, treeID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seq != 1 {
		t.Fatalf("got max changelog seq %d, want 1 (Empty must not write a changelog row)", seq)
	}
}

func TestEmptyWithoutPriorLeafIsStorageReadError(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	err := l.ApplyLeafEvent(ctx, LeafEvent{
		TreeID: [32]byte{6}, LeafIndex: 1, Sequence: 1, Slot: 1,
		StreamType: PayloadLeafEmpty,
	})
	if err == nil {
		t.Fatal("expected an error")
	}
	if !errorsIsStorageRead(err) {
		t.Fatalf("expected ErrStorageRead, got %v", err)
	}
}

func TestDecodeApplicationDataRoundTrip(t *testing.T) {
	v := TreeSchemaValue{
		Discriminator: types.Discriminator{9},
		TreeID:        [32]byte{5},
		CanopyDepth:   14,
		Schema:        []byte("s"),
	}
	encoded := encodeTreeSchemaValueForTest(v)
	got, err := DecodeApplicationData(encoded)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	decoded := got.(TreeSchemaValue)
	decoded.Schema = v.Schema // re-slice identity not required
	if decoded.TreeID != v.TreeID || decoded.CanopyDepth != v.CanopyDepth {
		t.Fatalf("round trip mismatch: %+v vs %+v", decoded, v)
	}
}

func errorsIsStorageRead(err error) bool {
	for err != nil {
		if err == types.ErrStorageRead {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func encodeTreeSchemaValueForTest(v TreeSchemaValue) []byte {
	buf := []byte{0}
	buf = append(buf, v.Discriminator[:]...)
	buf = append(buf, v.TreeID[:]...)
	depth := make([]byte, 4)
	depth[0] = byte(v.CanopyDepth)
	buf = append(buf, depth...)
	buf = append(buf, 0) // has-program flag
	buf = append(buf, v.Schema...)
	return buf
}
