// Package ledger implements the Compressed-Data Ledger (spec.md §4.5):
// the change-log engine that maintains merkle-tree leaves, validates
// them against a stored schema, applies partial patches, and drives
// character-lifecycle bookkeeping off the ApplicationData event stream
// emitted by the account-compression decoder's no-op side channel.
package ledger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/sha3"

	"github.com/withobsrvr/das-core/internal/logging"
	"github.com/withobsrvr/das-core/internal/metrics"
	"github.com/withobsrvr/das-core/internal/store"
	"github.com/withobsrvr/das-core/internal/types"
)

// Schema validates and may mutate leaf data before it is persisted
// (spec.md §4.5.2a step 2). Implementations are looked up by the tree
// record's stored binary schema; this core ships no concrete schema
// language, so SchemaRegistry.Resolve is the extension point a
// deployment wires in.
type Schema interface {
	Validate(data map[string]any) error
}

// SchemaRegistry resolves a tree's stored binary schema bytes to a
// Schema implementation. A nil registry (or a lookup miss) is treated
// the same as "no program id" in spec.md §4.5.2a step 2: validation is
// skipped and schema_validated is recorded false.
type SchemaRegistry interface {
	Resolve(schemaBytes []byte) (Schema, bool)
}

// ApplicationDataPayloadKind tags which ApplicationData variant an
// event carries.
type ApplicationDataPayloadKind int

const (
	PayloadTreeSchemaValue ApplicationDataPayloadKind = iota
	PayloadLeafFull
	PayloadLeafPatchChunk
	PayloadLeafEmpty
)

// TreeSchemaValue is the decoded §4.5.1 event.
type TreeSchemaValue struct {
	Discriminator types.Discriminator
	TreeID        [32]byte
	Schema        []byte
	CanopyDepth   uint32
	Program       *types.ProgramID
}

// LeafEvent is the decoded §4.5.2 event header, common to all three
// stream_type variants.
type LeafEvent struct {
	Slot       uint64
	TreeID     [32]byte
	LeafIndex  uint32
	Sequence   uint64
	StreamType ApplicationDataPayloadKind

	// Full
	Data map[string]any
	// PatchChunk
	Key       string
	PatchData json.RawMessage
}

// DecodeApplicationData parses the raw payload an
// decode.ApplicationDataEvent carries into either a TreeSchemaValue or
// a LeafEvent, per the wire format chosen for this module (documented
// in DESIGN.md: spec.md does not pin a byte format, original_source's
// is borsh/Rust-specific and out of scope for a Go-native rewrite).
//
// Layout: byte 0 selects TreeSchemaValue(0) or Leaf(1).
//
// TreeSchemaValue: 8-byte discriminator, 32-byte tree id, 4-byte
// canopy depth (LE), 1-byte has-program flag, 32-byte program id (if
// the flag is set), remaining bytes are the schema.
//
// Leaf: 32-byte tree id, 4-byte leaf index (LE), 8-byte sequence (LE),
// 8-byte slot (LE), 1-byte stream type (0=Full,1=PatchChunk,2=Empty),
// then a stream-type-specific tail: Full is JSON object bytes; Patch
// is a 2-byte key length (LE), the key bytes, then JSON value bytes;
// Empty has no tail.
func DecodeApplicationData(payload []byte) (any, error) {
	if len(payload) < 1 {
		return nil, fmt.Errorf("%w: empty ApplicationData payload", types.ErrDeserialization)
	}
	switch payload[0] {
	case 0:
		return decodeTreeSchemaValue(payload[1:])
	case 1:
		return decodeLeafEvent(payload[1:])
	default:
		return nil, fmt.Errorf("%w: unknown ApplicationData payload kind %d", types.ErrDeserialization, payload[0])
	}
}

func decodeTreeSchemaValue(b []byte) (TreeSchemaValue, error) {
	if len(b) < 8+32+4+1 {
		return TreeSchemaValue{}, fmt.Errorf("%w: short TreeSchemaValue", types.ErrDeserialization)
	}
	var v TreeSchemaValue
	copy(v.Discriminator[:], b[0:8])
	copy(v.TreeID[:], b[8:40])
	v.CanopyDepth = binary.LittleEndian.Uint32(b[40:44])
	hasProgram := b[44]
	off := 45
	if hasProgram == 1 {
		if len(b) < off+32 {
			return TreeSchemaValue{}, fmt.Errorf("%w: short TreeSchemaValue program id", types.ErrDeserialization)
		}
		var prog types.ProgramID
		copy(prog[:], b[off:off+32])
		v.Program = &prog
		off += 32
	}
	v.Schema = append([]byte(nil), b[off:]...)
	return v, nil
}

func decodeLeafEvent(b []byte) (LeafEvent, error) {
	const headerLen = 32 + 4 + 8 + 8 + 1
	if len(b) < headerLen {
		return LeafEvent{}, fmt.Errorf("%w: short Leaf event header", types.ErrDeserialization)
	}
	var ev LeafEvent
	copy(ev.TreeID[:], b[0:32])
	ev.LeafIndex = binary.LittleEndian.Uint32(b[32:36])
	ev.Sequence = binary.LittleEndian.Uint64(b[36:44])
	ev.Slot = binary.LittleEndian.Uint64(b[44:52])
	tail := b[53:]

	switch b[52] {
	case 0:
		ev.StreamType = PayloadLeafFull
		var data map[string]any
		if len(tail) > 0 {
			if err := json.Unmarshal(tail, &data); err != nil {
				return LeafEvent{}, fmt.Errorf("%w: Full leaf data: %v", types.ErrDeserialization, err)
			}
		}
		ev.Data = data
	case 1:
		ev.StreamType = PayloadLeafPatchChunk
		if len(tail) < 2 {
			return LeafEvent{}, fmt.Errorf("%w: short PatchChunk key length", types.ErrDeserialization)
		}
		keyLen := binary.LittleEndian.Uint16(tail[0:2])
		tail = tail[2:]
		if len(tail) < int(keyLen) {
			return LeafEvent{}, fmt.Errorf("%w: short PatchChunk key", types.ErrDeserialization)
		}
		ev.Key = string(tail[:keyLen])
		ev.PatchData = append(json.RawMessage(nil), tail[keyLen:]...)
	case 2:
		ev.StreamType = PayloadLeafEmpty
	default:
		return LeafEvent{}, fmt.Errorf("%w: unknown Leaf stream_type %d", types.ErrDeserialization, b[52])
	}
	return ev, nil
}

// leafKey computes keccak(tree_id || leaf_index_le_u32) (spec.md
// §4.5.2a step 1).
func leafKey(treeID [32]byte, leafIndex uint32) [32]byte {
	buf := make([]byte, 36)
	copy(buf[:32], treeID[:])
	binary.LittleEndian.PutUint32(buf[32:], leafIndex)
	var out [32]byte
	h := sha3.NewLegacyKeccak256()
	h.Write(buf)
	copy(out[:], h.Sum(nil))
	return out
}

// Ledger applies decode.ApplicationDataEvent payloads to the store,
// implementing spec.md §4.5's three leaf-mutation semantics plus the
// character-lifecycle hook (§4.5.3).
type Ledger struct {
	st              store.Store
	schemas         SchemaRegistry
	characterMgr    types.ProgramID
	characterMgrSet bool
	log             *logging.ComponentLogger
}

// New constructs a Ledger. characterManager is the program id whose
// Full/PatchChunk leaves get the character-lifecycle treatment; pass
// the zero value (and hasCharacterManager=false) if this deployment has
// none.
func New(st store.Store, schemas SchemaRegistry, characterManager types.ProgramID, hasCharacterManager bool, log *logging.ComponentLogger) *Ledger {
	return &Ledger{st: st, schemas: schemas, characterMgr: characterManager, characterMgrSet: hasCharacterManager, log: log}
}

// ApplyTreeSchemaValue upserts the merkle_tree record (spec.md §4.5.1).
func (l *Ledger) ApplyTreeSchemaValue(ctx context.Context, v TreeSchemaValue) error {
	err := l.st.UpsertMerkleTree(ctx, types.MerkleTreeRecord{
		ID:            v.TreeID,
		Discriminator: v.Discriminator,
		Program:       v.Program,
		DataSchema:    v.Schema,
		CanopyDepth:   v.CanopyDepth,
	})
	if err != nil {
		return err
	}
	metrics.LedgerOperationsTotal.WithLabelValues("tree_schema_value").Inc()
	return nil
}

// ApplyLeafEvent dispatches ev to the Full/PatchChunk/Empty handler.
func (l *Ledger) ApplyLeafEvent(ctx context.Context, ev LeafEvent) error {
	switch ev.StreamType {
	case PayloadLeafFull:
		return l.applyFull(ctx, ev)
	case PayloadLeafPatchChunk:
		return l.applyPatchChunk(ctx, ev)
	case PayloadLeafEmpty:
		return l.applyEmpty(ctx, ev)
	default:
		return fmt.Errorf("%w: unhandled leaf stream_type", types.ErrNotImplemented)
	}
}

func (l *Ledger) applyFull(ctx context.Context, ev LeafEvent) error {
	id := leafKey(ev.TreeID, ev.LeafIndex)

	tree, hasTree, err := l.st.GetMerkleTree(ctx, ev.TreeID)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrStorageRead, err)
	}

	data := ev.Data
	schemaValidated := false
	if hasTree && tree.Program != nil {
		if sch, ok := l.resolveSchema(tree.DataSchema); ok {
			if err := sch.Validate(data); err != nil {
				return fmt.Errorf("%w: %v", types.ErrCompressedDataParse, err)
			}
			schemaValidated = true
		}
	}

	raw, err := store.MarshalParsedData(data)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrCompressedDataParse, err)
	}

	if err := l.st.UpsertCompressedLeaf(ctx, types.CompressedLeaf{
		ID:              id,
		TreeID:          ev.TreeID,
		LeafIdx:         ev.LeafIndex,
		Seq:             ev.Sequence,
		SchemaValidated: schemaValidated,
		RawData:         raw,
		ParsedData:      data,
		SlotUpdated:     ev.Slot,
	}); err != nil {
		return fmt.Errorf("%w: %v", types.ErrStorageWrite, err)
	}

	if err := l.st.InsertChangelog(ctx, types.ChangelogRow{
		TreeID:  ev.TreeID,
		LeafIdx: ev.LeafIndex,
		Key:     nil,
		Data:    raw,
		Seq:     ev.Sequence,
		Slot:    ev.Slot,
	}); err != nil {
		return fmt.Errorf("%w: %v", types.ErrStorageWrite, err)
	}
	metrics.LedgerOperationsTotal.WithLabelValues("leaf_full").Inc()

	if hasTree && tree.Program != nil && l.characterMgrSet && *tree.Program == l.characterMgr {
		if usedBy, ok := data["used_by"]; ok {
			if err := l.handleNewCharacter(ctx, id, usedBy, ev.Slot); err != nil {
				return err
			}
		}
	}
	return nil
}

func (l *Ledger) applyPatchChunk(ctx context.Context, ev LeafEvent) error {
	id := leafKey(ev.TreeID, ev.LeafIndex)

	leaf, ok, err := l.st.GetCompressedLeaf(ctx, id)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrStorageRead, err)
	}
	if !ok {
		return fmt.Errorf("%w: patch without prior Full leaf", types.ErrStorageRead)
	}

	parsed, err := store.UnmarshalParsedData(leaf.RawData)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrCompressedDataParse, err)
	}
	if parsed == nil {
		return nil // not an object: patch is ignored silently.
	}
	if _, exists := parsed[ev.Key]; !exists {
		return nil // unknown field: patch is ignored silently.
	}

	tree, hasTree, err := l.st.GetMerkleTree(ctx, ev.TreeID)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrStorageRead, err)
	}

	var newValue any
	if err := json.Unmarshal(ev.PatchData, &newValue); err != nil {
		return fmt.Errorf("%w: %v", types.ErrCompressedDataParse, err)
	}

	isCharacterManager := hasTree && tree.Program != nil && l.characterMgrSet && *tree.Program == l.characterMgr
	if isCharacterManager && ev.Key == "used_by" {
		stored, err := l.logCharacterHistory(ctx, id, parsed["used_by"], newValue, ev.Slot)
		if err != nil {
			return err
		}
		newValue = stored
	}

	parsed[ev.Key] = newValue

	raw, err := store.MarshalParsedData(parsed)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrCompressedDataParse, err)
	}
	leaf.RawData = raw
	leaf.ParsedData = parsed
	leaf.SlotUpdated = ev.Slot
	leaf.Seq = ev.Sequence
	if err := l.st.UpsertCompressedLeaf(ctx, leaf); err != nil {
		return fmt.Errorf("%w: %v", types.ErrStorageWrite, err)
	}

	key := ev.Key
	if err := l.st.InsertChangelog(ctx, types.ChangelogRow{
		TreeID:  ev.TreeID,
		LeafIdx: ev.LeafIndex,
		Key:     &key,
		Data:    []byte(ev.PatchData),
		Seq:     ev.Sequence,
		Slot:    ev.Slot,
	}); err != nil {
		return fmt.Errorf("%w: %v", types.ErrStorageWrite, err)
	}
	metrics.LedgerOperationsTotal.WithLabelValues("leaf_patch_chunk").Inc()
	return nil
}

func (l *Ledger) applyEmpty(ctx context.Context, ev LeafEvent) error {
	id := leafKey(ev.TreeID, ev.LeafIndex)

	_, ok, err := l.st.GetCompressedLeaf(ctx, id)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrStorageRead, err)
	}
	if !ok {
		return fmt.Errorf("%w: empty without prior leaf", types.ErrStorageRead)
	}

	if err := l.st.DeleteCompressedLeaf(ctx, id); err != nil {
		return fmt.Errorf("%w: %v", types.ErrStorageWrite, err)
	}
	metrics.LedgerOperationsTotal.WithLabelValues("leaf_empty").Inc()
	return nil
}

func (l *Ledger) resolveSchema(schemaBytes []byte) (Schema, bool) {
	if l.schemas == nil {
		return nil, false
	}
	return l.schemas.Resolve(schemaBytes)
}
