package decode

import (
	"encoding/binary"
	"fmt"

	"github.com/withobsrvr/das-core/internal/types"
)

// noOpProgramID is a fixed well-known id reserved for the logging
// program every leaf-mutating instruction CPIs into to emit its
// change-log/application-data event (spec.md §4.4, grounded on
// original_source/blockbuster/src/programs/account_compression/mod.rs's
// spl_noop::id() check).
var noOpProgramID = types.ProgramID{0xF0}

// changeLogEventLen is the fixed encoded length of a ChangeLogEvent:
// 32-byte tree id + 8-byte sequence (LE) + 4-byte index (LE).
const changeLogEventLen = 32 + 8 + 4

// ChangeLogEvent mirrors spl-account-compression's ChangeLogEventV1: the
// record of one leaf mutation applied to a tree, emitted via the no-op
// program so indexers can observe it without reading the tree account
// directly.
type ChangeLogEvent struct {
	TreeID types.Pubkey
	Seq    uint64
	Index  uint32
}

// ApplicationDataEvent carries an opaque payload describing a
// compressed-data mutation (spec.md §4.5's TreeSchemaValue/Leaf
// encodings). decode does not interpret Payload further: the ledger
// package owns that vocabulary.
type ApplicationDataEvent struct {
	Payload []byte
}

// NoopEvent is the decoded shape of one inner no-op instruction: exactly
// one of ChangeLog or ApplicationData is set.
type NoopEvent struct {
	ChangeLog       *ChangeLogEvent
	ApplicationData *ApplicationDataEvent
}

const (
	noopEventKindChangeLog       = 0
	noopEventKindApplicationData = 1
)

// ParseNoopEvent decodes one no-op inner instruction's data, tagged by
// its first byte (spec.md §4.4: "deserialized as a ChangeLog or
// ApplicationData event"). Unrecognized tags are reported as
// types.ErrDeserialization; callers (account-compression decoder) treat
// that as warn-and-continue, never surfacing it as a decode failure.
func ParseNoopEvent(data []byte) (NoopEvent, error) {
	if len(data) < 1 {
		return NoopEvent{}, fmt.Errorf("%w: empty noop event", types.ErrDeserialization)
	}
	kind, body := data[0], data[1:]
	switch kind {
	case noopEventKindChangeLog:
		if len(body) < changeLogEventLen {
			return NoopEvent{}, fmt.Errorf("%w: short ChangeLogEvent", types.ErrDeserialization)
		}
		var treeID types.Pubkey
		copy(treeID[:], body[0:32])
		seq := binary.LittleEndian.Uint64(body[32:40])
		index := binary.LittleEndian.Uint32(body[40:44])
		return NoopEvent{ChangeLog: &ChangeLogEvent{TreeID: treeID, Seq: seq, Index: index}}, nil
	case noopEventKindApplicationData:
		payload := make([]byte, len(body))
		copy(payload, body)
		return NoopEvent{ApplicationData: &ApplicationDataEvent{Payload: payload}}, nil
	default:
		return NoopEvent{}, fmt.Errorf("%w: unknown noop event tag %d", types.ErrDeserialization, kind)
	}
}

// EncodeChangeLogEvent is the inverse of ParseNoopEvent for ChangeLog
// events, used by tests and the backfiller's synthetic replay feeds to
// construct inner no-op instruction data.
func EncodeChangeLogEvent(ev ChangeLogEvent) []byte {
	buf := make([]byte, 1+changeLogEventLen)
	buf[0] = noopEventKindChangeLog
	copy(buf[1:33], ev.TreeID[:])
	binary.LittleEndian.PutUint64(buf[33:41], ev.Seq)
	binary.LittleEndian.PutUint32(buf[41:45], ev.Index)
	return buf
}

// EncodeApplicationDataEvent is the inverse of ParseNoopEvent for
// ApplicationData events.
func EncodeApplicationDataEvent(ev ApplicationDataEvent) []byte {
	buf := make([]byte, 1+len(ev.Payload))
	buf[0] = noopEventKindApplicationData
	copy(buf[1:], ev.Payload)
	return buf
}
