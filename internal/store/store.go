// Package store defines the abstract relational store das-core writes
// normalized rows into (spec.md §6), plus a pgx-backed implementation
// and an in-memory reference implementation used by tests.
package store

import (
	"context"
	"encoding/json"

	"github.com/withobsrvr/das-core/internal/types"
)

// Store is the transactional relational store over the six tables named
// in spec.md §6. The upsert, delete and character-history insert
// methods are idempotent per the upsert semantics described alongside
// each [MODULE] in spec.md §4; InsertChangelog appends a new row on
// every call.
type Store interface {
	// UpsertMerkleTree inserts or replaces a merkle_tree row by id,
	// replacing the schema on conflict (spec.md §4.5.1).
	UpsertMerkleTree(ctx context.Context, rec types.MerkleTreeRecord) error
	// GetMerkleTree looks up a merkle_tree row by id. Returns
	// (zero, false, nil) if absent.
	GetMerkleTree(ctx context.Context, treeID [32]byte) (types.MerkleTreeRecord, bool, error)

	// UpsertCompressedLeaf inserts or fully replaces a compressed_data
	// row keyed on (tree_id, leaf_idx) (spec.md §4.5.2a).
	UpsertCompressedLeaf(ctx context.Context, leaf types.CompressedLeaf) error
	// GetCompressedLeaf looks up a compressed_data row by id. Returns
	// (zero, false, nil) if absent.
	GetCompressedLeaf(ctx context.Context, id [32]byte) (types.CompressedLeaf, bool, error)
	// DeleteCompressedLeaf removes a compressed_data row by id
	// (spec.md §4.5.2c). No error if absent.
	DeleteCompressedLeaf(ctx context.Context, id [32]byte) error

	// InsertChangelog appends one compressed_data_changelog row.
	InsertChangelog(ctx context.Context, row types.ChangelogRow) error
	// MaxChangelogSeq returns the highest seq recorded for a tree, used
	// by the backfiller's gap detection. ok is false if no rows exist.
	MaxChangelogSeq(ctx context.Context, treeID [32]byte) (seq uint64, ok bool, err error)

	// UpsertAsset applies an asset mutation. Implementations must
	// enforce the monotone-slot invariant (spec.md §8 invariant 4):
	// callers rely on this returning without effect if slot < stored
	// slot_updated.
	UpsertAsset(ctx context.Context, row types.AssetRow) error
	// GetAsset looks up an asset row by id. Returns (zero, false, nil)
	// if absent.
	GetAsset(ctx context.Context, id [32]byte) (types.AssetRow, bool, error)

	// UpsertAccountState applies the accounts table upsert (spec.md §4.4's
	// generic account-state decoder and §6).
	UpsertAccountState(ctx context.Context, row types.AccountStateRow) error
	// GetAccountState looks up an accounts row by pubkey.
	GetAccountState(ctx context.Context, pubkey types.Pubkey) (types.AccountStateRow, bool, error)

	// InsertCharacterHistory inserts a character_history row unless one
	// already exists with the same (character_id, event, slot) — the
	// uniqueness constraint from spec.md §4.5.3. Implementations report
	// inserted=false (no error) on a duplicate.
	InsertCharacterHistory(ctx context.Context, row types.CharacterHistoryRow) (inserted bool, err error)
	// FindCharacterHistoryByParticipationID returns prior character_history
	// rows whose event data's params.participation_id matches id, ordered
	// by slot ascending (spec.md §4.5.3 reward resolution step 2).
	FindCharacterHistoryByParticipationID(ctx context.Context, characterID [32]byte, participationID string) ([]types.CharacterHistoryRow, error)
}

// MarshalParsedData is a small helper shared by both Store
// implementations to keep the map[string]any <-> JSON boundary in one
// place.
func MarshalParsedData(v map[string]any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// UnmarshalParsedData is the inverse of MarshalParsedData.
func UnmarshalParsedData(b []byte) (map[string]any, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var v map[string]any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	return v, nil
}
