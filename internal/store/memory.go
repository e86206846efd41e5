package store

import (
	"context"
	"sort"
	"sync"

	"github.com/withobsrvr/das-core/internal/types"
)

// Memory is an in-memory Store used by tests. Grounded in shape on the upsert/query surface
// postgres-ducklake-flusher/go/flusher.go exposes over pgxpool, minus
// the SQL.
type Memory struct {
	mu sync.Mutex

	trees      map[[32]byte]types.MerkleTreeRecord
	leaves     map[[32]byte]types.CompressedLeaf
	changelogs []types.ChangelogRow
	nextLogID  int64
	assets     map[[32]byte]types.AssetRow
	accounts   map[types.Pubkey]types.AccountStateRow
	charHist   []types.CharacterHistoryRow
	nextCharID int64
}

// NewMemory constructs an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		trees:    make(map[[32]byte]types.MerkleTreeRecord),
		leaves:   make(map[[32]byte]types.CompressedLeaf),
		assets:   make(map[[32]byte]types.AssetRow),
		accounts: make(map[types.Pubkey]types.AccountStateRow),
	}
}

func (m *Memory) UpsertMerkleTree(_ context.Context, rec types.MerkleTreeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trees[rec.ID] = rec
	return nil
}

func (m *Memory) GetMerkleTree(_ context.Context, treeID [32]byte) (types.MerkleTreeRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.trees[treeID]
	return rec, ok, nil
}

func (m *Memory) UpsertCompressedLeaf(_ context.Context, leaf types.CompressedLeaf) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leaves[leaf.ID] = leaf
	return nil
}

func (m *Memory) GetCompressedLeaf(_ context.Context, id [32]byte) (types.CompressedLeaf, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	leaf, ok := m.leaves[id]
	return leaf, ok, nil
}

func (m *Memory) DeleteCompressedLeaf(_ context.Context, id [32]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.leaves, id)
	return nil
}

func (m *Memory) InsertChangelog(_ context.Context, row types.ChangelogRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextLogID++
	row.ID = m.nextLogID
	m.changelogs = append(m.changelogs, row)
	return nil
}

func (m *Memory) MaxChangelogSeq(_ context.Context, treeID [32]byte) (uint64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var max uint64
	found := false
	for _, row := range m.changelogs {
		if row.TreeID != treeID {
			continue
		}
		if !found || row.Seq > max {
			max = row.Seq
			found = true
		}
	}
	return max, found, nil
}

func (m *Memory) UpsertAsset(_ context.Context, row types.AssetRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.assets[row.ID]
	if ok && row.SlotUpdated < existing.SlotUpdated {
		// Monotone slot policy (spec.md §8 invariant 4): never regress.
		return nil
	}
	m.assets[row.ID] = row
	return nil
}

func (m *Memory) GetAsset(_ context.Context, id [32]byte) (types.AssetRow, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.assets[id]
	return row, ok, nil
}

func (m *Memory) UpsertAccountState(_ context.Context, row types.AccountStateRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[row.Pubkey] = row
	return nil
}

func (m *Memory) GetAccountState(_ context.Context, pubkey types.Pubkey) (types.AccountStateRow, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.accounts[pubkey]
	return row, ok, nil
}

func (m *Memory) InsertCharacterHistory(_ context.Context, row types.CharacterHistoryRow) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.charHist {
		if existing.CharacterID == row.CharacterID && existing.Event == row.Event && existing.SlotUpdated == row.SlotUpdated {
			return false, nil
		}
	}
	m.nextCharID++
	row.ID = m.nextCharID
	m.charHist = append(m.charHist, row)
	return true, nil
}

func (m *Memory) FindCharacterHistoryByParticipationID(_ context.Context, characterID [32]byte, participationID string) ([]types.CharacterHistoryRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.CharacterHistoryRow
	for _, row := range m.charHist {
		if row.CharacterID != characterID {
			continue
		}
		params, _ := row.EventData["params"].(map[string]any)
		if params == nil {
			continue
		}
		pid, _ := params["participation_id"].(string)
		if pid == participationID {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SlotUpdated < out[j].SlotUpdated })
	return out, nil
}

// CharacterEventsForTest returns every character_history row recorded
// for (characterID, event), for assertions other packages' tests need
// to make against the row's EventData payload.
func (m *Memory) CharacterEventsForTest(characterID [32]byte, event string) []types.CharacterHistoryRow {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.CharacterHistoryRow
	for _, row := range m.charHist {
		if row.CharacterID == characterID && row.Event == event {
			out = append(out, row)
		}
	}
	return out
}

// CountCharacterEventsForTest returns how many character_history rows
// exist for (characterID, event). Exported for use by other packages'
// tests (e.g. internal/ledger) that need to assert on replay
// idempotence without a parallel bookkeeping structure of their own.
func (m *Memory) CountCharacterEventsForTest(characterID [32]byte, event string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, row := range m.charHist {
		if row.CharacterID == characterID && row.Event == event {
			n++
		}
	}
	return n
}

var _ Store = (*Memory)(nil)
