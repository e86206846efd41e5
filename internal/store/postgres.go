package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/withobsrvr/das-core/internal/types"
)

// Postgres is the pgxpool-backed Store implementation, grounded on
// postgres-ducklake-flusher/go/flusher.go's direct pgxpool usage and
// contract-data-processor/consumer/postgresql/consumer.go's batched
// upsert idiom.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres parses dsn, opens a pool capped at maxConns, and pings it.
func NewPostgres(ctx context.Context, dsn string, maxConns int32) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() { p.pool.Close() }

func (p *Postgres) UpsertMerkleTree(ctx context.Context, rec types.MerkleTreeRecord) error {
	var program []byte
	if rec.Program != nil {
		program = rec.Program[:]
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO merkle_tree (id, discriminator, program, data_schema, canopy_depth, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			discriminator = EXCLUDED.discriminator,
			program = EXCLUDED.program,
			data_schema = EXCLUDED.data_schema,
			canopy_depth = EXCLUDED.canopy_depth
	`, rec.ID[:], rec.Discriminator[:], program, rec.DataSchema, rec.CanopyDepth, timeOrNow(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("%w: upsert merkle_tree: %v", types.ErrStorageWrite, err)
	}
	return nil
}

func (p *Postgres) GetMerkleTree(ctx context.Context, treeID [32]byte) (types.MerkleTreeRecord, bool, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, discriminator, program, data_schema, canopy_depth, created_at
		FROM merkle_tree WHERE id = $1
	`, treeID[:])

	var rec types.MerkleTreeRecord
	var id, disc []byte
	var program []byte
	if err := row.Scan(&id, &disc, &program, &rec.DataSchema, &rec.CanopyDepth, &rec.CreatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return types.MerkleTreeRecord{}, false, nil
		}
		return types.MerkleTreeRecord{}, false, fmt.Errorf("%w: get merkle_tree: %v", types.ErrStorageRead, err)
	}
	copy(rec.ID[:], id)
	copy(rec.Discriminator[:], disc)
	if len(program) == 32 {
		var pid types.ProgramID
		copy(pid[:], program)
		rec.Program = &pid
	}
	return rec, true, nil
}

func (p *Postgres) UpsertCompressedLeaf(ctx context.Context, leaf types.CompressedLeaf) error {
	parsed, err := MarshalParsedData(leaf.ParsedData)
	if err != nil {
		return fmt.Errorf("%w: marshal parsed_data: %v", types.ErrCompressedDataParse, err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO compressed_data (id, tree_id, leaf_idx, seq, schema_validated, raw_data, parsed_data, slot_updated)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tree_id, leaf_idx) DO UPDATE SET
			id = EXCLUDED.id,
			seq = EXCLUDED.seq,
			schema_validated = EXCLUDED.schema_validated,
			raw_data = EXCLUDED.raw_data,
			parsed_data = EXCLUDED.parsed_data,
			slot_updated = EXCLUDED.slot_updated
	`, leaf.ID[:], leaf.TreeID[:], leaf.LeafIdx, leaf.Seq, leaf.SchemaValidated, leaf.RawData, parsed, leaf.SlotUpdated)
	if err != nil {
		return fmt.Errorf("%w: upsert compressed_data: %v", types.ErrStorageWrite, err)
	}
	return nil
}

func (p *Postgres) GetCompressedLeaf(ctx context.Context, id [32]byte) (types.CompressedLeaf, bool, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, tree_id, leaf_idx, seq, schema_validated, raw_data, parsed_data, slot_updated
		FROM compressed_data WHERE id = $1
	`, id[:])

	var leaf types.CompressedLeaf
	var idb, treeID []byte
	var parsed []byte
	if err := row.Scan(&idb, &treeID, &leaf.LeafIdx, &leaf.Seq, &leaf.SchemaValidated, &leaf.RawData, &parsed, &leaf.SlotUpdated); err != nil {
		if err == pgx.ErrNoRows {
			return types.CompressedLeaf{}, false, nil
		}
		return types.CompressedLeaf{}, false, fmt.Errorf("%w: get compressed_data: %v", types.ErrStorageRead, err)
	}
	copy(leaf.ID[:], idb)
	copy(leaf.TreeID[:], treeID)
	pd, err := UnmarshalParsedData(parsed)
	if err != nil {
		return types.CompressedLeaf{}, false, fmt.Errorf("%w: unmarshal parsed_data: %v", types.ErrCompressedDataParse, err)
	}
	leaf.ParsedData = pd
	return leaf, true, nil
}

func (p *Postgres) DeleteCompressedLeaf(ctx context.Context, id [32]byte) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM compressed_data WHERE id = $1`, id[:]); err != nil {
		return fmt.Errorf("%w: delete compressed_data: %v", types.ErrStorageWrite, err)
	}
	return nil
}

func (p *Postgres) InsertChangelog(ctx context.Context, row types.ChangelogRow) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO compressed_data_changelog (tree_id, leaf_idx, key, data, seq, slot, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, row.TreeID[:], row.LeafIdx, row.Key, row.Data, row.Seq, row.Slot, timeOrNow(row.CreatedAt))
	if err != nil {
		return fmt.Errorf("%w: insert changelog: %v", types.ErrStorageWrite, err)
	}
	return nil
}

func (p *Postgres) MaxChangelogSeq(ctx context.Context, treeID [32]byte) (uint64, bool, error) {
	var seq *uint64
	err := p.pool.QueryRow(ctx, `
		SELECT MAX(seq) FROM compressed_data_changelog WHERE tree_id = $1
	`, treeID[:]).Scan(&seq)
	if err != nil {
		return 0, false, fmt.Errorf("%w: max changelog seq: %v", types.ErrStorageRead, err)
	}
	if seq == nil {
		return 0, false, nil
	}
	return *seq, true, nil
}

func (p *Postgres) UpsertAsset(ctx context.Context, row types.AssetRow) error {
	var delegate []byte
	if row.Delegate != nil {
		delegate = row.Delegate[:]
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO asset (id, owner, delegate, frozen, supply, slot_updated)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			owner = EXCLUDED.owner,
			delegate = EXCLUDED.delegate,
			frozen = EXCLUDED.frozen,
			supply = EXCLUDED.supply,
			slot_updated = EXCLUDED.slot_updated
		WHERE asset.slot_updated <= EXCLUDED.slot_updated
	`, row.ID[:], row.Owner[:], delegate, row.Frozen, row.Supply, row.SlotUpdated)
	if err != nil {
		return fmt.Errorf("%w: upsert asset: %v", types.ErrStorageWrite, err)
	}
	return nil
}

func (p *Postgres) GetAsset(ctx context.Context, id [32]byte) (types.AssetRow, bool, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, owner, delegate, frozen, supply, slot_updated FROM asset WHERE id = $1
	`, id[:])

	var rec types.AssetRow
	var idb, owner, delegate []byte
	if err := row.Scan(&idb, &owner, &delegate, &rec.Frozen, &rec.Supply, &rec.SlotUpdated); err != nil {
		if err == pgx.ErrNoRows {
			return types.AssetRow{}, false, nil
		}
		return types.AssetRow{}, false, fmt.Errorf("%w: get asset: %v", types.ErrStorageRead, err)
	}
	copy(rec.ID[:], idb)
	copy(rec.Owner[:], owner)
	if len(delegate) == 32 {
		var d types.Pubkey
		copy(d[:], delegate)
		rec.Delegate = &d
	}
	return rec, true, nil
}

func (p *Postgres) UpsertAccountState(ctx context.Context, row types.AccountStateRow) error {
	parsed, err := MarshalParsedData(row.ParsedData)
	if err != nil {
		return fmt.Errorf("%w: marshal parsed_data: %v", types.ErrDeserialization, err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO accounts (id, program_id, discriminator, parsed_data, slot_updated)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			program_id = EXCLUDED.program_id,
			discriminator = EXCLUDED.discriminator,
			parsed_data = EXCLUDED.parsed_data,
			slot_updated = EXCLUDED.slot_updated
	`, row.Pubkey[:], row.ProgramID[:], row.Discriminator[:], parsed, row.SlotUpdated)
	if err != nil {
		return fmt.Errorf("%w: upsert accounts: %v", types.ErrStorageWrite, err)
	}
	return nil
}

func (p *Postgres) GetAccountState(ctx context.Context, pubkey types.Pubkey) (types.AccountStateRow, bool, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, program_id, discriminator, parsed_data, slot_updated FROM accounts WHERE id = $1
	`, pubkey[:])

	var rec types.AccountStateRow
	var idb, programID, disc, parsed []byte
	if err := row.Scan(&idb, &programID, &disc, &parsed, &rec.SlotUpdated); err != nil {
		if err == pgx.ErrNoRows {
			return types.AccountStateRow{}, false, nil
		}
		return types.AccountStateRow{}, false, fmt.Errorf("%w: get accounts: %v", types.ErrStorageRead, err)
	}
	copy(rec.Pubkey[:], idb)
	copy(rec.ProgramID[:], programID)
	copy(rec.Discriminator[:], disc)
	pd, err := UnmarshalParsedData(parsed)
	if err != nil {
		return types.AccountStateRow{}, false, fmt.Errorf("%w: unmarshal parsed_data: %v", types.ErrDeserialization, err)
	}
	rec.ParsedData = pd
	return rec, true, nil
}

func (p *Postgres) InsertCharacterHistory(ctx context.Context, row types.CharacterHistoryRow) (bool, error) {
	eventData, err := MarshalParsedData(row.EventData)
	if err != nil {
		return false, fmt.Errorf("%w: marshal event_data: %v", types.ErrStorageWrite, err)
	}
	ct, err := p.pool.Exec(ctx, `
		INSERT INTO character_history (character_id, event, event_data, slot_updated)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (character_id, event, slot_updated) DO NOTHING
	`, row.CharacterID[:], row.Event, eventData, row.SlotUpdated)
	if err != nil {
		return false, fmt.Errorf("%w: insert character_history: %v", types.ErrStorageWrite, err)
	}
	return ct.RowsAffected() > 0, nil
}

func (p *Postgres) FindCharacterHistoryByParticipationID(ctx context.Context, characterID [32]byte, participationID string) ([]types.CharacterHistoryRow, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, character_id, event, event_data, slot_updated
		FROM character_history
		WHERE character_id = $1 AND event_data->'params'->>'participation_id' = $2
		ORDER BY slot_updated ASC
	`, characterID[:], participationID)
	if err != nil {
		return nil, fmt.Errorf("%w: query character_history: %v", types.ErrStorageRead, err)
	}
	defer rows.Close()

	var out []types.CharacterHistoryRow
	for rows.Next() {
		var rec types.CharacterHistoryRow
		var charID, eventData []byte
		if err := rows.Scan(&rec.ID, &charID, &rec.Event, &eventData, &rec.SlotUpdated); err != nil {
			return nil, fmt.Errorf("%w: scan character_history: %v", types.ErrStorageRead, err)
		}
		copy(rec.CharacterID[:], charID)
		pd, err := UnmarshalParsedData(eventData)
		if err != nil {
			return nil, fmt.Errorf("%w: unmarshal event_data: %v", types.ErrStorageRead, err)
		}
		rec.EventData = pd
		out = append(out, rec)
	}
	return out, rows.Err()
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}

var _ Store = (*Postgres)(nil)
