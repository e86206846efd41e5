// Command backfiller runs the gap-walker (SPEC_FULL.md §10): for each
// configured tree it compares the highest recorded changelog sequence
// against the tree's current on-chain sequence, and replays any missing
// transactions through the same transform pipeline cmd/stream-consumer
// uses.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"

	"github.com/withobsrvr/das-core/internal/backfill"
	"github.com/withobsrvr/das-core/internal/bs58"
	"github.com/withobsrvr/das-core/internal/config"
	"github.com/withobsrvr/das-core/internal/ledger"
	"github.com/withobsrvr/das-core/internal/logging"
	"github.com/withobsrvr/das-core/internal/store"
	"github.com/withobsrvr/das-core/internal/transform"
	"github.com/withobsrvr/das-core/internal/types"
	"github.com/withobsrvr/das-core/internal/wiring"
)

// unconfiguredRPC reports that no concrete Solana RPC client has been
// wired in: reading a tree's current sequence, listing signatures for
// an address, and fetching a confirmed transaction all depend on the
// upstream RPC client spec.md §1 excludes from this core. A deployment
// supplies its own implementation of these three collaborator
// interfaces in place of this stub.
type unconfiguredRPC struct{}

func (unconfiguredRPC) CurrentSequence(context.Context, [32]byte) (uint64, error) {
	return 0, errors.New("backfiller: no backfill.TreeSequenceReader configured; wire an RPC client")
}

func (unconfiguredRPC) ListSignatures(context.Context, [32]byte, uint64, uint64) ([]string, error) {
	return nil, errors.New("backfiller: no backfill.SignatureLister configured; wire an RPC client")
}

func (unconfiguredRPC) FetchTransaction(context.Context, string) (types.TransactionEnvelope, error) {
	return types.TransactionEnvelope{}, errors.New("backfiller: no backfill.TransactionFetcher configured; wire an RPC client")
}

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	logger := logging.NewComponentLogger("backfiller", "0.1.0")
	logging.SetLevel(cfg.LogLevel)
	logger.LogStartup(logging.StartupInfo{
		ServiceType: "backfiller",
		HealthPort:  cfg.HealthPort,
	})

	treeIDs, err := parseTreeIDs(cfg.BackfillTreeIDs)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid backfill_tree_ids")
	}
	if len(treeIDs) == 0 {
		logger.Warn().Msg("no backfill_tree_ids configured; nothing to crawl")
	}

	ctx := context.Background()

	st, err := store.NewPostgres(ctx, cfg.DatabaseURL, int32(cfg.MaxDBConnections))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to postgres")
	}

	registry, err := wiring.BuildRegistry(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build decoder registry")
	}

	var characterManager types.ProgramID
	hasCharacterManager := cfg.CharacterManagerProgramID != ""
	if hasCharacterManager {
		characterManager, err = wiring.ParseProgramID(cfg.CharacterManagerProgramID)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid character_manager_program_id")
		}
	}

	lg := ledger.New(st, nil, characterManager, hasCharacterManager, logger)
	xf := transform.New(registry, lg, st, logger)

	rpc := unconfiguredRPC{}
	bf := backfill.New(backfill.Config{
		TreeCrawlerCount: cfg.TreeCrawlerCount,
		GapWorkerCount:   cfg.GapWorkerCount,
	}, st, rpc, rpc, rpc, xf, logger)

	httpServer := wiring.StartHealthServer(cfg.HealthPort, logger)
	defer httpServer.Close()

	if err := bf.Run(ctx, treeIDs); err != nil {
		logger.Error().Err(err).Msg("backfill run exited with error")
	}
	logger.Info().Msg("backfiller stopped")
}

func parseTreeIDs(ids []string) ([][32]byte, error) {
	out := make([][32]byte, 0, len(ids))
	for _, s := range ids {
		b, err := bs58.Decode(s)
		if err != nil {
			return nil, fmt.Errorf("tree id %q: %w", s, err)
		}
		if len(b) != 32 {
			return nil, fmt.Errorf("tree id %q decodes to %d bytes, want 32", s, len(b))
		}
		var id [32]byte
		copy(id[:], b)
		out = append(out, id)
	}
	return out, nil
}
