// Command stream-consumer runs the Stream Consumer Framework, Instruction
// Ordering & Dispatch, Program Decoders, and Compressed-Data Ledger
// stages (spec.md §4.2-§4.5): it reads the ACCOUNTS and TRANSACTIONS
// streams the fan-in stage published, decodes and orders each record,
// and applies the result to Postgres.
package main

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/withobsrvr/das-core/internal/broker"
	"github.com/withobsrvr/das-core/internal/config"
	"github.com/withobsrvr/das-core/internal/consumer"
	"github.com/withobsrvr/das-core/internal/ledger"
	"github.com/withobsrvr/das-core/internal/logging"
	"github.com/withobsrvr/das-core/internal/store"
	"github.com/withobsrvr/das-core/internal/transform"
	"github.com/withobsrvr/das-core/internal/types"
	"github.com/withobsrvr/das-core/internal/wiring"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	logger := logging.NewComponentLogger("stream-consumer", "0.1.0")
	logging.SetLevel(cfg.LogLevel)
	logger.LogStartup(logging.StartupInfo{
		ServiceType: "stream-consumer",
		HealthPort:  cfg.HealthPort,
	})

	registry, err := wiring.BuildRegistry(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build decoder registry")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.NewPostgres(ctx, cfg.DatabaseURL, int32(cfg.MaxDBConnections))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to postgres")
	}

	var characterManager types.ProgramID
	hasCharacterManager := cfg.CharacterManagerProgramID != ""
	if hasCharacterManager {
		characterManager, err = wiring.ParseProgramID(cfg.CharacterManagerProgramID)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid character_manager_program_id")
		}
	}

	// No concrete Schema language ships with this core (spec.md §4.5.2a);
	// a nil SchemaRegistry is the documented "no schema" fallback.
	lg := ledger.New(st, nil, characterManager, hasCharacterManager, logger)
	xf := transform.New(registry, lg, st, logger)

	// The broker is explicitly out-of-scope as a concrete technology
	// (spec.md §1); a real deployment wires the same broker.Broker over
	// cfg.RedisURL that cmd/ingest-fanin published onto.
	b := broker.NewMemory()

	accountsConsumer := consumer.New(consumer.Config{
		Stream:        cfg.AccountsStreamName,
		ConsumerGroup: "stream-consumer-accounts",
		Mode:          broker.New,
		MaxInProcess:  int64(cfg.MaxXAddInProcess),
		BatchSize:     cfg.PipelineMaxSize,
		PollInterval:  cfg.PipelineMaxIdle,
	}, b, accountHandler(xf, logger), logger)

	transactionsConsumer := consumer.New(consumer.Config{
		Stream:        cfg.TransactionsStreamName,
		ConsumerGroup: "stream-consumer-transactions",
		Mode:          broker.New,
		MaxInProcess:  int64(cfg.TransactionWorkerCount),
		BatchSize:     cfg.PipelineMaxSize,
		PollInterval:  cfg.PipelineMaxIdle,
	}, b, transactionHandler(xf, logger), logger)

	httpServer := wiring.StartHealthServer(cfg.HealthPort, logger)
	defer httpServer.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return accountsConsumer.Run(gctx) })
	g.Go(func() error { return transactionsConsumer.Run(gctx) })

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case <-sigChan:
		logger.Info().Msg("shutdown signal received")
		cancel()
		<-done
	case err := <-done:
		if err != nil {
			logger.Error().Err(err).Msg("stream consumer exited with error")
		}
	}
	logger.Info().Msg("stream-consumer stopped")
}

// accountHandler adapts internal/transform's HandleAccountUpdate to a
// consumer.Handler: spec.md §7's error-kind distinction decides whether
// the record is acked (dropped) or left to redeliver.
func accountHandler(xf *transform.Transformer, log *logging.ComponentLogger) consumer.Handler {
	return func(ctx context.Context, rec broker.Record) ([]broker.ID, error) {
		snapshot, err := decodeAccountRecord(rec)
		if err != nil {
			log.Error().Str("record", string(rec.ID)).Err(err).Msg("malformed account record")
			return []broker.ID{rec.ID}, nil
		}
		if err := xf.HandleAccountUpdate(ctx, snapshot); err != nil {
			if types.AckPolicy(err) {
				log.Error().Str("pubkey", snapshot.Pubkey.String()).Err(err).Msg("account update not applied")
				return []broker.ID{rec.ID}, nil
			}
			return nil, err
		}
		return []broker.ID{rec.ID}, nil
	}
}

func decodeAccountRecord(rec broker.Record) (types.AccountSnapshot, error) {
	var snap types.AccountSnapshot
	if len(rec.Fields["pubkey"]) != 32 || len(rec.Fields["owner"]) != 32 || len(rec.Fields["slot"]) != 8 {
		return snap, fmt.Errorf("account record missing or malformed fields")
	}
	copy(snap.Pubkey[:], rec.Fields["pubkey"])
	copy(snap.Owner[:], rec.Fields["owner"])
	snap.Slot = binary.LittleEndian.Uint64(rec.Fields["slot"])
	snap.Data = rec.Fields["data"]
	return snap, nil
}

// transactionHandler adapts internal/transform's HandleTransaction to a
// consumer.Handler. types.ErrNotImplemented acks (spec.md §4.5.4: a
// transaction with no decodable instruction is dropped, not retried).
func transactionHandler(xf *transform.Transformer, log *logging.ComponentLogger) consumer.Handler {
	return func(ctx context.Context, rec broker.Record) ([]broker.ID, error) {
		var env types.TransactionEnvelope
		if err := json.Unmarshal(rec.Fields["envelope"], &env); err != nil {
			log.Error().Str("record", string(rec.ID)).Err(err).Msg("malformed transaction envelope")
			return []broker.ID{rec.ID}, nil
		}
		if err := xf.HandleTransaction(ctx, env); err != nil {
			if types.AckPolicy(err) {
				log.Error().Str("signature", env.Signature).Err(err).Msg("transaction not applied")
				return []broker.ID{rec.ID}, nil
			}
			return nil, err
		}
		return []broker.ID{rec.ID}, nil
	}
}
