// Command ingest-fanin runs the Ingest Fan-In stage (spec.md §4.1):
// it subscribes to every configured upstream endpoint and publishes
// deduplicated records onto the ACCOUNTS/TRANSACTIONS/TXN_CACHE
// streams.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/withobsrvr/das-core/internal/broker"
	"github.com/withobsrvr/das-core/internal/config"
	"github.com/withobsrvr/das-core/internal/ingest"
	"github.com/withobsrvr/das-core/internal/logging"
	"github.com/withobsrvr/das-core/internal/upstream"
	"github.com/withobsrvr/das-core/internal/wiring"
)

// unconfiguredDialer reports that no concrete upstream subscription
// transport has been wired in: the Geyser gRPC plugin client is
// explicitly out of scope for this core (spec.md §1). A deployment
// that has one provides its own upstream.Dialer in place of this.
type unconfiguredDialer struct{}

func (unconfiguredDialer) Dial(context.Context, string, string) (upstream.Subscription, error) {
	return nil, errors.New("ingest-fanin: no upstream.Dialer configured; wire a Geyser gRPC client")
}

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	logger := logging.NewComponentLogger("ingest-fanin", "0.1.0")
	logging.SetLevel(cfg.LogLevel)
	logger.LogStartup(logging.StartupInfo{
		ServiceType:     "ingest-fanin",
		GeyserEndpoints: len(cfg.GeyserEndpoints),
		HealthPort:      cfg.HealthPort,
	})

	// The broker is explicitly out-of-scope as a concrete technology
	// (spec.md §1); no Redis Streams driver exists anywhere in the
	// example corpus to ground one on, so this process-local in-memory
	// broker stands in. It does not interoperate across processes: a
	// real deployment supplies its own broker.Broker over cfg.RedisURL.
	b := broker.NewMemory()

	f, err := ingest.New(ingest.Config{
		Endpoints:                cfg.GeyserEndpoints,
		GRPCXToken:               cfg.GRPCXToken,
		UpdateMessageBufferSize:  cfg.GeyserUpdateMessageBufferSize,
		SeenEventCacheMaxSize:    cfg.SolanaSeenEventCacheMaxSize,
		PipelineMaxSize:          cfg.PipelineMaxSize,
		PipelineMaxIdle:          cfg.PipelineMaxIdle,
		AccountsStreamName:       cfg.AccountsStreamName,
		TransactionsStreamName:   cfg.TransactionsStreamName,
		TXNCacheStreamName:       cfg.TXNCacheStreamName,
		AccountsStreamMaxLen:     cfg.AccountsStreamMaxLen,
		TransactionsStreamMaxLen: cfg.TransactionsStreamMaxLen,
		TXNCacheStreamMaxLen:     cfg.TXNCacheStreamMaxLen,
	}, unconfiguredDialer{}, b, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to construct fan-in stage")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	httpServer := wiring.StartHealthServer(cfg.HealthPort, logger)
	defer httpServer.Close()

	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info().Msg("shutdown signal received")
		cancel()
		<-done
	case err := <-done:
		if err != nil {
			logger.Error().Err(err).Msg("fan-in stage exited with error")
		}
	}
	logger.Info().Msg("ingest-fanin stopped")
}
