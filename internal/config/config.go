// Package config loads process-start-time configuration for das-core
// binaries: a YAML base file, overridable by environment variables, the
// way the teacher's own services layer env overrides on top of YAML
// defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every option named in spec.md §6.1. No dynamic
// reconfiguration: this is loaded once at process start.
type Config struct {
	DatabaseURL      string `yaml:"database_url"`
	MaxDBConnections int    `yaml:"max_db_connections"`
	RedisURL         string `yaml:"redis_url"`

	AccountsStreamName       string `yaml:"accounts_stream_name"`
	TransactionsStreamName   string `yaml:"transactions_stream_name"`
	TXNCacheStreamName       string `yaml:"txn_cache_stream_name"`
	AccountsStreamMaxLen     int64  `yaml:"accounts_stream_maxlen"`
	TransactionsStreamMaxLen int64  `yaml:"transactions_stream_maxlen"`
	TXNCacheStreamMaxLen     int64  `yaml:"txn_cache_stream_maxlen"`

	PipelineMaxSize int           `yaml:"pipeline_max_size"`
	PipelineMaxIdle time.Duration `yaml:"pipeline_max_idle"`

	GeyserEndpoints               []string `yaml:"geyser_endpoints"`
	GeyserUpdateMessageBufferSize int      `yaml:"geyser_update_message_buffer_size"`
	GRPCXToken                    string   `yaml:"grpc_x_token"`

	SolanaSeenEventCacheMaxSize int `yaml:"solana_seen_event_cache_max_size"`
	MaxXAddInProcess            int `yaml:"max_xadd_in_process"`

	TransactionWorkerCount int `yaml:"transaction_worker_count"`
	GapWorkerCount         int `yaml:"gap_worker_count"`
	TreeCrawlerCount       int `yaml:"tree_crawler_count"`

	// BackfillTreeIDs lists the base58 tree ids the backfiller crawls.
	// Discovering trees from the ledger itself would need an RPC client,
	// which spec.md §1 excludes from this core, so a deployment supplies
	// the list directly (e.g. from its own tree registry).
	BackfillTreeIDs []string `yaml:"backfill_tree_ids"`

	// Well-known program ids (base58), the decoder registry's match keys.
	AccountCompressionProgramID string `yaml:"account_compression_program_id"`
	TokenProgramID              string `yaml:"token_program_id"`
	Token2022ProgramID          string `yaml:"token_2022_program_id"`
	// CharacterManagerProgramID is optional: when empty, the ledger's
	// character-lifecycle logging is disabled (spec.md §4.5.2's
	// "no character manager configured" fallback).
	CharacterManagerProgramID string `yaml:"character_manager_program_id"`

	HealthPort int    `yaml:"health_port"`
	LogLevel   string `yaml:"log_level"`
}

// defaults returns the base configuration Load starts from; the YAML
// file and then the environment are applied on top of it (grounded on
// stellar-postgres-ingester/go/config.go's defaulting).
func defaults() Config {
	return Config{
		MaxDBConnections:              100,
		AccountsStreamName:            "ACCOUNTS",
		TransactionsStreamName:        "TRANSACTIONS",
		TXNCacheStreamName:            "TXN_CACHE",
		AccountsStreamMaxLen:          1_000_000,
		TransactionsStreamMaxLen:      1_000_000,
		TXNCacheStreamMaxLen:          1_000_000,
		PipelineMaxSize:               1000,
		PipelineMaxIdle:               250 * time.Millisecond,
		GeyserUpdateMessageBufferSize: 10_000,
		SolanaSeenEventCacheMaxSize:   10_000_000,
		MaxXAddInProcess:              10,
		TransactionWorkerCount:        4,
		GapWorkerCount:                4,
		TreeCrawlerCount:              4,
		// Real mainnet SPL Token / Token-2022 program ids: these are fixed
		// network constants, not deployment-specific, so they ship as
		// defaults. AccountCompressionProgramID and
		// CharacterManagerProgramID have no universal constant and are
		// left empty; a deployment must supply them.
		TokenProgramID:     "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA",
		Token2022ProgramID: "TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb",
		HealthPort:         8088,
		LogLevel:           "info",
	}
}

// Load reads a YAML file (if path is non-empty and exists) into defaults,
// then applies environment variable overrides, matching the mix of
// config styles observed across the teacher's own services.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
	if v := os.Getenv("GRPC_X_TOKEN"); v != "" {
		cfg.GRPCXToken = v
	}
	if v := os.Getenv("GEYSER_ENDPOINTS"); v != "" {
		cfg.GeyserEndpoints = splitCSV(v)
	}
	if v := os.Getenv("BACKFILL_TREE_IDS"); v != "" {
		cfg.BackfillTreeIDs = splitCSV(v)
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("ACCOUNT_COMPRESSION_PROGRAM_ID"); v != "" {
		cfg.AccountCompressionProgramID = v
	}
	if v := os.Getenv("TOKEN_PROGRAM_ID"); v != "" {
		cfg.TokenProgramID = v
	}
	if v := os.Getenv("TOKEN_2022_PROGRAM_ID"); v != "" {
		cfg.Token2022ProgramID = v
	}
	if v := os.Getenv("CHARACTER_MANAGER_PROGRAM_ID"); v != "" {
		cfg.CharacterManagerProgramID = v
	}

	intEnvs := map[string]*int{
		"MAX_DB_CONNECTIONS":                  &cfg.MaxDBConnections,
		"PIPELINE_MAX_SIZE":                   &cfg.PipelineMaxSize,
		"GEYSER_UPDATE_MESSAGE_BUFFER_SIZE":   &cfg.GeyserUpdateMessageBufferSize,
		"SOLANA_SEEN_EVENT_CACHE_MAX_SIZE":    &cfg.SolanaSeenEventCacheMaxSize,
		"MAX_XADD_IN_PROCESS":                 &cfg.MaxXAddInProcess,
		"TRANSACTION_WORKER_COUNT":            &cfg.TransactionWorkerCount,
		"GAP_WORKER_COUNT":                    &cfg.GapWorkerCount,
		"TREE_CRAWLER_COUNT":                  &cfg.TreeCrawlerCount,
		"HEALTH_PORT":                         &cfg.HealthPort,
	}
	for name, dst := range intEnvs {
		if v := os.Getenv(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("config: invalid %s: %w", name, err)
			}
			*dst = n
		}
	}

	if v := os.Getenv("PIPELINE_MAX_IDLE"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: invalid PIPELINE_MAX_IDLE: %w", err)
		}
		cfg.PipelineMaxIdle = d
	}

	return nil
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate reports a descriptive error for any option that would make
// the pipeline unable to start.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("config: database_url is required")
	}
	if c.MaxDBConnections <= 0 {
		return fmt.Errorf("config: max_db_connections must be positive")
	}
	if c.PipelineMaxSize <= 0 {
		return fmt.Errorf("config: pipeline_max_size must be positive")
	}
	if c.HealthPort <= 0 || c.HealthPort > 65535 {
		return fmt.Errorf("config: invalid health_port: %d", c.HealthPort)
	}
	return nil
}

// String renders a connection-string-safe summary for logging.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{accounts=%s maxlen=%d transactions=%s maxlen=%d pipeline_max_size=%d "+
			"pipeline_max_idle=%s endpoints=%d workers=%d}",
		c.AccountsStreamName, c.AccountsStreamMaxLen,
		c.TransactionsStreamName, c.TransactionsStreamMaxLen,
		c.PipelineMaxSize, c.PipelineMaxIdle,
		len(c.GeyserEndpoints), c.TransactionWorkerCount,
	)
}
