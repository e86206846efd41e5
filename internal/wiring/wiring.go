// Package wiring holds the construction steps common to every cmd/
// binary: turning config-supplied base58 program ids into a
// decode.Registry, and starting the health/metrics/debug HTTP server
// every binary exposes. Grounded on
// contract-data-processor/go/server/hybrid_server.go, which plays the
// same role for that teacher's own binaries.
package wiring

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/withobsrvr/das-core/internal/bs58"
	"github.com/withobsrvr/das-core/internal/config"
	"github.com/withobsrvr/das-core/internal/decode"
	"github.com/withobsrvr/das-core/internal/diagnostics"
	"github.com/withobsrvr/das-core/internal/logging"
	"github.com/withobsrvr/das-core/internal/types"
)

// ParseProgramID decodes a base58 program/account id into its 32-byte
// form.
func ParseProgramID(s string) (types.ProgramID, error) {
	b, err := bs58.Decode(s)
	if err != nil {
		return types.ProgramID{}, err
	}
	if len(b) != 32 {
		return types.ProgramID{}, fmt.Errorf("program id %q decodes to %d bytes, want 32", s, len(b))
	}
	var id types.ProgramID
	copy(id[:], b)
	return id, nil
}

// BuildRegistry registers a decoder for every program id spec.md §4.4
// names: account-compression (the merkle-tree change-log source,
// required), legacy SPL Token and Token-2022 (the NFT-ownership token
// accounts spec.md §4.4's downstream rule watches), and, when
// configured, the character-manager program as an indexable id with no
// decoder of its own (internal/ledger reads its ApplicationData events
// through the account-compression no-op side channel instead).
func BuildRegistry(cfg *config.Config) (*decode.Registry, error) {
	reg := decode.NewRegistry()

	if cfg.AccountCompressionProgramID == "" {
		return nil, fmt.Errorf("config: account_compression_program_id is required")
	}
	acID, err := ParseProgramID(cfg.AccountCompressionProgramID)
	if err != nil {
		return nil, fmt.Errorf("config: invalid account_compression_program_id: %w", err)
	}
	reg.Register(decode.NewAccountCompressionDecoder(acID))

	if cfg.TokenProgramID != "" {
		id, err := ParseProgramID(cfg.TokenProgramID)
		if err != nil {
			return nil, fmt.Errorf("config: invalid token_program_id: %w", err)
		}
		reg.Register(decode.NewTokenAccountDecoder(id, types.TokenVariantLegacy))
	}
	if cfg.Token2022ProgramID != "" {
		id, err := ParseProgramID(cfg.Token2022ProgramID)
		if err != nil {
			return nil, fmt.Errorf("config: invalid token_2022_program_id: %w", err)
		}
		reg.Register(decode.NewTokenAccountDecoder(id, types.TokenVariantToken2022))
	}
	if cfg.CharacterManagerProgramID != "" {
		id, err := ParseProgramID(cfg.CharacterManagerProgramID)
		if err != nil {
			return nil, fmt.Errorf("config: invalid character_manager_program_id: %w", err)
		}
		reg.MarkIndexable(id)
	}

	return reg, nil
}

// StartHealthServer mounts /metrics, /health, and the flight recorder's
// /debug/trace on a background HTTP server.
func StartHealthServer(port int, logger *logging.ComponentLogger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if fr, err := diagnostics.NewFlightRecorder(); err != nil {
		logger.Warn().Err(err).Msg("flight recorder unavailable")
	} else {
		fr.Register(mux)
	}

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("health server error")
		}
	}()
	return srv
}
