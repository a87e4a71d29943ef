package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/openfroyo/guestinit/pkg/stores"
	"github.com/openfroyo/guestinit/pkg/transports/wire"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func newTransport(logger zerolog.Logger) (*wire.Client, error) {
	return wire.NewClient(cfg.WireConfig(), nil, logger)
}

func openJournal(ctx context.Context) (*stores.SQLiteStore, error) {
	store, err := stores.Open(ctx, cfg.JournalStoreConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to open journal %s: %w", cfg.Journal.Path, err)
	}
	return store, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func closeQuietly(name string, closer interface{ Close() error }) {
	if err := closer.Close(); err != nil {
		log.Warn().Err(err).Str("resource", name).Msg("Failed to close")
	}
}
