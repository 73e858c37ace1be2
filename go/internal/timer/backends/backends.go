// Package backends turns configuration into concrete stores and transports.
package backends

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/tabtimer/go/internal/config"
	"github.com/mcdev12/tabtimer/go/internal/timer/store"
	"github.com/mcdev12/tabtimer/go/internal/timer/store/pgxstore"
	"github.com/mcdev12/tabtimer/go/internal/timer/store/sqlstore"
	"github.com/mcdev12/tabtimer/go/internal/timer/transport"
	"github.com/mcdev12/tabtimer/go/internal/timer/transport/natsbus"
	"github.com/mcdev12/tabtimer/go/internal/timer/transport/pgnotify"
	"github.com/mcdev12/tabtimer/go/internal/timer/transport/wsbus"
)

// SQLiteFile is the database file name inside the state directory.
const SQLiteFile = "tabtimer.db"

// Closer releases whatever a factory opened.
type Closer func() error

func nopCloser() error { return nil }

// OpenStore opens the configured snapshot store. A memory store is
// process-local and exists mostly for tests and demos.
func OpenStore(ctx context.Context, cfg config.Config) (store.KV, Closer, error) {
	switch cfg.Store.Backend {
	case config.StoreMemory:
		return store.NewMemory(), nopCloser, nil

	case config.StoreFile:
		return store.NewFile(cfg.Store.Path), nopCloser, nil

	case config.StoreSQLite:
		s, db, err := sqlstore.OpenSQLite(ctx, filepath.Join(cfg.Store.Path, SQLiteFile))
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, db.Close, nil

	case config.StorePostgres:
		s, db, err := sqlstore.OpenPostgres(ctx, cfg.Database.DSN())
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres store: %w", err)
		}
		return s, db.Close, nil

	case config.StorePgx:
		s, err := pgxstore.Open(ctx, cfg.Database.DSN())
		if err != nil {
			return nil, nil, fmt.Errorf("open pgx store: %w", err)
		}
		return s, func() error { s.Close(); return nil }, nil
	}
	return nil, nil, fmt.Errorf("store %q: %w", cfg.Store.Backend, config.ErrUnknownBackend)
}

// NewDialer builds the transport named by backend. TransportNone yields
// transport.Unsupported, which leaves a tab without live sync.
func NewDialer(backend string, cfg config.Config) (transport.Dialer, Closer, error) {
	switch backend {
	case config.TransportNone, "":
		return transport.Unsupported{}, nopCloser, nil

	case config.TransportNATS:
		nc := natsbus.DefaultConfig()
		nc.URL = cfg.Transport.NATSURL
		d := natsbus.NewDialer(nc)
		return d, func() error { d.Close(); return nil }, nil

	case config.TransportWebSocket:
		wc := wsbus.DefaultConfig()
		wc.URL = cfg.Transport.GatewayURL
		return wsbus.NewDialer(wc), nopCloser, nil

	case config.TransportPgNotify:
		pc := pgnotify.DefaultConfig()
		pc.DatabaseURL = cfg.Database.DSN()
		d := pgnotify.NewDialer(pc)
		return d, d.Close, nil
	}
	return nil, nil, fmt.Errorf("transport %q: %w", backend, config.ErrUnknownBackend)
}

// Describe logs the chosen backends once at startup.
func Describe(cfg config.Config) {
	log.Info().
		Str("store", cfg.Store.Backend).
		Str("transport", cfg.Transport.Backend).
		Str("channel", cfg.Transport.Channel).
		Msg("timer backends")
}
