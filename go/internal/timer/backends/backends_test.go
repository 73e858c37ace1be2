package backends

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/tabtimer/go/internal/config"
	"github.com/mcdev12/tabtimer/go/internal/timer/store"
	"github.com/mcdev12/tabtimer/go/internal/timer/store/sqlstore"
	"github.com/mcdev12/tabtimer/go/internal/timer/transport"
	"github.com/mcdev12/tabtimer/go/internal/timer/transport/natsbus"
	"github.com/mcdev12/tabtimer/go/internal/timer/transport/pgnotify"
	"github.com/mcdev12/tabtimer/go/internal/timer/transport/wsbus"
)

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.Store.Path = t.TempDir()
	return cfg
}

func TestOpenStore_LocalBackends(t *testing.T) {
	ctx := context.Background()
	cases := map[string]func(t *testing.T, kv store.KV){
		config.StoreMemory: func(t *testing.T, kv store.KV) { assert.IsType(t, &store.Memory{}, kv) },
		config.StoreFile:   func(t *testing.T, kv store.KV) { assert.IsType(t, &store.File{}, kv) },
		config.StoreSQLite: func(t *testing.T, kv store.KV) { assert.IsType(t, &sqlstore.Store{}, kv) },
	}
	for backend, check := range cases {
		t.Run(backend, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.Store.Backend = backend

			kv, closeFn, err := OpenStore(ctx, cfg)
			require.NoError(t, err)
			defer func() { assert.NoError(t, closeFn()) }()
			check(t, kv)

			require.NoError(t, kv.Write(ctx, "k", []byte("v")))
			got, err := kv.Read(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, []byte("v"), got)
		})
	}
}

func TestOpenStore_SQLiteFileLivesInStateDir(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Backend = config.StoreSQLite

	_, closeFn, err := OpenStore(context.Background(), cfg)
	require.NoError(t, err)
	defer closeFn()

	_, err = os.Stat(filepath.Join(cfg.Store.Path, SQLiteFile))
	assert.NoError(t, err)
}

func TestOpenStore_Errors(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Backend = "redis"
	_, _, err := OpenStore(context.Background(), cfg)
	assert.ErrorIs(t, err, config.ErrUnknownBackend)

	cfg.Store.Backend = config.StorePostgres
	cfg.Database.URL = "postgres://nobody@127.0.0.1:1/none?sslmode=disable&connect_timeout=1"
	_, _, err = OpenStore(context.Background(), cfg)
	assert.Error(t, err)
}

func TestNewDialer(t *testing.T) {
	cfg := testConfig(t)

	d, closeFn, err := NewDialer(config.TransportNone, cfg)
	require.NoError(t, err)
	assert.False(t, d.Supported())
	assert.IsType(t, transport.Unsupported{}, d)
	assert.NoError(t, closeFn())

	d, closeFn, err = NewDialer(config.TransportNATS, cfg)
	require.NoError(t, err)
	assert.IsType(t, &natsbus.Dialer{}, d)
	assert.True(t, d.Supported())
	assert.NoError(t, closeFn())

	d, _, err = NewDialer(config.TransportWebSocket, cfg)
	require.NoError(t, err)
	assert.IsType(t, &wsbus.Dialer{}, d)
	assert.True(t, d.Supported())

	d, closeFn, err = NewDialer(config.TransportPgNotify, cfg)
	require.NoError(t, err)
	assert.IsType(t, &pgnotify.Dialer{}, d)
	assert.True(t, d.Supported())
	assert.NoError(t, closeFn())

	_, _, err = NewDialer("broadcastchannel", cfg)
	assert.ErrorIs(t, err, config.ErrUnknownBackend)
}

func TestNewDialer_EmptyURLIsUnsupported(t *testing.T) {
	cfg := testConfig(t)
	cfg.Transport.NATSURL = ""
	d, _, err := NewDialer(config.TransportNATS, cfg)
	require.NoError(t, err)
	assert.False(t, d.Supported())
}
