// Package pgnotify carries tab broadcasts over Postgres LISTEN/NOTIFY.
// Notifications are only delivered to sessions listening at the time of
// the NOTIFY, so late joiners see nothing, as the transport contract
// expects.
package pgnotify

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/tabtimer/go/internal/timer/transport"
)

const (
	// maxIdentifier is NAMEDATALEN-1, the longest channel name Postgres keeps.
	maxIdentifier = 63
	// maxPayload is the NOTIFY payload limit in the default configuration.
	maxPayload = 8000
)

// ErrPayloadTooLarge is returned by Post for frames NOTIFY cannot carry.
var ErrPayloadTooLarge = errors.New("notification payload too large")

// Config holds LISTEN/NOTIFY settings.
type Config struct {
	DatabaseURL   string
	ChannelPrefix string
	PingInterval  time.Duration
	DialTimeout   time.Duration
}

// DefaultConfig mirrors the outbox listener defaults.
func DefaultConfig() Config {
	return Config{
		ChannelPrefix: "tabtimer",
		PingInterval:  90 * time.Second,
		DialTimeout:   5 * time.Second,
	}
}

// Dialer opens LISTEN/NOTIFY channels on one database.
type Dialer struct {
	cfg Config

	mu sync.Mutex
	db *sql.DB
}

// NewDialer creates a dialer. The database is opened on first use.
func NewDialer(cfg Config) *Dialer {
	def := DefaultConfig()
	if cfg.ChannelPrefix == "" {
		cfg.ChannelPrefix = def.ChannelPrefix
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	return &Dialer{cfg: cfg}
}

// Supported reports whether a database URL is configured.
func (d *Dialer) Supported() bool {
	return d.cfg.DatabaseURL != ""
}

// Channel maps a broadcast channel name onto a Postgres notification
// channel.
func (d *Dialer) Channel(name string) string {
	return channelName(d.cfg.ChannelPrefix, name)
}

func (d *Dialer) Open(name string, onMessage transport.Handler) (transport.Channel, error) {
	if !d.Supported() {
		return nil, transport.ErrUnsupported
	}
	db, err := d.database()
	if err != nil {
		return nil, err
	}

	// pq.Listener.Listen blocks until a connection exists, so make sure the
	// server is reachable first.
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.DialTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	pgChannel := d.Channel(name)
	l := pq.NewListener(
		d.cfg.DatabaseURL,
		10*time.Second,
		time.Minute,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				log.Warn().Err(err).Str("channel", pgChannel).Msg("listener event")
			}
		},
	)
	if err := l.Listen(pgChannel); err != nil {
		l.Close()
		return nil, fmt.Errorf("failed to listen to channel: %w", err)
	}

	ch := &channel{
		db:        db,
		listener:  l,
		pgChannel: pgChannel,
		id:        uuid.NewString(),
		done:      make(chan struct{}),
	}
	ch.wg.Add(1)
	go ch.run(onMessage, d.cfg.PingInterval)

	log.Debug().Str("channel", pgChannel).Msg("listening for timer notifications")
	return ch, nil
}

// Close releases the database handle used for NOTIFY.
func (d *Dialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.db == nil {
		return nil
	}
	err := d.db.Close()
	d.db = nil
	return err
}

func (d *Dialer) database() (*sql.DB, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.db != nil {
		return d.db, nil
	}
	db, err := sql.Open("postgres", d.cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create database connection: %w", err)
	}
	d.db = db
	return db, nil
}

type channel struct {
	db        *sql.DB
	listener  *pq.Listener
	pgChannel string
	id        string

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

func (c *channel) run(onMessage transport.Handler, pingInterval time.Duration) {
	defer c.wg.Done()

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-c.done:
			return
		case note, ok := <-c.listener.Notify:
			if !ok {
				return
			}
			if note == nil {
				// Reconnected; anything sent meanwhile is lost.
				continue
			}
			sender, data, err := decodeFrame(note.Extra)
			if err != nil {
				log.Debug().Err(err).Str("channel", c.pgChannel).Msg("dropping notification")
				continue
			}
			if sender == c.id || onMessage == nil {
				continue
			}
			onMessage(data)
		case <-pingTicker.C:
			if err := c.listener.Ping(); err != nil {
				log.Warn().Err(err).Msg("failed to ping listener")
			}
		}
	}
}

func (c *channel) Post(data []byte) error {
	select {
	case <-c.done:
		return transport.ErrClosed
	default:
	}

	payload, err := encodeFrame(c.id, data)
	if err != nil {
		return err
	}
	if _, err := c.db.Exec(`SELECT pg_notify($1, $2)`, c.pgChannel, payload); err != nil {
		return fmt.Errorf("notify %s: %w", c.pgChannel, err)
	}
	return nil
}

func (c *channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.listener.Close()
		c.wg.Wait()
	})
	return err
}

// channelName builds a lower-case identifier of at most 63 bytes.
func channelName(prefix, name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(prefix + "_" + name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	s := b.String()
	if len(s) > maxIdentifier {
		s = s[:maxIdentifier]
	}
	return s
}

// Frames are "<sender>|<data>". The sender is a UUID and never contains '|'.
func encodeFrame(sender string, data []byte) (string, error) {
	if len(sender)+1+len(data) > maxPayload {
		return "", fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(data))
	}
	return sender + "|" + string(data), nil
}

func decodeFrame(payload string) (string, []byte, error) {
	i := strings.IndexByte(payload, '|')
	if i <= 0 {
		return "", nil, fmt.Errorf("missing sender in notification")
	}
	return payload[:i], []byte(payload[i+1:]), nil
}
