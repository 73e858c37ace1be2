// Package natsbus carries tab broadcasts over NATS core pub/sub. Core
// subjects are ephemeral, which matches the transport contract: nothing is
// replayed to subscribers that connect later.
package natsbus

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/tabtimer/go/internal/timer/transport"
)

// senderHeader identifies the channel that published a frame so it can be
// dropped on the way back in.
const senderHeader = "Tabtimer-Sender"

// Config holds NATS connection settings.
type Config struct {
	URL           string
	SubjectPrefix string
	Name          string
	Timeout       time.Duration
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultConfig returns settings for a local NATS server.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		SubjectPrefix: "timer.sync",
		Name:          "tabtimer",
		Timeout:       2 * time.Second,
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
	}
}

// Dialer opens broadcast channels on one shared NATS connection, created
// on the first Open.
type Dialer struct {
	config Config

	mu sync.Mutex
	nc *nats.Conn
}

// NewDialer creates a dialer. No connection is made until Open.
func NewDialer(config Config) *Dialer {
	if config.SubjectPrefix == "" {
		config.SubjectPrefix = DefaultConfig().SubjectPrefix
	}
	return &Dialer{config: config}
}

// Supported reports whether a server URL is configured.
func (d *Dialer) Supported() bool {
	return d.config.URL != ""
}

// Subject maps a channel name onto a single NATS subject token under the
// configured prefix.
func (d *Dialer) Subject(name string) string {
	return d.config.SubjectPrefix + "." + subjectToken(name)
}

func (d *Dialer) Open(name string, onMessage transport.Handler) (transport.Channel, error) {
	if !d.Supported() {
		return nil, transport.ErrUnsupported
	}
	nc, err := d.conn()
	if err != nil {
		return nil, err
	}

	ch := &channel{
		nc:      nc,
		subject: d.Subject(name),
		id:      uuid.NewString(),
	}
	sub, err := nc.Subscribe(ch.subject, func(msg *nats.Msg) {
		if msg.Header.Get(senderHeader) == ch.id {
			return
		}
		if onMessage != nil {
			onMessage(msg.Data)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", ch.subject, err)
	}
	ch.sub = sub

	log.Debug().Str("subject", ch.subject).Msg("subscribed to timer sync subject")
	return ch, nil
}

// Close drops the shared connection and every channel opened on it.
func (d *Dialer) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.nc != nil {
		d.nc.Close()
		d.nc = nil
	}
}

func (d *Dialer) conn() (*nats.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.nc != nil && !d.nc.IsClosed() {
		return d.nc, nil
	}

	opts := []nats.Option{
		nats.Name(d.config.Name),
		nats.MaxReconnects(d.config.MaxReconnects),
		nats.ReconnectWait(d.config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}
	if d.config.Timeout > 0 {
		opts = append(opts, nats.Timeout(d.config.Timeout))
	}

	nc, err := nats.Connect(d.config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	d.nc = nc
	return nc, nil
}

type channel struct {
	nc      *nats.Conn
	subject string
	id      string

	mu  sync.Mutex
	sub *nats.Subscription
}

func (c *channel) Post(data []byte) error {
	c.mu.Lock()
	open := c.sub != nil
	c.mu.Unlock()
	if !open {
		return transport.ErrClosed
	}

	msg := nats.NewMsg(c.subject)
	msg.Header.Set(senderHeader, c.id)
	msg.Data = data
	if err := c.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", c.subject, err)
	}
	return nil
}

func (c *channel) Close() error {
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()
	if sub == nil {
		return nil
	}
	if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
		return fmt.Errorf("unsubscribe %s: %w", c.subject, err)
	}
	return nil
}

// subjectToken replaces characters NATS treats as token separators or
// wildcards so a channel name always maps to exactly one token.
func subjectToken(name string) string {
	if name == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, name)
}
