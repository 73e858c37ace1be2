// Package wsbus is a broadcast transport that joins a channel on the
// tabtimer WebSocket gateway. The gateway never echoes a frame back to the
// connection that sent it.
package wsbus

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/tabtimer/go/internal/timer/transport"
)

// Config holds gateway client settings.
type Config struct {
	// URL is the gateway timer endpoint, e.g. ws://localhost:8081/ws/timer.
	URL              string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	Header           http.Header
}

// DefaultConfig returns settings for a local gateway.
func DefaultConfig() Config {
	return Config{
		URL:              "ws://localhost:8081/ws/timer",
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     10 * time.Second,
	}
}

// Dialer opens one WebSocket connection per channel.
type Dialer struct {
	cfg    Config
	dialer *websocket.Dialer
}

// NewDialer creates a gateway dialer.
func NewDialer(cfg Config) *Dialer {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultConfig().WriteTimeout
	}
	return &Dialer{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
	}
}

// Supported reports whether a gateway URL is configured.
func (d *Dialer) Supported() bool {
	return d.cfg.URL != ""
}

// ChannelURL is the endpoint URL with the channel query parameter set.
func (d *Dialer) ChannelURL(name string) (string, error) {
	u, err := url.Parse(d.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse gateway url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported gateway scheme %q", u.Scheme)
	}
	q := u.Query()
	q.Set("channel", name)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (d *Dialer) Open(name string, onMessage transport.Handler) (transport.Channel, error) {
	if !d.Supported() {
		return nil, transport.ErrUnsupported
	}
	target, err := d.ChannelURL(name)
	if err != nil {
		return nil, err
	}

	conn, resp, err := d.dialer.Dial(target, d.cfg.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial gateway: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial gateway: %w", err)
	}

	ch := &channel{
		conn:         conn,
		name:         name,
		writeTimeout: d.cfg.WriteTimeout,
		done:         make(chan struct{}),
	}
	go ch.readLoop(onMessage)

	log.Debug().Str("channel", name).Msg("joined gateway channel")
	return ch, nil
}

type channel struct {
	conn         *websocket.Conn
	name         string
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func (c *channel) readLoop(onMessage transport.Handler) {
	defer c.shutdown()
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Warn().Err(err).Str("channel", c.name).Msg("gateway connection lost")
				}
			}
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		if onMessage != nil {
			onMessage(data)
		}
	}
}

func (c *channel) Post(data []byte) error {
	select {
	case <-c.done:
		return transport.ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		if errors.Is(err, websocket.ErrCloseSent) {
			return transport.ErrClosed
		}
		return fmt.Errorf("write to gateway: %w", err)
	}
	return nil
}

func (c *channel) Close() error {
	select {
	case <-c.done:
		return nil
	default:
	}

	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.writeMu.Unlock()

	c.shutdown()
	return nil
}

func (c *channel) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}
