// Package tabsync binds a timer to a broadcast transport: local structural
// transitions go out as messages, sibling messages come in as remote
// transitions, and newly opened tabs catch up with a state request.
package tabsync

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/tabtimer/go/internal/timer/session"
	"github.com/mcdev12/tabtimer/go/internal/timer/transport"
)

// DefaultChannel is the broadcast channel name shared by all tabs.
const DefaultChannel = "tabtimer"

// Callbacks receive sibling messages. Any of them may be nil. They run on
// the transport's delivery goroutine.
type Callbacks struct {
	OnStarted func(p session.StartedPayload)
	OnStopped func()
	OnReset   func()
	// OnStateRequest returns the snapshot to answer a catch-up request
	// with, or nil to stay silent.
	OnStateRequest  func() *session.PersistedState
	OnStateResponse func(snapshot *session.PersistedState)
}

// Stats counts traffic since the coordinator was created.
type Stats struct {
	Sent         int64 `json:"sent"`
	Received     int64 `json:"received"`
	Dropped      int64 `json:"dropped"`
	SendFailures int64 `json:"send_failures"`
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithChannel overrides DefaultChannel.
func WithChannel(name string) Option {
	return func(c *Coordinator) {
		if name != "" {
			c.channel = name
		}
	}
}

// WithOrigin sets the instance ID stamped on outgoing frames. Defaults to a
// random UUID.
func WithOrigin(id string) Option {
	return func(c *Coordinator) {
		if id != "" {
			c.origin = id
		}
	}
}

// Coordinator is one tab's endpoint on the broadcast channel.
type Coordinator struct {
	dialer    transport.Dialer
	callbacks Callbacks
	channel   string
	origin    string

	mu   sync.Mutex
	conn transport.Channel
	// listening is cleared by Disconnect so frames a transport goroutine
	// delivers late are dropped.
	listening atomic.Bool

	sent     atomic.Int64
	received atomic.Int64
	dropped  atomic.Int64
	failed   atomic.Int64
}

// New creates a disconnected coordinator.
func New(dialer transport.Dialer, callbacks Callbacks, opts ...Option) *Coordinator {
	c := &Coordinator{
		dialer:    dialer,
		callbacks: callbacks,
		channel:   DefaultChannel,
		origin:    uuid.NewString(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// IsTransportSupported reports whether dialer can open channels here.
func IsTransportSupported(dialer transport.Dialer) (ok bool) {
	if dialer == nil {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	return dialer.Supported()
}

// CreateSync returns a connected coordinator, or nil when the transport is
// not supported so the caller can fall back to single-tab behaviour.
func CreateSync(dialer transport.Dialer, callbacks Callbacks, opts ...Option) *Coordinator {
	if !IsTransportSupported(dialer) {
		return nil
	}
	c := New(dialer, callbacks, opts...)
	c.Connect()
	return c
}

// Connect opens the channel. It never fails: when the transport cannot be
// opened the coordinator stays disconnected and the timer runs on
// persistence alone.
func (c *Coordinator) Connect() {
	if c.Connected() {
		return
	}

	c.listening.Store(true)
	conn, err := c.open()
	if err != nil {
		c.listening.Store(false)
		log.Warn().Err(err).Str("channel", c.channel).Msg("broadcast transport unavailable, continuing without live sync")
		return
	}

	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		c.closeQuietly(conn)
		return
	}
	c.conn = conn
	c.mu.Unlock()

	log.Debug().Str("channel", c.channel).Str("origin", c.origin).Msg("tab sync connected")
}

func (c *Coordinator) open() (conn transport.Channel, err error) {
	defer func() {
		if r := recover(); r != nil {
			conn, err = nil, fmt.Errorf("open transport: panic: %v", r)
		}
	}()
	if !IsTransportSupported(c.dialer) {
		return nil, transport.ErrUnsupported
	}
	conn, err = c.dialer.Open(c.channel, c.receive)
	if err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, transport.ErrUnsupported
	}
	return conn, nil
}

// Disconnect closes the channel. Safe to call repeatedly.
func (c *Coordinator) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.listening.Store(false)
	c.mu.Unlock()

	if conn != nil {
		c.closeQuietly(conn)
		log.Debug().Str("channel", c.channel).Msg("tab sync disconnected")
	}
}

// Connected reports whether the channel is open.
func (c *Coordinator) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Origin is the instance ID stamped on outgoing frames.
func (c *Coordinator) Origin() string { return c.origin }

// Stats returns traffic counters.
func (c *Coordinator) Stats() Stats {
	return Stats{
		Sent:         c.sent.Load(),
		Received:     c.received.Load(),
		Dropped:      c.dropped.Load(),
		SendFailures: c.failed.Load(),
	}
}

func (c *Coordinator) BroadcastStarted(p session.StartedPayload) {
	c.send(Message{Type: MessageStarted, Started: p})
}

func (c *Coordinator) BroadcastStopped() {
	c.send(Message{Type: MessageStopped})
}

func (c *Coordinator) BroadcastReset() {
	c.send(Message{Type: MessageReset})
}

// RequestState asks live siblings for their running session. There is no
// timeout; answers arrive through OnStateResponse if at all.
func (c *Coordinator) RequestState() {
	c.send(Message{Type: MessageStateRequest})
}

func (c *Coordinator) send(m Message) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}

	m.Origin = c.origin
	data, err := MarshalMessage(m)
	if err != nil {
		c.failed.Add(1)
		log.Debug().Err(err).Str("type", string(m.Type)).Msg("failed to encode timer message")
		return
	}

	if err := post(conn, data); err != nil {
		c.failed.Add(1)
		log.Debug().Err(err).Str("type", string(m.Type)).Msg("timer message not sent")
		return
	}
	c.sent.Add(1)
}

func post(conn transport.Channel, data []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("post: panic: %v", r)
		}
	}()
	return conn.Post(data)
}

func (c *Coordinator) receive(data []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn().Interface("panic", r).Msg("timer message handler panicked")
		}
	}()

	if !c.listening.Load() {
		c.dropped.Add(1)
		return
	}

	msg, err := ParseMessage(data)
	if err != nil {
		c.dropped.Add(1)
		log.Debug().Err(err).Msg("ignoring timer message")
		return
	}
	if msg.Origin != "" && msg.Origin == c.origin {
		c.dropped.Add(1)
		return
	}
	c.received.Add(1)

	cb := c.callbacks
	switch msg.Type {
	case MessageStarted:
		if cb.OnStarted != nil {
			cb.OnStarted(msg.Started)
		}
	case MessageStopped:
		if cb.OnStopped != nil {
			cb.OnStopped()
		}
	case MessageReset:
		if cb.OnReset != nil {
			cb.OnReset()
		}
	case MessageStateRequest:
		if cb.OnStateRequest == nil {
			return
		}
		if snap := cb.OnStateRequest(); snap != nil {
			c.send(Message{Type: MessageStateResponse, Snapshot: snap})
		}
	case MessageStateResponse:
		if cb.OnStateResponse != nil {
			cb.OnStateResponse(msg.Snapshot)
		}
	}
}

func (c *Coordinator) closeQuietly(conn transport.Channel) {
	defer func() {
		if r := recover(); r != nil {
			log.Debug().Interface("panic", r).Msg("transport close panicked")
		}
	}()
	if err := conn.Close(); err != nil {
		log.Debug().Err(err).Msg("failed to close transport")
	}
}
