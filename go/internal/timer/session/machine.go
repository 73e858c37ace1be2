package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// ErrPersistence marks a transition that happened in memory but could not
// be written to the durable store.
var ErrPersistence = errors.New("timer state not persisted")

// Writer persists snapshots. store.Snapshots implements it.
type Writer interface {
	Save(ctx context.Context, state PersistedState) error
}

// Emitter publishes local structural transitions to sibling tabs.
type Emitter interface {
	BroadcastStarted(p StartedPayload)
	BroadcastStopped()
	BroadcastReset()
}

type noopEmitter struct{}

func (noopEmitter) BroadcastStarted(StartedPayload) {}
func (noopEmitter) BroadcastStopped()               {}
func (noopEmitter) BroadcastReset()                 {}

// Option configures a Machine.
type Option func(*Machine)

// WithClock replaces the real clock, mostly for tests.
func WithClock(c clockwork.Clock) Option {
	return func(m *Machine) { m.clock = c }
}

// WithIDGenerator replaces uuid.NewString for record IDs.
func WithIDGenerator(fn func() string) Option {
	return func(m *Machine) { m.newID = fn }
}

// WithSupersededHook is called with the previous session whenever a start,
// local or remote, takes over a running session with a different record.
func WithSupersededHook(fn func(prev Session)) Option {
	return func(m *Machine) { m.onSuperseded = fn }
}

// Machine owns the Idle/Running session of one tab.
type Machine struct {
	mu      sync.Mutex
	session Session
	seq     uint64

	// persistMu orders writes; written is the newest sequence handed to
	// the writer. It is never held together with mu.
	persistMu sync.Mutex
	written   uint64

	writer       Writer
	emitter      Emitter
	clock        clockwork.Clock
	newID        func() string
	onSuperseded func(prev Session)
}

// New creates an idle machine. A nil writer keeps state in memory only and
// a nil emitter disables broadcasting.
func New(w Writer, e Emitter, opts ...Option) *Machine {
	if e == nil {
		e = noopEmitter{}
	}
	m := &Machine{
		writer:  w,
		emitter: e,
		clock:   clockwork.NewRealClock(),
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetEmitter swaps the emitter. Used when the sync layer is created after
// the machine.
func (m *Machine) SetEmitter(e Emitter) {
	if e == nil {
		e = noopEmitter{}
	}
	m.mu.Lock()
	m.emitter = e
	m.mu.Unlock()
}

// Start begins a new running session. Starting while running is a
// takeover: the previous session is returned in StartResult.Superseded and
// abandoned.
func (m *Machine) Start(ctx context.Context, contextID string, opts ...StartOption) (StartResult, error) {
	var so startOptions
	for _, opt := range opts {
		opt(&so)
	}
	recordID := so.recordID
	if recordID == "" {
		recordID = m.newID()
	}

	m.mu.Lock()
	var superseded *Session
	if m.session.IsRunning {
		prev := m.session.clone()
		superseded = &prev
	}
	now := m.now()
	m.session = Session{
		IsRunning: true,
		StartTime: &now,
		ContextID: contextID,
		Notes:     so.note,
		RecordID:  recordID,
	}
	snap := m.pendingLocked(now)
	emitter := m.emitter
	m.mu.Unlock()

	payload := StartedPayload{StartTime: now, ContextID: contextID, RecordID: recordID}
	err := m.persist(ctx, snap)
	emitter.BroadcastStarted(payload)
	if superseded != nil {
		m.superseded(*superseded)
	}

	log.Debug().
		Str("context_id", contextID).
		Str("record_id", recordID).
		Bool("takeover", superseded != nil).
		Msg("timer started")

	return StartResult{Started: payload, Superseded: superseded}, err
}

// Stop ends the running session and returns its elapsed time. Stopping an
// idle machine still broadcasts STOPPED but changes nothing.
func (m *Machine) Stop(ctx context.Context) (StopResult, error) {
	m.mu.Lock()
	emitter := m.emitter
	if !m.session.IsRunning {
		m.mu.Unlock()
		emitter.BroadcastStopped()
		return StopResult{}, nil
	}

	now := m.now()
	res := StopResult{
		Stopped:        true,
		ElapsedSeconds: elapsedSeconds(*m.session.StartTime, now),
		ContextID:      m.session.ContextID,
		RecordID:       m.session.RecordID,
		Note:           m.session.Notes,
	}
	m.session = Session{ContextID: m.session.ContextID}
	snap := m.pendingLocked(now)
	m.mu.Unlock()

	err := m.persist(ctx, snap)
	emitter.BroadcastStopped()

	log.Debug().
		Str("record_id", res.RecordID).
		Int64("elapsed_sec", res.ElapsedSeconds).
		Msg("timer stopped")

	return res, err
}

// Reset discards any session without reporting elapsed time.
func (m *Machine) Reset(ctx context.Context) error {
	m.mu.Lock()
	m.session = Session{ContextID: m.session.ContextID}
	snap := m.pendingLocked(m.now())
	emitter := m.emitter
	m.mu.Unlock()

	err := m.persist(ctx, snap)
	emitter.BroadcastReset()
	return err
}

// UpdateNotes edits the notes locally. Notes are never broadcast.
func (m *Machine) UpdateNotes(ctx context.Context, text string) error {
	m.mu.Lock()
	m.session.Notes = text
	snap := m.pendingLocked(m.now())
	m.mu.Unlock()
	return m.persist(ctx, snap)
}

// UpdateContext changes the selected context locally without broadcasting.
func (m *Machine) UpdateContext(ctx context.Context, contextID string) error {
	m.mu.Lock()
	m.session.ContextID = contextID
	snap := m.pendingLocked(m.now())
	m.mu.Unlock()
	return m.persist(ctx, snap)
}

// ApplyRemote applies a transition received from a sibling tab without
// broadcasting it again. The latest STARTED always wins.
func (m *Machine) ApplyRemote(ctx context.Context, t Transition) error {
	m.mu.Lock()
	var superseded *Session
	switch t.Kind {
	case TransitionStarted:
		if m.session.IsRunning && m.session.RecordID != t.Started.RecordID {
			prev := m.session.clone()
			superseded = &prev
		}
		notes := ""
		if m.session.RecordID != "" && m.session.RecordID == t.Started.RecordID {
			notes = m.session.Notes
		}
		start := t.Started.StartTime.UTC()
		m.session = Session{
			IsRunning: true,
			StartTime: &start,
			ContextID: t.Started.ContextID,
			Notes:     notes,
			RecordID:  t.Started.RecordID,
		}
	case TransitionStopped, TransitionReset:
		m.session = Session{ContextID: m.session.ContextID}
	default:
		m.mu.Unlock()
		return fmt.Errorf("unknown transition %q", t.Kind)
	}
	snap := m.pendingLocked(m.now())
	m.mu.Unlock()

	if superseded != nil {
		m.superseded(*superseded)
	}

	if err := m.persist(ctx, snap); err != nil {
		log.Warn().Err(err).Str("transition", string(t.Kind)).Msg("remote transition not persisted")
		return err
	}
	return nil
}

// Restore loads a recovered snapshot without persisting or broadcasting.
func (m *Machine) Restore(state PersistedState) {
	m.mu.Lock()
	m.session = normalize(state.Session)
	m.mu.Unlock()
}

// Adopt replaces the local session with a live snapshot from a sibling tab
// and persists it. Nothing is broadcast. A running local session with a
// different record is reported as superseded.
func (m *Machine) Adopt(ctx context.Context, state PersistedState) error {
	m.mu.Lock()
	next := normalize(state.Session)
	var superseded *Session
	if m.session.IsRunning && m.session.RecordID != next.RecordID {
		prev := m.session.clone()
		superseded = &prev
	}
	m.session = next
	snap := m.pendingLocked(m.now())
	m.mu.Unlock()

	if superseded != nil {
		m.superseded(*superseded)
	}
	return m.persist(ctx, snap)
}

// Touch re-persists a running session so PersistedAt tracks liveness.
func (m *Machine) Touch(ctx context.Context) error {
	m.mu.Lock()
	if !m.session.IsRunning {
		m.mu.Unlock()
		return nil
	}
	snap := m.pendingLocked(m.now())
	m.mu.Unlock()
	return m.persist(ctx, snap)
}

// Snapshot returns the running session stamped with the current time, or
// nil when idle.
func (m *Machine) Snapshot() *PersistedState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.session.IsRunning {
		return nil
	}
	snap := m.persistedLocked(m.now())
	return &snap
}

// Session returns a copy of the current session.
func (m *Machine) Session() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.clone()
}

// Elapsed is the live running time, zero when idle.
func (m *Machine) Elapsed() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.session.IsRunning {
		return 0
	}
	d := m.clock.Now().Sub(*m.session.StartTime)
	if d < 0 {
		return 0
	}
	return d
}

func (m *Machine) persistedLocked(now time.Time) PersistedState {
	return PersistedState{Session: m.session.clone(), PersistedAt: &now}
}

// pendingWrite is a snapshot taken under mu, numbered in transition order.
type pendingWrite struct {
	state PersistedState
	seq   uint64
}

func (m *Machine) pendingLocked(now time.Time) pendingWrite {
	m.seq++
	return pendingWrite{state: m.persistedLocked(now), seq: m.seq}
}

// persist saves w unless a newer snapshot already reached the writer, so a
// slow heartbeat can never overwrite a later stop.
func (m *Machine) persist(ctx context.Context, w pendingWrite) error {
	if m.writer == nil {
		return nil
	}

	m.persistMu.Lock()
	defer m.persistMu.Unlock()
	if w.seq <= m.written {
		log.Debug().Uint64("seq", w.seq).Msg("skipping stale timer snapshot")
		return nil
	}
	m.written = w.seq

	if err := m.writer.Save(ctx, w.state); err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return nil
}

func (m *Machine) superseded(prev Session) {
	log.Info().
		Str("record_id", prev.RecordID).
		Str("context_id", prev.ContextID).
		Msg("running session superseded")
	if m.onSuperseded != nil {
		m.onSuperseded(prev)
	}
}

// now is UTC at millisecond precision, the resolution of the wire format.
func (m *Machine) now() time.Time {
	return m.clock.Now().UTC().Truncate(time.Millisecond)
}

func normalize(s Session) Session {
	s = s.clone()
	if !s.IsRunning || s.StartTime == nil {
		return Session{ContextID: s.ContextID, Notes: s.Notes}
	}
	start := s.StartTime.UTC()
	s.StartTime = &start
	return s
}

func elapsedSeconds(start, now time.Time) int64 {
	d := now.Sub(start)
	if d < 0 {
		return 0
	}
	return int64(d / time.Second)
}
