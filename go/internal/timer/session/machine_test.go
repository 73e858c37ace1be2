package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingEmitter struct {
	started []StartedPayload
	stopped int
	reset   int
}

func (e *recordingEmitter) BroadcastStarted(p StartedPayload) { e.started = append(e.started, p) }
func (e *recordingEmitter) BroadcastStopped()                 { e.stopped++ }
func (e *recordingEmitter) BroadcastReset()                   { e.reset++ }

type memWriter struct {
	saved []PersistedState
	err   error
}

func (w *memWriter) Save(_ context.Context, s PersistedState) error {
	if w.err != nil {
		return w.err
	}
	w.saved = append(w.saved, s)
	return nil
}

func (w *memWriter) last() PersistedState {
	return w.saved[len(w.saved)-1]
}

var t0 = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

func newTestMachine(t *testing.T, opts ...Option) (*Machine, *clockwork.FakeClock, *memWriter, *recordingEmitter) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(t0)
	w := &memWriter{}
	e := &recordingEmitter{}
	ids := 0
	opts = append([]Option{
		WithClock(clock),
		WithIDGenerator(func() string {
			ids++
			return "entry-" + string(rune('0'+ids))
		}),
	}, opts...)
	return New(w, e, opts...), clock, w, e
}

func TestMachine_StartPersistsAndBroadcasts(t *testing.T) {
	m, _, w, e := newTestMachine(t)
	ctx := context.Background()

	res, err := m.Start(ctx, "matter-123", WithNote("drafting"), WithRecordID("entry-456"))
	require.NoError(t, err)
	assert.Nil(t, res.Superseded)
	assert.Equal(t, StartedPayload{StartTime: t0, ContextID: "matter-123", RecordID: "entry-456"}, res.Started)

	s := m.Session()
	assert.True(t, s.IsRunning)
	require.NotNil(t, s.StartTime)
	assert.True(t, s.StartTime.Equal(t0))
	assert.Equal(t, "drafting", s.Notes)

	require.Len(t, w.saved, 1)
	assert.True(t, w.last().IsRunning)
	assert.Equal(t, "entry-456", w.last().RecordID)
	require.NotNil(t, w.last().PersistedAt)

	require.Len(t, e.started, 1)
	assert.Equal(t, res.Started, e.started[0])
}

func TestMachine_StartAllocatesRecordID(t *testing.T) {
	m, _, _, _ := newTestMachine(t)

	res, err := m.Start(context.Background(), "matter-1")
	require.NoError(t, err)
	assert.Equal(t, "entry-1", res.Started.RecordID)
}

func TestMachine_StopReturnsElapsedSeconds(t *testing.T) {
	m, clock, w, e := newTestMachine(t)
	ctx := context.Background()

	_, err := m.Start(ctx, "matter-123", WithNote("call with client"), WithRecordID("entry-456"))
	require.NoError(t, err)
	clock.Advance(3661 * time.Second)

	res, err := m.Stop(ctx)
	require.NoError(t, err)
	assert.Equal(t, StopResult{
		Stopped:        true,
		ElapsedSeconds: 3661,
		ContextID:      "matter-123",
		RecordID:       "entry-456",
		Note:           "call with client",
	}, res)

	s := m.Session()
	assert.False(t, s.IsRunning)
	assert.Nil(t, s.StartTime)
	assert.Empty(t, s.RecordID)
	assert.Equal(t, "matter-123", s.ContextID)

	assert.False(t, w.last().IsRunning)
	assert.Nil(t, w.last().StartTime)
	assert.Equal(t, 1, e.stopped)
}

func TestMachine_StopFloorsPartialSeconds(t *testing.T) {
	m, clock, _, _ := newTestMachine(t)
	ctx := context.Background()

	_, err := m.Start(ctx, "matter-1")
	require.NoError(t, err)
	clock.Advance(59*time.Second + 999*time.Millisecond)

	res, err := m.Stop(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(59), res.ElapsedSeconds)
}

func TestMachine_StopWhileIdleStillBroadcasts(t *testing.T) {
	m, _, w, e := newTestMachine(t)

	res, err := m.Stop(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Stopped)
	assert.Zero(t, res.ElapsedSeconds)
	assert.Empty(t, w.saved)
	assert.Equal(t, 1, e.stopped)
}

func TestMachine_StartWhileRunningIsTakeover(t *testing.T) {
	var hooked []Session
	m, clock, _, e := newTestMachine(t, WithSupersededHook(func(prev Session) {
		hooked = append(hooked, prev)
	}))
	ctx := context.Background()

	_, err := m.Start(ctx, "matter-a", WithRecordID("entry-a"))
	require.NoError(t, err)
	clock.Advance(time.Minute)

	res, err := m.Start(ctx, "matter-b", WithRecordID("entry-b"))
	require.NoError(t, err)
	require.NotNil(t, res.Superseded)
	assert.Equal(t, "entry-a", res.Superseded.RecordID)
	require.Len(t, hooked, 1)
	assert.Equal(t, "matter-a", hooked[0].ContextID)

	s := m.Session()
	assert.Equal(t, "entry-b", s.RecordID)
	assert.True(t, s.StartTime.Equal(t0.Add(time.Minute)))
	assert.Len(t, e.started, 2)
}

func TestMachine_ResetDiscardsSession(t *testing.T) {
	m, clock, w, e := newTestMachine(t)
	ctx := context.Background()

	_, err := m.Start(ctx, "matter-1", WithNote("x"))
	require.NoError(t, err)
	clock.Advance(10 * time.Minute)

	require.NoError(t, m.Reset(ctx))
	s := m.Session()
	assert.False(t, s.IsRunning)
	assert.Empty(t, s.Notes)
	assert.Empty(t, s.RecordID)
	assert.False(t, w.last().IsRunning)
	assert.Equal(t, 1, e.reset)
}

func TestMachine_FieldEditsAreNotBroadcast(t *testing.T) {
	m, _, w, e := newTestMachine(t)
	ctx := context.Background()

	_, err := m.Start(ctx, "matter-1")
	require.NoError(t, err)

	require.NoError(t, m.UpdateNotes(ctx, "reviewed contract"))
	require.NoError(t, m.UpdateContext(ctx, "matter-2"))

	assert.Equal(t, "reviewed contract", w.last().Notes)
	assert.Equal(t, "matter-2", w.last().ContextID)
	assert.Len(t, e.started, 1)
	assert.Zero(t, e.stopped)
	assert.Zero(t, e.reset)
}

func TestMachine_ApplyRemoteDoesNotEcho(t *testing.T) {
	m, clock, w, e := newTestMachine(t)
	ctx := context.Background()
	remoteStart := t0.Add(-5 * time.Minute)

	err := m.ApplyRemote(ctx, Transition{
		Kind:    TransitionStarted,
		Started: StartedPayload{StartTime: remoteStart, ContextID: "matter-9", RecordID: "entry-9"},
	})
	require.NoError(t, err)

	s := m.Session()
	assert.True(t, s.IsRunning)
	assert.Equal(t, "entry-9", s.RecordID)
	assert.Equal(t, 5*time.Minute, m.Elapsed())
	clock.Advance(time.Minute)
	assert.Equal(t, 6*time.Minute, m.Elapsed())

	require.NoError(t, m.ApplyRemote(ctx, Transition{Kind: TransitionStopped}))
	assert.False(t, m.Session().IsRunning)

	assert.Len(t, w.saved, 2)
	assert.Empty(t, e.started)
	assert.Zero(t, e.stopped)
}

func TestMachine_ApplyRemoteStartedOverwritesLocal(t *testing.T) {
	var hooked []Session
	m, _, _, _ := newTestMachine(t, WithSupersededHook(func(prev Session) {
		hooked = append(hooked, prev)
	}))
	ctx := context.Background()

	_, err := m.Start(ctx, "matter-local", WithRecordID("entry-local"), WithNote("local note"))
	require.NoError(t, err)

	err = m.ApplyRemote(ctx, Transition{
		Kind:    TransitionStarted,
		Started: StartedPayload{StartTime: t0, ContextID: "matter-remote", RecordID: "entry-remote"},
	})
	require.NoError(t, err)

	s := m.Session()
	assert.Equal(t, "entry-remote", s.RecordID)
	assert.Equal(t, "matter-remote", s.ContextID)
	assert.Empty(t, s.Notes)
	require.Len(t, hooked, 1)
	assert.Equal(t, "entry-local", hooked[0].RecordID)
}

func TestMachine_ApplyRemoteUnknownKind(t *testing.T) {
	m, _, _, _ := newTestMachine(t)
	err := m.ApplyRemote(context.Background(), Transition{Kind: "PAUSED"})
	assert.Error(t, err)
}

func TestMachine_PersistenceFailureIsReturned(t *testing.T) {
	m, clock, w, e := newTestMachine(t)
	ctx := context.Background()
	w.err = errors.New("quota exceeded")

	_, err := m.Start(ctx, "matter-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPersistence)
	assert.True(t, m.Session().IsRunning)
	assert.Len(t, e.started, 1)

	clock.Advance(90 * time.Second)
	res, err := m.Stop(ctx)
	assert.ErrorIs(t, err, ErrPersistence)
	assert.Equal(t, int64(90), res.ElapsedSeconds)
}

func TestMachine_SnapshotNilWhenIdle(t *testing.T) {
	m, clock, _, _ := newTestMachine(t)
	assert.Nil(t, m.Snapshot())

	_, err := m.Start(context.Background(), "matter-1", WithRecordID("entry-1"))
	require.NoError(t, err)
	clock.Advance(2 * time.Second)

	snap := m.Snapshot()
	require.NotNil(t, snap)
	assert.True(t, snap.IsRunning)
	assert.True(t, snap.PersistedAt.Equal(t0.Add(2*time.Second)))
	assert.True(t, snap.StartTime.Equal(t0))
}

func TestMachine_RestoreAndAdopt(t *testing.T) {
	var hooked []Session
	m, _, w, e := newTestMachine(t, WithSupersededHook(func(prev Session) {
		hooked = append(hooked, prev)
	}))
	start := t0.Add(-time.Hour)
	state := PersistedState{Session: Session{
		IsRunning: true,
		StartTime: &start,
		ContextID: "matter-7",
		Notes:     "recovered",
		RecordID:  "entry-7",
	}}

	m.Restore(state)
	assert.Equal(t, time.Hour, m.Elapsed())
	assert.Empty(t, w.saved)

	other := t0.Add(-time.Minute)
	state.StartTime = &other
	state.RecordID = "entry-8"
	require.NoError(t, m.Adopt(context.Background(), state))
	assert.Equal(t, "entry-8", m.Session().RecordID)
	assert.Len(t, w.saved, 1)
	assert.Empty(t, e.started)
	require.Len(t, hooked, 1)
	assert.Equal(t, "entry-7", hooked[0].RecordID)
}

func TestMachine_TouchOnlyWhileRunning(t *testing.T) {
	m, clock, w, _ := newTestMachine(t)
	ctx := context.Background()

	require.NoError(t, m.Touch(ctx))
	assert.Empty(t, w.saved)

	_, err := m.Start(ctx, "matter-1")
	require.NoError(t, err)
	clock.Advance(30 * time.Second)
	require.NoError(t, m.Touch(ctx))
	require.Len(t, w.saved, 2)
	assert.True(t, w.last().PersistedAt.Equal(t0.Add(30*time.Second)))
}

// gatedWriter holds one armed Save until the gate is closed.
type gatedWriter struct {
	mu      sync.Mutex
	saved   []PersistedState
	gate    chan struct{}
	entered chan struct{}
}

func (w *gatedWriter) arm() (gate, entered chan struct{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.gate = make(chan struct{})
	w.entered = make(chan struct{})
	return w.gate, w.entered
}

func (w *gatedWriter) Save(_ context.Context, s PersistedState) error {
	w.mu.Lock()
	gate, entered := w.gate, w.entered
	w.gate = nil
	w.mu.Unlock()

	if gate != nil {
		close(entered)
		<-gate
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.saved = append(w.saved, s)
	return nil
}

func (w *gatedWriter) last() PersistedState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.saved[len(w.saved)-1]
}

func TestMachine_SlowHeartbeatCannotResurrectStoppedSession(t *testing.T) {
	w := &gatedWriter{}
	m := New(w, nil, WithClock(clockwork.NewFakeClockAt(t0)))
	ctx := context.Background()

	_, err := m.Start(ctx, "matter-1", WithRecordID("entry-1"))
	require.NoError(t, err)

	gate, entered := w.arm()
	touched := make(chan error, 1)
	go func() { touched <- m.Touch(ctx) }()
	<-entered

	stopped := make(chan StopResult, 1)
	go func() {
		res, err := m.Stop(ctx)
		assert.NoError(t, err)
		stopped <- res
	}()
	require.Eventually(t, func() bool { return !m.Session().IsRunning }, time.Second, time.Millisecond)

	close(gate)
	require.NoError(t, <-touched)
	assert.True(t, (<-stopped).Stopped)

	last := w.last()
	assert.False(t, last.IsRunning)
	assert.Nil(t, last.StartTime)
	assert.Empty(t, last.RecordID)
}

func TestMachine_StaleSnapshotIsNotWritten(t *testing.T) {
	m, _, w, _ := newTestMachine(t)
	ctx := context.Background()

	_, err := m.Start(ctx, "matter-1")
	require.NoError(t, err)

	// A heartbeat snapshot taken before the stop but written after it.
	m.mu.Lock()
	older := m.pendingLocked(m.now())
	m.mu.Unlock()

	_, err = m.Stop(ctx)
	require.NoError(t, err)
	require.NoError(t, m.persist(ctx, older))

	require.Len(t, w.saved, 2)
	assert.False(t, w.last().IsRunning)
}

func TestMachine_NilWriterIsMemoryOnly(t *testing.T) {
	m := New(nil, nil, WithClock(clockwork.NewFakeClockAt(t0)))
	_, err := m.Start(context.Background(), "matter-1")
	require.NoError(t, err)
	assert.True(t, m.Session().IsRunning)
}
