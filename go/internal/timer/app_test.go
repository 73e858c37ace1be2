package timer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/tabtimer/go/internal/timer/session"
	"github.com/mcdev12/tabtimer/go/internal/timer/store"
	"github.com/mcdev12/tabtimer/go/internal/timer/tabsync"
	"github.com/mcdev12/tabtimer/go/internal/timer/transport"
)

var t0 = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

// hookLog collects hook calls from one tab.
type hookLog struct {
	mu         sync.Mutex
	started    []session.StartedPayload
	stopped    int
	reset      int
	requests   []*session.PersistedState
	responses  []bool
	superseded []session.Session
}

func (h *hookLog) hooks() Hooks {
	return Hooks{
		OnStarted: func(p session.StartedPayload) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.started = append(h.started, p)
		},
		OnStopped: func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.stopped++
		},
		OnReset: func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.reset++
		},
		OnStateRequest: func(answer *session.PersistedState) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.requests = append(h.requests, answer)
		},
		OnStateResponse: func(_ *session.PersistedState, accepted bool) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.responses = append(h.responses, accepted)
		},
		OnSuperseded: func(prev session.Session) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.superseded = append(h.superseded, prev)
		},
	}
}

type world struct {
	clock *clockwork.FakeClock
	bus   *transport.Bus
	kv    *store.Memory
	ids   int
}

func newWorld() *world {
	return &world{
		clock: clockwork.NewFakeClockAt(t0),
		bus:   transport.NewBus(),
		kv:    store.NewMemory(),
	}
}

func (w *world) tab(t *testing.T, kv store.KV, dialer transport.Dialer) (*App, *hookLog) {
	t.Helper()
	h := &hookLog{}
	app := NewApp(kv, dialer, DefaultConfig(),
		WithClock(w.clock),
		WithHooks(h.hooks()),
		WithIDGenerator(func() string {
			w.ids++
			return fmt.Sprintf("entry-%d", w.ids)
		}),
	)
	t.Cleanup(app.Close)
	return app, h
}

func (w *world) openTab(t *testing.T) (*App, *hookLog) {
	t.Helper()
	app, h := w.tab(t, w.kv, w.bus)
	_, err := app.Init(context.Background())
	require.NoError(t, err)
	return app, h
}

func TestApp_StartReachesOpenTab(t *testing.T) {
	w := newWorld()
	tabA, _ := w.openTab(t)
	tabB, hooksB := w.openTab(t)
	ctx := context.Background()

	res, err := tabA.Start(ctx, "matter-123", session.WithRecordID("entry-456"))
	require.NoError(t, err)
	assert.Equal(t, t0, res.Started.StartTime)

	require.Len(t, hooksB.started, 1)
	assert.Equal(t, session.StartedPayload{StartTime: t0, ContextID: "matter-123", RecordID: "entry-456"}, hooksB.started[0])

	s := tabB.Session()
	assert.True(t, s.IsRunning)
	assert.Equal(t, "entry-456", s.RecordID)
	// Tab B only ever sent its catch-up request.
	assert.EqualValues(t, 1, tabB.SyncStats().Sent)
}

func TestApp_StopAndResetPropagate(t *testing.T) {
	w := newWorld()
	tabA, _ := w.openTab(t)
	tabB, hooksB := w.openTab(t)
	ctx := context.Background()

	_, err := tabA.Start(ctx, "matter-123")
	require.NoError(t, err)
	w.clock.Advance(3661 * time.Second)

	res, err := tabA.Stop(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3661, res.ElapsedSeconds)
	assert.Equal(t, FinalizeRequest{ContextID: "matter-123", ElapsedSeconds: 3661, RecordID: "entry-1"}, NewFinalizeRequest(res))

	assert.Equal(t, 1, hooksB.stopped)
	assert.False(t, tabB.Session().IsRunning)

	_, err = tabB.Start(ctx, "matter-9")
	require.NoError(t, err)
	assert.True(t, tabA.Session().IsRunning)

	require.NoError(t, tabA.Reset(ctx))
	assert.Equal(t, 1, hooksB.reset)
	assert.False(t, tabB.Session().IsRunning)
}

func TestApp_LateTabCatchesUp(t *testing.T) {
	w := newWorld()
	tabA, hooksA := w.openTab(t)
	ctx := context.Background()

	_, err := tabA.Start(ctx, "matter-123", session.WithRecordID("entry-456"))
	require.NoError(t, err)
	w.clock.Advance(time.Minute)

	// A fresh tab with its own empty store learns about the session only
	// through the catch-up exchange.
	late, hooksLate := w.tab(t, store.NewMemory(), w.bus)
	info, err := late.Init(ctx)
	require.NoError(t, err)
	assert.False(t, info.WasRecovered)

	assert.True(t, late.WaitForCatchUp(ctx, time.Second))
	s := late.Session()
	assert.True(t, s.IsRunning)
	assert.Equal(t, "entry-456", s.RecordID)
	assert.Equal(t, time.Minute, late.Elapsed())

	require.Len(t, hooksA.requests, 1)
	require.NotNil(t, hooksA.requests[0])
	assert.Equal(t, []bool{true}, hooksLate.responses)
}

func TestApp_LiveTabSupersedesRecoveredSession(t *testing.T) {
	w := newWorld()
	ctx := context.Background()

	// A stale running session left behind by a crashed tab.
	stale := store.NewMemory()
	staleStart := t0.Add(-3 * time.Hour)
	staleAt := t0.Add(-2 * time.Hour)
	require.NoError(t, store.NewSnapshots(stale, "").Save(ctx, session.PersistedState{
		Session: session.Session{
			IsRunning: true,
			StartTime: &staleStart,
			ContextID: "matter-old",
			RecordID:  "entry-old",
		},
		PersistedAt: &staleAt,
	}))

	tabA, _ := w.openTab(t)
	_, err := tabA.Start(ctx, "matter-new", session.WithRecordID("entry-new"))
	require.NoError(t, err)

	tabB, hooksB := w.tab(t, stale, w.bus)
	info, err := tabB.Init(ctx)
	require.NoError(t, err)
	assert.True(t, info.WasRecovered)
	assert.True(t, info.HasSignificantGap)
	assert.EqualValues(t, 7200, info.TimeGapSeconds)

	assert.Equal(t, "entry-new", tabB.Session().RecordID)
	require.Len(t, hooksB.superseded, 1)
	assert.Equal(t, "entry-old", hooksB.superseded[0].RecordID)

	persisted, err := store.NewSnapshots(stale, "").Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "entry-new", persisted.RecordID)
}

func TestApp_IdleSiblingsStaySilent(t *testing.T) {
	w := newWorld()
	_, hooksA := w.openTab(t)
	tabB, hooksB := w.openTab(t)

	require.Len(t, hooksA.requests, 1)
	assert.Nil(t, hooksA.requests[0])
	assert.Empty(t, hooksB.responses)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan bool)
	go func() { done <- tabB.WaitForCatchUp(ctx, 2*time.Second) }()

	require.NoError(t, w.clock.BlockUntilContext(ctx, 1))
	w.clock.Advance(2 * time.Second)
	assert.False(t, <-done)
}

func TestApp_FieldEditsStayLocal(t *testing.T) {
	w := newWorld()
	tabA, _ := w.openTab(t)
	tabB, _ := w.tab(t, store.NewMemory(), w.bus)
	_, err := tabB.Init(context.Background())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = tabA.Start(ctx, "matter-123", session.WithNote("first draft"))
	require.NoError(t, err)
	require.NoError(t, tabA.UpdateNotes(ctx, "call with opposing counsel"))
	require.NoError(t, tabA.UpdateContext(ctx, "matter-124"))

	assert.Equal(t, "call with opposing counsel", tabA.Session().Notes)
	assert.Empty(t, tabB.Session().Notes)
	assert.Equal(t, "matter-123", tabB.Session().ContextID)

	persisted, err := store.NewSnapshots(w.kv, "").Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "call with opposing counsel", persisted.Notes)
	assert.Equal(t, "matter-124", persisted.ContextID)
}

func TestApp_WithoutTransport(t *testing.T) {
	w := newWorld()
	app, _ := w.tab(t, w.kv, transport.Unsupported{})
	ctx := context.Background()

	_, err := app.Init(ctx)
	require.NoError(t, err)
	assert.False(t, app.Connected())
	assert.Equal(t, tabsync.Stats{}, app.SyncStats())
	assert.False(t, app.WaitForCatchUp(ctx, time.Second))

	_, err = app.Start(ctx, "matter-123")
	require.NoError(t, err)

	// A reload recovers from the store alone.
	w.clock.Advance(10 * time.Second)
	reloaded, _ := w.tab(t, w.kv, nil)
	info, err := reloaded.Init(ctx)
	require.NoError(t, err)
	assert.True(t, info.WasRecovered)
	assert.EqualValues(t, 10, info.TimeGapSeconds)
	assert.False(t, info.HasSignificantGap)
	assert.Equal(t, info, reloaded.RecoveryInfo())
	assert.Equal(t, app.Session(), reloaded.Session())
}

func TestApp_MemoryOnly(t *testing.T) {
	w := newWorld()
	app, _ := w.tab(t, nil, w.bus)
	ctx := context.Background()

	_, err := app.Init(ctx)
	require.NoError(t, err)
	_, err = app.Start(ctx, "matter-123")
	require.NoError(t, err)
	require.NotNil(t, app.Snapshot())
	assert.NoError(t, app.ClearPersisted(ctx))
}

type flakyKV struct {
	*store.Memory
	writeErr error
	readErr  error
}

func (f flakyKV) Write(ctx context.Context, key string, value []byte) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	return f.Memory.Write(ctx, key, value)
}

func (f flakyKV) Read(ctx context.Context, key string) ([]byte, error) {
	if f.readErr != nil {
		return nil, f.readErr
	}
	return f.Memory.Read(ctx, key)
}

func TestApp_PersistenceFailureStillBroadcasts(t *testing.T) {
	w := newWorld()
	quota := errors.New("QuotaExceededError")
	tabA, _ := w.tab(t, flakyKV{Memory: store.NewMemory(), writeErr: quota}, w.bus)
	_, err := tabA.Init(context.Background())
	require.NoError(t, err)
	tabB, hooksB := w.openTab(t)

	_, err = tabA.Start(context.Background(), "matter-123")
	assert.ErrorIs(t, err, session.ErrPersistence)
	assert.ErrorIs(t, err, quota)

	assert.True(t, tabA.Session().IsRunning)
	assert.Len(t, hooksB.started, 1)
	assert.True(t, tabB.Session().IsRunning)
}

func TestApp_InitReadErrorIsReturned(t *testing.T) {
	w := newWorld()
	denied := errors.New("SecurityError: access denied")
	app, _ := w.tab(t, flakyKV{Memory: store.NewMemory(), readErr: denied}, w.bus)

	_, err := app.Init(context.Background())
	assert.ErrorIs(t, err, denied)
	assert.True(t, app.Connected())
	assert.False(t, app.Session().IsRunning)
}

func TestApp_Heartbeat(t *testing.T) {
	w := newWorld()
	app, _ := w.openTab(t)
	snaps := store.NewSnapshots(w.kv, "")

	ctx, cancel := context.WithCancel(context.Background())
	_, err := app.Start(ctx, "matter-123")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- app.RunHeartbeat(ctx) }()
	require.NoError(t, w.clock.BlockUntilContext(ctx, 1))

	w.clock.Advance(30 * time.Second)
	require.Eventually(t, func() bool {
		got, err := snaps.Load(context.Background())
		return err == nil && got != nil && got.PersistedAt.Equal(t0.Add(30*time.Second))
	}, time.Second, 5*time.Millisecond)

	got, err := snaps.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, got.StartTime.Equal(t0))

	cancel()
	assert.NoError(t, <-done)
}

func TestApp_ClearPersisted(t *testing.T) {
	w := newWorld()
	app, _ := w.openTab(t)
	ctx := context.Background()

	_, err := app.Start(ctx, "matter-123")
	require.NoError(t, err)
	require.NoError(t, app.ClearPersisted(ctx))

	got, err := store.NewSnapshots(w.kv, "").Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestApp_OwnStartIgnoresAnswersForOtherTabs(t *testing.T) {
	w := newWorld()
	tabA, hooksA := w.openTab(t)
	ctx := context.Background()

	_, err := tabA.Start(ctx, "matter-mine", session.WithRecordID("entry-mine"))
	require.NoError(t, err)

	// A sibling answers somebody else's state request.
	start := t0.Add(-time.Hour)
	at := t0
	other := session.PersistedState{
		Session:     session.Session{IsRunning: true, StartTime: &start, ContextID: "matter-other", RecordID: "entry-other"},
		PersistedAt: &at,
	}
	frame, err := tabsync.MarshalMessage(tabsync.Message{
		Type:     tabsync.MessageStateResponse,
		Origin:   "tab-other",
		Snapshot: &other,
	})
	require.NoError(t, err)
	raw, err := w.bus.Open(tabsync.DefaultChannel, nil)
	require.NoError(t, err)
	defer raw.Close()
	require.NoError(t, raw.Post(frame))

	require.Len(t, hooksA.responses, 1)
	assert.False(t, hooksA.responses[0])
	assert.Equal(t, "entry-mine", tabA.Session().RecordID)
	assert.Empty(t, hooksA.superseded)
}
