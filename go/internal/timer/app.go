// Package timer composes one tab's timer engine: the state machine, its
// durable snapshot, the cross-tab sync coordinator and startup recovery.
package timer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/tabtimer/go/internal/timer/recovery"
	"github.com/mcdev12/tabtimer/go/internal/timer/session"
	"github.com/mcdev12/tabtimer/go/internal/timer/store"
	"github.com/mcdev12/tabtimer/go/internal/timer/tabsync"
	"github.com/mcdev12/tabtimer/go/internal/timer/transport"
)

// Config holds the per-tab engine settings.
type Config struct {
	Channel           string
	StoreKey          string
	GapThreshold      time.Duration
	HeartbeatInterval time.Duration
}

// DefaultConfig returns the standard settings.
func DefaultConfig() Config {
	return Config{
		Channel:           tabsync.DefaultChannel,
		StoreKey:          store.DefaultKey,
		GapThreshold:      recovery.DefaultThreshold,
		HeartbeatInterval: 30 * time.Second,
	}
}

// Option configures an App.
type Option func(*options)

type options struct {
	clock clockwork.Clock
	hooks Hooks
	newID func() string
}

// WithClock replaces the real clock in every component.
func WithClock(c clockwork.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithHooks installs host callbacks.
func WithHooks(h Hooks) Option {
	return func(o *options) { o.hooks = h }
}

// WithIDGenerator replaces the record ID generator.
func WithIDGenerator(fn func() string) Option {
	return func(o *options) { o.newID = fn }
}

// App is one tab.
type App struct {
	cfg   Config
	clock clockwork.Clock
	hooks Hooks

	machine    *session.Machine
	snapshots  *store.Snapshots
	sync       *tabsync.Coordinator
	reconciler *recovery.Reconciler
}

// NewApp wires a tab. A nil kv keeps the timer in memory only; an
// unsupported or nil dialer leaves it without live sync.
func NewApp(kv store.KV, dialer transport.Dialer, cfg Config, opts ...Option) *App {
	def := DefaultConfig()
	if cfg.Channel == "" {
		cfg.Channel = def.Channel
	}
	if cfg.GapThreshold <= 0 {
		cfg.GapThreshold = def.GapThreshold
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}

	o := options{clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{cfg: cfg, clock: o.clock, hooks: o.hooks}

	machineOpts := []session.Option{
		session.WithClock(o.clock),
		session.WithSupersededHook(a.superseded),
	}
	if o.newID != nil {
		machineOpts = append(machineOpts, session.WithIDGenerator(o.newID))
	}

	var writer session.Writer
	var loader recovery.Loader = emptyLoader{}
	if kv != nil {
		a.snapshots = store.NewSnapshots(kv, cfg.StoreKey)
		writer = a.snapshots
		loader = a.snapshots
	}
	a.machine = session.New(writer, nil, machineOpts...)
	a.reconciler = recovery.New(loader, a.machine,
		recovery.WithClock(o.clock),
		recovery.WithThreshold(cfg.GapThreshold),
	)

	if tabsync.IsTransportSupported(dialer) {
		a.sync = tabsync.New(dialer, a.callbacks(), tabsync.WithChannel(cfg.Channel))
		a.machine.SetEmitter(a.sync)
	} else {
		log.Warn().Msg("broadcast transport not supported, timer will not sync across tabs")
	}
	return a
}

// Init recovers the persisted session, connects to siblings and asks them
// for a live session. A store read error is returned, but the tab is still
// connected and usable in memory.
func (a *App) Init(ctx context.Context) (recovery.Info, error) {
	info, err := a.reconciler.Recover(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("timer recovery failed, starting idle")
	}

	if a.sync != nil {
		a.sync.Connect()
		if a.sync.Connected() {
			a.reconciler.BeginCatchUp()
			a.sync.RequestState()
		}
	}
	return info, err
}

// Close disconnects from siblings. The persisted state is kept.
func (a *App) Close() {
	if a.sync != nil {
		a.sync.Disconnect()
	}
}

// Start, Stop and Reset end any pending catch-up: the user's own action
// wins over a late answer from a sibling.
func (a *App) Start(ctx context.Context, contextID string, opts ...session.StartOption) (session.StartResult, error) {
	a.reconciler.EndCatchUp()
	return a.machine.Start(ctx, contextID, opts...)
}

func (a *App) Stop(ctx context.Context) (session.StopResult, error) {
	a.reconciler.EndCatchUp()
	return a.machine.Stop(ctx)
}

func (a *App) Reset(ctx context.Context) error {
	a.reconciler.EndCatchUp()
	return a.machine.Reset(ctx)
}

func (a *App) UpdateNotes(ctx context.Context, text string) error {
	return a.machine.UpdateNotes(ctx, text)
}

func (a *App) UpdateContext(ctx context.Context, contextID string) error {
	return a.machine.UpdateContext(ctx, contextID)
}

// Session returns a copy of the current session.
func (a *App) Session() session.Session { return a.machine.Session() }

// Elapsed is the live running time.
func (a *App) Elapsed() time.Duration { return a.machine.Elapsed() }

// Snapshot is the running session stamped now, or nil when idle.
func (a *App) Snapshot() *session.PersistedState { return a.machine.Snapshot() }

// RecoveryInfo is the result of the last Init.
func (a *App) RecoveryInfo() recovery.Info { return a.reconciler.Info() }

// Connected reports whether live sync is up.
func (a *App) Connected() bool {
	return a.sync != nil && a.sync.Connected()
}

// SyncStats returns coordinator counters, zero without sync.
func (a *App) SyncStats() tabsync.Stats {
	if a.sync == nil {
		return tabsync.Stats{}
	}
	return a.sync.Stats()
}

// WaitForCatchUp waits up to d for a sibling's live answer to be accepted.
// It returns false on timeout, cancellation, or when sync is down.
func (a *App) WaitForCatchUp(ctx context.Context, d time.Duration) bool {
	if !a.Connected() {
		return false
	}
	timer := a.clock.NewTimer(d)
	defer stopAndDrainTimer(timer)

	select {
	case <-a.reconciler.CatchUpDone():
		return true
	case <-timer.Chan():
		return false
	case <-ctx.Done():
		return false
	}
}

// RunHeartbeat re-persists the running session every HeartbeatInterval so
// a later recovery measures the gap from the last time this tab was alive.
// It returns when ctx is done.
func (a *App) RunHeartbeat(ctx context.Context) error {
	ticker := a.clock.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			if err := a.machine.Touch(ctx); err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				log.Warn().Err(err).Msg("heartbeat not persisted")
			}
		}
	}
}

// ClearPersisted removes the stored snapshot.
func (a *App) ClearPersisted(ctx context.Context) error {
	if a.snapshots == nil {
		return nil
	}
	if err := a.snapshots.Clear(ctx); err != nil {
		return fmt.Errorf("clear persisted timer: %w", err)
	}
	return nil
}

func (a *App) callbacks() tabsync.Callbacks {
	ctx := context.Background()
	return tabsync.Callbacks{
		OnStarted: func(p session.StartedPayload) {
			a.reconciler.EndCatchUp()
			a.applyRemote(ctx, session.Transition{Kind: session.TransitionStarted, Started: p})
			if a.hooks.OnStarted != nil {
				a.hooks.OnStarted(p)
			}
		},
		OnStopped: func() {
			a.applyRemote(ctx, session.Transition{Kind: session.TransitionStopped})
			if a.hooks.OnStopped != nil {
				a.hooks.OnStopped()
			}
		},
		OnReset: func() {
			a.applyRemote(ctx, session.Transition{Kind: session.TransitionReset})
			if a.hooks.OnReset != nil {
				a.hooks.OnReset()
			}
		},
		OnStateRequest: func() *session.PersistedState {
			snap := a.machine.Snapshot()
			if a.hooks.OnStateRequest != nil {
				a.hooks.OnStateRequest(snap)
			}
			return snap
		},
		OnStateResponse: func(snap *session.PersistedState) {
			accepted := a.reconciler.AcceptRemote(ctx, snap)
			if a.hooks.OnStateResponse != nil {
				a.hooks.OnStateResponse(snap, accepted)
			}
		},
	}
}

func (a *App) applyRemote(ctx context.Context, t session.Transition) {
	// Persist failures are already logged by the machine; the transport
	// has nobody to report them to.
	_ = a.machine.ApplyRemote(ctx, t)
}

func (a *App) superseded(prev session.Session) {
	if a.hooks.OnSuperseded != nil {
		a.hooks.OnSuperseded(prev)
	}
}

type emptyLoader struct{}

func (emptyLoader) Load(context.Context) (*session.PersistedState, error) { return nil, nil }

// stopAndDrainTimer stops a timer and drains its channel if it already fired.
func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}
