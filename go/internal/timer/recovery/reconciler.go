// Package recovery restores a tab's timer from the durable store at
// startup and reconciles it with live answers from sibling tabs.
package recovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/tabtimer/go/internal/timer/session"
)

// DefaultThreshold separates an ordinary reload from a suspected crash or
// sleep. A gap equal to the threshold counts as significant.
const DefaultThreshold = 5 * time.Minute

// Info describes what Recover found. It is derived and never persisted.
type Info struct {
	WasRecovered      bool       `json:"wasRecovered"`
	TimeGapSeconds    int64      `json:"timeGapSeconds"`
	HasSignificantGap bool       `json:"hasSignificantGap"`
	PersistedAt       *time.Time `json:"persistedAt"`
	RecoveredAt       time.Time  `json:"recoveredAt"`
}

// Loader reads the persisted snapshot. store.Snapshots implements it.
type Loader interface {
	Load(ctx context.Context) (*session.PersistedState, error)
}

// Target is the machine the reconciler restores into.
type Target interface {
	Restore(state session.PersistedState)
	Adopt(ctx context.Context, state session.PersistedState) error
	Session() session.Session
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithClock replaces the real clock.
func WithClock(c clockwork.Clock) Option {
	return func(r *Reconciler) { r.clock = c }
}

// WithThreshold overrides DefaultThreshold.
func WithThreshold(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.threshold = d
		}
	}
}

// Reconciler runs once per tab.
type Reconciler struct {
	loader    Loader
	target    Target
	clock     clockwork.Clock
	threshold time.Duration

	mu       sync.Mutex
	info     Info
	armed    bool
	accepted bool
	done     chan struct{}
}

// New creates a reconciler for target.
func New(loader Loader, target Target, opts ...Option) *Reconciler {
	r := &Reconciler{
		loader:    loader,
		target:    target,
		clock:     clockwork.NewRealClock(),
		threshold: DefaultThreshold,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Recover loads the persisted snapshot into the target. A running snapshot
// becomes the live session whatever the gap; classifying the gap is left
// to the caller through Info. Store read errors are returned.
func (r *Reconciler) Recover(ctx context.Context) (Info, error) {
	now := r.clock.Now().UTC()
	info := Info{RecoveredAt: now}

	state, err := r.loader.Load(ctx)
	if err != nil {
		return info, fmt.Errorf("recover timer state: %w", err)
	}

	switch {
	case state == nil:
		log.Debug().Msg("no persisted timer state")
	case !state.IsRunning:
		// Keep the selected context and draft notes of an idle tab.
		r.target.Restore(*state)
		info.PersistedAt = state.PersistedAt
	default:
		r.target.Restore(*state)
		info.WasRecovered = true
		info.PersistedAt = state.PersistedAt
		info.TimeGapSeconds, info.HasSignificantGap = Gap(now, *state, r.threshold)

		log.Info().
			Str("record_id", state.RecordID).
			Int64("gap_sec", info.TimeGapSeconds).
			Bool("significant_gap", info.HasSignificantGap).
			Msg("recovered running timer")
	}

	r.mu.Lock()
	r.info = info
	r.mu.Unlock()
	return info, nil
}

// Info returns the result of the last Recover.
func (r *Reconciler) Info() Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.info
}

// Gap measures how long the snapshot has been unconfirmed. The base is
// PersistedAt, else StartTime for legacy snapshots, else now.
func Gap(now time.Time, state session.PersistedState, threshold time.Duration) (seconds int64, significant bool) {
	base := now
	switch {
	case state.PersistedAt != nil:
		base = *state.PersistedAt
	case state.StartTime != nil:
		base = *state.StartTime
	}

	d := now.Sub(base)
	if d < 0 {
		d = 0
	}
	return int64(d / time.Second), d >= threshold
}

// BeginCatchUp arms the reconciler to accept one live answer. Call it just
// before sending the state request.
func (r *Reconciler) BeginCatchUp() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.accepted {
		r.armed = true
	}
}

// EndCatchUp disarms a pending catch-up. Once the tab has started,
// stopped or reset a session, or followed a sibling's start, answers to
// other tabs' requests must not replace its session.
func (r *Reconciler) EndCatchUp() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.armed = false
}

// AcceptRemote offers a sibling's state response. The first running
// snapshot received while armed is accepted; it replaces the local session
// when its start time or record differs. Everything else is ignored.
func (r *Reconciler) AcceptRemote(ctx context.Context, snapshot *session.PersistedState) bool {
	if snapshot == nil || !snapshot.IsRunning || snapshot.StartTime == nil {
		return false
	}

	r.mu.Lock()
	if !r.armed || r.accepted {
		r.mu.Unlock()
		return false
	}
	r.accepted = true
	r.armed = false
	close(r.done)
	r.mu.Unlock()

	local := r.target.Session()
	if sameSession(local, snapshot.Session) {
		log.Debug().Str("record_id", local.RecordID).Msg("live tab confirms recovered timer")
		return true
	}

	if err := r.target.Adopt(ctx, *snapshot); err != nil {
		log.Warn().Err(err).Msg("adopted live timer but could not persist it")
	}
	log.Info().
		Str("record_id", snapshot.RecordID).
		Str("previous_record_id", local.RecordID).
		Msg("live tab superseded recovered timer")
	return true
}

// CatchUpDone is closed once a live answer has been accepted.
func (r *Reconciler) CatchUpDone() <-chan struct{} {
	return r.done
}

func sameSession(local, remote session.Session) bool {
	if !local.IsRunning || local.StartTime == nil {
		return false
	}
	return local.StartTime.Equal(*remote.StartTime) && local.RecordID == remote.RecordID
}
