package session

import (
	"time"
)

// Session is the canonical timer session held by one tab.
//
// A running session always has a StartTime; an idle one never does.
// RecordID is only set while running and identifies the billable record
// the eventual Stop will finalize.
type Session struct {
	IsRunning bool
	StartTime *time.Time
	ContextID string
	Notes     string
	RecordID  string
}

func (s Session) clone() Session {
	if s.StartTime != nil {
		t := *s.StartTime
		s.StartTime = &t
	}
	return s
}

// PersistedState is a Session snapshot plus the instant it was last written.
// PersistedAt measures "last known alive" and is nil only for snapshots
// written before the field existed.
type PersistedState struct {
	Session
	PersistedAt *time.Time
}

// StartedPayload describes a structural start shared with sibling tabs.
type StartedPayload struct {
	StartTime time.Time
	ContextID string
	RecordID  string
}

// StartResult is returned by Start. Superseded is the session that was
// running before a takeover; the machine never finalizes it.
type StartResult struct {
	Started    StartedPayload
	Superseded *Session
}

// StopResult carries what an external billable record service needs to
// finalize the stopped session.
type StopResult struct {
	Stopped        bool
	ElapsedSeconds int64
	ContextID      string
	RecordID       string
	Note           string
}

// TransitionKind names a structural transition.
type TransitionKind string

const (
	TransitionStarted TransitionKind = "STARTED"
	TransitionStopped TransitionKind = "STOPPED"
	TransitionReset   TransitionKind = "RESET"
)

// Transition is a structural transition received from a sibling tab.
// Started is only meaningful for TransitionStarted.
type Transition struct {
	Kind    TransitionKind
	Started StartedPayload
}

// StartOption configures a Start call.
type StartOption func(*startOptions)

type startOptions struct {
	note     string
	recordID string
}

// WithNote sets the initial note of the session.
func WithNote(note string) StartOption {
	return func(o *startOptions) { o.note = note }
}

// WithRecordID uses a caller-allocated billable record ID instead of a
// generated one.
func WithRecordID(id string) StartOption {
	return func(o *startOptions) { o.recordID = id }
}
