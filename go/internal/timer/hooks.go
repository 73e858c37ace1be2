package timer

import (
	"context"

	"github.com/mcdev12/tabtimer/go/internal/timer/session"
)

// Hooks let a host layer render what the engine did. Every hook is
// optional and runs after the engine has applied the change.
type Hooks struct {
	// OnStarted fires when a sibling's start was applied locally.
	OnStarted func(p session.StartedPayload)
	OnStopped func()
	OnReset   func()
	// OnStateRequest fires when a sibling asked for state, with the answer
	// sent (nil when this tab stayed silent).
	OnStateRequest func(answer *session.PersistedState)
	// OnStateResponse fires for every live answer to this tab's catch-up
	// request. accepted is false for late or duplicate answers.
	OnStateResponse func(snapshot *session.PersistedState, accepted bool)
	// OnSuperseded fires when a takeover abandons a running session. The
	// abandoned record is never finalized by the engine.
	OnSuperseded func(prev session.Session)
}

// FinalizeRequest is what the billable record service needs to close a
// time entry after Stop.
type FinalizeRequest struct {
	ContextID      string `json:"contextId"`
	ElapsedSeconds int64  `json:"elapsedSeconds"`
	Note           string `json:"note"`
	RecordID       string `json:"activeRecordId"`
}

// Finalizer is the external billable record service. Callers invoke it
// with the result of Stop; the engine itself never does.
type Finalizer interface {
	Finalize(ctx context.Context, req FinalizeRequest) error
}

// NewFinalizeRequest converts a stop result.
func NewFinalizeRequest(res session.StopResult) FinalizeRequest {
	return FinalizeRequest{
		ContextID:      res.ContextID,
		ElapsedSeconds: res.ElapsedSeconds,
		Note:           res.Note,
		RecordID:       res.RecordID,
	}
}
