package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidState is returned when a serialized snapshot does not match the
// persisted record schema. Callers treat it as "no state".
var ErrInvalidState = errors.New("invalid timer state")

// record is the serialized form shared by the durable store and the
// STATE_RESPONSE payload. Timestamps are Unix milliseconds.
type record struct {
	IsRunning        bool    `json:"isRunning"`
	StartTime        *int64  `json:"startTime"`
	SelectedMatterID *string `json:"selectedMatterId"`
	Notes            string  `json:"notes"`
	ActiveEntryID    *string `json:"activeEntryId"`
	PersistedAt      *int64  `json:"persistedAt,omitempty"`
}

// rawRecord uses pointers so missing fields can be told apart from zero
// values while decoding.
type rawRecord struct {
	IsRunning        *bool   `json:"isRunning"`
	StartTime        *int64  `json:"startTime"`
	SelectedMatterID *string `json:"selectedMatterId"`
	Notes            *string `json:"notes"`
	ActiveEntryID    *string `json:"activeEntryId"`
	PersistedAt      *int64  `json:"persistedAt"`
}

// MarshalState encodes a snapshot as a persisted record.
func MarshalState(s PersistedState) ([]byte, error) {
	rec := record{
		IsRunning:        s.IsRunning,
		StartTime:        millis(s.StartTime),
		SelectedMatterID: nullable(s.ContextID),
		Notes:            s.Notes,
		ActiveEntryID:    nullable(s.RecordID),
		PersistedAt:      millis(s.PersistedAt),
	}
	if !s.IsRunning {
		rec.StartTime = nil
		rec.ActiveEntryID = nil
	}
	return json.Marshal(rec)
}

// UnmarshalState decodes and validates a persisted record. Any mismatch,
// including a non-boolean isRunning or a running record without a start
// time, yields ErrInvalidState.
func UnmarshalState(data []byte) (*PersistedState, error) {
	var raw rawRecord
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	if raw.IsRunning == nil {
		return nil, fmt.Errorf("%w: isRunning missing", ErrInvalidState)
	}
	if *raw.IsRunning && raw.StartTime == nil {
		return nil, fmt.Errorf("%w: running without startTime", ErrInvalidState)
	}

	state := &PersistedState{
		Session: Session{
			IsRunning: *raw.IsRunning,
		},
		PersistedAt: fromMillis(raw.PersistedAt),
	}
	if raw.SelectedMatterID != nil {
		state.ContextID = *raw.SelectedMatterID
	}
	if raw.Notes != nil {
		state.Notes = *raw.Notes
	}
	if state.IsRunning {
		state.StartTime = fromMillis(raw.StartTime)
		if raw.ActiveEntryID != nil {
			state.RecordID = *raw.ActiveEntryID
		}
	}
	return state, nil
}

func millis(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}

func fromMillis(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := time.UnixMilli(*ms).UTC()
	return &t
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
