package tabsync

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mcdev12/tabtimer/go/internal/timer/session"
)

// ErrMalformedMessage is returned by ParseMessage for frames that are not a
// valid envelope. Receivers drop them.
var ErrMalformedMessage = errors.New("malformed timer message")

// MessageType is the envelope type tag.
type MessageType string

const (
	MessageStarted       MessageType = "TIMER_STARTED"
	MessageStopped       MessageType = "TIMER_STOPPED"
	MessageReset         MessageType = "TIMER_RESET"
	MessageStateRequest  MessageType = "TIMER_STATE_REQUEST"
	MessageStateResponse MessageType = "TIMER_STATE_RESPONSE"
)

// Envelope is the wire form of every broadcast frame.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
	Origin  string          `json:"origin,omitempty"`
}

// StartedPayload is the TIMER_STARTED payload. startTime is Unix
// milliseconds.
type StartedPayload struct {
	StartTime        *int64  `json:"startTime"`
	SelectedMatterID *string `json:"selectedMatterId"`
	ActiveEntryID    *string `json:"activeEntryId"`
}

// StateResponsePayload is the TIMER_STATE_RESPONSE payload. Snapshot is a
// persisted record or null.
type StateResponsePayload struct {
	Snapshot json.RawMessage `json:"snapshot"`
}

// Message is a decoded envelope. Started is set for MessageStarted and
// Snapshot (possibly nil) for MessageStateResponse.
type Message struct {
	Type     MessageType
	Origin   string
	Started  session.StartedPayload
	Snapshot *session.PersistedState
}

// MarshalMessage encodes m as an envelope.
func MarshalMessage(m Message) ([]byte, error) {
	env := Envelope{Type: m.Type, Origin: m.Origin}

	var payload any
	switch m.Type {
	case MessageStarted:
		start := m.Started.StartTime.UnixMilli()
		payload = StartedPayload{
			StartTime:        &start,
			SelectedMatterID: nullable(m.Started.ContextID),
			ActiveEntryID:    nullable(m.Started.RecordID),
		}
	case MessageStateResponse:
		p := StateResponsePayload{Snapshot: json.RawMessage("null")}
		if m.Snapshot != nil {
			data, err := session.MarshalState(*m.Snapshot)
			if err != nil {
				return nil, fmt.Errorf("encode snapshot: %w", err)
			}
			p.Snapshot = data
		}
		payload = p
	case MessageStopped, MessageReset, MessageStateRequest:
	default:
		return nil, fmt.Errorf("unknown message type %q", m.Type)
	}

	if payload == nil {
		env.Payload = json.RawMessage("null")
	} else {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", m.Type, err)
		}
		env.Payload = data
	}
	return json.Marshal(env)
}

// ParseMessage decodes and validates a frame.
func ParseMessage(data []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	msg := Message{Type: env.Type, Origin: env.Origin}

	switch env.Type {
	case MessageStarted:
		var p StartedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return Message{}, fmt.Errorf("%w: started payload: %v", ErrMalformedMessage, err)
		}
		if p.StartTime == nil {
			return Message{}, fmt.Errorf("%w: started payload without startTime", ErrMalformedMessage)
		}
		msg.Started = session.StartedPayload{
			StartTime: time.UnixMilli(*p.StartTime).UTC(),
			ContextID: deref(p.SelectedMatterID),
			RecordID:  deref(p.ActiveEntryID),
		}

	case MessageStateResponse:
		var p StateResponsePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return Message{}, fmt.Errorf("%w: state response payload: %v", ErrMalformedMessage, err)
		}
		if len(p.Snapshot) > 0 && !bytes.Equal(bytes.TrimSpace(p.Snapshot), []byte("null")) {
			snap, err := session.UnmarshalState(p.Snapshot)
			if err != nil {
				return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
			}
			msg.Snapshot = snap
		}

	case MessageStopped, MessageReset, MessageStateRequest:

	default:
		return Message{}, fmt.Errorf("%w: unknown type %q", ErrMalformedMessage, env.Type)
	}
	return msg, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
