// Package queue defines the domain events exchanged over the message broker
// and the consumer that journals them.
package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType names a domain event.
type EventType string

const (
	EventSnapshot            EventType = "snapshot"
	EventSessionCreated      EventType = "session_created"
	EventSessionStarted      EventType = "session_started"
	EventNumberCalled        EventType = "number_called"
	EventSessionCompleted    EventType = "session_completed"
	EventSessionCancelled    EventType = "session_cancelled"
	EventCardIssued          EventType = "card_issued"
	EventTransactionRecorded EventType = "transaction_recorded"
)

// GameEvent is published after a state change commits.  Seq orders the
// events of one session; it restarts when the process restarts, so
// consumers compare it only within one stream.
type GameEvent struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	SessionID uint64          `json:"session_id"`
	Seq       uint64          `json:"seq"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	At        time.Time       `json:"at"`
}

// NewGameEvent encodes payload and stamps the event with a fresh id.
func NewGameEvent(t EventType, sessionID uint64, payload any) (GameEvent, error) {
	ev := GameEvent{ID: uuid.NewString(), Type: t, SessionID: sessionID, At: time.Now().UTC()}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return GameEvent{}, fmt.Errorf("encode %s payload: %w", t, err)
		}
		ev.Payload = b
	}
	return ev, nil
}

// JournalLine renders the event as one line of the journal file.
func (e GameEvent) JournalLine() string {
	payload := "{}"
	if len(e.Payload) > 0 {
		payload = string(e.Payload)
	}
	return fmt.Sprintf("[%s] %s | event_id=%s | session_id=%d | seq=%d | payload=%s\n",
		e.At.Format(time.RFC3339), e.Type, e.ID, e.SessionID, e.Seq, payload)
}

// NumberCalledPayload is the payload of EventNumberCalled.
type NumberCalledPayload struct {
	Number        int   `json:"number"`
	NumbersCalled []int `json:"numbers_called"`
}

// SessionCompletedPayload is the payload of EventSessionCompleted.
type SessionCompletedPayload struct {
	WinningPattern string   `json:"winning_pattern"`
	WinningCardIDs []uint64 `json:"winning_card_ids"`
	NumbersCalled  []int    `json:"numbers_called"`
}
