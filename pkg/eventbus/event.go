package eventbus

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// Topic carries every consultation event.
const Topic = "ehosp.consultations"

type EventType string

const (
	EventTurn        EventType = "turn"
	EventHandoff     EventType = "handoff"
	EventFollowUp    EventType = "followup"
	EventObservation EventType = "observation"
	EventImage       EventType = "image"
	EventSummary     EventType = "summary"
	EventSession     EventType = "session"
	// EventTranscript is published by a live session for each message it kept in its
	// transcript, in the form the session stores it.
	EventTranscript EventType = "transcript"
)

const (
	ChannelHTTP = "http"
	ChannelLive = "live"
)

// Event is the payload published for every completed consultation step.
type Event struct {
	Type       EventType `json:"type"`
	Channel    string    `json:"channel"`
	SessionID  string    `json:"session_id,omitempty"`
	Email      string    `json:"email,omitempty"`
	Specialist string    `json:"specialist,omitempty"`
	From       string    `json:"from,omitempty"`
	To         string    `json:"to,omitempty"`
	Patient    string    `json:"patient,omitempty"`
	Reply      string    `json:"reply,omitempty"`
	Status     string    `json:"status,omitempty"`
	At         time.Time `json:"at"`
}

func (e Event) Marshal() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrap(err, "eventbus: marshal event")
	}
	return b, nil
}

func UnmarshalEvent(b []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(b, &e); err != nil {
		return Event{}, errors.Wrap(err, "eventbus: unmarshal event")
	}
	return e, nil
}
