package telephony

import (
	"context"
	"time"

	"github.com/NikoToRA/telreq-sub001/pkg/call"
)

// EventType classifies call signaling events.
type EventType string

const (
	EventRinging  EventType = "ringing"
	EventAnswered EventType = "answered"
	EventEnded    EventType = "ended"
)

// CallEvent is one signaling event observed for a call.
type CallEvent struct {
	Type      EventType
	CallID    string
	From      string
	Direction call.Direction
	Reason    string
	At        time.Time
}

// SignalSource surfaces call state changes from the telephony layer.
// Events arrive in temporal order per call.
type SignalSource interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Events() <-chan CallEvent
}
