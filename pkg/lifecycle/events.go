package lifecycle

import (
	"time"

	"github.com/NikoToRA/telreq-sub001/pkg/call"
)

// Event is one observable lifecycle occurrence. Events are delivered in the
// order they happen within a session.
type Event interface {
	isEvent()
}

// EventListener receives lifecycle events. Listeners must not block.
type EventListener func(Event)

// CallStarted signals that a capture session opened.
type CallStarted struct {
	SessionID string
	CallID    string
	From      string
	Direction call.Direction
	At        time.Time
}

// CallEnded signals that a session finished, successfully or not.
type CallEnded struct {
	SessionID string
	CallID    string
	Reason    string
	Duration  time.Duration
	At        time.Time
}

// TranscriptionUpdate carries streaming transcription text.
type TranscriptionUpdate struct {
	SessionID string
	Text      string
	IsFinal   bool
}

// MethodSwitched signals a transparent recognition backend switch.
type MethodSwitched struct {
	SessionID string
	From      call.RecognitionMethod
	To        call.RecognitionMethod
	Reason    string
}

// AudioLevel carries a push-based input level update in [0,1].
type AudioLevel struct {
	SessionID string
	Level     float64
}

// DurationUpdate ticks once per second while capturing.
type DurationUpdate struct {
	SessionID string
	Elapsed   time.Duration
}

// RecognitionError reports a recoverable recognition problem. The session
// continues; the error is informational.
type RecognitionError struct {
	SessionID string
	Err       error
}

// ProcessingComplete signals that a session's record was built and saved.
// Record carries the full persisted StructuredCallData so consumers do not
// need a follow-up load.
type ProcessingComplete struct {
	SessionID string
	Record    call.StructuredCallData
	Summary   call.CallSummary
}

// FatalError reports an unrecoverable session failure. The orchestrator is
// in the error state until acknowledged.
type FatalError struct {
	SessionID string
	Err       error
}

func (CallStarted) isEvent()         {}
func (CallEnded) isEvent()           {}
func (TranscriptionUpdate) isEvent() {}
func (MethodSwitched) isEvent()      {}
func (AudioLevel) isEvent()          {}
func (DurationUpdate) isEvent()      {}
func (RecognitionError) isEvent()    {}
func (ProcessingComplete) isEvent()  {}
func (FatalError) isEvent()          {}
