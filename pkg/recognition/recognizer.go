package recognition

import (
	"context"

	"github.com/NikoToRA/telreq-sub001/pkg/call"
	"github.com/NikoToRA/telreq-sub001/pkg/frames"
)

// Recognizer defines the contract for any speech recognition backend.
type Recognizer interface {
	// Name returns the backend name for logging/metrics.
	Name() string
	// Method identifies the backend tier (device or cloud).
	Method() call.RecognitionMethod
	// Start initializes the recognition connection.
	Start(ctx context.Context) error
	// Close shuts the connection down and flushes pending results.
	Close() error
	// SendAudio sends one audio frame to the backend.
	SendAudio(frame frames.AudioFrame) error
	// Results returns a channel of transcription frames. The channel is
	// closed once the backend has emitted everything it will emit.
	Results() <-chan frames.Frame
}

// Factory builds a recognizer bound to one session.
type Factory func(sessionID string) (Recognizer, error)

// Config contains vendor-agnostic recognition configuration.
type Config struct {
	Language           string
	SampleRate         int
	AttemptTimeout     int // seconds, bound on a single backend start attempt
	FinalWaitTimeout   int // seconds, bound on waiting for the final result
	FallbackConfidence float64
}

func (c Config) withDefaults() Config {
	if c.Language == "" {
		c.Language = "ja"
	}
	if c.SampleRate == 0 {
		c.SampleRate = 16000
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 10
	}
	if c.FinalWaitTimeout <= 0 {
		c.FinalWaitTimeout = 15
	}
	if c.FallbackConfidence <= 0 {
		c.FallbackConfidence = 0.45
	}
	return c
}

// PartialListener receives streaming transcription updates in temporal order.
type PartialListener func(sessionID, text string, isFinal bool)

// TransitionListener is notified when the orchestrator switches backends.
// Transitions are non-fatal events, not errors.
type TransitionListener func(sessionID string, from, to call.RecognitionMethod, reason string)
