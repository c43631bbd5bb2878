package metrics

import "time"

type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type Flusher interface {
	Flush() error
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}

// Event names emitted by the call-processing pipeline.
const (
	EventRecognitionFallback = "recognition_fallback"
	EventRecognitionTimeout  = "recognition_timeout"
	EventPartialAccepted     = "partial_accepted"
	EventSummaryFallback     = "summary_fallback"
	EventMemoryCeiling       = "memory_ceiling"
	EventSyncRetry           = "sync_retry"
	EventSyncComplete        = "sync_complete"
	EventCallSaved           = "call_saved"
	EventBreakerOpen         = "breaker_open"
	EventBreakerClose        = "breaker_close"
	EventBreakerDenied       = "breaker_denied"
	EventRateLimit           = "rate_limit"
)

// MultiObserver fans events out to several observers.
type MultiObserver struct {
	observers []Observer
}

func NewMultiObserver(observers ...Observer) *MultiObserver {
	return &MultiObserver{observers: observers}
}

func (m *MultiObserver) RecordEvent(ev MetricsEvent) {
	for _, o := range m.observers {
		if o != nil {
			o.RecordEvent(ev)
		}
	}
}
