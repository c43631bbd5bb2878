package mock

import (
	"context"
	"sync"

	"github.com/NikoToRA/telreq-sub001/pkg/telephony"
)

// SignalSource is a scripted telephony signal source for tests.
type SignalSource struct {
	mu      sync.Mutex
	ch      chan telephony.CallEvent
	started bool
	stopped bool
}

func NewSignalSource() *SignalSource {
	return &SignalSource{ch: make(chan telephony.CallEvent, 16)}
}

func (s *SignalSource) Name() string { return "mock_signal" }

func (s *SignalSource) Start(ctx context.Context) error {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	return nil
}

func (s *SignalSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.ch)
	return nil
}

// Emit injects one signaling event.
func (s *SignalSource) Emit(evt telephony.CallEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.ch <- evt
}

func (s *SignalSource) Events() <-chan telephony.CallEvent { return s.ch }

var _ telephony.SignalSource = (*SignalSource)(nil)
