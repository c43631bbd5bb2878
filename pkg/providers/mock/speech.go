package mock

import (
	"context"
	"sync"

	"github.com/NikoToRA/telreq-sub001/pkg/providers/device"
)

// SpeechBackend is a scripted platform speech engine. Queued transcripts are
// flushed when Stop is called, mimicking an engine that finalizes on stop.
type SpeechBackend struct {
	Unavailable bool
	StartErr    error
	WriteErr    error
	Scripted    []device.Transcript

	mu      sync.Mutex
	out     chan device.Transcript
	started bool
	stopped bool
	writes  int
}

func NewSpeechBackend(scripted ...device.Transcript) *SpeechBackend {
	return &SpeechBackend{Scripted: scripted}
}

func (s *SpeechBackend) Available() bool { return !s.Unavailable }

func (s *SpeechBackend) Start(ctx context.Context, language string, sampleRate int) error {
	if s.StartErr != nil {
		return s.StartErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out = make(chan device.Transcript, len(s.Scripted)+1)
	s.started = true
	return nil
}

func (s *SpeechBackend) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || !s.started {
		return nil
	}
	s.stopped = true
	for _, tr := range s.Scripted {
		s.out <- tr
	}
	close(s.out)
	return nil
}

func (s *SpeechBackend) WriteAudio(pcm []byte) error {
	if s.WriteErr != nil {
		return s.WriteErr
	}
	s.mu.Lock()
	s.writes++
	s.mu.Unlock()
	return nil
}

func (s *SpeechBackend) Transcripts() <-chan device.Transcript {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.out
}

func (s *SpeechBackend) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

var _ device.Backend = (*SpeechBackend)(nil)
