package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/NikoToRA/telreq-sub001/pkg/capture"
	"github.com/NikoToRA/telreq-sub001/pkg/frames"
)

// AudioSource is a scripted capture source. Frames pushed with Push are
// delivered until Close.
type AudioSource struct {
	OpenErr error

	mu     sync.Mutex
	ch     chan frames.AudioFrame
	opened bool
	closed bool
}

func NewAudioSource() *AudioSource {
	return &AudioSource{ch: make(chan frames.AudioFrame, 64)}
}

func (a *AudioSource) Name() string { return "mock_audio" }

func (a *AudioSource) Open(ctx context.Context) error {
	if a.OpenErr != nil {
		return a.OpenErr
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		a.ch = make(chan frames.AudioFrame, 64)
		a.closed = false
	}
	a.opened = true
	return nil
}

func (a *AudioSource) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.opened = false
	close(a.ch)
	return nil
}

// Push enqueues one frame for delivery. Returns an error once closed.
func (a *AudioSource) Push(f frames.AudioFrame) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.opened {
		return errors.New("source not open")
	}
	select {
	case a.ch <- f:
		return nil
	default:
		return errors.New("source buffer full")
	}
}

func (a *AudioSource) Frames() <-chan frames.AudioFrame {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ch
}

var _ capture.Source = (*AudioSource)(nil)
