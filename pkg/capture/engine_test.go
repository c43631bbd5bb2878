package capture

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/NikoToRA/telreq-sub001/pkg/errorsx"
	"github.com/NikoToRA/telreq-sub001/pkg/frames"
)

type stubSource struct {
	mu      sync.Mutex
	ch      chan frames.AudioFrame
	openErr error
	closes  int
}

func newStubSource() *stubSource {
	return &stubSource{ch: make(chan frames.AudioFrame, 16)}
}

func (s *stubSource) Name() string { return "stub" }

func (s *stubSource) Open(ctx context.Context) error { return s.openErr }

func (s *stubSource) Close() error {
	s.mu.Lock()
	s.closes++
	s.mu.Unlock()
	return nil
}

func (s *stubSource) Frames() <-chan frames.AudioFrame { return s.ch }

func (s *stubSource) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

func pcmFrame(samples ...int16) frames.AudioFrame {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		buf[2*i] = byte(uint16(s))
		buf[2*i+1] = byte(uint16(s) >> 8)
	}
	return frames.NewAudioFrame("session-1", time.Now().UnixNano(), buf, 8000, 1, nil)
}

func TestEngineDeliversFramesAndLevels(t *testing.T) {
	src := newStubSource()
	eng := NewEngine(src)
	var got int32
	eng.SetConsumer(func(frames.AudioFrame) { atomic.AddInt32(&got, 1) })
	levelCh := make(chan float64, 4)
	eng.SetLevelListener(func(level float64) { levelCh <- level })

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}
	if eng.State() != StateRecording {
		t.Fatalf("expected RECORDING, got %s", eng.State())
	}

	src.ch <- pcmFrame(16384, -16384, 16384, -16384)
	select {
	case level := <-levelCh:
		if level <= 0.4 || level > 1 {
			t.Fatalf("unexpected level %f", level)
		}
	case <-time.After(time.Second):
		t.Fatalf("no level update")
	}
	if atomic.LoadInt32(&got) != 1 {
		t.Fatalf("expected 1 frame delivered, got %d", got)
	}
	eng.Stop()
}

func TestEnginePauseDropsFrames(t *testing.T) {
	src := newStubSource()
	eng := NewEngine(src)
	var got int32
	eng.SetConsumer(func(frames.AudioFrame) { atomic.AddInt32(&got, 1) })
	delivered := make(chan struct{}, 4)
	eng.SetLevelListener(func(float64) { delivered <- struct{}{} })

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}
	eng.Pause()
	src.ch <- pcmFrame(1000, 1000)
	<-delivered
	if atomic.LoadInt32(&got) != 0 {
		t.Fatalf("paused engine must not deliver frames")
	}
	eng.Resume()
	src.ch <- pcmFrame(1000, 1000)
	<-delivered
	if atomic.LoadInt32(&got) != 1 {
		t.Fatalf("resumed engine should deliver frames")
	}
	eng.Stop()
}

func TestEngineStopIdempotent(t *testing.T) {
	src := newStubSource()
	eng := NewEngine(src)
	eng.SetConsumer(func(frames.AudioFrame) {})
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}
	eng.Stop()
	eng.Stop()
	if src.closeCount() != 1 {
		t.Fatalf("expected exactly one source close, got %d", src.closeCount())
	}
	if eng.State() != StateIdle {
		t.Fatalf("expected IDLE after stop, got %s", eng.State())
	}
}

func TestEnginePermissionDenied(t *testing.T) {
	src := newStubSource()
	src.openErr = errorsx.Wrap(errors.New("microphone access refused"), errorsx.ReasonPermissionDenied)
	eng := NewEngine(src)
	err := eng.Start(context.Background())
	if err == nil {
		t.Fatalf("expected error")
	}
	if errorsx.Reason(err) != errorsx.ReasonPermissionDenied {
		t.Fatalf("expected permission_denied, got %s", errorsx.Reason(err))
	}
	if eng.State() != StateError {
		t.Fatalf("expected ERROR state, got %s", eng.State())
	}
	eng.Acknowledge()
	if eng.State() != StateIdle {
		t.Fatalf("expected IDLE after acknowledge")
	}
}

func TestRMSLevelSilence(t *testing.T) {
	if level := rmsLevel(make([]byte, 64)); level != 0 {
		t.Fatalf("silence should produce zero level, got %f", level)
	}
}
