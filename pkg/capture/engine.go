package capture

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/NikoToRA/telreq-sub001/pkg/errorsx"
	"github.com/NikoToRA/telreq-sub001/pkg/frames"
	"github.com/NikoToRA/telreq-sub001/pkg/logging"
)

// State is the capture engine lifecycle state.
type State int

const (
	StateIdle State = iota
	StatePreparing
	StateRecording
	StatePaused
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StatePreparing:
		return "PREPARING"
	case StateRecording:
		return "RECORDING"
	case StatePaused:
		return "PAUSED"
	case StateError:
		return "ERROR"
	}
	return "UNKNOWN"
}

// Source is the exclusive audio input handle. Open acquires the underlying
// resource; Close releases it. Frames delivers raw audio until closed.
type Source interface {
	Name() string
	Open(ctx context.Context) error
	Close() error
	Frames() <-chan frames.AudioFrame
}

// Consumer receives captured frames. It must only enqueue; the delivery
// goroutine never waits on network or disk.
type Consumer func(frames.AudioFrame)

// LevelListener receives push-based audio level updates in [0,1].
type LevelListener func(level float64)

// Engine owns the audio source for the duration of a capture session.
type Engine struct {
	mu        sync.Mutex
	state     State
	src       Source
	consumer  Consumer
	onLevel   LevelListener
	cancel    context.CancelFunc
	closeOnce *sync.Once
	done      chan struct{}
	level     float64
	logger    *slog.Logger
}

func NewEngine(src Source) *Engine {
	return &Engine{
		state:  StateIdle,
		src:    src,
		logger: logging.NewComponentLogger(slog.Default(), "capture"),
	}
}

// SetConsumer registers the frame consumer. Must be set before Start.
func (e *Engine) SetConsumer(fn Consumer) {
	e.mu.Lock()
	e.consumer = fn
	e.mu.Unlock()
}

// SetLevelListener registers a push-based level listener.
func (e *Engine) SetLevelListener(fn LevelListener) {
	e.mu.Lock()
	e.onLevel = fn
	e.mu.Unlock()
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Level returns the most recent audio level in [0,1].
func (e *Engine) Level() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.level
}

// Start acquires the source and begins pushing frames to the consumer.
// Permission and device errors are reported, never retried here.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StateIdle {
		e.mu.Unlock()
		return errorsx.New(errorsx.ReasonInvalidState)
	}
	e.state = StatePreparing
	e.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	runCtx, cancel := context.WithCancel(ctx)

	if err := e.src.Open(runCtx); err != nil {
		cancel()
		e.mu.Lock()
		e.state = StateError
		e.mu.Unlock()
		if errorsx.Reason(err) == errorsx.ReasonUnknown {
			err = errorsx.Wrap(err, errorsx.ReasonDeviceError)
		}
		e.logger.Error("capture_open_error", "source", e.src.Name(), "reason_code", string(errorsx.Reason(err)), "error", err.Error())
		return err
	}

	e.mu.Lock()
	e.cancel = cancel
	e.closeOnce = &sync.Once{}
	e.done = make(chan struct{})
	e.state = StateRecording
	e.mu.Unlock()

	e.logger.Info("capture_started", "source", e.src.Name())
	go e.pump(runCtx)
	return nil
}

// Pause suspends frame delivery without releasing the source.
func (e *Engine) Pause() {
	e.mu.Lock()
	if e.state == StateRecording {
		e.state = StatePaused
	}
	e.mu.Unlock()
}

// Resume continues frame delivery after a pause.
func (e *Engine) Resume() {
	e.mu.Lock()
	if e.state == StatePaused {
		e.state = StateRecording
	}
	e.mu.Unlock()
}

// Stop releases the source and returns the engine to idle. Idempotent:
// the source is closed exactly once per session.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	once := e.closeOnce
	done := e.done
	if e.state != StateError {
		e.state = StateIdle
	}
	e.level = 0
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if once != nil {
		once.Do(func() {
			_ = e.src.Close()
			e.logger.Info("capture_stopped", "source", e.src.Name())
		})
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			e.logger.Warn("capture_pump_drain_timeout")
		}
	}
}

// Acknowledge clears the error state after the caller has observed it.
func (e *Engine) Acknowledge() {
	e.mu.Lock()
	if e.state == StateError {
		e.state = StateIdle
	}
	e.mu.Unlock()
}

func (e *Engine) pump(ctx context.Context) {
	defer func() {
		e.mu.Lock()
		done := e.done
		e.done = nil
		e.mu.Unlock()
		if done != nil {
			close(done)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case af, ok := <-e.src.Frames():
			if !ok {
				return
			}
			level := rmsLevel(af.RawPayload())
			e.mu.Lock()
			state := e.state
			consumer := e.consumer
			onLevel := e.onLevel
			e.level = level
			e.mu.Unlock()
			if onLevel != nil {
				onLevel(level)
			}
			if state != StateRecording || consumer == nil {
				frames.ReleaseAudioFrame(af)
				continue
			}
			consumer(af)
		}
	}
}
