package mock

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/NikoToRA/telreq-sub001/pkg/call"
	"github.com/NikoToRA/telreq-sub001/pkg/frames"
	"github.com/NikoToRA/telreq-sub001/pkg/recognition"
)

type RecognizerConfig struct {
	SessionID         string
	Method            call.RecognitionMethod
	Transcript        string
	InterimTranscript string
	Confidence        float64
	EmitInterim       bool
	OmitFinal         bool
	StartErr          error
	SendErr           error
	FailAfterSends    int // error on the Nth SendAudio, 0 disables
}

// Recognizer is a scripted backend for tests and local runs.
type Recognizer struct {
	cfg     RecognizerConfig
	out     chan frames.Frame
	mu      sync.Mutex
	started bool
	emitted bool
	sends   int
	closed  bool
}

func NewRecognizer(cfg RecognizerConfig) *Recognizer {
	if cfg.Transcript == "" && cfg.SendErr == nil && cfg.FailAfterSends == 0 {
		cfg.Transcript = "mock transcript"
	}
	if cfg.Method == "" {
		cfg.Method = call.MethodDevice
	}
	if cfg.Confidence == 0 {
		cfg.Confidence = 0.9
	}
	return &Recognizer{cfg: cfg, out: make(chan frames.Frame, 16)}
}

func (r *Recognizer) Name() string                   { return "mock_" + string(r.cfg.Method) }
func (r *Recognizer) Method() call.RecognitionMethod { return r.cfg.Method }

func (r *Recognizer) Start(ctx context.Context) error {
	if r.cfg.StartErr != nil {
		return r.cfg.StartErr
	}
	r.mu.Lock()
	r.started = true
	r.mu.Unlock()
	return nil
}

func (r *Recognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.started = false
	close(r.out)
	return nil
}

func (r *Recognizer) SendAudio(frame frames.AudioFrame) error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return errors.New("not started")
	}
	r.sends++
	if r.cfg.FailAfterSends > 0 && r.sends >= r.cfg.FailAfterSends {
		r.mu.Unlock()
		if r.cfg.SendErr != nil {
			return r.cfg.SendErr
		}
		return errors.New("backend failure")
	}
	if r.emitted || r.cfg.Transcript == "" {
		r.mu.Unlock()
		return nil
	}
	r.emitted = true
	r.mu.Unlock()

	if r.cfg.EmitInterim {
		interim := r.cfg.InterimTranscript
		if interim == "" {
			interim = r.cfg.Transcript
		}
		r.out <- frames.NewTextFrame(r.cfg.SessionID, time.Now().UnixNano(), interim, map[string]string{
			frames.MetaSource:  "recognition",
			frames.MetaIsFinal: "false",
		})
	}
	if !r.cfg.OmitFinal {
		r.out <- frames.NewTextFrame(r.cfg.SessionID, time.Now().UnixNano(), r.cfg.Transcript, map[string]string{
			frames.MetaSource:     "recognition",
			frames.MetaIsFinal:    "true",
			frames.MetaConfidence: strconv.FormatFloat(r.cfg.Confidence, 'f', 2, 64),
			frames.MetaStartMS:    "0",
			frames.MetaEndMS:      "1000",
		})
	}
	return nil
}

func (r *Recognizer) Results() <-chan frames.Frame { return r.out }

var _ recognition.Recognizer = (*Recognizer)(nil)
