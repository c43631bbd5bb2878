package device

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/NikoToRA/telreq-sub001/pkg/call"
	"github.com/NikoToRA/telreq-sub001/pkg/errorsx"
	"github.com/NikoToRA/telreq-sub001/pkg/frames"
	"github.com/NikoToRA/telreq-sub001/pkg/logging"
	"github.com/NikoToRA/telreq-sub001/pkg/recognition"
)

// Transcript is one hypothesis from the platform recognizer.
type Transcript struct {
	Text       string
	Confidence float64
	IsFinal    bool
	StartMS    int64
	EndMS      int64
}

// Backend is the narrow surface a platform speech engine must expose. The
// concrete implementation is platform-specific and injected at wire-up time.
type Backend interface {
	// Available reports whether on-device recognition can run right now
	// (model downloaded, permission granted, engine not busy).
	Available() bool
	Start(ctx context.Context, language string, sampleRate int) error
	Stop() error
	WriteAudio(pcm []byte) error
	// Transcripts emits hypotheses in temporal order. The channel closes
	// after Stop once the engine has flushed its last hypothesis.
	Transcripts() <-chan Transcript
}

type Config struct {
	Language   string
	SampleRate int
	SessionID  string
}

// Recognizer adapts a platform speech engine to the recognition contract.
// It prefers staying on device; unavailability is surfaced as a reasoned
// error so the orchestrator can fall back to cloud.
type Recognizer struct {
	cfg      Config
	backend  Backend
	out      chan frames.Frame
	closeOut sync.Once
	stopOnce sync.Once
	logger   *slog.Logger
}

func New(backend Backend, cfg Config) *Recognizer {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	return &Recognizer{
		cfg:     cfg,
		backend: backend,
		out:     make(chan frames.Frame, 256),
		logger:  logging.NewComponentLogger(slog.Default(), "device_recognizer"),
	}
}

func (r *Recognizer) Name() string                   { return "device_speech" }
func (r *Recognizer) Method() call.RecognitionMethod { return call.MethodDevice }

func (r *Recognizer) Start(ctx context.Context) error {
	if !r.backend.Available() {
		r.logger.Warn("device_engine_unavailable",
			slog.String("session_id", r.cfg.SessionID))
		return errorsx.Wrap(fmt.Errorf("device engine unavailable"), errorsx.ReasonRecognitionUnavailable)
	}
	if err := r.backend.Start(ctx, r.cfg.Language, r.cfg.SampleRate); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonRecognitionUnavailable)
	}
	r.logger.Info("device_engine_started",
		slog.String("session_id", r.cfg.SessionID),
		slog.String("language", r.cfg.Language))
	go r.pump()
	return nil
}

func (r *Recognizer) pump() {
	defer r.closeOut.Do(func() { close(r.out) })
	for tr := range r.backend.Transcripts() {
		if tr.Text == "" {
			continue
		}
		meta := map[string]string{
			frames.MetaSource:     "device",
			frames.MetaMethod:     string(call.MethodDevice),
			frames.MetaIsFinal:    strconv.FormatBool(tr.IsFinal),
			frames.MetaConfidence: strconv.FormatFloat(tr.Confidence, 'f', 4, 64),
			frames.MetaStartMS:    strconv.FormatInt(tr.StartMS, 10),
			frames.MetaEndMS:      strconv.FormatInt(tr.EndMS, 10),
			frames.MetaLanguage:   r.cfg.Language,
		}
		f := frames.NewTextFrame(r.cfg.SessionID, time.Now().UnixNano(), tr.Text, meta)
		select {
		case r.out <- f:
		default:
			r.logger.Warn("device_out_channel_full",
				slog.String("session_id", r.cfg.SessionID))
		}
	}
}

func (r *Recognizer) Close() error {
	var err error
	r.stopOnce.Do(func() {
		err = r.backend.Stop()
	})
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonDeviceError)
	}
	return nil
}

func (r *Recognizer) SendAudio(frame frames.AudioFrame) error {
	if err := r.backend.WriteAudio(frame.RawPayload()); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonRecognitionSend)
	}
	return nil
}

func (r *Recognizer) Results() <-chan frames.Frame { return r.out }

var _ recognition.Recognizer = (*Recognizer)(nil)
