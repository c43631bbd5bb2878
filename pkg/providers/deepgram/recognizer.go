package deepgram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"

	"github.com/NikoToRA/telreq-sub001/pkg/call"
	"github.com/NikoToRA/telreq-sub001/pkg/errorsx"
	"github.com/NikoToRA/telreq-sub001/pkg/frames"
	"github.com/NikoToRA/telreq-sub001/pkg/logging"
	"github.com/NikoToRA/telreq-sub001/pkg/recognition"
)

type Config struct {
	APIKey     string
	Model      string
	Language   string
	SampleRate int
	Encoding   string
	Interim    bool
	SessionID  string
	TraceID    string
}

// Recognizer streams call audio to Deepgram over a websocket and republishes
// transcripts as text frames carrying confidence and timing metadata.
type Recognizer struct {
	cfg        Config
	dgClient   *client.WSCallback
	out        chan frames.Frame
	ctx        context.Context
	cancel     context.CancelFunc
	pipeReader *io.PipeReader
	pipeWriter *io.PipeWriter
	closeOut   sync.Once
	metaLogged bool
	logger     *slog.Logger
}

func New(cfg Config) *Recognizer {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	if cfg.Encoding == "" {
		cfg.Encoding = "linear16"
	}
	return &Recognizer{
		cfg:    cfg,
		out:    make(chan frames.Frame, 256),
		logger: logging.NewComponentLogger(slog.Default(), "deepgram_recognizer"),
	}
}

func (r *Recognizer) Name() string                   { return "deepgram_streaming" }
func (r *Recognizer) Method() call.RecognitionMethod { return call.MethodCloud }

func (r *Recognizer) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.pipeReader, r.pipeWriter = io.Pipe()

	clientOptions := &interfaces.ClientOptions{
		EnableKeepAlive: true,
	}
	transcriptOptions := &interfaces.LiveTranscriptionOptions{
		Model:          r.cfg.Model,
		Language:       r.cfg.Language,
		Encoding:       r.cfg.Encoding,
		SampleRate:     r.cfg.SampleRate,
		InterimResults: r.cfg.Interim,
		SmartFormat:    true,
	}

	r.logger.Info("initializing deepgram connection",
		slog.String("session_id", r.cfg.SessionID),
		slog.String("model", r.cfg.Model),
		slog.String("language", r.cfg.Language),
		slog.Int("sample_rate", r.cfg.SampleRate))

	cb := &callback{parent: r}
	dgClient, err := client.NewWSUsingCallback(r.ctx, r.cfg.APIKey, clientOptions, transcriptOptions, cb)
	if err != nil {
		r.logger.Error("deepgram_client_create_error",
			slog.String("error", err.Error()),
			slog.String("session_id", r.cfg.SessionID))
		return errorsx.Wrap(err, errorsx.ReasonRecognitionUnavailable)
	}
	r.dgClient = dgClient

	if connected := r.dgClient.Connect(); !connected {
		r.logger.Error("deepgram_connect_failed",
			slog.String("session_id", r.cfg.SessionID))
		return errorsx.Wrap(fmt.Errorf("deepgram connection failed"), errorsx.ReasonRecognitionUnavailable)
	}

	r.logger.Info("deepgram_connected",
		slog.String("session_id", r.cfg.SessionID),
		slog.String("model", r.cfg.Model))

	go func() {
		if err := r.dgClient.Stream(r.pipeReader); err != nil && r.ctx.Err() == nil {
			r.logger.Error("deepgram_stream_error",
				slog.String("error", err.Error()),
				slog.String("session_id", r.cfg.SessionID))
		}
		r.closeOut.Do(func() { close(r.out) })
	}()
	return nil
}

func (r *Recognizer) Close() error {
	r.logger.Info("closing deepgram connection",
		slog.String("session_id", r.cfg.SessionID))
	if r.cancel != nil {
		r.cancel()
	}
	if r.pipeWriter != nil {
		_ = r.pipeWriter.Close()
	}
	if r.dgClient != nil {
		r.dgClient.Stop()
	}
	r.closeOut.Do(func() { close(r.out) })
	return nil
}

func (r *Recognizer) SendAudio(frame frames.AudioFrame) error {
	if r.pipeWriter == nil {
		return errorsx.Wrap(fmt.Errorf("not started"), errorsx.ReasonRecognitionSend)
	}
	if _, err := r.pipeWriter.Write(frame.RawPayload()); err != nil {
		r.logger.Error("failed to send audio to deepgram",
			slog.String("error", err.Error()),
			slog.String("session_id", r.cfg.SessionID))
		return errorsx.Wrap(err, errorsx.ReasonRecognitionSend)
	}
	return nil
}

func (r *Recognizer) Results() <-chan frames.Frame { return r.out }

// --- Callback Implementation ---

type callback struct {
	parent *Recognizer
}

func (c *callback) Open(or *msginterfaces.OpenResponse) error {
	c.parent.logger.Info("deepgram_connection_opened",
		slog.String("session_id", c.parent.cfg.SessionID))
	return nil
}

func (c *callback) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	alt := mr.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return nil
	}

	isFinal := mr.IsFinal || mr.SpeechFinal
	startMS := int64(mr.Start * 1000)
	endMS := int64((mr.Start + mr.Duration) * 1000)

	meta := map[string]string{
		frames.MetaSource:     "deepgram",
		frames.MetaMethod:     string(call.MethodCloud),
		frames.MetaIsFinal:    strconv.FormatBool(isFinal),
		frames.MetaConfidence: strconv.FormatFloat(alt.Confidence, 'f', 4, 64),
		frames.MetaStartMS:    strconv.FormatInt(startMS, 10),
		frames.MetaEndMS:      strconv.FormatInt(endMS, 10),
		frames.MetaLanguage:   c.parent.cfg.Language,
	}
	if c.parent.cfg.TraceID != "" {
		meta[frames.MetaTraceID] = c.parent.cfg.TraceID
	}

	c.parent.logger.Debug("transcript_received",
		slog.String("session_id", c.parent.cfg.SessionID),
		slog.Bool("is_final", isFinal),
		slog.Float64("confidence", alt.Confidence))

	f := frames.NewTextFrame(c.parent.cfg.SessionID, time.Now().UnixNano(), alt.Transcript, meta)
	select {
	case c.parent.out <- f:
	default:
		c.parent.logger.Warn("deepgram_out_channel_full",
			slog.String("session_id", c.parent.cfg.SessionID))
	}
	return nil
}

func (c *callback) Metadata(md *msginterfaces.MetadataResponse) error {
	if !c.parent.metaLogged {
		c.parent.metaLogged = true
		c.parent.logger.Info("deepgram_metadata_received",
			slog.String("session_id", c.parent.cfg.SessionID),
			slog.String("request_id", md.RequestID))
	}
	return nil
}

func (c *callback) SpeechStarted(ssr *msginterfaces.SpeechStartedResponse) error {
	c.parent.logger.Debug("speech_started_event",
		slog.String("session_id", c.parent.cfg.SessionID))
	return nil
}

func (c *callback) UtteranceEnd(ur *msginterfaces.UtteranceEndResponse) error {
	meta := map[string]string{
		frames.MetaSource: "deepgram",
		frames.MetaReason: "utterance_end",
	}
	f := frames.NewControlFrame(c.parent.cfg.SessionID, time.Now().UnixNano(), frames.ControlFlush, meta)
	select {
	case c.parent.out <- f:
	default:
	}
	return nil
}

func (c *callback) Close(cr *msginterfaces.CloseResponse) error {
	c.parent.logger.Info("deepgram_connection_closed",
		slog.String("session_id", c.parent.cfg.SessionID))
	return nil
}

func (c *callback) Error(er *msginterfaces.ErrorResponse) error {
	c.parent.logger.Error("deepgram_error",
		slog.String("session_id", c.parent.cfg.SessionID),
		slog.String("error_code", er.ErrCode),
		slog.String("error_message", er.ErrMsg))
	return nil
}

func (c *callback) UnhandledEvent(byData []byte) error {
	c.parent.logger.Debug("deepgram_unhandled_event",
		slog.String("session_id", c.parent.cfg.SessionID))
	return nil
}

var _ recognition.Recognizer = (*Recognizer)(nil)
