package lifecycle

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/NikoToRA/telreq-sub001/pkg/call"
	"github.com/NikoToRA/telreq-sub001/pkg/capture"
	"github.com/NikoToRA/telreq-sub001/pkg/errorsx"
	"github.com/NikoToRA/telreq-sub001/pkg/frames"
	"github.com/NikoToRA/telreq-sub001/pkg/logging"
	"github.com/NikoToRA/telreq-sub001/pkg/metrics"
	"github.com/NikoToRA/telreq-sub001/pkg/recognition"
	"github.com/NikoToRA/telreq-sub001/pkg/store"
	"github.com/NikoToRA/telreq-sub001/pkg/summarize"
	"github.com/NikoToRA/telreq-sub001/pkg/telephony"
)

type Config struct {
	Summary summarize.Config
}

// CallInfo describes the call a capture session is attached to.
type CallInfo struct {
	CallID    string
	From      string
	Direction call.Direction
}

type session struct {
	id        string
	info      CallInfo
	startedAt time.Time
	stopTick  context.CancelFunc
}

// Orchestrator drives the idle, monitoring, capturing, processing cycle for
// one device. At most one capture session is active at a time; a second start
// is rejected, never queued.
type Orchestrator struct {
	cfg        Config
	fsm        *stateMachine
	capture    *capture.Engine
	recognizer *recognition.Orchestrator
	summarizer *summarize.Engine
	records    *store.Store
	signal     telephony.SignalSource
	obs        metrics.Observer
	logger     *slog.Logger

	mu        sync.Mutex
	active    *session
	listeners []EventListener
	signalCtx context.CancelFunc
	signalWG  sync.WaitGroup
}

type Option func(*Orchestrator)

// WithSignalSource attaches a telephony signal source so capture sessions
// start and stop automatically with call state.
func WithSignalSource(src telephony.SignalSource) Option {
	return func(o *Orchestrator) { o.signal = src }
}

func WithObserver(obs metrics.Observer) Option {
	return func(o *Orchestrator) { o.obs = obs }
}

func NewOrchestrator(
	captureEngine *capture.Engine,
	recognizer *recognition.Orchestrator,
	summarizer *summarize.Engine,
	records *store.Store,
	cfg Config,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		cfg:        cfg,
		fsm:        newStateMachine(),
		capture:    captureEngine,
		recognizer: recognizer,
		summarizer: summarizer,
		records:    records,
		logger:     logging.NewComponentLogger(slog.Default(), "lifecycle"),
	}
	for _, opt := range opts {
		opt(o)
	}
	recognizer.SetPartialListener(func(sessionID, text string, isFinal bool) {
		o.emit(TranscriptionUpdate{SessionID: sessionID, Text: text, IsFinal: isFinal})
	})
	recognizer.SetTransitionListener(func(sessionID string, from, to call.RecognitionMethod, reason string) {
		o.emit(MethodSwitched{SessionID: sessionID, From: from, To: to, Reason: reason})
	})
	return o
}

func (o *Orchestrator) State() State { return o.fsm.State() }

func (o *Orchestrator) AddStateListener(fn StateListener) { o.fsm.AddListener(fn) }

// AddEventListener registers an event listener. Not safe to call after start.
func (o *Orchestrator) AddEventListener(fn EventListener) {
	o.mu.Lock()
	o.listeners = append(o.listeners, fn)
	o.mu.Unlock()
}

// StartMonitoring enters the monitoring state and, when a signal source is
// attached, begins reacting to call events.
func (o *Orchestrator) StartMonitoring(ctx context.Context) error {
	if err := o.fsm.Transition(StateMonitoring, "monitoring_started"); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonInvalidState)
	}
	if o.signal == nil {
		return nil
	}
	if err := o.signal.Start(ctx); err != nil {
		_ = o.fsm.Transition(StateError, "signal_source_failed")
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.signalCtx = cancel
	o.mu.Unlock()
	o.signalWG.Add(1)
	go o.watchSignals(runCtx)
	return nil
}

func (o *Orchestrator) watchSignals(ctx context.Context) {
	defer o.signalWG.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-o.signal.Events():
			if !ok {
				return
			}
			switch evt.Type {
			case telephony.EventRinging:
				o.logger.Info("call_ringing", "call_id", evt.CallID, "from", evt.From)
			case telephony.EventAnswered:
				info := CallInfo{CallID: evt.CallID, From: evt.From, Direction: evt.Direction}
				if _, err := o.StartRecording(ctx, info); err != nil {
					o.logger.Warn("auto_start_rejected", "call_id", evt.CallID, "error", err.Error())
				}
			case telephony.EventEnded:
				if o.fsm.State() != StateCapturing {
					continue
				}
				if _, err := o.StopRecordingAndSave(ctx); err != nil {
					o.logger.Error("auto_stop_failed", "call_id", evt.CallID, "error", err.Error())
				}
			}
		}
	}
}

// StartRecording opens a capture session. Exactly one session can be active;
// a concurrent start is rejected with a session-active error.
func (o *Orchestrator) StartRecording(ctx context.Context, info CallInfo) (string, error) {
	o.mu.Lock()
	if o.active != nil {
		o.mu.Unlock()
		return "", errorsx.New(errorsx.ReasonSessionActive)
	}
	sess := &session{
		id:        uuid.NewString(),
		info:      info,
		startedAt: time.Now(),
	}
	o.active = sess
	o.mu.Unlock()

	if err := o.fsm.Transition(StateCapturing, "call_answered"); err != nil {
		o.clearActive()
		return "", errorsx.Wrap(err, errorsx.ReasonInvalidState)
	}

	if err := o.recognizer.Start(ctx, sess.id); err != nil {
		o.failSession(sess, err, "recognition_start_failed")
		return "", err
	}

	o.capture.SetConsumer(func(af frames.AudioFrame) {
		o.recognizer.SendAudio(af)
	})
	o.capture.SetLevelListener(func(level float64) {
		o.emit(AudioLevel{SessionID: sess.id, Level: level})
	})
	if err := o.capture.Start(ctx); err != nil {
		o.recognizer.Stop()
		o.failSession(sess, err, "capture_start_failed")
		return "", err
	}

	tickCtx, cancel := context.WithCancel(ctx)
	sess.stopTick = cancel
	go o.tickDuration(tickCtx, sess)

	o.emit(CallStarted{
		SessionID: sess.id,
		CallID:    info.CallID,
		From:      info.From,
		Direction: info.Direction,
		At:        sess.startedAt,
	})
	o.logger.Info("session_started",
		"session_id", sess.id, "call_id", info.CallID, "direction", string(info.Direction))
	return sess.id, nil
}

func (o *Orchestrator) tickDuration(ctx context.Context, sess *session) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.emit(DurationUpdate{SessionID: sess.id, Elapsed: time.Since(sess.startedAt)})
		}
	}
}

// StopRecordingAndSave finalizes the active session: capture stops, the
// recognition result is collected, summarized, and committed. Returns the
// saved record.
func (o *Orchestrator) StopRecordingAndSave(ctx context.Context) (call.StructuredCallData, error) {
	o.mu.Lock()
	sess := o.active
	o.mu.Unlock()
	if sess == nil {
		return call.StructuredCallData{}, errorsx.New(errorsx.ReasonInvalidState)
	}
	if err := o.fsm.Transition(StateProcessing, "call_ended"); err != nil {
		return call.StructuredCallData{}, errorsx.Wrap(err, errorsx.ReasonInvalidState)
	}
	if sess.stopTick != nil {
		sess.stopTick()
	}
	o.capture.Stop()

	result, err := o.recognizer.FinalResult(ctx)
	if err != nil {
		// Recognition never blocks the save path; record whatever we have.
		o.emit(RecognitionError{SessionID: sess.id, Err: err})
		o.logger.Warn("final_result_error", "session_id", sess.id, "error", err.Error())
	}

	summary, err := o.summarizer.Summarize(ctx, result.Text, o.cfg.Summary)
	if err != nil {
		o.failSession(sess, err, "summarization_failed")
		return call.StructuredCallData{}, err
	}

	duration := time.Since(sess.startedAt)
	record := call.StructuredCallData{
		ID:            uuid.NewString(),
		Timestamp:     sess.startedAt,
		Duration:      duration,
		Counterpart:   sess.info.From,
		Transcription: result.Text,
		Summary:       summary,
		Metadata: call.CallMetadata{
			Direction:    sess.info.Direction,
			AudioQuality: qualityForConfidence(result.Confidence),
			Method:       result.Method,
			Language:     result.Language,
			Confidence:   result.Confidence,
		},
	}
	recordID, err := o.records.Save(record)
	if err != nil {
		o.failSession(sess, err, "save_failed")
		return call.StructuredCallData{}, err
	}
	o.record(metrics.EventCallSaved, map[string]any{"record_id": recordID})

	o.emit(ProcessingComplete{
		SessionID: sess.id,
		Record:    record,
		Summary:   summary,
	})
	o.emit(CallEnded{
		SessionID: sess.id,
		CallID:    sess.info.CallID,
		Reason:    "completed",
		Duration:  duration,
		At:        time.Now(),
	})
	o.clearActive()
	if err := o.fsm.Transition(StateMonitoring, "record_saved"); err != nil {
		return record, errorsx.Wrap(err, errorsx.ReasonInvalidState)
	}
	o.logger.Info("session_saved",
		"session_id", sess.id, "record_id", recordID,
		"method", string(result.Method), "summary_source", string(summary.Source))
	return record, nil
}

// History returns a page of saved call records.
func (o *Orchestrator) History(limit, offset int) ([]store.ListEntry, error) {
	return o.records.List(limit, offset)
}

// Record loads one saved call by id.
func (o *Orchestrator) Record(id string) (call.StructuredCallData, error) {
	return o.records.Load(id)
}

// DeleteRecord removes one saved call.
func (o *Orchestrator) DeleteRecord(id string) error {
	return o.records.Delete(id)
}

// Acknowledge clears the error state after the caller has observed it.
func (o *Orchestrator) Acknowledge() error {
	o.capture.Acknowledge()
	return o.fsm.Transition(StateMonitoring, "error_acknowledged")
}

// Stop shuts the orchestrator down. An in-flight session is abandoned, not
// saved.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	sess := o.active
	o.active = nil
	cancel := o.signalCtx
	o.signalCtx = nil
	o.mu.Unlock()

	if sess != nil && sess.stopTick != nil {
		sess.stopTick()
	}
	if cancel != nil {
		cancel()
	}
	if o.signal != nil {
		_ = o.signal.Stop()
	}
	o.signalWG.Wait()
	o.capture.Stop()
	o.recognizer.Stop()
	if o.fsm.State() == StateMonitoring {
		_ = o.fsm.Transition(StateIdle, "shutdown")
	}
}

func (o *Orchestrator) failSession(sess *session, err error, reason string) {
	if sess.stopTick != nil {
		sess.stopTick()
	}
	o.clearActive()
	_ = o.fsm.Transition(StateError, reason)
	o.emit(FatalError{SessionID: sess.id, Err: err})
	o.logger.Error("session_failed",
		"session_id", sess.id, "reason", reason,
		"reason_code", string(errorsx.Reason(err)), "error", err.Error())
}

func (o *Orchestrator) clearActive() {
	o.mu.Lock()
	o.active = nil
	o.mu.Unlock()
}

func (o *Orchestrator) emit(evt Event) {
	o.mu.Lock()
	listeners := make([]EventListener, len(o.listeners))
	copy(listeners, o.listeners)
	o.mu.Unlock()
	for _, fn := range listeners {
		fn(evt)
	}
}

func (o *Orchestrator) record(name string, fields map[string]any) {
	if o.obs == nil {
		return
	}
	o.obs.RecordEvent(metrics.MetricsEvent{
		Name:   name,
		Time:   time.Now(),
		Tags:   map[string]string{"component": "lifecycle"},
		Fields: fields,
	})
}

func qualityForConfidence(conf float64) call.AudioQuality {
	switch {
	case conf >= 0.8:
		return call.QualityHigh
	case conf >= 0.5:
		return call.QualityMedium
	default:
		return call.QualityLow
	}
}
