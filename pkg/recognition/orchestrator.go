package recognition

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/NikoToRA/telreq-sub001/pkg/call"
	"github.com/NikoToRA/telreq-sub001/pkg/errorsx"
	"github.com/NikoToRA/telreq-sub001/pkg/frames"
	"github.com/NikoToRA/telreq-sub001/pkg/logging"
	"github.com/NikoToRA/telreq-sub001/pkg/metrics"
	"github.com/NikoToRA/telreq-sub001/pkg/resilience"
)

// Orchestrator converts an audio frame stream into recognition results,
// preferring the device backend and switching to the cloud backend on
// failure, unavailability, or a low-confidence final segment. The switch
// happens at most once per session; a cloud failure afterwards degrades to
// accepting whatever partial text accumulated.
type Orchestrator struct {
	mu            sync.Mutex
	cfg           Config
	deviceFactory Factory
	cloudFactory  Factory

	sessionID string
	active    Recognizer
	method    call.RecognitionMethod
	startedAt time.Time
	switched  bool
	degraded  bool

	segments    []call.TranscriptSegment
	finalConfs  []float64
	finalTexts  []string
	lastPartial string

	replay    *audioReplayBuffer
	retry     resilience.RetryPolicy
	collectWG sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc

	onPartial    PartialListener
	onTransition TransitionListener
	obs          metrics.Observer
	logger       *slog.Logger
}

type audioReplayBuffer struct {
	maxChunks int
	chunks    [][]byte
	rate      int
	channels  int
}

func newAudioReplayBuffer(maxChunks int) *audioReplayBuffer {
	if maxChunks < 0 {
		maxChunks = 0
	}
	return &audioReplayBuffer{maxChunks: maxChunks}
}

func (b *audioReplayBuffer) Add(af frames.AudioFrame) {
	if b == nil || b.maxChunks <= 0 {
		return
	}
	b.rate = af.Rate()
	b.channels = af.Channels()
	b.chunks = append(b.chunks, append([]byte(nil), af.RawPayload()...))
	if len(b.chunks) > b.maxChunks {
		b.chunks = b.chunks[len(b.chunks)-b.maxChunks:]
	}
}

func (b *audioReplayBuffer) Snapshot() [][]byte {
	if b == nil || len(b.chunks) == 0 {
		return nil
	}
	out := make([][]byte, len(b.chunks))
	copy(out, b.chunks)
	return out
}

func NewOrchestrator(device, cloud Factory, cfg Config) *Orchestrator {
	return &Orchestrator{
		cfg:           cfg.withDefaults(),
		deviceFactory: device,
		cloudFactory:  cloud,
		method:        call.MethodUnknown,
		replay:        newAudioReplayBuffer(50),
		retry:         resilience.NewRetryPolicy(2, 200*time.Millisecond),
		logger:        logging.NewComponentLogger(slog.Default(), "recognition"),
	}
}

func (o *Orchestrator) SetObserver(obs metrics.Observer) { o.obs = obs }

func (o *Orchestrator) SetPartialListener(fn PartialListener) { o.onPartial = fn }

func (o *Orchestrator) SetTransitionListener(fn TransitionListener) { o.onTransition = fn }

// ActiveMethod returns the backend currently in use.
func (o *Orchestrator) ActiveMethod() call.RecognitionMethod {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.method
}

// Start opens a recognition session. A second start while one is active
// is rejected.
func (o *Orchestrator) Start(ctx context.Context, sessionID string) error {
	o.mu.Lock()
	if o.active != nil {
		o.mu.Unlock()
		return errorsx.New(errorsx.ReasonSessionActive)
	}
	o.sessionID = sessionID
	o.startedAt = time.Now()
	o.switched = false
	o.degraded = false
	o.segments = nil
	o.finalConfs = nil
	o.finalTexts = nil
	o.lastPartial = ""
	o.replay = newAudioReplayBuffer(o.replay.maxChunks)
	if ctx == nil {
		ctx = context.Background()
	}
	o.ctx, o.cancel = context.WithCancel(ctx)
	runCtx := o.ctx
	preferred := o.method
	o.mu.Unlock()

	if preferred == call.MethodCloud {
		rec, err := o.openBackend(runCtx, sessionID, o.cloudFactory)
		if err != nil {
			return err
		}
		o.mu.Lock()
		o.switched = true
		o.mu.Unlock()
		o.adopt(rec, call.MethodCloud)
		return nil
	}

	rec, err := o.openBackend(runCtx, sessionID, o.deviceFactory)
	if err != nil {
		o.logger.Info("device_recognizer_unavailable", "session_id", sessionID, "reason_code", string(errorsx.Reason(err)), "error", err.Error())
		return o.fallbackToCloud("device_start_failed", frames.AudioFrame{})
	}
	o.adopt(rec, call.MethodDevice)
	return nil
}

// SendAudio forwards one frame to the active backend. Backend failures are
// absorbed: a retry runs first, then the session falls back to cloud.
func (o *Orchestrator) SendAudio(af frames.AudioFrame) {
	o.mu.Lock()
	rec := o.active
	degraded := o.degraded
	sessionID := o.sessionID
	o.replay.Add(af)
	o.mu.Unlock()
	if rec == nil || degraded {
		frames.ReleaseAudioFrame(af)
		return
	}
	if err := rec.SendAudio(af); err != nil {
		err = errorsx.Wrap(err, errorsx.ReasonRecognitionSend)
		o.logger.Info("recognition_send_error", "session_id", sessionID, "reason_code", string(errorsx.Reason(err)), "error", err.Error())
		retryErr := o.retry.Do(func() error { return rec.SendAudio(af) })
		if retryErr != nil {
			_ = o.fallbackToCloud("send_failed", af)
		}
	}
	frames.ReleaseAudioFrame(af)
}

// SwitchMethod selects a backend for the next session. Rejected while a
// session is active.
func (o *Orchestrator) SwitchMethod(method call.RecognitionMethod) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active != nil {
		return errorsx.New(errorsx.ReasonSessionActive)
	}
	o.method = method
	return nil
}

// FinalResult closes the active backend, waits for outstanding results under
// the configured bound, and builds the finalized RecognitionResult. Exceeding
// the bound does not fail the session: accumulated partial text is emitted,
// tagged with the lowest-confidence method.
func (o *Orchestrator) FinalResult(ctx context.Context) (call.RecognitionResult, error) {
	o.mu.Lock()
	rec := o.active
	o.active = nil
	started := o.startedAt
	sessionID := o.sessionID
	o.mu.Unlock()

	if rec != nil {
		done := make(chan struct{})
		go func() {
			o.collectWG.Wait()
			close(done)
		}()
		_ = rec.Close()
		wait := time.Duration(o.cfg.FinalWaitTimeout) * time.Second
		select {
		case <-done:
		case <-time.After(wait):
			o.record(sessionID, metrics.EventRecognitionTimeout, nil)
			o.logger.Warn("final_result_timeout", "session_id", sessionID, "reason_code", string(errorsx.ReasonRecognitionTimeout))
			o.mu.Lock()
			o.degraded = true
			o.mu.Unlock()
		case <-ctx.Done():
			o.mu.Lock()
			o.degraded = true
			o.mu.Unlock()
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel != nil {
		o.cancel()
		o.cancel = nil
	}
	if o.active != nil {
		// A fallback re-adopted a backend while we were draining.
		late := o.active
		o.active = nil
		go late.Close()
	}

	result := call.RecognitionResult{
		Text:     strings.TrimSpace(strings.Join(o.finalTexts, " ")),
		Method:   o.method,
		Language: o.cfg.Language,
		Duration: time.Since(started),
		Segments: o.segments,
	}
	if result.Text == "" && o.lastPartial != "" {
		// Never lose partial transcription silently.
		result.Text = o.lastPartial
		o.record(sessionID, metrics.EventPartialAccepted, map[string]any{"text_len": len(result.Text)})
	}
	if len(o.finalConfs) > 0 {
		var sum float64
		for _, c := range o.finalConfs {
			sum += c
		}
		result.Confidence = call.ClampConfidence(sum / float64(len(o.finalConfs)))
	} else {
		result.Confidence = call.WeightedConfidence(o.segments)
	}
	if o.degraded {
		// Degraded output keeps whatever method produced the partials but
		// advertises reduced trust.
		result.Confidence = call.ClampConfidence(result.Confidence * 0.5)
	}
	return result, nil
}

// Stop cancels the session and releases the active backend. Idempotent.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	rec := o.active
	o.active = nil
	cancel := o.cancel
	o.cancel = nil
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if rec != nil {
		_ = rec.Close()
	}
	o.collectWG.Wait()
}

func (o *Orchestrator) openBackend(ctx context.Context, sessionID string, factory Factory) (Recognizer, error) {
	if factory == nil {
		return nil, errorsx.New(errorsx.ReasonRecognitionUnavailable)
	}
	rec, err := factory(sessionID)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonRecognitionUnavailable)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, time.Duration(o.cfg.AttemptTimeout)*time.Second)
	defer cancel()
	if err := rec.Start(attemptCtx); err != nil {
		if attemptCtx.Err() != nil {
			return nil, errorsx.Wrap(err, errorsx.ReasonRecognitionTimeout)
		}
		return nil, errorsx.Wrap(err, errorsx.ReasonRecognitionUnavailable)
	}
	return rec, nil
}

func (o *Orchestrator) adopt(rec Recognizer, method call.RecognitionMethod) {
	o.mu.Lock()
	o.active = rec
	o.method = method
	o.mu.Unlock()
	o.collectWG.Add(1)
	go o.collect(rec)
}

// fallbackToCloud switches the session to the cloud backend, replaying the
// recent audio window. A second fallback degrades to partial acceptance.
func (o *Orchestrator) fallbackToCloud(reason string, pending frames.AudioFrame) error {
	o.mu.Lock()
	from := o.method
	alreadySwitched := o.switched
	old := o.active
	o.active = nil
	sessionID := o.sessionID
	runCtx := o.ctx
	finished := runCtx == nil || runCtx.Err() != nil
	o.mu.Unlock()

	if finished {
		o.mu.Lock()
		o.degraded = true
		o.mu.Unlock()
		return nil
	}

	if old != nil {
		_ = old.Close()
	}

	if alreadySwitched || o.cloudFactory == nil {
		o.mu.Lock()
		o.degraded = true
		o.mu.Unlock()
		o.logger.Warn("recognition_degraded", "session_id", sessionID, "reason", reason)
		return nil
	}

	rec, err := o.openBackend(runCtx, sessionID, o.cloudFactory)
	if err != nil {
		o.mu.Lock()
		o.degraded = true
		o.mu.Unlock()
		o.logger.Warn("cloud_recognizer_unavailable", "session_id", sessionID, "reason_code", string(errorsx.Reason(err)), "error", err.Error())
		return nil
	}

	o.mu.Lock()
	o.switched = true
	chunks := o.replay.Snapshot()
	rate := o.replay.rate
	channels := o.replay.channels
	o.mu.Unlock()

	o.adopt(rec, call.MethodCloud)
	o.record(sessionID, metrics.EventRecognitionFallback, map[string]any{"reason": reason})
	o.logger.Info("recognition_fallback", "session_id", sessionID, "from", string(from), "to", string(call.MethodCloud), "reason", reason)
	if o.onTransition != nil {
		o.onTransition(sessionID, from, call.MethodCloud, reason)
	}

	for _, chunk := range chunks {
		if len(chunk) == 0 {
			continue
		}
		af := frames.NewAudioFrame(sessionID, time.Now().UnixNano(), chunk, rate, channels, nil)
		_ = rec.SendAudio(af)
	}
	if pending.RawPayload() != nil {
		_ = rec.SendAudio(pending)
	}
	return nil
}

// collect drains one backend's result channel in order. Partial results are
// forwarded as they arrive; finals are accumulated into segments.
func (o *Orchestrator) collect(rec Recognizer) {
	defer o.collectWG.Done()
	for f := range rec.Results() {
		switch f.Kind() {
		case frames.KindText:
			o.handleText(f.(frames.TextFrame))
		case frames.KindControl:
			cf := f.(frames.ControlFrame)
			if cf.Code() == frames.ControlFallback {
				_ = o.fallbackToCloud("backend_requested", frames.AudioFrame{})
				return
			}
		}
	}
}

func (o *Orchestrator) handleText(tf frames.TextFrame) {
	meta := tf.Meta()
	isFinal := meta[frames.MetaIsFinal] == "true"
	conf := parseConfidence(meta[frames.MetaConfidence])

	o.mu.Lock()
	sessionID := o.sessionID
	if isFinal {
		seg := call.TranscriptSegment{
			Text:       tf.Text(),
			Confidence: conf,
			Speaker:    meta[frames.MetaSpeaker],
		}
		seg.StartMS, _ = strconv.ParseInt(meta[frames.MetaStartMS], 10, 64)
		seg.EndMS, _ = strconv.ParseInt(meta[frames.MetaEndMS], 10, 64)
		o.segments = append(o.segments, seg)
		o.finalTexts = append(o.finalTexts, tf.Text())
		if meta[frames.MetaConfidence] != "" {
			o.finalConfs = append(o.finalConfs, conf)
		}
	} else {
		o.lastPartial = tf.Text()
	}
	lowConfidence := isFinal && meta[frames.MetaConfidence] != "" && conf < o.cfg.FallbackConfidence && o.method == call.MethodDevice && !o.switched
	onPartial := o.onPartial
	o.mu.Unlock()

	if onPartial != nil {
		onPartial(sessionID, tf.Text(), isFinal)
	}
	if lowConfidence {
		_ = o.fallbackToCloud("low_confidence_final", frames.AudioFrame{})
	}
}

func (o *Orchestrator) record(sessionID, name string, fields map[string]any) {
	if o.obs == nil {
		return
	}
	o.obs.RecordEvent(metrics.MetricsEvent{
		Name:   name,
		Time:   time.Now(),
		Tags:   map[string]string{frames.MetaSessionID: sessionID, "component": "recognition"},
		Fields: fields,
	})
}

func parseConfidence(raw string) float64 {
	if raw == "" {
		return 0
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}
	return call.ClampConfidence(v)
}
