package recognition

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/NikoToRA/telreq-sub001/pkg/call"
	"github.com/NikoToRA/telreq-sub001/pkg/errorsx"
	"github.com/NikoToRA/telreq-sub001/pkg/frames"
)

type scriptedBackend struct {
	method     call.RecognitionMethod
	transcript string
	confidence float64
	interim    string
	omitFinal  bool
	startErr   error
	sendErr    error

	mu      sync.Mutex
	out     chan frames.Frame
	started bool
	closed  bool
	emitted bool
}

func newScripted(method call.RecognitionMethod, transcript string, confidence float64) *scriptedBackend {
	return &scriptedBackend{
		method:     method,
		transcript: transcript,
		confidence: confidence,
		out:        make(chan frames.Frame, 16),
	}
}

func (b *scriptedBackend) Name() string                   { return "scripted_" + string(b.method) }
func (b *scriptedBackend) Method() call.RecognitionMethod { return b.method }

func (b *scriptedBackend) Start(ctx context.Context) error {
	if b.startErr != nil {
		return b.startErr
	}
	b.mu.Lock()
	b.started = true
	b.mu.Unlock()
	return nil
}

func (b *scriptedBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.out)
	}
	return nil
}

func (b *scriptedBackend) SendAudio(frame frames.AudioFrame) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started {
		return errors.New("not started")
	}
	if b.sendErr != nil {
		return b.sendErr
	}
	if b.emitted || b.transcript == "" {
		return nil
	}
	b.emitted = true
	if b.interim != "" {
		b.out <- frames.NewTextFrame("s", time.Now().UnixNano(), b.interim, map[string]string{
			frames.MetaIsFinal: "false",
		})
	}
	if !b.omitFinal {
		b.out <- frames.NewTextFrame("s", time.Now().UnixNano(), b.transcript, map[string]string{
			frames.MetaIsFinal:    "true",
			frames.MetaConfidence: strconv.FormatFloat(b.confidence, 'f', 2, 64),
			frames.MetaStartMS:    "0",
			frames.MetaEndMS:      "1000",
		})
	}
	return nil
}

func (b *scriptedBackend) Results() <-chan frames.Frame { return b.out }

func factoryOf(b *scriptedBackend) Factory {
	return func(sessionID string) (Recognizer, error) { return b, nil }
}

func audioFrame() frames.AudioFrame {
	return frames.NewAudioFrame("s", time.Now().UnixNano(), []byte{1, 2, 3, 4}, 8000, 1, nil)
}

func waitForMethod(t *testing.T, o *Orchestrator, want call.RecognitionMethod) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if o.ActiveMethod() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("method never became %s, got %s", want, o.ActiveMethod())
}

func testConfig() Config {
	return Config{Language: "en", FinalWaitTimeout: 2, AttemptTimeout: 2}
}

func TestDeviceSessionCompletes(t *testing.T) {
	device := newScripted(call.MethodDevice, "hello world", 0.92)
	o := NewOrchestrator(factoryOf(device), nil, testConfig())
	if err := o.Start(context.Background(), "session-1"); err != nil {
		t.Fatalf("start error: %v", err)
	}
	o.SendAudio(audioFrame())
	res, err := o.FinalResult(context.Background())
	if err != nil {
		t.Fatalf("final result error: %v", err)
	}
	if res.Text != "hello world" {
		t.Fatalf("unexpected text %q", res.Text)
	}
	if res.Method != call.MethodDevice {
		t.Fatalf("expected device method, got %s", res.Method)
	}
	if res.Confidence < 0.9 {
		t.Fatalf("unexpected confidence %f", res.Confidence)
	}
	if len(res.Segments) != 1 {
		t.Fatalf("expected 1 segment, got %d", len(res.Segments))
	}
}

func TestSecondStartRejected(t *testing.T) {
	device := newScripted(call.MethodDevice, "hi", 0.9)
	o := NewOrchestrator(factoryOf(device), nil, testConfig())
	if err := o.Start(context.Background(), "session-1"); err != nil {
		t.Fatalf("start error: %v", err)
	}
	err := o.Start(context.Background(), "session-2")
	if !errorsx.HasReason(err, errorsx.ReasonSessionActive) {
		t.Fatalf("expected session_active rejection, got %v", err)
	}
	o.Stop()
}

func TestSwitchMethodRejectedWhileActive(t *testing.T) {
	device := newScripted(call.MethodDevice, "hi", 0.9)
	o := NewOrchestrator(factoryOf(device), nil, testConfig())
	if err := o.Start(context.Background(), "session-1"); err != nil {
		t.Fatalf("start error: %v", err)
	}
	if err := o.SwitchMethod(call.MethodCloud); !errorsx.HasReason(err, errorsx.ReasonSessionActive) {
		t.Fatalf("expected rejection, got %v", err)
	}
	o.Stop()
	if err := o.SwitchMethod(call.MethodCloud); err != nil {
		t.Fatalf("switch after stop should succeed: %v", err)
	}
}

func TestFallbackOnDeviceStartFailure(t *testing.T) {
	device := newScripted(call.MethodDevice, "", 0)
	device.startErr = errors.New("recognizer missing")
	cloud := newScripted(call.MethodCloud, "cloud transcript", 0.8)
	o := NewOrchestrator(factoryOf(device), factoryOf(cloud), testConfig())

	var transitions []string
	o.SetTransitionListener(func(sessionID string, from, to call.RecognitionMethod, reason string) {
		transitions = append(transitions, reason)
	})

	if err := o.Start(context.Background(), "session-1"); err != nil {
		t.Fatalf("start must absorb device failure, got %v", err)
	}
	if o.ActiveMethod() != call.MethodCloud {
		t.Fatalf("expected cloud method, got %s", o.ActiveMethod())
	}
	o.SendAudio(audioFrame())
	res, err := o.FinalResult(context.Background())
	if err != nil {
		t.Fatalf("final result error: %v", err)
	}
	if res.Method != call.MethodCloud {
		t.Fatalf("expected cloud method, got %s", res.Method)
	}
	if res.Text != "cloud transcript" {
		t.Fatalf("unexpected text %q", res.Text)
	}
	if len(transitions) != 1 || transitions[0] != "device_start_failed" {
		t.Fatalf("unexpected transitions %v", transitions)
	}
}

func TestFallbackOnSendFailureReplaysAudio(t *testing.T) {
	device := newScripted(call.MethodDevice, "", 0)
	device.sendErr = errors.New("engine crashed")
	cloud := newScripted(call.MethodCloud, "replayed words", 0.7)
	o := NewOrchestrator(factoryOf(device), factoryOf(cloud), testConfig())
	if err := o.Start(context.Background(), "session-1"); err != nil {
		t.Fatalf("start error: %v", err)
	}
	o.SendAudio(audioFrame())
	waitForMethod(t, o, call.MethodCloud)
	res, err := o.FinalResult(context.Background())
	if err != nil {
		t.Fatalf("final result error: %v", err)
	}
	if res.Text != "replayed words" {
		t.Fatalf("replay did not reach cloud backend, text %q", res.Text)
	}
	if res.Method != call.MethodCloud {
		t.Fatalf("expected cloud method, got %s", res.Method)
	}
}

func TestFallbackOnLowConfidenceFinal(t *testing.T) {
	device := newScripted(call.MethodDevice, "mumbled words", 0.2)
	cloud := newScripted(call.MethodCloud, "clear words", 0.9)
	o := NewOrchestrator(factoryOf(device), factoryOf(cloud), testConfig())
	if err := o.Start(context.Background(), "session-1"); err != nil {
		t.Fatalf("start error: %v", err)
	}
	o.SendAudio(audioFrame())
	waitForMethod(t, o, call.MethodCloud)
	res, err := o.FinalResult(context.Background())
	if err != nil {
		t.Fatalf("final result error: %v", err)
	}
	if res.Method != call.MethodCloud {
		t.Fatalf("expected cloud method after low-confidence fallback")
	}
}

func TestConcurrentSendDuringFallbackKeepsSessionID(t *testing.T) {
	device := newScripted(call.MethodDevice, "", 0)
	device.sendErr = errors.New("engine crashed")
	cloud := newScripted(call.MethodCloud, "recovered", 0.8)
	o := NewOrchestrator(factoryOf(device), factoryOf(cloud), testConfig())

	var mu sync.Mutex
	var sessions []string
	o.SetTransitionListener(func(sessionID string, from, to call.RecognitionMethod, reason string) {
		mu.Lock()
		sessions = append(sessions, sessionID)
		mu.Unlock()
	})

	if err := o.Start(context.Background(), "session-7"); err != nil {
		t.Fatalf("start error: %v", err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.SendAudio(audioFrame())
		}()
	}
	wg.Wait()
	waitForMethod(t, o, call.MethodCloud)
	if _, err := o.FinalResult(context.Background()); err != nil {
		t.Fatalf("final result error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(sessions) == 0 {
		t.Fatalf("expected a fallback transition")
	}
	for _, id := range sessions {
		if id != "session-7" {
			t.Fatalf("transition reported wrong session %q", id)
		}
	}
}

func TestPartialsAcceptedWhenAllBackendsDegrade(t *testing.T) {
	device := newScripted(call.MethodDevice, "half a sente", 0)
	device.interim = "half a sente"
	device.omitFinal = true
	o := NewOrchestrator(factoryOf(device), nil, testConfig())
	if err := o.Start(context.Background(), "session-1"); err != nil {
		t.Fatalf("start error: %v", err)
	}
	o.SendAudio(audioFrame())
	res, err := o.FinalResult(context.Background())
	if err != nil {
		t.Fatalf("final result error: %v", err)
	}
	if res.Text != "half a sente" {
		t.Fatalf("partial text must survive, got %q", res.Text)
	}
	if res.Confidence != 0 {
		t.Fatalf("partial-only result should carry zero confidence, got %f", res.Confidence)
	}
}

func TestEmptyAudioYieldsEmptyResult(t *testing.T) {
	device := newScripted(call.MethodDevice, "", 0)
	o := NewOrchestrator(factoryOf(device), nil, testConfig())
	if err := o.Start(context.Background(), "session-1"); err != nil {
		t.Fatalf("start error: %v", err)
	}
	res, err := o.FinalResult(context.Background())
	if err != nil {
		t.Fatalf("final result error: %v", err)
	}
	if res.Text != "" {
		t.Fatalf("expected empty text, got %q", res.Text)
	}
	if res.Confidence != 0 {
		t.Fatalf("expected zero confidence, got %f", res.Confidence)
	}
}

func TestPartialOrderingPreserved(t *testing.T) {
	device := newScripted(call.MethodDevice, "", 0)
	o := NewOrchestrator(factoryOf(device), nil, testConfig())

	var mu sync.Mutex
	var seen []string
	o.SetPartialListener(func(sessionID, text string, isFinal bool) {
		mu.Lock()
		seen = append(seen, text)
		mu.Unlock()
	})

	if err := o.Start(context.Background(), "session-1"); err != nil {
		t.Fatalf("start error: %v", err)
	}
	for i := 0; i < 5; i++ {
		device.out <- frames.NewTextFrame("s", time.Now().UnixNano(), "p"+strconv.Itoa(i), map[string]string{
			frames.MetaIsFinal: "false",
		})
	}
	if _, err := o.FinalResult(context.Background()); err != nil {
		t.Fatalf("final result error: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 5 {
		t.Fatalf("expected 5 partials, got %d", len(seen))
	}
	for i, text := range seen {
		if text != "p"+strconv.Itoa(i) {
			t.Fatalf("partials out of order: %v", seen)
		}
	}
}
