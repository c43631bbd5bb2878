package lifecycle

import (
	"context"
	"encoding/binary"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/NikoToRA/telreq-sub001/pkg/call"
	"github.com/NikoToRA/telreq-sub001/pkg/capture"
	"github.com/NikoToRA/telreq-sub001/pkg/errorsx"
	"github.com/NikoToRA/telreq-sub001/pkg/frames"
	"github.com/NikoToRA/telreq-sub001/pkg/providers/mock"
	"github.com/NikoToRA/telreq-sub001/pkg/recognition"
	"github.com/NikoToRA/telreq-sub001/pkg/store"
	"github.com/NikoToRA/telreq-sub001/pkg/summarize"
	"github.com/NikoToRA/telreq-sub001/pkg/telephony"
)

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(evt Event) {
	l.mu.Lock()
	l.events = append(l.events, evt)
	l.mu.Unlock()
}

func (l *eventLog) snapshot() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

func (l *eventLog) waitFor(t *testing.T, match func(Event) bool) Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, evt := range l.snapshot() {
			if match(evt) {
				return evt
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("event not observed within deadline")
	return nil
}

type fixture struct {
	orch   *Orchestrator
	source *mock.AudioSource
	store  *store.Store
	log    *eventLog
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "calls.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	source := mock.NewAudioSource()
	engine := capture.NewEngine(source)

	deviceFactory := func(sessionID string) (recognition.Recognizer, error) {
		return mock.NewRecognizer(mock.RecognizerConfig{
			SessionID:  sessionID,
			Method:     call.MethodDevice,
			Transcript: "了解しました。明日送付します。",
			Confidence: 0.9,
		}), nil
	}
	recognizer := recognition.NewOrchestrator(deviceFactory, nil, recognition.Config{
		FinalWaitTimeout: 2,
		AttemptTimeout:   2,
	})
	summarizer := summarize.NewEngine(nil, summarize.WithMemoryProbe(func() uint64 { return 0 }))

	orch := NewOrchestrator(engine, recognizer, summarizer, st, Config{
		Summary: summarize.Config{Mode: summarize.ModeRuleBasedOnly},
	}, opts...)
	log := &eventLog{}
	orch.AddEventListener(log.add)
	return &fixture{orch: orch, source: source, store: st, log: log}
}

func pcmFrame(samples ...int16) frames.AudioFrame {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(s))
	}
	return frames.NewAudioFrame("test", time.Now().UnixNano(), data, 16000, 1, nil)
}

func waitForState(t *testing.T, orch *Orchestrator, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if orch.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state %s not reached, stuck at %s", want, orch.State())
}

func TestFullSessionSavesRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.orch.StartMonitoring(ctx); err != nil {
		t.Fatalf("start monitoring: %v", err)
	}
	sessionID, err := f.orch.StartRecording(ctx, CallInfo{
		CallID:    "CA1",
		From:      "+818012345678",
		Direction: call.DirectionInbound,
	})
	if err != nil {
		t.Fatalf("start recording: %v", err)
	}
	if f.orch.State() != StateCapturing {
		t.Fatalf("expected capturing, got %s", f.orch.State())
	}

	if err := f.source.Push(pcmFrame(1000, -1000, 2000)); err != nil {
		t.Fatalf("push: %v", err)
	}
	f.log.waitFor(t, func(evt Event) bool {
		tu, ok := evt.(TranscriptionUpdate)
		return ok && tu.IsFinal && tu.SessionID == sessionID
	})

	saved, err := f.orch.StopRecordingAndSave(ctx)
	if err != nil {
		t.Fatalf("stop and save: %v", err)
	}
	if f.orch.State() != StateMonitoring {
		t.Fatalf("expected monitoring after save, got %s", f.orch.State())
	}
	if saved.ID == "" || saved.Counterpart != "+818012345678" {
		t.Fatalf("returned record incomplete: %+v", saved)
	}

	record, err := f.store.Load(saved.ID)
	if err != nil {
		t.Fatalf("load record: %v", err)
	}
	if record.Transcription != "了解しました。明日送付します。" {
		t.Fatalf("unexpected transcription %q", record.Transcription)
	}
	if record.Summary.Summary == "" {
		t.Fatalf("summary must not be empty")
	}
	if record.Metadata.Method != call.MethodDevice {
		t.Fatalf("expected device method, got %s", record.Metadata.Method)
	}
	if record.Counterpart != "+818012345678" {
		t.Fatalf("unexpected counterpart %q", record.Counterpart)
	}

	done := f.log.waitFor(t, func(evt Event) bool {
		pc, ok := evt.(ProcessingComplete)
		return ok && pc.Record.ID == saved.ID
	}).(ProcessingComplete)
	if done.Record.Metadata.Confidence != 0.9 {
		t.Fatalf("expected confidence 0.9, got %f", done.Record.Metadata.Confidence)
	}
	// The event carries the full record; no follow-up load is needed.
	if done.Record.Counterpart != "+818012345678" || done.Record.Transcription == "" {
		t.Fatalf("event record incomplete: %+v", done.Record)
	}
	if done.Summary.Summary != record.Summary.Summary {
		t.Fatalf("event summary diverges from saved record")
	}
	f.log.waitFor(t, func(evt Event) bool {
		_, ok := evt.(CallEnded)
		return ok
	})
}

func TestSecondSessionRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.orch.StartMonitoring(ctx); err != nil {
		t.Fatalf("start monitoring: %v", err)
	}
	if _, err := f.orch.StartRecording(ctx, CallInfo{CallID: "CA1"}); err != nil {
		t.Fatalf("first start: %v", err)
	}
	_, err := f.orch.StartRecording(ctx, CallInfo{CallID: "CA2"})
	if !errorsx.HasReason(err, errorsx.ReasonSessionActive) {
		t.Fatalf("expected session-active rejection, got %v", err)
	}
	if _, err := f.orch.StopRecordingAndSave(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	// After the first session completes a new one is accepted.
	if _, err := f.orch.StartRecording(ctx, CallInfo{CallID: "CA2"}); err != nil {
		t.Fatalf("start after completion: %v", err)
	}
}

func TestStopWithoutSessionRejected(t *testing.T) {
	f := newFixture(t)
	if _, err := f.orch.StopRecordingAndSave(context.Background()); !errorsx.HasReason(err, errorsx.ReasonInvalidState) {
		t.Fatalf("expected invalid-state error, got %v", err)
	}
}

func TestCaptureFailureEntersErrorState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.orch.StartMonitoring(ctx); err != nil {
		t.Fatalf("start monitoring: %v", err)
	}
	f.source.OpenErr = errorsx.New(errorsx.ReasonPermissionDenied)
	if _, err := f.orch.StartRecording(ctx, CallInfo{CallID: "CA1"}); err == nil {
		t.Fatalf("expected start failure")
	}
	if f.orch.State() != StateError {
		t.Fatalf("expected error state, got %s", f.orch.State())
	}
	f.log.waitFor(t, func(evt Event) bool {
		_, ok := evt.(FatalError)
		return ok
	})

	if err := f.orch.Acknowledge(); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if f.orch.State() != StateMonitoring {
		t.Fatalf("expected monitoring after acknowledge, got %s", f.orch.State())
	}
	f.source.OpenErr = nil
	if _, err := f.orch.StartRecording(ctx, CallInfo{CallID: "CA2"}); err != nil {
		t.Fatalf("start after recovery: %v", err)
	}
}

func TestSignalSourceDrivesSessions(t *testing.T) {
	signal := mock.NewSignalSource()
	f := newFixture(t, WithSignalSource(signal))
	ctx := context.Background()
	if err := f.orch.StartMonitoring(ctx); err != nil {
		t.Fatalf("start monitoring: %v", err)
	}

	signal.Emit(telephony.CallEvent{Type: telephony.EventRinging, CallID: "CA7", From: "+8170"})
	signal.Emit(telephony.CallEvent{
		Type:      telephony.EventAnswered,
		CallID:    "CA7",
		From:      "+8170",
		Direction: call.DirectionInbound,
		At:        time.Now(),
	})
	waitForState(t, f.orch, StateCapturing)

	if err := f.source.Push(pcmFrame(500, -500)); err != nil {
		t.Fatalf("push: %v", err)
	}
	f.log.waitFor(t, func(evt Event) bool {
		tu, ok := evt.(TranscriptionUpdate)
		return ok && tu.IsFinal
	})

	signal.Emit(telephony.CallEvent{Type: telephony.EventEnded, CallID: "CA7", Reason: "completed"})
	waitForState(t, f.orch, StateMonitoring)

	entries, err := f.orch.History(10, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 saved record, got %d", len(entries))
	}
	if entries[0].Counterpart != "+8170" {
		t.Fatalf("unexpected counterpart %q", entries[0].Counterpart)
	}
	f.orch.Stop()
}

func TestDeleteRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_ = f.orch.StartMonitoring(ctx)
	if _, err := f.orch.StartRecording(ctx, CallInfo{CallID: "CA1"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	saved, err := f.orch.StopRecordingAndSave(ctx)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := f.orch.DeleteRecord(saved.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := f.orch.Record(saved.ID); !errorsx.HasReason(err, errorsx.ReasonNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
