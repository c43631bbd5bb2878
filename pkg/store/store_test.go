package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/NikoToRA/telreq-sub001/pkg/call"
	"github.com/NikoToRA/telreq-sub001/pkg/errorsx"
	"github.com/NikoToRA/telreq-sub001/pkg/metrics"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "calls.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func sampleCall(id string) call.StructuredCallData {
	return call.StructuredCallData{
		ID:            id,
		Timestamp:     time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
		Duration:      95 * time.Second,
		Counterpart:   "+818012345678",
		AudioRef:      "audio/" + id + ".wav",
		Transcription: "納期の確認をお願いします。",
		Summary: call.CallSummary{
			Summary:     "納期確認の依頼。",
			KeyPoints:   []string{"納期の確認をお願いします。"},
			ActionItems: []string{"納期の確認をお願いします。"},
			Confidence:  0.82,
			Source:      call.SourceAI,
		},
		Metadata: call.CallMetadata{
			Direction:    call.DirectionInbound,
			AudioQuality: call.QualityHigh,
			Method:       call.MethodDevice,
			Language:     "ja",
			Confidence:   0.9,
		},
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s, _ := openTestStore(t)
	want := sampleCall("call-1")
	id, err := s.Save(want)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if id != want.ID {
		t.Fatalf("save returned %q, want %q", id, want.ID)
	}
	got, err := s.Load(want.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("round trip mismatch\ngot:  %+v\nwant: %+v", got, want)
	}
}

func TestLoadMissingRecord(t *testing.T) {
	s, _ := openTestStore(t)
	_, err := s.Load("absent")
	if !errorsx.HasReason(err, errorsx.ReasonNotFound) {
		t.Fatalf("expected not-found reason, got %v", err)
	}
}

func TestSaveRejectsDuplicateID(t *testing.T) {
	s, _ := openTestStore(t)
	if _, err := s.Save(sampleCall("dup")); err != nil {
		t.Fatalf("first save: %v", err)
	}
	if _, err := s.Save(sampleCall("dup")); err == nil {
		t.Fatalf("expected duplicate id to fail")
	}
	entries, err := s.List(10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 record after duplicate save, got %d", len(entries))
	}
}

func TestListInsertionOrderAndPaging(t *testing.T) {
	s, _ := openTestStore(t)
	for i := 0; i < 5; i++ {
		if _, err := s.Save(sampleCall(fmt.Sprintf("call-%d", i))); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}
	page, err := s.List(2, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page) != 2 || page[0].ID != "call-2" || page[1].ID != "call-3" {
		t.Fatalf("unexpected page %+v", page)
	}
	if page[0].Summary != "納期確認の依頼。" {
		t.Fatalf("list entry missing summary text: %+v", page[0])
	}
}

func TestConcurrentSavesAllPersisted(t *testing.T) {
	s, _ := openTestStore(t)
	const n = 16
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = s.Save(sampleCall(fmt.Sprintf("conc-%d", i)))
		}(i)
	}
	wg.Wait()
	entries, err := s.List(100, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != n {
		t.Fatalf("expected %d records, got %d", n, len(entries))
	}
	seen := make(map[string]bool)
	for _, e := range entries {
		if seen[e.ID] {
			t.Fatalf("duplicate id in list: %s", e.ID)
		}
		seen[e.ID] = true
	}
}

func TestDeleteRemovesRecordAndQueueEntry(t *testing.T) {
	s, _ := openTestStore(t)
	if _, err := s.Save(sampleCall("gone")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Delete("gone"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Load("gone"); !errorsx.HasReason(err, errorsx.ReasonNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	ids, err := s.PendingSync()
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("queue entry survived delete: %v", ids)
	}
	if err := s.Delete("gone"); !errorsx.HasReason(err, errorsx.ReasonNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}

func TestPendingSyncSurvivesReopen(t *testing.T) {
	s, path := openTestStore(t)
	if _, err := s.Save(sampleCall("persist-1")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := s.Save(sampleCall("persist-2")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.MarkSynced("persist-1"); err != nil {
		t.Fatalf("mark synced: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	ids, err := reopened.PendingSync()
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(ids) != 1 || ids[0] != "persist-2" {
		t.Fatalf("expected exactly persist-2 pending, got %v", ids)
	}
}

func TestRecordSyncAttemptBumpsRetryMetadata(t *testing.T) {
	s, _ := openTestStore(t)
	if _, err := s.Save(sampleCall("retrying")); err != nil {
		t.Fatalf("save: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := s.RecordSyncAttempt("retrying"); err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}
	entry, err := s.QueueEntry("retrying")
	if err != nil {
		t.Fatalf("queue entry: %v", err)
	}
	if entry.RetryCount != 3 {
		t.Fatalf("expected 3 retries, got %d", entry.RetryCount)
	}
	if entry.LastAttempt.IsZero() {
		t.Fatalf("last attempt not recorded")
	}
}

func TestInfoCountsRecordsAndQueue(t *testing.T) {
	s, _ := openTestStore(t)
	for i := 0; i < 3; i++ {
		if _, err := s.Save(sampleCall(fmt.Sprintf("info-%d", i))); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	if err := s.MarkSynced("info-0"); err != nil {
		t.Fatalf("mark synced: %v", err)
	}
	info, err := s.Info()
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if info.FileCount != 3 {
		t.Fatalf("expected 3 records, got %d", info.FileCount)
	}
	if info.PendingSyncCount != 2 {
		t.Fatalf("expected 2 pending, got %d", info.PendingSyncCount)
	}
}

type flakyBlob struct {
	mu       sync.Mutex
	failures int
	puts     map[string]int
}

func (f *flakyBlob) Name() string { return "flaky_blob" }

func (f *flakyBlob) Put(ctx context.Context, key string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.puts == nil {
		f.puts = make(map[string]int)
	}
	if f.failures > 0 {
		f.failures--
		return errors.New("network unreachable")
	}
	f.puts[key]++
	return nil
}

func TestSyncerRetriesUntilUploadSucceeds(t *testing.T) {
	s, _ := openTestStore(t)
	if _, err := s.Save(sampleCall("sync-1")); err != nil {
		t.Fatalf("save: %v", err)
	}
	blob := &flakyBlob{failures: 2}
	obs := metrics.NewMemoryObserver()
	syncer := NewSyncer(s, blob, WithSyncObserver(obs))

	ctx := context.Background()
	syncer.DrainOnce(ctx)
	syncer.DrainOnce(ctx)
	if ids, _ := s.PendingSync(); len(ids) != 1 {
		t.Fatalf("entry must stay queued while uploads fail, got %v", ids)
	}
	entry, err := s.QueueEntry("sync-1")
	if err != nil {
		t.Fatalf("queue entry: %v", err)
	}
	if entry.RetryCount != 2 {
		t.Fatalf("expected 2 recorded retries, got %d", entry.RetryCount)
	}

	syncer.DrainOnce(ctx)
	if ids, _ := s.PendingSync(); len(ids) != 0 {
		t.Fatalf("entry must dequeue after success, got %v", ids)
	}
	if blob.puts["sync-1"] != 1 {
		t.Fatalf("expected exactly one successful upload, got %d", blob.puts["sync-1"])
	}
	if len(obs.Named(metrics.EventSyncRetry)) != 2 {
		t.Fatalf("expected 2 retry events")
	}
	if len(obs.Named(metrics.EventSyncComplete)) != 1 {
		t.Fatalf("expected 1 complete event")
	}
}

func TestSyncerDropsOrphanedQueueEntries(t *testing.T) {
	s, _ := openTestStore(t)
	if _, err := s.Save(sampleCall("orphan")); err != nil {
		t.Fatalf("save: %v", err)
	}
	// Simulate a record deleted out-of-band while its queue entry remains.
	if _, err := s.db.Exec(`DELETE FROM calls WHERE id = ?`, "orphan"); err != nil {
		t.Fatalf("raw delete: %v", err)
	}
	blob := &flakyBlob{}
	NewSyncer(s, blob).DrainOnce(context.Background())
	if ids, _ := s.PendingSync(); len(ids) != 0 {
		t.Fatalf("orphaned entry must be dropped, got %v", ids)
	}
	if len(blob.puts) != 0 {
		t.Fatalf("orphan must not upload")
	}
}
