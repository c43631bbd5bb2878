package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/NikoToRA/telreq-sub001/pkg/errorsx"
	"github.com/NikoToRA/telreq-sub001/pkg/logging"
	"github.com/NikoToRA/telreq-sub001/pkg/metrics"
)

// BlobStore uploads serialized call records to a remote backend.
type BlobStore interface {
	Name() string
	Put(ctx context.Context, key string, payload []byte) error
}

// Syncer drains the store's sync queue in the background with at-least-once
// semantics. Entries stay queued across restarts and retry without an upper
// bound; only a confirmed upload dequeues them.
type Syncer struct {
	store    *Store
	blob     BlobStore
	interval time.Duration
	obs      metrics.Observer
	logger   *slog.Logger

	startOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

type SyncerOption func(*Syncer)

func WithSyncInterval(d time.Duration) SyncerOption {
	return func(s *Syncer) { s.interval = d }
}

func WithSyncObserver(obs metrics.Observer) SyncerOption {
	return func(s *Syncer) { s.obs = obs }
}

func NewSyncer(store *Store, blob BlobStore, opts ...SyncerOption) *Syncer {
	s := &Syncer{
		store:    store,
		blob:     blob,
		interval: 30 * time.Second,
		logger:   logging.NewComponentLogger(slog.Default(), "syncer"),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the drain loop. An immediate pass runs before the first tick
// so records queued while offline upload as soon as connectivity returns.
func (s *Syncer) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		ctx, s.cancel = context.WithCancel(ctx)
		go s.run(ctx)
	})
}

func (s *Syncer) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Syncer) run(ctx context.Context) {
	defer close(s.done)
	s.DrainOnce(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.DrainOnce(ctx)
		}
	}
}

// DrainOnce attempts one upload per pending entry. Failures bump retry
// metadata and leave the entry queued for the next pass.
func (s *Syncer) DrainOnce(ctx context.Context) {
	ids, err := s.store.PendingSync()
	if err != nil {
		s.logger.Error("pending_sync_query_failed", "error", err.Error())
		return
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		if err := s.syncOne(ctx, id); err != nil {
			s.logger.Info("sync_retry_scheduled", "call_id", id, "error", err.Error())
			if err := s.store.RecordSyncAttempt(id); err != nil {
				s.logger.Error("record_attempt_failed", "call_id", id, "error", err.Error())
			}
			s.record(metrics.EventSyncRetry, map[string]any{"call_id": id})
			continue
		}
		s.record(metrics.EventSyncComplete, map[string]any{"call_id": id})
		s.logger.Info("sync_complete", "call_id", id, "backend", s.blob.Name())
	}
}

func (s *Syncer) syncOne(ctx context.Context, id string) error {
	data, err := s.store.Load(id)
	if err != nil {
		if errorsx.HasReason(err, errorsx.ReasonNotFound) {
			// Record deleted after enqueue; drop the orphaned entry.
			return s.store.MarkSynced(id)
		}
		return err
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return errorsx.Wrap(fmt.Errorf("marshal record: %w", err), errorsx.ReasonSyncFailure)
	}
	if err := s.blob.Put(ctx, data.ID, payload); err != nil {
		return errorsx.Wrap(fmt.Errorf("upload record: %w", err), errorsx.ReasonSyncFailure)
	}
	return s.store.MarkSynced(id)
}

func (s *Syncer) record(name string, fields map[string]any) {
	if s.obs == nil {
		return
	}
	s.obs.RecordEvent(metrics.MetricsEvent{
		Name:   name,
		Time:   time.Now(),
		Tags:   map[string]string{"component": "syncer"},
		Fields: fields,
	})
}
