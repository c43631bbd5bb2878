package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/NikoToRA/telreq-sub001/pkg/call"
	"github.com/NikoToRA/telreq-sub001/pkg/errorsx"
	"github.com/NikoToRA/telreq-sub001/pkg/logging"
)

// ListEntry is the lightweight row returned by List.
type ListEntry struct {
	ID          string        `json:"id"`
	Timestamp   time.Time     `json:"timestamp"`
	Duration    time.Duration `json:"duration"`
	Counterpart string        `json:"counterpart,omitempty"`
	Summary     string        `json:"summary"`
	Synced      bool          `json:"synced"`
}

// StorageInfo describes local storage usage.
type StorageInfo struct {
	UsedBytes        int64 `json:"used_bytes"`
	AvailableBytes   int64 `json:"available_bytes"`
	FileCount        int   `json:"file_count"`
	PendingSyncCount int   `json:"pending_sync_count"`
}

// Store persists completed calls with offline-first semantics. Every save
// commits the record and its sync-queue entry in one transaction, so a record
// either exists with exactly one queue entry or not at all.
type Store struct {
	mu     sync.Mutex
	db     *sql.DB
	path   string
	logger *slog.Logger
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("open store: %w", err), errorsx.ReasonStorageFailure)
	}
	// modernc sqlite serializes writes itself, but a single connection keeps
	// transaction semantics simple.
	db.SetMaxOpenConns(1)
	s := &Store{db: db, path: path, logger: logging.NewComponentLogger(slog.Default(), "store")}
	if err := s.initDB(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initDB() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS calls (
			id TEXT PRIMARY KEY,
			timestamp TIMESTAMP NOT NULL,
			duration_ms INTEGER NOT NULL,
			counterpart TEXT,
			audio_ref TEXT,
			transcription TEXT NOT NULL,
			summary_json TEXT NOT NULL,
			metadata_json TEXT NOT NULL,
			shared INTEGER NOT NULL DEFAULT 0,
			synced INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return errorsx.Wrap(fmt.Errorf("create calls table: %w", err), errorsx.ReasonStorageFailure)
	}

	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS sync_queue (
			call_id TEXT PRIMARY KEY,
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_attempt TIMESTAMP,
			enqueued_at TIMESTAMP NOT NULL,
			FOREIGN KEY (call_id) REFERENCES calls(id)
		)
	`)
	if err != nil {
		return errorsx.Wrap(fmt.Errorf("create sync_queue table: %w", err), errorsx.ReasonStorageFailure)
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_calls_created_at ON calls(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_calls_synced ON calls(synced)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_queue_enqueued_at ON sync_queue(enqueued_at)`,
	}
	for _, indexSQL := range indexes {
		if _, err := s.db.Exec(indexSQL); err != nil {
			return errorsx.Wrap(fmt.Errorf("create index: %w", err), errorsx.ReasonStorageFailure)
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Save commits a completed call atomically: the record and its sync-queue
// entry are written in one transaction.
func (s *Store) Save(data call.StructuredCallData) (string, error) {
	if data.ID == "" {
		return "", errorsx.Wrap(fmt.Errorf("record id is empty"), errorsx.ReasonInvalidConfiguration)
	}
	summaryJSON, err := json.Marshal(data.Summary)
	if err != nil {
		return "", errorsx.Wrap(fmt.Errorf("marshal summary: %w", err), errorsx.ReasonStorageFailure)
	}
	metadataJSON, err := json.Marshal(data.Metadata)
	if err != nil {
		return "", errorsx.Wrap(fmt.Errorf("marshal metadata: %w", err), errorsx.ReasonStorageFailure)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return "", errorsx.Wrap(fmt.Errorf("begin save: %w", err), errorsx.ReasonStorageFailure)
	}
	now := time.Now().UTC()
	_, err = tx.Exec(
		`INSERT INTO calls
		(id, timestamp, duration_ms, counterpart, audio_ref, transcription, summary_json, metadata_json, shared, synced, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		data.ID,
		data.Timestamp.UTC().Format(time.RFC3339Nano),
		data.Duration.Milliseconds(),
		data.Counterpart,
		data.AudioRef,
		data.Transcription,
		string(summaryJSON),
		string(metadataJSON),
		boolToInt(data.Shared),
		now.Format(time.RFC3339Nano),
	)
	if err != nil {
		_ = tx.Rollback()
		return "", errorsx.Wrap(fmt.Errorf("insert call: %w", err), errorsx.ReasonStorageFailure)
	}
	_, err = tx.Exec(
		`INSERT INTO sync_queue (call_id, retry_count, enqueued_at) VALUES (?, 0, ?)`,
		data.ID,
		now.Format(time.RFC3339Nano),
	)
	if err != nil {
		_ = tx.Rollback()
		return "", errorsx.Wrap(fmt.Errorf("enqueue sync: %w", err), errorsx.ReasonStorageFailure)
	}
	if err := tx.Commit(); err != nil {
		return "", errorsx.Wrap(fmt.Errorf("commit save: %w", err), errorsx.ReasonStorageFailure)
	}
	return data.ID, nil
}

// Load returns the full record for id.
func (s *Store) Load(id string) (call.StructuredCallData, error) {
	row := s.db.QueryRow(
		`SELECT id, timestamp, duration_ms, counterpart, audio_ref, transcription, summary_json, metadata_json, shared
		FROM calls WHERE id = ?`, id)

	var data call.StructuredCallData
	var timestamp, summaryJSON, metadataJSON string
	var durationMS int64
	var shared int
	err := row.Scan(&data.ID, &timestamp, &durationMS, &data.Counterpart, &data.AudioRef,
		&data.Transcription, &summaryJSON, &metadataJSON, &shared)
	if err == sql.ErrNoRows {
		return call.StructuredCallData{}, errorsx.New(errorsx.ReasonNotFound)
	}
	if err != nil {
		return call.StructuredCallData{}, errorsx.Wrap(fmt.Errorf("load call: %w", err), errorsx.ReasonStorageFailure)
	}
	if data.Timestamp, err = time.Parse(time.RFC3339Nano, timestamp); err != nil {
		return call.StructuredCallData{}, errorsx.Wrap(fmt.Errorf("parse timestamp: %w", err), errorsx.ReasonStorageFailure)
	}
	data.Duration = time.Duration(durationMS) * time.Millisecond
	data.Shared = shared != 0
	if err := json.Unmarshal([]byte(summaryJSON), &data.Summary); err != nil {
		return call.StructuredCallData{}, errorsx.Wrap(fmt.Errorf("parse summary: %w", err), errorsx.ReasonStorageFailure)
	}
	if err := json.Unmarshal([]byte(metadataJSON), &data.Metadata); err != nil {
		return call.StructuredCallData{}, errorsx.Wrap(fmt.Errorf("parse metadata: %w", err), errorsx.ReasonStorageFailure)
	}
	return data, nil
}

// List returns a stable page of saved calls in insertion order. Rows are
// deduplicated by id before returning.
func (s *Store) List(limit, offset int) ([]ListEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.Query(
		`SELECT id, timestamp, duration_ms, counterpart, summary_json, synced
		FROM calls ORDER BY rowid ASC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("list calls: %w", err), errorsx.ReasonStorageFailure)
	}
	defer rows.Close()

	var out []ListEntry
	seen := make(map[string]bool)
	for rows.Next() {
		var entry ListEntry
		var timestamp, summaryJSON string
		var durationMS int64
		var synced int
		if err := rows.Scan(&entry.ID, &timestamp, &durationMS, &entry.Counterpart, &summaryJSON, &synced); err != nil {
			return nil, errorsx.Wrap(fmt.Errorf("scan call: %w", err), errorsx.ReasonStorageFailure)
		}
		if seen[entry.ID] {
			continue
		}
		seen[entry.ID] = true
		if entry.Timestamp, err = time.Parse(time.RFC3339Nano, timestamp); err != nil {
			return nil, errorsx.Wrap(fmt.Errorf("parse timestamp: %w", err), errorsx.ReasonStorageFailure)
		}
		entry.Duration = time.Duration(durationMS) * time.Millisecond
		entry.Synced = synced != 0
		var summary call.CallSummary
		if err := json.Unmarshal([]byte(summaryJSON), &summary); err == nil {
			entry.Summary = summary.Summary
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// Delete removes a record and any pending sync entry for it.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return errorsx.Wrap(fmt.Errorf("begin delete: %w", err), errorsx.ReasonStorageFailure)
	}
	if _, err := tx.Exec(`DELETE FROM sync_queue WHERE call_id = ?`, id); err != nil {
		_ = tx.Rollback()
		return errorsx.Wrap(fmt.Errorf("delete queue entry: %w", err), errorsx.ReasonStorageFailure)
	}
	res, err := tx.Exec(`DELETE FROM calls WHERE id = ?`, id)
	if err != nil {
		_ = tx.Rollback()
		return errorsx.Wrap(fmt.Errorf("delete call: %w", err), errorsx.ReasonStorageFailure)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		_ = tx.Rollback()
		return errorsx.New(errorsx.ReasonNotFound)
	}
	return tx.Commit()
}

// PendingSync returns ids awaiting upload, oldest first.
func (s *Store) PendingSync() ([]string, error) {
	rows, err := s.db.Query(`SELECT call_id FROM sync_queue ORDER BY enqueued_at ASC, rowid ASC`)
	if err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("pending sync: %w", err), errorsx.ReasonStorageFailure)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errorsx.Wrap(fmt.Errorf("scan queue: %w", err), errorsx.ReasonStorageFailure)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// QueueEntry returns the retry metadata for a pending id.
func (s *Store) QueueEntry(id string) (call.SyncQueueEntry, error) {
	row := s.db.QueryRow(`SELECT call_id, retry_count, last_attempt, enqueued_at FROM sync_queue WHERE call_id = ?`, id)
	var entry call.SyncQueueEntry
	var lastAttempt sql.NullString
	var enqueued string
	if err := row.Scan(&entry.CallID, &entry.RetryCount, &lastAttempt, &enqueued); err != nil {
		if err == sql.ErrNoRows {
			return call.SyncQueueEntry{}, errorsx.New(errorsx.ReasonNotFound)
		}
		return call.SyncQueueEntry{}, errorsx.Wrap(fmt.Errorf("queue entry: %w", err), errorsx.ReasonStorageFailure)
	}
	entry.EnqueuedAt, _ = time.Parse(time.RFC3339Nano, enqueued)
	if lastAttempt.Valid {
		entry.LastAttempt, _ = time.Parse(time.RFC3339Nano, lastAttempt.String)
	}
	return entry, nil
}

// RecordSyncAttempt bumps retry metadata after a failed upload. The entry
// stays queued; there is no upper retry bound.
func (s *Store) RecordSyncAttempt(id string) error {
	_, err := s.db.Exec(
		`UPDATE sync_queue SET retry_count = retry_count + 1, last_attempt = ? WHERE call_id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return errorsx.Wrap(fmt.Errorf("record attempt: %w", err), errorsx.ReasonStorageFailure)
	}
	return nil
}

// MarkSynced removes the queue entry and flags the record as remote-confirmed.
func (s *Store) MarkSynced(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return errorsx.Wrap(fmt.Errorf("begin mark synced: %w", err), errorsx.ReasonStorageFailure)
	}
	if _, err := tx.Exec(`DELETE FROM sync_queue WHERE call_id = ?`, id); err != nil {
		_ = tx.Rollback()
		return errorsx.Wrap(fmt.Errorf("dequeue: %w", err), errorsx.ReasonStorageFailure)
	}
	if _, err := tx.Exec(`UPDATE calls SET synced = 1 WHERE id = ?`, id); err != nil {
		_ = tx.Rollback()
		return errorsx.Wrap(fmt.Errorf("flag synced: %w", err), errorsx.ReasonStorageFailure)
	}
	return tx.Commit()
}

// Info reports local storage usage.
func (s *Store) Info() (StorageInfo, error) {
	var info StorageInfo
	if st, err := os.Stat(s.path); err == nil {
		info.UsedBytes = st.Size()
	}
	var pageSize, freelist int64
	if err := s.db.QueryRow(`PRAGMA page_size`).Scan(&pageSize); err == nil {
		if err := s.db.QueryRow(`PRAGMA freelist_count`).Scan(&freelist); err == nil {
			info.AvailableBytes = pageSize * freelist
		}
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM calls`).Scan(&info.FileCount); err != nil {
		return info, errorsx.Wrap(fmt.Errorf("count calls: %w", err), errorsx.ReasonStorageFailure)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM sync_queue`).Scan(&info.PendingSyncCount); err != nil {
		return info, errorsx.Wrap(fmt.Errorf("count queue: %w", err), errorsx.ReasonStorageFailure)
	}
	return info, nil
}

// ClearCache releases page cache held by the connection. Records are untouched.
func (s *Store) ClearCache() error {
	if _, err := s.db.Exec(`PRAGMA shrink_memory`); err != nil {
		return errorsx.Wrap(fmt.Errorf("shrink memory: %w", err), errorsx.ReasonStorageFailure)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
