// internal/storage/memory.go
package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/RegistryAccord/registryaccord-filestore-go/internal/model"
)

// memoryRecord pairs a record with its dedup participation flag.
type memoryRecord struct {
	rec   model.FileRecord
	dedup bool
}

// Memory implements Store and BlobStore in process memory.
// It's intended for development and testing purposes.
type Memory struct {
	mu    sync.RWMutex                      // Protects concurrent access to maps
	files map[string]*memoryRecord          // Map of file ID to record
	logs  map[string][]model.AccessLogEntry // Map of file ID to access log, append order
	blobs map[string][]byte                 // Map of file ID to payload
	now   func() time.Time
}

// NewMemory creates a new in-memory storage implementation.
func NewMemory() *Memory {
	return &Memory{
		files: make(map[string]*memoryRecord),
		logs:  make(map[string][]model.AccessLogEntry),
		blobs: make(map[string][]byte),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) CreateFile(ctx context.Context, rec model.FileRecord, enforceUnique bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkInsertLocked(rec, enforceUnique, ""); err != nil {
		return err
	}
	m.insertLocked(rec, enforceUnique)
	return nil
}

func (m *Memory) ReplaceFile(ctx context.Context, supersededID string, rec model.FileRecord, enforceUnique bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkInsertLocked(rec, enforceUnique, supersededID); err != nil {
		return false, err
	}
	replaced := false
	if r, exists := m.files[supersededID]; exists {
		replaced = m.markDeletedLocked(r)
	}
	m.insertLocked(rec, enforceUnique)
	return replaced, nil
}

// checkInsertLocked reports ErrConflict when rec clashes with a stored record.
// The record named by ignoreID is treated as already Deleted.
func (m *Memory) checkInsertLocked(rec model.FileRecord, enforceUnique bool, ignoreID string) error {
	if _, exists := m.files[rec.FileID]; exists {
		return ErrConflict
	}
	if !enforceUnique {
		return nil
	}
	for id, r := range m.files {
		if id == ignoreID {
			continue
		}
		if r.dedup && r.rec.IsActive() &&
			r.rec.MD5 == rec.MD5 && r.rec.UploaderID == rec.UploaderID && r.rec.Bucket == rec.Bucket {
			return ErrConflict
		}
	}
	return nil
}

func (m *Memory) insertLocked(rec model.FileRecord, enforceUnique bool) {
	rec.Status = model.StatusActive
	m.files[rec.FileID] = &memoryRecord{rec: rec, dedup: enforceUnique}
}

func (m *Memory) GetFile(ctx context.Context, fileID string) (*model.FileRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, exists := m.files[fileID]
	if !exists {
		return nil, ErrNotFound
	}
	rec := r.rec
	return &rec, nil
}

func (m *Memory) FindActiveByScope(ctx context.Context, md5, uploaderID, bucket string) (*model.FileRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var found *model.FileRecord
	for _, r := range m.files {
		if !r.rec.IsActive() || r.rec.MD5 != md5 || r.rec.UploaderID != uploaderID || r.rec.Bucket != bucket {
			continue
		}
		if found == nil || r.rec.CreatedAt.Before(found.CreatedAt) {
			rec := r.rec
			found = &rec
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

func (m *Memory) FindActiveByMD5(ctx context.Context, md5 string, limit int) ([]model.FileRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.FileRecord, 0)
	for _, r := range m.files {
		if r.rec.IsActive() && r.rec.MD5 == md5 {
			out = append(out, r.rec)
		}
	}
	sortByCreated(out)
	if n := clampLimit(limit, 50, 500); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (m *Memory) MarkDeleted(ctx context.Context, fileID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, exists := m.files[fileID]
	if !exists {
		return false, ErrNotFound
	}
	return m.markDeletedLocked(r), nil
}

func (m *Memory) MarkDeletedBatch(ctx context.Context, fileIDs []string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	changed := make([]string, 0, len(fileIDs))
	for _, id := range fileIDs {
		if r, exists := m.files[id]; exists && m.markDeletedLocked(r) {
			changed = append(changed, id)
		}
	}
	return changed, nil
}

func (m *Memory) markDeletedLocked(r *memoryRecord) bool {
	if !r.rec.IsActive() {
		return false
	}
	r.rec.Status = model.StatusDeleted
	r.rec.UpdatedAt = m.now()
	return true
}

func (m *Memory) RecordAccess(ctx context.Context, fileID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, exists := m.files[fileID]
	if !exists || !r.rec.IsActive() {
		return ErrNotFound
	}
	r.rec.AccessCount++
	t := at.UTC()
	r.rec.LastAccessedAt = &t
	return nil
}

func (m *Memory) AppendAccessLog(ctx context.Context, entry model.AccessLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logs[entry.FileID] = append(m.logs[entry.FileID], entry)
	return nil
}

// ListAccessLogs returns the newest entries first.
func (m *Memory) ListAccessLogs(ctx context.Context, fileID string, limit int) ([]model.AccessLogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := m.logs[fileID]
	n := clampLimit(limit, 50, 500)
	out := make([]model.AccessLogEntry, 0, min(n, len(entries)))
	for i := len(entries) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, entries[i])
	}
	return out, nil
}

func (m *Memory) ListExpired(ctx context.Context, bucket string, cutoff time.Time, limit int) ([]model.FileRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.FileRecord, 0)
	for _, r := range m.files {
		if r.rec.IsActive() && r.rec.Bucket == bucket && r.rec.CreatedAt.Before(cutoff) {
			out = append(out, r.rec)
		}
	}
	sortByCreated(out)
	if n := clampLimit(limit, 100, 1000); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (m *Memory) Ping(ctx context.Context) error { return ctx.Err() }

func (m *Memory) Close() {}

func (m *Memory) PutBlob(ctx context.Context, fileID string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.blobs[fileID] = append([]byte(nil), payload...)
	return nil
}

func (m *Memory) GetBlob(ctx context.Context, fileID string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, exists := m.blobs[fileID]
	if !exists {
		return nil, ErrNotFound
	}
	return append([]byte(nil), b...), nil
}

func (m *Memory) DeleteBlob(ctx context.Context, fileID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.blobs, fileID)
	return nil
}

func (m *Memory) BlobExists(ctx context.Context, fileID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, exists := m.blobs[fileID]
	return exists, nil
}

func (m *Memory) BlobStats(ctx context.Context) (int64, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var size int64
	for _, b := range m.blobs {
		size += int64(len(b))
	}
	return int64(len(m.blobs)), size, nil
}

// sortByCreated orders records oldest first with the file ID as tie breaker.
func sortByCreated(recs []model.FileRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].FileID < recs[j].FileID
		}
		return recs[i].CreatedAt.Before(recs[j].CreatedAt)
	})
}
