// internal/storage/store.go
// Package storage provides the metadata catalog of stored files and the blob table
// used by the embedded strategy, with in-memory and PostgreSQL backends.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/RegistryAccord/registryaccord-filestore-go/internal/model"
)

// Standard errors returned by the storage layer
var (
	ErrNotFound = errors.New("not found") // Returned when a record is not found
	ErrConflict = errors.New("conflict")  // Returned when a uniqueness constraint is violated
)

// Store is the metadata catalog. It owns the uniqueness and status invariants of
// FileRecords independent of where the payload lives.
type Store interface {
	// CreateFile inserts a new Active record. With enforceUnique the record takes part in
	// the (md5, uploader, bucket) uniqueness constraint and a clash yields ErrConflict.
	CreateFile(ctx context.Context, rec model.FileRecord, enforceUnique bool) error
	GetFile(ctx context.Context, fileID string) (*model.FileRecord, error)
	// FindActiveByScope returns the Active record for (md5, uploader, bucket) or ErrNotFound.
	FindActiveByScope(ctx context.Context, md5, uploaderID, bucket string) (*model.FileRecord, error)
	// FindActiveByMD5 lists Active records with the digest, oldest first.
	FindActiveByMD5(ctx context.Context, md5 string, limit int) ([]model.FileRecord, error)

	// MarkDeleted moves an Active record to Deleted. It reports false when the record
	// was already Deleted.
	MarkDeleted(ctx context.Context, fileID string) (bool, error)
	// MarkDeletedBatch is MarkDeleted over many ids in one transaction and returns the
	// ids of the records that actually transitioned.
	MarkDeletedBatch(ctx context.Context, fileIDs []string) ([]string, error)
	// ReplaceFile moves supersededID to Deleted and inserts rec as one unit: on error
	// neither change is applied. It reports whether supersededID was still Active.
	ReplaceFile(ctx context.Context, supersededID string, rec model.FileRecord, enforceUnique bool) (bool, error)

	// RecordAccess bumps accessCount and lastAccessedAt of an Active record.
	RecordAccess(ctx context.Context, fileID string, at time.Time) error
	AppendAccessLog(ctx context.Context, entry model.AccessLogEntry) error
	ListAccessLogs(ctx context.Context, fileID string, limit int) ([]model.AccessLogEntry, error)

	// ListExpired returns Active records in bucket created strictly before cutoff.
	ListExpired(ctx context.Context, bucket string, cutoff time.Time, limit int) ([]model.FileRecord, error)

	Ping(ctx context.Context) error
	Close()
}

// BlobStore keeps payloads next to the metadata for the embedded strategy.
type BlobStore interface {
	// PutBlob stores the payload under fileID, replacing any previous payload.
	PutBlob(ctx context.Context, fileID string, payload []byte) error
	GetBlob(ctx context.Context, fileID string) ([]byte, error)
	// DeleteBlob clears the payload. A missing blob is not an error.
	DeleteBlob(ctx context.Context, fileID string) error
	BlobExists(ctx context.Context, fileID string) (bool, error)
	// BlobStats returns the number of stored payloads and their total size.
	BlobStats(ctx context.Context) (count int64, totalSize int64, err error)
}

// clampLimit bounds list sizes the same way for every backend.
func clampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}
