// Package strategy implements the physical storage backends behind one contract.
// A strategy only moves bytes. It never touches FileRecord metadata.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/RegistryAccord/registryaccord-filestore-go/internal/model"
)

// Registered strategy names.
const (
	TypeEmbedded = "embedded"
	TypeS3       = "s3"
)

var (
	// ErrObjectNotFound means the payload is absent from the backend.
	ErrObjectNotFound = errors.New("object not found")
	// ErrUnknownStrategy is returned for names with no registered implementation.
	ErrUnknownStrategy = errors.New("unknown storage strategy")
)

// Strategy is the physical read/write/delete/URL contract over one backend.
//
// Store must be idempotent for a given file ID: implementations key the physical
// object on FileID, so storing the same record twice converges on one object and
// returns the same locator.
type Strategy interface {
	// Type returns the registry name of the strategy.
	Type() string

	// Store persists payload and returns the locator to record in StoragePath.
	Store(ctx context.Context, rec model.FileRecord, payload []byte) (string, error)
	// Retrieve returns the payload or ErrObjectNotFound.
	Retrieve(ctx context.Context, rec model.FileRecord) ([]byte, error)
	// Delete removes the payload. An absent payload counts as success.
	Delete(ctx context.Context, rec model.FileRecord) error
	Exists(ctx context.Context, rec model.FileRecord) (bool, error)

	// AccessURL returns a time-bounded URL that serves the payload inline.
	AccessURL(ctx context.Context, rec model.FileRecord, ttl time.Duration) (string, error)
	// DownloadURL returns a time-bounded URL that serves the payload as an attachment.
	DownloadURL(ctx context.Context, rec model.FileRecord, ttl time.Duration) (string, error)

	// Copy duplicates the payload of src under dst and returns the locator of dst.
	Copy(ctx context.Context, src, dst model.FileRecord) (string, error)
	// Move is Copy followed by Delete of src.
	Move(ctx context.Context, src, dst model.FileRecord) (string, error)

	// ValidateConfiguration is a readiness probe. It never fails, it returns false.
	ValidateConfiguration(ctx context.Context) bool
	// Statistics is best effort. Unknown figures are zero.
	Statistics(ctx context.Context) model.StorageStatistics
}

// move implements Move in terms of Copy and Delete for any strategy.
func move(ctx context.Context, s Strategy, src, dst model.FileRecord) (string, error) {
	locator, err := s.Copy(ctx, src, dst)
	if err != nil {
		return "", err
	}
	if err := s.Delete(ctx, src); err != nil {
		return locator, fmt.Errorf("copied to %s but failed to remove source: %w", locator, err)
	}
	return locator, nil
}

// usage fills in the derived fields of a statistics snapshot.
func usage(files, size, capacity int64) model.StorageStatistics {
	st := model.StorageStatistics{TotalFiles: files, TotalSize: size}
	if capacity > 0 {
		st.AvailableSpace = max(capacity-size, 0)
		st.UsagePercentage = float64(size) / float64(capacity) * 100
	}
	return st
}
