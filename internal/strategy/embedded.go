package strategy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/RegistryAccord/registryaccord-filestore-go/internal/model"
	"github.com/RegistryAccord/registryaccord-filestore-go/internal/storage"
)

// Embedded keeps payloads in the metadata database. Its URLs are signed service
// endpoints since the blob is not independently addressable.
type Embedded struct {
	blobs    storage.BlobStore
	signer   *URLSigner
	capacity int64 // Zero means unknown
}

// NewEmbedded creates the embedded blob strategy. capacity is the optional quota
// used for statistics.
func NewEmbedded(blobs storage.BlobStore, signer *URLSigner, capacity int64) *Embedded {
	return &Embedded{blobs: blobs, signer: signer, capacity: capacity}
}

func (e *Embedded) Type() string { return TypeEmbedded }

func (e *Embedded) locator(fileID string) string {
	return "db://file_payloads/" + fileID
}

func (e *Embedded) Store(ctx context.Context, rec model.FileRecord, payload []byte) (string, error) {
	if err := e.blobs.PutBlob(ctx, rec.FileID, payload); err != nil {
		return "", err
	}
	return e.locator(rec.FileID), nil
}

func (e *Embedded) Retrieve(ctx context.Context, rec model.FileRecord) ([]byte, error) {
	b, err := e.blobs.GetBlob(ctx, rec.FileID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrObjectNotFound
	}
	return b, err
}

func (e *Embedded) Delete(ctx context.Context, rec model.FileRecord) error {
	return e.blobs.DeleteBlob(ctx, rec.FileID)
}

func (e *Embedded) Exists(ctx context.Context, rec model.FileRecord) (bool, error) {
	return e.blobs.BlobExists(ctx, rec.FileID)
}

func (e *Embedded) AccessURL(ctx context.Context, rec model.FileRecord, ttl time.Duration) (string, error) {
	return e.signer.Sign(rec.FileID, DispositionInline, ttl)
}

func (e *Embedded) DownloadURL(ctx context.Context, rec model.FileRecord, ttl time.Duration) (string, error) {
	return e.signer.Sign(rec.FileID, DispositionAttachment, ttl)
}

func (e *Embedded) Copy(ctx context.Context, src, dst model.FileRecord) (string, error) {
	b, err := e.Retrieve(ctx, src)
	if err != nil {
		return "", fmt.Errorf("read source %s: %w", src.FileID, err)
	}
	return e.Store(ctx, dst, b)
}

func (e *Embedded) Move(ctx context.Context, src, dst model.FileRecord) (string, error) {
	return move(ctx, e, src, dst)
}

// ValidateConfiguration probes the blob table.
func (e *Embedded) ValidateConfiguration(ctx context.Context) bool {
	if e.blobs == nil || e.signer == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, _, err := e.blobs.BlobStats(ctx)
	return err == nil
}

func (e *Embedded) Statistics(ctx context.Context) model.StorageStatistics {
	count, size, err := e.blobs.BlobStats(ctx)
	if err != nil {
		return model.StorageStatistics{}
	}
	return usage(count, size, e.capacity)
}
