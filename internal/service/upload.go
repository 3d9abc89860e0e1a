package service

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"

	apperrors "github.com/RegistryAccord/registryaccord-filestore-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-filestore-go/internal/event"
	"github.com/RegistryAccord/registryaccord-filestore-go/internal/hasher"
	"github.com/RegistryAccord/registryaccord-filestore-go/internal/model"
	"github.com/RegistryAccord/registryaccord-filestore-go/internal/storage"
	"github.com/RegistryAccord/registryaccord-filestore-go/internal/strategy"
)

// UploadResult is returned by Upload.
type UploadResult struct {
	File         model.FileInfo `json:"file"`
	Deduplicated bool           `json:"deduplicated"` // True when an existing record was returned
}

// Upload validates and stores payload. With dedup enabled a duplicate of an Active
// record in the same (uploader, bucket) scope resolves to that record with no
// physical write. Overwrite supersedes the duplicate instead.
func (s *FileService) Upload(ctx context.Context, payload []byte, req model.UploadRequest) (res *UploadResult, err error) {
	ctx, span := s.startSpan(ctx, "Upload",
		attribute.String("uploader.id", req.Uploader.ID),
		attribute.Int("payload.size", len(payload)),
	)
	defer func() { endSpan(span, err) }()

	rec, err := s.validateUpload(payload, req)
	if err != nil {
		s.metrics.UploadTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	digest := hasher.Sum(payload)
	rec.MD5 = digest.MD5
	rec.SHA256 = digest.SHA256
	rec.SizeBytes = digest.Size

	var superseded *model.FileRecord
	if s.opts.DedupEnabled || req.Overwrite {
		existing, err := s.store.FindActiveByScope(ctx, rec.MD5, rec.UploaderID, rec.Bucket)
		switch {
		case err == nil && !req.Overwrite:
			s.metrics.UploadTotal.WithLabelValues("deduplicated").Inc()
			s.logger.Info("upload deduplicated", "file_id", existing.FileID, "uploader_id", rec.UploaderID, "bucket", rec.Bucket)
			return &UploadResult{File: s.info(ctx, *existing), Deduplicated: true}, nil
		case err == nil:
			superseded = existing
		case !errors.Is(err, storage.ErrNotFound):
			s.metrics.UploadTotal.WithLabelValues("failed").Inc()
			return nil, backendError("dedup lookup", err)
		}
	}

	strat := s.factory.Current()
	rec.FileID = ulid.Make().String()
	rec.StoredName = rec.FileID + rec.Extension
	rec.StorageType = strat.Type()
	rec.CreatedAt = s.now()
	rec.UpdatedAt = rec.CreatedAt
	span.SetAttributes(attribute.String("file.id", rec.FileID), attribute.String("storage.type", rec.StorageType))

	locator, err := s.storeWithRetry(ctx, strat, *rec, payload)
	if err != nil {
		s.metrics.UploadTotal.WithLabelValues("failed").Inc()
		return nil, err
	}
	rec.StoragePath = locator

	// An overwrite swaps the records in one step so a failed insert keeps the original.
	replaced := false
	var ierr error
	if superseded != nil {
		replaced, ierr = s.store.ReplaceFile(ctx, superseded.FileID, *rec, s.opts.DedupEnabled)
	} else {
		ierr = s.store.CreateFile(ctx, *rec, s.opts.DedupEnabled)
	}
	if ierr != nil {
		s.discard(ctx, strat, *rec)
		if errors.Is(ierr, storage.ErrConflict) {
			// A concurrent upload of the same content won the insert.
			if existing, ferr := s.store.FindActiveByScope(ctx, rec.MD5, rec.UploaderID, rec.Bucket); ferr == nil {
				s.metrics.UploadTotal.WithLabelValues("deduplicated").Inc()
				return &UploadResult{File: s.info(ctx, *existing), Deduplicated: true}, nil
			}
		}
		s.metrics.UploadTotal.WithLabelValues("failed").Inc()
		return nil, backendError("metadata insert", ierr)
	}

	if replaced {
		s.purge(ctx, *superseded)
		s.publishDeleted(ctx, *superseded, event.ReasonOverwrite)
	}

	s.metrics.UploadTotal.WithLabelValues("stored").Inc()
	s.metrics.UploadBytes.Add(float64(rec.SizeBytes))
	s.logger.Info("file stored",
		"file_id", rec.FileID,
		"uploader_id", rec.UploaderID,
		"bucket", rec.Bucket,
		"size", rec.SizeBytes,
		"storage_type", rec.StorageType,
	)
	s.publishStored(ctx, *rec)

	rec.Status = model.StatusActive
	return &UploadResult{File: s.info(ctx, *rec)}, nil
}

// validateUpload checks the request and returns a record carrying the descriptive
// fields. No state is touched.
func (s *FileService) validateUpload(payload []byte, req model.UploadRequest) (*model.FileRecord, error) {
	if strings.TrimSpace(req.Uploader.ID) == "" {
		return nil, apperrors.New(apperrors.FS_VALIDATION, "uploader is required", "")
	}

	name := strings.TrimSpace(path.Base(strings.ReplaceAll(req.OriginalName, `\`, "/")))
	if name == "" || name == "." || name == "/" {
		return nil, apperrors.New(apperrors.FS_VALIDATION, "file name is required", "")
	}

	if len(payload) == 0 {
		return nil, apperrors.New(apperrors.FS_VALIDATION, "payload is empty", "")
	}
	if int64(len(payload)) > s.opts.MaxFileSize {
		return nil, apperrors.NewWithDetails(apperrors.FS_MEDIA_SIZE, "payload exceeds the maximum file size", "",
			map[string]int64{"size": int64(len(payload)), "maxSize": s.opts.MaxFileSize})
	}
	if req.DeclaredSize > 0 && req.DeclaredSize != int64(len(payload)) {
		return nil, apperrors.NewWithDetails(apperrors.FS_VALIDATION, "declared size does not match the payload", "",
			map[string]int64{"declared": req.DeclaredSize, "received": int64(len(payload))})
	}

	mimeType := normalizeMime(req.MimeType)
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = normalizeMime(mimetype.Detect(payload).String())
	}
	if !s.mimeAllowed(mimeType) {
		return nil, apperrors.NewWithDetails(apperrors.FS_MEDIA_TYPE, "MIME type not allowed", "",
			map[string]string{"mimeType": mimeType})
	}

	ext := strings.ToLower(path.Ext(name))
	if ext == "" {
		if m := mimetype.Lookup(mimeType); m != nil {
			ext = m.Extension()
		}
	}

	bucket := strings.TrimSpace(req.Bucket)
	if bucket == "" {
		bucket = s.opts.DefaultBucket
	}

	return &model.FileRecord{
		OriginalName: name,
		MimeType:     mimeType,
		Extension:    ext,
		Category:     model.CategoryFromMimeType(mimeType),
		UploaderID:   req.Uploader.ID,
		UploaderRole: req.Uploader.Role,
		Bucket:       bucket,
		IsPublic:     req.IsPublic,
		Status:       model.StatusActive,
	}, nil
}

// storeWithRetry calls Store until it succeeds or attempts run out. Store is
// keyed on the file ID, so a repeat after a partial failure overwrites rather
// than duplicates.
func (s *FileService) storeWithRetry(ctx context.Context, strat strategy.Strategy, rec model.FileRecord, payload []byte) (string, error) {
	var (
		locator string
		err     error
	)
	for attempt := 0; attempt <= s.opts.StoreRetries; attempt++ {
		if attempt > 0 {
			s.logger.Warn("retrying physical store", "file_id", rec.FileID, "attempt", attempt, "error", err)
			select {
			case <-ctx.Done():
				return "", backendError("physical store", ctx.Err())
			case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
			}
		}
		err = s.physical(ctx, strat, "store", func(ctx context.Context) error {
			var serr error
			locator, serr = strat.Store(ctx, rec, payload)
			return serr
		})
		if err == nil {
			return locator, nil
		}
		if ctx.Err() != nil {
			break
		}
	}
	return "", backendError(fmt.Sprintf("physical store on %s", strat.Type()), err)
}

// discard removes a payload whose metadata row was never committed.
func (s *FileService) discard(ctx context.Context, strat strategy.Strategy, rec model.FileRecord) {
	err := s.physical(ctx, strat, "delete", func(ctx context.Context) error {
		return strat.Delete(ctx, rec)
	})
	if err != nil {
		s.logger.Warn("failed to discard orphaned payload", "file_id", rec.FileID, "error", err)
	}
}
