package service

import (
	"context"
	"errors"
	"strings"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"

	apperrors "github.com/RegistryAccord/registryaccord-filestore-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-filestore-go/internal/event"
	"github.com/RegistryAccord/registryaccord-filestore-go/internal/model"
	"github.com/RegistryAccord/registryaccord-filestore-go/internal/storage"
)

// CopyFile duplicates an Active record into targetBucket. The copy keeps the
// original uploader and lives on the same strategy as its source. With dedup
// enabled, content the uploader already holds in targetBucket resolves to that
// record and nothing is copied.
func (s *FileService) CopyFile(ctx context.Context, fileID, targetBucket string, operator model.Accessor) (info *model.FileInfo, err error) {
	ctx, span := s.startSpan(ctx, "CopyFile",
		attribute.String("file.id", fileID),
		attribute.String("target.bucket", targetBucket),
	)
	defer func() { endSpan(span, err) }()

	_, dst, err := s.duplicate(ctx, fileID, targetBucket, operator)
	if err != nil {
		return nil, err
	}
	if dst.created {
		s.logger.Info("file copied", "file_id", fileID, "copy_id", dst.rec.FileID, "bucket", dst.rec.Bucket)
		s.publishStored(ctx, dst.rec)
	} else {
		s.logger.Info("copy deduplicated", "file_id", fileID, "existing_id", dst.rec.FileID, "bucket", dst.rec.Bucket)
	}
	out := s.info(ctx, dst.rec)
	return &out, nil
}

// MoveFile copies a record into targetBucket and soft-deletes the source.
func (s *FileService) MoveFile(ctx context.Context, fileID, targetBucket string, operator model.Accessor) (info *model.FileInfo, err error) {
	ctx, span := s.startSpan(ctx, "MoveFile",
		attribute.String("file.id", fileID),
		attribute.String("target.bucket", targetBucket),
	)
	defer func() { endSpan(span, err) }()

	src, dst, err := s.duplicate(ctx, fileID, targetBucket, operator)
	if err != nil {
		return nil, err
	}
	changed, err := s.store.MarkDeleted(ctx, src.FileID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		// The copy stands; the caller sees a failure and may retry the delete.
		return nil, backendError("soft delete of moved source", err)
	}
	if !changed {
		// The source was deleted concurrently, so there is nothing left to move.
		s.undoCopy(ctx, dst)
		return nil, apperrors.New(apperrors.FS_NOT_FOUND, "file not found", "")
	}

	s.logger.Info("file moved", "file_id", fileID, "new_file_id", dst.rec.FileID, "bucket", dst.rec.Bucket)
	s.purge(ctx, *src)
	if dst.created {
		s.publishStored(ctx, dst.rec)
	}
	s.publishDeleted(ctx, *src, event.ReasonMoved)
	out := s.info(ctx, dst.rec)
	return &out, nil
}

// copyTarget is the record a copy resolved to. created is false when an
// existing record in the target scope was reused.
type copyTarget struct {
	rec     model.FileRecord
	created bool
}

// duplicate copies the payload of fileID and inserts the new record, or returns
// the Active duplicate the uploader already has in targetBucket.
func (s *FileService) duplicate(ctx context.Context, fileID, targetBucket string, operator model.Accessor) (*model.FileRecord, *copyTarget, error) {
	targetBucket = strings.TrimSpace(targetBucket)
	if targetBucket == "" {
		return nil, nil, apperrors.New(apperrors.FS_VALIDATION, "targetBucket is required", "")
	}

	src, err := s.lookupActive(ctx, fileID)
	if err != nil {
		return nil, nil, err
	}
	if !src.CanBeManagedBy(operator) {
		return nil, nil, apperrors.New(apperrors.FS_FORBIDDEN, "only the uploader or an administrator may copy this file", "")
	}
	if src.Bucket == targetBucket {
		return nil, nil, apperrors.New(apperrors.FS_VALIDATION, "targetBucket must differ from the current bucket", "")
	}

	if s.opts.DedupEnabled {
		existing, err := s.store.FindActiveByScope(ctx, src.MD5, src.UploaderID, targetBucket)
		switch {
		case err == nil:
			return src, &copyTarget{rec: *existing}, nil
		case !errors.Is(err, storage.ErrNotFound):
			return nil, nil, backendError("dedup lookup", err)
		}
	}

	strat, err := s.strategyFor(*src)
	if err != nil {
		return nil, nil, err
	}

	dst := *src
	dst.FileID = ulid.Make().String()
	dst.StoredName = dst.FileID + dst.Extension
	dst.StoragePath = ""
	dst.Bucket = targetBucket
	dst.Status = model.StatusActive
	dst.AccessCount = 0
	dst.LastAccessedAt = nil
	dst.CreatedAt = s.now()
	dst.UpdatedAt = dst.CreatedAt

	var locator string
	err = s.physical(ctx, strat, "copy", func(ctx context.Context) error {
		var cerr error
		locator, cerr = strat.Copy(ctx, *src, dst)
		return cerr
	})
	if err != nil {
		return nil, nil, backendError("physical copy", err)
	}
	dst.StoragePath = locator

	if err := s.store.CreateFile(ctx, dst, s.opts.DedupEnabled); err != nil {
		s.discard(ctx, strat, dst)
		if errors.Is(err, storage.ErrConflict) && s.opts.DedupEnabled {
			// A concurrent upload or copy filled the target scope first.
			if existing, ferr := s.store.FindActiveByScope(ctx, src.MD5, src.UploaderID, targetBucket); ferr == nil {
				return src, &copyTarget{rec: *existing}, nil
			}
		}
		return nil, nil, backendError("metadata insert", err)
	}
	return src, &copyTarget{rec: dst, created: true}, nil
}

// undoCopy withdraws a record created by duplicate. Reused records are left alone.
func (s *FileService) undoCopy(ctx context.Context, dst *copyTarget) {
	if !dst.created {
		return
	}
	if _, err := s.store.MarkDeleted(ctx, dst.rec.FileID); err != nil {
		s.logger.Warn("failed to withdraw copy of vanished source", "file_id", dst.rec.FileID, "error", err)
		return
	}
	s.purge(ctx, dst.rec)
}
