package service

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"

	apperrors "github.com/RegistryAccord/registryaccord-filestore-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-filestore-go/internal/event"
	"github.com/RegistryAccord/registryaccord-filestore-go/internal/model"
	"github.com/RegistryAccord/registryaccord-filestore-go/internal/storage"
)

// Delete soft-deletes a record the operator manages and then purges its payload.
// A purge failure does not undo the status change.
func (s *FileService) Delete(ctx context.Context, fileID string, operator model.Accessor) (ok bool, err error) {
	ctx, span := s.startSpan(ctx, "Delete",
		attribute.String("file.id", fileID),
		attribute.String("operator.id", operator.ID),
	)
	defer func() { endSpan(span, err) }()

	rec, err := s.lookupActive(ctx, fileID)
	if err != nil {
		return false, err
	}
	if !rec.CanBeManagedBy(operator) {
		s.logger.Warn("delete denied", "file_id", fileID, "operator_id", operator.ID, "operator_role", operator.Role)
		return false, apperrors.New(apperrors.FS_FORBIDDEN, "only the uploader or an administrator may delete this file", "")
	}

	changed, err := s.store.MarkDeleted(ctx, fileID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, apperrors.New(apperrors.FS_NOT_FOUND, "file not found", "")
		}
		return false, backendError("soft delete", err)
	}
	if !changed {
		// Lost a race with another delete.
		return false, apperrors.New(apperrors.FS_NOT_FOUND, "file not found", "")
	}

	s.logger.Info("file deleted", "file_id", fileID, "operator_id", operator.ID)
	s.purge(ctx, *rec)
	s.publishDeleted(ctx, *rec, event.ReasonUser)
	return true, nil
}

// BatchDelete authorizes every listed record before touching any of them. One
// unauthorized record fails the whole batch. Unknown or already deleted IDs are
// skipped. It returns the number of records that transitioned to Deleted.
func (s *FileService) BatchDelete(ctx context.Context, fileIDs []string, operator model.Accessor) (n int, err error) {
	ctx, span := s.startSpan(ctx, "BatchDelete",
		attribute.Int("batch.size", len(fileIDs)),
		attribute.String("operator.id", operator.ID),
	)
	defer func() { endSpan(span, err) }()

	if len(fileIDs) == 0 {
		return 0, apperrors.New(apperrors.FS_VALIDATION, "fileIds must not be empty", "")
	}

	seen := make(map[string]bool, len(fileIDs))
	targets := make([]model.FileRecord, 0, len(fileIDs))
	for _, id := range fileIDs {
		if seen[id] {
			continue
		}
		seen[id] = true

		rec, err := s.lookupActive(ctx, id)
		if err != nil {
			if apperrors.HasCode(err, apperrors.FS_NOT_FOUND) || apperrors.HasCode(err, apperrors.FS_VALIDATION) {
				continue
			}
			return 0, err
		}
		if !rec.CanBeManagedBy(operator) {
			return 0, apperrors.NewWithDetails(apperrors.FS_FORBIDDEN, "batch contains a file the operator may not delete", "",
				map[string]string{"fileId": id})
		}
		targets = append(targets, *rec)
	}
	if len(targets) == 0 {
		return 0, nil
	}

	n, err = s.transition(ctx, targets, event.ReasonBatch)
	if err != nil {
		return 0, err
	}
	s.logger.Info("batch delete completed", "requested", len(fileIDs), "deleted", n, "operator_id", operator.ID)
	return n, nil
}

// CleanExpiredTempFiles soft-deletes temporary-bucket records created more than
// ttlHours ago. Only records older than the cutoff computed at the start are
// touched, so uploads that land during the sweep survive it.
func (s *FileService) CleanExpiredTempFiles(ctx context.Context, ttlHours int) (total int, err error) {
	ctx, span := s.startSpan(ctx, "CleanExpiredTempFiles",
		attribute.Int("ttl.hours", ttlHours),
		attribute.String("bucket", s.opts.TempBucket),
	)
	defer func() { endSpan(span, err) }()

	if ttlHours <= 0 {
		return 0, apperrors.New(apperrors.FS_VALIDATION, "ttlHours must be positive", "")
	}
	if s.opts.TempBucket == "" {
		return 0, nil
	}

	cutoff := s.now().Add(-time.Duration(ttlHours) * time.Hour)
	for {
		if err := ctx.Err(); err != nil {
			return total, backendError("retention sweep", err)
		}
		batch, err := s.store.ListExpired(ctx, s.opts.TempBucket, cutoff, sweepBatchSize)
		if err != nil {
			return total, backendError("expired lookup", err)
		}
		if len(batch) == 0 {
			break
		}
		n, err := s.transition(ctx, batch, event.ReasonExpired)
		if err != nil {
			return total, err
		}
		total += n
		if n == 0 || len(batch) < sweepBatchSize {
			break
		}
	}

	if total > 0 {
		s.logger.Info("expired temporary files cleaned", "bucket", s.opts.TempBucket, "count", total, "cutoff", cutoff)
	}
	return total, nil
}

// transition soft-deletes recs in one batch, then purges the payloads and
// announces the deletions of the records that actually changed. Records deleted
// concurrently are left to whoever deleted them.
func (s *FileService) transition(ctx context.Context, recs []model.FileRecord, reason string) (int, error) {
	ids := make([]string, len(recs))
	for i, r := range recs {
		ids[i] = r.FileID
	}
	changed, err := s.store.MarkDeletedBatch(ctx, ids)
	if err != nil {
		return 0, backendError("batch soft delete", err)
	}

	done := make(map[string]bool, len(changed))
	for _, id := range changed {
		done[id] = true
	}
	for _, r := range recs {
		if !done[r.FileID] {
			continue
		}
		s.purge(ctx, r)
		s.publishDeleted(ctx, r, reason)
	}
	return len(changed), nil
}
