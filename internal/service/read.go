package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	apperrors "github.com/RegistryAccord/registryaccord-filestore-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-filestore-go/internal/hasher"
	"github.com/RegistryAccord/registryaccord-filestore-go/internal/model"
	"github.com/RegistryAccord/registryaccord-filestore-go/internal/storage"
	"github.com/RegistryAccord/registryaccord-filestore-go/internal/strategy"
)

// Content is the result of a read: the projection plus the payload.
type Content struct {
	File        model.FileInfo
	Data        []byte
	Disposition strategy.Disposition
}

// Download returns the payload of an Active record as an attachment and records the access.
func (s *FileService) Download(ctx context.Context, fileID string, accessor model.Accessor) (*Content, error) {
	return s.read(ctx, "Download", fileID, accessor, model.AccessDownload, func(rec model.FileRecord) bool {
		return rec.CanBeReadBy(accessor)
	})
}

// View is Download served inline. It is logged as a view.
func (s *FileService) View(ctx context.Context, fileID string, accessor model.Accessor) (*Content, error) {
	return s.read(ctx, "View", fileID, accessor, model.AccessView, func(rec model.FileRecord) bool {
		return rec.CanBeReadBy(accessor)
	})
}

// ReadSigned serves a read authorized by a blob URL token instead of the accessor identity.
func (s *FileService) ReadSigned(ctx context.Context, fileID, token string, accessor model.Accessor) (*Content, error) {
	if s.signer == nil {
		return nil, apperrors.New(apperrors.FS_AUTHN, "signed access is not enabled", "")
	}
	disp, err := s.signer.Verify(fileID, token)
	switch {
	case errors.Is(err, strategy.ErrTokenExpired):
		return nil, apperrors.New(apperrors.FS_JWT_EXPIRED, "access link expired", "")
	case err != nil:
		return nil, apperrors.New(apperrors.FS_AUTHN, "invalid access link", "")
	}

	accessType := model.AccessView
	if disp == strategy.DispositionAttachment {
		accessType = model.AccessDownload
	}
	return s.read(ctx, "ReadSigned", fileID, accessor, accessType, func(model.FileRecord) bool { return true })
}

func (s *FileService) read(ctx context.Context, op, fileID string, accessor model.Accessor, accessType model.AccessType, authorize func(model.FileRecord) bool) (c *Content, err error) {
	ctx, span := s.startSpan(ctx, op,
		attribute.String("file.id", fileID),
		attribute.String("accessor.id", accessor.ID),
	)
	defer func() { endSpan(span, err) }()

	rec, err := s.lookupActive(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if !authorize(*rec) {
		return nil, apperrors.New(apperrors.FS_FORBIDDEN, "access to file denied", "")
	}

	strat, err := s.strategyFor(*rec)
	if err != nil {
		return nil, err
	}

	var data []byte
	err = s.physical(ctx, strat, "retrieve", func(ctx context.Context) error {
		var rerr error
		data, rerr = strat.Retrieve(ctx, *rec)
		return rerr
	})
	if err != nil {
		if errors.Is(err, strategy.ErrObjectNotFound) {
			s.logger.Error("payload missing for active record",
				"file_id", rec.FileID, "storage_type", rec.StorageType, "storage_path", rec.StoragePath)
			return nil, apperrors.Wrap(apperrors.FS_INTEGRITY, "stored payload is missing", err)
		}
		return nil, backendError("physical retrieve", err)
	}

	s.account(ctx, rec, accessor, accessType)

	disp := strategy.DispositionInline
	if accessType == model.AccessDownload {
		disp = strategy.DispositionAttachment
	}
	return &Content{File: s.info(ctx, *rec), Data: data, Disposition: disp}, nil
}

// account records a successful read. Failures are logged and never surface.
func (s *FileService) account(ctx context.Context, rec *model.FileRecord, accessor model.Accessor, accessType model.AccessType) {
	now := s.now()
	if err := s.store.RecordAccess(ctx, rec.FileID, now); err != nil {
		s.logger.Warn("failed to record access", "file_id", rec.FileID, "error", err)
	} else {
		rec.AccessCount++
		rec.LastAccessedAt = &now
	}

	entry := model.AccessLogEntry{
		ID:           uuid.NewString(),
		FileID:       rec.FileID,
		AccessorID:   accessor.ID,
		AccessorRole: accessor.Role,
		AccessorIP:   accessor.IP,
		UserAgent:    accessor.UserAgent,
		Referer:      accessor.Referer,
		AccessType:   accessType,
		AccessedAt:   now,
	}
	if err := s.store.AppendAccessLog(ctx, entry); err != nil {
		s.logger.Warn("failed to append access log", "file_id", rec.FileID, "error", err)
	}
	s.metrics.AccessTotal.WithLabelValues(string(accessType)).Inc()
}

// GetFileInfo returns the projection of an Active record the accessor may read.
func (s *FileService) GetFileInfo(ctx context.Context, fileID string, accessor model.Accessor) (*model.FileInfo, error) {
	rec, err := s.lookupActive(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if !rec.CanBeReadBy(accessor) {
		return nil, apperrors.New(apperrors.FS_FORBIDDEN, "access to file denied", "")
	}
	info := s.info(ctx, *rec)
	return &info, nil
}

// GetFileByMD5 returns the oldest Active record with the digest that the accessor
// may read, or nil when there is none.
func (s *FileService) GetFileByMD5(ctx context.Context, md5 string, accessor model.Accessor) (*model.FileInfo, error) {
	if !hasher.ValidMD5(md5) {
		return nil, apperrors.New(apperrors.FS_VALIDATION, "md5 must be 32 hex characters", "")
	}
	recs, err := s.store.FindActiveByMD5(ctx, strings.ToLower(md5), 50)
	if err != nil {
		return nil, backendError("md5 lookup", err)
	}
	for _, rec := range recs {
		if rec.CanBeReadBy(accessor) {
			info := s.info(ctx, rec)
			return &info, nil
		}
	}
	return nil, nil
}

// GenerateAccessURL returns an inline URL for the record, valid for ttlMinutes.
// A non-positive ttl uses the configured default.
func (s *FileService) GenerateAccessURL(ctx context.Context, fileID string, accessor model.Accessor, ttlMinutes int) (string, error) {
	return s.generateURL(ctx, fileID, accessor, ttlMinutes, strategy.DispositionInline)
}

// GenerateDownloadURL returns an attachment URL for the record, valid for ttlMinutes.
func (s *FileService) GenerateDownloadURL(ctx context.Context, fileID string, accessor model.Accessor, ttlMinutes int) (string, error) {
	return s.generateURL(ctx, fileID, accessor, ttlMinutes, strategy.DispositionAttachment)
}

func (s *FileService) generateURL(ctx context.Context, fileID string, accessor model.Accessor, ttlMinutes int, disp strategy.Disposition) (string, error) {
	rec, err := s.lookupActive(ctx, fileID)
	if err != nil {
		return "", err
	}
	if !rec.CanBeReadBy(accessor) {
		return "", apperrors.New(apperrors.FS_FORBIDDEN, "access to file denied", "")
	}
	strat, err := s.strategyFor(*rec)
	if err != nil {
		return "", err
	}

	ttl := s.ttl(ttlMinutes)
	var u string
	err = s.physical(ctx, strat, "sign", func(ctx context.Context) error {
		var uerr error
		if disp == strategy.DispositionAttachment {
			u, uerr = strat.DownloadURL(ctx, *rec, ttl)
		} else {
			u, uerr = strat.AccessURL(ctx, *rec, ttl)
		}
		return uerr
	})
	if err != nil {
		return "", backendError("url generation", err)
	}
	return u, nil
}

// ListAccessLogs returns the newest audit entries of a record. Only the uploader
// and administrators may read them. Deleted records keep their history.
func (s *FileService) ListAccessLogs(ctx context.Context, fileID string, accessor model.Accessor, limit int) ([]model.AccessLogEntry, error) {
	rec, err := s.lookup(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if !rec.CanBeManagedBy(accessor) {
		return nil, apperrors.New(apperrors.FS_FORBIDDEN, "access log restricted to owner or admin", "")
	}
	entries, err := s.store.ListAccessLogs(ctx, fileID, limit)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return []model.AccessLogEntry{}, nil
		}
		return nil, backendError("access log lookup", err)
	}
	return entries, nil
}

// ttl converts minutes to a duration, falling back to the default and capping at maxURLTTL.
func (s *FileService) ttl(minutes int) time.Duration {
	if minutes <= 0 {
		return min(s.opts.URLTTL, maxURLTTL)
	}
	return min(time.Duration(minutes)*time.Minute, maxURLTTL)
}

// info projects rec with default-lifetime URLs. Active records only carry URLs;
// URL failures leave them empty.
func (s *FileService) info(ctx context.Context, rec model.FileRecord) model.FileInfo {
	if !rec.IsActive() {
		return model.NewFileInfo(rec, "", "")
	}
	strat, err := s.strategyFor(rec)
	if err != nil {
		return model.NewFileInfo(rec, "", "")
	}
	ttl := s.ttl(0)
	access, err := strat.AccessURL(ctx, rec, ttl)
	if err != nil {
		s.logger.Warn("failed to generate access url", "file_id", rec.FileID, "error", err)
	}
	download, err := strat.DownloadURL(ctx, rec, ttl)
	if err != nil {
		s.logger.Warn("failed to generate download url", "file_id", rec.FileID, "error", err)
	}
	return model.NewFileInfo(rec, access, download)
}
