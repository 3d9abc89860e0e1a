// Package service implements the file storage orchestrator. It composes the
// content hasher, the strategy factory and the metadata store, and is the only
// place that decides validation, deduplication, authorization and accounting.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/RegistryAccord/registryaccord-filestore-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-filestore-go/internal/event"
	"github.com/RegistryAccord/registryaccord-filestore-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-filestore-go/internal/model"
	"github.com/RegistryAccord/registryaccord-filestore-go/internal/storage"
	"github.com/RegistryAccord/registryaccord-filestore-go/internal/strategy"
	"github.com/RegistryAccord/registryaccord-filestore-go/internal/telemetry"
)

// maxURLTTL is the longest lifetime S3 accepts for a presigned URL.
const maxURLTTL = 7 * 24 * time.Hour

// sweepBatchSize bounds how many records one retention batch transitions.
const sweepBatchSize = 100

// Options are the policy knobs supplied by configuration.
type Options struct {
	MaxFileSize      int64
	AllowedMimeTypes []string // Exact types or "type/*" wildcards
	DedupEnabled     bool
	DefaultBucket    string
	TempBucket       string
	URLTTL           time.Duration
	OperationTimeout time.Duration
	StoreRetries     int
	Now              func() time.Time // Clock, defaults to time.Now in UTC
}

// FileService is the public contract consumed by every upload, download and delete call site.
type FileService struct {
	store   storage.Store
	factory *strategy.Factory
	signer  *strategy.URLSigner
	events  event.Publisher
	metrics *metrics.Metrics
	tracer  trace.Tracer
	logger  *slog.Logger
	opts    Options
	allowed map[string]bool
	now     func() time.Time
}

// New wires a FileService. A nil publisher disables events.
func New(store storage.Store, factory *strategy.Factory, signer *strategy.URLSigner, events event.Publisher, m *metrics.Metrics, logger *slog.Logger, opts Options) *FileService {
	if events == nil {
		events = event.NewNoop()
	}
	if m == nil {
		m = metrics.NewMetrics()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = 30 * time.Second
	}
	if opts.URLTTL <= 0 {
		opts.URLTTL = time.Hour
	}

	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	allowed := make(map[string]bool, len(opts.AllowedMimeTypes))
	for _, t := range opts.AllowedMimeTypes {
		allowed[strings.ToLower(strings.TrimSpace(t))] = true
	}

	return &FileService{
		store:   store,
		factory: factory,
		signer:  signer,
		events:  events,
		metrics: m,
		tracer:  telemetry.Tracer("filestore/service"),
		logger:  logger.With("component", "file-service"),
		opts:    opts,
		allowed: allowed,
		now:     now,
	}
}

// mimeAllowed checks a normalized MIME type against the allow-list.
func (s *FileService) mimeAllowed(mt string) bool {
	if s.allowed[mt] {
		return true
	}
	if i := strings.IndexByte(mt, '/'); i > 0 {
		return s.allowed[mt[:i]+"/*"]
	}
	return false
}

// normalizeMime lower-cases a MIME type and strips its parameters.
func normalizeMime(v string) string {
	mt, _, err := mime.ParseMediaType(v)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(v))
	}
	return mt
}

// strategyFor resolves the strategy that holds rec's payload.
func (s *FileService) strategyFor(rec model.FileRecord) (strategy.Strategy, error) {
	strat, err := s.factory.Get(rec.StorageType)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.FS_BACKEND_UNAVAILABLE,
			fmt.Sprintf("storage strategy %q is not available", rec.StorageType), err)
	}
	return strat, nil
}

// physical runs one bounded backend call and records its metrics.
func (s *FileService) physical(ctx context.Context, strat strategy.Strategy, op string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.OperationTimeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	s.metrics.ObserveStorage(strat.Type(), op, start, err)
	return err
}

// lookup loads a record and maps absence to FS_NOT_FOUND. Deleted records are
// returned as found; callers decide what Deleted means for them.
func (s *FileService) lookup(ctx context.Context, fileID string) (*model.FileRecord, error) {
	if strings.TrimSpace(fileID) == "" {
		return nil, apperrors.New(apperrors.FS_VALIDATION, "fileId is required", "")
	}
	rec, err := s.store.GetFile(ctx, fileID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperrors.New(apperrors.FS_NOT_FOUND, "file not found", "")
		}
		return nil, backendError("metadata lookup", err)
	}
	return rec, nil
}

// lookupActive is lookup restricted to Active records.
func (s *FileService) lookupActive(ctx context.Context, fileID string) (*model.FileRecord, error) {
	rec, err := s.lookup(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if !rec.IsActive() {
		return nil, apperrors.New(apperrors.FS_NOT_FOUND, "file not found", "")
	}
	return rec, nil
}

// backendError classifies an I/O failure as FS_TIMEOUT or FS_BACKEND_UNAVAILABLE.
func backendError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.Wrap(apperrors.FS_TIMEOUT, op+" timed out", err)
	}
	return apperrors.Wrap(apperrors.FS_BACKEND_UNAVAILABLE, op+" failed", err)
}

// purge removes a payload after its record left the Active state. Failures are
// logged only: the record is no longer served either way.
func (s *FileService) purge(ctx context.Context, rec model.FileRecord) {
	strat, err := s.strategyFor(rec)
	if err != nil {
		s.logger.Warn("cannot purge payload, strategy unavailable",
			"file_id", rec.FileID, "storage_type", rec.StorageType, "error", err)
		return
	}
	err = s.physical(ctx, strat, "delete", func(ctx context.Context) error {
		return strat.Delete(ctx, rec)
	})
	if err != nil {
		s.logger.Warn("physical delete failed, payload left for reconciliation",
			"file_id", rec.FileID, "storage_type", rec.StorageType, "error", err)
	}
}

// publishDeleted emits a deleted event, logging failures.
func (s *FileService) publishDeleted(ctx context.Context, rec model.FileRecord, reason string) {
	if err := s.events.PublishFileDeleted(ctx, rec, reason); err != nil {
		s.logger.Warn("failed to publish deleted event", "file_id", rec.FileID, "error", err)
	}
}

// publishStored emits a stored event, logging failures.
func (s *FileService) publishStored(ctx context.Context, rec model.FileRecord) {
	if err := s.events.PublishFileStored(ctx, rec); err != nil {
		s.logger.Warn("failed to publish stored event", "file_id", rec.FileID, "error", err)
	}
}

// startSpan opens a span for a service operation.
func (s *FileService) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "FileService."+name, trace.WithAttributes(attrs...))
}

// endSpan records err on span and ends it.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(apperrors.CodeOf(err)))
	}
	span.End()
}
