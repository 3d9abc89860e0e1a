// internal/event/nats.go
// Package event publishes file lifecycle events to NATS JetStream.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/RegistryAccord/registryaccord-filestore-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-filestore-go/internal/model"
)

// Subjects on the RA_FILES stream.
const (
	SubjectStored  = "files.stored"
	SubjectDeleted = "files.deleted"
	SubjectSwept   = "files.swept"
)

// Deletion reasons carried in deleted events.
const (
	ReasonUser      = "user"
	ReasonBatch     = "batch"
	ReasonOverwrite = "overwrite"
	ReasonMoved     = "moved"
	ReasonExpired   = "expired"
)

// Publisher emits file lifecycle events. Publishing is best effort for callers.
type Publisher interface {
	PublishFileStored(ctx context.Context, rec model.FileRecord) error
	PublishFileDeleted(ctx context.Context, rec model.FileRecord, reason string) error
	Close() error
}

// noop is used when NATS is not configured or unreachable.
type noop struct{}

// NewNoop returns a Publisher that drops every event.
func NewNoop() Publisher { return noop{} }

func (noop) PublishFileStored(context.Context, model.FileRecord) error { return nil }

func (noop) PublishFileDeleted(context.Context, model.FileRecord, string) error { return nil }

func (noop) Close() error { return nil }

// natsPub is the NATS JetStream implementation of Publisher.
type natsPub struct {
	nc      *nats.Conn
	js      nats.JetStreamContext
	metrics *metrics.Metrics
}

// NewPublisher connects to url. An empty url or any connection failure yields the
// noop publisher so the service keeps running without events.
func NewPublisher(url string, m *metrics.Metrics) Publisher {
	if url == "" {
		return noop{}
	}

	nc, err := nats.Connect(url, nats.Name("filestored"))
	if err != nil {
		slog.Warn("NATS connect failed, using noop publisher", "error", err)
		return noop{}
	}

	js, err := nc.JetStream()
	if err != nil {
		slog.Warn("NATS JetStream context creation failed, using noop publisher", "error", err)
		nc.Close()
		return noop{}
	}

	if err := initStream(js); err != nil {
		slog.Warn("NATS stream initialization failed, using noop publisher", "error", err)
		nc.Close()
		return noop{}
	}

	return &natsPub{nc: nc, js: js, metrics: m}
}

// initStream creates the RA_FILES stream if it does not exist yet.
func initStream(js nats.JetStreamContext) error {
	if _, err := js.StreamInfo("RA_FILES"); err == nil {
		return nil
	}
	_, err := js.AddStream(&nats.StreamConfig{
		Name:       "RA_FILES",
		Subjects:   []string{"files.*"},
		Retention:  nats.LimitsPolicy,
		MaxAge:     7 * 24 * time.Hour,
		Discard:    nats.DiscardOld,
		Storage:    nats.FileStorage,
		Duplicates: 2 * time.Minute, // JetStream dedup window for Nats-Msg-Id
	})
	if err != nil {
		return fmt.Errorf("failed to create RA_FILES stream: %w", err)
	}
	return nil
}

// EventEnvelope represents the standard event envelope structure.
type EventEnvelope struct {
	Type          string    `json:"type"`
	Version       string    `json:"version"`
	OccurredAt    time.Time `json:"occurredAt"`
	CorrelationID string    `json:"correlationId"`
	Payload       FileEvent `json:"payload"`
}

// FileEvent is the event payload. It omits backend locators.
type FileEvent struct {
	FileID      string             `json:"fileId"`
	UploaderID  string             `json:"uploaderId"`
	Bucket      string             `json:"bucket"`
	MD5         string             `json:"md5"`
	SHA256      string             `json:"sha256"`
	SizeBytes   int64              `json:"sizeBytes"`
	MimeType    string             `json:"mimeType"`
	Category    model.FileCategory `json:"category"`
	StorageType string             `json:"storageType"`
	Reason      string             `json:"reason,omitempty"`
}

// newEnvelope wraps rec for subject.
func newEnvelope(subject string, rec model.FileRecord, reason string, correlationID string) EventEnvelope {
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	return EventEnvelope{
		Type:          subject,
		Version:       "1.0.0",
		OccurredAt:    time.Now().UTC(),
		CorrelationID: correlationID,
		Payload: FileEvent{
			FileID:      rec.FileID,
			UploaderID:  rec.UploaderID,
			Bucket:      rec.Bucket,
			MD5:         rec.MD5,
			SHA256:      rec.SHA256,
			SizeBytes:   rec.SizeBytes,
			MimeType:    rec.MimeType,
			Category:    rec.Category,
			StorageType: rec.StorageType,
			Reason:      reason,
		},
	}
}

// correlationKey is the context key under which the transport stores the request id.
type correlationKey struct{}

// WithCorrelationID attaches a correlation id that events published under ctx will carry.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the id stored by WithCorrelationID, if any.
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

func (p *natsPub) PublishFileStored(ctx context.Context, rec model.FileRecord) error {
	return p.publish(ctx, SubjectStored, rec, "")
}

func (p *natsPub) PublishFileDeleted(ctx context.Context, rec model.FileRecord, reason string) error {
	subject := SubjectDeleted
	if reason == ReasonExpired {
		subject = SubjectSwept
	}
	return p.publish(ctx, subject, rec, reason)
}

// publish sends one envelope. The message id makes redeliveries of the same
// transition collapse inside the stream's duplicate window.
func (p *natsPub) publish(ctx context.Context, subject string, rec model.FileRecord, reason string) (err error) {
	start := time.Now()
	defer func() {
		if p.metrics != nil {
			p.metrics.ObserveEvent(subject, start, err)
		}
	}()

	b, err := json.Marshal(newEnvelope(subject, rec, reason, CorrelationID(ctx)))
	if err != nil {
		return err
	}
	_, err = p.js.Publish(subject, b, nats.MsgId(subject+"."+rec.FileID), nats.Context(ctx))
	return err
}

// Close drains the connection.
func (p *natsPub) Close() error {
	if p.nc != nil {
		return p.nc.Drain()
	}
	return nil
}
