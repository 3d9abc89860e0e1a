// Package conformance provides an end-to-end harness that drives the file storage
// service through its HTTP surface.
package conformance

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/RegistryAccord/registryaccord-filestore-go/internal/event"
	"github.com/RegistryAccord/registryaccord-filestore-go/internal/jwks"
	"github.com/RegistryAccord/registryaccord-filestore-go/internal/model"
	"github.com/RegistryAccord/registryaccord-filestore-go/internal/server"
	"github.com/RegistryAccord/registryaccord-filestore-go/internal/service"
	"github.com/RegistryAccord/registryaccord-filestore-go/internal/storage"
	"github.com/RegistryAccord/registryaccord-filestore-go/internal/strategy"
	"github.com/RegistryAccord/registryaccord-filestore-go/internal/sweeper"
)

const (
	issuer   = "conformance-issuer"
	audience = "filestore"
)

// Config holds configuration for the conformance test harness.
type Config struct {
	// DatabaseDSN selects PostgreSQL when set, in-memory storage otherwise. The
	// database must start empty.
	DatabaseDSN string
}

// backend is the metadata store plus the blob table of the embedded strategy.
type backend interface {
	storage.Store
	storage.BlobStore
}

// Harness runs a complete service behind an httptest server.
type Harness struct {
	server  *httptest.Server
	store   backend
	sweeper *sweeper.Sweeper
	events  *recordingPublisher
	clock   *clock
	priv    ed25519.PrivateKey
}

// NewHarness creates a new conformance test harness.
func NewHarness(cfg Config) (*Harness, error) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	var store backend
	if cfg.DatabaseDSN != "" {
		if err := storage.Migrate(cfg.DatabaseDSN, logger); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		pg, err := storage.NewPostgres(context.Background(), cfg.DatabaseDSN)
		if err != nil {
			return nil, err
		}
		store = pg
	} else {
		store = storage.NewMemory()
	}

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, err
	}

	h := &Harness{
		store:  store,
		events: &recordingPublisher{},
		clock:  &clock{now: time.Now().UTC().Truncate(time.Second)},
		priv:   priv,
	}
	h.server = httptest.NewUnstartedServer(nil)
	baseURL := "http://" + h.server.Listener.Addr().String()

	signer, err := strategy.NewURLSigner(baseURL, []byte("conformance-signing-key"))
	if err != nil {
		return nil, err
	}
	factory, err := strategy.NewFactory(map[string]strategy.Strategy{
		strategy.TypeEmbedded: strategy.NewEmbedded(store, signer, 0),
	}, strategy.TypeEmbedded, logger)
	if err != nil {
		return nil, err
	}

	svc := service.New(store, factory, signer, h.events, nil, logger, service.Options{
		MaxFileSize:      1 << 20,
		AllowedMimeTypes: []string{"image/*", "text/plain"},
		DedupEnabled:     true,
		DefaultBucket:    "default",
		TempBucket:       "temp",
		URLTTL:           time.Hour,
		OperationTimeout: 5 * time.Second,
		StoreRetries:     1,
		Now:              h.clock.Now,
	})

	h.sweeper, err = sweeper.New(svc, "@every 1h", 24, logger)
	if err != nil {
		return nil, err
	}

	auth := jwks.NewStaticClient(issuer, audience, map[string]ed25519.PublicKey{"conformance": pub})
	handler, err := server.NewMux(svc, auth, server.Options{MaxFileSize: 1 << 20}, logger)
	if err != nil {
		return nil, err
	}
	h.server.Config.Handler = handler
	h.server.Start()
	return h, nil
}

// URL returns the base URL of the test server.
func (h *Harness) URL() string {
	return h.server.URL
}

// Close shuts down the test server and cleans up resources.
func (h *Harness) Close() {
	h.server.Close()
	h.store.Close()
}

// RunConformanceTests runs all conformance tests against the service.
func (h *Harness) RunConformanceTests(t *testing.T) {
	t.Run("HealthEndpoints", h.testHealthEndpoints)
	t.Run("StorageScenario", h.testStorageScenario)
	t.Run("AccessAccounting", h.testAccessAccounting)
	t.Run("SignedLinks", h.testSignedLinks)
}

// clock is the adjustable time source of the service under test.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// recordingPublisher keeps every published event for inspection.
type recordingPublisher struct {
	mu     sync.Mutex
	events []recordedEvent
}

type recordedEvent struct {
	Subject string
	FileID  string
	Reason  string
}

func (p *recordingPublisher) PublishFileStored(ctx context.Context, rec model.FileRecord) error {
	p.record(event.SubjectStored, rec.FileID, "")
	return nil
}

func (p *recordingPublisher) PublishFileDeleted(ctx context.Context, rec model.FileRecord, reason string) error {
	subject := event.SubjectDeleted
	if reason == event.ReasonExpired {
		subject = event.SubjectSwept
	}
	p.record(subject, rec.FileID, reason)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) record(subject, fileID, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, recordedEvent{Subject: subject, FileID: fileID, Reason: reason})
}

// has reports whether an event with subject was published for fileID.
func (p *recordingPublisher) has(subject, fileID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.events {
		if e.Subject == subject && e.FileID == fileID {
			return true
		}
	}
	return false
}

// token issues a bearer token for sub with role.
func (h *Harness) token(t *testing.T, sub string, role model.Role) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, jwks.Claims{
		Role: string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{audience},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	tok.Header["kid"] = "conformance"
	signed, err := tok.SignedString(h.priv)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

// response is a decoded reply of the service.
type response struct {
	Status int
	Body   []byte
	Data   json.RawMessage
	Code   string
}

// call performs one request. An empty sub sends no Authorization header.
func (h *Harness) call(t *testing.T, method, path, sub string, role model.Role, body io.Reader, contentType string) response {
	t.Helper()
	req, err := http.NewRequest(method, h.server.URL+path, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if sub != "" {
		req.Header.Set("Authorization", "Bearer "+h.token(t, sub, role))
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := h.server.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	out := response{Status: resp.StatusCode, Body: raw}
	var env struct {
		Data  json.RawMessage `json:"data"`
		Error *struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if json.Unmarshal(raw, &env) == nil {
		out.Data = env.Data
		if env.Error != nil {
			out.Code = env.Error.Code
		}
	}
	return out
}

// upload sends payload as a multipart upload into bucket.
func (h *Harness) upload(t *testing.T, sub, name, mimeType, bucket string, payload []byte) response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	meta, _ := json.Marshal(map[string]string{"mimeType": mimeType, "bucket": bucket})
	if err := mw.WriteField("metadata", string(meta)); err != nil {
		t.Fatalf("write metadata: %v", err)
	}
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	_, _ = part.Write(payload)
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	return h.call(t, http.MethodPost, "/v1/files", sub, model.RoleConsumer, &buf, mw.FormDataContentType())
}

// uploadedFile is the subset of the upload result the checks look at.
type uploadedFile struct {
	File struct {
		FileID      string             `json:"fileId"`
		Size        int64              `json:"size"`
		Category    model.FileCategory `json:"category"`
		AccessURL   string             `json:"accessUrl"`
		DownloadURL string             `json:"downloadUrl"`
	} `json:"file"`
	Deduplicated bool `json:"deduplicated"`
}

func decodeUpload(t *testing.T, r response) uploadedFile {
	t.Helper()
	if r.Status != http.StatusCreated && r.Status != http.StatusOK {
		t.Fatalf("upload status %d: %s", r.Status, r.Body)
	}
	var u uploadedFile
	if err := json.Unmarshal(r.Data, &u); err != nil {
		t.Fatalf("decode upload: %v", err)
	}
	return u
}

// record reads the stored record directly, bypassing the transport.
func (h *Harness) record(t *testing.T, fileID string) *model.FileRecord {
	t.Helper()
	rec, err := h.store.GetFile(context.Background(), fileID)
	if err != nil {
		t.Fatalf("GetFile(%s): %v", fileID, err)
	}
	return rec
}

// pngPayload returns a ten byte payload with a PNG signature. tag varies the
// final byte so distinct payloads do not deduplicate.
func pngPayload(tag byte) []byte {
	return []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0x00, tag}
}

func (h *Harness) testHealthEndpoints(t *testing.T) {
	for _, path := range []string{"/healthz", "/readyz"} {
		if r := h.call(t, http.MethodGet, path, "", "", nil, ""); r.Status != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, r.Status)
		}
	}
}

func (h *Harness) testStorageScenario(t *testing.T) {
	payload := pngPayload(1)

	first := decodeUpload(t, h.upload(t, "u1", "avatar.png", "image/png", "avatars", payload))
	if first.Deduplicated {
		t.Fatal("first upload reported as deduplicated")
	}
	if first.File.Size != 10 || first.File.Category != model.CategoryImage {
		t.Fatalf("stored size=%d category=%s, want 10 image", first.File.Size, first.File.Category)
	}
	if rec := h.record(t, first.File.FileID); rec.Status != model.StatusActive || rec.SizeBytes != 10 {
		t.Fatalf("record status=%s size=%d", rec.Status, rec.SizeBytes)
	}
	if !h.events.has(event.SubjectStored, first.File.FileID) {
		t.Error("no stored event for first upload")
	}

	again := decodeUpload(t, h.upload(t, "u1", "avatar-copy.png", "image/png", "avatars", payload))
	if !again.Deduplicated || again.File.FileID != first.File.FileID {
		t.Fatalf("re-upload gave %s (dedup=%v), want %s", again.File.FileID, again.Deduplicated, first.File.FileID)
	}

	other := decodeUpload(t, h.upload(t, "u2", "avatar.png", "image/png", "avatars", payload))
	if other.Deduplicated || other.File.FileID == first.File.FileID {
		t.Fatalf("upload by another uploader shared file %s", other.File.FileID)
	}

	path := "/v1/files/" + first.File.FileID
	if r := h.call(t, http.MethodDelete, path, "u2", model.RoleConsumer, nil, ""); r.Status != http.StatusForbidden || r.Code != "FS_FORBIDDEN" {
		t.Fatalf("delete by non-owner = %d %s, want 403 FS_FORBIDDEN", r.Status, r.Code)
	}
	if r := h.call(t, http.MethodDelete, path, "u1", model.RoleConsumer, nil, ""); r.Status != http.StatusOK {
		t.Fatalf("delete by owner = %d: %s", r.Status, r.Body)
	}
	if rec := h.record(t, first.File.FileID); rec.Status != model.StatusDeleted {
		t.Fatalf("status after delete = %s, want deleted", rec.Status)
	}
	if !h.events.has(event.SubjectDeleted, first.File.FileID) {
		t.Error("no deleted event")
	}
	if r := h.call(t, http.MethodGet, path+"/content", "u1", model.RoleConsumer, nil, ""); r.Status != http.StatusNotFound || r.Code != "FS_NOT_FOUND" {
		t.Fatalf("download after delete = %d %s, want 404 FS_NOT_FOUND", r.Status, r.Code)
	}
	if r := h.call(t, http.MethodDelete, path, "u1", model.RoleConsumer, nil, ""); r.Status != http.StatusNotFound {
		t.Errorf("second delete = %d, want 404", r.Status)
	}

	now := time.Now().UTC().Truncate(time.Second)
	h.clock.Set(now.Add(-25 * time.Hour))
	stale := decodeUpload(t, h.upload(t, "u1", "stale.png", "image/png", "temp", pngPayload(2)))
	h.clock.Set(now.Add(-time.Hour))
	fresh := decodeUpload(t, h.upload(t, "u1", "fresh.png", "image/png", "temp", pngPayload(3)))
	h.clock.Set(now)

	res := h.sweeper.RunOnce(context.Background())
	if res.Err != nil || res.Skipped {
		t.Fatalf("sweep: err=%v skipped=%v", res.Err, res.Skipped)
	}
	if res.Deleted != 1 {
		t.Errorf("sweep deleted %d, want 1", res.Deleted)
	}
	if rec := h.record(t, stale.File.FileID); rec.Status != model.StatusDeleted {
		t.Errorf("25h old temp file status = %s, want deleted", rec.Status)
	}
	if rec := h.record(t, fresh.File.FileID); rec.Status != model.StatusActive {
		t.Errorf("1h old temp file status = %s, want active", rec.Status)
	}
	if !h.events.has(event.SubjectSwept, stale.File.FileID) {
		t.Error("no swept event for expired temp file")
	}
}

func (h *Harness) testAccessAccounting(t *testing.T) {
	up := decodeUpload(t, h.upload(t, "reader", "notes.txt", "text/plain", "docs", []byte("conformance")))
	path := "/v1/files/" + up.File.FileID

	if r := h.call(t, http.MethodGet, path+"/content?disposition=inline", "reader", model.RoleConsumer, nil, ""); r.Status != http.StatusOK || string(r.Body) != "conformance" {
		t.Fatalf("view = %d %q", r.Status, r.Body)
	}
	h.clock.Set(h.clock.Now().Add(time.Second))
	if r := h.call(t, http.MethodGet, path+"/content", "reader", model.RoleConsumer, nil, ""); r.Status != http.StatusOK {
		t.Fatalf("download = %d", r.Status)
	}
	if r := h.call(t, http.MethodGet, path+"/content", "stranger", model.RoleConsumer, nil, ""); r.Status != http.StatusForbidden {
		t.Errorf("download by stranger = %d, want 403", r.Status)
	}

	if rec := h.record(t, up.File.FileID); rec.AccessCount != 2 || rec.LastAccessedAt == nil {
		t.Errorf("accessCount=%d lastAccessedAt=%v, want 2 and set", rec.AccessCount, rec.LastAccessedAt)
	}

	r := h.call(t, http.MethodGet, path+"/accessLog", "reader", model.RoleConsumer, nil, "")
	if r.Status != http.StatusOK {
		t.Fatalf("access log = %d: %s", r.Status, r.Body)
	}
	var logs struct {
		Entries []model.AccessLogEntry `json:"entries"`
	}
	if err := json.Unmarshal(r.Data, &logs); err != nil {
		t.Fatalf("decode access log: %v", err)
	}
	if len(logs.Entries) != 2 {
		t.Fatalf("access log has %d entries, want 2", len(logs.Entries))
	}
	if logs.Entries[0].AccessType != model.AccessDownload || logs.Entries[1].AccessType != model.AccessView {
		t.Errorf("access types = %s,%s, want download,view", logs.Entries[0].AccessType, logs.Entries[1].AccessType)
	}

	if r := h.call(t, http.MethodGet, path+"/accessLog", "stranger", model.RoleConsumer, nil, ""); r.Status != http.StatusForbidden {
		t.Errorf("access log by stranger = %d, want 403", r.Status)
	}
	if r := h.call(t, http.MethodGet, path+"/accessLog", "ops", model.RoleAdmin, nil, ""); r.Status != http.StatusOK {
		t.Errorf("access log by admin = %d, want 200", r.Status)
	}
}

func (h *Harness) testSignedLinks(t *testing.T) {
	up := decodeUpload(t, h.upload(t, "linker", "shared.txt", "text/plain", "docs", []byte("signed body")))

	r := h.call(t, http.MethodGet, "/v1/files/"+up.File.FileID+"/downloadUrl?ttlMinutes=5", "linker", model.RoleConsumer, nil, "")
	if r.Status != http.StatusOK {
		t.Fatalf("downloadUrl = %d: %s", r.Status, r.Body)
	}
	var link struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(r.Data, &link); err != nil {
		t.Fatalf("decode url: %v", err)
	}

	resp, err := h.server.Client().Get(link.URL)
	if err != nil {
		t.Fatalf("GET signed url: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "signed body" {
		t.Fatalf("signed download = %d %q", resp.StatusCode, body)
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.HasPrefix(cd, "attachment") {
		t.Errorf("Content-Disposition = %q, want attachment", cd)
	}

	if r := h.call(t, http.MethodGet, "/v1/blob/"+up.File.FileID+"?token=forged", "", "", nil, ""); r.Status != http.StatusUnauthorized {
		t.Errorf("forged token = %d, want 401", r.Status)
	}
}
