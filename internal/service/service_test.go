package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	apperrors "github.com/RegistryAccord/registryaccord-filestore-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-filestore-go/internal/model"
	"github.com/RegistryAccord/registryaccord-filestore-go/internal/storage"
	"github.com/RegistryAccord/registryaccord-filestore-go/internal/strategy"
)

var (
	u1    = model.Accessor{ID: "u1", Role: model.RoleConsumer}
	u2    = model.Accessor{ID: "u2", Role: model.RoleConsumer}
	admin = model.Accessor{ID: "root", Role: model.RoleAdmin}

	pngPayload = []byte("\x89PNG\r\n\x1a\n\x00\x01") // 10 bytes with a PNG signature
)

type fixture struct {
	svc   *FileService
	mem   *storage.Memory
	emb   *strategy.Embedded
	extra map[string]strategy.Strategy
}

func defaultOptions() Options {
	return Options{
		MaxFileSize:      1024,
		AllowedMimeTypes: []string{"image/*", "text/plain", "application/pdf"},
		DedupEnabled:     true,
		DefaultBucket:    "default",
		TempBucket:       "temp",
		URLTTL:           time.Hour,
		OperationTimeout: time.Second,
		StoreRetries:     2,
	}
}

func newFixture(t *testing.T, opts Options, extra ...strategy.Strategy) *fixture {
	t.Helper()
	return newFixtureWithStore(t, storage.NewMemory(), opts, extra...)
}

// newFixtureWithStore builds a service over mem. Extra strategies replace same-named
// registry entries, which is how tests substitute the embedded strategy.
func newFixtureWithStore(t *testing.T, mem *storage.Memory, opts Options, extra ...strategy.Strategy) *fixture {
	t.Helper()
	signer, err := strategy.NewURLSigner("http://files.test", []byte("0123456789abcdef"))
	if err != nil {
		t.Fatalf("NewURLSigner() error = %v", err)
	}
	emb := strategy.NewEmbedded(mem, signer, 0)
	registry := map[string]strategy.Strategy{strategy.TypeEmbedded: emb}
	extras := make(map[string]strategy.Strategy)
	for _, s := range extra {
		registry[s.Type()] = s
		extras[s.Type()] = s
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	factory, err := strategy.NewFactory(registry, strategy.TypeEmbedded, logger)
	if err != nil {
		t.Fatalf("NewFactory() error = %v", err)
	}
	return &fixture{
		svc:   New(mem, factory, signer, nil, nil, logger, opts),
		mem:   mem,
		emb:   emb,
		extra: extras,
	}
}

func (f *fixture) upload(t *testing.T, payload []byte, req model.UploadRequest) *UploadResult {
	t.Helper()
	res, err := f.svc.Upload(context.Background(), payload, req)
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	return res
}

func avatar(uploader model.Accessor) model.UploadRequest {
	return model.UploadRequest{OriginalName: "face.png", MimeType: "image/png", Bucket: "avatars", Uploader: uploader}
}

func wantCode(t *testing.T, err error, code apperrors.ErrorCode) {
	t.Helper()
	if !apperrors.HasCode(err, code) {
		t.Fatalf("error = %v, want code %s", err, code)
	}
}

func TestStorageScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultOptions())

	first := f.upload(t, pngPayload, avatar(u1))
	if first.Deduplicated {
		t.Errorf("first upload reported as deduplicated")
	}
	rec, err := f.mem.GetFile(ctx, first.File.FileID)
	if err != nil {
		t.Fatalf("GetFile() error = %v", err)
	}
	if rec.SizeBytes != 10 || rec.Category != model.CategoryImage || !rec.IsActive() {
		t.Errorf("record = %+v, want active 10-byte image", rec)
	}

	again := f.upload(t, pngPayload, avatar(u1))
	if again.File.FileID != first.File.FileID || !again.Deduplicated {
		t.Errorf("re-upload = %v (dedup %v), want %v", again.File.FileID, again.Deduplicated, first.File.FileID)
	}
	if recs, _ := f.mem.FindActiveByMD5(ctx, first.File.MD5, 10); len(recs) != 1 {
		t.Errorf("active records after re-upload = %d, want 1", len(recs))
	}

	other := f.upload(t, pngPayload, avatar(u2))
	if other.File.FileID == first.File.FileID {
		t.Errorf("upload by another uploader returned the same fileId")
	}

	_, err = f.svc.Delete(ctx, first.File.FileID, u2)
	wantCode(t, err, apperrors.FS_FORBIDDEN)
	if rec, _ := f.mem.GetFile(ctx, first.File.FileID); !rec.IsActive() {
		t.Errorf("record not active after forbidden delete")
	}

	ok, err := f.svc.Delete(ctx, first.File.FileID, u1)
	if err != nil || !ok {
		t.Fatalf("Delete() = %v, %v", ok, err)
	}
	if rec, _ := f.mem.GetFile(ctx, first.File.FileID); rec.Status != model.StatusDeleted {
		t.Errorf("status = %v, want deleted", rec.Status)
	}
	_, err = f.svc.Download(ctx, first.File.FileID, u1)
	wantCode(t, err, apperrors.FS_NOT_FOUND)

	base := time.Now().UTC()
	f.svc.now = func() time.Time { return base.Add(-25 * time.Hour) }
	old := f.upload(t, []byte("old temp"), model.UploadRequest{OriginalName: "a.txt", Bucket: "temp", Uploader: u1})
	f.svc.now = func() time.Time { return base.Add(-time.Hour) }
	fresh := f.upload(t, []byte("fresh temp"), model.UploadRequest{OriginalName: "b.txt", Bucket: "temp", Uploader: u1})
	f.svc.now = func() time.Time { return base }

	n, err := f.svc.CleanExpiredTempFiles(ctx, 24)
	if err != nil || n != 1 {
		t.Fatalf("CleanExpiredTempFiles() = %d, %v, want 1", n, err)
	}
	if rec, _ := f.mem.GetFile(ctx, old.File.FileID); rec.IsActive() {
		t.Errorf("expired temp record still active")
	}
	if rec, _ := f.mem.GetFile(ctx, fresh.File.FileID); !rec.IsActive() {
		t.Errorf("fresh temp record was swept")
	}
}

func TestUploadValidation(t *testing.T) {
	f := newFixture(t, defaultOptions())

	tests := []struct {
		name    string
		payload []byte
		req     model.UploadRequest
		code    apperrors.ErrorCode
	}{
		{"empty payload", nil, avatar(u1), apperrors.FS_VALIDATION},
		{"blank name", pngPayload, model.UploadRequest{OriginalName: "  ", MimeType: "image/png", Uploader: u1}, apperrors.FS_VALIDATION},
		{"no uploader", pngPayload, model.UploadRequest{OriginalName: "a.png", MimeType: "image/png"}, apperrors.FS_VALIDATION},
		{"too large", make([]byte, 2048), avatar(u1), apperrors.FS_MEDIA_SIZE},
		{"type not allowed", pngPayload, model.UploadRequest{OriginalName: "a.zip", MimeType: "application/zip", Uploader: u1}, apperrors.FS_MEDIA_TYPE},
		{"undetectable type", []byte{0, 1, 2, 3}, model.UploadRequest{OriginalName: "a.bin", Uploader: u1}, apperrors.FS_MEDIA_TYPE},
		{"declared size mismatch", pngPayload, model.UploadRequest{OriginalName: "a.png", MimeType: "image/png", DeclaredSize: 11, Uploader: u1}, apperrors.FS_VALIDATION},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Upload(context.Background(), tt.payload, tt.req)
			wantCode(t, err, tt.code)
		})
	}

	if count, _, _ := f.mem.BlobStats(context.Background()); count != 0 {
		t.Errorf("rejected uploads stored %d payloads", count)
	}
}

func TestUploadSniffsUndeclaredType(t *testing.T) {
	f := newFixture(t, defaultOptions())

	res := f.upload(t, pngPayload, model.UploadRequest{OriginalName: `C:\photos\face`, MimeType: "application/octet-stream", Uploader: u1})
	if res.File.MimeType != "image/png" || res.File.Category != model.CategoryImage {
		t.Errorf("sniffed type = %v/%v, want image/png", res.File.MimeType, res.File.Category)
	}
	if res.File.Name != "face" || res.File.Bucket != "default" {
		t.Errorf("name/bucket = %q/%q, want face/default", res.File.Name, res.File.Bucket)
	}
	rec, _ := f.mem.GetFile(context.Background(), res.File.FileID)
	if rec.Extension != ".png" || rec.StoredName != rec.FileID+".png" {
		t.Errorf("extension = %q stored name = %q", rec.Extension, rec.StoredName)
	}
}

func TestUploadOverwriteSupersedes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultOptions())

	first := f.upload(t, pngPayload, avatar(u1))
	req := avatar(u1)
	req.Overwrite = true
	second := f.upload(t, pngPayload, req)

	if second.Deduplicated || second.File.FileID == first.File.FileID {
		t.Fatalf("overwrite returned %v (dedup %v)", second.File.FileID, second.Deduplicated)
	}
	if rec, _ := f.mem.GetFile(ctx, first.File.FileID); rec.IsActive() {
		t.Errorf("superseded record still active")
	}
	if ok, _ := f.mem.BlobExists(ctx, first.File.FileID); ok {
		t.Errorf("superseded payload not purged")
	}
	if recs, _ := f.mem.FindActiveByMD5(ctx, first.File.MD5, 10); len(recs) != 1 || recs[0].FileID != second.File.FileID {
		t.Errorf("active records = %+v, want only the overwrite", recs)
	}
}

func TestUploadWithoutDedup(t *testing.T) {
	opts := defaultOptions()
	opts.DedupEnabled = false
	f := newFixture(t, opts)

	a := f.upload(t, pngPayload, avatar(u1))
	b := f.upload(t, pngPayload, avatar(u1))
	if a.File.FileID == b.File.FileID || b.Deduplicated {
		t.Errorf("dedup disabled but upload returned the existing record")
	}
}

// racingStore hides existing records from the first scope lookup, as a concurrent
// upload that has not committed yet would.
type racingStore struct {
	*storage.Memory
	mu     sync.Mutex
	hidden bool
}

func (r *racingStore) FindActiveByScope(ctx context.Context, md5, uploaderID, bucket string) (*model.FileRecord, error) {
	r.mu.Lock()
	hide := !r.hidden
	r.hidden = true
	r.mu.Unlock()
	if hide {
		return nil, storage.ErrNotFound
	}
	return r.Memory.FindActiveByScope(ctx, md5, uploaderID, bucket)
}

func TestUploadConflictResolvesToExisting(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultOptions())
	first := f.upload(t, pngPayload, avatar(u1))

	racing := &racingStore{Memory: f.mem}
	f.svc.store = racing

	res, err := f.svc.Upload(ctx, pngPayload, avatar(u1))
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if !res.Deduplicated || res.File.FileID != first.File.FileID {
		t.Errorf("Upload() = %v (dedup %v), want existing %v", res.File.FileID, res.Deduplicated, first.File.FileID)
	}
	if count, _, _ := f.mem.BlobStats(ctx); count != 1 {
		t.Errorf("payloads after conflict = %d, want 1", count)
	}
}

// flakyStrategy fails the first failures Store calls.
type flakyStrategy struct {
	*strategy.Embedded
	mu       sync.Mutex
	failures int
	calls    int
}

func (s *flakyStrategy) Store(ctx context.Context, rec model.FileRecord, payload []byte) (string, error) {
	s.mu.Lock()
	s.calls++
	fail := s.calls <= s.failures
	s.mu.Unlock()
	if fail {
		return "", errors.New("connection reset")
	}
	return s.Embedded.Store(ctx, rec, payload)
}

func TestUploadRetriesStore(t *testing.T) {
	mem := storage.NewMemory()
	signer, _ := strategy.NewURLSigner("http://files.test", []byte("0123456789abcdef"))
	flaky := &flakyStrategy{Embedded: strategy.NewEmbedded(mem, signer, 0), failures: 2}
	f := newFixtureWithStore(t, mem, defaultOptions(), flaky)

	res := f.upload(t, pngPayload, avatar(u1))
	if flaky.calls != 3 {
		t.Errorf("Store calls = %d, want 3", flaky.calls)
	}
	if res.File.FileID == "" {
		t.Errorf("upload returned no fileId")
	}

	flaky.calls, flaky.failures = 0, 10
	_, err := f.svc.Upload(context.Background(), []byte("hello"), model.UploadRequest{OriginalName: "a.txt", Uploader: u1})
	wantCode(t, err, apperrors.FS_BACKEND_UNAVAILABLE)
	if flaky.calls != 3 {
		t.Errorf("Store calls = %d, want 3", flaky.calls)
	}
}

func TestAccessAccounting(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultOptions())
	res := f.upload(t, pngPayload, avatar(u1))
	id := res.File.FileID

	for i := 0; i < 3; i++ {
		c, err := f.svc.Download(ctx, id, u1)
		if err != nil {
			t.Fatalf("Download() error = %v", err)
		}
		if string(c.Data) != string(pngPayload) || c.Disposition != strategy.DispositionAttachment {
			t.Errorf("Download() = %q %v", c.Data, c.Disposition)
		}
	}
	if _, err := f.svc.View(ctx, id, admin); err != nil {
		t.Fatalf("View() error = %v", err)
	}

	_, err := f.svc.Download(ctx, id, u2)
	wantCode(t, err, apperrors.FS_FORBIDDEN)
	_, err = f.svc.Download(ctx, "missing", u1)
	wantCode(t, err, apperrors.FS_NOT_FOUND)

	rec, _ := f.mem.GetFile(ctx, id)
	if rec.AccessCount != 4 || rec.LastAccessedAt == nil {
		t.Errorf("accessCount = %d lastAccessedAt = %v, want 4 and set", rec.AccessCount, rec.LastAccessedAt)
	}

	logs, err := f.svc.ListAccessLogs(ctx, id, u1, 10)
	if err != nil {
		t.Fatalf("ListAccessLogs() error = %v", err)
	}
	if len(logs) != 4 || logs[0].AccessType != model.AccessView || logs[0].AccessorID != "root" {
		t.Errorf("ListAccessLogs() = %+v", logs)
	}
	_, err = f.svc.ListAccessLogs(ctx, id, u2, 10)
	wantCode(t, err, apperrors.FS_FORBIDDEN)
}

func TestPublicRecordReadableByAnyone(t *testing.T) {
	f := newFixture(t, defaultOptions())
	req := avatar(u1)
	req.IsPublic = true
	res := f.upload(t, pngPayload, req)

	if _, err := f.svc.Download(context.Background(), res.File.FileID, u2); err != nil {
		t.Errorf("Download(public, stranger) error = %v", err)
	}
	if _, err := f.svc.Delete(context.Background(), res.File.FileID, u2); !apperrors.HasCode(err, apperrors.FS_FORBIDDEN) {
		t.Errorf("Delete(public, stranger) error = %v, want forbidden", err)
	}
}

func TestDownloadMissingPayloadIsIntegrityError(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultOptions())
	res := f.upload(t, pngPayload, avatar(u1))

	if err := f.mem.DeleteBlob(ctx, res.File.FileID); err != nil {
		t.Fatalf("DeleteBlob() error = %v", err)
	}
	_, err := f.svc.Download(ctx, res.File.FileID, u1)
	wantCode(t, err, apperrors.FS_INTEGRITY)

	rec, _ := f.mem.GetFile(ctx, res.File.FileID)
	if rec.AccessCount != 0 {
		t.Errorf("accessCount = %d after failed read, want 0", rec.AccessCount)
	}
}

func TestDeleteTwiceIsNotFound(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultOptions())
	res := f.upload(t, pngPayload, avatar(u1))

	if _, err := f.svc.Delete(ctx, res.File.FileID, admin); err != nil {
		t.Fatalf("Delete(admin) error = %v", err)
	}
	if ok, _ := f.mem.BlobExists(ctx, res.File.FileID); ok {
		t.Errorf("payload not purged after delete")
	}
	_, err := f.svc.Delete(ctx, res.File.FileID, admin)
	wantCode(t, err, apperrors.FS_NOT_FOUND)

	// Re-uploading the same bytes creates a fresh record.
	again := f.upload(t, pngPayload, avatar(u1))
	if again.Deduplicated || again.File.FileID == res.File.FileID {
		t.Errorf("re-upload after delete returned the deleted record")
	}
}

func TestBatchDelete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultOptions())
	a := f.upload(t, []byte("alpha"), model.UploadRequest{OriginalName: "a.txt", Uploader: u1})
	b := f.upload(t, []byte("bravo"), model.UploadRequest{OriginalName: "b.txt", Uploader: u1})
	c := f.upload(t, []byte("charlie"), model.UploadRequest{OriginalName: "c.txt", Uploader: u2})

	_, err := f.svc.BatchDelete(ctx, []string{a.File.FileID, c.File.FileID}, u1)
	wantCode(t, err, apperrors.FS_FORBIDDEN)
	if rec, _ := f.mem.GetFile(ctx, a.File.FileID); !rec.IsActive() {
		t.Errorf("forbidden batch deleted an authorized item")
	}

	_, err = f.svc.BatchDelete(ctx, nil, u1)
	wantCode(t, err, apperrors.FS_VALIDATION)

	n, err := f.svc.BatchDelete(ctx, []string{a.File.FileID, b.File.FileID, a.File.FileID, "missing"}, u1)
	if err != nil || n != 2 {
		t.Fatalf("BatchDelete() = %d, %v, want 2", n, err)
	}
	for _, id := range []string{a.File.FileID, b.File.FileID} {
		if rec, _ := f.mem.GetFile(ctx, id); rec.IsActive() {
			t.Errorf("record %s still active", id)
		}
	}

	n, err = f.svc.BatchDelete(ctx, []string{c.File.FileID}, admin)
	if err != nil || n != 1 {
		t.Errorf("BatchDelete(admin) = %d, %v, want 1", n, err)
	}
}

func TestGetFileByMD5(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultOptions())
	res := f.upload(t, pngPayload, avatar(u1))

	got, err := f.svc.GetFileByMD5(ctx, strings.ToUpper(res.File.MD5), u1)
	if err != nil || got == nil || got.FileID != res.File.FileID {
		t.Fatalf("GetFileByMD5() = %v, %v", got, err)
	}
	if got, err := f.svc.GetFileByMD5(ctx, res.File.MD5, u2); err != nil || got != nil {
		t.Errorf("GetFileByMD5(private, stranger) = %v, %v, want nil", got, err)
	}
	if got, err := f.svc.GetFileByMD5(ctx, "d41d8cd98f00b204e9800998ecf8427e", u1); err != nil || got != nil {
		t.Errorf("GetFileByMD5(unknown) = %v, %v, want nil", got, err)
	}
	_, err = f.svc.GetFileByMD5(ctx, "xyz", u1)
	wantCode(t, err, apperrors.FS_VALIDATION)
}

func TestSignedURLs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultOptions())
	res := f.upload(t, pngPayload, avatar(u1))
	if res.File.AccessURL == "" || res.File.DownloadURL == "" {
		t.Errorf("FileInfo carries no URLs: %+v", res.File)
	}

	raw, err := f.svc.GenerateDownloadURL(ctx, res.File.FileID, u1, 5)
	if err != nil {
		t.Fatalf("GenerateDownloadURL() error = %v", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("url.Parse() error = %v", err)
	}
	if u.Path != "/v1/blob/"+res.File.FileID {
		t.Errorf("path = %v", u.Path)
	}

	c, err := f.svc.ReadSigned(ctx, res.File.FileID, u.Query().Get("token"), model.Accessor{IP: "10.0.0.1"})
	if err != nil {
		t.Fatalf("ReadSigned() error = %v", err)
	}
	if c.Disposition != strategy.DispositionAttachment {
		t.Errorf("disposition = %v, want attachment", c.Disposition)
	}

	_, err = f.svc.ReadSigned(ctx, res.File.FileID, "garbage", model.Accessor{})
	wantCode(t, err, apperrors.FS_AUTHN)

	_, err = f.svc.GenerateAccessURL(ctx, res.File.FileID, u2, 5)
	wantCode(t, err, apperrors.FS_FORBIDDEN)
	_, err = f.svc.GenerateAccessURL(ctx, "missing", u1, 5)
	wantCode(t, err, apperrors.FS_NOT_FOUND)
}

func TestURLTTLBounds(t *testing.T) {
	f := newFixture(t, defaultOptions())
	if got := f.svc.ttl(0); got != time.Hour {
		t.Errorf("ttl(0) = %v, want default", got)
	}
	if got := f.svc.ttl(30); got != 30*time.Minute {
		t.Errorf("ttl(30) = %v", got)
	}
	if got := f.svc.ttl(60 * 24 * 30); got != maxURLTTL {
		t.Errorf("ttl(30 days) = %v, want %v", got, maxURLTTL)
	}
}

func TestCopyAndMove(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultOptions())
	res := f.upload(t, pngPayload, avatar(u1))

	_, err := f.svc.CopyFile(ctx, res.File.FileID, "archive", u2)
	wantCode(t, err, apperrors.FS_FORBIDDEN)
	_, err = f.svc.CopyFile(ctx, res.File.FileID, "avatars", u1)
	wantCode(t, err, apperrors.FS_VALIDATION)

	cp, err := f.svc.CopyFile(ctx, res.File.FileID, "archive", u1)
	if err != nil {
		t.Fatalf("CopyFile() error = %v", err)
	}
	if cp.FileID == res.File.FileID || cp.Bucket != "archive" || cp.MD5 != res.File.MD5 {
		t.Errorf("CopyFile() = %+v", cp)
	}
	c, err := f.svc.Download(ctx, cp.FileID, u1)
	if err != nil {
		t.Fatalf("Download(copy) error = %v", err)
	}
	if string(c.Data) != string(pngPayload) {
		t.Errorf("Download(copy) = %q", c.Data)
	}

	mv, err := f.svc.MoveFile(ctx, res.File.FileID, "moved", admin)
	if err != nil {
		t.Fatalf("MoveFile() error = %v", err)
	}
	if rec, _ := f.mem.GetFile(ctx, res.File.FileID); rec.IsActive() {
		t.Errorf("move source still active")
	}
	rec, _ := f.mem.GetFile(ctx, mv.FileID)
	if rec.UploaderID != "u1" || rec.Bucket != "moved" {
		t.Errorf("moved record = %+v, want uploader u1 in bucket moved", rec)
	}
}

// namedStrategy is an embedded strategy registered under another name.
type namedStrategy struct {
	*strategy.Embedded
	name  string
	ready bool
}

func (s *namedStrategy) Type() string { return s.name }
func (s *namedStrategy) ValidateConfiguration(context.Context) bool { return s.ready }

func TestSwitchStorageStrategy(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	signer, _ := strategy.NewURLSigner("http://files.test", []byte("0123456789abcdef"))
	broken := &namedStrategy{Embedded: strategy.NewEmbedded(mem, signer, 0), name: "s3", ready: false}
	alt := &namedStrategy{Embedded: strategy.NewEmbedded(mem, signer, 0), name: "alt", ready: true}
	f := newFixtureWithStore(t, mem, defaultOptions(), broken, alt)

	before := f.upload(t, pngPayload, avatar(u1))

	_, err := f.svc.SwitchStorageStrategy(ctx, "ftp")
	wantCode(t, err, apperrors.FS_VALIDATION)

	if ok, err := f.svc.SwitchStorageStrategy(ctx, "s3"); ok || err != nil {
		t.Errorf("SwitchStorageStrategy(invalid) = %v, %v, want false", ok, err)
	}
	if got := f.svc.CurrentStrategy(); got != strategy.TypeEmbedded {
		t.Errorf("CurrentStrategy() = %v after rejected switch", got)
	}

	if ok, err := f.svc.SwitchStorageStrategy(ctx, "ALT"); !ok || err != nil {
		t.Fatalf("SwitchStorageStrategy(alt) = %v, %v", ok, err)
	}
	after := f.upload(t, []byte("new content"), model.UploadRequest{OriginalName: "n.txt", Uploader: u1})
	rec, _ := f.mem.GetFile(ctx, after.File.FileID)
	if rec.StorageType != "alt" {
		t.Errorf("StorageType = %v, want alt", rec.StorageType)
	}
	old, _ := f.mem.GetFile(ctx, before.File.FileID)
	if old.StorageType != strategy.TypeEmbedded {
		t.Errorf("existing record migrated to %v", old.StorageType)
	}
	if _, err := f.svc.Download(ctx, before.File.FileID, u1); err != nil {
		t.Errorf("Download(pre-switch record) error = %v", err)
	}

	if got := f.svc.AvailableStrategies(); len(got) != 3 {
		t.Errorf("AvailableStrategies() = %v", got)
	}
	if !f.svc.ValidateCurrentStrategy(ctx) {
		t.Errorf("ValidateCurrentStrategy() = false")
	}
	if st := f.svc.StorageStatistics(ctx); st.TotalFiles != 2 {
		t.Errorf("StorageStatistics() = %+v, want 2 files", st)
	}
}

func TestCleanExpiredTempFilesBatches(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultOptions())

	base := time.Now().UTC()
	f.svc.now = func() time.Time { return base.Add(-48 * time.Hour) }
	for i := 0; i < sweepBatchSize+5; i++ {
		f.upload(t, []byte("temp "+strings.Repeat("x", i)), model.UploadRequest{OriginalName: "t.txt", Bucket: "temp", Uploader: u1})
	}
	f.upload(t, []byte("kept"), model.UploadRequest{OriginalName: "k.txt", Bucket: "default", Uploader: u1})
	f.svc.now = func() time.Time { return base }

	n, err := f.svc.CleanExpiredTempFiles(ctx, 24)
	if err != nil || n != sweepBatchSize+5 {
		t.Fatalf("CleanExpiredTempFiles() = %d, %v, want %d", n, err, sweepBatchSize+5)
	}
	if count, _, _ := f.mem.BlobStats(ctx); count != 1 {
		t.Errorf("payloads left = %d, want 1", count)
	}

	_, err = f.svc.CleanExpiredTempFiles(ctx, 0)
	wantCode(t, err, apperrors.FS_VALIDATION)
}

// activeInScope counts Active records of one (md5, uploader, bucket) scope.
func activeInScope(t *testing.T, mem *storage.Memory, md5, uploaderID, bucket string) int {
	t.Helper()
	recs, err := mem.FindActiveByMD5(context.Background(), md5, 500)
	if err != nil {
		t.Fatalf("FindActiveByMD5() error = %v", err)
	}
	n := 0
	for _, r := range recs {
		if r.UploaderID == uploaderID && r.Bucket == bucket {
			n++
		}
	}
	return n
}

func TestCopyIntoOccupiedScopeDeduplicates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultOptions())
	events := &eventLog{}
	f.svc.events = events

	src := f.upload(t, pngPayload, avatar(u1))
	galleryReq := avatar(u1)
	galleryReq.Bucket = "gallery"
	held := f.upload(t, pngPayload, galleryReq)

	cp, err := f.svc.CopyFile(ctx, src.File.FileID, "gallery", u1)
	if err != nil {
		t.Fatalf("CopyFile() error = %v", err)
	}
	if cp.FileID != held.File.FileID {
		t.Errorf("CopyFile() = %s, want existing %s", cp.FileID, held.File.FileID)
	}
	if n := activeInScope(t, f.mem, src.File.MD5, "u1", "gallery"); n != 1 {
		t.Errorf("active records in gallery scope after copy = %d, want 1", n)
	}
	if count, _, _ := f.mem.BlobStats(ctx); count != 2 {
		t.Errorf("payloads after deduplicated copy = %d, want 2", count)
	}

	mv, err := f.svc.MoveFile(ctx, src.File.FileID, "gallery", u1)
	if err != nil {
		t.Fatalf("MoveFile() error = %v", err)
	}
	if mv.FileID != held.File.FileID {
		t.Errorf("MoveFile() = %s, want existing %s", mv.FileID, held.File.FileID)
	}
	if rec, _ := f.mem.GetFile(ctx, src.File.FileID); rec.IsActive() {
		t.Errorf("move source still active")
	}
	if n := activeInScope(t, f.mem, src.File.MD5, "u1", "gallery"); n != 1 {
		t.Errorf("active records in gallery scope after move = %d, want 1", n)
	}
	if got := events.storedCount(); got != 2 {
		t.Errorf("stored events = %d, want 2 (uploads only)", got)
	}
}

func TestCopyConflictResolvesToExisting(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultOptions())
	src := f.upload(t, pngPayload, avatar(u1))
	galleryReq := avatar(u1)
	galleryReq.Bucket = "gallery"
	held := f.upload(t, pngPayload, galleryReq)

	f.svc.store = &racingStore{Memory: f.mem}

	cp, err := f.svc.CopyFile(ctx, src.File.FileID, "gallery", u1)
	if err != nil {
		t.Fatalf("CopyFile() error = %v", err)
	}
	if cp.FileID != held.File.FileID {
		t.Errorf("CopyFile() = %s, want existing %s", cp.FileID, held.File.FileID)
	}
	if n := activeInScope(t, f.mem, src.File.MD5, "u1", "gallery"); n != 1 {
		t.Errorf("active records in gallery scope = %d, want 1", n)
	}
	if count, _, _ := f.mem.BlobStats(ctx); count != 2 {
		t.Errorf("payloads after conflicting copy = %d, want 2", count)
	}
}

// failingInsertStore refuses every insert, as an unreachable database would.
type failingInsertStore struct {
	*storage.Memory
}

var errDBDown = errors.New("db down")

func (s *failingInsertStore) CreateFile(context.Context, model.FileRecord, bool) error {
	return errDBDown
}

func (s *failingInsertStore) ReplaceFile(context.Context, string, model.FileRecord, bool) (bool, error) {
	return false, errDBDown
}

func TestFailedOverwriteKeepsOriginal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultOptions())
	first := f.upload(t, pngPayload, avatar(u1))

	f.svc.store = &failingInsertStore{Memory: f.mem}

	req := avatar(u1)
	req.Overwrite = true
	_, err := f.svc.Upload(ctx, pngPayload, req)
	wantCode(t, err, apperrors.FS_BACKEND_UNAVAILABLE)

	rec, err := f.mem.GetFile(ctx, first.File.FileID)
	if err != nil {
		t.Fatalf("GetFile() error = %v", err)
	}
	if !rec.IsActive() {
		t.Errorf("original status after failed overwrite = %s, want active", rec.Status)
	}
	if count, _, _ := f.mem.BlobStats(ctx); count != 1 {
		t.Errorf("payloads after failed overwrite = %d, want 1", count)
	}
	if _, err := f.svc.Download(ctx, first.File.FileID, u1); err != nil {
		t.Errorf("Download(original) error = %v", err)
	}
}

// eventLog records published events.
type eventLog struct {
	mu      sync.Mutex
	stored  []string
	deleted []string
}

func (e *eventLog) PublishFileStored(_ context.Context, rec model.FileRecord) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stored = append(e.stored, rec.FileID)
	return nil
}

func (e *eventLog) PublishFileDeleted(_ context.Context, rec model.FileRecord, reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deleted = append(e.deleted, rec.FileID+":"+reason)
	return nil
}

func (e *eventLog) Close() error { return nil }

func (e *eventLog) storedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.stored)
}

func (e *eventLog) deletions() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.deleted...)
}

// interleavedDeleteStore deletes victim just before every soft delete it serves,
// as a concurrent caller that wins the race would.
type interleavedDeleteStore struct {
	*storage.Memory
	victim string
}

func (s *interleavedDeleteStore) MarkDeleted(ctx context.Context, fileID string) (bool, error) {
	_, _ = s.Memory.MarkDeleted(ctx, s.victim)
	return s.Memory.MarkDeleted(ctx, fileID)
}

func (s *interleavedDeleteStore) MarkDeletedBatch(ctx context.Context, fileIDs []string) ([]string, error) {
	_, _ = s.Memory.MarkDeleted(ctx, s.victim)
	return s.Memory.MarkDeletedBatch(ctx, fileIDs)
}

func TestBatchDeleteAnnouncesOnlyItsOwnTransitions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultOptions())
	events := &eventLog{}
	f.svc.events = events

	a := f.upload(t, pngPayload, avatar(u1))
	b := f.upload(t, []byte("second payload"), model.UploadRequest{OriginalName: "b.txt", Uploader: u1})
	f.svc.store = &interleavedDeleteStore{Memory: f.mem, victim: a.File.FileID}

	n, err := f.svc.BatchDelete(ctx, []string{a.File.FileID, b.File.FileID}, u1)
	if err != nil {
		t.Fatalf("BatchDelete() error = %v", err)
	}
	if n != 1 {
		t.Errorf("BatchDelete() = %d, want 1", n)
	}
	got := events.deletions()
	if len(got) != 1 || got[0] != b.File.FileID+":batch" {
		t.Errorf("deleted events = %v, want only %s", got, b.File.FileID)
	}
}

func TestMoveOfConcurrentlyDeletedSourceIsNotFound(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultOptions())
	events := &eventLog{}
	f.svc.events = events

	src := f.upload(t, pngPayload, avatar(u1))
	f.svc.store = &interleavedDeleteStore{Memory: f.mem, victim: src.File.FileID}

	_, err := f.svc.MoveFile(ctx, src.File.FileID, "archive", u1)
	wantCode(t, err, apperrors.FS_NOT_FOUND)

	if n := activeInScope(t, f.mem, src.File.MD5, "u1", "archive"); n != 0 {
		t.Errorf("active records in archive after failed move = %d, want 0", n)
	}
	if got := events.deletions(); len(got) != 0 {
		t.Errorf("deleted events = %v, want none", got)
	}
	if got := events.storedCount(); got != 0 {
		t.Errorf("stored events = %d, want 0", got)
	}
}
