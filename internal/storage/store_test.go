package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/RegistryAccord/registryaccord-filestore-go/internal/model"
)

// backend is what the shared suite needs from an implementation.
type backend interface {
	Store
	BlobStore
}

func newRecord(id, md5, uploader, bucket string, created time.Time) model.FileRecord {
	return model.FileRecord{
		FileID:       id,
		OriginalName: id + ".png",
		StoredName:   id + ".png",
		StoragePath:  "db://file_payloads/" + id,
		StorageType:  "embedded",
		SizeBytes:    10,
		MimeType:     "image/png",
		Extension:    ".png",
		Category:     model.CategoryImage,
		MD5:          md5,
		SHA256:       fmt.Sprintf("%064s", md5),
		UploaderID:   uploader,
		UploaderRole: model.RoleConsumer,
		Bucket:       bucket,
		Status:       model.StatusActive,
		CreatedAt:    created,
		UpdatedAt:    created,
	}
}

const (
	digestA = "0123456789abcdef0123456789abcdef"
	digestB = "fedcba9876543210fedcba9876543210"
)

// runStoreSuite exercises the Store and BlobStore contracts against b.
func runStoreSuite(t *testing.T, newBackend func(t *testing.T) backend) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	t.Run("dedup scope conflict", func(t *testing.T) {
		b := newBackend(t)
		if err := b.CreateFile(ctx, newRecord("f1", digestA, "u1", "avatars", now), true); err != nil {
			t.Fatalf("CreateFile() error = %v", err)
		}
		err := b.CreateFile(ctx, newRecord("f2", digestA, "u1", "avatars", now), true)
		if !errors.Is(err, ErrConflict) {
			t.Fatalf("CreateFile(duplicate) error = %v, want ErrConflict", err)
		}
		if err := b.CreateFile(ctx, newRecord("f3", digestA, "u2", "avatars", now), true); err != nil {
			t.Errorf("CreateFile(other uploader) error = %v", err)
		}
		if err := b.CreateFile(ctx, newRecord("f4", digestA, "u1", "docs", now), true); err != nil {
			t.Errorf("CreateFile(other bucket) error = %v", err)
		}
		if err := b.CreateFile(ctx, newRecord("f5", digestA, "u1", "avatars", now), false); err != nil {
			t.Errorf("CreateFile(dedup disabled) error = %v", err)
		}

		got, err := b.FindActiveByScope(ctx, digestA, "u1", "avatars")
		if err != nil {
			t.Fatalf("FindActiveByScope() error = %v", err)
		}
		if got.FileID != "f1" {
			t.Errorf("FindActiveByScope() = %v, want f1", got.FileID)
		}
		all, err := b.FindActiveByMD5(ctx, digestA, 10)
		if err != nil {
			t.Fatalf("FindActiveByMD5() error = %v", err)
		}
		if len(all) != 4 {
			t.Errorf("FindActiveByMD5() returned %d records, want 4", len(all))
		}
	})

	t.Run("duplicate file id", func(t *testing.T) {
		b := newBackend(t)
		rec := newRecord("dup", digestA, "u1", "avatars", now)
		if err := b.CreateFile(ctx, rec, false); err != nil {
			t.Fatalf("CreateFile() error = %v", err)
		}
		if err := b.CreateFile(ctx, rec, false); !errors.Is(err, ErrConflict) {
			t.Errorf("CreateFile(same id) error = %v, want ErrConflict", err)
		}
	})

	t.Run("soft delete is one way and frees the scope", func(t *testing.T) {
		b := newBackend(t)
		if err := b.CreateFile(ctx, newRecord("f1", digestA, "u1", "avatars", now), true); err != nil {
			t.Fatalf("CreateFile() error = %v", err)
		}
		ok, err := b.MarkDeleted(ctx, "f1")
		if err != nil || !ok {
			t.Fatalf("MarkDeleted() = %v, %v, want true, nil", ok, err)
		}
		ok, err = b.MarkDeleted(ctx, "f1")
		if err != nil || ok {
			t.Errorf("MarkDeleted(again) = %v, %v, want false, nil", ok, err)
		}
		if _, err := b.MarkDeleted(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("MarkDeleted(missing) error = %v, want ErrNotFound", err)
		}

		rec, err := b.GetFile(ctx, "f1")
		if err != nil {
			t.Fatalf("GetFile() error = %v", err)
		}
		if rec.Status != model.StatusDeleted {
			t.Errorf("status = %v, want %v", rec.Status, model.StatusDeleted)
		}
		if _, err := b.FindActiveByScope(ctx, digestA, "u1", "avatars"); !errors.Is(err, ErrNotFound) {
			t.Errorf("FindActiveByScope() after delete error = %v, want ErrNotFound", err)
		}
		if err := b.CreateFile(ctx, newRecord("f2", digestA, "u1", "avatars", now), true); err != nil {
			t.Errorf("CreateFile() after delete error = %v", err)
		}
	})

	t.Run("batch delete reports transitions", func(t *testing.T) {
		b := newBackend(t)
		for _, id := range []string{"a", "b", "c"} {
			if err := b.CreateFile(ctx, newRecord(id, digestA, "u-"+id, "avatars", now), true); err != nil {
				t.Fatalf("CreateFile(%s) error = %v", id, err)
			}
		}
		if _, err := b.MarkDeleted(ctx, "c"); err != nil {
			t.Fatalf("MarkDeleted() error = %v", err)
		}
		changed, err := b.MarkDeletedBatch(ctx, []string{"a", "b", "c", "missing"})
		if err != nil {
			t.Fatalf("MarkDeletedBatch() error = %v", err)
		}
		sort.Strings(changed)
		if got := strings.Join(changed, ","); got != "a,b" {
			t.Errorf("MarkDeletedBatch() = %v, want [a b]", changed)
		}
	})

	t.Run("replace supersedes in one step", func(t *testing.T) {
		b := newBackend(t)
		if err := b.CreateFile(ctx, newRecord("old", digestA, "u1", "avatars", now), true); err != nil {
			t.Fatalf("CreateFile() error = %v", err)
		}
		replaced, err := b.ReplaceFile(ctx, "old", newRecord("new", digestA, "u1", "avatars", now.Add(time.Second)), true)
		if err != nil {
			t.Fatalf("ReplaceFile() error = %v", err)
		}
		if !replaced {
			t.Errorf("ReplaceFile() replaced = false, want true")
		}
		if rec, _ := b.GetFile(ctx, "old"); rec.IsActive() {
			t.Errorf("superseded record still active")
		}
		if rec, err := b.FindActiveByScope(ctx, digestA, "u1", "avatars"); err != nil || rec.FileID != "new" {
			t.Errorf("FindActiveByScope() = %v, %v, want new", rec, err)
		}
	})

	t.Run("failed replace leaves superseded record active", func(t *testing.T) {
		b := newBackend(t)
		if err := b.CreateFile(ctx, newRecord("old", digestA, "u1", "avatars", now), true); err != nil {
			t.Fatalf("CreateFile() error = %v", err)
		}
		if err := b.CreateFile(ctx, newRecord("taken", digestB, "u1", "avatars", now), true); err != nil {
			t.Fatalf("CreateFile() error = %v", err)
		}
		_, err := b.ReplaceFile(ctx, "old", newRecord("taken", digestA, "u1", "avatars", now), true)
		if !errors.Is(err, ErrConflict) {
			t.Fatalf("ReplaceFile() error = %v, want ErrConflict", err)
		}
		if rec, _ := b.GetFile(ctx, "old"); !rec.IsActive() {
			t.Errorf("superseded record status = %s after failed replace, want active", rec.Status)
		}
	})

	t.Run("access accounting", func(t *testing.T) {
		b := newBackend(t)
		if err := b.CreateFile(ctx, newRecord("f1", digestA, "u1", "avatars", now), true); err != nil {
			t.Fatalf("CreateFile() error = %v", err)
		}
		for i := 0; i < 3; i++ {
			if err := b.RecordAccess(ctx, "f1", now.Add(time.Duration(i)*time.Second)); err != nil {
				t.Fatalf("RecordAccess() error = %v", err)
			}
			entry := model.AccessLogEntry{
				ID:         uuid.NewString(),
				FileID:     "f1",
				AccessorID: "u1",
				AccessType: model.AccessDownload,
				AccessedAt: now.Add(time.Duration(i) * time.Second),
			}
			if err := b.AppendAccessLog(ctx, entry); err != nil {
				t.Fatalf("AppendAccessLog() error = %v", err)
			}
		}
		rec, _ := b.GetFile(ctx, "f1")
		if rec.AccessCount != 3 {
			t.Errorf("AccessCount = %d, want 3", rec.AccessCount)
		}
		if rec.LastAccessedAt == nil || !rec.LastAccessedAt.Equal(now.Add(2*time.Second)) {
			t.Errorf("LastAccessedAt = %v, want %v", rec.LastAccessedAt, now.Add(2*time.Second))
		}
		logs, err := b.ListAccessLogs(ctx, "f1", 2)
		if err != nil {
			t.Fatalf("ListAccessLogs() error = %v", err)
		}
		if len(logs) != 2 || !logs[0].AccessedAt.After(logs[1].AccessedAt) {
			t.Errorf("ListAccessLogs() = %+v, want 2 entries newest first", logs)
		}

		if _, err := b.MarkDeleted(ctx, "f1"); err != nil {
			t.Fatalf("MarkDeleted() error = %v", err)
		}
		if err := b.RecordAccess(ctx, "f1", now); !errors.Is(err, ErrNotFound) {
			t.Errorf("RecordAccess(deleted) error = %v, want ErrNotFound", err)
		}
	})

	t.Run("list expired honours cutoff and bucket", func(t *testing.T) {
		b := newBackend(t)
		old := newRecord("old", digestA, "u1", "temp", now.Add(-25*time.Hour))
		fresh := newRecord("fresh", "11111111111111111111111111111111", "u1", "temp", now.Add(-time.Hour))
		other := newRecord("other", "22222222222222222222222222222222", "u1", "avatars", now.Add(-48*time.Hour))
		for _, r := range []model.FileRecord{old, fresh, other} {
			if err := b.CreateFile(ctx, r, true); err != nil {
				t.Fatalf("CreateFile(%s) error = %v", r.FileID, err)
			}
		}
		got, err := b.ListExpired(ctx, "temp", now.Add(-24*time.Hour), 10)
		if err != nil {
			t.Fatalf("ListExpired() error = %v", err)
		}
		if len(got) != 1 || got[0].FileID != "old" {
			t.Errorf("ListExpired() = %+v, want only old", got)
		}
	})

	t.Run("blobs", func(t *testing.T) {
		b := newBackend(t)
		if err := b.PutBlob(ctx, "f1", []byte("first")); err != nil {
			t.Fatalf("PutBlob() error = %v", err)
		}
		if err := b.PutBlob(ctx, "f1", []byte("0123456789")); err != nil {
			t.Fatalf("PutBlob(again) error = %v", err)
		}
		got, err := b.GetBlob(ctx, "f1")
		if err != nil || string(got) != "0123456789" {
			t.Errorf("GetBlob() = %q, %v", got, err)
		}
		count, size, err := b.BlobStats(ctx)
		if err != nil || count != 1 || size != 10 {
			t.Errorf("BlobStats() = %d, %d, %v, want 1, 10, nil", count, size, err)
		}
		if err := b.DeleteBlob(ctx, "f1"); err != nil {
			t.Fatalf("DeleteBlob() error = %v", err)
		}
		if err := b.DeleteBlob(ctx, "f1"); err != nil {
			t.Errorf("DeleteBlob(absent) error = %v", err)
		}
		if ok, _ := b.BlobExists(ctx, "f1"); ok {
			t.Errorf("BlobExists() after delete = true")
		}
		if _, err := b.GetBlob(ctx, "f1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetBlob(absent) error = %v, want ErrNotFound", err)
		}
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) backend { return NewMemory() })
}

func TestClampLimit(t *testing.T) {
	tests := []struct{ in, want int }{{0, 50}, {-1, 50}, {10, 10}, {1000, 500}}
	for _, tt := range tests {
		if got := clampLimit(tt.in, 50, 500); got != tt.want {
			t.Errorf("clampLimit(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestMigrateURL(t *testing.T) {
	tests := []struct{ in, want string }{
		{"postgres://u:p@h:5432/db?sslmode=disable", "pgx5://u:p@h:5432/db?sslmode=disable"},
		{"postgresql://u@h/db", "pgx5://u@h/db"},
		{"pgx5://u@h/db", "pgx5://u@h/db"},
	}
	for _, tt := range tests {
		if got := migrateURL(tt.in); got != tt.want {
			t.Errorf("migrateURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
