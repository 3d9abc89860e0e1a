// Package model defines the data structures used throughout the file storage service.
// These structures represent stored files, their audit trail, and the projection
// returned to callers.
package model

import (
	"fmt"
	"strings"
	"time"
)

// FileStatus is the lifecycle state of a FileRecord. Active -> Deleted is the only transition.
type FileStatus string

const (
	StatusActive  FileStatus = "active"
	StatusDeleted FileStatus = "deleted"
)

// FileCategory is the coarse content class derived from the MIME type.
type FileCategory string

const (
	CategoryImage    FileCategory = "image"
	CategoryVideo    FileCategory = "video"
	CategoryAudio    FileCategory = "audio"
	CategoryDocument FileCategory = "document"
	CategoryOther    FileCategory = "other"
)

// Role is the tenant role of an uploader or accessor.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleBusiness Role = "business"
	RoleConsumer Role = "consumer"
)

// ParseRole maps a claim value onto a Role. Unknown values fall back to consumer,
// the least privileged role.
func ParseRole(s string) Role {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleAdmin:
		return RoleAdmin
	case RoleBusiness:
		return RoleBusiness
	default:
		return RoleConsumer
	}
}

// AccessType distinguishes inline reads from downloads in the audit log.
type AccessType string

const (
	AccessView     AccessType = "view"
	AccessDownload AccessType = "download"
)

// FileRecord is the catalog entry for one stored object.
// This corresponds to the file_records table in storage.
type FileRecord struct {
	FileID       string `json:"fileId" db:"file_id"`             // Opaque, immutable identifier
	OriginalName string `json:"originalName" db:"original_name"` // Name supplied by the uploader
	StoredName   string `json:"storedName" db:"stored_name"`     // Name used in the backend
	StoragePath  string `json:"storagePath" db:"storage_path"`   // Backend-specific locator
	StorageType  string `json:"storageType" db:"storage_type"`   // Strategy that holds the payload
	SizeBytes    int64  `json:"sizeBytes" db:"size_bytes"`

	MimeType  string       `json:"mimeType" db:"mime_type"`
	Extension string       `json:"extension" db:"extension"`
	Category  FileCategory `json:"category" db:"category"`

	MD5    string `json:"md5" db:"md5"`
	SHA256 string `json:"sha256" db:"sha256"`

	UploaderID   string `json:"uploaderId" db:"uploader_id"`
	UploaderRole Role   `json:"uploaderRole" db:"uploader_role"`

	Bucket   string `json:"bucket" db:"bucket"`
	IsPublic bool   `json:"isPublic" db:"is_public"`

	Status         FileStatus `json:"status" db:"status"`
	AccessCount    int64      `json:"accessCount" db:"access_count"`
	LastAccessedAt *time.Time `json:"lastAccessedAt,omitempty" db:"last_accessed_at"`
	CreatedAt      time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt      time.Time  `json:"updatedAt" db:"updated_at"`
}

// IsActive reports whether the record is still served.
func (r FileRecord) IsActive() bool {
	return r.Status == StatusActive
}

// CanBeManagedBy reports whether the accessor may delete or administer the record.
func (r FileRecord) CanBeManagedBy(a Accessor) bool {
	return a.Role == RoleAdmin || (a.ID != "" && a.ID == r.UploaderID)
}

// CanBeReadBy reports whether the accessor may read the payload.
func (r FileRecord) CanBeReadBy(a Accessor) bool {
	return r.IsPublic || r.CanBeManagedBy(a)
}

// AccessLogEntry is an append-only audit record of one successful read.
// This corresponds to the file_access_logs table in storage.
type AccessLogEntry struct {
	ID           string     `json:"id" db:"id"`
	FileID       string     `json:"fileId" db:"file_id"` // Weak reference, no ownership
	AccessorID   string     `json:"accessorId" db:"accessor_id"`
	AccessorRole Role       `json:"accessorRole" db:"accessor_role"`
	AccessorIP   string     `json:"accessorIp" db:"accessor_ip"`
	UserAgent    string     `json:"userAgent" db:"user_agent"`
	Referer      string     `json:"referer" db:"referer"`
	AccessType   AccessType `json:"accessType" db:"access_type"`
	AccessedAt   time.Time  `json:"accessedAt" db:"accessed_at"`
}

// Accessor identifies the caller of a storage operation. It is supplied explicitly by
// the transport on every call.
type Accessor struct {
	ID        string
	Role      Role
	IP        string
	UserAgent string
	Referer   string
}

// UploadRequest carries the caller-supplied metadata of an upload.
type UploadRequest struct {
	OriginalName string   `json:"originalName"`
	MimeType     string   `json:"mimeType,omitempty"` // Empty means sniff from content
	Bucket       string   `json:"bucket,omitempty"`   // Empty means the configured default
	IsPublic     bool     `json:"isPublic"`
	Overwrite    bool     `json:"overwrite"`
	DeclaredSize int64    `json:"size,omitempty"` // Optional, verified against the payload
	Uploader     Accessor `json:"-"`
}

// StorageStatistics is a best-effort usage snapshot of one strategy.
type StorageStatistics struct {
	TotalFiles      int64   `json:"totalFiles"`
	TotalSize       int64   `json:"totalSize"`
	AvailableSpace  int64   `json:"availableSpace"`
	UsagePercentage float64 `json:"usagePercentage"`
}

// FileInfo is the only shape returned across the service boundary.
type FileInfo struct {
	FileID         string       `json:"fileId"`
	Name           string       `json:"name"`
	Size           int64        `json:"size"`
	SizeFormatted  string       `json:"sizeFormatted"`
	MimeType       string       `json:"mimeType"`
	Category       FileCategory `json:"category"`
	MD5            string       `json:"md5"`
	Bucket         string       `json:"bucket"`
	AccessURL      string       `json:"accessUrl,omitempty"`
	DownloadURL    string       `json:"downloadUrl,omitempty"`
	IsPublic       bool         `json:"isPublic"`
	AccessCount    int64        `json:"accessCount"`
	CreatedAt      time.Time    `json:"createdAt"`
	UpdatedAt      time.Time    `json:"updatedAt"`
	LastAccessedAt *time.Time   `json:"lastAccessedAt,omitempty"`
}

// NewFileInfo projects a record onto the public FileInfo shape.
func NewFileInfo(r FileRecord, accessURL, downloadURL string) FileInfo {
	return FileInfo{
		FileID:         r.FileID,
		Name:           r.OriginalName,
		Size:           r.SizeBytes,
		SizeFormatted:  FormatSize(r.SizeBytes),
		MimeType:       r.MimeType,
		Category:       r.Category,
		MD5:            r.MD5,
		Bucket:         r.Bucket,
		AccessURL:      accessURL,
		DownloadURL:    downloadURL,
		IsPublic:       r.IsPublic,
		AccessCount:    r.AccessCount,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
		LastAccessedAt: r.LastAccessedAt,
	}
}

// CategoryFromMimeType derives the category of a payload from its MIME type.
func CategoryFromMimeType(mimeType string) FileCategory {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	switch {
	case strings.HasPrefix(mt, "image/"):
		return CategoryImage
	case strings.HasPrefix(mt, "video/"):
		return CategoryVideo
	case strings.HasPrefix(mt, "audio/"):
		return CategoryAudio
	case strings.HasPrefix(mt, "text/"),
		mt == "application/pdf",
		mt == "application/msword",
		mt == "application/rtf",
		strings.HasPrefix(mt, "application/vnd.openxmlformats-officedocument."),
		strings.HasPrefix(mt, "application/vnd.ms-"),
		strings.HasPrefix(mt, "application/vnd.oasis.opendocument."):
		return CategoryDocument
	default:
		return CategoryOther
	}
}

// FormatSize renders a byte count with binary units, e.g. "1.5 KB".
func FormatSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit && exp < 4; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTP"[exp])
}
