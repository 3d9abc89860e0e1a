package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel/attribute"

	apperrors "github.com/RegistryAccord/registryaccord-filestore-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-filestore-go/internal/model"
	"github.com/RegistryAccord/registryaccord-filestore-go/internal/schema"
	"github.com/RegistryAccord/registryaccord-filestore-go/internal/service"
	"github.com/RegistryAccord/registryaccord-filestore-go/internal/strategy"
	"github.com/RegistryAccord/registryaccord-filestore-go/internal/telemetry"
)

// decodeBody validates the request body against the named schema and decodes it into dst.
func (m *Mux) decodeBody(r *http.Request, name string, dst interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, multipartOverhead))
	if err != nil {
		return apperrors.New(apperrors.FS_BAD_REQUEST, "failed to read request body", "")
	}
	return m.decode(name, body, dst)
}

func (m *Mux) decode(name string, body []byte, dst interface{}) error {
	if err := m.validator.Validate(name, body); err != nil {
		var verr *schema.ValidationError
		if errors.As(err, &verr) {
			m.metrics.SchemaValidationTotal.WithLabelValues(name, "rejected").Inc()
			return apperrors.NewWithDetails(apperrors.FS_VALIDATION, "request body failed validation", "", verr.Issues)
		}
		m.metrics.SchemaValidationTotal.WithLabelValues(name, "malformed").Inc()
		return apperrors.New(apperrors.FS_BAD_REQUEST, "invalid JSON", "")
	}
	m.metrics.SchemaValidationTotal.WithLabelValues(name, "accepted").Inc()
	if err := json.Unmarshal(body, dst); err != nil {
		return apperrors.New(apperrors.FS_BAD_REQUEST, "invalid JSON", "")
	}
	return nil
}

// handleUpload handles POST /v1/files. The payload is the multipart part "file";
// an optional "metadata" part carries the UploadRequest fields as JSON.
func (m *Mux) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer("filestore/http").Start(r.Context(), "handleUpload")
	defer span.End()

	r.Body = http.MaxBytesReader(w, r.Body, m.opts.MaxFileSize+multipartOverhead)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			m.writeErr(w, r, apperrors.NewWithDetails(apperrors.FS_MEDIA_SIZE, "payload exceeds the maximum file size", "",
				map[string]int64{"maxSize": m.opts.MaxFileSize}))
			return
		}
		m.writeErr(w, r, apperrors.New(apperrors.FS_BAD_REQUEST, "expected a multipart/form-data body", ""))
		return
	}
	defer r.MultipartForm.RemoveAll()

	var req model.UploadRequest
	if meta := r.FormValue("metadata"); meta != "" {
		if err := m.decode(schema.UploadMetadata, []byte(meta), &req); err != nil {
			m.writeErr(w, r, err)
			return
		}
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		m.writeErr(w, r, apperrors.New(apperrors.FS_VALIDATION, "multipart part \"file\" is required", ""))
		return
	}
	defer file.Close()

	// Read one byte past the limit so the service can reject oversized payloads.
	payload, err := io.ReadAll(io.LimitReader(file, m.opts.MaxFileSize+1))
	if err != nil {
		m.writeErr(w, r, apperrors.New(apperrors.FS_BAD_REQUEST, "failed to read file part", ""))
		return
	}

	if req.OriginalName == "" {
		req.OriginalName = header.Filename
	}
	if req.MimeType == "" {
		req.MimeType = header.Header.Get("Content-Type")
	}
	req.Uploader = accessor(r)
	span.SetAttributes(attribute.String("file.name", req.OriginalName), attribute.Int("file.size", len(payload)))

	res, err := m.svc.Upload(ctx, payload, req)
	if err != nil {
		m.writeErr(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Deduplicated {
		status = http.StatusOK
	}
	m.writeSuccess(w, status, res)
}

// handleGetFile handles GET /v1/files/{fileId}.
func (m *Mux) handleGetFile(w http.ResponseWriter, r *http.Request) {
	info, err := m.svc.GetFileInfo(r.Context(), r.PathValue("fileId"), accessor(r))
	if err != nil {
		m.writeErr(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, info)
}

// handleContent handles GET /v1/files/{fileId}/content. disposition=inline serves
// a view, anything else a download.
func (m *Mux) handleContent(w http.ResponseWriter, r *http.Request) {
	var (
		c   *service.Content
		err error
	)
	if r.URL.Query().Get("disposition") == string(strategy.DispositionInline) {
		c, err = m.svc.View(r.Context(), r.PathValue("fileId"), accessor(r))
	} else {
		c, err = m.svc.Download(r.Context(), r.PathValue("fileId"), accessor(r))
	}
	if err != nil {
		m.writeErr(w, r, err)
		return
	}
	writeContent(w, c)
}

// handleBlob handles GET /v1/blob/{fileId}?token=..., the target of signed embedded URLs.
func (m *Mux) handleBlob(w http.ResponseWriter, r *http.Request) {
	a := model.Accessor{IP: clientIP(r), UserAgent: r.UserAgent(), Referer: r.Referer()}
	c, err := m.svc.ReadSigned(r.Context(), r.PathValue("fileId"), r.URL.Query().Get("token"), a)
	if err != nil {
		m.writeErr(w, r, err)
		return
	}
	writeContent(w, c)
}

func writeContent(w http.ResponseWriter, c *service.Content) {
	w.Header().Set("Content-Type", c.File.MimeType)
	w.Header().Set("Content-Length", strconv.Itoa(len(c.Data)))
	w.Header().Set("Content-Disposition", mime.FormatMediaType(string(c.Disposition), map[string]string{"filename": c.File.Name}))
	w.Header().Set("ETag", strconv.Quote(c.File.MD5))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Cache-Control", "private, no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(c.Data)
}

// handleDelete handles DELETE /v1/files/{fileId}.
func (m *Mux) handleDelete(w http.ResponseWriter, r *http.Request) {
	ok, err := m.svc.Delete(r.Context(), r.PathValue("fileId"), accessor(r))
	if err != nil {
		m.writeErr(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, map[string]bool{"deleted": ok})
}

// handleBatchDelete handles POST /v1/files/batchDelete.
func (m *Mux) handleBatchDelete(w http.ResponseWriter, r *http.Request) {
	var body struct {
		FileIDs []string `json:"fileIds"`
	}
	if err := m.decodeBody(r, schema.BatchDelete, &body); err != nil {
		m.writeErr(w, r, err)
		return
	}
	n, err := m.svc.BatchDelete(r.Context(), body.FileIDs, accessor(r))
	if err != nil {
		m.writeErr(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, map[string]int{"deleted": n})
}

// handleLookupMD5 handles GET /v1/lookup/md5/{md5}.
func (m *Mux) handleLookupMD5(w http.ResponseWriter, r *http.Request) {
	info, err := m.svc.GetFileByMD5(r.Context(), r.PathValue("md5"), accessor(r))
	if err != nil {
		m.writeErr(w, r, err)
		return
	}
	if info == nil {
		m.writeErr(w, r, apperrors.New(apperrors.FS_NOT_FOUND, "no file with this digest", ""))
		return
	}
	m.writeSuccess(w, http.StatusOK, info)
}

// handleAccessURL handles GET /v1/files/{fileId}/accessUrl[?ttlMinutes=N].
func (m *Mux) handleAccessURL(w http.ResponseWriter, r *http.Request) {
	u, err := m.svc.GenerateAccessURL(r.Context(), r.PathValue("fileId"), accessor(r), ttlMinutes(r))
	if err != nil {
		m.writeErr(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, map[string]string{"url": u})
}

// handleDownloadURL handles GET /v1/files/{fileId}/downloadUrl[?ttlMinutes=N].
func (m *Mux) handleDownloadURL(w http.ResponseWriter, r *http.Request) {
	u, err := m.svc.GenerateDownloadURL(r.Context(), r.PathValue("fileId"), accessor(r), ttlMinutes(r))
	if err != nil {
		m.writeErr(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, map[string]string{"url": u})
}

func ttlMinutes(r *http.Request) int {
	v, err := strconv.Atoi(r.URL.Query().Get("ttlMinutes"))
	if err != nil {
		return 0
	}
	return v
}

// handleAccessLog handles GET /v1/files/{fileId}/accessLog[?limit=N].
func (m *Mux) handleAccessLog(w http.ResponseWriter, r *http.Request) {
	entries, err := m.svc.ListAccessLogs(r.Context(), r.PathValue("fileId"), accessor(r), listLimit(r))
	if err != nil {
		m.writeErr(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

// handleCopy handles POST /v1/files/{fileId}/copy.
func (m *Mux) handleCopy(w http.ResponseWriter, r *http.Request) {
	m.relocate(w, r, m.svc.CopyFile)
}

// handleMove handles POST /v1/files/{fileId}/move.
func (m *Mux) handleMove(w http.ResponseWriter, r *http.Request) {
	m.relocate(w, r, m.svc.MoveFile)
}

type relocateFunc func(ctx context.Context, fileID, targetBucket string, operator model.Accessor) (*model.FileInfo, error)

func (m *Mux) relocate(w http.ResponseWriter, r *http.Request, fn relocateFunc) {
	var body struct {
		TargetBucket string `json:"targetBucket"`
	}
	if err := m.decodeBody(r, schema.CopyFile, &body); err != nil {
		m.writeErr(w, r, err)
		return
	}
	info, err := fn(r.Context(), r.PathValue("fileId"), body.TargetBucket, accessor(r))
	if err != nil {
		m.writeErr(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusCreated, info)
}

// handleStrategies handles GET /v1/storage/strategies.
func (m *Mux) handleStrategies(w http.ResponseWriter, r *http.Request) {
	m.writeSuccess(w, http.StatusOK, map[string]interface{}{
		"current":   m.svc.CurrentStrategy(),
		"available": m.svc.AvailableStrategies(),
	})
}

// handleSwitchStrategy handles PUT /v1/storage/strategy.
func (m *Mux) handleSwitchStrategy(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Strategy string `json:"strategy"`
	}
	if err := m.decodeBody(r, schema.SwitchStrategy, &body); err != nil {
		m.writeErr(w, r, err)
		return
	}
	ok, err := m.svc.SwitchStorageStrategy(r.Context(), body.Strategy)
	if err != nil {
		m.writeErr(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, map[string]interface{}{
		"switched": ok,
		"current":  m.svc.CurrentStrategy(),
	})
}

// handleStats handles GET /v1/storage/stats.
func (m *Mux) handleStats(w http.ResponseWriter, r *http.Request) {
	m.writeSuccess(w, http.StatusOK, map[string]interface{}{
		"strategy":   m.svc.CurrentStrategy(),
		"statistics": m.svc.StorageStatistics(r.Context()),
	})
}

// handleValidate handles GET /v1/storage/validate.
func (m *Mux) handleValidate(w http.ResponseWriter, r *http.Request) {
	m.writeSuccess(w, http.StatusOK, map[string]interface{}{
		"strategy": m.svc.CurrentStrategy(),
		"valid":    m.svc.ValidateCurrentStrategy(r.Context()),
	})
}
