// internal/server/mux.go
// Package server implements the HTTP transport of the file storage service.
// Handlers are thin: they authenticate, decode, call FileService and encode the
// FileInfo projection. All policy lives in the service.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apperrors "github.com/RegistryAccord/registryaccord-filestore-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-filestore-go/internal/event"
	"github.com/RegistryAccord/registryaccord-filestore-go/internal/jwks"
	"github.com/RegistryAccord/registryaccord-filestore-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-filestore-go/internal/model"
	"github.com/RegistryAccord/registryaccord-filestore-go/internal/schema"
	"github.com/RegistryAccord/registryaccord-filestore-go/internal/service"
)

// ContextKey is used for context values to avoid collisions
// when storing values in request context
type ContextKey string

const (
	ContextKeyPrincipal     ContextKey = "principal"     // Authenticated caller
	ContextKeyCorrelationID ContextKey = "correlationId" // Unique ID for request tracking

	// Default limits for list operations
	DefaultListLimit = 50
	MaxListLimit     = 500

	// multipartOverhead is the allowance for form boundaries and the metadata part.
	multipartOverhead = 1 << 20
)

// Authenticator turns a bearer token into a principal.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (jwks.Principal, error)
}

// Options configure the transport.
type Options struct {
	MaxFileSize        int64
	CORSAllowedOrigins []string // Empty means no cross-origin access
}

// Mux handles HTTP requests for the file storage service.
type Mux struct {
	mux       *http.ServeMux
	svc       *service.FileService
	auth      Authenticator
	validator *schema.Validator
	metrics   *metrics.Metrics
	logger    *slog.Logger
	opts      Options
}

// NewMux creates the HTTP handler with every endpoint registered.
func NewMux(svc *service.FileService, auth Authenticator, opts Options, logger *slog.Logger) (http.Handler, error) {
	validator, err := schema.NewValidator()
	if err != nil {
		return nil, fmt.Errorf("initialize schema validator: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	m := &Mux{
		mux:       http.NewServeMux(),
		svc:       svc,
		auth:      auth,
		validator: validator,
		metrics:   metrics.NewMetrics(),
		logger:    logger.With("component", "http"),
		opts:      opts,
	}

	// Health endpoints
	m.mux.HandleFunc("GET /healthz", m.handleHealthz)
	m.mux.HandleFunc("GET /readyz", m.handleReadyz)
	m.mux.Handle("GET /metrics", promhttp.Handler())

	// File endpoints
	m.mux.HandleFunc("POST /v1/files", m.authed(m.handleUpload))
	m.mux.HandleFunc("GET /v1/files/{fileId}", m.authed(m.handleGetFile))
	m.mux.HandleFunc("GET /v1/files/{fileId}/content", m.authed(m.handleContent))
	m.mux.HandleFunc("DELETE /v1/files/{fileId}", m.authed(m.handleDelete))
	m.mux.HandleFunc("POST /v1/files/batchDelete", m.authed(m.handleBatchDelete))
	m.mux.HandleFunc("GET /v1/lookup/md5/{md5}", m.authed(m.handleLookupMD5))
	m.mux.HandleFunc("GET /v1/files/{fileId}/accessUrl", m.authed(m.handleAccessURL))
	m.mux.HandleFunc("GET /v1/files/{fileId}/downloadUrl", m.authed(m.handleDownloadURL))
	m.mux.HandleFunc("GET /v1/files/{fileId}/accessLog", m.authed(m.handleAccessLog))
	m.mux.HandleFunc("POST /v1/files/{fileId}/copy", m.authed(m.handleCopy))
	m.mux.HandleFunc("POST /v1/files/{fileId}/move", m.authed(m.handleMove))

	// Storage administration
	m.mux.HandleFunc("GET /v1/storage/strategies", m.authed(m.handleStrategies))
	m.mux.HandleFunc("PUT /v1/storage/strategy", m.authed(m.adminOnly(m.handleSwitchStrategy)))
	m.mux.HandleFunc("GET /v1/storage/stats", m.authed(m.adminOnly(m.handleStats)))
	m.mux.HandleFunc("GET /v1/storage/validate", m.authed(m.adminOnly(m.handleValidate)))

	// Signed blob links, authorized by their token
	m.mux.HandleFunc("GET /v1/blob/{fileId}", m.handleBlob)

	return m.withMiddleware(m.mux), nil
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// withMiddleware applies CORS, correlation IDs, request logging and metrics.
func (m *Mux) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		if origin := r.Header.Get("Origin"); origin != "" && m.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			if r.Method == http.MethodOptions {
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Correlation-Id")
				w.Header().Set("Access-Control-Max-Age", "86400") // 24 hours
			}
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		correlationID := r.Header.Get("X-Correlation-Id")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		ctx := context.WithValue(r.Context(), ContextKeyCorrelationID, correlationID)
		ctx = event.WithCorrelationID(ctx, correlationID)
		r = r.WithContext(ctx)
		w.Header().Set("X-Correlation-Id", correlationID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		duration := time.Since(start)
		status := strconv.Itoa(rec.status)
		m.metrics.HTTPRequestTotal.WithLabelValues(r.Method, path, status).Inc()
		m.metrics.HTTPRequestDuration.WithLabelValues(r.Method, path, status).Observe(duration.Seconds())
		m.logRequest(r, rec.status, duration, correlationID)
	})
}

func (m *Mux) originAllowed(origin string) bool {
	for _, allowed := range m.opts.CORSAllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// authed requires a valid bearer token and stores the principal in the context.
func (m *Mux) authed(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, err := m.authenticate(r)
		if err != nil {
			m.writeErr(w, r, err)
			return
		}
		h(w, r.WithContext(context.WithValue(r.Context(), ContextKeyPrincipal, principal)))
	}
}

// adminOnly rejects principals without the admin role.
func (m *Mux) adminOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if p, _ := r.Context().Value(ContextKeyPrincipal).(jwks.Principal); p.Role != model.RoleAdmin {
			m.writeErr(w, r, apperrors.New(apperrors.FS_FORBIDDEN, "administrator role required", ""))
			return
		}
		h(w, r)
	}
}

// authenticate validates the Authorization header.
func (m *Mux) authenticate(r *http.Request) (jwks.Principal, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return jwks.Principal{}, apperrors.New(apperrors.FS_AUTHN, "missing Authorization header", "")
	}
	tokenString, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok || tokenString == "" {
		return jwks.Principal{}, apperrors.New(apperrors.FS_AUTHN, "invalid Authorization header format", "")
	}

	principal, err := m.auth.Authenticate(r.Context(), tokenString)
	if err != nil {
		if errors.Is(err, jwks.ErrTokenExpired) {
			return jwks.Principal{}, apperrors.New(apperrors.FS_JWT_EXPIRED, "JWT token expired", "")
		}
		return jwks.Principal{}, apperrors.Wrap(apperrors.FS_JWT_INVALID, "invalid JWT", err)
	}
	return principal, nil
}

// accessor builds the explicit caller identity passed to every service call.
func accessor(r *http.Request) model.Accessor {
	p, _ := r.Context().Value(ContextKeyPrincipal).(jwks.Principal)
	return model.Accessor{
		ID:        p.Subject,
		Role:      p.Role,
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
		Referer:   r.Referer(),
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func correlationID(r *http.Request) string {
	id, _ := r.Context().Value(ContextKeyCorrelationID).(string)
	return id
}

// writeSuccess writes a successful response
func (m *Mux) writeSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": data})
}

// writeErr writes err in the error envelope, stamped with the request correlation ID.
func (m *Mux) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	e := apperrors.From(err).WithCorrelationID(correlationID(r))
	if e.HTTPStatus >= http.StatusInternalServerError {
		m.logger.Error("request failed",
			"code", e.Code,
			"path", r.URL.Path,
			"correlation_id", e.CorrelationID,
			"error", err,
		)
	}

	body := map[string]interface{}{
		"code":          e.Code,
		"message":       e.Message,
		"correlationId": e.CorrelationID,
	}
	if e.Details != nil {
		body["details"] = e.Details
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.HTTPStatus)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"error": body})
}

// logRequest logs request details
func (m *Mux) logRequest(r *http.Request, status int, duration time.Duration, correlationID string) {
	attrs := []slog.Attr{
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.Duration("duration", duration),
		slog.String("user_agent", r.UserAgent()),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("correlation_id", correlationID),
	}
	level := slog.LevelInfo
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	m.logger.LogAttrs(r.Context(), level, "request completed", attrs...)
}

// listLimit parses the limit query parameter, clamping it to MaxListLimit.
func listLimit(r *http.Request) int {
	limit := DefaultListLimit
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = min(v, MaxListLimit)
	}
	return limit
}

// handleHealthz handles liveness health check requests
func (m *Mux) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz reports whether the metadata store answers.
func (m *Mux) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := m.svc.Ping(ctx); err != nil {
		m.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
