// internal/storage/postgres.go
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/RegistryAccord/registryaccord-filestore-go/internal/model"
)

// uniqueViolation is the SQLSTATE PostgreSQL reports for a unique index clash.
const uniqueViolation = "23505"

const fileColumns = `file_id, original_name, stored_name, storage_path, storage_type, size_bytes,
	mime_type, extension, category, md5, sha256, uploader_id, uploader_role, bucket, is_public,
	status, access_count, last_accessed_at, created_at, updated_at`

// Postgres implements Store and BlobStore on PostgreSQL.
// Uniqueness and status transitions are enforced by the database so that
// concurrent service instances agree.
type Postgres struct {
	db *pgxpool.Pool // Connection pool to PostgreSQL database
}

// NewPostgres creates a connection pool for dsn and verifies it with a ping.
// The schema is expected to be in place; see Migrate.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database DSN: %w", err)
	}

	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute
	config.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Postgres{db: pool}, nil
}

// Close closes the database connection pool
func (p *Postgres) Close() {
	p.db.Close()
}

// Ping checks database connectivity.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.Ping(ctx)
}

// execer is satisfied by both the pool and a transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// CreateFile inserts a record. A violation of either the primary key or the
// dedup index maps to ErrConflict.
func (p *Postgres) CreateFile(ctx context.Context, rec model.FileRecord, enforceUnique bool) error {
	return insertFile(ctx, p.db, rec, enforceUnique)
}

// ReplaceFile supersedes one record with another inside a transaction, so a failed
// insert leaves the superseded record Active.
func (p *Postgres) ReplaceFile(ctx context.Context, supersededID string, rec model.FileRecord, enforceUnique bool) (bool, error) {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE file_records SET status = 'deleted', updated_at = NOW()
		 WHERE file_id = $1 AND status = 'active'`, supersededID)
	if err != nil {
		return false, fmt.Errorf("failed to supersede file record: %w", err)
	}
	if err := insertFile(ctx, tx, rec, enforceUnique); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func insertFile(ctx context.Context, db execer, rec model.FileRecord, enforceUnique bool) error {
	var dedupKey *string
	if enforceUnique {
		dedupKey = &rec.MD5
	}

	query := `INSERT INTO file_records (` + fileColumns + `, dedup_key)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`

	_, err := db.Exec(ctx, query,
		rec.FileID,
		rec.OriginalName,
		rec.StoredName,
		rec.StoragePath,
		rec.StorageType,
		rec.SizeBytes,
		rec.MimeType,
		rec.Extension,
		string(rec.Category),
		rec.MD5,
		rec.SHA256,
		rec.UploaderID,
		string(rec.UploaderRole),
		rec.Bucket,
		rec.IsPublic,
		string(model.StatusActive),
		rec.AccessCount,
		rec.LastAccessedAt,
		rec.CreatedAt,
		rec.UpdatedAt,
		dedupKey)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrConflict
		}
		return fmt.Errorf("failed to create file record: %w", err)
	}
	return nil
}

// GetFile returns a record by id regardless of status.
func (p *Postgres) GetFile(ctx context.Context, fileID string) (*model.FileRecord, error) {
	query := `SELECT ` + fileColumns + ` FROM file_records WHERE file_id = $1`
	rec, err := scanFile(p.db.QueryRow(ctx, query, fileID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get file record: %w", err)
	}
	return rec, nil
}

func (p *Postgres) FindActiveByScope(ctx context.Context, md5, uploaderID, bucket string) (*model.FileRecord, error) {
	query := `SELECT ` + fileColumns + ` FROM file_records
	          WHERE md5 = $1 AND uploader_id = $2 AND bucket = $3 AND status = 'active'
	          ORDER BY created_at ASC, file_id ASC LIMIT 1`
	rec, err := scanFile(p.db.QueryRow(ctx, query, md5, uploaderID, bucket))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find file record: %w", err)
	}
	return rec, nil
}

func (p *Postgres) FindActiveByMD5(ctx context.Context, md5 string, limit int) ([]model.FileRecord, error) {
	query := `SELECT ` + fileColumns + ` FROM file_records
	          WHERE md5 = $1 AND status = 'active'
	          ORDER BY created_at ASC, file_id ASC LIMIT $2`
	return p.queryFiles(ctx, query, md5, clampLimit(limit, 50, 500))
}

func (p *Postgres) MarkDeleted(ctx context.Context, fileID string) (bool, error) {
	tag, err := p.db.Exec(ctx,
		`UPDATE file_records SET status = 'deleted', updated_at = NOW()
		 WHERE file_id = $1 AND status = 'active'`, fileID)
	if err != nil {
		return false, fmt.Errorf("failed to delete file record: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := p.GetFile(ctx, fileID); err != nil {
		return false, err
	}
	return false, nil
}

// MarkDeletedBatch soft-deletes many records in one statement and returns the
// ids that transitioned.
func (p *Postgres) MarkDeletedBatch(ctx context.Context, fileIDs []string) ([]string, error) {
	if len(fileIDs) == 0 {
		return []string{}, nil
	}

	rows, err := p.db.Query(ctx,
		`UPDATE file_records SET status = 'deleted', updated_at = NOW()
		 WHERE file_id = ANY($1) AND status = 'active'
		 RETURNING file_id`, fileIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to delete file records: %w", err)
	}
	changed, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to delete file records: %w", err)
	}
	return changed, nil
}

// RecordAccess increments the counter atomically in the row.
func (p *Postgres) RecordAccess(ctx context.Context, fileID string, at time.Time) error {
	tag, err := p.db.Exec(ctx,
		`UPDATE file_records SET access_count = access_count + 1, last_accessed_at = $2
		 WHERE file_id = $1 AND status = 'active'`, fileID, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to record access: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) AppendAccessLog(ctx context.Context, e model.AccessLogEntry) error {
	_, err := p.db.Exec(ctx,
		`INSERT INTO file_access_logs (id, file_id, accessor_id, accessor_role, accessor_ip, user_agent, referer, access_type, accessed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.FileID, e.AccessorID, string(e.AccessorRole), e.AccessorIP,
		e.UserAgent, e.Referer, string(e.AccessType), e.AccessedAt)
	if err != nil {
		return fmt.Errorf("failed to append access log: %w", err)
	}
	return nil
}

func (p *Postgres) ListAccessLogs(ctx context.Context, fileID string, limit int) ([]model.AccessLogEntry, error) {
	rows, err := p.db.Query(ctx,
		`SELECT id, file_id, accessor_id, accessor_role, accessor_ip, user_agent, referer, access_type, accessed_at
		 FROM file_access_logs WHERE file_id = $1
		 ORDER BY accessed_at DESC, id DESC LIMIT $2`, fileID, clampLimit(limit, 50, 500))
	if err != nil {
		return nil, fmt.Errorf("failed to list access logs: %w", err)
	}
	defer rows.Close()

	entries := make([]model.AccessLogEntry, 0)
	for rows.Next() {
		var (
			e                model.AccessLogEntry
			role, accessType string
		)
		if err := rows.Scan(&e.ID, &e.FileID, &e.AccessorID, &role, &e.AccessorIP,
			&e.UserAgent, &e.Referer, &accessType, &e.AccessedAt); err != nil {
			return nil, fmt.Errorf("failed to scan access log: %w", err)
		}
		e.AccessorRole = model.Role(role)
		e.AccessType = model.AccessType(accessType)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (p *Postgres) ListExpired(ctx context.Context, bucket string, cutoff time.Time, limit int) ([]model.FileRecord, error) {
	query := `SELECT ` + fileColumns + ` FROM file_records
	          WHERE bucket = $1 AND status = 'active' AND created_at < $2
	          ORDER BY created_at ASC, file_id ASC LIMIT $3`
	return p.queryFiles(ctx, query, bucket, cutoff, clampLimit(limit, 100, 1000))
}

// PutBlob upserts the payload so that repeated stores of one file ID converge.
func (p *Postgres) PutBlob(ctx context.Context, fileID string, payload []byte) error {
	_, err := p.db.Exec(ctx,
		`INSERT INTO file_payloads (file_id, payload) VALUES ($1, $2)
		 ON CONFLICT (file_id) DO UPDATE SET payload = EXCLUDED.payload`, fileID, payload)
	if err != nil {
		return fmt.Errorf("failed to store payload: %w", err)
	}
	return nil
}

func (p *Postgres) GetBlob(ctx context.Context, fileID string) ([]byte, error) {
	var payload []byte
	err := p.db.QueryRow(ctx, `SELECT payload FROM file_payloads WHERE file_id = $1`, fileID).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read payload: %w", err)
	}
	return payload, nil
}

func (p *Postgres) DeleteBlob(ctx context.Context, fileID string) error {
	if _, err := p.db.Exec(ctx, `DELETE FROM file_payloads WHERE file_id = $1`, fileID); err != nil {
		return fmt.Errorf("failed to delete payload: %w", err)
	}
	return nil
}

func (p *Postgres) BlobExists(ctx context.Context, fileID string) (bool, error) {
	var exists bool
	err := p.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM file_payloads WHERE file_id = $1)`, fileID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check payload: %w", err)
	}
	return exists, nil
}

func (p *Postgres) BlobStats(ctx context.Context) (int64, int64, error) {
	var count, size int64
	err := p.db.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(SUM(octet_length(payload)), 0) FROM file_payloads`).Scan(&count, &size)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to compute payload stats: %w", err)
	}
	return count, size, nil
}

func (p *Postgres) queryFiles(ctx context.Context, query string, args ...any) ([]model.FileRecord, error) {
	rows, err := p.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query file records: %w", err)
	}
	defer rows.Close()

	recs := make([]model.FileRecord, 0)
	for rows.Next() {
		rec, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan file record: %w", err)
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

// scanFile reads one row laid out as fileColumns.
func scanFile(row pgx.Row) (*model.FileRecord, error) {
	var (
		rec                    model.FileRecord
		category, role, status string
	)
	err := row.Scan(
		&rec.FileID,
		&rec.OriginalName,
		&rec.StoredName,
		&rec.StoragePath,
		&rec.StorageType,
		&rec.SizeBytes,
		&rec.MimeType,
		&rec.Extension,
		&category,
		&rec.MD5,
		&rec.SHA256,
		&rec.UploaderID,
		&role,
		&rec.Bucket,
		&rec.IsPublic,
		&status,
		&rec.AccessCount,
		&rec.LastAccessedAt,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Category = model.FileCategory(category)
	rec.UploaderRole = model.Role(role)
	rec.Status = model.FileStatus(status)
	return &rec, nil
}
