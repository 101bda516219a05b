package repository

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/garyjia/doc-approval/internal/application/port"
	"github.com/garyjia/doc-approval/internal/domain/audit"
	"github.com/garyjia/doc-approval/internal/domain/entity"
)

// AuditRepository implements port.AuditRepository on the append-only
// audit_log table. Triggers in the schema reject UPDATE and DELETE.
type AuditRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewAuditRepository creates a new audit log repository
func NewAuditRepository(db *sql.DB, logger *zap.Logger) port.AuditRepository {
	return &AuditRepository{
		db:     db,
		logger: logger,
	}
}

const auditColumns = `sequence, timestamp, actor, action, document_id, request_id, details, checksum, chain_checksum`

// Append writes one sealed entry
func (r *AuditRepository) Append(ctx context.Context, entry *entity.AuditLogEntry) error {
	details, err := toJSON(entry.Details)
	if err != nil {
		return err
	}

	exec := execFor(ctx, r.db)

	if entry.Sequence == 0 {
		if err := exec.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(sequence), 0) + 1 FROM audit_log`,
		).Scan(&entry.Sequence); err != nil {
			return fmt.Errorf("failed to allocate audit sequence: %w", err)
		}
	}

	query := `INSERT INTO audit_log (` + auditColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = exec.ExecContext(ctx, query,
		entry.Sequence, formatTime(entry.Timestamp), entry.Actor, string(entry.Action),
		entry.DocumentID, entry.RequestID, details, entry.Checksum, entry.ChainChecksum,
	)
	if err != nil {
		r.logger.Error("Failed to append audit entry",
			zap.Int64("sequence", entry.Sequence),
			zap.String("action", string(entry.Action)),
			zap.Error(err))
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// Tail returns the entry with the highest sequence, or nil for an empty log
func (r *AuditRepository) Tail(ctx context.Context) (*entity.AuditLogEntry, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_log ORDER BY sequence DESC LIMIT 1`

	entry, err := scanAudit(execFor(ctx, r.db).QueryRowContext(ctx, query))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		r.logger.Error("Failed to read audit tail", zap.Error(err))
		return nil, fmt.Errorf("failed to read audit tail: %w", err)
	}
	return entry, nil
}

// ListAscending returns the whole log in chain order
func (r *AuditRepository) ListAscending(ctx context.Context) ([]*entity.AuditLogEntry, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_log ORDER BY sequence ASC`
	return r.list(ctx, query)
}

// ListRecent returns a page of entries, newest first
func (r *AuditRepository) ListRecent(ctx context.Context, limit, offset int) ([]*entity.AuditLogEntry, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_log ORDER BY sequence DESC LIMIT ? OFFSET ?`
	return r.list(ctx, query, limit, offset)
}

// ListByRequest returns the entries of one request, newest first
func (r *AuditRepository) ListByRequest(ctx context.Context, requestID string) ([]*entity.AuditLogEntry, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_log WHERE request_id = ? ORDER BY sequence DESC`
	return r.list(ctx, query, requestID)
}

func (r *AuditRepository) list(ctx context.Context, query string, args ...interface{}) ([]*entity.AuditLogEntry, error) {
	rows, err := execFor(ctx, r.db).QueryContext(ctx, query, args...)
	if err != nil {
		r.logger.Error("Failed to list audit entries", zap.Error(err))
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []*entity.AuditLogEntry
	for rows.Next() {
		entry, err := scanAudit(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func scanAudit(row scanner) (*entity.AuditLogEntry, error) {
	var (
		entry             entity.AuditLogEntry
		timestamp, action string
		details           string
	)

	if err := row.Scan(&entry.Sequence, &timestamp, &entry.Actor, &action,
		&entry.DocumentID, &entry.RequestID, &details, &entry.Checksum, &entry.ChainChecksum); err != nil {
		return nil, err
	}

	entry.Action = entity.AuditAction(action)
	var err error
	if entry.Timestamp, err = parseTime(timestamp); err != nil {
		return nil, err
	}
	if entry.Details, err = audit.DecodeDetails([]byte(details)); err != nil {
		return nil, err
	}
	return &entry, nil
}

// Verify interface compliance
var _ port.AuditRepository = (*AuditRepository)(nil)
