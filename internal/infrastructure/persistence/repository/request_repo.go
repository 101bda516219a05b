package repository

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/garyjia/doc-approval/internal/application/port"
	"github.com/garyjia/doc-approval/internal/domain/entity"
	"github.com/garyjia/doc-approval/internal/infrastructure/persistence/sqlite"
)

// RequestRepository implements port.RequestRepository
type RequestRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewRequestRepository creates a new approval request repository
func NewRequestRepository(db *sql.DB, logger *zap.Logger) port.RequestRepository {
	return &RequestRepository{
		db:     db,
		logger: logger,
	}
}

const requestColumns = `
	id, document_id, document_type, chain_id, chain_version,
	current_step, total_steps, status, priority,
	deadline, escalation_date, step_activated_at,
	assigned_to, parallel_required, consensus_type, parallel_status,
	escalation_level, escalation_used, step_generation,
	metadata, submitted_by, created_at, updated_at, completed_at`

const activeStatuses = `('pending', 'in_progress', 'escalated')`

// Create inserts a new approval request
func (r *RequestRepository) Create(ctx context.Context, req *entity.ApprovalRequest) error {
	args, err := requestArgs(req)
	if err != nil {
		return err
	}

	query := `INSERT INTO approval_requests (` + requestColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	if _, err := execFor(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		if sqlite.IsConstraint(err) && !req.Status.IsTerminal() {
			return fmt.Errorf("%w: %s", entity.ErrActiveRequestExists, req.DocumentID)
		}
		r.logger.Error("Failed to create approval request",
			zap.String("request_id", req.ID),
			zap.String("document_id", req.DocumentID),
			zap.Error(err))
		return fmt.Errorf("failed to create approval request: %w", err)
	}
	return nil
}

// Update overwrites the mutable state of an approval request
func (r *RequestRepository) Update(ctx context.Context, req *entity.ApprovalRequest) error {
	assigned, err := toJSON(nonNil(req.AssignedTo))
	if err != nil {
		return err
	}
	parallel, err := toJSON(req.Parallel)
	if err != nil {
		return err
	}
	used, err := toJSON(nonNil(req.EscalationUsed))
	if err != nil {
		return err
	}
	metadata, err := toJSON(req.Metadata)
	if err != nil {
		return err
	}

	query := `
		UPDATE approval_requests SET
			current_step = ?, total_steps = ?, status = ?, priority = ?,
			deadline = ?, escalation_date = ?, step_activated_at = ?,
			assigned_to = ?, parallel_required = ?, consensus_type = ?, parallel_status = ?,
			escalation_level = ?, escalation_used = ?, step_generation = ?,
			metadata = ?, updated_at = ?, completed_at = ?
		WHERE id = ?
	`

	result, err := execFor(ctx, r.db).ExecContext(ctx, query,
		req.CurrentStep, req.TotalSteps, string(req.Status), req.Priority,
		formatTime(req.Deadline), formatNullTime(req.EscalationDate), formatTime(req.StepActivatedAt),
		assigned, boolToInt(req.ParallelApprovalRequired), string(req.ConsensusType), parallel,
		req.EscalationLevel, used, req.StepGeneration,
		metadata, formatTime(req.UpdatedAt), formatNullTime(req.CompletedAt),
		req.ID,
	)
	if err != nil {
		r.logger.Error("Failed to update approval request",
			zap.String("request_id", req.ID),
			zap.Error(err))
		return fmt.Errorf("failed to update approval request: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", entity.ErrRequestNotFound, req.ID)
	}
	return nil
}

// GetByID retrieves a request by its ID
func (r *RequestRepository) GetByID(ctx context.Context, id string) (*entity.ApprovalRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM approval_requests WHERE id = ?`

	req, err := scanRequest(execFor(ctx, r.db).QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		r.logger.Error("Failed to get approval request",
			zap.String("request_id", id),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get approval request: %w", err)
	}
	return req, nil
}

// GetActiveByDocument returns the non-terminal request for a document, if any
func (r *RequestRepository) GetActiveByDocument(ctx context.Context, documentID string) (*entity.ApprovalRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM approval_requests
		WHERE document_id = ? AND status IN ` + activeStatuses + `
		LIMIT 1`

	req, err := scanRequest(execFor(ctx, r.db).QueryRowContext(ctx, query, documentID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		r.logger.Error("Failed to get active request by document",
			zap.String("document_id", documentID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get active request: %w", err)
	}
	return req, nil
}

// ListAssignedTo returns active requests whose current assignees include actor
func (r *RequestRepository) ListAssignedTo(ctx context.Context, actor string) ([]*entity.ApprovalRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM approval_requests
		WHERE status IN ` + activeStatuses + `
		AND EXISTS (SELECT 1 FROM json_each(approval_requests.assigned_to) WHERE json_each.value = ?)
		ORDER BY deadline ASC, created_at ASC`

	return r.list(ctx, query, actor)
}

// ListActive returns all non-terminal requests
func (r *RequestRepository) ListActive(ctx context.Context) ([]*entity.ApprovalRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM approval_requests
		WHERE status IN ` + activeStatuses + `
		ORDER BY created_at ASC`

	return r.list(ctx, query)
}

func (r *RequestRepository) list(ctx context.Context, query string, args ...interface{}) ([]*entity.ApprovalRequest, error) {
	rows, err := execFor(ctx, r.db).QueryContext(ctx, query, args...)
	if err != nil {
		r.logger.Error("Failed to list approval requests", zap.Error(err))
		return nil, fmt.Errorf("failed to list approval requests: %w", err)
	}
	defer rows.Close()

	var requests []*entity.ApprovalRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan approval request: %w", err)
		}
		requests = append(requests, req)
	}
	return requests, rows.Err()
}

func requestArgs(req *entity.ApprovalRequest) ([]interface{}, error) {
	assigned, err := toJSON(nonNil(req.AssignedTo))
	if err != nil {
		return nil, err
	}
	parallel, err := toJSON(req.Parallel)
	if err != nil {
		return nil, err
	}
	used, err := toJSON(nonNil(req.EscalationUsed))
	if err != nil {
		return nil, err
	}
	metadata, err := toJSON(req.Metadata)
	if err != nil {
		return nil, err
	}

	return []interface{}{
		req.ID, req.DocumentID, req.DocumentType, req.ChainID, req.ChainVersion,
		req.CurrentStep, req.TotalSteps, string(req.Status), req.Priority,
		formatTime(req.Deadline), formatNullTime(req.EscalationDate), formatTime(req.StepActivatedAt),
		assigned, boolToInt(req.ParallelApprovalRequired), string(req.ConsensusType), parallel,
		req.EscalationLevel, used, req.StepGeneration,
		metadata, req.SubmittedBy, formatTime(req.CreatedAt), formatTime(req.UpdatedAt), formatNullTime(req.CompletedAt),
	}, nil
}

func scanRequest(row scanner) (*entity.ApprovalRequest, error) {
	var (
		req                                     entity.ApprovalRequest
		status, consensus                       string
		deadline, activatedAt, created, updated string
		escalationDate, completedAt             sql.NullString
		assigned, parallel, used, metadata      string
		parallelRequired                        int
	)

	err := row.Scan(
		&req.ID, &req.DocumentID, &req.DocumentType, &req.ChainID, &req.ChainVersion,
		&req.CurrentStep, &req.TotalSteps, &status, &req.Priority,
		&deadline, &escalationDate, &activatedAt,
		&assigned, &parallelRequired, &consensus, &parallel,
		&req.EscalationLevel, &used, &req.StepGeneration,
		&metadata, &req.SubmittedBy, &created, &updated, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	req.Status = entity.RequestStatus(status)
	req.ConsensusType = entity.ConsensusType(consensus)
	req.ParallelApprovalRequired = parallelRequired != 0

	if req.Deadline, err = parseTime(deadline); err != nil {
		return nil, err
	}
	if req.StepActivatedAt, err = parseTime(activatedAt); err != nil {
		return nil, err
	}
	if req.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if req.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	if req.EscalationDate, err = parseNullTime(escalationDate); err != nil {
		return nil, err
	}
	if req.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, err
	}

	if err := fromJSON(assigned, &req.AssignedTo); err != nil {
		return nil, err
	}
	if err := fromJSON(parallel, &req.Parallel); err != nil {
		return nil, err
	}
	if err := fromJSON(used, &req.EscalationUsed); err != nil {
		return nil, err
	}
	if err := fromJSON(metadata, &req.Metadata); err != nil {
		return nil, err
	}

	return &req, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// Verify interface compliance
var _ port.RequestRepository = (*RequestRepository)(nil)
