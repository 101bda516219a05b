package repository

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/garyjia/doc-approval/internal/application/port"
	"github.com/garyjia/doc-approval/internal/domain/entity"
)

// ActionRepository implements port.ActionRepository
type ActionRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewActionRepository creates a new approval action repository
func NewActionRepository(db *sql.DB, logger *zap.Logger) port.ActionRepository {
	return &ActionRepository{
		db:     db,
		logger: logger,
	}
}

// Create records an approval action
func (r *ActionRepository) Create(ctx context.Context, action *entity.ApprovalAction) error {
	annotations, err := toJSON(action.Annotations)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO approval_actions (
			id, request_id, step_number, actor, decision, comments,
			annotations, ip_address, user_agent, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = execFor(ctx, r.db).ExecContext(ctx, query,
		action.ID, action.RequestID, action.StepNumber, action.Actor, string(action.Decision),
		action.Comments, annotations, action.Context.IPAddress, action.Context.UserAgent,
		formatTime(action.CreatedAt),
	)
	if err != nil {
		r.logger.Error("Failed to create approval action",
			zap.String("request_id", action.RequestID),
			zap.String("actor", action.Actor),
			zap.Error(err))
		return fmt.Errorf("failed to create approval action: %w", err)
	}
	return nil
}

// ListByRequest returns the actions of a request in recording order
func (r *ActionRepository) ListByRequest(ctx context.Context, requestID string) ([]*entity.ApprovalAction, error) {
	query := `
		SELECT id, request_id, step_number, actor, decision, comments,
			annotations, ip_address, user_agent, created_at
		FROM approval_actions
		WHERE request_id = ?
		ORDER BY created_at ASC, rowid ASC
	`

	rows, err := execFor(ctx, r.db).QueryContext(ctx, query, requestID)
	if err != nil {
		r.logger.Error("Failed to list approval actions", zap.String("request_id", requestID), zap.Error(err))
		return nil, fmt.Errorf("failed to list approval actions: %w", err)
	}
	defer rows.Close()

	var actions []*entity.ApprovalAction
	for rows.Next() {
		var (
			action      entity.ApprovalAction
			decision    string
			annotations string
			created     string
		)
		if err := rows.Scan(&action.ID, &action.RequestID, &action.StepNumber, &action.Actor,
			&decision, &action.Comments, &annotations, &action.Context.IPAddress,
			&action.Context.UserAgent, &created); err != nil {
			return nil, fmt.Errorf("failed to scan approval action: %w", err)
		}
		action.Decision = entity.Decision(decision)
		if action.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		if err := fromJSON(annotations, &action.Annotations); err != nil {
			return nil, err
		}
		actions = append(actions, &action)
	}
	return actions, rows.Err()
}

// Verify interface compliance
var _ port.ActionRepository = (*ActionRepository)(nil)
