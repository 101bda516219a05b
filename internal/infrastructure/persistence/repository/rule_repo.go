package repository

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/garyjia/doc-approval/internal/application/port"
	"github.com/garyjia/doc-approval/internal/domain/entity"
)

// RuleRepository implements port.RuleRepository
type RuleRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewRuleRepository creates a new routing rule repository
func NewRuleRepository(db *sql.DB, logger *zap.Logger) port.RuleRepository {
	return &RuleRepository{
		db:     db,
		logger: logger,
	}
}

// Save inserts or replaces a routing rule
func (r *RuleRepository) Save(ctx context.Context, rule *entity.RoutingRule) error {
	conditions, err := toJSON(rule.Conditions)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO routing_rules (
			id, name, conditions, target_chain_id, priority, is_active, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			conditions = excluded.conditions,
			target_chain_id = excluded.target_chain_id,
			priority = excluded.priority,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at
	`

	_, err = execFor(ctx, r.db).ExecContext(ctx, query,
		rule.ID, rule.Name, conditions, rule.TargetChainID, rule.Priority,
		boolToInt(rule.IsActive), formatTime(rule.CreatedAt), formatTime(rule.UpdatedAt),
	)
	if err != nil {
		r.logger.Error("Failed to save routing rule", zap.String("rule_id", rule.ID), zap.Error(err))
		return fmt.Errorf("failed to save routing rule: %w", err)
	}
	return nil
}

// ListActive returns active rules ordered by ascending priority, ties by id
func (r *RuleRepository) ListActive(ctx context.Context) ([]*entity.RoutingRule, error) {
	query := `
		SELECT id, name, conditions, target_chain_id, priority, is_active, created_at, updated_at
		FROM routing_rules
		WHERE is_active = 1
		ORDER BY priority ASC, id ASC
	`

	rows, err := execFor(ctx, r.db).QueryContext(ctx, query)
	if err != nil {
		r.logger.Error("Failed to list routing rules", zap.Error(err))
		return nil, fmt.Errorf("failed to list routing rules: %w", err)
	}
	defer rows.Close()

	var rules []*entity.RoutingRule
	for rows.Next() {
		var (
			rule             entity.RoutingRule
			conditions       string
			active           int
			created, updated string
		)
		if err := rows.Scan(&rule.ID, &rule.Name, &conditions, &rule.TargetChainID,
			&rule.Priority, &active, &created, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan routing rule: %w", err)
		}
		rule.IsActive = active != 0
		if rule.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		if rule.UpdatedAt, err = parseTime(updated); err != nil {
			return nil, err
		}
		if err := fromJSON(conditions, &rule.Conditions); err != nil {
			return nil, err
		}
		rules = append(rules, &rule)
	}
	return rules, rows.Err()
}

// Verify interface compliance
var _ port.RuleRepository = (*RuleRepository)(nil)
