package repository

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/garyjia/doc-approval/internal/application/port"
	"github.com/garyjia/doc-approval/internal/domain/entity"
)

// ChainRepository implements port.ChainRepository
type ChainRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewChainRepository creates a new approval chain repository
func NewChainRepository(db *sql.DB, logger *zap.Logger) port.ChainRepository {
	return &ChainRepository{
		db:     db,
		logger: logger,
	}
}

const chainColumns = `id, version, name, document_types, steps, is_active, created_at, updated_at`

// Save stores a chain version. Rewriting a version already referenced by a
// request is refused so in-flight requests keep the steps they started with.
func (r *ChainRepository) Save(ctx context.Context, chain *entity.ApprovalChain) error {
	if chain.Version == 0 {
		chain.Version = 1
	}

	types, err := toJSON(nonNil(chain.DocumentTypes))
	if err != nil {
		return err
	}
	steps, err := toJSON(chain.Steps)
	if err != nil {
		return err
	}

	exec := execFor(ctx, r.db)

	var referenced int
	err = exec.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM approval_requests WHERE chain_id = ? AND chain_version = ?`,
		chain.ID, chain.Version,
	).Scan(&referenced)
	if err != nil {
		return fmt.Errorf("failed to check chain references: %w", err)
	}
	if referenced > 0 {
		var existing string
		err = exec.QueryRowContext(ctx,
			`SELECT steps FROM approval_chains WHERE id = ? AND version = ?`,
			chain.ID, chain.Version,
		).Scan(&existing)
		if err == nil && existing != steps {
			return fmt.Errorf("chain %s version %d is referenced by requests; save a new version", chain.ID, chain.Version)
		}
	}

	query := `INSERT INTO approval_chains (` + chainColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, version) DO UPDATE SET
			name = excluded.name,
			document_types = excluded.document_types,
			steps = excluded.steps,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at`

	_, err = exec.ExecContext(ctx, query,
		chain.ID, chain.Version, chain.Name, types, steps, boolToInt(chain.IsActive),
		formatTime(chain.CreatedAt), formatTime(chain.UpdatedAt),
	)
	if err != nil {
		r.logger.Error("Failed to save approval chain",
			zap.String("chain_id", chain.ID),
			zap.Int("version", chain.Version),
			zap.Error(err))
		return fmt.Errorf("failed to save approval chain: %w", err)
	}
	return nil
}

// GetByID returns the latest version of a chain
func (r *ChainRepository) GetByID(ctx context.Context, id string) (*entity.ApprovalChain, error) {
	query := `SELECT ` + chainColumns + ` FROM approval_chains
		WHERE id = ? ORDER BY version DESC LIMIT 1`

	chain, err := scanChain(execFor(ctx, r.db).QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		r.logger.Error("Failed to get approval chain", zap.String("chain_id", id), zap.Error(err))
		return nil, fmt.Errorf("failed to get approval chain: %w", err)
	}
	return chain, nil
}

// GetVersion returns a specific chain version
func (r *ChainRepository) GetVersion(ctx context.Context, id string, version int) (*entity.ApprovalChain, error) {
	query := `SELECT ` + chainColumns + ` FROM approval_chains WHERE id = ? AND version = ?`

	chain, err := scanChain(execFor(ctx, r.db).QueryRowContext(ctx, query, id, version))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		r.logger.Error("Failed to get approval chain version",
			zap.String("chain_id", id),
			zap.Int("version", version),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get approval chain: %w", err)
	}
	return chain, nil
}

// List returns the latest version of every chain
func (r *ChainRepository) List(ctx context.Context) ([]*entity.ApprovalChain, error) {
	query := `SELECT ` + chainColumns + ` FROM approval_chains c
		WHERE version = (SELECT MAX(version) FROM approval_chains WHERE id = c.id)
		ORDER BY id ASC`

	rows, err := execFor(ctx, r.db).QueryContext(ctx, query)
	if err != nil {
		r.logger.Error("Failed to list approval chains", zap.Error(err))
		return nil, fmt.Errorf("failed to list approval chains: %w", err)
	}
	defer rows.Close()

	var chains []*entity.ApprovalChain
	for rows.Next() {
		chain, err := scanChain(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan approval chain: %w", err)
		}
		chains = append(chains, chain)
	}
	return chains, rows.Err()
}

func scanChain(row scanner) (*entity.ApprovalChain, error) {
	var (
		chain            entity.ApprovalChain
		types, steps     string
		active           int
		created, updated string
	)

	if err := row.Scan(&chain.ID, &chain.Version, &chain.Name, &types, &steps, &active, &created, &updated); err != nil {
		return nil, err
	}

	chain.IsActive = active != 0
	var err error
	if chain.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if chain.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	if err := fromJSON(types, &chain.DocumentTypes); err != nil {
		return nil, err
	}
	if err := fromJSON(steps, &chain.Steps); err != nil {
		return nil, err
	}
	return &chain, nil
}

// Verify interface compliance
var _ port.ChainRepository = (*ChainRepository)(nil)
