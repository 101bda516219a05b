package port

import (
	"context"

	"github.com/garyjia/doc-approval/internal/domain/entity"
)

// RequestRepository defines persistence operations for ApprovalRequest.
// Lookups return (nil, nil) when the request does not exist.
type RequestRepository interface {
	Create(ctx context.Context, req *entity.ApprovalRequest) error
	Update(ctx context.Context, req *entity.ApprovalRequest) error
	GetByID(ctx context.Context, id string) (*entity.ApprovalRequest, error)
	GetActiveByDocument(ctx context.Context, documentID string) (*entity.ApprovalRequest, error)
	ListAssignedTo(ctx context.Context, actor string) ([]*entity.ApprovalRequest, error)
	ListActive(ctx context.Context) ([]*entity.ApprovalRequest, error)
}

// ChainRepository defines persistence operations for ApprovalChain.
// Save stores a chain version; an existing (id, version) pair is overwritten
// only while no request references it.
type ChainRepository interface {
	Save(ctx context.Context, chain *entity.ApprovalChain) error
	GetByID(ctx context.Context, id string) (*entity.ApprovalChain, error)
	GetVersion(ctx context.Context, id string, version int) (*entity.ApprovalChain, error)
	List(ctx context.Context) ([]*entity.ApprovalChain, error)
}

// RuleRepository defines persistence operations for RoutingRule
type RuleRepository interface {
	Save(ctx context.Context, rule *entity.RoutingRule) error
	ListActive(ctx context.Context) ([]*entity.RoutingRule, error)
}

// ActionRepository defines persistence operations for ApprovalAction
type ActionRepository interface {
	Create(ctx context.Context, action *entity.ApprovalAction) error
	ListByRequest(ctx context.Context, requestID string) ([]*entity.ApprovalAction, error)
}

// AuditRepository is the append-only audit log store.
// Append assigns the next Sequence when it is zero.
type AuditRepository interface {
	Append(ctx context.Context, entry *entity.AuditLogEntry) error
	Tail(ctx context.Context) (*entity.AuditLogEntry, error)
	ListAscending(ctx context.Context) ([]*entity.AuditLogEntry, error)
	ListRecent(ctx context.Context, limit, offset int) ([]*entity.AuditLogEntry, error)
	// ListByRequest is newest first, like ListRecent
	ListByRequest(ctx context.Context, requestID string) ([]*entity.AuditLogEntry, error)
}

// TransactionManager handles database transactions
type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}
