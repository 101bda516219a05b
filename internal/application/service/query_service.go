package service

import (
	"context"
	"fmt"

	"github.com/garyjia/doc-approval/internal/application/port"
	"github.com/garyjia/doc-approval/internal/domain/entity"
)

// CodeDuplicateRequest marks a bulk result for an id already decided earlier
// in the same batch
const CodeDuplicateRequest = "duplicate_request_id"

// BulkResult is the outcome of one input id in a bulk decision. Results are
// positional: results[i] answers RequestIDs[i].
type BulkResult struct {
	RequestID string               `json:"request_id"`
	Success   bool                 `json:"success"`
	Duplicate bool                 `json:"duplicate,omitempty"`
	Status    entity.RequestStatus `json:"status,omitempty"`
	Error     string               `json:"error,omitempty"`
	Code      string               `json:"code,omitempty"`
}

// BulkDecisionInput applies one decision to many requests
type BulkDecisionInput struct {
	RequestIDs []string
	Actor      string
	Decision   entity.Decision
	Comments   string
	Context    entity.SubmissionContext
}

// QueryService answers queue and history queries and fans bulk decisions
// out to the approval service
type QueryService interface {
	BulkDecide(ctx context.Context, in BulkDecisionInput) []BulkResult
	History(ctx context.Context, requestID string) ([]*entity.ApprovalAction, error)
	PendingFor(ctx context.Context, actor string) ([]*entity.ApprovalRequest, error)
}

type queryServiceImpl struct {
	approvals   ApprovalService
	requestRepo port.RequestRepository
	actionRepo  port.ActionRepository
	logger      Logger
}

// NewQueryService creates a new QueryService
func NewQueryService(
	approvals ApprovalService,
	requestRepo port.RequestRepository,
	actionRepo port.ActionRepository,
	logger Logger,
) QueryService {
	return &queryServiceImpl{
		approvals:   approvals,
		requestRepo: requestRepo,
		actionRepo:  actionRepo,
		logger:      logger,
	}
}

// BulkDecide submits the decision to each request independently. One
// request failing does not stop the others. A repeated id is decided once;
// later occurrences get a Duplicate result.
func (s *queryServiceImpl) BulkDecide(ctx context.Context, in BulkDecisionInput) []BulkResult {
	results := make([]BulkResult, 0, len(in.RequestIDs))
	first := make(map[string]int, len(in.RequestIDs))
	failed, repeated := 0, 0

	for i, id := range in.RequestIDs {
		if at, seen := first[id]; seen {
			repeated++
			results = append(results, BulkResult{
				RequestID: id,
				Duplicate: true,
				Error:     fmt.Sprintf("request id repeated; decided at position %d", at),
				Code:      CodeDuplicateRequest,
			})
			continue
		}
		first[id] = i

		req, err := s.approvals.SubmitDecision(ctx, DecisionInput{
			RequestID: id,
			Actor:     in.Actor,
			Decision:  in.Decision,
			Comments:  in.Comments,
			Context:   in.Context,
		})
		if err != nil {
			failed++
			results = append(results, BulkResult{
				RequestID: id,
				Error:     err.Error(),
				Code:      entity.ErrorCode(err),
			})
			continue
		}
		results = append(results, BulkResult{RequestID: id, Success: true, Status: req.Status})
	}

	s.logger.Info("Bulk decision applied",
		"actor", in.Actor,
		"decision", in.Decision,
		"requests", len(results),
		"failed", failed,
		"duplicates", repeated)
	return results
}

// History returns the decisions recorded on a request in order
func (s *queryServiceImpl) History(ctx context.Context, requestID string) ([]*entity.ApprovalAction, error) {
	req, err := s.requestRepo.GetByID(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("get request: %w", err)
	}
	if req == nil {
		return nil, fmt.Errorf("%w: %s", entity.ErrRequestNotFound, requestID)
	}

	actions, err := s.actionRepo.ListByRequest(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	return actions, nil
}

// PendingFor returns the active requests actor can vote on
func (s *queryServiceImpl) PendingFor(ctx context.Context, actor string) ([]*entity.ApprovalRequest, error) {
	reqs, err := s.requestRepo.ListAssignedTo(ctx, actor)
	if err != nil {
		return nil, fmt.Errorf("list assigned requests: %w", err)
	}

	// an actor who already voted on a parallel step has nothing to do there
	pending := make([]*entity.ApprovalRequest, 0, len(reqs))
	for _, r := range reqs {
		if r.Parallel.HasVoted(actor) {
			continue
		}
		pending = append(pending, r)
	}
	return pending, nil
}
