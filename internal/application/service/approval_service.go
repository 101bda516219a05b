package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/facebookgo/clock"
	"github.com/google/uuid"

	"github.com/garyjia/doc-approval/internal/application/port"
	"github.com/garyjia/doc-approval/internal/domain/consensus"
	"github.com/garyjia/doc-approval/internal/domain/entity"
	"github.com/garyjia/doc-approval/internal/domain/event"
	"github.com/garyjia/doc-approval/internal/domain/routing"
	"github.com/garyjia/doc-approval/internal/domain/workflow"
)

// Logger interface for minimal logging dependency
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

// EventPublisher is the part of the event dispatcher the engine needs
type EventPublisher interface {
	DispatchAsync(ctx context.Context, evt *event.Event)
}

// EngineConfig holds approval engine settings
type EngineConfig struct {
	// DefaultChainID is used when no routing rule matches. Empty disables it.
	DefaultChainID string

	// DayLength is the duration of one timeout day.
	DayLength time.Duration
}

// DecisionInput is one approver's decision on a request
type DecisionInput struct {
	RequestID   string
	Actor       string
	Decision    entity.Decision
	Comments    string
	Annotations map[string]interface{}
	Context     entity.SubmissionContext
}

// ApprovalService drives requests through their approval chains
type ApprovalService interface {
	Route(ctx context.Context, doc entity.Document) (*entity.ApprovalRequest, error)
	SubmitDecision(ctx context.Context, in DecisionInput) (*entity.ApprovalRequest, error)
	Escalate(ctx context.Context, requestID, actor, reason string) (*entity.ApprovalRequest, error)
	GetRequest(ctx context.Context, id string) (*entity.ApprovalRequest, error)

	// HandleTimer is the scheduler callback for step deadlines
	HandleTimer(ctx context.Context, task port.TimerTask) error

	// RearmTimers schedules the expected timer of every active request
	RearmTimers(ctx context.Context) (int, error)
}

type approvalServiceImpl struct {
	requestRepo port.RequestRepository
	chainRepo   port.ChainRepository
	ruleRepo    port.RuleRepository
	actionRepo  port.ActionRepository
	audit       AuditService
	scheduler   port.Scheduler
	directory   port.Directory
	events      EventPublisher
	clock       clock.Clock
	config      EngineConfig
	logger      Logger

	locks *keyedMutex
}

// NewApprovalService creates a new ApprovalService
func NewApprovalService(
	requestRepo port.RequestRepository,
	chainRepo port.ChainRepository,
	ruleRepo port.RuleRepository,
	actionRepo port.ActionRepository,
	audit AuditService,
	scheduler port.Scheduler,
	directory port.Directory,
	events EventPublisher,
	clk clock.Clock,
	config EngineConfig,
	logger Logger,
) ApprovalService {
	if config.DayLength <= 0 {
		config.DayLength = 24 * time.Hour
	}
	return &approvalServiceImpl{
		requestRepo: requestRepo,
		chainRepo:   chainRepo,
		ruleRepo:    ruleRepo,
		actionRepo:  actionRepo,
		audit:       audit,
		scheduler:   scheduler,
		directory:   directory,
		events:      events,
		clock:       clk,
		config:      config,
		logger:      logger,
		locks:       newKeyedMutex(),
	}
}

// mutation collects everything one locked operation changes. Storage writes
// and audit entries commit together; timers and events follow the commit.
type mutation struct {
	req      *entity.ApprovalRequest
	created  bool
	machine  *workflow.Machine
	actions  []*entity.ApprovalAction
	audit    []entity.AuditLogEntry
	events   []*event.Event
	cancel   []port.TimerKey
	schedule []port.TimerTask
	now      time.Time
}

func (s *approvalServiceImpl) newMutation(req *entity.ApprovalRequest) (*mutation, error) {
	machine, err := workflow.NewRequestMachine(workflow.FromStatus(req.Status))
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", req.ID, err)
	}
	return &mutation{
		req:     req,
		machine: machine,
		now:     s.clock.Now().UTC(),
	}, nil
}

func (m *mutation) record(actor string, action entity.AuditAction, details map[string]interface{}) {
	m.audit = append(m.audit, auditEntry(m.req, actor, action, m.now, details))
}

func (m *mutation) emit(t event.Type, recipients []string, payload map[string]interface{}) {
	evt := event.NewEvent(t, m.req.ID, m.req.DocumentID, payload).At(m.now)
	if len(recipients) > 0 {
		evt = evt.WithRecipients(recipients)
	}
	m.events = append(m.events, evt)
}

func (m *mutation) fire(trigger workflow.Trigger) error {
	if err := m.machine.Fire(trigger); err != nil {
		return fmt.Errorf("request %s: %w", m.req.ID, err)
	}
	m.req.Status = m.machine.State().Status()
	return nil
}

// Route implements ApprovalService
func (s *approvalServiceImpl) Route(ctx context.Context, doc entity.Document) (*entity.ApprovalRequest, error) {
	if doc.ID == "" || doc.Type == "" {
		return nil, fmt.Errorf("%w: document id and type are required", entity.ErrInvalidInput)
	}

	unlock := s.locks.Lock("doc:" + doc.ID)
	defer unlock()

	existing, err := s.requestRepo.GetActiveByDocument(ctx, doc.ID)
	if err != nil {
		return nil, fmt.Errorf("get active request: %w", err)
	}
	if existing != nil {
		s.logger.Info("Document already routed", "document_id", doc.ID, "request_id", existing.ID)
		return existing, nil
	}

	chains, err := s.chainRepo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list chains: %w", err)
	}
	rules, err := s.ruleRepo.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}

	decision, err := routing.Select(doc, chains, rules, s.config.DefaultChainID)
	if err != nil {
		s.logger.Info("No approval chain for document", "document_id", doc.ID, "document_type", doc.Type)
		return nil, err
	}
	chain := decision.Chain

	now := s.clock.Now().UTC()
	priority := doc.Priority
	if priority == "" {
		if p, ok := doc.Metadata["priority"].(string); ok {
			priority = p
		}
	}

	req := &entity.ApprovalRequest{
		ID:           uuid.NewString(),
		DocumentID:   doc.ID,
		DocumentType: doc.Type,
		ChainID:      chain.ID,
		ChainVersion: chain.Version,
		TotalSteps:   len(chain.Steps),
		Status:       entity.RequestStatusPending,
		Priority:     entity.NormalizePriority(priority),
		Deadline:     now.Add(chain.TotalTimeout(s.config.DayLength)),
		AssignedTo:   []string{},
		Metadata:     doc.Metadata,
		SubmittedBy:  doc.SubmittedBy,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	m, err := s.newMutation(req)
	if err != nil {
		return nil, err
	}
	m.created = true

	routed := map[string]interface{}{
		"chain_id":      chain.ID,
		"chain_version": chain.Version,
		"document_type": doc.Type,
		"total_steps":   len(chain.Steps),
	}
	if decision.Rule != nil {
		routed["rule_id"] = decision.Rule.ID
	} else {
		routed["default_chain"] = true
	}
	actor := doc.SubmittedBy
	if actor == "" {
		actor = entity.SystemActor
	}
	m.record(actor, entity.AuditRequestRouted, routed)
	m.emit(event.TypeRequestRouted, nil, routed)

	finished, err := s.activate(ctx, m, chain, 1)
	if err != nil {
		return nil, err
	}
	if finished {
		if err := s.finalize(ctx, m, entity.OutcomeApproved, workflow.TriggerApprove, "all steps skipped"); err != nil {
			return nil, err
		}
	}

	if err := s.commit(ctx, m); err != nil {
		// another process sharing the store routed the document first
		if errors.Is(err, entity.ErrActiveRequestExists) {
			if existing, getErr := s.requestRepo.GetActiveByDocument(ctx, doc.ID); getErr == nil && existing != nil {
				s.logger.Info("Document routed concurrently", "document_id", doc.ID, "request_id", existing.ID)
				return existing, nil
			}
		}
		s.logger.Error("Failed to route document", "error", err, "document_id", doc.ID)
		return nil, err
	}

	s.logger.Info("Document routed",
		"document_id", doc.ID,
		"request_id", req.ID,
		"chain_id", chain.ID,
		"chain_version", chain.Version,
		"status", req.Status)
	return req.Clone(), nil
}

// SubmitDecision implements ApprovalService
func (s *approvalServiceImpl) SubmitDecision(ctx context.Context, in DecisionInput) (*entity.ApprovalRequest, error) {
	if !in.Decision.IsValid() {
		return nil, fmt.Errorf("%w: %q", entity.ErrInvalidDecision, in.Decision)
	}
	if in.Actor == "" {
		return nil, fmt.Errorf("%w: actor is required", entity.ErrNotEligible)
	}

	unlock := s.locks.Lock(in.RequestID)
	defer unlock()

	req, chain, err := s.load(ctx, in.RequestID)
	if err != nil {
		return nil, err
	}
	if req.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: request %s is %s", entity.ErrStepAlreadyTerminal, req.ID, req.Status)
	}
	if !req.IsAssigned(in.Actor) {
		return nil, fmt.Errorf("%w: %s on request %s step %d", entity.ErrNotEligible, in.Actor, req.ID, req.CurrentStep)
	}

	m, err := s.newMutation(req)
	if err != nil {
		return nil, err
	}

	if in.Decision == entity.DecisionEscalate {
		m.actions = append(m.actions, s.newAction(req, in, m.now))
		if err := s.escalate(ctx, m, chain, in.Actor, in.Comments); err != nil {
			return nil, err
		}
		if err := s.commit(ctx, m); err != nil {
			return nil, err
		}
		return req.Clone(), nil
	}

	if req.Parallel.HasVoted(in.Actor) {
		return nil, fmt.Errorf("%w: %s on request %s step %d", entity.ErrAlreadyVoted, in.Actor, req.ID, req.CurrentStep)
	}
	outcome, _ := in.Decision.Outcome()

	trigger := workflow.TriggerVote
	if req.Status == entity.RequestStatusEscalated {
		trigger = workflow.TriggerResume
	}
	if err := m.fire(trigger); err != nil {
		return nil, err
	}

	result, err := consensus.Resolve(req.Parallel, s.policy(ctx, req), consensus.Vote{Actor: in.Actor, Outcome: outcome})
	if err != nil {
		return nil, err
	}
	req.Parallel = result.Status

	step := req.CurrentStep
	m.actions = append(m.actions, s.newAction(req, in, m.now))
	m.record(in.Actor, entity.AuditVoteRecorded, map[string]interface{}{
		"step":     step,
		"decision": string(in.Decision),
		"comments": in.Comments,
		"approved": result.Status.Approved,
		"rejected": result.Status.Rejected,
		"changes":  result.Status.ChangesRequested,
		"required": result.Status.TotalRequired,
	})
	m.emit(event.TypeVoteRecorded, nil, map[string]interface{}{
		"step":     step,
		"actor":    in.Actor,
		"decision": string(in.Decision),
	})

	if result.Reached {
		m.cancel = append(m.cancel, port.TimerKey{RequestID: req.ID, StepNumber: step})
		m.record(in.Actor, entity.AuditConsensusReached, map[string]interface{}{
			"step":           step,
			"decision":       string(result.Decision),
			"consensus_type": string(req.ConsensusType),
		})

		if result.Decision == entity.OutcomeApproved {
			err = s.advance(ctx, m, chain, workflow.TriggerApprove, "consensus reached")
		} else {
			err = s.finalize(ctx, m, result.Decision, workflow.FinalTrigger(result.Decision), "consensus reached")
		}
		if err != nil {
			return nil, err
		}
	}

	if err := s.commit(ctx, m); err != nil {
		s.logger.Error("Failed to record decision", "error", err, "request_id", req.ID, "actor", in.Actor)
		return nil, err
	}

	s.logger.Info("Decision recorded",
		"request_id", req.ID,
		"actor", in.Actor,
		"decision", in.Decision,
		"step", step,
		"consensus_reached", result.Reached,
		"status", req.Status)
	return req.Clone(), nil
}

// Escalate implements ApprovalService. Assigned approvers and the submitter
// may escalate manually.
func (s *approvalServiceImpl) Escalate(ctx context.Context, requestID, actor, reason string) (*entity.ApprovalRequest, error) {
	unlock := s.locks.Lock(requestID)
	defer unlock()

	req, chain, err := s.load(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: request %s is %s", entity.ErrStepAlreadyTerminal, req.ID, req.Status)
	}
	if actor == "" || (!req.IsAssigned(actor) && actor != req.SubmittedBy) {
		return nil, fmt.Errorf("%w: %s cannot escalate request %s", entity.ErrNotEligible, actor, req.ID)
	}

	m, err := s.newMutation(req)
	if err != nil {
		return nil, err
	}
	if err := s.escalate(ctx, m, chain, actor, reason); err != nil {
		return nil, err
	}
	if err := s.commit(ctx, m); err != nil {
		s.logger.Error("Failed to escalate request", "error", err, "request_id", req.ID)
		return nil, err
	}
	return req.Clone(), nil
}

// GetRequest implements ApprovalService
func (s *approvalServiceImpl) GetRequest(ctx context.Context, id string) (*entity.ApprovalRequest, error) {
	req, err := s.requestRepo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get request: %w", err)
	}
	if req == nil {
		return nil, fmt.Errorf("%w: %s", entity.ErrRequestNotFound, id)
	}
	return req, nil
}

// HandleTimer implements ApprovalService. A task whose step or generation no
// longer matches the request lost a race with a vote or cancel and is ignored.
func (s *approvalServiceImpl) HandleTimer(ctx context.Context, task port.TimerTask) error {
	unlock := s.locks.Lock(task.Key.RequestID)
	defer unlock()

	req, chain, err := s.load(ctx, task.Key.RequestID)
	if err != nil {
		if errors.Is(err, entity.ErrRequestNotFound) {
			return nil
		}
		return err
	}
	if req.Status.IsTerminal() || req.CurrentStep != task.Key.StepNumber || req.StepGeneration != task.Generation {
		s.logger.Info("Ignoring stale timer",
			"request_id", req.ID,
			"step", task.Key.StepNumber,
			"kind", task.Kind,
			"generation", task.Generation,
			"current_generation", req.StepGeneration)
		return nil
	}

	step, ok := chain.Step(req.CurrentStep)
	if !ok {
		return fmt.Errorf("request %s: chain %s has no step %d", req.ID, chain.ID, req.CurrentStep)
	}

	m, err := s.newMutation(req)
	if err != nil {
		return err
	}
	switch task.Kind {
	case port.TimerEscalate:
		if step.IsOptional && req.Status != entity.RequestStatusEscalated {
			m.record(entity.SystemActor, entity.AuditStepSkipped, map[string]interface{}{
				"step":   req.CurrentStep,
				"reason": "optional step timed out",
			})
			err = s.advance(ctx, m, chain, workflow.TriggerApprove, "optional step timed out")
		} else {
			err = s.escalate(ctx, m, chain, entity.SystemActor, "step timed out")
		}
	case port.TimerAutoApprove:
		if req.Status != entity.RequestStatusEscalated {
			return nil
		}
		err = s.autoApprove(ctx, m, chain)
	default:
		return fmt.Errorf("unknown timer kind %q", task.Kind)
	}
	if err != nil {
		return err
	}

	if err := s.commit(ctx, m); err != nil {
		s.logger.Error("Failed to apply timer", "error", err, "request_id", req.ID, "kind", task.Kind)
		return err
	}
	return nil
}

// RearmTimers implements ApprovalService
func (s *approvalServiceImpl) RearmTimers(ctx context.Context) (int, error) {
	active, err := s.requestRepo.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active requests: %w", err)
	}

	armed := 0
	for _, stale := range active {
		if ctx.Err() != nil {
			return armed, ctx.Err()
		}
		n, err := s.rearm(ctx, stale.ID)
		if err != nil {
			s.logger.Error("Failed to re-arm timer", "error", err, "request_id", stale.ID)
			continue
		}
		armed += n
	}
	return armed, nil
}

func (s *approvalServiceImpl) rearm(ctx context.Context, requestID string) (int, error) {
	unlock := s.locks.Lock(requestID)
	defer unlock()

	req, chain, err := s.load(ctx, requestID)
	if err != nil {
		return 0, err
	}
	if req.Status.IsTerminal() {
		return 0, nil
	}
	task, ok := s.expectedTimer(req, chain)
	if !ok {
		return 0, nil
	}
	if err := s.scheduler.Schedule(task); err != nil {
		return 0, err
	}
	return 1, nil
}

// expectedTimer derives the live timer a request should have from its state
func (s *approvalServiceImpl) expectedTimer(req *entity.ApprovalRequest, chain *entity.ApprovalChain) (port.TimerTask, bool) {
	step, ok := chain.Step(req.CurrentStep)
	if !ok {
		return port.TimerTask{}, false
	}
	key := port.TimerKey{RequestID: req.ID, StepNumber: req.CurrentStep}

	if req.Status == entity.RequestStatusEscalated {
		base := req.StepActivatedAt
		if req.EscalationDate != nil {
			base = *req.EscalationDate
		}
		if nextFallback(step, req) == "" {
			if step.AutoApproveAfterDays == nil || *step.AutoApproveAfterDays < 0 {
				return port.TimerTask{}, false
			}
			return port.TimerTask{
				Key:        key,
				Kind:       port.TimerAutoApprove,
				Generation: req.StepGeneration,
				FireAt:     base.Add(time.Duration(*step.AutoApproveAfterDays) * s.config.DayLength),
			}, true
		}
		if !step.HasTimeout() {
			return port.TimerTask{}, false
		}
		return port.TimerTask{
			Key:        key,
			Kind:       port.TimerEscalate,
			Generation: req.StepGeneration,
			FireAt:     base.Add(step.Timeout(s.config.DayLength)),
		}, true
	}

	if !step.HasTimeout() {
		return port.TimerTask{}, false
	}
	return port.TimerTask{
		Key:        key,
		Kind:       port.TimerEscalate,
		Generation: req.StepGeneration,
		FireAt:     req.StepActivatedAt.Add(step.Timeout(s.config.DayLength)),
	}, true
}

// activate makes the first step from `from` onward with effective approvers
// the active step. Steps without effective approvers are skipped. It reports
// finished when no step is left.
func (s *approvalServiceImpl) activate(ctx context.Context, m *mutation, chain *entity.ApprovalChain, from int) (bool, error) {
	req := m.req
	facts := requestFacts(req)

	for n := from; n <= len(chain.Steps); n++ {
		step := chain.Steps[n-1]
		approvers := step.EffectiveApprovers(facts)
		if len(approvers) == 0 {
			m.record(entity.SystemActor, entity.AuditStepSkipped, map[string]interface{}{
				"step":   n,
				"name":   step.Name,
				"reason": "no effective approvers",
			})
			continue
		}

		consensusType := step.ConsensusType
		if consensusType == "" {
			consensusType = entity.ConsensusAny
		}
		required := 1
		if step.ParallelApproval {
			required = len(approvers)
		}

		req.CurrentStep = n
		req.StepGeneration++
		req.StepActivatedAt = m.now
		req.AssignedTo = approvers
		req.ParallelApprovalRequired = step.ParallelApproval
		req.ConsensusType = consensusType
		req.EscalationLevel = 0
		req.EscalationUsed = nil
		req.EscalationDate = nil

		var totalWeight float64
		if consensusType == entity.ConsensusWeighted {
			totalWeight = s.policy(ctx, req).TotalWeight(approvers)
		}
		req.Parallel = entity.NewParallelApprovalStatus(approvers, required, totalWeight)

		m.record(entity.SystemActor, entity.AuditStepActivated, map[string]interface{}{
			"step":           n,
			"name":           step.Name,
			"approvers":      approvers,
			"required":       required,
			"consensus_type": string(consensusType),
		})
		m.emit(event.TypeApprovalRequired, approvers, map[string]interface{}{
			"step":          n,
			"step_name":     step.Name,
			"document_type": req.DocumentType,
			"priority":      req.Priority,
		})

		if step.HasTimeout() {
			m.schedule = append(m.schedule, port.TimerTask{
				Key:        port.TimerKey{RequestID: req.ID, StepNumber: n},
				Kind:       port.TimerEscalate,
				Generation: req.StepGeneration,
				FireAt:     m.now.Add(step.Timeout(s.config.DayLength)),
			})
		}
		return false, nil
	}
	return true, nil
}

// advance moves past the current step after it was approved, finalizing the
// request with finalTrigger when it was the last one.
func (s *approvalServiceImpl) advance(ctx context.Context, m *mutation, chain *entity.ApprovalChain, finalTrigger workflow.Trigger, reason string) error {
	from := m.req.CurrentStep
	finished, err := s.activate(ctx, m, chain, from+1)
	if err != nil {
		return err
	}
	if finished {
		return s.finalize(ctx, m, entity.OutcomeApproved, finalTrigger, reason)
	}
	if err := m.fire(workflow.TriggerAdvance); err != nil {
		return err
	}
	m.emit(event.TypeStepAdvanced, nil, map[string]interface{}{
		"from_step": from,
		"to_step":   m.req.CurrentStep,
	})
	return nil
}

// finalize ends the request with outcome
func (s *approvalServiceImpl) finalize(ctx context.Context, m *mutation, outcome entity.Outcome, trigger workflow.Trigger, reason string) error {
	if err := m.fire(trigger); err != nil {
		return err
	}
	req := m.req
	completed := m.now
	req.CompletedAt = &completed
	req.AssignedTo = []string{}

	m.record(entity.SystemActor, entity.AuditRequestFinalized, map[string]interface{}{
		"status": string(req.Status),
		"step":   req.CurrentStep,
		"reason": reason,
	})

	var recipients []string
	if req.SubmittedBy != "" {
		recipients = []string{req.SubmittedBy}
	}
	m.emit(event.TypeApprovalDecided, recipients, map[string]interface{}{
		"status":  string(req.Status),
		"outcome": string(outcome),
		"step":    req.CurrentStep,
	})
	return nil
}

// escalate hands the active step to the next unused fallback approver. When
// the escalation chain is exhausted the current assignees stay, and the step
// auto-approves after AutoApproveAfterDays if configured.
func (s *approvalServiceImpl) escalate(ctx context.Context, m *mutation, chain *entity.ApprovalChain, actor, reason string) error {
	req := m.req
	step, ok := chain.Step(req.CurrentStep)
	if !ok {
		return fmt.Errorf("request %s: chain %s has no step %d", req.ID, chain.ID, req.CurrentStep)
	}

	if err := m.fire(workflow.TriggerEscalate); err != nil {
		return err
	}

	escalatedAt := m.now
	req.EscalationDate = &escalatedAt
	req.StepGeneration++
	m.cancel = append(m.cancel, port.TimerKey{RequestID: req.ID, StepNumber: req.CurrentStep})

	fallback := nextFallback(step, req)
	if fallback != "" {
		req.EscalationLevel++
		req.EscalationUsed = append(req.EscalationUsed, fallback)
		req.AssignedTo = []string{fallback}
		req.ParallelApprovalRequired = false
		req.ConsensusType = entity.ConsensusAny
		req.Parallel = entity.NewParallelApprovalStatus(req.AssignedTo, 1, s.policy(ctx, req).WeightOf(fallback))
	}
	exhausted := nextFallback(step, req) == ""

	m.record(actor, entity.AuditStepEscalated, map[string]interface{}{
		"step":      req.CurrentStep,
		"level":     req.EscalationLevel,
		"assigned":  req.AssignedTo,
		"reason":    reason,
		"exhausted": exhausted,
	})
	m.emit(event.TypeApprovalEscalated, req.AssignedTo, map[string]interface{}{
		"step":      req.CurrentStep,
		"level":     req.EscalationLevel,
		"reason":    reason,
		"exhausted": exhausted,
	})

	if task, ok := s.expectedTimer(req, chain); ok {
		m.schedule = append(m.schedule, task)
	}

	s.logger.Info("Request escalated",
		"request_id", req.ID,
		"step", req.CurrentStep,
		"level", req.EscalationLevel,
		"actor", actor,
		"exhausted", exhausted)
	return nil
}

// autoApprove approves the escalated step on nobody's vote
func (s *approvalServiceImpl) autoApprove(ctx context.Context, m *mutation, chain *entity.ApprovalChain) error {
	req := m.req
	step := req.CurrentStep

	m.record(entity.SystemActor, entity.AuditAutoApproved, map[string]interface{}{
		"step":             step,
		"escalation_level": req.EscalationLevel,
	})
	m.emit(event.TypeAutoApproved, nil, map[string]interface{}{
		"step": step,
	})
	return s.advance(ctx, m, chain, workflow.TriggerAutoApprove, "auto-approved after escalation")
}

// commit writes the mutation in one audited transaction, then applies
// timer changes and publishes events.
func (s *approvalServiceImpl) commit(ctx context.Context, m *mutation) error {
	m.req.UpdatedAt = m.now

	_, err := s.audit.Append(ctx, m.audit, func(txCtx context.Context) error {
		if m.created {
			if err := s.requestRepo.Create(txCtx, m.req); err != nil {
				return fmt.Errorf("create request: %w", err)
			}
		} else if err := s.requestRepo.Update(txCtx, m.req); err != nil {
			return fmt.Errorf("update request: %w", err)
		}
		for _, a := range m.actions {
			if err := s.actionRepo.Create(txCtx, a); err != nil {
				return fmt.Errorf("create action: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, key := range m.cancel {
		s.scheduler.Cancel(key)
	}
	for _, task := range m.schedule {
		if err := s.scheduler.Schedule(task); err != nil {
			// the deadline sweeper re-arms it from stored state
			s.logger.Error("Failed to schedule step timer",
				"error", err,
				"request_id", task.Key.RequestID,
				"step", task.Key.StepNumber)
		}
	}
	if s.events != nil {
		for _, evt := range m.events {
			s.events.DispatchAsync(ctx, evt)
		}
	}
	return nil
}

func (s *approvalServiceImpl) load(ctx context.Context, requestID string) (*entity.ApprovalRequest, *entity.ApprovalChain, error) {
	req, err := s.requestRepo.GetByID(ctx, requestID)
	if err != nil {
		return nil, nil, fmt.Errorf("get request: %w", err)
	}
	if req == nil {
		return nil, nil, fmt.Errorf("%w: %s", entity.ErrRequestNotFound, requestID)
	}
	chain, err := s.chainRepo.GetVersion(ctx, req.ChainID, req.ChainVersion)
	if err != nil {
		return nil, nil, fmt.Errorf("get chain: %w", err)
	}
	if chain == nil {
		return nil, nil, fmt.Errorf("%w: %s version %d", entity.ErrChainNotFound, req.ChainID, req.ChainVersion)
	}
	return req, chain, nil
}

func (s *approvalServiceImpl) newAction(req *entity.ApprovalRequest, in DecisionInput, at time.Time) *entity.ApprovalAction {
	return &entity.ApprovalAction{
		ID:          uuid.NewString(),
		RequestID:   req.ID,
		StepNumber:  req.CurrentStep,
		Actor:       in.Actor,
		Decision:    in.Decision,
		Comments:    in.Comments,
		Annotations: in.Annotations,
		Context:     in.Context,
		CreatedAt:   at,
	}
}

// policy builds the consensus policy of the active step
func (s *approvalServiceImpl) policy(ctx context.Context, req *entity.ApprovalRequest) consensus.Policy {
	p := consensus.Policy{Type: req.ConsensusType}
	if s.directory == nil {
		return p
	}
	p.Weights = make(map[string]float64, len(req.Parallel.Pending)+len(req.Parallel.Completed)+len(req.AssignedTo))
	for _, group := range [][]string{req.AssignedTo, req.Parallel.Pending, req.Parallel.Completed} {
		for _, actor := range group {
			if _, ok := p.Weights[actor]; !ok {
				p.Weights[actor] = s.directory.Weight(ctx, actor)
			}
		}
	}
	return p
}

func nextFallback(step entity.ApprovalStep, req *entity.ApprovalRequest) string {
	used := make(map[string]bool, len(req.EscalationUsed))
	for _, u := range req.EscalationUsed {
		used[u] = true
	}
	for _, candidate := range step.EscalationChain {
		if candidate != "" && !used[candidate] {
			return candidate
		}
	}
	return ""
}

// requestFacts rebuilds the routing facts of the request's document
func requestFacts(req *entity.ApprovalRequest) map[string]interface{} {
	return entity.Document{
		ID:          req.DocumentID,
		Type:        req.DocumentType,
		Metadata:    req.Metadata,
		SubmittedBy: req.SubmittedBy,
	}.Facts()
}
