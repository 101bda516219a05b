package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/facebookgo/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/garyjia/doc-approval/internal/application/port"
	"github.com/garyjia/doc-approval/internal/domain/entity"
	"github.com/garyjia/doc-approval/internal/domain/event"
	"github.com/garyjia/doc-approval/internal/infrastructure/persistence/memory"
	"github.com/garyjia/doc-approval/internal/infrastructure/scheduler"
)

const testDay = time.Hour

type nopLogger struct{}

func (nopLogger) Info(msg string, keysAndValues ...interface{})  {}
func (nopLogger) Error(msg string, keysAndValues ...interface{}) {}

// eventRecorder captures published events synchronously
type eventRecorder struct {
	mu     sync.Mutex
	events []*event.Event
}

func (r *eventRecorder) DispatchAsync(ctx context.Context, evt *event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *eventRecorder) types() []event.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]event.Type, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func (r *eventRecorder) last(t event.Type) *event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == t {
			return r.events[i]
		}
	}
	return nil
}

type mockDirectory struct {
	weights map[string]float64
}

func (d *mockDirectory) Weight(ctx context.Context, actor string) float64 {
	if w, ok := d.weights[actor]; ok {
		return w
	}
	return 1
}

type harness struct {
	store  *memory.Store
	mock   *clock.Mock
	audit  AuditService
	sched  *scheduler.Scheduler
	engine ApprovalService
	query  QueryService
	events *eventRecorder
	dir    *mockDirectory
}

func newHarness(t *testing.T, chains ...*entity.ApprovalChain) *harness {
	t.Helper()
	ctx := context.Background()

	h := &harness{
		store:  memory.NewStore(),
		mock:   clock.NewMock(),
		events: &eventRecorder{},
		dir:    &mockDirectory{weights: map[string]float64{}},
	}
	h.mock.Add(24 * time.Hour)

	h.audit = NewAuditService(h.store.Audit(), h.store, nil, h.mock, 16, nopLogger{})
	require.NoError(t, h.audit.Start(ctx))
	t.Cleanup(func() { _ = h.audit.Stop() })

	h.sched = scheduler.New(h.mock, func(ctx context.Context, task port.TimerTask) error {
		return h.engine.HandleTimer(ctx, task)
	}, scheduler.Config{RetryBackoff: time.Minute, MaxRetries: 1}, zap.NewNop())
	t.Cleanup(h.sched.Stop)

	h.engine = NewApprovalService(
		h.store.Requests(), h.store.Chains(), h.store.Rules(), h.store.Actions(),
		h.audit, h.sched, h.dir, h.events, h.mock,
		EngineConfig{DayLength: testDay}, nopLogger{},
	)
	h.query = NewQueryService(h.engine, h.store.Requests(), h.store.Actions(), nopLogger{})

	for _, c := range chains {
		require.NoError(t, h.store.Chains().Save(ctx, c))
		require.NoError(t, h.store.Rules().Save(ctx, &entity.RoutingRule{
			ID:            "rule-" + c.ID,
			TargetChainID: c.ID,
			Conditions: []entity.Condition{
				{Field: "document_type", Operator: entity.OpEquals, Value: c.DocumentTypes[0]},
			},
			Priority: 10,
			IsActive: true,
		}))
	}
	return h
}

func (h *harness) route(t *testing.T, docID, docType string) *entity.ApprovalRequest {
	t.Helper()
	req, err := h.engine.Route(context.Background(), entity.Document{
		ID:          docID,
		Type:        docType,
		SubmittedBy: "submitter",
	})
	require.NoError(t, err)
	return req
}

func (h *harness) vote(requestID, actor string, d entity.Decision) (*entity.ApprovalRequest, error) {
	return h.engine.SubmitDecision(context.Background(), DecisionInput{
		RequestID: requestID,
		Actor:     actor,
		Decision:  d,
	})
}

func (h *harness) get(t *testing.T, id string) *entity.ApprovalRequest {
	t.Helper()
	req, err := h.engine.GetRequest(context.Background(), id)
	require.NoError(t, err)
	return req
}

func (h *harness) auditActions(t *testing.T, requestID string) []entity.AuditAction {
	t.Helper()
	entries, err := h.audit.ForRequest(context.Background(), requestID)
	require.NoError(t, err)
	// entries come newest first; assertions read oldest first
	out := make([]entity.AuditAction, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		out = append(out, entries[i].Action)
	}
	return out
}

func intPtr(i int) *int { return &i }

func step(n int, consensus entity.ConsensusType, approvers ...string) entity.ApprovalStep {
	return entity.ApprovalStep{
		StepNumber:       n,
		Name:             fmt.Sprintf("step %d", n),
		Approvers:        approvers,
		ParallelApproval: len(approvers) > 1,
		ConsensusType:    consensus,
	}
}

func chain(id, docType string, steps ...entity.ApprovalStep) *entity.ApprovalChain {
	return &entity.ApprovalChain{
		ID:            id,
		Version:       1,
		Name:          id,
		DocumentTypes: []string{docType},
		Steps:         steps,
		IsActive:      true,
	}
}

func TestApprovalService_Route(t *testing.T) {
	s1 := step(1, entity.ConsensusAny, "alice")
	s1.TimeoutDays = intPtr(2)
	s2 := step(2, entity.ConsensusAny, "bob")
	s2.TimeoutDays = intPtr(3)
	h := newHarness(t, chain("contracts", "contract", s1, s2))

	req := h.route(t, "doc-1", "contract")

	assert.Equal(t, entity.RequestStatusPending, req.Status)
	assert.Equal(t, 1, req.CurrentStep)
	assert.Equal(t, 2, req.TotalSteps)
	assert.Equal(t, []string{"alice"}, req.AssignedTo)
	assert.Equal(t, 1, req.Parallel.TotalRequired)
	assert.Equal(t, entity.PriorityNormal, req.Priority)
	assert.True(t, h.mock.Now().Add(5*testDay).Equal(req.Deadline))

	task, ok := h.sched.Pending(port.TimerKey{RequestID: req.ID, StepNumber: 1})
	require.True(t, ok, "step 1 timer is armed")
	assert.True(t, h.mock.Now().Add(2*testDay).Equal(task.FireAt))
	assert.Equal(t, req.StepGeneration, task.Generation)

	assert.Equal(t, []entity.AuditAction{entity.AuditRequestRouted, entity.AuditStepActivated}, h.auditActions(t, req.ID))
	assert.Equal(t, []event.Type{event.TypeRequestRouted, event.TypeApprovalRequired}, h.events.types())
	assert.Equal(t, []string{"alice"}, h.events.last(event.TypeApprovalRequired).Recipients)
}

func TestApprovalService_RouteIsIdempotentPerDocument(t *testing.T) {
	h := newHarness(t, chain("contracts", "contract", step(1, entity.ConsensusAny, "alice")))

	first := h.route(t, "doc-1", "contract")
	second := h.route(t, "doc-1", "contract")

	assert.Equal(t, first.ID, second.ID)
	active, err := h.store.Requests().ListActive(context.Background())
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

// racingRequests hides the first active-request lookup and inserts a
// competing request, as another process sharing the store would.
type racingRequests struct {
	port.RequestRepository
	competitor *entity.ApprovalRequest
	raced      bool
}

func (r *racingRequests) GetActiveByDocument(ctx context.Context, documentID string) (*entity.ApprovalRequest, error) {
	if !r.raced {
		r.raced = true
		if err := r.RequestRepository.Create(ctx, r.competitor); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return r.RequestRepository.GetActiveByDocument(ctx, documentID)
}

func TestApprovalService_RouteLosesRaceReturnsWinner(t *testing.T) {
	h := newHarness(t, chain("contracts", "contract", step(1, entity.ConsensusAny, "alice")))
	racing := &racingRequests{
		RequestRepository: h.store.Requests(),
		competitor: &entity.ApprovalRequest{
			ID:           "req-other-process",
			DocumentID:   "doc-1",
			DocumentType: "contract",
			ChainID:      "contracts",
			ChainVersion: 1,
			CurrentStep:  1,
			TotalSteps:   1,
			Status:       entity.RequestStatusPending,
			AssignedTo:   []string{"alice"},
		},
	}
	engine := NewApprovalService(
		racing, h.store.Chains(), h.store.Rules(), h.store.Actions(),
		h.audit, h.sched, h.dir, h.events, h.mock,
		EngineConfig{DayLength: testDay}, nopLogger{},
	)

	req, err := engine.Route(context.Background(), entity.Document{ID: "doc-1", Type: "contract"})
	require.NoError(t, err)
	assert.Equal(t, "req-other-process", req.ID)
	assert.Empty(t, h.auditActions(t, req.ID), "the losing route wrote no audit entries")
	assert.Equal(t, 0, h.sched.Len())
}

func TestApprovalService_RouteNoMatchingChain(t *testing.T) {
	h := newHarness(t, chain("contracts", "contract", step(1, entity.ConsensusAny, "alice")))

	_, err := h.engine.Route(context.Background(), entity.Document{ID: "doc-1", Type: "invoice"})
	assert.ErrorIs(t, err, entity.ErrNoMatchingChain)

	entries, err := h.audit.List(context.Background(), 10, 0)
	require.NoError(t, err)
	assert.Empty(t, entries, "failed routing writes nothing")
}

func TestApprovalService_RouteDefaultChain(t *testing.T) {
	h := newHarness(t,
		chain("contracts", "contract", step(1, entity.ConsensusAny, "alice")),
		chain("general", "*", step(1, entity.ConsensusAny, "office")),
	)
	h.engine = NewApprovalService(
		h.store.Requests(), h.store.Chains(), h.store.Rules(), h.store.Actions(),
		h.audit, h.sched, h.dir, h.events, h.mock,
		EngineConfig{DefaultChainID: "general", DayLength: testDay}, nopLogger{},
	)

	req, err := h.engine.Route(context.Background(), entity.Document{ID: "doc-1", Type: "memo"})
	require.NoError(t, err)
	assert.Equal(t, "general", req.ChainID)
	assert.Equal(t, []string{"office"}, req.AssignedTo)
}

func TestApprovalService_SequentialLifecycle(t *testing.T) {
	s1 := step(1, entity.ConsensusAny, "alice")
	s1.TimeoutDays = intPtr(1)
	s2 := step(2, entity.ConsensusAny, "bob")
	h := newHarness(t, chain("contracts", "contract", s1, s2))
	req := h.route(t, "doc-1", "contract")

	got, err := h.vote(req.ID, "alice", entity.DecisionApprove)
	require.NoError(t, err)
	assert.Equal(t, entity.RequestStatusInProgress, got.Status)
	assert.Equal(t, 2, got.CurrentStep)
	assert.Equal(t, []string{"bob"}, got.AssignedTo)
	_, armed := h.sched.Pending(port.TimerKey{RequestID: req.ID, StepNumber: 1})
	assert.False(t, armed, "step 1 timer is revoked on consensus")

	got, err = h.vote(req.ID, "bob", entity.DecisionApprove)
	require.NoError(t, err)
	assert.Equal(t, entity.RequestStatusApproved, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.Empty(t, got.AssignedTo)

	_, err = h.vote(req.ID, "bob", entity.DecisionApprove)
	assert.ErrorIs(t, err, entity.ErrStepAlreadyTerminal)

	history, err := h.query.History(context.Background(), req.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "alice", history[0].Actor)
	assert.Equal(t, 1, history[0].StepNumber)
	assert.Equal(t, "bob", history[1].Actor)
	assert.Equal(t, 2, history[1].StepNumber)

	decided := h.events.last(event.TypeApprovalDecided)
	require.NotNil(t, decided)
	assert.Equal(t, []string{"submitter"}, decided.Recipients)

	report, err := h.audit.Verify(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Valid)
}

func TestApprovalService_Eligibility(t *testing.T) {
	h := newHarness(t, chain("contracts", "contract", step(1, entity.ConsensusUnanimous, "alice", "bob")))
	req := h.route(t, "doc-1", "contract")

	_, err := h.vote(req.ID, "mallory", entity.DecisionApprove)
	assert.ErrorIs(t, err, entity.ErrNotEligible)

	_, err = h.vote(req.ID, "alice", entity.DecisionApprove)
	require.NoError(t, err)

	_, err = h.vote(req.ID, "alice", entity.DecisionReject)
	assert.ErrorIs(t, err, entity.ErrAlreadyVoted)

	_, err = h.vote(req.ID, "bob", entity.Decision("maybe"))
	assert.ErrorIs(t, err, entity.ErrInvalidDecision)

	_, err = h.vote("missing", "bob", entity.DecisionApprove)
	assert.ErrorIs(t, err, entity.ErrRequestNotFound)

	got := h.get(t, req.ID)
	assert.Equal(t, 1, got.Parallel.Approved, "rejected calls leave no trace")
	assert.Equal(t, []string{"bob"}, got.Parallel.Pending)
}

func TestApprovalService_MajorityConsensus(t *testing.T) {
	tests := []struct {
		name   string
		votes  []entity.Decision
		want   entity.RequestStatus
		decide int
	}{
		{"two approvals decide early", []entity.Decision{entity.DecisionApprove, entity.DecisionApprove, entity.DecisionReject}, entity.RequestStatusApproved, 2},
		{"two rejections decide", []entity.Decision{entity.DecisionApprove, entity.DecisionReject, entity.DecisionReject}, entity.RequestStatusRejected, 3},
		{"split vote is conservative", []entity.Decision{entity.DecisionApprove, entity.DecisionRequestChanges, entity.DecisionReject}, entity.RequestStatusRejected, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, chain("board", "policy", step(1, entity.ConsensusMajority, "a", "b", "c")))
			req := h.route(t, "doc-1", "policy")

			voters := []string{"a", "b", "c"}
			for i, d := range tt.votes {
				got, err := h.vote(req.ID, voters[i], d)
				if i+1 > tt.decide {
					assert.ErrorIs(t, err, entity.ErrStepAlreadyTerminal)
					continue
				}
				require.NoError(t, err)
				if i+1 == tt.decide {
					assert.Equal(t, tt.want, got.Status)
				} else {
					assert.Equal(t, entity.RequestStatusInProgress, got.Status)
				}
			}
		})
	}
}

func TestApprovalService_UnanimousFailFast(t *testing.T) {
	s1 := step(1, entity.ConsensusUnanimous, "a", "b", "c")
	s1.TimeoutDays = intPtr(1)
	s2 := step(2, entity.ConsensusAny, "d")
	h := newHarness(t, chain("legal", "contract", s1, s2))
	req := h.route(t, "doc-1", "contract")

	_, err := h.vote(req.ID, "a", entity.DecisionApprove)
	require.NoError(t, err)
	got, err := h.vote(req.ID, "b", entity.DecisionRequestChanges)
	require.NoError(t, err)

	assert.Equal(t, entity.RequestStatusChangesRequested, got.Status)
	assert.Equal(t, 1, got.CurrentStep, "remaining steps never run")
	assert.Equal(t, 0, h.sched.Len())

	_, err = h.vote(req.ID, "c", entity.DecisionApprove)
	assert.ErrorIs(t, err, entity.ErrStepAlreadyTerminal)
}

func TestApprovalService_WeightedConsensus(t *testing.T) {
	h := newHarness(t, chain("finance", "invoice", step(1, entity.ConsensusWeighted, "cfo", "a", "b")))
	h.dir.weights["cfo"] = 3
	req := h.route(t, "doc-1", "invoice")
	assert.Equal(t, float64(5), req.Parallel.TotalWeight)

	got, err := h.vote(req.ID, "cfo", entity.DecisionApprove)
	require.NoError(t, err)
	assert.Equal(t, entity.RequestStatusApproved, got.Status)
}

func TestApprovalService_TimeoutEscalatesToFallback(t *testing.T) {
	s1 := step(1, entity.ConsensusUnanimous, "alice", "bob")
	s1.TimeoutDays = intPtr(1)
	s1.EscalationChain = []string{"manager", "director"}
	h := newHarness(t, chain("contracts", "contract", s1))
	req := h.route(t, "doc-1", "contract")

	_, err := h.vote(req.ID, "alice", entity.DecisionApprove)
	require.NoError(t, err)

	h.mock.Add(testDay)

	got := h.get(t, req.ID)
	assert.Equal(t, entity.RequestStatusEscalated, got.Status)
	assert.Equal(t, []string{"manager"}, got.AssignedTo)
	assert.Equal(t, 1, got.EscalationLevel)
	require.NotNil(t, got.EscalationDate)
	assert.Equal(t, entity.ConsensusAny, got.ConsensusType)

	escalated := h.events.last(event.TypeApprovalEscalated)
	require.NotNil(t, escalated)
	assert.Equal(t, []string{"manager"}, escalated.Recipients)

	_, err = h.vote(req.ID, "bob", entity.DecisionApprove)
	assert.ErrorIs(t, err, entity.ErrNotEligible, "original approvers lose the step")

	// a second timeout moves to the next fallback
	h.mock.Add(testDay)
	got = h.get(t, req.ID)
	assert.Equal(t, []string{"director"}, got.AssignedTo)
	assert.Equal(t, 2, got.EscalationLevel)
	assert.Equal(t, 0, h.sched.Len(), "exhausted chain without auto-approve waits")

	got, err = h.vote(req.ID, "director", entity.DecisionApprove)
	require.NoError(t, err)
	assert.Equal(t, entity.RequestStatusApproved, got.Status)

	assert.Contains(t, h.auditActions(t, req.ID), entity.AuditStepEscalated)
}

func TestApprovalService_FallbackRejection(t *testing.T) {
	s1 := step(1, entity.ConsensusAny, "alice")
	s1.TimeoutDays = intPtr(1)
	s1.EscalationChain = []string{"manager"}
	h := newHarness(t, chain("contracts", "contract", s1, step(2, entity.ConsensusAny, "bob")))
	req := h.route(t, "doc-1", "contract")

	h.mock.Add(testDay)
	got, err := h.vote(req.ID, "manager", entity.DecisionReject)
	require.NoError(t, err)
	assert.Equal(t, entity.RequestStatusRejected, got.Status)
}

func TestApprovalService_AutoApproveAfterExhaustion(t *testing.T) {
	s1 := step(1, entity.ConsensusAny, "alice")
	s1.TimeoutDays = intPtr(1)
	s1.EscalationChain = []string{"manager"}
	s1.AutoApproveAfterDays = intPtr(2)
	s2 := step(2, entity.ConsensusAny, "bob")
	h := newHarness(t, chain("contracts", "contract", s1, s2))
	req := h.route(t, "doc-1", "contract")

	h.mock.Add(testDay)
	got := h.get(t, req.ID)
	require.Equal(t, entity.RequestStatusEscalated, got.Status)

	task, ok := h.sched.Pending(port.TimerKey{RequestID: req.ID, StepNumber: 1})
	require.True(t, ok)
	assert.Equal(t, port.TimerAutoApprove, task.Kind)

	h.mock.Add(2 * testDay)

	got = h.get(t, req.ID)
	assert.Equal(t, entity.RequestStatusInProgress, got.Status)
	assert.Equal(t, 2, got.CurrentStep)
	assert.Equal(t, []string{"bob"}, got.AssignedTo)
	assert.Contains(t, h.auditActions(t, req.ID), entity.AuditAutoApproved)
	assert.NotNil(t, h.events.last(event.TypeAutoApproved))
}

func TestApprovalService_AutoApproveLastStepFinalizes(t *testing.T) {
	s1 := step(1, entity.ConsensusAny, "alice")
	s1.TimeoutDays = intPtr(1)
	s1.AutoApproveAfterDays = intPtr(1)
	h := newHarness(t, chain("contracts", "contract", s1))
	req := h.route(t, "doc-1", "contract")

	h.mock.Add(testDay)
	got := h.get(t, req.ID)
	assert.Equal(t, entity.RequestStatusEscalated, got.Status)
	assert.Equal(t, []string{"alice"}, got.AssignedTo, "no fallback keeps the assignees")

	h.mock.Add(testDay)
	got = h.get(t, req.ID)
	assert.Equal(t, entity.RequestStatusApproved, got.Status)
}

func TestApprovalService_ZeroTimeoutVoteWins(t *testing.T) {
	s1 := step(1, entity.ConsensusAny, "alice")
	s1.TimeoutDays = intPtr(0)
	h := newHarness(t, chain("contracts", "contract", s1))
	req := h.route(t, "doc-1", "contract")
	task, ok := h.sched.Pending(port.TimerKey{RequestID: req.ID, StepNumber: 1})
	require.True(t, ok)

	got, err := h.vote(req.ID, "alice", entity.DecisionApprove)
	require.NoError(t, err)
	require.Equal(t, entity.RequestStatusApproved, got.Status)

	h.mock.Add(0)
	assert.Equal(t, entity.RequestStatusApproved, h.get(t, req.ID).Status)

	// a fire that lost the race is a no-op
	require.NoError(t, h.engine.HandleTimer(context.Background(), task))
	assert.Equal(t, entity.RequestStatusApproved, h.get(t, req.ID).Status)
	assert.Equal(t, int64(0), h.sched.Health().Fired)
}

func TestApprovalService_ZeroTimeoutTimerWins(t *testing.T) {
	s1 := step(1, entity.ConsensusAny, "alice")
	s1.TimeoutDays = intPtr(0)
	h := newHarness(t, chain("contracts", "contract", s1))
	req := h.route(t, "doc-1", "contract")

	h.mock.Add(0)
	got := h.get(t, req.ID)
	require.Equal(t, entity.RequestStatusEscalated, got.Status)

	got, err := h.vote(req.ID, "alice", entity.DecisionApprove)
	require.NoError(t, err)
	assert.Equal(t, entity.RequestStatusApproved, got.Status)
}

func TestApprovalService_StaleGenerationIgnored(t *testing.T) {
	s1 := step(1, entity.ConsensusAny, "alice")
	s1.TimeoutDays = intPtr(1)
	s1.EscalationChain = []string{"manager", "director"}
	h := newHarness(t, chain("contracts", "contract", s1))
	req := h.route(t, "doc-1", "contract")

	stale := port.TimerTask{
		Key:        port.TimerKey{RequestID: req.ID, StepNumber: 1},
		Kind:       port.TimerEscalate,
		Generation: req.StepGeneration,
	}
	h.mock.Add(testDay)
	require.Equal(t, 1, h.get(t, req.ID).EscalationLevel)

	require.NoError(t, h.engine.HandleTimer(context.Background(), stale))
	assert.Equal(t, 1, h.get(t, req.ID).EscalationLevel, "old generation does not escalate twice")

	require.NoError(t, h.engine.HandleTimer(context.Background(), port.TimerTask{
		Key: port.TimerKey{RequestID: "gone", StepNumber: 1}, Kind: port.TimerEscalate,
	}))
}

func TestApprovalService_OptionalStepTimesOut(t *testing.T) {
	s1 := step(1, entity.ConsensusAny, "alice")
	s1.TimeoutDays = intPtr(1)
	s1.IsOptional = true
	h := newHarness(t, chain("contracts", "contract", s1, step(2, entity.ConsensusAny, "bob")))
	req := h.route(t, "doc-1", "contract")

	h.mock.Add(testDay)

	got := h.get(t, req.ID)
	assert.Equal(t, entity.RequestStatusInProgress, got.Status)
	assert.Equal(t, 2, got.CurrentStep)
	assert.Contains(t, h.auditActions(t, req.ID), entity.AuditStepSkipped)
}

func TestApprovalService_ConditionalStepSkipping(t *testing.T) {
	legal := step(2, entity.ConsensusAny, "lawyer")
	legal.Conditions = []entity.Condition{
		{Field: "amount", Operator: entity.OpGreater, Value: 10000},
	}
	h := newHarness(t, chain("contracts", "contract",
		step(1, entity.ConsensusAny, "alice"),
		legal,
		step(3, entity.ConsensusAny, "bob"),
	))

	req, err := h.engine.Route(context.Background(), entity.Document{
		ID:       "doc-1",
		Type:     "contract",
		Metadata: map[string]interface{}{"amount": 500},
	})
	require.NoError(t, err)

	got, err := h.vote(req.ID, "alice", entity.DecisionApprove)
	require.NoError(t, err)
	assert.Equal(t, 3, got.CurrentStep, "step 2 has no effective approvers")
	assert.Equal(t, []string{"bob"}, got.AssignedTo)
	assert.Contains(t, h.auditActions(t, req.ID), entity.AuditStepSkipped)
}

func TestApprovalService_AllStepsSkipped(t *testing.T) {
	s1 := step(1, entity.ConsensusAny, "lawyer")
	s1.Conditions = []entity.Condition{{Field: "risky", Operator: entity.OpEquals, Value: true}}
	h := newHarness(t, chain("contracts", "contract", s1))

	req := h.route(t, "doc-1", "contract")
	assert.Equal(t, entity.RequestStatusApproved, req.Status)
	assert.NotNil(t, req.CompletedAt)
}

func TestApprovalService_ManualEscalate(t *testing.T) {
	s1 := step(1, entity.ConsensusAny, "alice")
	s1.EscalationChain = []string{"manager"}
	h := newHarness(t, chain("contracts", "contract", s1))
	req := h.route(t, "doc-1", "contract")

	_, err := h.engine.Escalate(context.Background(), req.ID, "mallory", "stuck")
	assert.ErrorIs(t, err, entity.ErrNotEligible)

	got, err := h.engine.Escalate(context.Background(), req.ID, "submitter", "stuck")
	require.NoError(t, err)
	assert.Equal(t, entity.RequestStatusEscalated, got.Status)
	assert.Equal(t, []string{"manager"}, got.AssignedTo)
}

func TestApprovalService_EscalateDecision(t *testing.T) {
	s1 := step(1, entity.ConsensusAny, "alice")
	s1.EscalationChain = []string{"manager"}
	h := newHarness(t, chain("contracts", "contract", s1))
	req := h.route(t, "doc-1", "contract")

	got, err := h.vote(req.ID, "alice", entity.DecisionEscalate)
	require.NoError(t, err)
	assert.Equal(t, entity.RequestStatusEscalated, got.Status)

	history, err := h.query.History(context.Background(), req.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, entity.DecisionEscalate, history[0].Decision)
}

func TestApprovalService_ConcurrentVotesAreSerialized(t *testing.T) {
	voters := make([]string, 20)
	for i := range voters {
		voters[i] = fmt.Sprintf("voter-%02d", i)
	}
	h := newHarness(t, chain("board", "policy", step(1, entity.ConsensusUnanimous, voters...)))
	req := h.route(t, "doc-1", "policy")

	var wg sync.WaitGroup
	errs := make(chan error, len(voters))
	for _, v := range voters {
		wg.Add(1)
		go func(actor string) {
			defer wg.Done()
			_, err := h.vote(req.ID, actor, entity.DecisionApprove)
			errs <- err
		}(v)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	got := h.get(t, req.ID)
	assert.Equal(t, entity.RequestStatusApproved, got.Status)
	assert.Equal(t, len(voters), got.Parallel.Approved, "no vote is lost")
	assert.Empty(t, got.Parallel.Pending)

	history, err := h.query.History(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Len(t, history, len(voters))
}

func TestApprovalService_AuditHaltStopsWrites(t *testing.T) {
	h := newHarness(t, chain("contracts", "contract", step(1, entity.ConsensusUnanimous, "alice", "bob")))
	req := h.route(t, "doc-1", "contract")

	require.True(t, h.store.TamperAudit(1, func(e *entity.AuditLogEntry) {
		e.Actor = "someone-else"
	}))

	report, err := h.audit.Verify(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Valid)
	assert.Equal(t, 0, report.BrokenAt)
	assert.True(t, h.audit.Status().Halted)

	_, err = h.vote(req.ID, "alice", entity.DecisionApprove)
	assert.ErrorIs(t, err, entity.ErrChainIntegrityViolation)

	got := h.get(t, req.ID)
	assert.Equal(t, 0, got.Parallel.Approved, "halted writes leave the request untouched")

	_, err = h.audit.ResumeWrites(context.Background(), "admin")
	assert.ErrorIs(t, err, entity.ErrChainIntegrityViolation, "the chain is still broken")
}

func TestApprovalService_RearmTimers(t *testing.T) {
	s1 := step(1, entity.ConsensusAny, "alice")
	s1.TimeoutDays = intPtr(2)
	h := newHarness(t, chain("contracts", "contract", s1))
	req := h.route(t, "doc-1", "contract")

	key := port.TimerKey{RequestID: req.ID, StepNumber: 1}
	require.True(t, h.sched.Cancel(key), "simulate a lost timer")

	n, err := h.engine.RearmTimers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	task, ok := h.sched.Pending(key)
	require.True(t, ok)
	assert.True(t, req.StepActivatedAt.Add(2*testDay).Equal(task.FireAt))

	h.mock.Add(2 * testDay)
	assert.Equal(t, entity.RequestStatusEscalated, h.get(t, req.ID).Status)
}

func TestApprovalService_BulkDecide(t *testing.T) {
	h := newHarness(t,
		chain("contracts", "contract", step(1, entity.ConsensusAny, "alice")),
		chain("invoices", "invoice", step(1, entity.ConsensusAny, "bob")),
	)
	a := h.route(t, "doc-a", "contract")
	b := h.route(t, "doc-b", "invoice")

	results := h.query.BulkDecide(context.Background(), BulkDecisionInput{
		RequestIDs: []string{a.ID, b.ID, a.ID, "missing"},
		Actor:      "alice",
		Decision:   entity.DecisionApprove,
	})

	require.Len(t, results, 4, "one result per input id")
	for i, id := range []string{a.ID, b.ID, a.ID, "missing"} {
		assert.Equal(t, id, results[i].RequestID)
	}
	assert.True(t, results[0].Success)
	assert.Equal(t, entity.RequestStatusApproved, results[0].Status)
	assert.False(t, results[1].Success)
	assert.Equal(t, "not_eligible", results[1].Code)
	assert.False(t, results[2].Success)
	assert.True(t, results[2].Duplicate)
	assert.Equal(t, CodeDuplicateRequest, results[2].Code)
	assert.Equal(t, "request_not_found", results[3].Code)
	assert.False(t, results[3].Duplicate)

	history, err := h.query.History(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1, "the repeated id was decided once")

	assert.Equal(t, entity.RequestStatusPending, h.get(t, b.ID).Status, "one failure does not touch the others")
}

func TestApprovalService_PendingFor(t *testing.T) {
	h := newHarness(t,
		chain("board", "policy", step(1, entity.ConsensusUnanimous, "alice", "bob")),
		chain("invoices", "invoice", step(1, entity.ConsensusAny, "bob")),
	)
	p := h.route(t, "doc-p", "policy")
	i := h.route(t, "doc-i", "invoice")

	queue, err := h.query.PendingFor(context.Background(), "bob")
	require.NoError(t, err)
	assert.Len(t, queue, 2)

	_, err = h.vote(p.ID, "bob", entity.DecisionApprove)
	require.NoError(t, err)

	queue, err = h.query.PendingFor(context.Background(), "bob")
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, i.ID, queue[0].ID)

	_, err = h.query.History(context.Background(), "missing")
	assert.ErrorIs(t, err, entity.ErrRequestNotFound)
}
