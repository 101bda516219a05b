package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/garyjia/doc-approval/internal/domain/audit"
	"github.com/garyjia/doc-approval/internal/domain/entity"
	"github.com/garyjia/doc-approval/internal/infrastructure/persistence/sqlite"
	"github.com/garyjia/doc-approval/migrations"
	"github.com/garyjia/doc-approval/pkg/database"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	logger := zap.NewNop()

	db, err := database.New(database.Config{
		Path: filepath.Join(t.TempDir(), "approval.db"),
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, database.NewMigrator(db, logger).RunMigrationsFS(migrations.FS, "."))
	return db.DB
}

func intPtr(n int) *int { return &n }

func testChain(now time.Time) *entity.ApprovalChain {
	return &entity.ApprovalChain{
		ID:            "contracts",
		Version:       1,
		Name:          "Contracts",
		DocumentTypes: []string{"contract"},
		Steps: []entity.ApprovalStep{
			{StepNumber: 1, Name: "legal", Approvers: []string{"alice", "bob"}, ParallelApproval: true,
				ConsensusType: entity.ConsensusMajority, TimeoutDays: intPtr(2)},
			{StepNumber: 2, Name: "cfo", Approvers: []string{"carol"}, ConsensusType: entity.ConsensusAny},
		},
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func testRequest(id, documentID string, now time.Time) *entity.ApprovalRequest {
	return &entity.ApprovalRequest{
		ID:                       id,
		DocumentID:               documentID,
		DocumentType:             "contract",
		ChainID:                  "contracts",
		ChainVersion:             1,
		CurrentStep:              1,
		TotalSteps:               2,
		Status:                   entity.RequestStatusPending,
		Priority:                 entity.PriorityNormal,
		Deadline:                 now.Add(48 * time.Hour),
		StepActivatedAt:          now,
		AssignedTo:               []string{"alice", "bob"},
		ParallelApprovalRequired: true,
		ConsensusType:            entity.ConsensusMajority,
		Parallel:                 entity.NewParallelApprovalStatus([]string{"alice", "bob"}, 2, 2),
		Metadata:                 map[string]interface{}{"amount": 5000.0},
		SubmittedBy:              "dave",
		CreatedAt:                now,
		UpdatedAt:                now,
	}
}

func TestChainRepository_Versions(t *testing.T) {
	db := setupTestDB(t)
	repo := NewChainRepository(db, zap.NewNop())
	ctx := context.Background()
	now := time.Now().UTC()

	chain := testChain(now)
	require.NoError(t, repo.Save(ctx, chain))

	v2 := testChain(now)
	v2.Version = 2
	v2.Steps = v2.Steps[:1]
	require.NoError(t, repo.Save(ctx, v2))

	latest, err := repo.GetByID(ctx, "contracts")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, 2, latest.Version)
	assert.Len(t, latest.Steps, 1)

	first, err := repo.GetVersion(ctx, "contracts", 1)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Len(t, first.Steps, 2)
	require.NotNil(t, first.Steps[0].TimeoutDays)
	assert.Equal(t, 2, *first.Steps[0].TimeoutDays)
	assert.Nil(t, first.Steps[1].TimeoutDays)

	all, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, 2, all[0].Version)

	missing, err := repo.GetByID(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestChainRepository_ReferencedVersionIsFrozen(t *testing.T) {
	db := setupTestDB(t)
	chains := NewChainRepository(db, zap.NewNop())
	requests := NewRequestRepository(db, zap.NewNop())
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, chains.Save(ctx, testChain(now)))
	require.NoError(t, requests.Create(ctx, testRequest("req-1", "doc-1", now)))

	edited := testChain(now)
	edited.Steps = edited.Steps[:1]
	assert.Error(t, chains.Save(ctx, edited))

	renamed := testChain(now)
	renamed.Name = "Contracts (renamed)"
	assert.NoError(t, chains.Save(ctx, renamed))
}

func TestRequestRepository_RoundTrip(t *testing.T) {
	db := setupTestDB(t)
	require.NoError(t, NewChainRepository(db, zap.NewNop()).Save(context.Background(), testChain(time.Now())))
	repo := NewRequestRepository(db, zap.NewNop())
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 30, 0, 123456789, time.UTC)

	req := testRequest("req-1", "doc-1", now)
	require.NoError(t, repo.Create(ctx, req))

	got, err := repo.GetByID(ctx, "req-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, req.Deadline, got.Deadline)
	assert.Equal(t, []string{"alice", "bob"}, got.AssignedTo)
	assert.Equal(t, 2, got.Parallel.TotalRequired)
	assert.Equal(t, []string{"alice", "bob"}, got.Parallel.Pending)
	assert.Equal(t, 5000.0, got.Metadata["amount"])
	assert.Nil(t, got.CompletedAt)

	escalatedAt := now.Add(time.Hour)
	got.Status = entity.RequestStatusEscalated
	got.EscalationDate = &escalatedAt
	got.EscalationLevel = 1
	got.EscalationUsed = []string{"frank"}
	got.StepGeneration = 3
	got.UpdatedAt = escalatedAt
	require.NoError(t, repo.Update(ctx, got))

	reloaded, err := repo.GetByID(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, entity.RequestStatusEscalated, reloaded.Status)
	require.NotNil(t, reloaded.EscalationDate)
	assert.True(t, escalatedAt.Equal(*reloaded.EscalationDate))
	assert.Equal(t, []string{"frank"}, reloaded.EscalationUsed)
	assert.Equal(t, int64(3), reloaded.StepGeneration)

	missing := testRequest("req-x", "doc-x", now)
	err = repo.Update(ctx, missing)
	assert.True(t, errors.Is(err, entity.ErrRequestNotFound))
}

func TestRequestRepository_ActiveQueries(t *testing.T) {
	db := setupTestDB(t)
	require.NoError(t, NewChainRepository(db, zap.NewNop()).Save(context.Background(), testChain(time.Now())))
	repo := NewRequestRepository(db, zap.NewNop())
	ctx := context.Background()
	now := time.Now().UTC()

	active := testRequest("req-1", "doc-1", now)
	require.NoError(t, repo.Create(ctx, active))

	// a second live request for the same document violates the partial unique index
	assert.ErrorIs(t, repo.Create(ctx, testRequest("req-2", "doc-1", now)), entity.ErrActiveRequestExists)

	done := testRequest("req-3", "doc-2", now)
	done.Status = entity.RequestStatusApproved
	done.AssignedTo = []string{"alice"}
	require.NoError(t, repo.Create(ctx, done))

	found, err := repo.GetActiveByDocument(ctx, "doc-1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "req-1", found.ID)

	none, err := repo.GetActiveByDocument(ctx, "doc-2")
	require.NoError(t, err)
	assert.Nil(t, none)

	forAlice, err := repo.ListAssignedTo(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, forAlice, 1)
	assert.Equal(t, "req-1", forAlice[0].ID)

	forCarol, err := repo.ListAssignedTo(ctx, "carol")
	require.NoError(t, err)
	assert.Empty(t, forCarol)

	all, err := repo.ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestRuleRepository_ListActiveOrdersByPriority(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRuleRepository(db, zap.NewNop())
	ctx := context.Background()
	now := time.Now().UTC()

	rules := []*entity.RoutingRule{
		{ID: "b", TargetChainID: "c1", Priority: 10, IsActive: true},
		{ID: "a", TargetChainID: "c2", Priority: 10, IsActive: true},
		{ID: "high", TargetChainID: "c3", Priority: 1, IsActive: true,
			Conditions: []entity.Condition{{Field: "amount", Operator: entity.OpGreater, Value: 1000.0}}},
		{ID: "off", TargetChainID: "c4", Priority: 0, IsActive: false},
	}
	for _, r := range rules {
		r.CreatedAt, r.UpdatedAt = now, now
		require.NoError(t, repo.Save(ctx, r))
	}

	got, err := repo.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "high", got[0].ID)
	assert.Equal(t, "a", got[1].ID)
	assert.Equal(t, "b", got[2].ID)
	require.Len(t, got[0].Conditions, 1)
	assert.Equal(t, entity.OpGreater, got[0].Conditions[0].Operator)
}

func TestActionRepository_ListByRequest(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, NewChainRepository(db, zap.NewNop()).Save(ctx, testChain(now)))
	require.NoError(t, NewRequestRepository(db, zap.NewNop()).Create(ctx, testRequest("req-1", "doc-1", now)))

	repo := NewActionRepository(db, zap.NewNop())
	require.NoError(t, repo.Create(ctx, &entity.ApprovalAction{
		ID: "act-1", RequestID: "req-1", StepNumber: 1, Actor: "alice",
		Decision: entity.DecisionApprove, Comments: "ok",
		Annotations: map[string]interface{}{"page": 3.0},
		Context:     entity.SubmissionContext{IPAddress: "10.0.0.1", UserAgent: "curl"},
		CreatedAt:   now,
	}))
	require.NoError(t, repo.Create(ctx, &entity.ApprovalAction{
		ID: "act-2", RequestID: "req-1", StepNumber: 1, Actor: "bob",
		Decision: entity.DecisionReject, CreatedAt: now.Add(time.Second),
	}))

	actions, err := repo.ListByRequest(ctx, "req-1")
	require.NoError(t, err)
	require.Len(t, actions, 2)
	assert.Equal(t, "alice", actions[0].Actor)
	assert.Equal(t, "10.0.0.1", actions[0].Context.IPAddress)
	assert.Equal(t, 3.0, actions[0].Annotations["page"])
	assert.Equal(t, entity.DecisionReject, actions[1].Decision)
}

func TestAuditRepository_ChainSurvivesStorage(t *testing.T) {
	db := setupTestDB(t)
	repo := NewAuditRepository(db, zap.NewNop())
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 6, time.FixedZone("X", 3600))

	tail, err := repo.Tail(ctx)
	require.NoError(t, err)
	assert.Nil(t, tail)

	previous := audit.GenesisChecksum
	for i := 1; i <= 5; i++ {
		e, err := audit.Seal(entity.AuditLogEntry{
			Sequence:  int64(i),
			Timestamp: base.Add(time.Duration(i) * time.Millisecond),
			Actor:     "system",
			Action:    entity.AuditVoteRecorded,
			RequestID: "req-1",
			Details:   map[string]interface{}{"step": i, "outcome": "approved"},
		}, previous)
		require.NoError(t, err)
		require.NoError(t, repo.Append(ctx, &e))
		previous = e.ChainChecksum
	}

	stored, err := repo.ListAscending(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 5)

	entries := make([]entity.AuditLogEntry, len(stored))
	for i, e := range stored {
		entries[i] = *e
	}
	report := audit.Verify(entries)
	assert.True(t, report.Valid)
	assert.Equal(t, 5, report.Checked)

	tail, err = repo.Tail(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), tail.Sequence)
	assert.Equal(t, previous, tail.ChainChecksum)

	recent, err := repo.ListRecent(ctx, 2, 1)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, int64(4), recent[0].Sequence)

	byRequest, err := repo.ListByRequest(ctx, "req-1")
	require.NoError(t, err)
	require.Len(t, byRequest, 5)
	assert.Equal(t, int64(5), byRequest[0].Sequence, "newest first")
	assert.Equal(t, int64(1), byRequest[4].Sequence)
}

func TestAuditRepository_StoredEntryStillVerifies(t *testing.T) {
	db := setupTestDB(t)
	repo := NewAuditRepository(db, zap.NewNop())
	ctx := context.Background()

	// comments arrive unvalidated through the Go API; ids can exceed 2^53
	e, err := audit.Seal(entity.AuditLogEntry{
		Sequence:  1,
		Timestamp: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
		Actor:     "bob\xfe",
		Action:    entity.AuditVoteRecorded,
		RequestID: "req-1",
		Details: map[string]interface{}{
			"comments":  "ok\xff",
			"reference": int64(1<<62 + 1),
			"approvers": []string{"alice", "carol\xc3"},
		},
	}, audit.GenesisChecksum)
	require.NoError(t, err)
	require.NoError(t, repo.Append(ctx, &e))

	tail, err := repo.Tail(ctx)
	require.NoError(t, err)
	require.NotNil(t, tail)
	assert.Equal(t, "ok\uFFFD", tail.Details["comments"])
	assert.Equal(t, "4611686018427387905", fmt.Sprint(tail.Details["reference"]))

	report := audit.Verify([]entity.AuditLogEntry{*tail})
	assert.True(t, report.Valid, "%+v", report.Entries)
	assert.Equal(t, e.Checksum, tail.Checksum)
}

func TestAuditRepository_AppendOnly(t *testing.T) {
	db := setupTestDB(t)
	repo := NewAuditRepository(db, zap.NewNop())
	ctx := context.Background()

	e, err := audit.Seal(entity.AuditLogEntry{
		Sequence: 1, Timestamp: time.Now(), Actor: "system", Action: entity.AuditRequestRouted,
	}, audit.GenesisChecksum)
	require.NoError(t, err)
	require.NoError(t, repo.Append(ctx, &e))

	_, err = db.Exec(`UPDATE audit_log SET actor = 'mallory' WHERE sequence = 1`)
	assert.Error(t, err)
	_, err = db.Exec(`DELETE FROM audit_log WHERE sequence = 1`)
	assert.Error(t, err)
}

func TestRepositories_JoinTransaction(t *testing.T) {
	db := setupTestDB(t)
	tm := sqlite.NewDB(db, zap.NewNop())
	repo := NewAuditRepository(db, zap.NewNop())
	ctx := context.Background()

	boom := errors.New("boom")
	err := tm.WithTransaction(ctx, func(txCtx context.Context) error {
		e, err := audit.Seal(entity.AuditLogEntry{
			Sequence: 1, Timestamp: time.Now(), Actor: "system", Action: entity.AuditRequestRouted,
		}, audit.GenesisChecksum)
		if err != nil {
			return err
		}
		if err := repo.Append(txCtx, &e); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	tail, err := repo.Tail(ctx)
	require.NoError(t, err)
	assert.Nil(t, tail, "rolled back append must not be visible")
}
