package routing

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/garyjia/doc-approval/internal/domain/entity"
)

func chain(id string, version int, types ...string) *entity.ApprovalChain {
	return &entity.ApprovalChain{
		ID:            id,
		Version:       version,
		DocumentTypes: types,
		IsActive:      true,
		Steps: []entity.ApprovalStep{
			{StepNumber: 1, Approvers: []string{"alice"}, ConsensusType: entity.ConsensusAny},
		},
	}
}

func amountOver(v float64) []entity.Condition {
	return []entity.Condition{{Field: "amount", Operator: entity.OpGreater, Value: v}}
}

func TestSelect_FirstMatchingRuleByPriority(t *testing.T) {
	chains := []*entity.ApprovalChain{chain("small", 1), chain("large", 1), chain("huge", 1)}
	rules := []*entity.RoutingRule{
		{ID: "r-large", TargetChainID: "large", Priority: 20, IsActive: true, Conditions: amountOver(1000)},
		{ID: "r-huge", TargetChainID: "huge", Priority: 10, IsActive: true, Conditions: amountOver(100000)},
		{ID: "r-all", TargetChainID: "small", Priority: 30, IsActive: true},
	}

	tests := []struct {
		amount float64
		want   string
	}{
		{50, "small"},
		{5000, "large"},
		{500000, "huge"},
	}
	for _, tt := range tests {
		doc := entity.Document{ID: "d", Type: "contract", Metadata: map[string]interface{}{"amount": tt.amount}}
		got, err := Select(doc, chains, rules, "")
		require.NoError(t, err)
		assert.Equal(t, tt.want, got.Chain.ID, "amount %v", tt.amount)
		require.NotNil(t, got.Rule)
	}
}

func TestSelect_TieBrokenByRuleID(t *testing.T) {
	chains := []*entity.ApprovalChain{chain("a", 1), chain("b", 1)}
	rules := []*entity.RoutingRule{
		{ID: "z", TargetChainID: "b", Priority: 1, IsActive: true},
		{ID: "m", TargetChainID: "a", Priority: 1, IsActive: true},
	}
	got, err := Select(entity.Document{ID: "d", Type: "x"}, chains, rules, "")
	require.NoError(t, err)
	assert.Equal(t, "a", got.Chain.ID)
}

func TestSelect_SkipsInactiveRulesAndUnusableChains(t *testing.T) {
	inactive := chain("off", 1)
	inactive.IsActive = false
	chains := []*entity.ApprovalChain{inactive, chain("invoices", 1, "invoice"), chain("fallback", 1)}
	rules := []*entity.RoutingRule{
		{ID: "r0", TargetChainID: "fallback", Priority: 0, IsActive: false},
		{ID: "r1", TargetChainID: "off", Priority: 1, IsActive: true},
		{ID: "r2", TargetChainID: "invoices", Priority: 2, IsActive: true},
		{ID: "r3", TargetChainID: "missing", Priority: 3, IsActive: true},
	}

	got, err := Select(entity.Document{ID: "d", Type: "contract"}, chains, rules, "fallback")
	require.NoError(t, err)
	assert.Equal(t, "fallback", got.Chain.ID)
	assert.Nil(t, got.Rule)
}

func TestSelect_UsesLatestChainVersion(t *testing.T) {
	v2 := chain("c", 2)
	chains := []*entity.ApprovalChain{chain("c", 1), v2}
	rules := []*entity.RoutingRule{{ID: "r", TargetChainID: "c", IsActive: true}}

	got, err := Select(entity.Document{ID: "d", Type: "x"}, chains, rules, "")
	require.NoError(t, err)
	assert.Same(t, v2, got.Chain)
}

func TestSelect_NoMatchingChain(t *testing.T) {
	chains := []*entity.ApprovalChain{chain("large", 1)}
	rules := []*entity.RoutingRule{
		{ID: "r", TargetChainID: "large", IsActive: true, Conditions: amountOver(1000)},
	}
	doc := entity.Document{ID: "d", Type: "x", Metadata: map[string]interface{}{"amount": 10}}

	_, err := Select(doc, chains, rules, "")
	assert.True(t, errors.Is(err, entity.ErrNoMatchingChain))

	_, err = Select(doc, chains, rules, "unknown-default")
	assert.True(t, errors.Is(err, entity.ErrNoMatchingChain))
}

func TestSelect_MatchesOnDocumentFacts(t *testing.T) {
	chains := []*entity.ApprovalChain{chain("legal", 1), chain("general", 1)}
	rules := []*entity.RoutingRule{
		{ID: "r-legal", TargetChainID: "legal", Priority: 1, IsActive: true, Conditions: []entity.Condition{
			{Field: "document_type", Operator: entity.OpEquals, Value: "nda"},
			{Field: "counterparty.country", Operator: entity.OpIn, Value: []interface{}{"DE", "FR"}},
		}},
	}
	doc := entity.Document{ID: "d", Type: "nda", Metadata: map[string]interface{}{
		"counterparty": map[string]interface{}{"country": "FR"},
	}}

	got, err := Select(doc, chains, rules, "general")
	require.NoError(t, err)
	assert.Equal(t, "legal", got.Chain.ID)

	doc.Metadata["counterparty"] = map[string]interface{}{"country": "US"}
	got, err = Select(doc, chains, rules, "general")
	require.NoError(t, err)
	assert.Equal(t, "general", got.Chain.ID)
}
