package notification

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/garyjia/doc-approval/internal/domain/event"
)

type published struct {
	channel string
	payload []byte
}

type mockPublisher struct {
	messages []published
	err      error
}

func (m *mockPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	if m.err != nil {
		return m.err
	}
	m.messages = append(m.messages, published{channel: channel, payload: payload})
	return nil
}

func TestBrokerNotifier_PublishesJSONPerType(t *testing.T) {
	pub := &mockPublisher{}
	n := NewBrokerNotifier(pub, "docs", zap.NewNop())

	evt := event.NewEvent(event.TypeApprovalDecided, "req-1", "doc-1", map[string]interface{}{
		"status": "approved",
	}).WithRecipients([]string{"alice"})

	require.NoError(t, n.Notify(context.Background(), evt))
	require.Len(t, pub.messages, 1)
	assert.Equal(t, "docs.approval.decided", pub.messages[0].channel)

	var decoded event.Event
	require.NoError(t, json.Unmarshal(pub.messages[0].payload, &decoded))
	assert.Equal(t, evt.ID, decoded.ID)
	assert.Equal(t, "approved", decoded.GetPayloadString("status"))
	assert.Equal(t, []string{"alice"}, decoded.Recipients)
	assert.Equal(t, "redis", n.Name())
}

func TestBrokerNotifier_DefaultPrefix(t *testing.T) {
	n := NewBrokerNotifier(&mockPublisher{}, "", zap.NewNop())
	assert.Equal(t, "approvals.request.routed", n.Channel(event.TypeRequestRouted))
}

func TestBrokerNotifier_PublishError(t *testing.T) {
	pub := &mockPublisher{err: errors.New("connection refused")}
	n := NewBrokerNotifier(pub, "docs", zap.NewNop())

	err := n.Notify(context.Background(), event.NewEvent(event.TypeVoteRecorded, "req-1", "doc-1", nil))
	assert.ErrorContains(t, err, "connection refused")
}

func TestNewRedisPublisher_RequiresAddress(t *testing.T) {
	_, err := NewRedisPublisher(context.Background(), RedisConfig{})
	assert.Error(t, err)
}

func TestLogNotifier_LogsEventFields(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	n := NewLogNotifier(zap.New(core))

	evt := event.NewEvent(event.TypeApprovalRequired, "req-1", "doc-1", map[string]interface{}{
		"step": 2,
	}).WithRecipients([]string{"bob"})

	require.NoError(t, n.Notify(context.Background(), evt))
	require.Equal(t, 1, logs.Len())

	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "req-1", fields["request_id"])
	assert.Equal(t, "approval.required", fields["event_type"])
	assert.Equal(t, int64(2), fields["step"])
	assert.Equal(t, "log", n.Name())
}
