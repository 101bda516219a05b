package notification

import (
	"context"

	"go.uber.org/zap"

	"github.com/garyjia/doc-approval/internal/application/port"
	"github.com/garyjia/doc-approval/internal/domain/event"
)

// LogNotifier writes every event to the structured log. It is always
// registered so a deployment without Lark or Redis still has a trace.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a logging notifier
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.Named("notify")}
}

// Name implements port.Notifier
func (n *LogNotifier) Name() string {
	return "log"
}

// Notify implements port.Notifier
func (n *LogNotifier) Notify(ctx context.Context, evt *event.Event) error {
	fields := []zap.Field{
		zap.String("event_id", evt.ID),
		zap.String("event_type", evt.Type.String()),
		zap.String("request_id", evt.RequestID),
		zap.String("document_id", evt.DocumentID),
		zap.Time("timestamp", evt.Timestamp),
	}
	if len(evt.Recipients) > 0 {
		fields = append(fields, zap.Strings("recipients", evt.Recipients))
	}
	if status := evt.GetPayloadString("status"); status != "" {
		fields = append(fields, zap.String("status", status))
	}
	if step := evt.GetPayloadInt("step"); step > 0 {
		fields = append(fields, zap.Int64("step", step))
	}

	n.logger.Info("Approval event", fields...)
	return nil
}

var _ port.Notifier = (*LogNotifier)(nil)
