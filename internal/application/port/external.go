package port

import (
	"context"
	"io"

	"github.com/garyjia/doc-approval/internal/domain/audit"
	"github.com/garyjia/doc-approval/internal/domain/entity"
	"github.com/garyjia/doc-approval/internal/domain/event"
)

// Directory resolves identity attributes owned by the user directory
type Directory interface {
	// Weight returns the vote weight of an approver for weighted consensus
	Weight(ctx context.Context, actor string) float64
}

// Notifier delivers approval events to people or systems.
// Delivery is fire-and-forget; errors are logged by the caller.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, evt *event.Event) error
}

// LarkMessageSender defines message sending operations
type LarkMessageSender interface {
	SendMessage(ctx context.Context, openID string, content string) error
	SendCardMessage(ctx context.Context, openID string, cardContent interface{}) error
}

// EventPublisher publishes serialized events to a broker channel
type EventPublisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// AuditExporter renders the audit trail with its verification results
type AuditExporter interface {
	Export(ctx context.Context, entries []entity.AuditLogEntry, report audit.Report, w io.Writer) error
}
