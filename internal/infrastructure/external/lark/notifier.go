package lark

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/garyjia/doc-approval/internal/application/port"
	"github.com/garyjia/doc-approval/internal/domain/event"
)

// Notifier sends approval events to their recipients as Lark cards.
// Only events people act on are delivered; the rest are ignored.
type Notifier struct {
	sender port.LarkMessageSender

	// receiveIDs maps approver identities to Lark ids. Identities without
	// an entry are sent as-is.
	receiveIDs map[string]string
	logger     *zap.Logger
}

// NewNotifier creates a Lark notifier
func NewNotifier(sender port.LarkMessageSender, receiveIDs map[string]string, logger *zap.Logger) *Notifier {
	if receiveIDs == nil {
		receiveIDs = map[string]string{}
	}
	return &Notifier{
		sender:     sender,
		receiveIDs: receiveIDs,
		logger:     logger,
	}
}

// Name implements port.Notifier
func (n *Notifier) Name() string {
	return "lark"
}

// Notify implements port.Notifier
func (n *Notifier) Notify(ctx context.Context, evt *event.Event) error {
	if !delivered(evt.Type) || len(evt.Recipients) == 0 {
		return nil
	}

	card := buildCard(evt)
	var errs []error
	for _, identity := range evt.Recipients {
		receiveID := n.receiveIDs[identity]
		if receiveID == "" {
			receiveID = identity
		}
		if err := n.sender.SendCardMessage(ctx, receiveID, card); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", identity, err))
			continue
		}
		n.logger.Info("Lark notification sent",
			zap.String("event_type", evt.Type.String()),
			zap.String("request_id", evt.RequestID),
			zap.String("recipient", identity))
	}
	return errors.Join(errs...)
}

func delivered(t event.Type) bool {
	switch t {
	case event.TypeApprovalRequired, event.TypeApprovalEscalated, event.TypeApprovalDecided:
		return true
	default:
		return false
	}
}

// buildCard builds a Lark interactive card for an approval event
func buildCard(evt *event.Event) map[string]interface{} {
	var headerTemplate, headerTitle string
	switch evt.Type {
	case event.TypeApprovalRequired:
		headerTemplate = "blue"
		headerTitle = "Approval required"
	case event.TypeApprovalEscalated:
		headerTemplate = "orange"
		headerTitle = "Approval escalated to you"
	case event.TypeApprovalDecided:
		switch evt.GetPayloadString("status") {
		case "approved":
			headerTemplate = "green"
			headerTitle = "Document approved"
		case "rejected":
			headerTemplate = "red"
			headerTitle = "Document rejected"
		default:
			headerTemplate = "orange"
			headerTitle = "Changes requested"
		}
	default:
		headerTemplate = "grey"
		headerTitle = string(evt.Type)
	}

	fields := []map[string]interface{}{
		shortField("Document", evt.DocumentID),
	}
	if step := evt.GetPayloadInt("step"); step > 0 {
		fields = append(fields, shortField("Step", fmt.Sprintf("%d", step)))
	}
	if docType := evt.GetPayloadString("document_type"); docType != "" {
		fields = append(fields, shortField("Type", docType))
	}
	if priority := evt.GetPayloadString("priority"); priority != "" {
		fields = append(fields, shortField("Priority", priority))
	}

	elements := []interface{}{
		map[string]interface{}{
			"tag":    "div",
			"fields": fields,
		},
		map[string]interface{}{
			"tag": "hr",
		},
	}

	if reason := evt.GetPayloadString("reason"); reason != "" {
		elements = append(elements, map[string]interface{}{
			"tag": "div",
			"text": map[string]interface{}{
				"tag":     "lark_md",
				"content": fmt.Sprintf("**Reason:** %s", reason),
			},
		})
	}

	elements = append(elements, map[string]interface{}{
		"tag": "note",
		"elements": []map[string]interface{}{
			{
				"tag":     "plain_text",
				"content": fmt.Sprintf("Request: %s", evt.RequestID),
			},
		},
	})

	return map[string]interface{}{
		"config": map[string]interface{}{
			"wide_screen_mode": true,
		},
		"header": map[string]interface{}{
			"template": headerTemplate,
			"title": map[string]interface{}{
				"tag":     "plain_text",
				"content": headerTitle,
			},
		},
		"elements": elements,
	}
}

func shortField(label, value string) map[string]interface{} {
	return map[string]interface{}{
		"is_short": true,
		"text": map[string]interface{}{
			"tag":     "lark_md",
			"content": fmt.Sprintf("**%s**\n%s", label, value),
		},
	}
}

// Verify interface compliance
var _ port.Notifier = (*Notifier)(nil)
