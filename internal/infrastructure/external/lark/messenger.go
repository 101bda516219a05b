package lark

import (
	"context"
	"encoding/json"
	"fmt"

	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	"go.uber.org/zap"

	"github.com/garyjia/doc-approval/internal/application/port"
)

// Messenger implements port.LarkMessageSender interface
type Messenger struct {
	sdk    *SDKClient
	logger *zap.Logger
}

// NewMessenger creates a new Lark message sender adapter
func NewMessenger(sdk *SDKClient, logger *zap.Logger) *Messenger {
	return &Messenger{
		sdk:    sdk,
		logger: logger,
	}
}

// SendMessage sends a text message to a user
func (m *Messenger) SendMessage(ctx context.Context, receiveID string, content string) error {
	if receiveID == "" {
		return fmt.Errorf("receive id cannot be empty")
	}
	if content == "" {
		return fmt.Errorf("content cannot be empty")
	}

	textContent, err := json.Marshal(map[string]string{"text": content})
	if err != nil {
		return fmt.Errorf("failed to marshal text content: %w", err)
	}

	if _, err := m.send(ctx, receiveID, "text", string(textContent)); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// SendCardMessage sends a card message to a user
func (m *Messenger) SendCardMessage(ctx context.Context, receiveID string, cardContent interface{}) error {
	if receiveID == "" {
		return fmt.Errorf("receive id cannot be empty")
	}
	if cardContent == nil {
		return fmt.Errorf("cardContent cannot be nil")
	}

	cardJSON, err := json.Marshal(cardContent)
	if err != nil {
		return fmt.Errorf("failed to marshal card content: %w", err)
	}

	if _, err := m.send(ctx, receiveID, "interactive", string(cardJSON)); err != nil {
		return fmt.Errorf("failed to send card message: %w", err)
	}
	return nil
}

func (m *Messenger) send(ctx context.Context, receiveID, msgType, content string) (string, error) {
	req := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType(m.sdk.GetReceiveIDType()).
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(receiveID).
			MsgType(msgType).
			Content(content).
			Build()).
		Build()

	resp, err := m.sdk.GetClient().Im.Message.Create(ctx, req)
	if err != nil {
		m.logger.Error("Failed to send message",
			zap.String("receive_id", receiveID),
			zap.Error(err))
		return "", err
	}

	if !resp.Success() {
		m.logger.Error("API returned failure",
			zap.String("receive_id", receiveID),
			zap.Int("code", resp.Code),
			zap.String("msg", resp.Msg))
		return "", fmt.Errorf("API error: code=%d, msg=%s", resp.Code, resp.Msg)
	}

	messageID := ""
	if resp.Data != nil && resp.Data.MessageId != nil {
		messageID = *resp.Data.MessageId
	}

	m.logger.Debug("Message sent",
		zap.String("message_id", messageID),
		zap.String("receive_id", receiveID))
	return messageID, nil
}

// Verify interface compliance
var _ port.LarkMessageSender = (*Messenger)(nil)
