package lark

import (
	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	"go.uber.org/zap"
)

// SDKClient wraps the Lark SDK client
type SDKClient struct {
	client        *lark.Client
	receiveIDType string
	appID         string
	logger        *zap.Logger
}

// Config holds Lark client configuration
type Config struct {
	AppID     string
	AppSecret string

	// ReceiveIDType tells Lark how to read recipient ids: open_id, user_id,
	// union_id or email. Defaults to open_id.
	ReceiveIDType string
}

// NewSDKClient creates a new Lark SDK client
func NewSDKClient(cfg Config, logger *zap.Logger) *SDKClient {
	client := lark.NewClient(cfg.AppID, cfg.AppSecret,
		lark.WithLogLevel(larkcore.LogLevelInfo),
		lark.WithEnableTokenCache(true),
	)

	receiveIDType := cfg.ReceiveIDType
	if receiveIDType == "" {
		receiveIDType = "open_id"
	}

	return &SDKClient{
		client:        client,
		receiveIDType: receiveIDType,
		appID:         cfg.AppID,
		logger:        logger,
	}
}

// GetClient returns the underlying Lark SDK client
func (c *SDKClient) GetClient() *lark.Client {
	return c.client
}

// GetReceiveIDType returns how recipient ids are interpreted
func (c *SDKClient) GetReceiveIDType() string {
	return c.receiveIDType
}

// GetAppID returns the app ID
func (c *SDKClient) GetAppID() string {
	return c.appID
}
