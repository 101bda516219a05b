package event

import (
	"time"

	"github.com/google/uuid"
)

// Event represents a domain event raised by the approval engine
type Event struct {
	ID            string                 `json:"id"`
	Type          Type                   `json:"type"`
	RequestID     string                 `json:"request_id"`
	DocumentID    string                 `json:"document_id"`
	Recipients    []string               `json:"recipients,omitempty"`
	Payload       map[string]interface{} `json:"payload"`
	Timestamp     time.Time              `json:"timestamp"`
	CorrelationID string                 `json:"correlation_id"`
}

// NewEvent creates a new domain event with auto-generated ID
func NewEvent(eventType Type, requestID, documentID string, payload map[string]interface{}) *Event {
	if payload == nil {
		payload = make(map[string]interface{})
	}
	return &Event{
		ID:            uuid.NewString(),
		Type:          eventType,
		RequestID:     requestID,
		DocumentID:    documentID,
		Payload:       payload,
		Timestamp:     time.Now(),
		CorrelationID: requestID,
	}
}

// WithPayload returns a new Event with an added payload key-value pair (immutable operation)
func (e *Event) WithPayload(key string, value interface{}) *Event {
	newPayload := make(map[string]interface{}, len(e.Payload)+1)
	for k, v := range e.Payload {
		newPayload[k] = v
	}
	newPayload[key] = value

	c := *e
	c.Payload = newPayload
	return &c
}

// WithRecipients returns a copy addressed to the given identities
func (e *Event) WithRecipients(recipients []string) *Event {
	c := *e
	c.Recipients = append([]string(nil), recipients...)
	return &c
}

// At returns a copy stamped with the given time
func (e *Event) At(ts time.Time) *Event {
	c := *e
	c.Timestamp = ts
	return &c
}

// GetPayloadString retrieves a string value from the payload
func (e *Event) GetPayloadString(key string) string {
	if val, ok := e.Payload[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}

// GetPayloadInt retrieves an int64 value from the payload
func (e *Event) GetPayloadInt(key string) int64 {
	if val, ok := e.Payload[key]; ok {
		switch v := val.(type) {
		case int64:
			return v
		case int:
			return int64(v)
		case float64:
			return int64(v)
		}
	}
	return 0
}

// GetPayloadBool retrieves a bool value from the payload
func (e *Event) GetPayloadBool(key string) bool {
	if val, ok := e.Payload[key]; ok {
		if b, ok := val.(bool); ok {
			return b
		}
	}
	return false
}
