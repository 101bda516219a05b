package dispatcher

import (
	"context"

	"github.com/garyjia/doc-approval/internal/domain/event"
)

// Handler processes approval events
type Handler func(ctx context.Context, evt *event.Event) error

// Stats is a snapshot of delivery counters for health checks
type Stats struct {
	Subscribers int   `json:"subscribers"`
	Delivered   int64 `json:"delivered"`
	Failed      int64 `json:"failed"`
	Dropped     int64 `json:"dropped"`
	Queued      int   `json:"queued"`
	Closed      bool  `json:"closed"`
}

// delivery is one queued event for one subscriber
type delivery struct {
	ctx context.Context
	evt *event.Event
}

// subscription owns a queue drained by a single goroutine, so a
// subscriber sees events in the order they were dispatched
type subscription struct {
	name    string
	types   map[event.Type]bool // nil means every type
	handler Handler
	queue   chan delivery
}

func (s *subscription) wants(t event.Type) bool {
	return s.types == nil || s.types[t]
}
