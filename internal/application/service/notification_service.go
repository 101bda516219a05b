package service

import (
	"context"
	"fmt"

	"github.com/garyjia/doc-approval/internal/application/dispatcher"
	"github.com/garyjia/doc-approval/internal/application/port"
	"github.com/garyjia/doc-approval/internal/domain/event"
)

// NotificationService fans approval events out to the configured notifiers
type NotificationService interface {
	// Register subscribes the service to every event type on d
	Register(d dispatcher.Dispatcher)

	// Deliver sends evt to every notifier. Failures are logged, never returned.
	Deliver(ctx context.Context, evt *event.Event)

	Notifiers() []string
}

type notificationServiceImpl struct {
	notifiers []port.Notifier
	logger    Logger
}

// NewNotificationService creates a new NotificationService
func NewNotificationService(notifiers []port.Notifier, logger Logger) NotificationService {
	kept := make([]port.Notifier, 0, len(notifiers))
	for _, n := range notifiers {
		if n != nil {
			kept = append(kept, n)
		}
	}
	return &notificationServiceImpl{
		notifiers: kept,
		logger:    logger,
	}
}

// Register implements NotificationService
func (s *notificationServiceImpl) Register(d dispatcher.Dispatcher) {
	d.Subscribe("NotificationService", func(ctx context.Context, evt *event.Event) error {
		s.Deliver(ctx, evt)
		return nil
	})
}

// Deliver implements NotificationService
func (s *notificationServiceImpl) Deliver(ctx context.Context, evt *event.Event) {
	for _, n := range s.notifiers {
		if err := s.notify(ctx, n, evt); err != nil {
			s.logger.Error("Failed to deliver notification",
				"error", err,
				"notifier", n.Name(),
				"event_type", evt.Type,
				"event_id", evt.ID,
				"request_id", evt.RequestID)
			continue
		}
	}
}

// notify isolates one notifier so a panic cannot take down the others
func (s *notificationServiceImpl) notify(ctx context.Context, n port.Notifier, evt *event.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("notifier panic: %v", r)
		}
	}()
	return n.Notify(ctx, evt)
}

// Notifiers implements NotificationService
func (s *notificationServiceImpl) Notifiers() []string {
	names := make([]string, 0, len(s.notifiers))
	for _, n := range s.notifiers {
		names = append(names, n.Name())
	}
	return names
}
