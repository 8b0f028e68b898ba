package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"

	"parley/internal/models"
	"parley/internal/notifications"
	"parley/internal/observability"
	"parley/internal/repository"
)

// NotificationService creates notifications and routes them to live SSE
// streams. Rows created while the user is offline stay unsent and are
// flushed (then deleted) when the user next opens a stream.
type NotificationService struct {
	notificationRepo repository.NotificationRepository
	presence         *notifications.PresenceTracker
	notifier         *notifications.Notifier
}

// NewNotificationService returns a new NotificationService.
func NewNotificationService(
	notificationRepo repository.NotificationRepository,
	presence *notifications.PresenceTracker,
	notifier *notifications.Notifier,
) *NotificationService {
	return &NotificationService{
		notificationRepo: notificationRepo,
		presence:         presence,
		notifier:         notifier,
	}
}

// CreateNotificationInput is the input for creating a notification.
type CreateNotificationInput struct {
	UserID   string
	Type     models.NotificationType
	Title    string
	Message  string
	Priority models.NotificationPriority
	Data     map[string]any
}

// CreateNotification persists a notification and, when the target user holds
// a live SSE stream anywhere in the cluster, publishes it to their channel.
// The row is marked sent before publishing; a failed publish flips it back so
// the next stream open re-delivers it.
func (s *NotificationService) CreateNotification(ctx context.Context, in CreateNotificationInput) (*models.Notification, error) {
	if in.UserID == "" {
		return nil, models.NewValidationError("Notification target user is required")
	}
	if in.Title == "" {
		return nil, models.NewValidationError("Notification title is required")
	}
	if in.Type == "" {
		in.Type = models.NotificationTypeSystem
	}
	if !models.ValidNotificationType(in.Type) {
		return nil, models.NewValidationError("Unknown notification type")
	}
	if in.Priority == "" {
		in.Priority = models.NotificationPriorityNormal
	}
	if !models.ValidNotificationPriority(in.Priority) {
		return nil, models.NewValidationError("Unknown notification priority")
	}

	var data json.RawMessage
	if in.Data != nil {
		b, err := json.Marshal(in.Data)
		if err != nil {
			return nil, models.NewValidationError("Notification data is not serializable")
		}
		data = b
	}

	present, err := s.presence.IsPresent(ctx, in.UserID)
	if err != nil {
		// Presence is advisory; an unreachable tracker means the flush path
		// delivers later.
		observability.GlobalLogger.WarnContext(ctx, "presence check failed",
			slog.String("user_id", in.UserID),
			slog.String("error", err.Error()),
		)
		present = false
	}

	notification := &models.Notification{
		UserID:   in.UserID,
		Type:     in.Type,
		Title:    in.Title,
		Message:  in.Message,
		Priority: in.Priority,
		Data:     data,
		IsSent:   present,
	}
	if err := s.notificationRepo.Create(ctx, notification); err != nil {
		return nil, err
	}
	observability.NotificationsTotal.WithLabelValues(strconv.FormatBool(present)).Inc()

	if present {
		if err := s.publish(ctx, notification); err != nil {
			observability.GlobalLogger.ErrorContext(ctx, "notification publish failed",
				slog.String("notification_id", notification.ID),
				slog.String("user_id", in.UserID),
				slog.String("error", err.Error()),
			)
			notification.IsSent = false
			if merr := s.notificationRepo.MarkUnsent(ctx, notification.ID); merr != nil {
				observability.GlobalLogger.ErrorContext(ctx, "notification unsend mark failed",
					slog.String("notification_id", notification.ID),
					slog.String("error", merr.Error()),
				)
			}
		}
	}

	return notification, nil
}

// SendUnsentNotifications publishes every stored-but-undelivered notification
// for the user in creation order, deleting each row once published. Rows that
// fail to publish stay for the next flush. Returns the delivered count.
func (s *NotificationService) SendUnsentNotifications(ctx context.Context, userID string) (int, error) {
	pending, err := s.notificationRepo.GetUnsentByUser(ctx, userID)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for i := range pending {
		n := &pending[i]
		if err := s.publish(ctx, n); err != nil {
			observability.GlobalLogger.ErrorContext(ctx, "notification flush publish failed",
				slog.String("notification_id", n.ID),
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
			continue
		}
		delivered++
		if err := s.notificationRepo.Delete(ctx, n.ID); err != nil {
			// The row re-flushes next open; duplicate delivery beats loss.
			observability.GlobalLogger.ErrorContext(ctx, "notification delete after flush failed",
				slog.String("notification_id", n.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return delivered, nil
}

func (s *NotificationService) publish(ctx context.Context, n *models.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return s.notifier.PublishUser(ctx, n.UserID, string(payload))
}
