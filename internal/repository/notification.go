package repository

import (
	"context"

	"parley/internal/models"

	"gorm.io/gorm"
)

// NotificationRepository persists notification rows. Rows with is_sent=false
// are the offline backlog flushed when the user opens an SSE stream.
type NotificationRepository interface {
	Create(ctx context.Context, notification *models.Notification) error
	GetUnsentByUser(ctx context.Context, userID string) ([]models.Notification, error)
	MarkUnsent(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
}

// notificationRepository implements NotificationRepository
type notificationRepository struct {
	db *gorm.DB
}

// NewNotificationRepository creates a new notification repository
func NewNotificationRepository(db *gorm.DB) NotificationRepository {
	return &notificationRepository{db: db}
}

func (r *notificationRepository) Create(ctx context.Context, notification *models.Notification) error {
	if err := r.db.WithContext(ctx).Create(notification).Error; err != nil {
		return models.NewInternalError(err)
	}
	return nil
}

func (r *notificationRepository) GetUnsentByUser(ctx context.Context, userID string) ([]models.Notification, error) {
	var notifications []models.Notification
	if err := readDB(r.db).WithContext(ctx).
		Where("user_id = ? AND is_sent = ?", userID, false).
		Order("created_at ASC").
		Find(&notifications).Error; err != nil {
		return nil, models.NewInternalError(err)
	}
	return notifications, nil
}

func (r *notificationRepository) MarkUnsent(ctx context.Context, id string) error {
	if err := r.db.WithContext(ctx).
		Model(&models.Notification{}).
		Where("id = ?", id).
		Update("is_sent", false).Error; err != nil {
		return models.NewInternalError(err)
	}
	return nil
}

func (r *notificationRepository) Delete(ctx context.Context, id string) error {
	if err := r.db.WithContext(ctx).Where("id = ?", id).Delete(&models.Notification{}).Error; err != nil {
		return models.NewInternalError(err)
	}
	return nil
}
