package repository

import (
	"context"

	"parley/internal/models"

	"gorm.io/gorm"
)

// MessageRepository persists chat messages for non-general rooms.
type MessageRepository interface {
	Create(ctx context.Context, message *models.Message) error
	GetRecentByRoom(ctx context.Context, roomID string, limit int) ([]models.Message, error)
}

// messageRepository implements MessageRepository
type messageRepository struct {
	db      *gorm.DB
	metrics queryTracker
}

type queryTracker interface {
	TrackQuery(operation, table string) func()
}

// NewMessageRepository creates a new message repository
func NewMessageRepository(db *gorm.DB, metrics queryTracker) MessageRepository {
	return &messageRepository{db: db, metrics: metrics}
}

func (r *messageRepository) Create(ctx context.Context, message *models.Message) error {
	if r.metrics != nil {
		defer r.metrics.TrackQuery("create", "messages")()
	}
	if err := r.db.WithContext(ctx).Create(message).Error; err != nil {
		return models.NewInternalError(err)
	}
	return nil
}

// GetRecentByRoom returns up to limit messages in chronological order.
func (r *messageRepository) GetRecentByRoom(ctx context.Context, roomID string, limit int) ([]models.Message, error) {
	if r.metrics != nil {
		defer r.metrics.TrackQuery("read", "messages")()
	}

	var messages []models.Message
	if err := readDB(r.db).WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("created_at DESC").
		Limit(limit).
		Find(&messages).Error; err != nil {
		return nil, models.NewInternalError(err)
	}

	// Query sorts newest-first to honor the limit; flip to chronological.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}
