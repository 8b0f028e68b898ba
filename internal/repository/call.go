package repository

import (
	"context"

	"parley/internal/models"

	"gorm.io/gorm"
)

// CallRepository persists call history rows written when call rooms end.
type CallRepository interface {
	Create(ctx context.Context, call *models.Call) error
	GetByRoomID(ctx context.Context, roomID string) ([]models.Call, error)
}

// callRepository implements CallRepository
type callRepository struct {
	db *gorm.DB
}

// NewCallRepository creates a new call repository
func NewCallRepository(db *gorm.DB) CallRepository {
	return &callRepository{db: db}
}

func (r *callRepository) Create(ctx context.Context, call *models.Call) error {
	if err := r.db.WithContext(ctx).Create(call).Error; err != nil {
		return models.NewInternalError(err)
	}
	return nil
}

func (r *callRepository) GetByRoomID(ctx context.Context, roomID string) ([]models.Call, error) {
	var calls []models.Call
	if err := readDB(r.db).WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("ended_at DESC").
		Find(&calls).Error; err != nil {
		return nil, models.NewInternalError(err)
	}
	return calls, nil
}
