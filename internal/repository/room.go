package repository

import (
	"context"
	"encoding/json"
	"errors"

	"parley/internal/cache"
	"parley/internal/models"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// RoomRepository is the durable room store with a read-through cache.
// Cache entries live 24h and are invalidated on every mutation.
type RoomRepository interface {
	Create(ctx context.Context, room *models.Room) error
	GetByID(ctx context.Context, id string) (*models.Room, error)
	GetByUsers(ctx context.Context, userID1, userID2 string, roomType models.RoomType) (*models.Room, error)
	GetByUser(ctx context.Context, userID string, roomType models.RoomType) (*models.Room, error)
	Delete(ctx context.Context, id string) error
}

// roomRepository implements RoomRepository
type roomRepository struct {
	db  *gorm.DB
	rdb *redis.Client
}

// NewRoomRepository creates a new room repository
func NewRoomRepository(db *gorm.DB, rdb *redis.Client) RoomRepository {
	return &roomRepository{db: db, rdb: rdb}
}

func (r *roomRepository) cacheGet(ctx context.Context, id string) *models.Room {
	if r.rdb == nil {
		return nil
	}
	raw, err := r.rdb.Get(ctx, cache.RoomRecordKey(id)).Result()
	if err != nil {
		return nil
	}
	var room models.Room
	if err := json.Unmarshal([]byte(raw), &room); err != nil {
		return nil
	}
	return &room
}

func (r *roomRepository) cacheSet(ctx context.Context, room *models.Room) {
	if r.rdb == nil || room == nil {
		return
	}
	raw, err := json.Marshal(room)
	if err != nil {
		return
	}
	r.rdb.Set(ctx, cache.RoomRecordKey(room.ID), raw, cache.RoomRecordTTL)
}

func (r *roomRepository) Create(ctx context.Context, room *models.Room) error {
	if err := r.db.WithContext(ctx).Create(room).Error; err != nil {
		if isUniqueViolation(err) {
			return models.NewConflictError("room already exists for this pair")
		}
		return models.NewInternalError(err)
	}
	r.cacheSet(ctx, room)
	return nil
}

func (r *roomRepository) GetByID(ctx context.Context, id string) (*models.Room, error) {
	if room := r.cacheGet(ctx, id); room != nil {
		return room, nil
	}

	var room models.Room
	if err := readDB(r.db).WithContext(ctx).Where("id = ?", id).First(&room).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.NewNotFoundError("Room", id)
		}
		return nil, models.NewInternalError(err)
	}

	r.cacheSet(ctx, &room)
	return &room, nil
}

// GetByUsers finds the most recent room holding the pair in either slot
// order. Returns nil without error when no such room exists.
func (r *roomRepository) GetByUsers(ctx context.Context, userID1, userID2 string, roomType models.RoomType) (*models.Room, error) {
	var room models.Room
	if err := readDB(r.db).WithContext(ctx).
		Where("type = ? AND ((user1_id = ? AND user2_id = ?) OR (user1_id = ? AND user2_id = ?))",
			roomType, userID1, userID2, userID2, userID1).
		Order("created_at DESC").
		First(&room).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, models.NewInternalError(err)
	}

	r.cacheSet(ctx, &room)
	return &room, nil
}

// GetByUser finds the user's most recent room of the given type. Returns
// nil without error when the user has none.
func (r *roomRepository) GetByUser(ctx context.Context, userID string, roomType models.RoomType) (*models.Room, error) {
	var room models.Room
	if err := readDB(r.db).WithContext(ctx).
		Where("type = ? AND (user1_id = ? OR user2_id = ?)", roomType, userID, userID).
		Order("created_at DESC").
		First(&room).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, models.NewInternalError(err)
	}

	r.cacheSet(ctx, &room)
	return &room, nil
}

func (r *roomRepository) Delete(ctx context.Context, id string) error {
	if err := r.db.WithContext(ctx).Where("id = ?", id).Delete(&models.Room{}).Error; err != nil {
		return models.NewInternalError(err)
	}
	if r.rdb != nil {
		r.rdb.Del(ctx, cache.RoomRecordKey(id))
	}
	return nil
}
