package repository

import (
	"context"
	"errors"

	"parley/internal/models"

	"gorm.io/gorm"
)

// FriendRepository is the minimal friendship surface the pairing core
// consumes. Full friends CRUD lives in an external service.
type FriendRepository interface {
	Create(ctx context.Context, friendship *models.Friendship) error
	GetFriendshipBetweenUsers(ctx context.Context, userID1, userID2 string) (*models.Friendship, error)
	AreFriends(ctx context.Context, userID1, userID2 string) (bool, error)
}

// friendRepository implements FriendRepository
type friendRepository struct {
	db *gorm.DB
}

// NewFriendRepository creates a new friend repository
func NewFriendRepository(db *gorm.DB) FriendRepository {
	return &friendRepository{db: db}
}

func (r *friendRepository) Create(ctx context.Context, friendship *models.Friendship) error {
	if err := r.db.WithContext(ctx).Create(friendship).Error; err != nil {
		if isUniqueViolation(err) {
			return models.NewConflictError("friend request already exists")
		}
		return models.NewInternalError(err)
	}
	return nil
}

func (r *friendRepository) GetFriendshipBetweenUsers(ctx context.Context, userID1, userID2 string) (*models.Friendship, error) {
	var friendship models.Friendship

	// Find friendship where users are either requester/addressee in any order
	if err := readDB(r.db).WithContext(ctx).
		Where("(requester_id = ? AND addressee_id = ?) OR (requester_id = ? AND addressee_id = ?)",
			userID1, userID2, userID2, userID1).
		First(&friendship).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil // No friendship exists
		}
		return nil, models.NewInternalError(err)
	}
	return &friendship, nil
}

// AreFriends reports whether an accepted friendship row exists in either
// orientation. Anonymous session ids never match a row, so they are simply
// not friends.
func (r *friendRepository) AreFriends(ctx context.Context, userID1, userID2 string) (bool, error) {
	if userID1 == "" || userID2 == "" {
		return false, nil
	}

	var count int64
	if err := readDB(r.db).WithContext(ctx).
		Model(&models.Friendship{}).
		Where("status = ? AND ((requester_id = ? AND addressee_id = ?) OR (requester_id = ? AND addressee_id = ?))",
			models.FriendshipStatusAccepted, userID1, userID2, userID2, userID1).
		Count(&count).Error; err != nil {
		return false, models.NewInternalError(err)
	}
	return count > 0, nil
}
