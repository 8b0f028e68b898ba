package service

import (
	"context"
	"fmt"
	"log/slog"

	"parley/internal/models"
	"parley/internal/observability"
	"parley/internal/repository"
)

// FriendService handles the friend_request socket event: it creates a pending
// friendship row addressed by username and notifies the target. Accepting,
// rejecting and listing friends live in the external friends service; the
// pairing core only reads accepted rows.
type FriendService struct {
	friendRepo    repository.FriendRepository
	userRepo      repository.UserRepository
	notifications *NotificationService
}

// NewFriendService returns a new FriendService. notifications may be nil;
// without it requests are created silently.
func NewFriendService(
	friendRepo repository.FriendRepository,
	userRepo repository.UserRepository,
	notifications *NotificationService,
) *FriendService {
	return &FriendService{
		friendRepo:    friendRepo,
		userRepo:      userRepo,
		notifications: notifications,
	}
}

// SendFriendRequest creates a pending friendship from the requester to the
// user holding targetUsername and pushes a FRIEND_REQUEST notification to
// them. Anonymous sockets (empty requester id) cannot send requests.
func (s *FriendService) SendFriendRequest(ctx context.Context, requesterID, requesterUsername, targetUsername string) (*models.Friendship, error) {
	if requesterID == "" {
		return nil, models.NewUnauthorizedError("Sign in to send friend requests")
	}
	if targetUsername == "" {
		return nil, models.NewValidationError("Target username is required")
	}

	target, err := s.userRepo.GetByUsername(ctx, targetUsername)
	if err != nil {
		return nil, err
	}
	if target.ID == requesterID {
		return nil, models.NewValidationError("Cannot send friend request to yourself")
	}

	existing, err := s.friendRepo.GetFriendshipBetweenUsers(ctx, requesterID, target.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		switch existing.Status {
		case models.FriendshipStatusAccepted:
			return nil, models.NewConflictError("You are already friends")
		case models.FriendshipStatusPending:
			if existing.RequesterID == requesterID {
				return nil, models.NewConflictError("Friend request already sent")
			}
			return nil, models.NewConflictError("This user already sent you a friend request")
		default:
			return nil, models.NewConflictError("Cannot send a friend request to this user")
		}
	}

	friendship := &models.Friendship{
		RequesterID: requesterID,
		AddresseeID: target.ID,
		Status:      models.FriendshipStatusPending,
	}
	if err := s.friendRepo.Create(ctx, friendship); err != nil {
		return nil, err
	}

	if s.notifications != nil {
		_, nerr := s.notifications.CreateNotification(ctx, CreateNotificationInput{
			UserID:   target.ID,
			Type:     models.NotificationTypeFriendRequest,
			Title:    "New friend request",
			Message:  fmt.Sprintf("%s sent you a friend request", requesterUsername),
			Priority: models.NotificationPriorityNormal,
			Data: map[string]any{
				"friendshipId":      friendship.ID,
				"requesterId":       requesterID,
				"requesterUsername": requesterUsername,
			},
		})
		if nerr != nil {
			// The row exists; the target just misses the push.
			observability.GlobalLogger.ErrorContext(ctx, "friend request notification failed",
				slog.String("friendship_id", friendship.ID),
				slog.String("error", nerr.Error()),
			)
		}
	}

	return friendship, nil
}

// AreFriends reports whether an accepted friendship exists between the users.
func (s *FriendService) AreFriends(ctx context.Context, userID1, userID2 string) (bool, error) {
	return s.friendRepo.AreFriends(ctx, userID1, userID2)
}
