// Package service provides application business logic (chat, notifications, friends).
package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"parley/internal/cache"
	"parley/internal/models"
	"parley/internal/notifications"
	"parley/internal/observability"
	"parley/internal/repository"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const maxMessageContentLen = 10000 // 10K characters

// ChatService validates, persists and fans out chat messages. Non-general
// rooms write to the relational store; the general lobby keeps only a bounded
// recent buffer in Redis.
type ChatService struct {
	messageRepo repository.MessageRepository
	rdb         *redis.Client
	notifier    *notifications.Notifier
}

// NewChatService returns a new ChatService.
func NewChatService(messageRepo repository.MessageRepository, rdb *redis.Client, notifier *notifications.Notifier) *ChatService {
	return &ChatService{
		messageRepo: messageRepo,
		rdb:         rdb,
		notifier:    notifier,
	}
}

// SaveMessageInput is the input for saving a message. Room, sender and
// receiver fields come from the socket session, never from the client
// payload.
type SaveMessageInput struct {
	RoomID           string
	SenderID         string
	SenderUsername   string
	ReceiverID       string
	ReceiverUsername string
	Content          string
	Type             models.MessageType
}

// SaveMessage validates and stores a message, records its id in the room's
// recent-id list, and publishes it on the chat:messages channel for fan-out.
// The returned row carries the assigned id and timestamp for the sender's
// message_sent acknowledgment.
func (s *ChatService) SaveMessage(ctx context.Context, in SaveMessageInput) (*models.Message, error) {
	if in.Content == "" {
		return nil, models.NewValidationError("Message content is required")
	}
	if len(in.Content) > maxMessageContentLen {
		return nil, models.NewValidationError("Message content too long (max 10000 characters)")
	}
	if in.RoomID == "" {
		return nil, models.NewValidationError("Message room is required")
	}
	if in.Type == "" {
		in.Type = models.MessageTypeText
	}
	if !models.ValidMessageType(in.Type) {
		return nil, models.NewValidationError("Unknown message type")
	}

	message := &models.Message{
		RoomID:           in.RoomID,
		SenderID:         in.SenderID,
		SenderUsername:   in.SenderUsername,
		ReceiverID:       in.ReceiverID,
		ReceiverUsername: in.ReceiverUsername,
		Content:          in.Content,
		Type:             in.Type,
	}

	if in.RoomID == models.GeneralRoomID {
		if err := s.bufferGeneralMessage(ctx, message); err != nil {
			return nil, err
		}
	} else {
		if err := s.messageRepo.Create(ctx, message); err != nil {
			return nil, err
		}
	}
	s.recordRecentID(ctx, message)

	payload, err := json.Marshal(message)
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	if err := s.notifier.PublishChatMessage(ctx, string(payload)); err != nil {
		// The row is saved; only live fan-out missed it.
		observability.GlobalLogger.ErrorContext(ctx, "chat message publish failed",
			slog.String("message_id", message.ID),
			slog.String("room_id", message.RoomID),
			slog.String("error", err.Error()),
		)
	}

	return message, nil
}

// RoomHistory returns up to limit recent messages for a room in chronological
// order. The general lobby reads its Redis buffer; other rooms read the
// relational store.
func (s *ChatService) RoomHistory(ctx context.Context, roomID string, limit int) ([]models.Message, error) {
	if roomID == "" {
		return nil, models.NewValidationError("Room id is required")
	}
	if limit <= 0 || limit > cache.MaxRoomMessages {
		limit = cache.MaxRoomMessages
	}

	if roomID != models.GeneralRoomID {
		return s.messageRepo.GetRecentByRoom(ctx, roomID, limit)
	}

	if s.rdb == nil {
		return nil, nil
	}
	raw, err := s.rdb.LRange(ctx, cache.GeneralMessagesKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, models.NewInternalError(err)
	}

	// The buffer is newest-first; walk backwards for chronological order.
	messages := make([]models.Message, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var m models.Message
		if err := json.Unmarshal([]byte(raw[i]), &m); err != nil {
			observability.GlobalLogger.WarnContext(ctx, "dropping undecodable general-room entry",
				slog.String("error", err.Error()),
			)
			continue
		}
		messages = append(messages, m)
	}
	return messages, nil
}

// bufferGeneralMessage assigns identity to a general-room message and pushes
// it onto the bounded Redis buffer. These messages never reach the relational
// store.
func (s *ChatService) bufferGeneralMessage(ctx context.Context, m *models.Message) error {
	m.ID = uuid.NewString()
	m.CreatedAt = time.Now()

	if s.rdb == nil {
		return nil
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return models.NewInternalError(err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.LPush(ctx, cache.GeneralMessagesKey, payload)
	pipe.LTrim(ctx, cache.GeneralMessagesKey, 0, cache.MaxRoomMessages-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return models.NewInternalError(err)
	}
	return nil
}

// recordRecentID appends the message id to the room's recent-id list, bounded
// to the same cap as the general buffer. Best effort; history reads fall back
// to the stores.
func (s *ChatService) recordRecentID(ctx context.Context, m *models.Message) {
	if s.rdb == nil {
		return
	}
	pipe := s.rdb.TxPipeline()
	pipe.LPush(ctx, cache.ChatRoomMessagesKey(m.RoomID), m.ID)
	pipe.LTrim(ctx, cache.ChatRoomMessagesKey(m.RoomID), 0, cache.MaxRoomMessages-1)
	if _, err := pipe.Exec(ctx); err != nil {
		observability.GlobalLogger.WarnContext(ctx, "recent-id list update failed",
			slog.String("room_id", m.RoomID),
			slog.String("error", err.Error()),
		)
	}
}
