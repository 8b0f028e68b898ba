// Package seed creates demo and test data: fake users with interest tags,
// friendships, and chat rooms with message history. Development and testing
// only.
package seed

import (
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"time"

	"parley/internal/models"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// Options tunes a seeding run.
type Options struct {
	NumUsers        int
	FriendPairs     int
	MessagesPerRoom int
	// ShouldClean truncates previously seeded tables first. Postgres only.
	ShouldClean bool
	// SkipBcrypt stores the dev password in plaintext; fast mode for large runs.
	SkipBcrypt bool
	// DryRun logs what would be written without touching the database.
	DryRun bool
}

// Factory builds domain entities and persists them. Thin helper shared by
// the seeder and tests.
type Factory struct {
	db   *gorm.DB
	opts Options
	rng  *rand.Rand
}

// NewFactory creates a Factory bound to the given DB handle.
func NewFactory(db *gorm.DB, opts Options) *Factory {
	gofakeit.Seed(time.Now().UnixNano())
	//nolint:gosec // Weak random number generator is fine for seeding
	return &Factory{db: db, opts: opts, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// WithInterests returns an override that stores the given tags on the user.
func WithInterests(tags []string) func(*models.User) {
	return func(u *models.User) {
		raw, err := json.Marshal(tags)
		if err != nil {
			return
		}
		u.Interests = raw
	}
}

// CreateUser constructs and persists a sample user. Override functions may
// adjust the generated row before it is saved.
func (f *Factory) CreateUser(overrides ...func(*models.User)) (*models.User, error) {
	user := &models.User{
		Username: gofakeit.Username() + fmt.Sprintf("%d", gofakeit.Number(100, 999)),
		Email:    gofakeit.Email(),
	}

	if f.opts.SkipBcrypt {
		user.Password = "password123"
	} else {
		hashed, err := bcrypt.GenerateFromPassword([]byte("password123"), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash seed password: %w", err)
		}
		user.Password = string(hashed)
	}

	for _, override := range overrides {
		override(user)
	}

	if f.opts.DryRun {
		user.ID = uuid.NewString()
		log.Printf("[dry-run] CreateUser: %s <%s>", user.Username, user.Email)
		return user, nil
	}
	if err := f.db.Create(user).Error; err != nil {
		return nil, err
	}
	return user, nil
}

// CreateFriendship persists a friendship edge between two users.
func (f *Factory) CreateFriendship(requester, addressee *models.User, status models.FriendshipStatus) error {
	if f.opts.DryRun {
		log.Printf("[dry-run] CreateFriendship: %s -> %s (%s)", requester.Username, addressee.Username, status)
		return nil
	}
	return f.db.Create(&models.Friendship{
		RequesterID: requester.ID,
		AddresseeID: addressee.ID,
		Status:      status,
	}).Error
}

// CreateRoom persists an identified room between two users.
func (f *Factory) CreateRoom(user1, user2 *models.User, roomType models.RoomType) (*models.Room, error) {
	room := &models.Room{
		Type:    roomType,
		User1ID: user1.ID,
		User2ID: user2.ID,
	}
	if f.opts.DryRun {
		room.ID = uuid.NewString()
		log.Printf("[dry-run] CreateRoom: %s %s/%s", roomType, user1.Username, user2.Username)
		return room, nil
	}
	if err := f.db.Create(room).Error; err != nil {
		return nil, err
	}
	return room, nil
}

// CreateMessage persists a chat message in the room from sender to receiver.
// created_at is spread over the past few days so histories look lived-in.
func (f *Factory) CreateMessage(room *models.Room, sender, receiver *models.User, overrides ...func(*models.Message)) (*models.Message, error) {
	message := &models.Message{
		RoomID:           room.ID,
		SenderID:         sender.ID,
		ReceiverID:       receiver.ID,
		SenderUsername:   sender.Username,
		ReceiverUsername: receiver.Username,
		Content:          gofakeit.Sentence(10),
		Type:             models.MessageTypeText,
		CreatedAt: time.Now().
			Add(-time.Duration(f.rng.Intn(72)) * time.Hour).
			Add(-time.Duration(f.rng.Intn(60)) * time.Minute),
	}

	for _, override := range overrides {
		override(message)
	}

	if f.opts.DryRun {
		message.ID = uuid.NewString()
		log.Printf("[dry-run] CreateMessage: %s -> %s in %s", sender.Username, receiver.Username, room.ID)
		return message, nil
	}
	if err := f.db.Create(message).Error; err != nil {
		return nil, err
	}
	return message, nil
}

// PickInterests samples two to four distinct tags from the vocabulary.
func (f *Factory) PickInterests(vocab []string) []string {
	if len(vocab) == 0 {
		return nil
	}
	n := 2 + f.rng.Intn(3)
	if n > len(vocab) {
		n = len(vocab)
	}
	idx := f.rng.Perm(len(vocab))[:n]
	tags := make([]string, 0, n)
	for _, i := range idx {
		tags = append(tags, vocab[i])
	}
	return tags
}
