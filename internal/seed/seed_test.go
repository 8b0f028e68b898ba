package seed

import (
	"testing"

	"parley/internal/database"
	"parley/internal/models"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(database.PersistentModels()...); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestSeed_CreatesMesh(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	err := Seed(db, Options{
		NumUsers:        8,
		FriendPairs:     12,
		MessagesPerRoom: 4,
		SkipBcrypt:      true,
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	var userCount int64
	if err := db.Model(&models.User{}).Count(&userCount).Error; err != nil {
		t.Fatalf("count users: %v", err)
	}
	if userCount != 8 {
		t.Fatalf("expected 8 users, got %d", userCount)
	}

	var users []models.User
	if err := db.Find(&users).Error; err != nil {
		t.Fatalf("load users: %v", err)
	}
	for _, u := range users {
		if len(u.InterestList()) < 2 {
			t.Fatalf("user %s has too few interests: %v", u.Username, u.InterestList())
		}
		if u.Password != "password123" {
			t.Fatalf("expected plaintext dev password with SkipBcrypt, got %q", u.Password)
		}
	}

	var acceptedCount, roomCount, messageCount int64
	if err := db.Model(&models.Friendship{}).
		Where("status = ?", models.FriendshipStatusAccepted).
		Count(&acceptedCount).Error; err != nil {
		t.Fatalf("count friendships: %v", err)
	}
	if err := db.Model(&models.Room{}).Count(&roomCount).Error; err != nil {
		t.Fatalf("count rooms: %v", err)
	}
	if err := db.Model(&models.Message{}).Count(&messageCount).Error; err != nil {
		t.Fatalf("count messages: %v", err)
	}

	if roomCount != acceptedCount {
		t.Fatalf("every accepted friendship gets a room: %d rooms vs %d accepted", roomCount, acceptedCount)
	}
	if messageCount != roomCount*4 {
		t.Fatalf("expected %d messages, got %d", roomCount*4, messageCount)
	}
}

func TestSeed_DryRunTouchesNothing(t *testing.T) {
	t.Parallel()

	// A nil DB handle proves no query runs in dry-run mode.
	err := Seed(nil, Options{
		NumUsers:    3,
		FriendPairs: 3,
		DryRun:      true,
		SkipBcrypt:  true,
	})
	if err != nil {
		t.Fatalf("dry-run seed: %v", err)
	}
}

func TestInterestVocabulary(t *testing.T) {
	t.Parallel()

	vocab, err := InterestVocabulary()
	if err != nil {
		t.Fatalf("load vocabulary: %v", err)
	}
	if len(vocab) < 10 {
		t.Fatalf("vocabulary too small: %d tags", len(vocab))
	}
	seen := make(map[string]bool, len(vocab))
	for _, tag := range vocab {
		if seen[tag] {
			t.Fatalf("duplicate tag %q", tag)
		}
		seen[tag] = true
	}
	if !seen["programming"] {
		t.Fatal("expected the tech category to include programming")
	}
}

func TestPickInterests(t *testing.T) {
	t.Parallel()

	vocab := []string{"a", "b", "c", "d", "e", "f"}
	f := NewFactory(nil, Options{})
	for i := 0; i < 50; i++ {
		tags := f.PickInterests(vocab)
		if len(tags) < 2 || len(tags) > 4 {
			t.Fatalf("expected 2-4 tags, got %d", len(tags))
		}
		distinct := make(map[string]bool)
		for _, tag := range tags {
			if distinct[tag] {
				t.Fatalf("duplicate tag in pick: %v", tags)
			}
			distinct[tag] = true
		}
	}
	if got := f.PickInterests(nil); got != nil {
		t.Fatalf("empty vocabulary should pick nothing, got %v", got)
	}
}
