package seed

import (
	"fmt"
	"log"

	"parley/internal/models"

	"gorm.io/gorm"
)

// Seed populates the database with demo data: users carrying interest tags,
// a friendship mesh, and chat rooms with message history between accepted
// friends.
func Seed(db *gorm.DB, opts Options) error {
	if opts.NumUsers <= 0 {
		opts.NumUsers = 20
	}
	if opts.FriendPairs <= 0 {
		opts.FriendPairs = opts.NumUsers
	}
	if opts.MessagesPerRoom <= 0 {
		opts.MessagesPerRoom = 12
	}

	log.Printf("🌱 Seeding %d users and up to %d friend pairs...", opts.NumUsers, opts.FriendPairs)

	if opts.ShouldClean && !opts.DryRun {
		if err := clearData(db); err != nil {
			log.Println("⚠️  Could not clear all existing data, continuing anyway...")
		}
	}

	vocab, err := InterestVocabulary()
	if err != nil {
		return err
	}

	factory := NewFactory(db, opts)

	users := make([]*models.User, 0, opts.NumUsers)
	for i := 0; i < opts.NumUsers; i++ {
		user, err := factory.CreateUser(WithInterests(factory.PickInterests(vocab)))
		if err != nil {
			return fmt.Errorf("create user %d: %w", i+1, err)
		}
		users = append(users, user)
	}
	log.Printf("✓ %d users created", len(users))

	friendships, rooms, messages := 0, 0, 0
	paired := make(map[[2]string]bool)
	for i := 0; i < opts.FriendPairs && len(users) >= 2; i++ {
		a := users[factory.rng.Intn(len(users))]
		b := users[factory.rng.Intn(len(users))]
		if a.ID == b.ID {
			continue
		}
		key := pairKey(a.ID, b.ID)
		if paired[key] {
			continue
		}
		paired[key] = true

		// Mostly accepted edges; every fifth stays pending so the demo data
		// exercises both friendship states.
		status := models.FriendshipStatusAccepted
		if i%5 == 4 {
			status = models.FriendshipStatusPending
		}
		if err := factory.CreateFriendship(a, b, status); err != nil {
			return fmt.Errorf("create friendship: %w", err)
		}
		friendships++
		if status != models.FriendshipStatusAccepted {
			continue
		}

		room, err := factory.CreateRoom(a, b, models.RoomTypeChat)
		if err != nil {
			return fmt.Errorf("create room: %w", err)
		}
		rooms++
		for m := 0; m < opts.MessagesPerRoom; m++ {
			sender, receiver := a, b
			if m%2 == 1 {
				sender, receiver = b, a
			}
			if _, err := factory.CreateMessage(room, sender, receiver); err != nil {
				return fmt.Errorf("create message: %w", err)
			}
			messages++
		}
	}
	log.Printf("✓ %d friendships, %d rooms, %d messages created", friendships, rooms, messages)
	log.Println("🎉 Seeding complete")
	return nil
}

// pairKey orders two ids so the same pair hashes identically regardless of
// pick order.
func pairKey(a, b string) [2]string {
	if a > b {
		a, b = b, a
	}
	return [2]string{a, b}
}

func clearData(db *gorm.DB) error {
	log.Println("🗑️  Clearing existing data...")
	sql := `TRUNCATE TABLE messages, calls, notifications, rooms, friendships, users RESTART IDENTITY CASCADE;`
	return db.Exec(sql).Error
}
