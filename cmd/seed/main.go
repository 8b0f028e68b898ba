// Command main runs the database seeder for Parley.
package main

import (
	"flag"
	"log"

	"parley/internal/bootstrap"
	"parley/internal/config"
	"parley/internal/seed"
)

func main() {
	numUsers := flag.Int("users", 50, "Number of users to create")
	friendPairs := flag.Int("pairs", 0, "Friend pairs to attempt (0 = one per user)")
	messages := flag.Int("messages", 12, "Messages per seeded room")
	shouldClean := flag.Bool("clean", true, "Clean database before seeding")
	skipBcrypt := flag.Bool("fast", false, "Store plaintext dev passwords instead of bcrypt hashes")
	dryRun := flag.Bool("dry-run", false, "Log what would be written without touching the database")
	flag.Parse()

	log.Println("🌱 Database Seeder")
	log.Println("==================")
	log.Printf("Target: %d users, clean=%v, dry-run=%v\n", *numUsers, *shouldClean, *dryRun)

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	db, _, err := bootstrap.InitRuntime(cfg, bootstrap.Options{SkipRedis: true})
	if err != nil {
		log.Fatalf("Failed to initialize runtime: %v", err)
	}

	err = seed.Seed(db, seed.Options{
		NumUsers:        *numUsers,
		FriendPairs:     *friendPairs,
		MessagesPerRoom: *messages,
		ShouldClean:     *shouldClean,
		SkipBcrypt:      *skipBcrypt,
		DryRun:          *dryRun,
	})
	if err != nil {
		log.Fatalf("❌ Seeding failed: %v", err)
	}

	log.Println("✨ All done! Your database is now populated with test data.")
	log.Println("📧 All test users have the password: password123")
}
