package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"parley/internal/database"
	"parley/internal/models"
	"parley/internal/notifications"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type serviceFixture struct {
	db       *gorm.DB
	rdb      *redis.Client
	notifier *notifications.Notifier
	presence *notifications.PresenceTracker
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(database.PersistentModels()...))

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return &serviceFixture{
		db:       db,
		rdb:      rdb,
		notifier: notifications.NewNotifier(rdb),
		presence: notifications.NewPresenceTracker(rdb),
	}
}

// deadNotifier returns a notifier whose publishes fail: its client points at
// a server that has already shut down.
func deadNotifier(t *testing.T) *notifications.Notifier {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	mr.Close()
	t.Cleanup(func() { _ = rdb.Close() })
	return notifications.NewNotifier(rdb)
}

// subscribe opens a raw subscription and returns a channel of payloads.
func subscribe(t *testing.T, rdb *redis.Client, channel string) <-chan string {
	t.Helper()
	sub := rdb.Subscribe(context.Background(), channel)
	_, err := sub.Receive(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })

	out := make(chan string, 16)
	go func() {
		for msg := range sub.Channel() {
			out <- msg.Payload
		}
	}()
	return out
}

// awaitPayload decodes the next payload from ch into v, failing after two
// seconds.
func awaitPayload(t *testing.T, ch <-chan string, v any) {
	t.Helper()
	select {
	case payload := <-ch:
		require.NoError(t, json.Unmarshal([]byte(payload), v))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published payload")
	}
}

func assertAppErrorCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	var appErr *models.AppError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, code, appErr.Code)
}
