package repository

import (
	"context"
	"regexp"
	"testing"

	"parley/internal/database"
	"parley/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// setupMockReplica opens a gorm handle over a sqlmock connection using the
// postgres driver and installs it as the read replica for the duration of
// the test. Not parallel-safe: the replica handle is package-global state.
func setupMockReplica(t *testing.T) sqlmock.Sqlmock {
	t.Helper()

	conn, mock, err := sqlmock.New()
	require.NoError(t, err)

	replica, err := gorm.Open(postgres.New(postgres.Config{Conn: conn}), &gorm.Config{})
	require.NoError(t, err)

	database.SetReadDB(replica)
	t.Cleanup(func() {
		database.SetReadDB(nil)
		_ = conn.Close()
	})
	return mock
}

func TestReadsRouteToReplica(t *testing.T) {
	db := setupTestDB(t)
	repo := NewUserRepository(db)
	ctx := context.Background()

	mock := setupMockReplica(t)

	rows := sqlmock.NewRows([]string{"id", "username", "email"}).
		AddRow("u-1", "ada", "ada@example.com")
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "users" WHERE id = $1 AND "users"."deleted_at" IS NULL ORDER BY "users"."id" LIMIT $2`)).
		WithArgs("u-1", 1).
		WillReturnRows(rows)

	got, err := repo.GetByID(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, "ada", got.Username)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReplicaMissMapsToNotFound(t *testing.T) {
	db := setupTestDB(t)
	repo := NewUserRepository(db)
	ctx := context.Background()

	mock := setupMockReplica(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "users" WHERE username = $1 AND "users"."deleted_at" IS NULL ORDER BY "users"."id" LIMIT $2`)).
		WithArgs("ghost", 1).
		WillReturnError(gorm.ErrRecordNotFound)

	_, err := repo.GetByUsername(ctx, "ghost")
	require.Error(t, err)
	appErr, ok := err.(*models.AppError)
	require.True(t, ok)
	assert.Equal(t, "NOT_FOUND", appErr.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWritesStayOnPrimary(t *testing.T) {
	db := setupTestDB(t)
	repo := NewUserRepository(db)
	ctx := context.Background()

	mock := setupMockReplica(t)

	user := &models.User{Username: "writer", Email: "writer@example.com", Password: "pw"}
	require.NoError(t, repo.Create(ctx, user))
	require.NoError(t, repo.AddPoints(ctx, user.ID, 10))

	// The replica saw no traffic; both writes landed on the primary.
	assert.NoError(t, mock.ExpectationsWereMet())

	var got models.User
	require.NoError(t, db.Where("id = ?", user.ID).First(&got).Error)
	assert.Equal(t, 10, got.Points)
}
