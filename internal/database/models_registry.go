package database

import "parley/internal/models"

// PersistentModels returns the authoritative set of schema-managed GORM models.
func PersistentModels() []interface{} {
	return []interface{}{
		&models.User{},
		&models.Room{},
		&models.Message{},
		&models.Notification{},
		&models.Friendship{},
		&models.Call{},
	}
}
