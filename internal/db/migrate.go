package db

import (
	"fmt"

	"github.com/zapdeskhq/zapdesk/internal/models"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AllModels returns the list of all GORM models for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.Chat{},
		&models.Contact{},
		&models.User{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// SeedAdmin upserts the initial admin account. Existing rows keep their
// password; only name and role are refreshed.
func SeedAdmin(db *gorm.DB, name, email, password string) error {
	if email == "" {
		return fmt.Errorf("db: seed admin: email is required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("db: seed admin: hash password: %w", err)
	}

	user := models.User{
		Name:         name,
		Email:        email,
		PasswordHash: string(hash),
		Role:         models.RoleAdmin,
		Status:       "active",
	}
	result := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "email"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "role"}),
	}).Create(&user)
	if result.Error != nil {
		return fmt.Errorf("db: seed admin %q: %w", email, result.Error)
	}
	return nil
}
