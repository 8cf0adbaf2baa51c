package models

import "time"

// User roles.
const (
	RoleAdmin = "admin"
	RoleAgent = "agent"
)

// User is a dashboard agent account. Created by admin action, mutated by self
// or admin, hard-deleted by admin.
type User struct {
	ID           uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Name         string    `gorm:"size:128;not null" json:"name"`
	Email        string    `gorm:"size:128;uniqueIndex;not null" json:"email"`
	PasswordHash string    `gorm:"size:128;not null" json:"-"`
	Role         string    `gorm:"size:16;default:agent" json:"role"`
	Status       string    `gorm:"size:16;default:active" json:"status"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}
