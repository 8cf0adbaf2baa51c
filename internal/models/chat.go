package models

import "time"

// Chat lifecycle statuses.
const (
	ChatStatusActive  = "active"
	ChatStatusWaiting = "waiting"
	ChatStatusClosed  = "closed"
)

// AISentinel is the reserved assignee value marking a chat handled by the
// automated agent rather than a human user.
const AISentinel = "Agente IA"

// Chat is one WhatsApp conversation proxied from the gateway. The primary key
// is the gateway-assigned remote conversation id. Chats are created implicitly
// on the first inbound event referencing an unknown id and are never hard
// deleted; closing is a status transition.
type Chat struct {
	ID           string    `gorm:"primaryKey;size:64" json:"id"`
	ContactID    string    `gorm:"size:64;index" json:"contactId"`
	LastMessage  string    `gorm:"size:512" json:"lastMessage"`
	UnreadCount  int       `gorm:"default:0" json:"unreadCount"`
	Status       string    `gorm:"size:16;default:active;index" json:"status"`
	Assignee     string    `gorm:"size:128" json:"assignee"`
	UserID       *uint     `json:"userId"`
	LastActivity time.Time `gorm:"index" json:"lastActivity"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`

	Contact *Contact `gorm:"foreignKey:ContactID" json:"contact,omitempty"`
	User    *User    `gorm:"foreignKey:UserID" json:"user,omitempty"`
}
