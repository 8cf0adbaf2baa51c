package models

import "time"

// Contact is a saved WhatsApp contact. The primary key is the phone-derived
// id assigned by the gateway. A contact is "saved" iff a row exists; chats
// tolerate the contact being absent and fall back to the raw id as the
// display name.
type Contact struct {
	ID         string    `gorm:"primaryKey;size:64" json:"id"`
	Name       string    `gorm:"size:128" json:"name"`
	ProfilePic string    `gorm:"size:512" json:"profilePic"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}
