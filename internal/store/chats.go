// Package store implements the persisted chat store operations.
package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/zapdeskhq/zapdesk/internal/models"
	"gorm.io/gorm"
)

// ErrNotFound reports a lookup against an unknown id.
var ErrNotFound = errors.New("store: not found")

// ListChats returns all chats with their contacts, most recent activity first.
func ListChats(db *gorm.DB) ([]models.Chat, error) {
	var chats []models.Chat
	if err := db.Preload("Contact").Order("last_activity DESC").Find(&chats).Error; err != nil {
		return nil, fmt.Errorf("store: list chats: %w", err)
	}
	return chats, nil
}

// GetChat returns one chat with contact and user relations.
func GetChat(db *gorm.DB, id string) (*models.Chat, error) {
	var chat models.Chat
	err := db.Preload("Contact").Preload("User").Where("id = ?", id).First(&chat).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("store: chat %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get chat %s: %w", id, err)
	}
	return &chat, nil
}

// TouchChat records the latest message preview on a chat, creating the chat
// implicitly when the id is unknown. New chats start active and unassigned.
func TouchChat(db *gorm.DB, chatID, contactID, preview string, at time.Time) error {
	if chatID == "" {
		return fmt.Errorf("store: touch chat: chat id is required")
	}
	if at.IsZero() {
		at = time.Now()
	}

	var chat models.Chat
	err := db.Where("id = ?", chatID).First(&chat).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		chat = models.Chat{
			ID:           chatID,
			ContactID:    contactID,
			LastMessage:  preview,
			Status:       models.ChatStatusActive,
			LastActivity: at,
		}
		if err := db.Create(&chat).Error; err != nil {
			return fmt.Errorf("store: create chat %s: %w", chatID, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("store: touch chat %s: %w", chatID, err)
	}

	updates := map[string]interface{}{
		"last_message":  preview,
		"last_activity": at,
	}
	if contactID != "" && chat.ContactID == "" {
		updates["contact_id"] = contactID
	}
	if err := db.Model(&chat).Updates(updates).Error; err != nil {
		return fmt.Errorf("store: touch chat %s: %w", chatID, err)
	}
	return nil
}

// IncrementUnread bumps a chat's unread counter by one. The increment happens
// at the store level so concurrent webhook deliveries for the same chat never
// lose updates.
func IncrementUnread(db *gorm.DB, chatID string) error {
	result := db.Model(&models.Chat{}).Where("id = ?", chatID).
		UpdateColumn("unread_count", gorm.Expr("unread_count + ?", 1))
	if result.Error != nil {
		return fmt.Errorf("store: increment unread %s: %w", chatID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("store: increment unread %s: %w", chatID, ErrNotFound)
	}
	return nil
}

// MarkRead resets a chat's unread counter to zero.
func MarkRead(db *gorm.DB, chatID string) error {
	result := db.Model(&models.Chat{}).Where("id = ?", chatID).
		UpdateColumn("unread_count", 0)
	if result.Error != nil {
		return fmt.Errorf("store: mark read %s: %w", chatID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("store: mark read %s: %w", chatID, ErrNotFound)
	}
	return nil
}

// StatusUpdate holds the optional fields merged by UpdateChatStatus. Nil
// fields are left untouched.
type StatusUpdate struct {
	Status      *string
	UnreadCount *int
}

// UpdateChatStatus merges the provided subset into the chat, always bumping
// last activity, and returns the refreshed record with its contact.
func UpdateChatStatus(db *gorm.DB, chatID string, upd StatusUpdate) (*models.Chat, error) {
	if _, err := GetChat(db, chatID); err != nil {
		return nil, err
	}

	updates := map[string]interface{}{
		"last_activity": time.Now(),
	}
	if upd.Status != nil {
		updates["status"] = *upd.Status
	}
	if upd.UnreadCount != nil {
		updates["unread_count"] = *upd.UnreadCount
	}
	if err := db.Model(&models.Chat{}).Where("id = ?", chatID).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("store: update chat status %s: %w", chatID, err)
	}
	return GetChat(db, chatID)
}

// TransferToUser assigns a chat to a human agent, resolving the display name
// from the user record. Unknown user ids are rejected.
func TransferToUser(db *gorm.DB, chatID string, userID uint) (*models.Chat, error) {
	if _, err := GetChat(db, chatID); err != nil {
		return nil, err
	}

	var user models.User
	err := db.Where("id = ?", userID).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("store: transfer chat %s: user %d: %w", chatID, userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: transfer chat %s: %w", chatID, err)
	}

	updates := map[string]interface{}{
		"assignee":      user.Name,
		"user_id":       user.ID,
		"last_activity": time.Now(),
	}
	if err := db.Model(&models.Chat{}).Where("id = ?", chatID).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("store: transfer chat %s: %w", chatID, err)
	}
	return GetChat(db, chatID)
}

// TransferToAI hands a chat to the automated agent: assignment becomes the AI
// sentinel and any human user reference is cleared, regardless of prior state.
func TransferToAI(db *gorm.DB, chatID string) (*models.Chat, error) {
	if _, err := GetChat(db, chatID); err != nil {
		return nil, err
	}

	updates := map[string]interface{}{
		"assignee":      models.AISentinel,
		"user_id":       nil,
		"last_activity": time.Now(),
	}
	if err := db.Model(&models.Chat{}).Where("id = ?", chatID).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("store: transfer chat %s to ai: %w", chatID, err)
	}
	return GetChat(db, chatID)
}

// ReclaimAllToAI mass-assigns every chat not already held by the AI sentinel
// (unassigned chats included) in one update and reports the count affected.
// Chats already AI-assigned are left untouched.
func ReclaimAllToAI(db *gorm.DB) (int64, error) {
	result := db.Model(&models.Chat{}).
		Where("assignee <> ? OR assignee IS NULL", models.AISentinel).
		Updates(map[string]interface{}{
			"assignee": models.AISentinel,
			"user_id":  nil,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("store: reclaim all to ai: %w", result.Error)
	}
	return result.RowsAffected, nil
}
