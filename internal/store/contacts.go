package store

import (
	"errors"
	"fmt"

	"github.com/zapdeskhq/zapdesk/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ListContacts returns all saved contacts ordered by name.
func ListContacts(db *gorm.DB) ([]models.Contact, error) {
	var contacts []models.Contact
	if err := db.Order("name ASC").Find(&contacts).Error; err != nil {
		return nil, fmt.Errorf("store: list contacts: %w", err)
	}
	return contacts, nil
}

// GetContact returns one contact by its phone-derived id.
func GetContact(db *gorm.DB, id string) (*models.Contact, error) {
	var contact models.Contact
	err := db.Where("id = ?", id).First(&contact).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("store: contact %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get contact %s: %w", id, err)
	}
	return &contact, nil
}

// UpsertContact creates or refreshes a contact. Empty name or picture leave
// the existing values in place.
func UpsertContact(db *gorm.DB, id, name, profilePic string) error {
	if id == "" {
		return fmt.Errorf("store: upsert contact: id is required")
	}

	var existing models.Contact
	err := db.Where("id = ?", id).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		contact := models.Contact{ID: id, Name: name, ProfilePic: profilePic}
		if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&contact).Error; err != nil {
			return fmt.Errorf("store: create contact %s: %w", id, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("store: upsert contact %s: %w", id, err)
	}

	updates := map[string]interface{}{}
	if name != "" {
		updates["name"] = name
	}
	if profilePic != "" {
		updates["profile_pic"] = profilePic
	}
	if len(updates) == 0 {
		return nil
	}
	if err := db.Model(&existing).Updates(updates).Error; err != nil {
		return fmt.Errorf("store: upsert contact %s: %w", id, err)
	}
	return nil
}

// DeleteContact removes a saved contact. Chats referencing it keep working
// and fall back to the raw id as display name.
func DeleteContact(db *gorm.DB, id string) error {
	result := db.Where("id = ?", id).Delete(&models.Contact{})
	if result.Error != nil {
		return fmt.Errorf("store: delete contact %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("store: delete contact %s: %w", id, ErrNotFound)
	}
	return nil
}
