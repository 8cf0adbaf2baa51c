package store

import (
	"errors"
	"fmt"

	"github.com/zapdeskhq/zapdesk/internal/models"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// ErrBadCredentials reports a failed email/password check.
var ErrBadCredentials = errors.New("store: bad credentials")

// CreateUserOpts holds parameters for creating a user account.
type CreateUserOpts struct {
	Name     string
	Email    string
	Password string
	Role     string // defaults to agent
}

// CreateUser creates a dashboard user with a hashed credential.
func CreateUser(db *gorm.DB, opts CreateUserOpts) (*models.User, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("store: create user: name is required")
	}
	if opts.Email == "" {
		return nil, fmt.Errorf("store: create user: email is required")
	}
	if opts.Password == "" {
		return nil, fmt.Errorf("store: create user: password is required")
	}
	role := opts.Role
	if role == "" {
		role = models.RoleAgent
	}
	if role != models.RoleAdmin && role != models.RoleAgent {
		return nil, fmt.Errorf("store: create user: unknown role %q", role)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(opts.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("store: create user: hash password: %w", err)
	}

	user := models.User{
		Name:         opts.Name,
		Email:        opts.Email,
		PasswordHash: string(hash),
		Role:         role,
		Status:       "active",
	}
	if err := db.Create(&user).Error; err != nil {
		return nil, fmt.Errorf("store: create user %q: %w", opts.Email, err)
	}
	return &user, nil
}

// ListUsers returns all users ordered by name.
func ListUsers(db *gorm.DB) ([]models.User, error) {
	var users []models.User
	if err := db.Order("name ASC").Find(&users).Error; err != nil {
		return nil, fmt.Errorf("store: list users: %w", err)
	}
	return users, nil
}

// GetUser returns one user by id.
func GetUser(db *gorm.DB, id uint) (*models.User, error) {
	var user models.User
	err := db.Where("id = ?", id).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("store: user %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get user %d: %w", id, err)
	}
	return &user, nil
}

// UserUpdate holds the optional fields merged by UpdateUser.
type UserUpdate struct {
	Name     *string
	Email    *string
	Password *string
	Role     *string
	Status   *string
}

// UpdateUser merges the provided subset into the user record.
func UpdateUser(db *gorm.DB, id uint, upd UserUpdate) (*models.User, error) {
	if _, err := GetUser(db, id); err != nil {
		return nil, err
	}

	updates := map[string]interface{}{}
	if upd.Name != nil {
		updates["name"] = *upd.Name
	}
	if upd.Email != nil {
		updates["email"] = *upd.Email
	}
	if upd.Role != nil {
		updates["role"] = *upd.Role
	}
	if upd.Status != nil {
		updates["status"] = *upd.Status
	}
	if upd.Password != nil {
		hash, err := bcrypt.GenerateFromPassword([]byte(*upd.Password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("store: update user %d: hash password: %w", id, err)
		}
		updates["password_hash"] = string(hash)
	}
	if len(updates) > 0 {
		if err := db.Model(&models.User{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return nil, fmt.Errorf("store: update user %d: %w", id, err)
		}
	}
	return GetUser(db, id)
}

// DeleteUser hard-deletes a user account.
func DeleteUser(db *gorm.DB, id uint) error {
	result := db.Where("id = ?", id).Delete(&models.User{})
	if result.Error != nil {
		return fmt.Errorf("store: delete user %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("store: delete user %d: %w", id, ErrNotFound)
	}
	return nil
}

// Authenticate checks an email/password pair and returns the matching user.
func Authenticate(db *gorm.DB, email, password string) (*models.User, error) {
	var user models.User
	err := db.Where("email = ?", email).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrBadCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("store: authenticate %q: %w", email, err)
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, ErrBadCredentials
	}
	return &user, nil
}
