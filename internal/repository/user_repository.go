package repository

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/retina-check/internal/logging"
)

var (
	ErrUserNotFound      = errors.New("user not found")
	ErrDuplicateUsername = errors.New("username already exists")
	ErrDuplicateEmail    = errors.New("email already registered")
)

// User is an account able to sign in. PasswordHash never holds plaintext.
type User struct {
	ID           uint   `gorm:"primaryKey"`
	Username     string `gorm:"column:username;uniqueIndex;size:100;not null"`
	Email        string `gorm:"column:email;uniqueIndex;size:150;not null"`
	PasswordHash string `gorm:"column:password;size:100;not null"`
}

// TableName overrides the default table name.
func (User) TableName() string {
	return "users"
}

// UserRepository is the credential store backed by gorm.
type UserRepository struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewUserRepository creates a new repository instance.
func NewUserRepository(db *gorm.DB, logger *zap.Logger) *UserRepository {
	return &UserRepository{db: db, logger: logger.Named("user_repository")}
}

// AutoMigrate ensures the schema is available.
func (r *UserRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&User{})
}

// FindByUsername returns ErrUserNotFound when no row matches.
func (r *UserRepository) FindByUsername(ctx context.Context, username string) (*User, error) {
	var user User
	err := r.db.WithContext(ctx).First(&user, "username = ?", username).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, logging.NewOperationError("repository.find_by_username", "", err)
	}
	return &user, nil
}

// FindByID returns ErrUserNotFound when no row matches.
func (r *UserRepository) FindByID(ctx context.Context, id uint) (*User, error) {
	var user User
	err := r.db.WithContext(ctx).First(&user, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, logging.NewOperationError("repository.find_by_id", "", err)
	}
	return &user, nil
}

// Create inserts user and fills in its ID. Username and email must be unique; a
// clash is reported as ErrDuplicateUsername or ErrDuplicateEmail and nothing is
// written.
func (r *UserRepository) Create(ctx context.Context, user *User) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&User{}).Where("username = ?", user.Username).Count(&count).Error; err != nil {
			return logging.NewOperationError("repository.create_user", "", err)
		}
		if count > 0 {
			return ErrDuplicateUsername
		}
		if err := tx.Model(&User{}).Where("email = ?", user.Email).Count(&count).Error; err != nil {
			return logging.NewOperationError("repository.create_user", "", err)
		}
		if count > 0 {
			return ErrDuplicateEmail
		}

		err := tx.Create(user).Error
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// Lost a race with a concurrent signup. The translated error does not
			// name the column, so report the username as taken.
			return ErrDuplicateUsername
		}
		if err != nil {
			return logging.NewOperationError("repository.create_user", "", err)
		}
		r.logger.Info("user created", zap.Uint("user_id", user.ID))
		return nil
	})
}
