package usecase

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/example/retina-check/internal/auth"
	"github.com/example/retina-check/internal/logging"
	"github.com/example/retina-check/internal/repository"
)

var (
	// ErrInvalidCredentials covers both unknown users and wrong passwords.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrBlankUsername rejects usernames that are empty once trimmed.
	ErrBlankUsername = errors.New("username is blank")
)

// UserStore defines the persistence operations needed by the account flows.
type UserStore interface {
	Create(ctx context.Context, user *repository.User) error
	FindByUsername(ctx context.Context, username string) (*repository.User, error)
	FindByID(ctx context.Context, id uint) (*repository.User, error)
}

type SignupInput struct {
	Username string
	Email    string
	Password string
}

// AccountUseCase registers and authenticates users.
type AccountUseCase struct {
	users     UserStore
	dummyHash string
	logger    *zap.Logger
}

func NewAccountUseCase(users UserStore, logger *zap.Logger) *AccountUseCase {
	// Compared against on unknown usernames so both failure paths cost a bcrypt check.
	dummy, _ := auth.HashPassword("retina-check-placeholder")
	return &AccountUseCase{users: users, dummyHash: dummy, logger: logger.Named("account_usecase")}
}

// Signup stores a new user. Duplicate usernames and emails come back as the
// repository sentinels.
func (uc *AccountUseCase) Signup(ctx context.Context, in SignupInput) (*repository.User, error) {
	username := strings.TrimSpace(in.Username)
	if username == "" {
		return nil, ErrBlankUsername
	}

	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return nil, err
	}

	user := &repository.User{
		Username:     username,
		Email:        strings.TrimSpace(in.Email),
		PasswordHash: hash,
	}
	if err := uc.users.Create(ctx, user); err != nil {
		return nil, err
	}

	uc.logger.Info("account created", zap.Uint("user_id", user.ID), zap.String("username", user.Username))
	return user, nil
}

// Authenticate checks username and password.
func (uc *AccountUseCase) Authenticate(ctx context.Context, username, password string) (*repository.User, error) {
	user, err := uc.users.FindByUsername(ctx, strings.TrimSpace(username))
	if errors.Is(err, repository.ErrUserNotFound) {
		auth.CheckPassword(uc.dummyHash, password)
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		wrapped := logging.NewOperationError("usecase.authenticate", "", err)
		uc.logger.Error("failed to load user", zap.Error(wrapped))
		return nil, wrapped
	}

	if !auth.CheckPassword(user.PasswordHash, password) {
		uc.logger.Info("password mismatch", zap.Uint("user_id", user.ID))
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

// FindByID satisfies auth.UserLookup for the session guard.
func (uc *AccountUseCase) FindByID(ctx context.Context, id uint) (*repository.User, error) {
	return uc.users.FindByID(ctx, id)
}
