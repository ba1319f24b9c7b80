package repository

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRepository(t *testing.T) *UserRepository {
	t.Helper()

	ctx := context.Background()
	db, err := Open(ctx, "sqlite", filepath.Join(t.TempDir(), "users.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	repo := NewUserRepository(db, zap.NewNop())
	require.NoError(t, repo.AutoMigrate(ctx))
	return repo
}

func TestUserRepositoryCreateAndFind(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	user := &User{Username: "alice", Email: "alice@example.com", PasswordHash: "hash"}
	require.NoError(t, repo.Create(ctx, user))
	assert.NotZero(t, user.ID)

	byName, err := repo.FindByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, user.ID, byName.ID)
	assert.Equal(t, "alice@example.com", byName.Email)

	byID, err := repo.FindByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", byID.Username)
}

func TestUserRepositoryRejectsDuplicates(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &User{Username: "alice", Email: "alice@example.com", PasswordHash: "h"}))

	err := repo.Create(ctx, &User{Username: "alice", Email: "other@example.com", PasswordHash: "h"})
	assert.ErrorIs(t, err, ErrDuplicateUsername)

	err = repo.Create(ctx, &User{Username: "bob", Email: "alice@example.com", PasswordHash: "h"})
	assert.ErrorIs(t, err, ErrDuplicateEmail)

	var count int64
	require.NoError(t, repo.db.Model(&User{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestUserRepositoryNotFound(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	_, err := repo.FindByUsername(ctx, "nobody")
	assert.ErrorIs(t, err, ErrUserNotFound)

	_, err = repo.FindByID(ctx, 42)
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "oracle", "", zap.NewNop())
	assert.Error(t, err)
}
