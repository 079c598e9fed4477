package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"identity-service/internal/models"
	"identity-service/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ repository.AccountStore = (*AccountStore)(nil)

func TestCreateAndFind(t *testing.T) {
	ctx := context.Background()
	s := NewAccountStore()

	a := &models.Account{ID: "a1", Email: "a@x.com", OTPCode: "123456"}
	require.NoError(t, s.Create(ctx, a))
	assert.False(t, a.CreatedAt.IsZero())

	got, err := s.FindByEmail(ctx, "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, "a1", got.ID)

	got.OTPCode = "mutated"
	again, err := s.FindByID(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "123456", again.OTPCode)

	_, err = s.FindByID(ctx, "nope")
	assert.ErrorIs(t, err, repository.ErrNotFound)
	_, err = s.FindByEmail(ctx, "nope@x.com")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestCreateDuplicateEmail(t *testing.T) {
	ctx := context.Background()
	s := NewAccountStore()

	var created atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.Create(ctx, &models.Account{ID: string(rune('a' + i)), Email: "race@x.com"})
			if err == nil {
				created.Add(1)
				return
			}
			assert.ErrorIs(t, err, repository.ErrDuplicateEmail)
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, created.Load())
	assert.Equal(t, 1, s.Len())
}

func TestUpdateKeepsEmail(t *testing.T) {
	ctx := context.Background()
	s := NewAccountStore()
	require.NoError(t, s.Create(ctx, &models.Account{ID: "a1", Email: "a@x.com"}))

	err := s.Update(ctx, &models.Account{ID: "a1", Email: "evil@x.com", Role: models.RoleEditor})
	require.NoError(t, err)

	got, err := s.FindByID(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", got.Email)
	assert.Equal(t, models.RoleEditor, got.Role)

	assert.ErrorIs(t, s.Update(ctx, &models.Account{ID: "missing"}), repository.ErrNotFound)
}

func TestDeleteUnverified(t *testing.T) {
	ctx := context.Background()
	s := NewAccountStore()
	require.NoError(t, s.Create(ctx, &models.Account{ID: "u", Email: "u@x.com"}))
	require.NoError(t, s.Create(ctx, &models.Account{ID: "v", Email: "v@x.com", IsEmailVerified: true}))

	deleted, err := s.DeleteUnverified(ctx, "u")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = s.DeleteUnverified(ctx, "u")
	require.NoError(t, err)
	assert.False(t, deleted)

	deleted, err = s.DeleteUnverified(ctx, "v")
	require.NoError(t, err)
	assert.False(t, deleted)

	_, err = s.FindByEmail(ctx, "u@x.com")
	assert.ErrorIs(t, err, repository.ErrNotFound)
	require.NoError(t, s.Create(ctx, &models.Account{ID: "u2", Email: "u@x.com"}))
}
