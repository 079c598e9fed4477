// Package repository defines the account persistence contract shared by
// the scylla and in-memory implementations.
package repository

import (
	"context"
	"errors"

	"identity-service/internal/models"
)

var (
	ErrNotFound       = errors.New("account not found")
	ErrDuplicateEmail = errors.New("email already registered")
)

// AccountStore persists accounts keyed by id with a unique email index.
// Implementations perform no hashing and never mutate the passed account
// beyond assigning timestamps.
type AccountStore interface {
	FindByEmail(ctx context.Context, email string) (*models.Account, error)
	FindByID(ctx context.Context, id string) (*models.Account, error)
	// Create fails with ErrDuplicateEmail when the email is already claimed.
	Create(ctx context.Context, account *models.Account) error
	// Update replaces every mutable field. Email is immutable.
	Update(ctx context.Context, account *models.Account) error
	// DeleteUnverified removes the account only while it is still unverified
	// and reports whether a row was removed. It is safe to call repeatedly.
	DeleteUnverified(ctx context.Context, id string) (bool, error)
	HealthCheck(ctx context.Context) error
}
