package memory

import (
	"context"
	"sync"
	"time"

	"identity-service/internal/models"
	"identity-service/internal/repository"
)

// AccountStore keeps accounts in process memory. It backs STORE_DRIVER=memory
// and the service tests.
type AccountStore struct {
	mu      sync.RWMutex
	byID    map[string]*models.Account
	byEmail map[string]string
	now     func() time.Time
}

func NewAccountStore() *AccountStore {
	return &AccountStore{
		byID:    make(map[string]*models.Account),
		byEmail: make(map[string]string),
		now:     time.Now,
	}
}

func (s *AccountStore) FindByEmail(_ context.Context, email string) (*models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byEmail[email]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return s.byID[id].Clone(), nil
}

func (s *AccountStore) FindByID(_ context.Context, id string) (*models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.byID[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return a.Clone(), nil
}

func (s *AccountStore) Create(_ context.Context, account *models.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.byEmail[account.Email]; taken {
		return repository.ErrDuplicateEmail
	}

	now := s.now().UTC()
	account.CreatedAt = now
	account.UpdatedAt = now

	s.byID[account.ID] = account.Clone()
	s.byEmail[account.Email] = account.ID
	return nil
}

func (s *AccountStore) Update(_ context.Context, account *models.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.byID[account.ID]
	if !ok {
		return repository.ErrNotFound
	}

	account.Email = existing.Email
	account.CreatedAt = existing.CreatedAt
	account.UpdatedAt = s.now().UTC()

	s.byID[account.ID] = account.Clone()
	return nil
}

func (s *AccountStore) DeleteUnverified(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.byID[id]
	if !ok || a.IsEmailVerified {
		return false, nil
	}
	delete(s.byID, id)
	delete(s.byEmail, a.Email)
	return true, nil
}

func (s *AccountStore) HealthCheck(context.Context) error {
	return nil
}

// Len returns the number of stored accounts.
func (s *AccountStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}
