package service

import (
	"go.uber.org/zap"

	"identity-service/internal/hashing"
	"identity-service/internal/mail"
	"identity-service/internal/otp"
	"identity-service/internal/repository"
	"identity-service/internal/token"
)

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	store  repository.AccountStore
	hasher *hashing.Hasher
	otp    *otp.Generator
	tokens *token.Issuer
	mailer mail.Mailer
	cache  AccountCache
	events EventRecorder
	logger *zap.Logger

	accountService *AccountService
}

func NewServiceFactory(
	store repository.AccountStore,
	hasher *hashing.Hasher,
	otpGen *otp.Generator,
	tokens *token.Issuer,
	mailer mail.Mailer,
	logger *zap.Logger,
) *ServiceFactory {
	return &ServiceFactory{
		store:  store,
		hasher: hasher,
		otp:    otpGen,
		tokens: tokens,
		mailer: mailer,
		logger: logger,
	}
}

// WithCache sets the cache handed to services built afterwards. A nil
// cache disables caching.
func (f *ServiceFactory) WithCache(cache AccountCache) *ServiceFactory {
	f.cache = cache
	return f
}

func (f *ServiceFactory) WithEvents(events EventRecorder) *ServiceFactory {
	f.events = events
	return f
}

// AccountService returns the account service instance (singleton)
func (f *ServiceFactory) AccountService() *AccountService {
	if f.accountService == nil {
		svc := NewAccountService(f.store, f.hasher, f.otp, f.tokens, f.mailer, f.logger.Named("accounts"))
		if f.cache != nil {
			svc.WithCache(f.cache)
		}
		if f.events != nil {
			svc.WithEvents(f.events)
		}
		f.accountService = svc
	}
	return f.accountService
}

// Verifier exposes the token verifier used by the authentication gate.
func (f *ServiceFactory) Verifier() *token.Issuer {
	return f.tokens
}
