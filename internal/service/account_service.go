package service

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"identity-service/internal/hashing"
	"identity-service/internal/mail"
	"identity-service/internal/models"
	"identity-service/internal/otp"
	"identity-service/internal/repository"
	"identity-service/internal/token"
	"identity-service/internal/util"
)

// AccountCache holds public projections keyed by account id.
type AccountCache interface {
	Get(ctx context.Context, id string) (*models.PublicAccount, error)
	Set(ctx context.Context, account *models.PublicAccount) error
	Invalidate(ctx context.Context, id string) error
}

// EventRecorder receives security events. Failures are logged, never returned
// to the caller.
type EventRecorder interface {
	Record(ctx context.Context, event models.SecurityEvent) error
}

// AccountService owns the account lifecycle: registration with email OTP
// verification, login, profile maintenance and password rotation.
type AccountService struct {
	store  repository.AccountStore
	hasher *hashing.Hasher
	otp    *otp.Generator
	tokens *token.Issuer
	mailer mail.Mailer
	cache  AccountCache
	events EventRecorder
	logger *zap.Logger
	now    func() time.Time

	dummyOnce sync.Once
	dummyHash string
}

func NewAccountService(
	store repository.AccountStore,
	hasher *hashing.Hasher,
	otpGen *otp.Generator,
	tokens *token.Issuer,
	mailer mail.Mailer,
	logger *zap.Logger,
) *AccountService {
	return &AccountService{
		store:  store,
		hasher: hasher,
		otp:    otpGen,
		tokens: tokens,
		mailer: mailer,
		logger: logger,
		now:    time.Now,
	}
}

// WithCache enables the public projection cache for GetByID.
func (s *AccountService) WithCache(cache AccountCache) *AccountService {
	s.cache = cache
	return s
}

func (s *AccountService) WithEvents(events EventRecorder) *AccountService {
	s.events = events
	return s
}

// WithClock replaces the time source used for OTP expiry checks.
func (s *AccountService) WithClock(now func() time.Time) *AccountService {
	s.now = now
	return s
}

// Register creates an unverified account and emails it a verification code.
// An existing unverified account gets a fresh code instead; its stored
// password and profile are left as they were.
func (s *AccountService) Register(ctx context.Context, req RegisterRequest) (*RegisterResult, error) {
	req.normalize()
	if err := validationFailure(req.Validate()); err != nil {
		return nil, err
	}

	existing, err := s.store.FindByEmail(ctx, req.Email)
	switch {
	case err == nil:
		if existing.IsEmailVerified {
			return nil, ErrUserAlreadyExists
		}
		if err := s.reissue(ctx, existing); err != nil {
			return nil, err
		}
		s.record(ctx, models.EventOTPResent, existing.ID, "", map[string]string{"trigger": "register"})
		return &RegisterResult{Email: existing.Email}, nil
	case !errors.Is(err, repository.ErrNotFound):
		return nil, Internal("find account", err)
	}

	digest, err := s.hasher.HashPassword(req.Password)
	if err != nil {
		return nil, Internal("hash password", err)
	}
	challenge, err := s.otp.Issue()
	if err != nil {
		return nil, Internal("issue otp", err)
	}

	account := &models.Account{
		ID:           uuid.NewString(),
		Email:        req.Email,
		PasswordHash: digest,
		Profile: models.Profile{
			FirstName:        req.FirstName,
			LastName:         req.LastName,
			Profession:       req.Profession,
			PrimarySpecialty: req.PrimarySpecialty,
			Institution:      req.Institution,
			Department:       req.Department,
			PhoneCode:        req.PhoneCode,
			MobileNumber:     req.MobileNumber,
			Address:          req.Address,
		},
		Role:          models.DefaultRole,
		Status:        models.StatusActive,
		TermsAccepted: req.TermsAccepted,
	}
	account.SetChallenge(challenge.Code, challenge.ExpiresAt)

	if err := s.store.Create(ctx, account); err != nil {
		if errors.Is(err, repository.ErrDuplicateEmail) {
			return nil, ErrUserAlreadyExists
		}
		return nil, Internal("create account", err)
	}

	if err := s.sendOTP(ctx, account, challenge); err != nil {
		s.rollback(ctx, account)
		return nil, err
	}

	s.logger.Info("Account registered",
		zap.String("user_id", account.ID),
		util.Email("email", account.Email))
	s.record(ctx, models.EventRegistered, account.ID, "", map[string]string{
		"profession": string(account.Profession),
	})
	return &RegisterResult{Email: account.Email}, nil
}

// rollback removes an account whose code could not be delivered. The delete
// is conditional on the account still being unverified.
func (s *AccountService) rollback(ctx context.Context, account *models.Account) {
	ctx = context.WithoutCancel(ctx)
	removed, err := s.store.DeleteUnverified(ctx, account.ID)
	if err != nil {
		s.logger.Error("Failed to roll back registration",
			zap.String("user_id", account.ID),
			zap.Error(err))
		return
	}
	s.logger.Warn("Registration rolled back after email failure",
		zap.String("user_id", account.ID),
		zap.Bool("removed", removed))
	if removed {
		s.record(ctx, models.EventRegistrationRollback, account.ID, "", nil)
	}
}

// VerifyOTP confirms the emailed code, marks the account verified and logs
// it in. Wrong and expired codes fail identically.
func (s *AccountService) VerifyOTP(ctx context.Context, req VerifyOTPRequest) (*AuthResult, error) {
	req.Email = util.NormalizeEmail(req.Email)
	req.OTP = strings.TrimSpace(req.OTP)
	if err := validationFailure(req.Validate()); err != nil {
		return nil, err
	}

	account, err := s.findByEmail(ctx, req.Email)
	if err != nil {
		return nil, err
	}
	if account.IsEmailVerified {
		return nil, ErrAlreadyVerified
	}
	if !otp.Validate(req.OTP, account.OTPCode, account.OTPExpiresAt, s.now()) {
		s.logger.Info("OTP verification failed", zap.String("user_id", account.ID))
		return nil, ErrInvalidOTP
	}

	account.MarkVerified()
	if err := s.save(ctx, account); err != nil {
		return nil, err
	}
	s.record(ctx, models.EventVerified, account.ID, "", nil)

	s.sendWelcome(ctx, account)

	if account.Status != models.StatusActive {
		return nil, ErrAccountSuspended
	}
	return s.authenticate(account)
}

// ResendOTP replaces the outstanding code of an unverified account. A
// delivery failure leaves the account in place.
func (s *AccountService) ResendOTP(ctx context.Context, req ResendOTPRequest) (*RegisterResult, error) {
	req.Email = util.NormalizeEmail(req.Email)
	if err := validationFailure(req.Validate()); err != nil {
		return nil, err
	}

	account, err := s.findByEmail(ctx, req.Email)
	if err != nil {
		return nil, err
	}
	if account.IsEmailVerified {
		return nil, ErrAlreadyVerified
	}
	if err := s.reissue(ctx, account); err != nil {
		return nil, err
	}
	s.record(ctx, models.EventOTPResent, account.ID, "", map[string]string{"trigger": "resend"})
	return &RegisterResult{Email: account.Email}, nil
}

// Login checks credentials. An unknown email and a wrong password produce
// the same error and take comparable time.
func (s *AccountService) Login(ctx context.Context, req LoginRequest) (*AuthResult, error) {
	req.Email = util.NormalizeEmail(req.Email)
	if err := validationFailure(req.Validate()); err != nil {
		return nil, err
	}

	account, err := s.store.FindByEmail(ctx, req.Email)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, Internal("find account", err)
		}
		s.burnHash(req.Password)
		s.record(ctx, models.EventLoginFailed, "", "", map[string]string{"reason": "unknown_email"})
		return nil, ErrInvalidCredentials
	}

	ok, err := s.hasher.VerifyPassword(req.Password, account.PasswordHash)
	if err != nil {
		return nil, Internal("verify password", err)
	}
	if !ok {
		s.record(ctx, models.EventLoginFailed, account.ID, "", map[string]string{"reason": "bad_password"})
		return nil, ErrInvalidCredentials
	}
	if !account.IsEmailVerified {
		return nil, ErrEmailNotVerified
	}
	if account.Status != models.StatusActive {
		s.record(ctx, models.EventLoginFailed, account.ID, "", map[string]string{"reason": "status_" + strings.ToLower(string(account.Status))})
		return nil, ErrAccountSuspended
	}

	if s.hasher.NeedsRehash(account.PasswordHash) {
		s.rehash(ctx, account, req.Password)
	}

	s.record(ctx, models.EventLoginSucceeded, account.ID, "", nil)
	return s.authenticate(account)
}

// rehash upgrades a digest made with older parameters. Failure is logged
// and the login proceeds.
func (s *AccountService) rehash(ctx context.Context, account *models.Account, password string) {
	digest, err := s.hasher.HashPassword(password)
	if err == nil {
		account.PasswordHash = digest
		err = s.save(ctx, account)
	}
	if err != nil {
		s.logger.Warn("Password rehash failed", zap.String("user_id", account.ID), zap.Error(err))
	}
}

func (s *AccountService) GetByID(ctx context.Context, id string) (*models.PublicAccount, error) {
	if s.cache != nil {
		if pub, err := s.cache.Get(ctx, id); err == nil && pub != nil {
			return pub, nil
		}
	}

	account, err := s.findByID(ctx, id)
	if err != nil {
		return nil, err
	}
	pub := account.Public()
	if s.cache != nil {
		if err := s.cache.Set(ctx, pub); err != nil {
			s.logger.Warn("Failed to cache account", zap.String("user_id", id), zap.Error(err))
		}
	}
	return pub, nil
}

// UpdateProfile applies a self-service patch. The patch type carries no
// email, password, role, status or verification fields, so those cannot be
// changed here.
func (s *AccountService) UpdateProfile(ctx context.Context, id string, patch models.ProfilePatch) (*models.PublicAccount, error) {
	trimPatch(&patch)
	if err := validationFailure(validateProfilePatch(patch)); err != nil {
		return nil, err
	}

	account, err := s.findByID(ctx, id)
	if err != nil {
		return nil, err
	}
	patch.Apply(&account.Profile)
	if err := s.save(ctx, account); err != nil {
		return nil, err
	}

	s.record(ctx, models.EventProfileUpdated, account.ID, account.ID, map[string]string{
		"fields": strings.Join(patchedFields(patch), ","),
	})
	return account.Public(), nil
}

// AdminUpdate is the administrative counterpart of UpdateProfile and may
// also change role and status.
func (s *AccountService) AdminUpdate(ctx context.Context, actorID, id string, patch models.AdminPatch) (*models.PublicAccount, error) {
	trimPatch(&patch.ProfilePatch)
	if err := validationFailure(validateAdminPatch(patch)); err != nil {
		return nil, err
	}

	account, err := s.findByID(ctx, id)
	if err != nil {
		return nil, err
	}
	patch.ProfilePatch.Apply(&account.Profile)
	fields := patchedFields(patch.ProfilePatch)
	if patch.Role != nil {
		account.Role = *patch.Role
		fields = append(fields, "role")
	}
	if patch.Status != nil {
		account.Status = *patch.Status
		fields = append(fields, "status")
	}
	if err := s.save(ctx, account); err != nil {
		return nil, err
	}

	s.logger.Info("Account updated by administrator",
		zap.String("user_id", account.ID),
		zap.String("actor_id", actorID),
		zap.Strings("fields", fields))
	s.record(ctx, models.EventAdminUpdated, account.ID, actorID, map[string]string{
		"fields": strings.Join(fields, ","),
		"role":   string(account.Role),
		"status": string(account.Status),
	})
	return account.Public(), nil
}

// ChangePassword re-authenticates with the current password before storing
// a digest of the new one.
func (s *AccountService) ChangePassword(ctx context.Context, id string, req ChangePasswordRequest) error {
	if err := validationFailure(req.Validate()); err != nil {
		return err
	}

	account, err := s.findByID(ctx, id)
	if err != nil {
		return err
	}
	ok, err := s.hasher.VerifyPassword(req.CurrentPassword, account.PasswordHash)
	if err != nil {
		return Internal("verify password", err)
	}
	if !ok {
		return ErrWrongPassword
	}

	digest, err := s.hasher.HashPassword(req.NewPassword)
	if err != nil {
		return Internal("hash password", err)
	}
	account.PasswordHash = digest
	if err := s.save(ctx, account); err != nil {
		return err
	}
	s.record(ctx, models.EventPasswordChanged, account.ID, account.ID, nil)
	return nil
}

// CheckEmailAvailability reports whether email can be registered. Verified
// and unverified owners both make it unavailable, with different advice.
func (s *AccountService) CheckEmailAvailability(ctx context.Context, email string) (*EmailAvailability, error) {
	email = util.NormalizeEmail(email)
	if err := validation.Validate(email,
		validation.Required.Error("Email is required"),
		is.Email.Error("Please provide a valid email address"),
	); err != nil {
		return nil, Validation(map[string]string{"email": err.Error()})
	}

	account, err := s.store.FindByEmail(ctx, email)
	if errors.Is(err, repository.ErrNotFound) {
		return &EmailAvailability{Email: email, Available: true, Message: "Email is available"}, nil
	}
	if err != nil {
		return nil, Internal("find account", err)
	}

	verified := account.IsEmailVerified
	result := &EmailAvailability{Email: email, Available: false, Verified: &verified}
	if verified {
		result.Message = "An account with this email already exists. Please login instead."
	} else {
		result.Message = "This email is registered but not verified. Please verify it or request a new OTP."
	}
	return result, nil
}

func (s *AccountService) findByEmail(ctx context.Context, email string) (*models.Account, error) {
	account, err := s.store.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, Internal("find account", err)
	}
	return account, nil
}

func (s *AccountService) findByID(ctx context.Context, id string) (*models.Account, error) {
	account, err := s.store.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, Internal("find account", err)
	}
	return account, nil
}

// save persists account and drops its cached projection.
func (s *AccountService) save(ctx context.Context, account *models.Account) error {
	if err := s.store.Update(ctx, account); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrUserNotFound
		}
		return Internal("update account", err)
	}
	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, account.ID); err != nil {
			s.logger.Warn("Failed to invalidate cached account", zap.String("user_id", account.ID), zap.Error(err))
		}
	}
	return nil
}

// reissue stores a fresh code, replacing the previous one, then sends it.
func (s *AccountService) reissue(ctx context.Context, account *models.Account) error {
	challenge, err := s.otp.Issue()
	if err != nil {
		return Internal("issue otp", err)
	}
	account.SetChallenge(challenge.Code, challenge.ExpiresAt)
	if err := s.save(ctx, account); err != nil {
		return err
	}
	return s.sendOTP(ctx, account, challenge)
}

func (s *AccountService) sendOTP(ctx context.Context, account *models.Account, challenge otp.Challenge) error {
	msg, err := mail.OTPMessage(account.Email, account.FirstName, challenge.Code, s.otp.TTL())
	if err != nil {
		return Internal("render otp email", err)
	}
	if err := s.mailer.Send(ctx, msg); err != nil {
		s.logger.Error("Failed to send verification email",
			zap.String("user_id", account.ID),
			util.Email("email", account.Email),
			zap.Error(err))
		return ErrEmailDelivery.Wrap(err)
	}
	return nil
}

func (s *AccountService) sendWelcome(ctx context.Context, account *models.Account) {
	msg, err := mail.WelcomeMessage(account.Email, account.FirstName)
	if err == nil {
		err = s.mailer.Send(ctx, msg)
	}
	if err != nil {
		s.logger.Warn("Failed to send welcome email", zap.String("user_id", account.ID), zap.Error(err))
	}
}

func (s *AccountService) authenticate(account *models.Account) (*AuthResult, error) {
	issued, err := s.tokens.Issue(account)
	if err != nil {
		return nil, Internal("issue token", err)
	}
	return &AuthResult{Token: issued.Token, ExpiresAt: issued.ExpiresAt, User: account.Public()}, nil
}

// burnHash spends one verification against a fixed digest so that unknown
// emails are not answered faster than wrong passwords.
func (s *AccountService) burnHash(password string) {
	s.dummyOnce.Do(func() {
		s.dummyHash, _ = s.hasher.HashPassword(uuid.NewString())
	})
	if s.dummyHash != "" {
		_, _ = s.hasher.VerifyPassword(password, s.dummyHash)
	}
}

func (s *AccountService) record(ctx context.Context, eventType models.EventType, userID, actorID string, details map[string]string) {
	if s.events == nil {
		return
	}
	err := s.events.Record(ctx, models.SecurityEvent{
		EventType: eventType,
		UserID:    userID,
		ActorID:   actorID,
		Details:   details,
	})
	if err != nil {
		s.logger.Debug("Security event incomplete", zap.String("event_type", string(eventType)), zap.Error(err))
	}
}

func patchedFields(p models.ProfilePatch) []string {
	var fields []string
	set := map[string]bool{
		"firstName":        p.FirstName != nil,
		"lastName":         p.LastName != nil,
		"profession":       p.Profession != nil,
		"primarySpecialty": p.PrimarySpecialty != nil,
		"institution":      p.Institution != nil,
		"department":       p.Department != nil,
		"phoneCode":        p.PhoneCode != nil,
		"mobileNumber":     p.MobileNumber != nil,
		"address":          p.Address != nil,
	}
	for name, ok := range set {
		if ok {
			fields = append(fields, name)
		}
	}
	sort.Strings(fields)
	return fields
}
