package service

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"identity-service/internal/config"
	"identity-service/internal/hashing"
	"identity-service/internal/mail"
	"identity-service/internal/models"
	"identity-service/internal/otp"
	"identity-service/internal/repository/memory"
	"identity-service/internal/token"
)

type captureMailer struct {
	mu   sync.Mutex
	sent []mail.Message
	fail error
}

func (m *captureMailer) Send(_ context.Context, msg mail.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *captureMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

type eventLog struct {
	mu     sync.Mutex
	events []models.SecurityEvent
}

func (l *eventLog) Record(_ context.Context, e models.SecurityEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
	return nil
}

func (l *eventLog) types() []models.EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]models.EventType, len(l.events))
	for i, e := range l.events {
		out[i] = e.EventType
	}
	return out
}

type mapCache struct {
	mu    sync.Mutex
	items map[string]*models.PublicAccount
	hits  int
}

func (c *mapCache) Get(_ context.Context, id string) (*models.PublicAccount, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if a, ok := c.items[id]; ok {
		c.hits++
		return a, nil
	}
	return nil, errors.New("miss")
}

func (c *mapCache) Set(_ context.Context, a *models.PublicAccount) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[a.ID] = a
	return nil
}

func (c *mapCache) Invalidate(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, id)
	return nil
}

type fixture struct {
	svc    *AccountService
	store  *memory.AccountStore
	mailer *captureMailer
	events *eventLog
	tokens *token.Issuer
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  memory.NewAccountStore(),
		mailer: &captureMailer{},
		events: &eventLog{},
		now:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }

	hasher := hashing.NewHasher(config.HashingConfig{
		Argon2MemoryCost:  8 * 1024,
		Argon2TimeCost:    1,
		Argon2Parallelism: 1,
	})
	f.tokens = token.NewIssuer(config.AuthConfig{
		JWTSecret: strings.Repeat("s", 32),
		Issuer:    "identity-service",
		TokenTTL:  24 * time.Hour,
	}).WithClock(clock)
	gen := otp.NewGenerator(otp.DefaultTTL).WithClock(clock)

	f.svc = NewAccountService(f.store, hasher, gen, f.tokens, f.mailer, zap.NewNop()).
		WithEvents(f.events).
		WithClock(clock)
	return f
}

func registration(email string) RegisterRequest {
	return RegisterRequest{
		FirstName:        "Ada",
		LastName:         "Lovelace",
		Email:            email,
		Password:         "secret-pass",
		ConfirmPassword:  "secret-pass",
		Profession:       models.ProfessionResearcher,
		PrimarySpecialty: "Cardiology",
		Institution:      "Analytical Institute",
		PhoneCode:        "+91",
		MobileNumber:     "9876543210",
		Address: models.Address{
			Street:     "1 Engine Way",
			City:       "Pune",
			State:      "MH",
			Country:    "India",
			PostalCode: "411001",
		},
		TermsAccepted: true,
	}
}

func (f *fixture) storedCode(t *testing.T, email string) string {
	t.Helper()
	a, err := f.store.FindByEmail(context.Background(), email)
	require.NoError(t, err)
	return a.OTPCode
}

func (f *fixture) registerVerified(t *testing.T, email string) *AuthResult {
	t.Helper()
	ctx := context.Background()
	_, err := f.svc.Register(ctx, registration(email))
	require.NoError(t, err)
	res, err := f.svc.VerifyOTP(ctx, VerifyOTPRequest{Email: email, OTP: f.storedCode(t, email)})
	require.NoError(t, err)
	return res
}

func wrongCode(code string) string {
	if code == "123456" {
		return "654321"
	}
	return "123456"
}

func TestRegistrationToLoginFlow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	res, err := f.svc.Register(ctx, registration(" A@X.com "))
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", res.Email)

	stored, err := f.store.FindByEmail(ctx, "a@x.com")
	require.NoError(t, err)
	assert.False(t, stored.IsEmailVerified)
	assert.Equal(t, models.RoleUser, stored.Role)
	assert.Equal(t, models.StatusActive, stored.Status)
	assert.NotEqual(t, "secret-pass", stored.PasswordHash)
	require.Len(t, stored.OTPCode, otp.Length)
	require.Equal(t, 1, f.mailer.count())
	assert.Equal(t, mail.SubjectVerify, f.mailer.sent[0].Subject)
	assert.Contains(t, f.mailer.sent[0].Text, stored.OTPCode)

	_, err = f.svc.VerifyOTP(ctx, VerifyOTPRequest{Email: "a@x.com", OTP: wrongCode(stored.OTPCode)})
	assert.ErrorIs(t, err, ErrInvalidOTP)
	again, err := f.store.FindByEmail(ctx, "a@x.com")
	require.NoError(t, err)
	assert.False(t, again.IsEmailVerified)

	verified, err := f.svc.VerifyOTP(ctx, VerifyOTPRequest{Email: "a@x.com", OTP: stored.OTPCode})
	require.NoError(t, err)
	assert.NotEmpty(t, verified.Token)
	assert.True(t, verified.User.IsEmailVerified)
	assert.Equal(t, "Ada Lovelace", verified.User.FullName)

	after, err := f.store.FindByEmail(ctx, "a@x.com")
	require.NoError(t, err)
	assert.True(t, after.IsEmailVerified)
	assert.Empty(t, after.OTPCode)
	assert.Nil(t, after.OTPExpiresAt)

	claims, err := f.tokens.Verify(verified.Token)
	require.NoError(t, err)
	assert.Equal(t, after.ID, claims.AccountID())
	assert.Equal(t, models.RoleUser, claims.Role)

	login, err := f.svc.Login(ctx, LoginRequest{Email: "A@x.com", Password: "secret-pass"})
	require.NoError(t, err)
	assert.NotEmpty(t, login.Token)
	assert.Equal(t, after.ID, login.User.ID)

	_, err = f.svc.VerifyOTP(ctx, VerifyOTPRequest{Email: "a@x.com", OTP: stored.OTPCode})
	assert.ErrorIs(t, err, ErrAlreadyVerified)

	assert.Equal(t, []models.EventType{
		models.EventRegistered,
		models.EventVerified,
		models.EventLoginSucceeded,
	}, f.events.types())
}

func TestVerifyOTPExpired(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.Register(ctx, registration("a@x.com"))
	require.NoError(t, err)
	code := f.storedCode(t, "a@x.com")

	f.now = f.now.Add(otp.DefaultTTL)
	_, err = f.svc.VerifyOTP(ctx, VerifyOTPRequest{Email: "a@x.com", OTP: code})
	assert.ErrorIs(t, err, ErrInvalidOTP)
}

func TestVerifyOTPUnknownEmail(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.VerifyOTP(context.Background(), VerifyOTPRequest{Email: "ghost@x.com", OTP: "123456"})
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestResendInvalidatesPreviousCode(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.Register(ctx, registration("a@x.com"))
	require.NoError(t, err)
	first := f.storedCode(t, "a@x.com")

	var second string
	for i := 0; i < 5; i++ {
		_, err = f.svc.ResendOTP(ctx, ResendOTPRequest{Email: "a@x.com"})
		require.NoError(t, err)
		second = f.storedCode(t, "a@x.com")
		if second != first {
			break
		}
	}
	require.NotEqual(t, first, second)

	_, err = f.svc.VerifyOTP(ctx, VerifyOTPRequest{Email: "a@x.com", OTP: first})
	assert.ErrorIs(t, err, ErrInvalidOTP)

	_, err = f.svc.VerifyOTP(ctx, VerifyOTPRequest{Email: "a@x.com", OTP: second})
	assert.NoError(t, err)

	_, err = f.svc.ResendOTP(ctx, ResendOTPRequest{Email: "a@x.com"})
	assert.ErrorIs(t, err, ErrAlreadyVerified)
	_, err = f.svc.ResendOTP(ctx, ResendOTPRequest{Email: "ghost@x.com"})
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestRegisterVerifiedEmailConflicts(t *testing.T) {
	f := newFixture(t)
	f.registerVerified(t, "a@x.com")

	_, err := f.svc.Register(context.Background(), registration("a@x.com"))
	require.ErrorIs(t, err, ErrUserAlreadyExists)
	assert.Equal(t, 409, AsError(err).Status)
	assert.Equal(t, 1, f.store.Len())
}

func TestRegisterUnverifiedEmailReissues(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.Register(ctx, registration("a@x.com"))
	require.NoError(t, err)
	before, err := f.store.FindByEmail(ctx, "a@x.com")
	require.NoError(t, err)

	req := registration("a@x.com")
	req.Password, req.ConfirmPassword = "another-pass", "another-pass"
	res, err := f.svc.Register(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", res.Email)

	after, err := f.store.FindByEmail(ctx, "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, 1, f.store.Len())
	assert.Equal(t, before.ID, after.ID)
	assert.Equal(t, before.PasswordHash, after.PasswordHash)
	assert.Equal(t, 2, f.mailer.count())
}

func TestConcurrentRegistrationCreatesOneAccount(t *testing.T) {
	f := newFixture(t)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.Register(context.Background(), registration("race@x.com"))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, f.store.Len())
	for _, err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, ErrUserAlreadyExists)
		}
	}
}

func TestRegisterRollsBackWhenDeliveryFails(t *testing.T) {
	f := newFixture(t)
	f.mailer.fail = errors.New("smtp down")

	_, err := f.svc.Register(context.Background(), registration("a@x.com"))
	require.ErrorIs(t, err, ErrEmailDelivery)
	assert.False(t, AsError(err).Operational)
	assert.Equal(t, 0, f.store.Len())
	assert.Equal(t, []models.EventType{models.EventRegistrationRollback}, f.events.types())

	f.mailer.fail = nil
	_, err = f.svc.Register(context.Background(), registration("a@x.com"))
	assert.NoError(t, err)
}

func TestRegisterRollsBackWhenSMTPUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	smtp, err := mail.NewSMTPMailer(config.MailConfig{
		Host: "127.0.0.1",
		Port: port,
		From: "noreply@example.com",
	}, zap.NewNop())
	require.NoError(t, err)

	f := newFixture(t)
	f.svc.mailer = smtp

	_, err = f.svc.Register(context.Background(), registration("a@x.com"))
	require.ErrorIs(t, err, ErrEmailDelivery)
	assert.ErrorIs(t, err, mail.ErrDelivery)
	assert.Equal(t, 0, f.store.Len())
	assert.Equal(t, []models.EventType{models.EventRegistrationRollback}, f.events.types())
}

func TestResendKeepsAccountWhenDeliveryFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.Register(ctx, registration("a@x.com"))
	require.NoError(t, err)

	f.mailer.fail = errors.New("smtp down")
	_, err = f.svc.ResendOTP(ctx, ResendOTPRequest{Email: "a@x.com"})
	require.ErrorIs(t, err, ErrEmailDelivery)
	assert.Equal(t, 1, f.store.Len())
}

func TestLoginFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	res := f.registerVerified(t, "a@x.com")

	_, unknown := f.svc.Login(ctx, LoginRequest{Email: "ghost@x.com", Password: "secret-pass"})
	_, wrong := f.svc.Login(ctx, LoginRequest{Email: "a@x.com", Password: "not-it"})
	require.ErrorIs(t, unknown, ErrInvalidCredentials)
	require.ErrorIs(t, wrong, ErrInvalidCredentials)
	assert.Equal(t, AsError(unknown).Message, AsError(wrong).Message)
	assert.Equal(t, AsError(unknown).Status, AsError(wrong).Status)

	_, err := f.svc.Register(ctx, registration("b@x.com"))
	require.NoError(t, err)
	_, err = f.svc.Login(ctx, LoginRequest{Email: "b@x.com", Password: "secret-pass"})
	assert.ErrorIs(t, err, ErrEmailNotVerified)

	suspended := models.StatusSuspended
	_, err = f.svc.AdminUpdate(ctx, "admin-1", res.User.ID, models.AdminPatch{Status: &suspended})
	require.NoError(t, err)
	_, err = f.svc.Login(ctx, LoginRequest{Email: "a@x.com", Password: "secret-pass"})
	assert.ErrorIs(t, err, ErrAccountSuspended)
}

func TestChangePassword(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	res := f.registerVerified(t, "a@x.com")

	before, err := f.store.FindByID(ctx, res.User.ID)
	require.NoError(t, err)

	err = f.svc.ChangePassword(ctx, res.User.ID, ChangePasswordRequest{
		CurrentPassword:    "wrong-pass",
		NewPassword:        "brand-new",
		ConfirmNewPassword: "brand-new",
	})
	require.ErrorIs(t, err, ErrWrongPassword)
	unchanged, err := f.store.FindByID(ctx, res.User.ID)
	require.NoError(t, err)
	assert.Equal(t, before.PasswordHash, unchanged.PasswordHash)

	require.NoError(t, f.svc.ChangePassword(ctx, res.User.ID, ChangePasswordRequest{
		CurrentPassword:    "secret-pass",
		NewPassword:        "brand-new",
		ConfirmNewPassword: "brand-new",
	}))
	changed, err := f.store.FindByID(ctx, res.User.ID)
	require.NoError(t, err)
	assert.NotEqual(t, before.PasswordHash, changed.PasswordHash)
	assert.NotContains(t, changed.PasswordHash, "brand-new")

	_, err = f.svc.Login(ctx, LoginRequest{Email: "a@x.com", Password: "secret-pass"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = f.svc.Login(ctx, LoginRequest{Email: "a@x.com", Password: "brand-new"})
	assert.NoError(t, err)
}

func TestChangePasswordValidation(t *testing.T) {
	f := newFixture(t)
	res := f.registerVerified(t, "a@x.com")

	err := f.svc.ChangePassword(context.Background(), res.User.ID, ChangePasswordRequest{
		CurrentPassword:    "secret-pass",
		NewPassword:        "secret-pass",
		ConfirmNewPassword: "different",
	})
	require.ErrorIs(t, err, ErrValidation)
	details, ok := AsError(err).Details.(map[string]string)
	require.True(t, ok)
	assert.Contains(t, details, "newPassword")
	assert.Contains(t, details, "confirmNewPassword")
}

func TestUpdateProfileIgnoresPrivilegedFields(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	res := f.registerVerified(t, "a@x.com")

	var patch models.ProfilePatch
	require.NoError(t, json.Unmarshal([]byte(`{
		"firstName": "Augusta",
		"role": "ADMIN",
		"email": "evil@x.com",
		"password": "pwned",
		"isEmailVerified": false,
		"status": "SUSPENDED"
	}`), &patch))

	pub, err := f.svc.UpdateProfile(ctx, res.User.ID, patch)
	require.NoError(t, err)
	assert.Equal(t, "Augusta", pub.FirstName)
	assert.Equal(t, "Lovelace", pub.LastName)

	stored, err := f.store.FindByID(ctx, res.User.ID)
	require.NoError(t, err)
	assert.Equal(t, "Augusta", stored.FirstName)
	assert.Equal(t, models.RoleUser, stored.Role)
	assert.Equal(t, "a@x.com", stored.Email)
	assert.Equal(t, models.StatusActive, stored.Status)
	assert.True(t, stored.IsEmailVerified)

	_, err = f.svc.Login(ctx, LoginRequest{Email: "a@x.com", Password: "secret-pass"})
	assert.NoError(t, err)
}

func TestUpdateProfileRequiresAField(t *testing.T) {
	f := newFixture(t)
	res := f.registerVerified(t, "a@x.com")

	_, err := f.svc.UpdateProfile(context.Background(), res.User.ID, models.ProfilePatch{})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.svc.UpdateProfile(context.Background(), "missing", models.ProfilePatch{Department: strPtr("ICU")})
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestAdminUpdateChangesRole(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	res := f.registerVerified(t, "a@x.com")

	editor := models.RoleEditor
	pub, err := f.svc.AdminUpdate(ctx, "admin-1", res.User.ID, models.AdminPatch{
		ProfilePatch: models.ProfilePatch{Institution: strPtr("Royal Society")},
		Role:         &editor,
	})
	require.NoError(t, err)
	assert.Equal(t, models.RoleEditor, pub.Role)
	assert.Equal(t, "Royal Society", pub.Institution)

	bogus := models.Role("ROOT")
	_, err = f.svc.AdminUpdate(ctx, "admin-1", res.User.ID, models.AdminPatch{Role: &bogus})
	assert.ErrorIs(t, err, ErrValidation)

	events := f.events.types()
	assert.Equal(t, models.EventAdminUpdated, events[len(events)-1])
}

func TestCheckEmailAvailability(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.registerVerified(t, "verified@x.com")
	_, err := f.svc.Register(ctx, registration("pending@x.com"))
	require.NoError(t, err)

	free, err := f.svc.CheckEmailAvailability(ctx, "new@x.com")
	require.NoError(t, err)
	assert.True(t, free.Available)
	assert.Nil(t, free.Verified)

	taken, err := f.svc.CheckEmailAvailability(ctx, "Verified@x.com")
	require.NoError(t, err)
	assert.False(t, taken.Available)
	require.NotNil(t, taken.Verified)
	assert.True(t, *taken.Verified)

	pending, err := f.svc.CheckEmailAvailability(ctx, "pending@x.com")
	require.NoError(t, err)
	assert.False(t, pending.Available)
	require.NotNil(t, pending.Verified)
	assert.False(t, *pending.Verified)
	assert.NotEqual(t, taken.Message, pending.Message)

	_, err = f.svc.CheckEmailAvailability(ctx, "not-an-email")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestRegisterValidation(t *testing.T) {
	f := newFixture(t)

	req := registration("a@x.com")
	req.FirstName = "A"
	req.ConfirmPassword = "mismatch"
	req.Profession = "ASTRONAUT"
	req.MobileNumber = "12345"
	req.Address.City = ""
	req.TermsAccepted = false

	_, err := f.svc.Register(context.Background(), req)
	require.ErrorIs(t, err, ErrValidation)
	details, ok := AsError(err).Details.(map[string]string)
	require.True(t, ok)
	for _, field := range []string{"firstName", "confirmPassword", "profession", "mobileNumber", "address.city", "termsAccepted"} {
		assert.Contains(t, details, field)
	}
	assert.Equal(t, 0, f.store.Len())
	assert.Equal(t, 0, f.mailer.count())
}

func TestGetByIDCachesProjection(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	cache := &mapCache{items: map[string]*models.PublicAccount{}}
	f.svc.WithCache(cache)
	res := f.registerVerified(t, "a@x.com")

	first, err := f.svc.GetByID(ctx, res.User.ID)
	require.NoError(t, err)
	second, err := f.svc.GetByID(ctx, res.User.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, cache.hits)

	_, err = f.svc.UpdateProfile(ctx, res.User.ID, models.ProfilePatch{LastName: strPtr("Byron")})
	require.NoError(t, err)
	fresh, err := f.svc.GetByID(ctx, res.User.ID)
	require.NoError(t, err)
	assert.Equal(t, "Byron", fresh.LastName)

	_, err = f.svc.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestE164(t *testing.T) {
	got, err := E164("+91", "9876543210")
	require.NoError(t, err)
	assert.Equal(t, "+919876543210", got)

	_, err = E164("91", "0000000000")
	assert.Error(t, err)
}

func strPtr(s string) *string { return &s }
