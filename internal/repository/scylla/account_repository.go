package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"identity-service/internal/bucketing"
	"identity-service/internal/encryption"
	"identity-service/internal/models"
	"identity-service/internal/repository"
	"identity-service/internal/util"
)

const mobilePurpose = "mobile_number"

const accountColumns = `user_bucket, user_id, email, password_hash,
	first_name, last_name, profession, primary_specialty, institution, department,
	phone_code, mobile_ciphertext, mobile_wrapped_key, mobile_key_id,
	street, city, state, country, postal_code,
	role, status, is_email_verified, terms_accepted,
	otp_code, otp_expires_at, created_at, updated_at`

const (
	stmtClaimEmail = `INSERT INTO accounts_by_email (email, user_id, user_bucket, created_at)
		VALUES (?, ?, ?, ?) IF NOT EXISTS`

	stmtReleaseEmail = `DELETE FROM accounts_by_email WHERE email = ? IF user_id = ?`

	stmtLookupEmail = `SELECT user_id, user_bucket FROM accounts_by_email WHERE email = ?`

	stmtInsertAccount = `INSERT INTO accounts (` + accountColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) IF NOT EXISTS`

	stmtSelectAccount = `SELECT ` + accountColumns + ` FROM accounts WHERE user_bucket = ? AND user_id = ?`

	stmtUpdateAccount = `UPDATE accounts SET password_hash = ?,
		first_name = ?, last_name = ?, profession = ?, primary_specialty = ?, institution = ?, department = ?,
		phone_code = ?, mobile_ciphertext = ?, mobile_wrapped_key = ?, mobile_key_id = ?,
		street = ?, city = ?, state = ?, country = ?, postal_code = ?,
		role = ?, status = ?, is_email_verified = ?, terms_accepted = ?,
		otp_code = ?, otp_expires_at = ?, updated_at = ?
		WHERE user_bucket = ? AND user_id = ? IF EXISTS`

	stmtDeleteUnverified = `DELETE FROM accounts WHERE user_bucket = ? AND user_id = ? IF is_email_verified = false`
)

// AccountRepository stores accounts in ScyllaDB. Rows are partitioned by a
// murmur3 bucket of the account id; email uniqueness is enforced by a
// lightweight transaction on accounts_by_email.
type AccountRepository struct {
	client     *ScyllaClient
	buckets    *bucketing.Manager
	encryption *encryption.Manager
	logger     *zap.Logger
}

func NewAccountRepository(client *ScyllaClient, buckets *bucketing.Manager, enc *encryption.Manager, logger *zap.Logger) *AccountRepository {
	return &AccountRepository{
		client:     client,
		buckets:    buckets,
		encryption: enc,
		logger:     logger,
	}
}

func (r *AccountRepository) Create(ctx context.Context, a *models.Account) error {
	now := time.Now().UTC()
	bucket := r.buckets.AccountBucket(a.ID)

	applied, err := r.client.Query(ctx, stmtClaimEmail, a.Email, a.ID, bucket, now).
		MapScanCAS(map[string]interface{}{})
	if err != nil {
		return fmt.Errorf("failed to claim email: %w", err)
	}
	if !applied {
		return repository.ErrDuplicateEmail
	}

	a.CreatedAt = now
	a.UpdatedAt = now

	mobile, err := r.sealMobile(ctx, a.MobileNumber)
	if err != nil {
		r.releaseEmail(ctx, a.Email, a.ID)
		return err
	}

	values := append([]interface{}{bucket, a.ID, a.Email}, r.mutableValues(a, mobile)...)
	values = append(values, a.CreatedAt, a.UpdatedAt)

	applied, err = r.client.Query(ctx, stmtInsertAccount, values...).MapScanCAS(map[string]interface{}{})
	if err != nil || !applied {
		r.releaseEmail(ctx, a.Email, a.ID)
		if err == nil {
			err = errors.New("account id collision")
		}
		r.logger.Error("Failed to insert account",
			zap.String("user_id", a.ID),
			util.Email("email", a.Email),
			zap.Error(err))
		return fmt.Errorf("failed to create account: %w", err)
	}

	r.logger.Info("Account created",
		zap.String("user_id", a.ID),
		zap.Int("user_bucket", bucket))
	return nil
}

func (r *AccountRepository) FindByEmail(ctx context.Context, email string) (*models.Account, error) {
	var (
		id     string
		bucket int
	)
	err := r.client.ScanWithRetry(r.client.Query(ctx, stmtLookupEmail, email), &id, &bucket)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to look up email: %w", err)
	}
	return r.load(ctx, bucket, id)
}

func (r *AccountRepository) FindByID(ctx context.Context, id string) (*models.Account, error) {
	return r.load(ctx, r.buckets.AccountBucket(id), id)
}

func (r *AccountRepository) Update(ctx context.Context, a *models.Account) error {
	mobile, err := r.sealMobile(ctx, a.MobileNumber)
	if err != nil {
		return err
	}

	a.UpdatedAt = time.Now().UTC()
	values := r.mutableValues(a, mobile)
	values = append(values, a.UpdatedAt, r.buckets.AccountBucket(a.ID), a.ID)

	applied, err := r.client.Query(ctx, stmtUpdateAccount, values...).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	if !applied {
		return repository.ErrNotFound
	}
	return nil
}

func (r *AccountRepository) DeleteUnverified(ctx context.Context, id string) (bool, error) {
	a, err := r.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	applied, err := r.client.Query(ctx, stmtDeleteUnverified, r.buckets.AccountBucket(id), id).
		MapScanCAS(map[string]interface{}{})
	if err != nil {
		return false, fmt.Errorf("failed to delete account: %w", err)
	}
	if !applied {
		return false, nil
	}

	r.releaseEmail(ctx, a.Email, id)
	return true, nil
}

func (r *AccountRepository) HealthCheck(ctx context.Context) error {
	return r.client.HealthCheck(ctx)
}

func (r *AccountRepository) load(ctx context.Context, bucket int, id string) (*models.Account, error) {
	var (
		a       models.Account
		mobile  encryption.EncryptedData
		rowBuck int
	)
	err := r.client.ScanWithRetry(r.client.Query(ctx, stmtSelectAccount, bucket, id),
		&rowBuck, &a.ID, &a.Email, &a.PasswordHash,
		&a.FirstName, &a.LastName, &a.Profession, &a.PrimarySpecialty, &a.Institution, &a.Department,
		&a.PhoneCode, &mobile.Ciphertext, &mobile.WrappedKey, &mobile.KeyID,
		&a.Address.Street, &a.Address.City, &a.Address.State, &a.Address.Country, &a.Address.PostalCode,
		&a.Role, &a.Status, &a.IsEmailVerified, &a.TermsAccepted,
		&a.OTPCode, &a.OTPExpiresAt, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to load account: %w", err)
	}

	if mobile.Ciphertext != "" {
		plain, err := r.encryption.DecryptField(ctx, &mobile, mobilePurpose)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt mobile number: %w", err)
		}
		a.MobileNumber = plain
	}
	return &a, nil
}

// mutableValues follows the column order shared by insert and update,
// from password_hash through otp_expires_at.
func (r *AccountRepository) mutableValues(a *models.Account, mobile *encryption.EncryptedData) []interface{} {
	return []interface{}{
		a.PasswordHash,
		a.FirstName, a.LastName, string(a.Profession), a.PrimarySpecialty, a.Institution, a.Department,
		a.PhoneCode, mobile.Ciphertext, mobile.WrappedKey, mobile.KeyID,
		a.Address.Street, a.Address.City, a.Address.State, a.Address.Country, a.Address.PostalCode,
		string(a.Role), string(a.Status), a.IsEmailVerified, a.TermsAccepted,
		a.OTPCode, a.OTPExpiresAt,
	}
}

func (r *AccountRepository) sealMobile(ctx context.Context, mobile string) (*encryption.EncryptedData, error) {
	if mobile == "" {
		return &encryption.EncryptedData{}, nil
	}
	enc, err := r.encryption.EncryptField(ctx, mobile, mobilePurpose)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt mobile number: %w", err)
	}
	return enc, nil
}

func (r *AccountRepository) releaseEmail(ctx context.Context, email, id string) {
	if _, err := r.client.Query(ctx, stmtReleaseEmail, email, id).MapScanCAS(map[string]interface{}{}); err != nil {
		r.logger.Warn("Failed to release email claim",
			zap.String("user_id", id),
			util.Email("email", email),
			zap.Error(err))
	}
}
