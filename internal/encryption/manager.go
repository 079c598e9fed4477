package encryption

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"

	"identity-service/internal/config"
	"identity-service/internal/util"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"golang.org/x/crypto/hkdf"
)

var (
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrDecryptionFailed = errors.New("decryption failed")
)

const (
	version    = "v1"
	localKeyID = "local"
)

// KeyService is the subset of the KMS API used for envelope encryption.
type KeyService interface {
	GenerateDataKey(ctx context.Context, in *kms.GenerateDataKeyInput, optFns ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error)
	Decrypt(ctx context.Context, in *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// EncryptedData is one envelope-encrypted value: the AES-GCM ciphertext and
// the data key that sealed it, itself wrapped by KMS or the local master key.
type EncryptedData struct {
	Ciphertext string `json:"ciphertext"`
	WrappedKey string `json:"wrapped_key"`
	KeyID      string `json:"key_id"`
	Version    string `json:"version"`
}

type DataKey struct {
	Plaintext  []byte
	Ciphertext []byte
	KeyID      string
}

type Manager struct {
	kms      KeyService
	kmsKeyID string
	local    cipher.AEAD
	keyCache sync.Map
}

// NewManager uses KMS when cfg.Enabled, otherwise wraps data keys with a key
// derived from cfg.LocalMasterKey (or fallbackSecret when that is empty).
func NewManager(cfg config.KMSConfig, fallbackSecret string, keyService KeyService) (*Manager, error) {
	m := &Manager{}

	if cfg.Enabled {
		if keyService == nil {
			return nil, errors.New("kms enabled but no key service configured")
		}
		m.kms = keyService
		m.kmsKeyID = cfg.KeyID
		return m, nil
	}

	master := cfg.LocalMasterKey
	if master == "" {
		master = fallbackSecret
	}
	if master == "" {
		return nil, errors.New("local master key is empty")
	}

	kek := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(master), nil, []byte("identity-service/dek-wrap")), kek); err != nil {
		return nil, fmt.Errorf("derive local key: %w", err)
	}
	aead, err := newGCM(kek)
	if err != nil {
		return nil, err
	}
	m.local = aead
	return m, nil
}

func (m *Manager) KMSEnabled() bool {
	return m.kms != nil
}

// GenerateDataKey returns a fresh AES-256 key and its wrapped form.
func (m *Manager) GenerateDataKey(ctx context.Context) (*DataKey, error) {
	if m.kms != nil {
		out, err := m.kms.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
			KeyId:   aws.String(m.kmsKeyID),
			KeySpec: types.DataKeySpecAes256,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to generate data key: %w", err)
		}
		return &DataKey{Plaintext: out.Plaintext, Ciphertext: out.CiphertextBlob, KeyID: m.kmsKeyID}, nil
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate data key: %w", err)
	}
	wrapped, err := seal(m.local, key, []byte(localKeyID))
	if err != nil {
		return nil, err
	}
	return &DataKey{Plaintext: key, Ciphertext: wrapped, KeyID: localKeyID}, nil
}

// EncryptField seals plaintext. purpose is bound as additional data, so a
// ciphertext cannot be replayed into a different column.
func (m *Manager) EncryptField(ctx context.Context, plaintext, purpose string) (*EncryptedData, error) {
	dk, err := m.GenerateDataKey(ctx)
	if err != nil {
		return nil, err
	}

	aead, err := newGCM(dk.Plaintext)
	if err != nil {
		return nil, err
	}
	ct, err := seal(aead, []byte(plaintext), []byte(purpose))
	if err != nil {
		return nil, err
	}

	wrapped := base64.StdEncoding.EncodeToString(dk.Ciphertext)
	m.keyCache.Store(wrapped, dk.Plaintext)

	util.Debug("Field encrypted", util.String("purpose", purpose), util.String("key_id", dk.KeyID))

	return &EncryptedData{
		Ciphertext: base64.StdEncoding.EncodeToString(ct),
		WrappedKey: wrapped,
		KeyID:      dk.KeyID,
		Version:    version,
	}, nil
}

func (m *Manager) DecryptField(ctx context.Context, data *EncryptedData, purpose string) (string, error) {
	if data == nil || data.Ciphertext == "" {
		return "", fmt.Errorf("%w: empty value", ErrDecryptionFailed)
	}

	key, err := m.unwrap(ctx, data)
	if err != nil {
		return "", err
	}

	ct, err := base64.StdEncoding.DecodeString(data.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: invalid ciphertext format", ErrDecryptionFailed)
	}
	aead, err := newGCM(key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	pt, err := open(aead, ct, []byte(purpose))
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

func (m *Manager) unwrap(ctx context.Context, data *EncryptedData) ([]byte, error) {
	if cached, ok := m.keyCache.Load(data.WrappedKey); ok {
		return cached.([]byte), nil
	}

	blob, err := base64.StdEncoding.DecodeString(data.WrappedKey)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid wrapped key", ErrDecryptionFailed)
	}

	var key []byte
	switch {
	case data.KeyID == localKeyID:
		if m.local == nil {
			return nil, fmt.Errorf("%w: value sealed with local key but KMS is enabled", ErrDecryptionFailed)
		}
		key, err = open(m.local, blob, []byte(localKeyID))
		if err != nil {
			return nil, err
		}
	case m.kms != nil:
		out, err := m.kms.Decrypt(ctx, &kms.DecryptInput{CiphertextBlob: blob, KeyId: aws.String(data.KeyID)})
		if err != nil {
			return nil, fmt.Errorf("%w: failed to decrypt data key: %v", ErrDecryptionFailed, err)
		}
		key = out.Plaintext
	default:
		return nil, fmt.Errorf("%w: value sealed with KMS key %s but KMS is disabled", ErrDecryptionFailed, data.KeyID)
	}

	m.keyCache.Store(data.WrappedKey, key)
	return key, nil
}

// ClearCache drops all cached plaintext data keys.
func (m *Manager) ClearCache() {
	m.keyCache.Range(func(key, _ interface{}) bool {
		m.keyCache.Delete(key)
		return true
	})
}

func (m *Manager) CacheSize() int {
	n := 0
	m.keyCache.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	return aead, nil
}

func seal(aead cipher.AEAD, plaintext, ad []byte) ([]byte, error) {
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	return aead.Seal(nonce, nonce, plaintext, ad), nil
}

func open(aead cipher.AEAD, sealed, ad []byte) ([]byte, error) {
	n := aead.NonceSize()
	if len(sealed) < n {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}
	pt, err := aead.Open(nil, sealed[:n], sealed[n:], ad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return pt, nil
}
