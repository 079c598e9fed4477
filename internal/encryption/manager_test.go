package encryption

import (
	"context"
	"errors"
	"testing"

	"identity-service/internal/config"

	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeKMS wraps data keys by XOR so the test can verify round trips without AWS.
type fakeKMS struct {
	generated int
	decrypted int
	fail      bool
}

func (f *fakeKMS) GenerateDataKey(_ context.Context, in *kms.GenerateDataKeyInput, _ ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error) {
	if f.fail {
		return nil, errors.New("kms unavailable")
	}
	f.generated++
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i + f.generated)
	}
	return &kms.GenerateDataKeyOutput{Plaintext: key, CiphertextBlob: xor(key), KeyId: in.KeyId}, nil
}

func (f *fakeKMS) Decrypt(_ context.Context, in *kms.DecryptInput, _ ...func(*kms.Options)) (*kms.DecryptOutput, error) {
	f.decrypted++
	return &kms.DecryptOutput{Plaintext: xor(in.CiphertextBlob)}, nil
}

func xor(b []byte) []byte {
	out := make([]byte, len(b))
	for i := range b {
		out[i] = b[i] ^ 0x5a
	}
	return out
}

func TestLocalRoundTrip(t *testing.T) {
	ctx := context.Background()
	m, err := NewManager(config.KMSConfig{LocalMasterKey: "local-master-key-local-master-key"}, "", nil)
	require.NoError(t, err)
	assert.False(t, m.KMSEnabled())

	enc, err := m.EncryptField(ctx, "9876543210", "mobile_number")
	require.NoError(t, err)
	assert.Equal(t, "local", enc.KeyID)
	assert.NotContains(t, enc.Ciphertext, "9876543210")

	// A fresh manager with the same master key decrypts without the cache.
	other, err := NewManager(config.KMSConfig{LocalMasterKey: "local-master-key-local-master-key"}, "", nil)
	require.NoError(t, err)
	pt, err := other.DecryptField(ctx, enc, "mobile_number")
	require.NoError(t, err)
	assert.Equal(t, "9876543210", pt)
	assert.Equal(t, 1, other.CacheSize())

	_, err = other.DecryptField(ctx, enc, "address")
	assert.ErrorIs(t, err, ErrDecryptionFailed)

	wrong, err := NewManager(config.KMSConfig{}, "a-different-secret", nil)
	require.NoError(t, err)
	_, err = wrong.DecryptField(ctx, enc, "mobile_number")
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestKMSRoundTrip(t *testing.T) {
	ctx := context.Background()
	fake := &fakeKMS{}
	m, err := NewManager(config.KMSConfig{Enabled: true, KeyID: "arn:aws:kms:key/1"}, "", fake)
	require.NoError(t, err)

	enc, err := m.EncryptField(ctx, "secret", "mobile_number")
	require.NoError(t, err)
	assert.Equal(t, "arn:aws:kms:key/1", enc.KeyID)

	m.ClearCache()
	pt, err := m.DecryptField(ctx, enc, "mobile_number")
	require.NoError(t, err)
	assert.Equal(t, "secret", pt)
	assert.Equal(t, 1, fake.decrypted)

	_, err = m.DecryptField(ctx, enc, "mobile_number")
	require.NoError(t, err)
	assert.Equal(t, 1, fake.decrypted, "cached data key is reused")
}

func TestKMSFailures(t *testing.T) {
	_, err := NewManager(config.KMSConfig{Enabled: true, KeyID: "k"}, "", nil)
	assert.Error(t, err)

	_, err = NewManager(config.KMSConfig{}, "", nil)
	assert.Error(t, err)

	m, err := NewManager(config.KMSConfig{Enabled: true, KeyID: "k"}, "", &fakeKMS{fail: true})
	require.NoError(t, err)
	_, err = m.EncryptField(context.Background(), "x", "p")
	assert.Error(t, err)
}
