package factory

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"identity-service/internal/config"
	"identity-service/internal/mail"
	"identity-service/internal/util"
)

func testConfig(redisURL string) *config.Config {
	return &config.Config{
		Environment: config.EnvTest,
		Auth: config.AuthConfig{
			JWTSecret: "factory-test-secret-0123456789abcdef",
			Issuer:    "identity-service",
			TokenTTL:  24 * time.Hour,
			OTPTTL:    10 * time.Minute,
		},
		Hashing: config.HashingConfig{Argon2MemoryCost: 8 * 1024, Argon2TimeCost: 1, Argon2Parallelism: 1},
		Store:   config.StoreConfig{Driver: config.StoreMemory, UserBuckets: 4, EventBuckets: 2},
		Redis: config.RedisConfig{
			Enabled:  redisURL != "",
			URL:      redisURL,
			PoolSize: 2,
			CacheTTL: time.Minute,
		},
		Mail:  config.MailConfig{LogOnly: true},
		Audit: config.AuditConfig{Sinks: []string{"log"}},
	}
}

func TestNewFactoryWiresMemoryStoreAndCache(t *testing.T) {
	util.Set(zap.NewNop())
	mr := miniredis.RunT(t)

	f, err := NewFactory(testConfig("redis://" + mr.Addr() + "/0"))
	require.NoError(t, err)
	defer f.Close()

	assert.NotNil(t, f.accountCache)
	assert.IsType(t, &mail.LogMailer{}, f.mailer)
	assert.Equal(t, []string{"log"}, f.recorder.Sinks())
	assert.Nil(t, f.TLSManager())

	checks := f.HealthChecks()
	require.Contains(t, checks, "store")
	require.Contains(t, checks, "redis")
	for name, check := range checks {
		assert.NoError(t, check.HealthCheck(context.Background()), name)
	}

	sf := f.ServiceFactory()
	assert.Same(t, sf, f.ServiceFactory())
	assert.Same(t, sf.AccountService(), sf.AccountService())
	assert.Same(t, f.TokenIssuer(), sf.Verifier())
}

func TestNewFactoryToleratesMissingRedisOutsideProduction(t *testing.T) {
	util.Set(zap.NewNop())
	mr := miniredis.RunT(t)
	url := "redis://" + mr.Addr() + "/0"
	mr.Close()

	f, err := NewFactory(testConfig(url))
	require.NoError(t, err)
	defer f.Close()

	assert.Nil(t, f.accountCache)
	assert.NotContains(t, f.HealthChecks(), "redis")
}

func TestNewFactoryFailsOnMissingRedisInProduction(t *testing.T) {
	util.Set(zap.NewNop())
	mr := miniredis.RunT(t)
	url := "redis://" + mr.Addr() + "/0"
	mr.Close()

	cfg := testConfig(url)
	cfg.Environment = config.EnvProduction

	_, err := NewFactory(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis")
}

func TestCloseIsIdempotent(t *testing.T) {
	util.Set(zap.NewNop())
	f, err := NewFactory(testConfig(""))
	require.NoError(t, err)

	require.NoError(t, f.Close())
	require.NoError(t, f.Close())
	f.WaitForClose()
}
