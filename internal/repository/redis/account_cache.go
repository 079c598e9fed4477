package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"identity-service/internal/client"
	"identity-service/internal/models"
	"identity-service/internal/util"
)

const accountPrefix = "account:public:"

var ErrCacheMiss = client.ErrCacheMiss

// AccountCache holds public account projections keyed by account id. It
// never stores password digests or OTP codes.
type AccountCache struct {
	client *client.RedisClient
	ttl    time.Duration
}

func NewAccountCache(client *client.RedisClient, ttl time.Duration) *AccountCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &AccountCache{client: client, ttl: ttl}
}

func (c *AccountCache) Get(ctx context.Context, id string) (*models.PublicAccount, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	raw, err := c.client.Get(ctx, accountPrefix+id)
	if err != nil {
		if errors.Is(err, client.ErrCacheMiss) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("failed to read account cache: %w", err)
	}

	var acc models.PublicAccount
	if err := json.Unmarshal([]byte(raw), &acc); err != nil {
		// A corrupt entry is treated as a miss and dropped.
		_ = c.client.Del(ctx, accountPrefix+id)
		return nil, ErrCacheMiss
	}
	return &acc, nil
}

func (c *AccountCache) Set(ctx context.Context, acc *models.PublicAccount) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	raw, err := json.Marshal(acc)
	if err != nil {
		return fmt.Errorf("failed to encode account: %w", err)
	}
	if err := c.client.Set(ctx, accountPrefix+acc.ID, raw, c.ttl); err != nil {
		return fmt.Errorf("failed to write account cache: %w", err)
	}

	util.Debug("Account cached", zap.String("user_id", acc.ID), zap.Duration("ttl", c.ttl))
	return nil
}

func (c *AccountCache) Invalidate(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := c.client.Del(ctx, accountPrefix+id); err != nil {
		return fmt.Errorf("failed to invalidate account cache: %w", err)
	}
	return nil
}
