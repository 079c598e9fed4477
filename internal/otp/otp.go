package otp

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"
	"time"
)

const (
	Length     = 6
	DefaultTTL = 10 * time.Minute

	minCode = 100000
	maxCode = 999999
)

// Challenge is a freshly issued code and its absolute expiry.
type Challenge struct {
	Code      string
	ExpiresAt time.Time
}

type Generator struct {
	ttl time.Duration
	now func() time.Time
}

func NewGenerator(ttl time.Duration) *Generator {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Generator{ttl: ttl, now: time.Now}
}

// WithClock replaces the time source.
func (g *Generator) WithClock(now func() time.Time) *Generator {
	g.now = now
	return g
}

func (g *Generator) TTL() time.Duration {
	return g.ttl
}

// Issue draws a code uniformly from [100000, 999999].
func (g *Generator) Issue() (Challenge, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(maxCode-minCode+1))
	if err != nil {
		return Challenge{}, fmt.Errorf("failed to generate otp: %w", err)
	}
	return Challenge{
		Code:      fmt.Sprintf("%d", n.Int64()+minCode),
		ExpiresAt: g.now().Add(g.ttl),
	}, nil
}

// Validate reports whether submitted matches stored and now is before expiresAt.
// Mismatch and expiry are indistinguishable to the caller.
func Validate(submitted, stored string, expiresAt *time.Time, now time.Time) bool {
	if stored == "" || expiresAt == nil {
		return false
	}
	match := subtle.ConstantTimeCompare([]byte(submitted), []byte(stored)) == 1
	return match && now.Before(*expiresAt)
}
