package bucketing

import (
	"hash"
	"sync"
	"time"

	"identity-service/internal/config"

	"github.com/spaolacci/murmur3"
)

// Manager maps identifiers onto a fixed number of partitions with murmur3.
// Bucket counts must not change once data has been written.
type Manager struct {
	userBuckets  int
	eventBuckets int
	hasherPool   sync.Pool
	now          func() time.Time
}

type Assignment struct {
	UserBucket  int    `json:"user_bucket"`
	EventBucket int    `json:"event_bucket"`
	DateBucket  string `json:"date_bucket"`
}

func NewManager(cfg config.StoreConfig) *Manager {
	m := &Manager{
		userBuckets:  cfg.UserBuckets,
		eventBuckets: cfg.EventBuckets,
		now:          time.Now,
	}
	if m.userBuckets <= 0 {
		m.userBuckets = 1
	}
	if m.eventBuckets <= 0 {
		m.eventBuckets = 1
	}
	m.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}
	return m
}

// AccountBucket returns the partition (0..userBuckets-1) of an account id.
func (m *Manager) AccountBucket(accountID string) int {
	return m.bucket(accountID, m.userBuckets)
}

// EventBucket spreads security events for one account across partitions.
func (m *Manager) EventBucket(key string) int {
	return m.bucket(key, m.eventBuckets)
}

// DateBucket is the UTC day used to partition time series rows.
func (m *Manager) DateBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func (m *Manager) Assign(accountID string) Assignment {
	return Assignment{
		UserBucket:  m.AccountBucket(accountID),
		EventBucket: m.EventBucket(accountID),
		DateBucket:  m.DateBucket(m.now()),
	}
}

func (m *Manager) UserBuckets() int {
	return m.userBuckets
}

func (m *Manager) EventBuckets() int {
	return m.eventBuckets
}

func (m *Manager) bucket(key string, n int) int {
	h := m.hasherPool.Get().(hash.Hash64)
	defer m.hasherPool.Put(h)

	h.Reset()
	_, _ = h.Write([]byte(key))
	return int(h.Sum64() % uint64(n))
}
