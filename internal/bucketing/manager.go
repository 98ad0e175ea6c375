package bucketing

import (
	"hash"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"

	"dormauth/internal/config"
)

// Manager assigns identities and events to stable partition buckets so
// the wide-row tables shard evenly. Same input always lands in the same
// bucket for a given bucket count.
type Manager struct {
	userBuckets  int
	eventBuckets int
	hasherPool   sync.Pool
}

func NewManager(cfg *config.BucketingConfig) *Manager {
	return &Manager{
		userBuckets:  cfg.UserBuckets,
		eventBuckets: cfg.EventBuckets,
		hasherPool: sync.Pool{
			New: func() interface{} {
				return murmur3.New64()
			},
		},
	}
}

// IdentityBucket returns the partition bucket for an identity id, in
// [0, userBuckets).
func (m *Manager) IdentityBucket(identityID string) int {
	return m.bucket(identityID, m.userBuckets)
}

// EventBucket returns the partition bucket for an event key.
func (m *Manager) EventBucket(key string) int {
	return m.bucket(key, m.eventBuckets)
}

// DateBucket returns the UTC day partition for time-series tables.
func (m *Manager) DateBucket(at time.Time) string {
	return at.UTC().Format("2006-01-02")
}

func (m *Manager) bucket(key string, n int) int {
	return int(m.hash(key) % uint64(n))
}

func (m *Manager) hash(key string) uint64 {
	h := m.hasherPool.Get().(hash.Hash64)
	defer m.hasherPool.Put(h)
	h.Reset()
	h.Write([]byte(key))
	return h.Sum64()
}
