package bucketing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"dormauth/internal/config"
)

func TestIdentityBucketStable(t *testing.T) {
	m := NewManager(&config.BucketingConfig{UserBuckets: 256, EventBuckets: 64})

	a := m.IdentityBucket("b3a6f9a2-1111-2222-3333-444455556666")
	b := m.IdentityBucket("b3a6f9a2-1111-2222-3333-444455556666")
	assert.Equal(t, a, b)
	assert.GreaterOrEqual(t, a, 0)
	assert.Less(t, a, 256)
}

func TestBucketsSpread(t *testing.T) {
	m := NewManager(&config.BucketingConfig{UserBuckets: 16, EventBuckets: 64})

	seen := make(map[int]bool)
	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"} {
		seen[m.IdentityBucket(id)] = true
	}
	assert.Greater(t, len(seen), 1, "distinct keys should spread across buckets")
}

func TestDateBucket(t *testing.T) {
	m := NewManager(&config.BucketingConfig{UserBuckets: 16, EventBuckets: 64})
	at := time.Date(2025, 3, 1, 23, 30, 0, 0, time.FixedZone("IST", 5*3600+1800))
	assert.Equal(t, "2025-03-01", m.DateBucket(at))
}
