package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"dormauth/internal/client"
)

const (
	ipAttemptsPrefix = "ip_attempts:"
	ipBlockPrefix    = "ip_block:"
	ipStrikesPrefix  = "ip_strikes:"
)

// fixedWindowScript increments a counter but only arms the TTL when the
// key is created, so the window is fixed rather than sliding.
const fixedWindowScript = `
local count = redis.call("INCR", KEYS[1])
if count == 1 then
    redis.call("PEXPIRE", KEYS[1], tonumber(ARGV[1]))
end
return count
`

// IPGuardStore implements ipguard.Store on the shared cache.
type IPGuardStore struct {
	cache *client.RedisClient
}

func NewIPGuardStore(cache *client.RedisClient) *IPGuardStore {
	return &IPGuardStore{cache: cache}
}

func (s *IPGuardStore) IncrAttempts(ctx context.Context, ip string, window time.Duration) (int64, error) {
	res, err := s.cache.Eval(ctx, fixedWindowScript,
		[]string{ipAttemptsPrefix + ip}, window.Milliseconds())
	if err != nil {
		return 0, fmt.Errorf("incrementing attempt window: %w", err)
	}
	count, ok := res.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected attempt counter reply %T", res)
	}
	return count, nil
}

func (s *IPGuardStore) GetBlock(ctx context.Context, ip string) (time.Time, bool, error) {
	raw, err := s.cache.Get(ctx, ipBlockPrefix+ip)
	if err != nil {
		if err == client.ErrKeyNotFound {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	ns, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("malformed block record for %s", ip)
	}
	return time.Unix(0, ns), true, nil
}

func (s *IPGuardStore) PutBlock(ctx context.Context, ip string, until time.Time) error {
	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}
	return s.cache.Set(ctx, ipBlockPrefix+ip, strconv.FormatInt(until.UnixNano(), 10), ttl)
}

func (s *IPGuardStore) IncrStrikes(ctx context.Context, ip string, ttl time.Duration) (int64, error) {
	return s.cache.IncrWithExpire(ctx, ipStrikesPrefix+ip, ttl)
}
