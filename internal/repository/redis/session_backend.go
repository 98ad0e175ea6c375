package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"dormauth/internal/client"
	"dormauth/internal/models"
	"dormauth/internal/session"
)

const (
	sessionKeyPrefix   = "session:"
	ownerZSetPrefix    = "identity_sessions:"
	activityZSetPrefix = "identity_activity:"
)

// admitScript performs cap admission atomically: prune dead and idle
// members, evict oldest-by-creation until under cap, then store the new
// session. Redis runs scripts single-threaded, which serializes
// admission per identity.
//
// KEYS[1] owner zset (score: created_at ns)
// KEYS[2] activity zset (score: last_activity ns)
// ARGV[1] now ns, ARGV[2] idle ns, ARGV[3] cap,
// ARGV[4] member ("id|token"), ARGV[5] session key, ARGV[6] json,
// ARGV[7] ttl ms
// Returns the evicted session ids.
const admitScript = `
local owner = KEYS[1]
local activity = KEYS[2]
local now = tonumber(ARGV[1])
local idle = tonumber(ARGV[2])
local cap = tonumber(ARGV[3])
local evicted = {}

local function drop(member)
    local sep = string.find(member, "|", 1, true)
    local token = string.sub(member, sep + 1)
    redis.call("DEL", "session:" .. token)
    redis.call("ZREM", owner, member)
    redis.call("ZREM", activity, member)
    return string.sub(member, 1, sep - 1)
end

for _, member in ipairs(redis.call("ZRANGE", owner, 0, -1)) do
    local sep = string.find(member, "|", 1, true)
    local token = string.sub(member, sep + 1)
    if redis.call("EXISTS", "session:" .. token) == 0 then
        redis.call("ZREM", owner, member)
        redis.call("ZREM", activity, member)
    else
        local last = redis.call("ZSCORE", activity, member)
        if last and (now - tonumber(last)) > idle then
            drop(member)
        end
    end
end

while redis.call("ZCARD", owner) >= cap do
    local oldest = redis.call("ZRANGE", owner, 0, 0)
    if #oldest == 0 then break end
    table.insert(evicted, drop(oldest[1]))
end

redis.call("SET", ARGV[5], ARGV[6], "PX", tonumber(ARGV[7]))
redis.call("ZADD", owner, now, ARGV[4])
redis.call("ZADD", activity, now, ARGV[4])
return evicted
`

// SessionBackend implements session.Backend on the shared cache.
// Session bodies live under session:{token} with the absolute TTL;
// per-identity sorted sets index them by creation and last activity.
type SessionBackend struct {
	cache *client.RedisClient
}

func NewSessionBackend(cache *client.RedisClient) *SessionBackend {
	return &SessionBackend{cache: cache}
}

func (b *SessionBackend) Admit(ctx context.Context, token string, s *models.Session, cap int, idle time.Duration) ([]string, error) {
	body, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encoding session: %w", err)
	}
	ttl := time.Until(s.ExpiresAt)
	if ttl <= 0 {
		return nil, fmt.Errorf("session already past absolute expiry")
	}

	res, err := b.cache.Eval(ctx, admitScript,
		[]string{ownerZSetPrefix + s.IdentityID, activityZSetPrefix + s.IdentityID},
		s.CreatedAt.UnixNano(), idle.Nanoseconds(), cap,
		s.ID+"|"+token, sessionKeyPrefix+token, string(body), ttl.Milliseconds(),
	)
	if err != nil {
		return nil, fmt.Errorf("session admission: %w", err)
	}

	var evicted []string
	if ids, ok := res.([]interface{}); ok {
		for _, id := range ids {
			if str, ok := id.(string); ok {
				evicted = append(evicted, str)
			}
		}
	}
	return evicted, nil
}

func (b *SessionBackend) Get(ctx context.Context, token string) (*models.Session, error) {
	raw, err := b.cache.Get(ctx, sessionKeyPrefix+token)
	if err != nil {
		if err == client.ErrKeyNotFound {
			return nil, session.ErrSessionNotFound
		}
		return nil, err
	}
	var s models.Session
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("decoding session: %w", err)
	}
	return &s, nil
}

func (b *SessionBackend) Touch(ctx context.Context, token string, at time.Time) error {
	s, err := b.Get(ctx, token)
	if err != nil {
		return err
	}
	s.LastActivity = at
	body, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}

	pipe := b.cache.TxPipeline()
	pipe.Set(ctx, sessionKeyPrefix+token, body, time.Until(s.ExpiresAt))
	pipe.ZAdd(ctx, activityZSetPrefix+s.IdentityID, zMember(at.UnixNano(), s.ID+"|"+token))
	_, err = pipe.Exec(ctx)
	return err
}

func (b *SessionBackend) Delete(ctx context.Context, token string) error {
	s, err := b.Get(ctx, token)
	if err != nil {
		return err
	}
	member := s.ID + "|" + token
	pipe := b.cache.TxPipeline()
	pipe.Del(ctx, sessionKeyPrefix+token)
	pipe.ZRem(ctx, ownerZSetPrefix+s.IdentityID, member)
	pipe.ZRem(ctx, activityZSetPrefix+s.IdentityID, member)
	_, err = pipe.Exec(ctx)
	return err
}

func (b *SessionBackend) DeleteByID(ctx context.Context, identityID, sessionID string) (bool, error) {
	members, err := b.ownerMembers(ctx, identityID)
	if err != nil {
		return false, err
	}
	for _, member := range members {
		id, token, ok := splitMember(member)
		if !ok || id != sessionID {
			continue
		}
		pipe := b.cache.TxPipeline()
		pipe.Del(ctx, sessionKeyPrefix+token)
		pipe.ZRem(ctx, ownerZSetPrefix+identityID, member)
		pipe.ZRem(ctx, activityZSetPrefix+identityID, member)
		if _, err := pipe.Exec(ctx); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

func (b *SessionBackend) DeleteAll(ctx context.Context, identityID string) (int, error) {
	members, err := b.ownerMembers(ctx, identityID)
	if err != nil {
		return 0, err
	}
	pipe := b.cache.TxPipeline()
	n := 0
	for _, member := range members {
		if _, token, ok := splitMember(member); ok {
			pipe.Del(ctx, sessionKeyPrefix+token)
			n++
		}
	}
	pipe.Del(ctx, ownerZSetPrefix+identityID)
	pipe.Del(ctx, activityZSetPrefix+identityID)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return n, nil
}

func (b *SessionBackend) List(ctx context.Context, identityID string) ([]*models.Session, error) {
	members, err := b.ownerMembers(ctx, identityID)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Session, 0, len(members))
	for _, member := range members {
		_, token, ok := splitMember(member)
		if !ok {
			continue
		}
		s, err := b.Get(ctx, token)
		if err != nil {
			if err == session.ErrSessionNotFound {
				continue
			}
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (b *SessionBackend) ownerMembers(ctx context.Context, identityID string) ([]string, error) {
	return b.cache.Client.ZRange(ctx, ownerZSetPrefix+identityID, 0, -1).Result()
}

func zMember(score int64, member string) goredis.Z {
	return goredis.Z{Score: float64(score), Member: member}
}

func splitMember(member string) (id, token string, ok bool) {
	sep := strings.IndexByte(member, '|')
	if sep < 0 {
		return "", "", false
	}
	return member[:sep], member[sep+1:], true
}
