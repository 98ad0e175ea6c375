package redis

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"time"

	"dormauth/internal/client"
)

const (
	resetCodePrefix  = "reset_code:"
	resetUsedPrefix  = "reset_used:"
	resetTriesPrefix = "reset_tries:"
)

// maxResetCodeTries bounds guesses against one stored code.
const maxResetCodeTries = 5

// ResetCache holds in-flight password-reset codes and the used-token
// markers that make reset grants single-use. Codes are stored hashed.
type ResetCache struct {
	cache *client.RedisClient
}

func NewResetCache(cache *client.RedisClient) *ResetCache {
	return &ResetCache{cache: cache}
}

// StoreCode saves the hash of a reset code for the email, replacing any
// previous code.
func (r *ResetCache) StoreCode(ctx context.Context, emailHash, code string, ttl time.Duration) error {
	pipe := r.cache.TxPipeline()
	pipe.Set(ctx, resetCodePrefix+emailHash, hashCode(code), ttl)
	pipe.Del(ctx, resetTriesPrefix+emailHash)
	_, err := pipe.Exec(ctx)
	return err
}

// VerifyCode checks a submitted code against the stored hash and deletes
// it on success. Each miss counts toward a small guess budget; the code
// is destroyed when the budget runs out.
func (r *ResetCache) VerifyCode(ctx context.Context, emailHash, code string) (bool, error) {
	stored, err := r.cache.Get(ctx, resetCodePrefix+emailHash)
	if err != nil {
		if err == client.ErrKeyNotFound {
			return false, nil
		}
		return false, err
	}

	if subtle.ConstantTimeCompare([]byte(stored), []byte(hashCode(code))) == 1 {
		_ = r.cache.Del(ctx, resetCodePrefix+emailHash, resetTriesPrefix+emailHash)
		return true, nil
	}

	tries, err := r.cache.IncrWithExpire(ctx, resetTriesPrefix+emailHash, 15*time.Minute)
	if err == nil && tries >= maxResetCodeTries {
		_ = r.cache.Del(ctx, resetCodePrefix+emailHash, resetTriesPrefix+emailHash)
	}
	return false, nil
}

// DeleteCode removes a stored code, used to roll back when the
// notification email cannot be sent.
func (r *ResetCache) DeleteCode(ctx context.Context, emailHash string) error {
	return r.cache.Del(ctx, resetCodePrefix+emailHash, resetTriesPrefix+emailHash)
}

// MarkTokenUsed records a reset-token id as consumed. Returns false when
// the token was already used.
func (r *ResetCache) MarkTokenUsed(ctx context.Context, tokenID string, ttl time.Duration) (bool, error) {
	return r.cache.SetNX(ctx, resetUsedPrefix+tokenID, "1", ttl)
}

func hashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}
