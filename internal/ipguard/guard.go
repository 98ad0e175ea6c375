package ipguard

import (
	"context"
	"time"

	"dormauth/internal/config"
	"dormauth/internal/util"
)

// Store is the shared attempt/block state behind the guard. Counters and
// blocks are independent records: expiry of one never implies expiry of
// the other. Implementations must make IncrAttempts and IncrStrikes
// atomic increments.
type Store interface {
	// IncrAttempts bumps the fixed-window counter for ip, creating it
	// with the window TTL when absent, and returns the new count.
	IncrAttempts(ctx context.Context, ip string, window time.Duration) (int64, error)
	// GetBlock returns the active block deadline for ip, if any.
	GetBlock(ctx context.Context, ip string) (time.Time, bool, error)
	// PutBlock records a block on ip until the given deadline.
	PutBlock(ctx context.Context, ip string, until time.Time) error
	// IncrStrikes bumps the repeat-offender counter used for block
	// escalation and returns the new value.
	IncrStrikes(ctx context.Context, ip string, ttl time.Duration) (int64, error)
}

// strikeMemory is how long an IP's escalation history outlives its blocks.
const strikeMemory = 24 * time.Hour

// Guard applies the per-IP gate in front of the login surface: a fixed
// attempt window plus an explicit block list with escalating durations.
type Guard struct {
	store     Store
	window    time.Duration
	threshold int
	blockBase time.Duration
	blockMax  time.Duration
	now       func() time.Time
}

func New(store Store, cfg *config.AuthConfig) *Guard {
	return &Guard{
		store:     store,
		window:    cfg.IPWindow,
		threshold: cfg.IPThreshold,
		blockBase: cfg.IPBlockBase,
		blockMax:  cfg.IPBlockMax,
		now:       time.Now,
	}
}

// IsBlocked reports whether ip is under an active block and, if so, how
// long until it lifts.
func (g *Guard) IsBlocked(ctx context.Context, ip string) (bool, time.Duration, error) {
	until, ok, err := g.store.GetBlock(ctx, ip)
	if err != nil {
		return false, 0, err
	}
	now := g.now()
	if !ok || !until.After(now) {
		return false, 0, nil
	}
	return true, until.Sub(now), nil
}

// RecordAttempt counts one login attempt from ip. When the window count
// crosses the threshold the IP is blocked and false is returned; the
// attempt that trips the limit is itself rejected.
func (g *Guard) RecordAttempt(ctx context.Context, ip string) (bool, error) {
	count, err := g.store.IncrAttempts(ctx, ip, g.window)
	if err != nil {
		return false, err
	}
	if count <= int64(g.threshold) {
		return true, nil
	}

	dur, err := g.escalatedDuration(ctx, ip)
	if err != nil {
		return false, err
	}
	if err := g.Block(ctx, ip, dur); err != nil {
		return false, err
	}
	util.Warn("ip blocked after excessive login attempts",
		util.String("ip", ip),
		util.Int("attempts", int(count)),
		util.Duration("block", dur))
	return false, nil
}

// Block places ip under an explicit block for the given duration.
func (g *Guard) Block(ctx context.Context, ip string, d time.Duration) error {
	return g.store.PutBlock(ctx, ip, g.now().Add(d))
}

// escalatedDuration doubles the base block per prior strike, capped at
// the configured maximum.
func (g *Guard) escalatedDuration(ctx context.Context, ip string) (time.Duration, error) {
	strikes, err := g.store.IncrStrikes(ctx, ip, strikeMemory)
	if err != nil {
		return 0, err
	}
	dur := g.blockBase
	for i := int64(1); i < strikes; i++ {
		dur *= 2
		if dur >= g.blockMax {
			return g.blockMax, nil
		}
	}
	return dur, nil
}
