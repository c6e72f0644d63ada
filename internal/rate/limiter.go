package rate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Config holds throttle tuning parameters.
type Config struct {
	// Interval is the time to earn one action back.
	Interval time.Duration
	// Burst is the number of actions allowed back to back.
	Burst int
	// MaxKeys bounds the Local backend's address set.
	MaxKeys int
}

// DefaultConfig allows one action per address per minute.
func DefaultConfig() Config {
	return Config{Interval: time.Minute, Burst: 1, MaxKeys: 4096}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.Burst <= 0 {
		c.Burst = def.Burst
	}
	if c.MaxKeys <= 0 {
		c.MaxKeys = def.MaxKeys
	}
	return c
}

// Throttle admits or rejects one action for key.
type Throttle interface {
	// Check consumes one action for key. It returns ErrRateLimited when the
	// key is over budget, or a backend error.
	Check(ctx context.Context, action, key string) error
}

// NormalizeKey folds an address into its throttle key.
func NormalizeKey(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Local is an in-process token-bucket throttle.
type Local struct {
	cfg     Config
	now     func() time.Time
	mu      sync.Mutex
	buckets *lru.Cache[string, *rate.Limiter]
}

// NewLocal creates a [Local] throttle.
func NewLocal(cfg Config, now func() time.Time) *Local {
	cfg = cfg.withDefaults()
	if now == nil {
		now = time.Now
	}
	// lru.New only fails for a non-positive size.
	cache, _ := lru.New[string, *rate.Limiter](cfg.MaxKeys)
	return &Local{cfg: cfg, now: now, buckets: cache}
}

// Check consumes one token from the action's bucket for key.
func (l *Local) Check(_ context.Context, action, key string) error {
	k := action + ":" + NormalizeKey(key)

	l.mu.Lock()
	lim, ok := l.buckets.Get(k)
	if !ok {
		lim = rate.NewLimiter(rate.Every(l.cfg.Interval), l.cfg.Burst)
		l.buckets.Add(k, lim)
	}
	l.mu.Unlock()

	if !lim.AllowN(l.now(), 1) {
		return ErrRateLimited
	}
	return nil
}

// Len returns the number of tracked keys.
func (l *Local) Len() int {
	return l.buckets.Len()
}

// Redis is a fixed-window throttle shared through Redis.
type Redis struct {
	redis redis.UniversalClient
	cfg   Config
}

// NewRedis creates a [Redis] throttle. Each window lasts Interval*Burst and
// admits Burst actions.
func NewRedis(client redis.UniversalClient, cfg Config) *Redis {
	return &Redis{redis: client, cfg: cfg.withDefaults()}
}

// Check increments the window counter for key.
func (r *Redis) Check(ctx context.Context, action, key string) error {
	window := r.cfg.Interval * time.Duration(r.cfg.Burst)
	count, err := r.incrementWithTTL(ctx, throttleKey(action, key), window)
	if err != nil {
		return err
	}
	if count > int64(r.cfg.Burst) {
		return ErrRateLimited
	}
	return nil
}

// incrementLua bumps the window counter and sets its TTL in one step. A key
// left without a TTL gets one on the next hit instead of throttling forever.
//
//	KEYS[1] counter key
//	ARGV[1] window in milliseconds
var incrementLua = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if redis.call('PTTL', KEYS[1]) < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return count
`)

func (r *Redis) incrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := incrementLua.Run(ctx, r.redis, []string{key}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return count, nil
}

func throttleKey(action, email string) string {
	sum := sha256.Sum256([]byte(NormalizeKey(email)))
	return "aet:" + action + ":" + hex.EncodeToString(sum[:16])
}
