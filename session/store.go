package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrStoreUnavailable wraps persistence backend failures.
var ErrStoreUnavailable = errors.New("session store unavailable")

// DefaultKey is the storage key used when none is configured.
const DefaultKey = "authgate:session"

// Store is the persistence capability behind a [Manager]. It holds at most
// one session record.
//
// Load returns (nil, nil) when no record exists or the record cannot be
// decoded. A non-nil error means the backend itself could not be reached.
type Store interface {
	Save(ctx context.Context, s *Session) error
	Load(ctx context.Context) (*Session, error)
	Clear(ctx context.Context) error
}

// RedisStore persists the session record in Redis under a fixed key whose
// TTL tracks the session's expiry.
type RedisStore struct {
	redis redis.UniversalClient
	key   string
	now   func() time.Time
}

// NewRedisStore creates a [RedisStore]. An empty key selects [DefaultKey].
func NewRedisStore(client redis.UniversalClient, key string) *RedisStore {
	if key == "" {
		key = DefaultKey
	}
	return &RedisStore{redis: client, key: key, now: time.Now}
}

// Key returns the Redis key holding the record.
func (s *RedisStore) Key() string { return s.key }

// Save writes the record with TTL equal to the remaining session lifetime. An
// already-expired session deletes the key instead.
//
//	Performance: 1 Redis SET (or DEL).
func (s *RedisStore) Save(ctx context.Context, sess *Session) error {
	data, err := Encode(sess)
	if err != nil {
		return err
	}

	ttl := sess.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return s.Clear(ctx)
	}
	// Redis expiries have millisecond resolution.
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}

	if err := s.redis.Set(ctx, s.key, data, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Load reads the record.
//
//	Performance: 1 Redis GET.
func (s *RedisStore) Load(ctx context.Context) (*Session, error) {
	data, err := s.redis.Get(ctx, s.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	sess, err := Decode(data)
	if err != nil {
		return nil, nil
	}
	return sess, nil
}

// Clear deletes the record. Deleting a missing record is not an error.
//
//	Performance: 1 Redis DEL.
func (s *RedisStore) Clear(ctx context.Context) error {
	if err := s.redis.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Ping returns a point-in-time Redis availability check and latency.
func (s *RedisStore) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return time.Since(start), fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return time.Since(start), nil
}

// MemoryStore keeps the encoded record in process memory. It is the default
// when no Redis client is configured, and it never fails.
type MemoryStore struct {
	mu   sync.Mutex
	data []byte
}

// NewMemoryStore returns an empty [MemoryStore].
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Save(_ context.Context, sess *Session) error {
	data, err := Encode(sess)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.data = data
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Load(context.Context) (*Session, error) {
	m.mu.Lock()
	data := m.data
	m.mu.Unlock()
	if data == nil {
		return nil, nil
	}
	sess, err := Decode(data)
	if err != nil {
		return nil, nil
	}
	return sess, nil
}

func (m *MemoryStore) Clear(context.Context) error {
	m.mu.Lock()
	m.data = nil
	m.mu.Unlock()
	return nil
}

// Raw returns a copy of the stored record, or nil.
func (m *MemoryStore) Raw() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		return nil
	}
	return append([]byte(nil), m.data...)
}

// SetRaw replaces the stored record verbatim.
func (m *MemoryStore) SetRaw(data []byte) {
	m.mu.Lock()
	m.data = append([]byte(nil), data...)
	m.mu.Unlock()
}
