package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"b2cauth/auth"
)

// MemorySessionStore is the in-process auth.SessionStore used in dev mode
// and tests. Values are copied on the way in and out so callers cannot
// alias the stored slices.
type MemorySessionStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemorySessionStore constructs an empty store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{data: make(map[string][]byte)}
}

// Get returns the stored value, or (nil, nil) when the key is absent.
func (s *MemorySessionStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	val, ok := s.data[key]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(val))
	copy(out, val)
	return out, nil
}

// Set stores a value under key.
func (s *MemorySessionStore) Set(ctx context.Context, key string, value []byte) error {
	stored := make([]byte, len(value))
	copy(stored, value)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = stored
	return nil
}

// Remove deletes a key.
func (s *MemorySessionStore) Remove(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// RedisSessionStore backs the token cache with Redis so session state
// survives process restarts and is shared across instances.
type RedisSessionStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisSessionStore parses the URL, connects, and verifies the
// connection with a ping. A zero ttl stores values without expiry.
func NewRedisSessionStore(url string, ttl time.Duration) (*RedisSessionStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &RedisSessionStore{client: client, ttl: ttl}, nil
}

// Get returns the stored value, or (nil, nil) when the key is absent.
func (s *RedisSessionStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

// Set stores a value under key with the configured expiry.
func (s *RedisSessionStore) Set(ctx context.Context, key string, value []byte) error {
	return s.client.Set(ctx, key, value, s.ttl).Err()
}

// Remove deletes a key.
func (s *RedisSessionStore) Remove(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

// Close releases the Redis connection.
func (s *RedisSessionStore) Close() error {
	return s.client.Close()
}

// PendingAuth tracks an authentication transaction between the challenge
// redirect and the provider callback, keyed by the state parameter.
type PendingAuth struct {
	State     string
	Nonce     string
	Kind      auth.ChallengeKind
	Tx        *auth.Transaction
	CreatedAt time.Time
}

const pendingAuthTTL = 10 * time.Minute

// PendingStore holds in-flight transactions. Entries are single-use and
// expire if the callback never arrives.
type PendingStore struct {
	mu sync.Mutex
	m  map[string]PendingAuth
}

// NewPendingStore constructs the store.
func NewPendingStore() *PendingStore {
	return &PendingStore{m: make(map[string]PendingAuth)}
}

// NewID generates a random identifier for state and nonce values.
func (s *PendingStore) NewID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return hex.EncodeToString([]byte("fallbackid"))
	}
	return hex.EncodeToString(buf)
}

// Save stores an in-flight transaction and prunes expired siblings.
func (s *PendingStore) Save(p PendingAuth) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-pendingAuthTTL)
	for k, v := range s.m {
		if v.CreatedAt.Before(cutoff) {
			delete(s.m, k)
		}
	}
	s.m[p.State] = p
}

// Consume retrieves and removes an in-flight transaction.
func (s *PendingStore) Consume(state string) (PendingAuth, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.m[state]
	if !ok {
		return PendingAuth{}, false
	}
	delete(s.m, state)
	if time.Since(p.CreatedAt) > pendingAuthTTL {
		return PendingAuth{}, false
	}
	return p, true
}
