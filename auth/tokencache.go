package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// TokenCacheKeySuffix completes the session key for a user's serialized
// token cache.
const TokenCacheKeySuffix = "_TokenCache"

// SessionStore is the external session storage collaborator backing the
// token cache. Get returns (nil, nil) when no value exists for the key.
type SessionStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
}

// SessionTokenCache is a per-user, session-scoped cache of serialized token
// material, keyed by user object id. One instance exists per user per
// request; the persisted blob under {userObjectID}_TokenCache is shared by
// every request in the same session, so each access is bracketed by
// BeforeAccess/AfterAccess to pick up concurrent updates.
//
// The backing store has no atomic update primitive, so every load and
// persist is serialized under the instance lock. The lock is scoped to the
// cache instance, not the process: unrelated users' sessions never contend.
type SessionTokenCache struct {
	userObjectID string
	key          string
	store        SessionStore
	logger       *slog.Logger

	mu      sync.Mutex
	entries map[string][]byte
	dirty   bool
}

// NewSessionTokenCache builds the cache for one user's session.
func NewSessionTokenCache(userObjectID string, store SessionStore, logger *slog.Logger) *SessionTokenCache {
	return &SessionTokenCache{
		userObjectID: userObjectID,
		key:          userObjectID + TokenCacheKeySuffix,
		store:        store,
		logger:       logger,
		entries:      make(map[string][]byte),
	}
}

// Key returns the session-store key this cache persists under.
func (c *SessionTokenCache) Key() string { return c.key }

// Load replaces the in-memory cache with the persisted blob. A missing
// blob is a cold start, not an error: the cache comes up empty.
func (c *SessionTokenCache) Load(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadLocked(ctx)
}

func (c *SessionTokenCache) loadLocked(ctx context.Context) error {
	blob, err := c.store.Get(ctx, c.key)
	if err != nil {
		return fmt.Errorf("load token cache %q: %w", c.key, err)
	}
	if blob == nil {
		c.entries = make(map[string][]byte)
		return nil
	}
	entries := make(map[string][]byte)
	if err := json.Unmarshal(blob, &entries); err != nil {
		return fmt.Errorf("deserialize token cache %q: %w", c.key, err)
	}
	c.entries = entries
	return nil
}

// BeforeAccess must run immediately before any read or write of token
// material. It always reloads: the same user may have updated the
// persisted cache from a concurrent request in this session.
func (c *SessionTokenCache) BeforeAccess(ctx context.Context) error {
	return c.Load(ctx)
}

// AfterAccess must run immediately after any access. It persists only when
// the access dirtied the cache; a clean cache writes nothing. On persist
// failure the dirty flag stays set so a future AfterAccess retries.
func (c *SessionTokenCache) AfterAccess(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.dirty {
		return nil
	}
	return c.persistLocked(ctx)
}

func (c *SessionTokenCache) persistLocked(ctx context.Context) error {
	blob, err := json.Marshal(c.entries)
	if err != nil {
		return &TokenCachePersistError{Key: c.key, Err: err}
	}
	if err := c.store.Set(ctx, c.key, blob); err != nil {
		return &TokenCachePersistError{Key: c.key, Err: err}
	}
	c.dirty = false
	return nil
}

// Get returns the serialized token material for a user object id.
func (c *SessionTokenCache) Get(userObjectID string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	blob, ok := c.entries[userObjectID]
	return blob, ok
}

// Put stores serialized token material and marks the cache dirty. At most
// one entry exists per user object id; a second Put replaces the first.
func (c *SessionTokenCache) Put(userObjectID string, blob []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[userObjectID] = blob
	c.dirty = true
}

// Delete removes one entry and persists immediately. Deletion is terminal
// and must not be lost, so it does not wait for AfterAccess.
func (c *SessionTokenCache) Delete(ctx context.Context, userObjectID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[userObjectID]; !ok {
		return nil
	}
	delete(c.entries, userObjectID)
	c.dirty = true
	return c.persistLocked(ctx)
}

// Clear empties the in-memory cache and removes the persisted blob. Used
// on explicit sign-out.
func (c *SessionTokenCache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string][]byte)
	c.dirty = false
	if err := c.store.Remove(ctx, c.key); err != nil {
		return fmt.Errorf("remove token cache %q: %w", c.key, err)
	}
	return nil
}
