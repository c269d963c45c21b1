package history

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultTTL is how long a chunk survives without being refreshed.
const DefaultTTL = 600 * time.Second

// Cache stores the most recent chunk per session and notifies subscribers
// when it changes. Implementations are chosen at construction time; callers
// must not assume cross-process visibility unless they built a RedisCache.
type Cache interface {
	// Get returns the cached chunk, or nil if none is cached.
	Get(ctx context.Context, sessionID string) (*CachedChunk, error)
	Set(ctx context.Context, sessionID string, payload *Payload) error
	Delete(ctx context.Context, sessionID string) error
	// Subscribe registers fn for updates to sessionID. If a chunk is cached,
	// fn is invoked with it before Subscribe returns. The returned function
	// removes the subscription and is safe to call more than once.
	Subscribe(sessionID string, fn func(*CachedChunk)) (unsubscribe func())
	Close() error
}

// subscribers is the callback registry shared by both implementations.
type subscribers struct {
	mu     sync.Mutex
	nextID uint64
	byID   map[string]map[uint64]func(*CachedChunk)
}

func newSubscribers() *subscribers {
	return &subscribers{byID: make(map[string]map[uint64]func(*CachedChunk))}
}

func (s *subscribers) add(sessionID string, fn func(*CachedChunk)) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	set, ok := s.byID[sessionID]
	if !ok {
		set = make(map[uint64]func(*CachedChunk))
		s.byID[sessionID] = set
	}
	set[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if set, ok := s.byID[sessionID]; ok {
				delete(set, id)
				if len(set) == 0 {
					delete(s.byID, sessionID)
				}
			}
		})
	}
}

func (s *subscribers) publish(chunk *CachedChunk) {
	s.mu.Lock()
	fns := make([]func(*CachedChunk), 0, len(s.byID[chunk.SessionID]))
	for _, fn := range s.byID[chunk.SessionID] {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(chunk)
	}
}

type localEntry struct {
	chunk   *CachedChunk
	expires time.Time
}

// LocalCache keeps chunks in process memory.
type LocalCache struct {
	mu      sync.Mutex
	entries map[string]localEntry
	ttl     time.Duration
	clock   clock.Clock
	subs    *subscribers
}

// NewLocalCache returns an in-process cache. A zero ttl selects DefaultTTL;
// a nil clock selects the wall clock.
func NewLocalCache(ttl time.Duration, clk clock.Clock) *LocalCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clk == nil {
		clk = clock.New()
	}
	return &LocalCache{
		entries: make(map[string]localEntry),
		ttl:     ttl,
		clock:   clk,
		subs:    newSubscribers(),
	}
}

func (c *LocalCache) Get(_ context.Context, sessionID string) (*CachedChunk, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(sessionID), nil
}

func (c *LocalCache) getLocked(sessionID string) *CachedChunk {
	e, ok := c.entries[sessionID]
	if !ok {
		return nil
	}
	if !c.clock.Now().Before(e.expires) {
		delete(c.entries, sessionID)
		return nil
	}
	return e.chunk
}

func (c *LocalCache) Set(_ context.Context, sessionID string, payload *Payload) error {
	chunk := c.store(sessionID, payload)
	c.subs.publish(chunk)
	return nil
}

func (c *LocalCache) store(sessionID string, payload *Payload) *CachedChunk {
	now := c.clock.Now()
	chunk := &CachedChunk{SessionID: sessionID, Payload: payload, UpdatedAt: now}

	c.mu.Lock()
	c.entries[sessionID] = localEntry{chunk: chunk, expires: now.Add(c.ttl)}
	for id, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, id)
		}
	}
	c.mu.Unlock()
	return chunk
}

func (c *LocalCache) Delete(_ context.Context, sessionID string) error {
	c.mu.Lock()
	delete(c.entries, sessionID)
	c.mu.Unlock()
	return nil
}

func (c *LocalCache) Subscribe(sessionID string, fn func(*CachedChunk)) func() {
	unsubscribe := c.subs.add(sessionID, fn)

	c.mu.Lock()
	last := c.getLocked(sessionID)
	c.mu.Unlock()
	if last != nil {
		fn(last)
	}
	return unsubscribe
}

func (c *LocalCache) Close() error { return nil }
