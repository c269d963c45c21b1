package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/moltty/termcast/internal/logging"
)

const (
	keyPrefix     = "termcast:history:"
	updateChannel = "termcast:history:updates"
)

// RedisCache shares chunks between server processes. Every write is paired
// with a publish so subscribers in other processes observe it. When Redis is
// unreachable, reads and writes fall back to a process-local cache.
type RedisCache struct {
	client *redis.Client
	pubsub *redis.PubSub
	ttl    time.Duration
	subs   *subscribers
	local  *LocalCache
	enc    *zstd.Encoder
	dec    *zstd.Decoder
	logger zerolog.Logger
	wg     sync.WaitGroup

	mu sync.Mutex
	// unsynced holds sessions whose last write reached only the local cache.
	unsynced map[string]bool
}

// NewCache selects the backend: an empty url yields a LocalCache; otherwise
// a RedisCache is dialed, and a failed connection is logged and replaced by a
// LocalCache.
func NewCache(ctx context.Context, url string, ttl time.Duration) Cache {
	logger := logging.Component("history-cache")
	if url == "" {
		return NewLocalCache(ttl, nil)
	}
	rc, err := NewRedisCache(ctx, url, ttl)
	if err != nil {
		logger.Warn().Err(err).Msg("redis unavailable, using process-local history cache")
		return NewLocalCache(ttl, nil)
	}
	logger.Info().Msg("using redis history cache")
	return rc
}

// NewRedisCache connects to url (redis://...) and starts the update listener.
func NewRedisCache(ctx context.Context, url string, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return newRedisCache(ctx, client, ttl)
}

func newRedisCache(ctx context.Context, client *redis.Client, ttl time.Duration) (*RedisCache, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}

	c := &RedisCache{
		client: client,
		ttl:    ttl,
		subs:   newSubscribers(),
		local:  NewLocalCache(ttl, nil),
		enc:    enc,
		dec:    dec,
		logger: logging.Component("history-cache"),

		unsynced: make(map[string]bool),
	}

	c.pubsub = client.Subscribe(ctx, updateChannel)
	// Wait for the subscription confirmation so no publish is missed.
	if _, err := c.pubsub.Receive(ctx); err != nil {
		_ = c.pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", updateChannel, err)
	}

	c.wg.Add(1)
	go c.listen()
	return c, nil
}

func (c *RedisCache) listen() {
	defer c.wg.Done()
	for msg := range c.pubsub.Channel() {
		chunk, err := c.decode([]byte(msg.Payload))
		if err != nil {
			c.logger.Warn().Err(err).Msg("dropping undecodable history update")
			continue
		}
		c.subs.publish(chunk)
	}
}

func (c *RedisCache) encode(chunk *CachedChunk) ([]byte, error) {
	raw, err := json.Marshal(chunk)
	if err != nil {
		return nil, err
	}
	return c.enc.EncodeAll(raw, nil), nil
}

func (c *RedisCache) decode(b []byte) (*CachedChunk, error) {
	raw, err := c.dec.DecodeAll(b, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress chunk: %w", err)
	}
	var chunk CachedChunk
	if err := json.Unmarshal(raw, &chunk); err != nil {
		return nil, fmt.Errorf("decode chunk: %w", err)
	}
	return &chunk, nil
}

func (c *RedisCache) Get(ctx context.Context, sessionID string) (*CachedChunk, error) {
	b, err := c.client.Get(ctx, keyPrefix+sessionID).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		if c.isUnsynced(sessionID) {
			return c.local.Get(ctx, sessionID)
		}
		return nil, nil
	case err != nil:
		c.logger.Warn().Err(err).Str("session", sessionID).Msg("redis get failed, reading local cache")
		return c.local.Get(ctx, sessionID)
	}
	return c.decode(b)
}

func (c *RedisCache) Set(ctx context.Context, sessionID string, payload *Payload) error {
	chunk := c.local.store(sessionID, payload)
	b, err := c.encode(chunk)
	if err != nil {
		return fmt.Errorf("encode chunk: %w", err)
	}

	_, err = c.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, keyPrefix+sessionID, b, c.ttl)
		p.Publish(ctx, updateChannel, b)
		return nil
	})
	c.setUnsynced(sessionID, err != nil)
	if err != nil {
		c.logger.Warn().Err(err).Str("session", sessionID).Msg("redis write failed, notifying local subscribers only")
		c.subs.publish(chunk)
	}
	return nil
}

func (c *RedisCache) setUnsynced(sessionID string, v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v {
		c.unsynced[sessionID] = true
	} else {
		delete(c.unsynced, sessionID)
	}
}

func (c *RedisCache) isUnsynced(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unsynced[sessionID]
}

func (c *RedisCache) Delete(ctx context.Context, sessionID string) error {
	_ = c.local.Delete(ctx, sessionID)
	c.setUnsynced(sessionID, false)
	if err := c.client.Del(ctx, keyPrefix+sessionID).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (c *RedisCache) Subscribe(sessionID string, fn func(*CachedChunk)) func() {
	unsubscribe := c.subs.add(sessionID, fn)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	last, err := c.Get(ctx, sessionID)
	if err != nil {
		c.logger.Warn().Err(err).Str("session", sessionID).Msg("cannot load last history chunk")
	}
	if last != nil {
		fn(last)
	}
	return unsubscribe
}

func (c *RedisCache) Close() error {
	err := c.pubsub.Close()
	c.wg.Wait()
	c.dec.Close()
	_ = c.enc.Close()
	if cerr := c.client.Close(); err == nil {
		err = cerr
	}
	return err
}
