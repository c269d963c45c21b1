package stream

import (
	"errors"
	"sync"
)

var ErrAdmissionRefused = errors.New("stream: too many streams for client")

// ClientKey buckets streams by the caller's explicit id, or by address and
// user agent when it sent none.
func ClientKey(clientID, ip, userAgent string) string {
	if clientID != "" {
		return clientID
	}
	return ip + "|" + userAgent
}

type slot struct {
	evict func()
}

// Limiter caps concurrent streams per client key. When a key is full the
// oldest evictable stream is evicted to make room for the new one.
type Limiter struct {
	max int

	mu    sync.Mutex
	slots map[string][]*slot
}

// NewLimiter returns a Limiter allowing max streams per key. max <= 0 means
// no limit.
func NewLimiter(max int) *Limiter {
	return &Limiter{max: max, slots: make(map[string][]*slot)}
}

// Acquire admits a stream for key. evict is called, outside the limiter's
// lock, if the stream is later pushed out by a newer one; a nil evict marks
// the stream as not evictable. The returned release must be called when the
// stream ends and is safe to call more than once.
func (l *Limiter) Acquire(key string, evict func()) (func(), error) {
	l.mu.Lock()
	var evicted []func()
	if l.max > 0 {
		slots := l.slots[key]
		for len(slots) >= l.max {
			i := oldestEvictable(slots)
			if i < 0 {
				break
			}
			evicted = append(evicted, slots[i].evict)
			slots = append(slots[:i:i], slots[i+1:]...)
		}
		l.slots[key] = slots
		if len(slots) >= l.max {
			l.mu.Unlock()
			runAll(evicted)
			return nil, ErrAdmissionRefused
		}
	}

	s := &slot{evict: evict}
	l.slots[key] = append(l.slots[key], s)
	l.mu.Unlock()
	runAll(evicted)

	var once sync.Once
	return func() { once.Do(func() { l.release(key, s) }) }, nil
}

func (l *Limiter) release(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	slots := l.slots[key]
	for i, cur := range slots {
		if cur == s {
			slots = append(slots[:i:i], slots[i+1:]...)
			break
		}
	}
	if len(slots) == 0 {
		delete(l.slots, key)
		return
	}
	l.slots[key] = slots
}

// Count is the number of admitted streams for key.
func (l *Limiter) Count(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots[key])
}

// oldestEvictable returns the index of the first slot that can be evicted.
// Slots are kept in admission order.
func oldestEvictable(slots []*slot) int {
	for i, s := range slots {
		if s.evict != nil {
			return i
		}
	}
	return -1
}

func runAll(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}
