package buffer

import (
	"context"
	"fmt"
	"sync"

	"github.com/gofiber/contrib/websocket"
	"github.com/rs/zerolog"

	"github.com/moltty/termcast/internal/history"
	"github.com/moltty/termcast/internal/snapshot"
)

// feed delivers one local session to its viewers. A single goroutine does
// all the encoding and writing, so every viewer sees the same frame order:
// a full frame and the cached history chunk when it joins, diffs after that.
type feed struct {
	agg       *Aggregator
	sessionID string
	logger    zerolog.Logger

	refs int // guarded by agg.mu

	ready       chan struct{}
	err         error
	unsubscribe []func()

	notify   chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	mu sync.Mutex
	// members maps each viewer to whether it has had its full frame yet.
	members    map[*client]bool
	chunk      *history.Payload
	chunkDirty bool

	// owned by the delivery goroutine
	prev      *snapshot.Buffer
	sentChunk bool
	sentStart int64
}

func newFeed(a *Aggregator, sessionID string) *feed {
	return &feed{
		agg:       a,
		sessionID: sessionID,
		logger:    a.logger.With().Str("session", sessionID).Logger(),
		ready:     make(chan struct{}),
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
		members:   make(map[*client]bool),
	}
}

// subscribeLocal joins c to the session's feed, starting the feed on first use.
func (a *Aggregator) subscribeLocal(ctx context.Context, c *client, sessionID string) (func(), error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, ErrClosed
	}
	f, ok := a.feeds[sessionID]
	if !ok {
		f = newFeed(a, sessionID)
		a.feeds[sessionID] = f
	}
	f.refs++
	a.mu.Unlock()

	if !ok {
		f.start(ctx)
	} else {
		select {
		case <-f.ready:
		case <-ctx.Done():
			a.releaseFeed(f)
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		a.releaseFeed(f)
		return nil, f.err
	}

	if err := a.ack(c, sessionID, false); err != nil {
		a.releaseFeed(f)
		return nil, err
	}
	f.join(c)

	var once sync.Once
	return func() {
		once.Do(func() {
			f.leave(c)
			a.releaseFeed(f)
		})
	}, nil
}

func (a *Aggregator) releaseFeed(f *feed) {
	a.mu.Lock()
	f.refs--
	last := f.refs <= 0
	if last && a.feeds[f.sessionID] == f {
		delete(a.feeds, f.sessionID)
	}
	a.mu.Unlock()

	if last {
		f.stop()
	}
}

func (f *feed) start(ctx context.Context) {
	defer close(f.ready)

	unsubscribe, err := f.agg.screens.Subscribe(ctx, f.sessionID, f.poke)
	if err != nil {
		f.err = fmt.Errorf("attach session: %w", err)
		f.logger.Warn().Err(err).Msg("cannot start feed")
		return
	}
	f.unsubscribe = append(f.unsubscribe, unsubscribe)
	if f.agg.cache != nil {
		f.unsubscribe = append(f.unsubscribe, f.agg.cache.Subscribe(f.sessionID, f.onChunk))
	}
	go f.run()
	f.logger.Debug().Msg("feed started")
}

func (f *feed) stop() {
	f.stopOnce.Do(func() {
		close(f.done)
		for _, fn := range f.unsubscribe {
			fn()
		}
		f.logger.Debug().Msg("feed stopped")
	})
}

// poke schedules a delivery. Bursts of changes coalesce into one.
func (f *feed) poke() {
	select {
	case f.notify <- struct{}{}:
	default:
	}
}

func (f *feed) onChunk(chunk *history.CachedChunk) {
	f.mu.Lock()
	f.chunk = chunk.Payload
	f.chunkDirty = true
	f.mu.Unlock()
	f.poke()
}

func (f *feed) join(c *client) {
	f.mu.Lock()
	f.members[c] = false
	f.mu.Unlock()
	f.poke()
}

func (f *feed) leave(c *client) {
	f.mu.Lock()
	delete(f.members, c)
	f.mu.Unlock()
}

func (f *feed) requeue(c *client) {
	f.mu.Lock()
	_, ok := f.members[c]
	if ok {
		f.members[c] = false
	}
	f.mu.Unlock()
	if ok {
		f.poke()
	}
}

func (f *feed) run() {
	for {
		select {
		case <-f.done:
			return
		case <-f.notify:
		}
		f.deliver()
	}
}

func (f *feed) deliver() {
	snap, err := f.agg.screens.Snapshot(f.sessionID)
	if err != nil {
		f.logger.Debug().Err(err).Msg("no snapshot to deliver")
		return
	}

	f.mu.Lock()
	var joining, active []*client
	for c, primed := range f.members {
		if primed {
			active = append(active, c)
		} else {
			joining = append(joining, c)
		}
	}
	chunk, dirty := f.chunk, f.chunkDirty
	f.chunkDirty = false
	f.mu.Unlock()

	ctx := f.agg.ctx

	if len(active) > 0 && !snapshot.Unchanged(snap, f.prev) {
		frame, _, err := f.agg.runner.EncodeSnapshot(ctx, snap, f.prev)
		if err != nil {
			f.logger.Error().Err(err).Msg("encode frame")
			return
		}
		f.agg.broadcast(active, websocket.BinaryMessage, EncodeFrame(f.sessionID, frame))
	}

	var historyMsg []byte
	if chunk != nil {
		if historyMsg, err = historyMessage(f.sessionID, chunk); err != nil {
			f.logger.Error().Err(err).Msg("encode history")
			historyMsg = nil
		}
	}
	if historyMsg != nil {
		// Appends rebuild the chunk without moving its start; viewers only
		// need it again once a clear has moved the window.
		moved := !f.sentChunk || chunk.ChunkStartOffset != f.sentStart
		if dirty && moved && len(active) > 0 {
			f.agg.broadcast(active, websocket.TextMessage, historyMsg)
		}
		f.sentChunk, f.sentStart = true, chunk.ChunkStartOffset
	}

	if len(joining) > 0 {
		f.prime(ctx, snap, joining, historyMsg)
	}
	f.prev = snap
}

// prime sends joining viewers the full screen followed by the history chunk.
func (f *feed) prime(ctx context.Context, snap *snapshot.Buffer, joining []*client, historyMsg []byte) {
	frame, _, err := f.agg.runner.EncodeSnapshot(ctx, snap, nil)
	if err != nil {
		f.logger.Error().Err(err).Msg("encode full frame")
		return
	}
	full := EncodeFrame(f.sessionID, frame)

	var primed, failed []*client
	for _, c := range joining {
		if err := c.write(websocket.BinaryMessage, full); err != nil {
			failed = append(failed, c)
			continue
		}
		if historyMsg != nil {
			if err := c.write(websocket.TextMessage, historyMsg); err != nil {
				failed = append(failed, c)
				continue
			}
		}
		primed = append(primed, c)
	}

	f.mu.Lock()
	for _, c := range primed {
		if _, ok := f.members[c]; ok {
			f.members[c] = true
		}
	}
	f.mu.Unlock()

	for _, c := range failed {
		f.agg.drop(c)
	}
}
