// Package stream serves session recordings over server-sent events: the
// replay from the last clear, then live events until the session exits or
// the client goes away. It also serves older history pages.
package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/moltty/termcast/internal/asciinema"
	"github.com/moltty/termcast/internal/auth"
	"github.com/moltty/termcast/internal/history"
	"github.com/moltty/termcast/internal/logging"
	"github.com/moltty/termcast/internal/tail"
)

const (
	defaultKeepAlive = 15 * time.Second
	// maxQueued bounds how far a stream may fall behind before it is cut.
	maxQueued = 10000
)

var errSlowConsumer = errors.New("stream: client fell too far behind")

// Source replays and tails recordings; *tail.Watcher implements it.
type Source interface {
	AddClient(ctx context.Context, sessionID string, l tail.Listener, tailLines int) error
	RemoveClient(sessionID string, l tail.Listener)
	Page(ctx context.Context, sessionID string, from, to int64) (*history.Payload, error)
}

// Authorizer fails when subject may not view sessionID.
type Authorizer func(ctx context.Context, subject, sessionID string) error

type Handler struct {
	source    Source
	authorize Authorizer
	limiter   *Limiter
	clock     clock.Clock
	keepAlive time.Duration
	logger    zerolog.Logger
}

type Option func(*Handler)

func WithClock(c clock.Clock) Option { return func(h *Handler) { h.clock = c } }

func WithKeepAlive(d time.Duration) Option { return func(h *Handler) { h.keepAlive = d } }

func NewHandler(source Source, authorize Authorizer, limiter *Limiter, opts ...Option) *Handler {
	h := &Handler{
		source:    source,
		authorize: authorize,
		limiter:   limiter,
		clock:     clock.New(),
		keepAlive: defaultKeepAlive,
		logger:    logging.Component("stream"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type sseEvent struct {
	name string
	data []byte
}

// listener queues a session's events for the response writer. The tail
// watcher delivers the replay synchronously, before the body is written,
// so the queue must not block.
type listener struct {
	mu      sync.Mutex
	queue   []sseEvent
	closed  bool
	evicted bool
	wake    chan struct{}
}

func newListener() *listener {
	return &listener{wake: make(chan struct{}, 1)}
}

func (l *listener) Header(h asciinema.Header) error {
	data, err := json.Marshal(h)
	if err != nil {
		return err
	}
	return l.push(sseEvent{name: "header", data: data})
}

func (l *listener) Event(ev asciinema.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return l.push(sseEvent{name: eventName(ev.Kind), data: data})
}

func (l *listener) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.signal()
}

// evict ends the stream to make room for a newer one from the same client.
func (l *listener) evict() {
	l.mu.Lock()
	l.evicted = true
	l.closed = true
	l.mu.Unlock()
	l.signal()
}

func (l *listener) push(e sseEvent) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return tail.ErrClosed
	}
	if len(l.queue) >= maxQueued {
		l.closed = true
		l.mu.Unlock()
		l.signal()
		return errSlowConsumer
	}
	l.queue = append(l.queue, e)
	l.mu.Unlock()
	l.signal()
	return nil
}

func (l *listener) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *listener) drain() (events []sseEvent, closed, evicted bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	events, l.queue = l.queue, nil
	return events, l.closed, l.evicted
}

func eventName(k asciinema.Kind) string {
	switch k {
	case asciinema.KindOutput:
		return "output"
	case asciinema.KindInput:
		return "input"
	case asciinema.KindResize:
		return "resize"
	case asciinema.KindExit:
		return "exit"
	}
	return "message"
}

// Stream serves GET /api/sessions/:id/stream?tail=N.
func (h *Handler) Stream(c *fiber.Ctx) error {
	sessionID := c.Params("id")
	if err := h.authorize(c.UserContext(), auth.Subject(c), sessionID); err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "session not found"})
	}
	tailLines := c.QueryInt("tail", 0)
	if tailLines < 0 {
		tailLines = 0
	}

	key := ClientKey(c.Get("X-Client-ID"), c.IP(), c.Get(fiber.HeaderUserAgent))
	l := newListener()
	release, err := h.limiter.Acquire(key, l.evict)
	if err != nil {
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": err.Error()})
	}

	if err := h.source.AddClient(c.UserContext(), sessionID, l, tailLines); err != nil {
		release()
		h.logger.Warn().Err(err).Str("session", sessionID).Msg("cannot stream recording")
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "recording unavailable"})
	}

	log := h.logger.With().Str("session", sessionID).Str("client", key).Logger()
	log.Debug().Int("tail", tailLines).Msg("stream opened")

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")
	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer release()
		defer h.source.RemoveClient(sessionID, l)
		if err := h.pump(w, l); err != nil {
			log.Debug().Err(err).Msg("stream closed by client")
			return
		}
		log.Debug().Msg("stream finished")
	})
	return nil
}

func (h *Handler) pump(w *bufio.Writer, l *listener) error {
	ticker := h.clock.Ticker(h.keepAlive)
	defer ticker.Stop()

	for {
		events, closed, evicted := l.drain()
		for _, e := range events {
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.name, e.data); err != nil {
				return err
			}
		}
		if evicted {
			if _, err := w.WriteString("event: evicted\ndata: {}\n\n"); err != nil {
				return err
			}
		}
		if len(events) > 0 || closed {
			if err := w.Flush(); err != nil {
				return err
			}
		}
		if closed {
			return nil
		}

		select {
		case <-l.wake:
		case <-ticker.C:
			if _, err := w.WriteString(": keepalive\n\n"); err != nil {
				return err
			}
			if err := w.Flush(); err != nil {
				return err
			}
		}
	}
}

// History serves GET /api/sessions/:id/history?from=&to=, the page of events
// between two byte offsets of the recording.
func (h *Handler) History(c *fiber.Ctx) error {
	sessionID := c.Params("id")
	if err := h.authorize(c.UserContext(), auth.Subject(c), sessionID); err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "session not found"})
	}

	from, errFrom := strconv.ParseInt(c.Query("from"), 10, 64)
	to, errTo := strconv.ParseInt(c.Query("to"), 10, 64)
	if errFrom != nil || errTo != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "from and to must be byte offsets"})
	}

	payload, err := h.source.Page(c.UserContext(), sessionID, from, to)
	if errors.Is(err, tail.ErrBadRange) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	if err != nil {
		h.logger.Error().Err(err).Str("session", sessionID).Msg("history page failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to read history"})
	}
	return c.JSON(fiber.Map{"type": "history", "sessionId": sessionID, "payload": payload})
}
