// Package buffer fans encoded terminal snapshots out to websocket viewers.
// Sessions recorded on this server are rendered from their local screen;
// sessions hosted elsewhere are relayed from one shared upstream connection
// per remote server.
package buffer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/moltty/termcast/internal/history"
	"github.com/moltty/termcast/internal/logging"
	"github.com/moltty/termcast/internal/offload"
	"github.com/moltty/termcast/internal/snapshot"
)

// DefaultIdleTimeout is how long an upstream stays open without sessions.
const DefaultIdleTimeout = 30 * time.Second

var ErrClosed = errors.New("buffer: aggregator closed")

// Conn is the part of a websocket connection the aggregator uses. The
// gofiber and gorilla connection types both satisfy it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Screens renders local sessions; *terminal.Manager implements it.
type Screens interface {
	Subscribe(ctx context.Context, sessionID string, onChange func()) (func(), error)
	Snapshot(sessionID string) (*snapshot.Buffer, error)
}

// Remote is another server whose sessions are relayed through this one.
type Remote struct {
	ID    string
	URL   string // websocket URL of the remote's buffer endpoint
	Token string // static credential; a service token is used when empty
}

// Registry resolves which server hosts a session on behalf of subject.
// A nil Remote means the session is local.
type Registry interface {
	Locate(ctx context.Context, subject, sessionID string) (*Remote, error)
}

// Aggregator owns every viewer connection, local session feed and upstream
// link of the process.
type Aggregator struct {
	screens  Screens
	registry Registry
	cache    history.Cache
	runner   *offload.Runner
	clock    clock.Clock
	dialer   Dialer
	token    func(remoteID string) (string, error)
	idle     time.Duration
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	clients   map[*client]struct{}
	feeds     map[string]*feed
	upstreams map[string]*upstream
	closed    bool

	dials singleflight.Group
}

type Option func(*Aggregator)

// WithCache makes new subscribers receive the session's cached history chunk.
func WithCache(c history.Cache) Option { return func(a *Aggregator) { a.cache = c } }

func WithRunner(r *offload.Runner) Option { return func(a *Aggregator) { a.runner = r } }

func WithClock(c clock.Clock) Option { return func(a *Aggregator) { a.clock = c } }

func WithDialer(d Dialer) Option { return func(a *Aggregator) { a.dialer = d } }

// WithServiceToken supplies credentials for remotes that have no static token.
func WithServiceToken(fn func(remoteID string) (string, error)) Option {
	return func(a *Aggregator) { a.token = fn }
}

func WithIdleTimeout(d time.Duration) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.idle = d
		}
	}
}

func New(screens Screens, registry Registry, opts ...Option) *Aggregator {
	a := &Aggregator{
		screens:   screens,
		registry:  registry,
		runner:    offload.NewRunner(nil),
		clock:     clock.New(),
		dialer:    NewDialer(),
		idle:      DefaultIdleTimeout,
		logger:    logging.Component("buffer"),
		clients:   make(map[*client]struct{}),
		feeds:     make(map[string]*feed),
		upstreams: make(map[string]*upstream),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.ctx, a.cancel = context.WithCancel(context.Background())
	return a
}

// client is one viewer connection.
type client struct {
	id      string
	subject string
	conn    Conn
	writeMu sync.Mutex

	mu     sync.Mutex
	subs   map[string]func()
	closed bool
}

func (c *client) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(messageType, data)
}

func (c *client) writeJSON(msg ServerMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.write(websocket.TextMessage, data)
}

// Handler upgrades /buffers requests. It expects the authenticated subject
// in c.Locals("subject"), as set by auth.UpgradeMiddleware.
func (a *Aggregator) Handler() fiber.Handler {
	return websocket.New(func(c *websocket.Conn) {
		subject, _ := c.Locals("subject").(string)
		a.HandleClientConnection(c, subject)
	})
}

// HandleClientConnection serves one viewer until its connection fails.
// Every subscription it made is released on return.
func (a *Aggregator) HandleClientConnection(conn Conn, subject string) {
	c := &client{
		id:      uuid.NewString(),
		subject: subject,
		conn:    conn,
		subs:    make(map[string]func()),
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		_ = conn.Close()
		return
	}
	a.clients[c] = struct{}{}
	a.mu.Unlock()
	defer a.drop(c)

	log := a.logger.With().Str("client", c.id).Logger()
	log.Debug().Str("subject", subject).Msg("viewer connected")

	if err := c.writeJSON(ServerMessage{Type: TypeConnected, Version: ProtocolVersion}); err != nil {
		return
	}
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			log.Debug().Err(err).Msg("viewer disconnected")
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		a.handleMessage(c, data)
	}
}

func (a *Aggregator) handleMessage(c *client, data []byte) {
	msg, err := parseClientMessage(data)
	if err != nil {
		a.sendError(c, err)
		return
	}

	switch msg.Type {
	case TypePing:
		if err := c.writeJSON(ServerMessage{Type: TypePong, Timestamp: a.clock.Now().UnixMilli()}); err != nil {
			a.drop(c)
		}
	case TypeSubscribe:
		if err := a.subscribe(a.ctx, c, msg.SessionID); err != nil {
			a.sendError(c, err)
		}
	case TypeUnsubscribe:
		a.unsubscribe(c, msg.SessionID)
	case TypeResync:
		a.resync(c, msg.SessionID)
	}
}

func (a *Aggregator) sendError(c *client, err error) {
	if werr := c.writeJSON(ServerMessage{Type: TypeError, Message: err.Error()}); werr != nil {
		a.drop(c)
	}
}

func (a *Aggregator) ack(c *client, sessionID string, duplicate bool) error {
	return c.writeJSON(ServerMessage{Type: TypeSubscribed, SessionID: sessionID, Duplicate: duplicate})
}

// subscribe attaches c to sessionID. Subscribing twice is acknowledged as a
// duplicate and changes nothing.
func (a *Aggregator) subscribe(ctx context.Context, c *client, sessionID string) error {
	c.mu.Lock()
	_, dup := c.subs[sessionID]
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil
	}
	if dup {
		return a.ack(c, sessionID, true)
	}

	remote, err := a.registry.Locate(ctx, c.subject, sessionID)
	if err != nil {
		return fmt.Errorf("locate session: %w", err)
	}

	var release func()
	if remote == nil {
		release, err = a.subscribeLocal(ctx, c, sessionID)
	} else {
		release, err = a.subscribeRemote(ctx, c, sessionID, *remote)
	}
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		release()
		return nil
	}
	c.subs[sessionID] = release
	c.mu.Unlock()
	return nil
}

// unsubscribe is a no-op when c is not subscribed to sessionID.
func (a *Aggregator) unsubscribe(c *client, sessionID string) {
	c.mu.Lock()
	release, ok := c.subs[sessionID]
	delete(c.subs, sessionID)
	c.mu.Unlock()
	if ok {
		release()
	}
}

// resync asks for a fresh full frame and history chunk.
func (a *Aggregator) resync(c *client, sessionID string) {
	c.mu.Lock()
	_, ok := c.subs[sessionID]
	c.mu.Unlock()
	if !ok {
		return
	}

	a.mu.Lock()
	f := a.feeds[sessionID]
	var up *upstream
	if f == nil {
		for _, u := range a.upstreams {
			if _, ok := u.sessions[sessionID][c]; ok {
				up = u
				break
			}
		}
	}
	a.mu.Unlock()

	switch {
	case f != nil:
		f.requeue(c)
	case up != nil:
		if err := up.send(ClientMessage{Type: TypeResync, SessionID: sessionID}); err != nil {
			up.logger.Debug().Err(err).Msg("resync not forwarded")
		}
	}
}

// drop tears down one viewer: its subscriptions are released and its
// connection closed. Other viewers are unaffected. Safe to call repeatedly.
func (a *Aggregator) drop(c *client) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for _, release := range subs {
		release()
	}

	a.mu.Lock()
	delete(a.clients, c)
	a.mu.Unlock()
	_ = c.conn.Close()
}

// broadcast writes data to every target and drops the ones that fail.
func (a *Aggregator) broadcast(targets []*client, messageType int, data []byte) {
	var failed []*client
	for _, c := range targets {
		if err := c.write(messageType, data); err != nil {
			a.logger.Debug().Err(err).Str("client", c.id).Msg("viewer write failed")
			failed = append(failed, c)
		}
	}
	for _, c := range failed {
		a.drop(c)
	}
}

// Clients is the number of connected viewers.
func (a *Aggregator) Clients() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.clients)
}

// Close disconnects every viewer and upstream.
func (a *Aggregator) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	clients := make([]*client, 0, len(a.clients))
	for c := range a.clients {
		clients = append(clients, c)
	}
	ups := make([]*upstream, 0, len(a.upstreams))
	for _, up := range a.upstreams {
		up.closed = true
		ups = append(ups, up)
	}
	a.upstreams = make(map[string]*upstream)
	a.mu.Unlock()

	a.cancel()
	for _, c := range clients {
		a.drop(c)
	}
	for _, up := range ups {
		up.close()
	}
	a.logger.Info().Int("clients", len(clients)).Int("upstreams", len(ups)).Msg("aggregator closed")
	return nil
}
