package buffer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gofiber/contrib/websocket"
	ws "github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/moltty/termcast/internal/snapshot"
)

// reconnectInterval paces redials of a broken upstream.
const reconnectInterval = 2 * time.Second

var errUpstreamClosed = errors.New("buffer: upstream closed")

// Dialer opens the connection to a remote server's buffer endpoint.
type Dialer interface {
	Dial(ctx context.Context, rawURL, token string) (Conn, error)
}

type wsDialer struct {
	dialer *ws.Dialer
}

// NewDialer returns a Dialer backed by gorilla/websocket that passes the
// token as the ?token= query parameter.
func NewDialer() Dialer {
	return wsDialer{dialer: ws.DefaultDialer}
}

func (d wsDialer) Dial(ctx context.Context, rawURL, token string) (Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse remote url: %w", err)
	}
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	conn, _, err := d.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// upstream is the one connection this server holds to a remote server.
// Every local viewer of the remote's sessions shares it.
type upstream struct {
	remote  Remote
	logger  zerolog.Logger
	limiter *rate.Limiter

	writeMu sync.Mutex
	conn    Conn
	shut    bool

	// guarded by Aggregator.mu
	sessions map[string]map[*client]struct{}
	// screens is the last state each relayed session reached, so a diff
	// can be checked against the frame it applies to.
	screens map[string]*snapshot.Buffer
	closed  bool
	idle     *clock.Timer
	idleGen  uint64
}

func newUpstream(a *Aggregator, r Remote, conn Conn) *upstream {
	return &upstream{
		remote:   r,
		logger:   a.logger.With().Str("remote", r.ID).Logger(),
		limiter:  rate.NewLimiter(rate.Every(reconnectInterval), 1),
		conn:     conn,
		sessions: make(map[string]map[*client]struct{}),
		screens:  make(map[string]*snapshot.Buffer),
	}
}

func (u *upstream) current() Conn {
	u.writeMu.Lock()
	defer u.writeMu.Unlock()
	return u.conn
}

func (u *upstream) send(msg ClientMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	u.writeMu.Lock()
	defer u.writeMu.Unlock()
	if u.shut {
		return errUpstreamClosed
	}
	return u.conn.WriteMessage(websocket.TextMessage, data)
}

// swap installs a redialed connection. It fails once the upstream is shut.
func (u *upstream) swap(conn Conn) bool {
	u.writeMu.Lock()
	defer u.writeMu.Unlock()
	if u.shut {
		_ = conn.Close()
		return false
	}
	_ = u.conn.Close()
	u.conn = conn
	return true
}

func (u *upstream) close() {
	u.writeMu.Lock()
	defer u.writeMu.Unlock()
	if u.shut {
		return
	}
	u.shut = true
	_ = u.conn.Close()
}

func (a *Aggregator) dial(ctx context.Context, r Remote) (Conn, error) {
	token := r.Token
	if token == "" && a.token != nil {
		t, err := a.token(r.ID)
		if err != nil {
			return nil, fmt.Errorf("service token: %w", err)
		}
		token = t
	}
	return a.dialer.Dial(ctx, r.URL, token)
}

// upstreamFor returns the open upstream for r, dialing it if needed.
// Concurrent callers for the same remote share one dial.
func (a *Aggregator) upstreamFor(ctx context.Context, r Remote) (*upstream, error) {
	a.mu.Lock()
	up, ok := a.upstreams[r.ID]
	a.mu.Unlock()
	if ok {
		return up, nil
	}

	v, err, _ := a.dials.Do(r.ID, func() (any, error) {
		a.mu.Lock()
		up, ok := a.upstreams[r.ID]
		a.mu.Unlock()
		if ok {
			return up, nil
		}

		conn, err := a.dial(ctx, r)
		if err != nil {
			return nil, err
		}
		up = newUpstream(a, r, conn)

		a.mu.Lock()
		if a.closed {
			a.mu.Unlock()
			_ = conn.Close()
			return nil, ErrClosed
		}
		a.upstreams[r.ID] = up
		a.mu.Unlock()

		go a.readUpstream(up)
		up.logger.Info().Str("url", r.URL).Msg("upstream connected")
		return up, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*upstream), nil
}

// subscribeRemote relays sessionID from r to c. Only the first local viewer
// of a session sends the subscription upstream; later ones ask the remote to
// resend its full frame, which every viewer of the session can absorb.
func (a *Aggregator) subscribeRemote(ctx context.Context, c *client, sessionID string, r Remote) (func(), error) {
	var (
		up    *upstream
		first bool
	)
	for {
		var err error
		up, err = a.upstreamFor(ctx, r)
		if err != nil {
			return nil, fmt.Errorf("connect to remote %s: %w", r.ID, err)
		}

		a.mu.Lock()
		if up.closed {
			// Lost a race with the idle timer.
			a.mu.Unlock()
			continue
		}
		set, ok := up.sessions[sessionID]
		if !ok {
			set = make(map[*client]struct{})
			up.sessions[sessionID] = set
		}
		set[c] = struct{}{}
		first = !ok
		up.disarmLocked()
		a.mu.Unlock()
		break
	}

	if err := a.ack(c, sessionID, false); err != nil {
		a.releaseRemote(up, sessionID, c)
		return nil, err
	}

	msg := ClientMessage{Type: TypeResync, SessionID: sessionID}
	if first {
		msg.Type = TypeSubscribe
	}
	if err := up.send(msg); err != nil {
		// The read loop notices the broken link and resubscribes on redial.
		up.logger.Debug().Err(err).Str("session", sessionID).Msg("subscription not sent")
	}

	var once sync.Once
	return func() {
		once.Do(func() { a.releaseRemote(up, sessionID, c) })
	}, nil
}

func (a *Aggregator) releaseRemote(up *upstream, sessionID string, c *client) {
	a.mu.Lock()
	set := up.sessions[sessionID]
	if _, ok := set[c]; !ok {
		a.mu.Unlock()
		return
	}
	delete(set, c)
	last := len(set) == 0
	if last {
		delete(up.sessions, sessionID)
		delete(up.screens, sessionID)
	}
	if len(up.sessions) == 0 && !up.closed {
		a.armIdleLocked(up)
	}
	a.mu.Unlock()

	if last {
		if err := up.send(ClientMessage{Type: TypeUnsubscribe, SessionID: sessionID}); err != nil {
			up.logger.Debug().Err(err).Str("session", sessionID).Msg("unsubscribe not sent")
		}
	}
}

func (a *Aggregator) armIdleLocked(up *upstream) {
	up.disarmLocked()
	gen := up.idleGen
	up.idle = a.clock.AfterFunc(a.idle, func() { a.closeIdle(up, gen) })
}

func (u *upstream) disarmLocked() {
	u.idleGen++
	if u.idle != nil {
		u.idle.Stop()
		u.idle = nil
	}
}

// closeIdle shuts the upstream if nothing resubscribed during the grace period.
func (a *Aggregator) closeIdle(up *upstream, gen uint64) {
	a.mu.Lock()
	if up.closed || up.idleGen != gen || len(up.sessions) > 0 {
		a.mu.Unlock()
		return
	}
	up.closed = true
	up.idle = nil
	if a.upstreams[up.remote.ID] == up {
		delete(a.upstreams, up.remote.ID)
	}
	a.mu.Unlock()

	up.close()
	up.logger.Info().Msg("upstream closed after idle period")
}

// readUpstream relays everything the remote sends until the upstream is
// closed, redialing when the link breaks.
func (a *Aggregator) readUpstream(up *upstream) {
	for {
		messageType, data, err := up.current().ReadMessage()
		if err != nil {
			if !a.reconnect(up, err) {
				return
			}
			continue
		}
		a.relay(up, messageType, data)
	}
}

// relay forwards frames and history chunks byte for byte to the local
// viewers of the session they belong to.
func (a *Aggregator) relay(up *upstream, messageType int, data []byte) {
	var sessionID string
	switch messageType {
	case websocket.BinaryMessage:
		id, frame, err := DecodeFrame(data)
		if err != nil {
			up.logger.Debug().Err(err).Msg("dropping malformed upstream frame")
			return
		}
		if err := a.track(up, id, frame); err != nil {
			// The viewers' screens would diverge; ask for a full frame.
			up.logger.Debug().Err(err).Str("session", id).Msg("dropping unusable upstream frame")
			if errors.Is(err, snapshot.ErrGeometry) {
				if err := up.send(ClientMessage{Type: TypeResync, SessionID: id}); err != nil {
					up.logger.Debug().Err(err).Msg("resync not sent")
				}
			}
			return
		}
		sessionID = id
	case websocket.TextMessage:
		typ, id := peek(data)
		switch typ {
		case TypeHistory:
			sessionID = id
		case TypeError:
			up.logger.Warn().RawJSON("message", data).Msg("remote reported an error")
			return
		default:
			return
		}
	default:
		return
	}

	a.mu.Lock()
	targets := make([]*client, 0, len(up.sessions[sessionID]))
	for c := range up.sessions[sessionID] {
		targets = append(targets, c)
	}
	a.mu.Unlock()

	a.broadcast(targets, messageType, data)
}

// track applies a relayed frame to the session's last known screen. Diffs
// that do not fit that screen fail with snapshot.ErrGeometry.
func (a *Aggregator) track(up *upstream, sessionID string, frame []byte) error {
	f, err := snapshot.Decode(frame)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := up.sessions[sessionID]; !ok {
		return nil
	}
	screen, err := f.Apply(up.screens[sessionID])
	if err != nil {
		return err
	}
	up.screens[sessionID] = screen
	return nil
}

// reconnect redials a broken upstream and resubscribes its sessions. It
// returns false when the upstream should be abandoned instead.
func (a *Aggregator) reconnect(up *upstream, cause error) bool {
	a.mu.Lock()
	if up.closed || a.closed {
		a.mu.Unlock()
		return false
	}
	if len(up.sessions) == 0 {
		up.closed = true
		up.disarmLocked()
		if a.upstreams[up.remote.ID] == up {
			delete(a.upstreams, up.remote.ID)
		}
		a.mu.Unlock()
		up.close()
		return false
	}
	a.mu.Unlock()

	up.logger.Warn().Err(cause).Msg("upstream lost, reconnecting")
	for {
		if err := up.limiter.Wait(a.ctx); err != nil {
			return false
		}
		a.mu.Lock()
		stop := up.closed || a.closed
		a.mu.Unlock()
		if stop {
			return false
		}

		conn, err := a.dial(a.ctx, up.remote)
		if err != nil {
			up.logger.Warn().Err(err).Msg("upstream redial failed")
			continue
		}
		if !up.swap(conn) {
			return false
		}

		a.mu.Lock()
		// The remote starts every session over with a full frame.
		up.screens = make(map[string]*snapshot.Buffer)
		ids := make([]string, 0, len(up.sessions))
		for id := range up.sessions {
			ids = append(ids, id)
		}
		a.mu.Unlock()
		for _, id := range ids {
			if err := up.send(ClientMessage{Type: TypeSubscribe, SessionID: id}); err != nil {
				up.logger.Debug().Err(err).Str("session", id).Msg("resubscribe failed")
			}
		}
		up.logger.Info().Int("sessions", len(ids)).Msg("upstream reconnected")
		return true
	}
}
