// Package tail follows asciinema recordings on disk. One state machine per
// session reads the recording once from its last clear-screen boundary,
// replays the visible tail to every joining listener, and then streams
// appended events with per-listener pacing until the last listener leaves.
package tail

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/moltty/termcast/internal/asciinema"
	"github.com/moltty/termcast/internal/history"
	"github.com/moltty/termcast/internal/logging"
	"github.com/moltty/termcast/internal/offload"
)

var (
	ErrClosed   = errors.New("tail: watcher closed")
	ErrBadRange = errors.New("tail: invalid byte range")
)

// MaxPageBytes bounds a single Page read.
const MaxPageBytes = 4 << 20

// Listener receives one session's replay followed by its live events.
// A returned error detaches the listener. Close is called when the session
// exits or the watcher shuts down.
type Listener interface {
	Header(h asciinema.Header) error
	Event(ev asciinema.Event) error
	Close()
}

// ClearPoint is the persisted position of a session's last clear.
type ClearPoint struct {
	Offset int64 // start of the line that cleared the screen
	Cols   int
	Rows   int
}

// MetadataStore resolves recordings and remembers where each one was last
// cleared, so rescans can skip everything before it.
type MetadataStore interface {
	RecordingPath(sessionID string) (string, error)
	ClearPoint(sessionID string) (ClearPoint, error)
	SaveClearPoint(sessionID string, p ClearPoint) error
}

// WatchFunc starts change notifications for path. onChange may be called
// from any goroutine; the returned Closer stops them.
type WatchFunc func(path string, onChange func()) (io.Closer, error)

// Watcher owns the per-session states.
type Watcher struct {
	meta      MetadataStore
	cache     history.Cache
	cacheTail int
	runner    *offload.Runner
	clock     clock.Clock
	bufSize   int
	watch     WatchFunc
	logger    zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*state
	closed   bool
}

// Option configures a Watcher.
type Option func(*Watcher)

func WithClock(c clock.Clock) Option { return func(w *Watcher) { w.clock = c } }

// WithReadBufferSize sets the chunk size for recording reads.
func WithReadBufferSize(n int) Option {
	return func(w *Watcher) {
		if n > 0 {
			w.bufSize = n
		}
	}
}

// WithCache publishes a chunk of the last tailLines output events to c
// whenever a session is joined or grows.
func WithCache(c history.Cache, tailLines int) Option {
	return func(w *Watcher) { w.cache, w.cacheTail = c, tailLines }
}

func WithRunner(r *offload.Runner) Option { return func(w *Watcher) { w.runner = r } }

func WithWatchFunc(fn WatchFunc) Option { return func(w *Watcher) { w.watch = fn } }

func New(meta MetadataStore, opts ...Option) *Watcher {
	w := &Watcher{
		meta:     meta,
		clock:    clock.New(),
		bufSize:  DefaultReadBufferSize,
		logger:   logging.Component("tail"),
		sessions: make(map[string]*state),
	}
	w.watch = w.notify
	for _, opt := range opts {
		opt(w)
	}
	if w.runner == nil {
		w.runner = offload.NewRunner(nil)
	}
	return w
}

// notify is the default WatchFunc, backed by fsnotify. Watch errors are
// logged and the watch is left as is.
func (w *Watcher) notify(path string, onChange func()) (io.Closer, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fw.Add(path); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}

	go func() {
		for {
			select {
			case ev, ok := <-fw.Events:
				if !ok {
					return
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
					onChange()
				}
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				w.logger.Error().Err(err).Str("path", path).Msg("recording watch error")
			}
		}
	}()
	return fw, nil
}

// AddClient attaches l to a session. The first listener of a session opens
// the recording and starts watching it. l is sent the header and replay
// before AddClient returns; if the replay ends with an exit event, l is
// closed and not kept.
func (w *Watcher) AddClient(ctx context.Context, sessionID string, l Listener, tailLines int) error {
	for {
		s, err := w.acquire(sessionID)
		if err != nil {
			return err
		}
		kept, err := w.join(ctx, s, l, tailLines)
		if errors.Is(err, errTornDown) {
			continue
		}
		if !kept {
			w.release(sessionID, s)
		}
		return err
	}
}

var errTornDown = errors.New("tail: session torn down")

func (w *Watcher) acquire(sessionID string) (*state, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, ErrClosed
	}
	s, ok := w.sessions[sessionID]
	if !ok {
		s = newState(sessionID, w.logger)
		w.sessions[sessionID] = s
	}
	return s, nil
}

func (w *Watcher) join(ctx context.Context, s *state, l Listener, tailLines int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dead {
		return false, errTornDown
	}
	if !s.opened {
		if err := w.open(ctx, s); err != nil {
			return false, err
		}
	}
	if s.findMember(l) >= 0 {
		return true, nil
	}

	plan := planReplay(s.events, s.clear.index, tailLines)
	res, err := w.runner.BuildHistoryChunk(ctx, s.chunkInput(plan, tailLines))
	if err != nil {
		return false, fmt.Errorf("build replay: %w", err)
	}

	if err := l.Header(s.replayHeader()); err != nil {
		return false, err
	}
	if res.Payload != nil {
		for _, ev := range res.Payload.Events {
			if err := l.Event(ev); err != nil {
				return false, err
			}
		}
	}
	if res.Exit != nil {
		_ = l.Event(*res.Exit)
		l.Close()
		return false, nil
	}

	s.members = append(s.members, &member{listener: l, joined: w.clock.Now()})
	s.logger.Debug().Int("listeners", len(s.members)).Int("tail", tailLines).Msg("listener joined")
	w.publish(ctx, s)
	return true, nil
}

// open reads the header, scans from the persisted clear point to the end
// and starts the change watch.
func (w *Watcher) open(ctx context.Context, s *state) error {
	path, err := w.meta.RecordingPath(s.id)
	if err != nil {
		return fmt.Errorf("resolve recording: %w", err)
	}
	s.path = path

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open recording: %w", err)
	}
	header, headerEnd, err := readHeader(f, w.bufSize)
	var size int64
	if fi, serr := f.Stat(); serr == nil {
		size = fi.Size()
	}
	f.Close()
	if err != nil {
		return err
	}
	s.header = header

	start := headerEnd
	point, err := w.meta.ClearPoint(s.id)
	switch {
	case err != nil:
		s.logger.Warn().Err(err).Msg("cannot load clear point, scanning whole recording")
	case point.Offset >= size:
		if point.Offset > 0 {
			s.logger.Warn().Int64("offset", point.Offset).Msg("clear point beyond end of recording, ignoring")
		}
	case point.Offset > headerEnd:
		start = point.Offset
		s.lastCols, s.lastRows = point.Cols, point.Rows
		s.persisted = point.Offset
	}
	s.split = lineSplitter{offset: start}

	if _, err := s.readAppended(w.bufSize); err != nil {
		return err
	}
	s.prune()
	w.persist(s)

	unwatch, err := w.watch(path, func() { w.Poll(s.id) })
	if err != nil {
		return err
	}
	s.unwatch = unwatch
	s.opened = true

	s.logger.Info().
		Int64("from", start).
		Int64("to", s.split.complete()).
		Int("events", len(s.events)).
		Bool("cleared", s.clear.found).
		Msg("recording opened")
	return nil
}

// Poll processes whatever was appended to a session's recording and fans
// the new events out to its listeners. It is the only path by which a
// watched session advances and is safe to call spuriously.
func (w *Watcher) Poll(sessionID string) {
	w.mu.Lock()
	s, ok := w.sessions[sessionID]
	w.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	if s.dead || !s.opened {
		s.mu.Unlock()
		return
	}

	fresh, err := s.readAppended(w.bufSize)
	if err != nil {
		s.logger.Error().Err(err).Msg("read appended recording data")
	}
	if len(fresh) == 0 {
		s.mu.Unlock()
		return
	}

	now := w.clock.Now()
	var failed []Listener
	exited := false
	for _, ev := range fresh {
		if ev.Kind == asciinema.KindExit {
			exited = true
		}
		for _, m := range s.members {
			out := ev.WithTime(now.Sub(m.joined).Seconds())
			if err := m.listener.Event(out); err != nil {
				failed = append(failed, m.listener)
			}
		}
	}

	s.prune()
	w.persist(s)
	w.publish(context.Background(), s)

	var closing []Listener
	if exited {
		for _, m := range s.members {
			closing = append(closing, m.listener)
		}
	}
	s.mu.Unlock()

	for _, l := range failed {
		w.RemoveClient(sessionID, l)
		if !exited {
			l.Close()
		}
	}
	for _, l := range closing {
		l.Close()
	}
}

// RemoveClient detaches l. Removing the last listener stops the watch and
// drops the session's state. Unknown sessions and listeners are ignored.
func (w *Watcher) RemoveClient(sessionID string, l Listener) {
	w.mu.Lock()
	defer w.mu.Unlock()

	s, ok := w.sessions[sessionID]
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.findMember(l)
	if i < 0 {
		return
	}
	s.members = append(s.members[:i], s.members[i+1:]...)
	if len(s.members) == 0 {
		w.teardownLocked(s)
	}
}

// release drops a session that a failed or short-lived join left without
// listeners.
func (w *Watcher) release(sessionID string, s *state) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sessions[sessionID] != s {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.members) == 0 {
		w.teardownLocked(s)
	}
}

// teardownLocked requires w.mu and s's lock.
func (w *Watcher) teardownLocked(s *state) {
	delete(w.sessions, s.id)
	if s.unwatch != nil {
		if err := s.unwatch.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("close recording watch")
		}
		s.unwatch = nil
	}
	s.reset()
	s.logger.Debug().Msg("session state released")
}

// Active reports whether a session currently has state.
func (w *Watcher) Active(sessionID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.sessions[sessionID]
	return ok
}

// Close tears down every session and closes their listeners.
func (w *Watcher) Close() error {
	w.mu.Lock()
	w.closed = true
	var listeners []Listener
	for _, s := range w.sessions {
		s.mu.Lock()
		for _, m := range s.members {
			listeners = append(listeners, m.listener)
		}
		w.teardownLocked(s)
		s.mu.Unlock()
	}
	w.mu.Unlock()

	for _, l := range listeners {
		l.Close()
	}
	return nil
}

func (w *Watcher) persist(s *state) {
	if !s.clear.found || s.clear.lineOffset == s.persisted {
		return
	}
	p := ClearPoint{Offset: s.clear.lineOffset, Cols: s.clear.cols, Rows: s.clear.rows}
	if err := w.meta.SaveClearPoint(s.id, p); err != nil {
		s.logger.Warn().Err(err).Msg("persist clear point")
		return
	}
	s.persisted = p.Offset
}

// publish rebuilds the session's cached chunk.
func (w *Watcher) publish(ctx context.Context, s *state) {
	if w.cache == nil {
		return
	}
	plan := planReplay(s.events, s.clear.index, w.cacheTail)
	res, err := w.runner.BuildHistoryChunk(ctx, s.chunkInput(plan, w.cacheTail))
	if err != nil {
		s.logger.Warn().Err(err).Msg("build history chunk")
		return
	}
	if res.Payload == nil {
		return
	}
	if err := w.cache.Set(ctx, s.id, res.Payload); err != nil {
		s.logger.Warn().Err(err).Msg("store history chunk")
	}
}

// Page returns the events whose lines start in [from, to) of a session's
// recording, for paging back past a history chunk. Ranges wider than
// MaxPageBytes keep their newest part and report the rest through
// PreviousOffset. A nil payload means the range held nothing to show.
func (w *Watcher) Page(ctx context.Context, sessionID string, from, to int64) (*history.Payload, error) {
	if from < 0 || to <= from {
		return nil, ErrBadRange
	}
	path, err := w.meta.RecordingPath(sessionID)
	if err != nil {
		return nil, fmt.Errorf("resolve recording: %w", err)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open recording: %w", err)
	}
	defer f.Close()

	origFrom := from
	clamped := to-from > MaxPageBytes
	if clamped {
		from = to - MaxPageBytes
	}

	var (
		events  []asciinema.Event
		offsets []int64
		outputs int
		split   = lineSplitter{offset: from}
		buf     = make([]byte, w.bufSize)
		r       = io.NewSectionReader(f, from, to-from)
	)
	// A clamped window most likely starts mid-line.
	skip := clamped
	for {
		n, err := r.Read(buf)
		split.feed(buf[:n], func(line []byte, start int64) {
			if skip {
				skip = false
				return
			}
			ev, perr := asciinema.ParseEvent(line)
			if perr != nil {
				return
			}
			if ev.Kind == asciinema.KindOutput {
				outputs++
			}
			events = append(events, ev)
			offsets = append(offsets, start)
		})
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read recording: %w", err)
		}
	}

	res, err := w.runner.BuildHistoryChunk(ctx, history.ChunkInput{
		SessionID:         sessionID,
		Events:            events,
		EventOffsets:      offsets,
		StartOffset:       from,
		FileOffset:        to,
		HasMoreHistory:    clamped,
		TotalEvents:       len(events),
		TotalOutputEvents: outputs,
	})
	if err != nil {
		return nil, fmt.Errorf("build page: %w", err)
	}
	if res.Payload != nil && clamped {
		prev := origFrom
		res.Payload.PreviousOffset = &prev
	}
	return res.Payload, nil
}
