// Package terminal keeps an emulated screen per session, rebuilt from the
// session's recording, and tells subscribers when it changes.
package terminal

import (
	"context"
	"errors"
	"sync"

	"github.com/hinshun/vt10x"
	"github.com/rs/zerolog"

	"github.com/moltty/termcast/internal/asciinema"
	"github.com/moltty/termcast/internal/logging"
	"github.com/moltty/termcast/internal/snapshot"
	"github.com/moltty/termcast/internal/tail"
)

const (
	defaultCols = 80
	defaultRows = 24
)

var ErrUnknownSession = errors.New("terminal: no screen for session")

// Source feeds recordings into listeners; *tail.Watcher implements it.
type Source interface {
	AddClient(ctx context.Context, sessionID string, l tail.Listener, tailLines int) error
	RemoveClient(sessionID string, l tail.Listener)
}

// vt10x keeps glyph attributes in unexported bits.
const (
	vtReverse   = 1 << 0
	vtUnderline = 1 << 1
	vtBold      = 1 << 2
	vtItalic    = 1 << 4
	vtBlink     = 1 << 5
)

// screen is one session's emulator. It is a tail.Listener, so it receives
// the recording from the last clear onwards and every append after that.
type screen struct {
	id string

	mu     sync.Mutex
	vt     vt10x.Terminal
	exited bool

	subMu  sync.Mutex
	nextID uint64
	subs   map[uint64]func()

	ready chan struct{}
	err   error
}

func newScreen(id string) *screen {
	return &screen{
		id:    id,
		vt:    vt10x.New(vt10x.WithSize(defaultCols, defaultRows)),
		subs:  make(map[uint64]func()),
		ready: make(chan struct{}),
	}
}

func (s *screen) Header(h asciinema.Header) error {
	if h.Width > 0 && h.Height > 0 {
		s.mu.Lock()
		s.vt.Resize(h.Width, h.Height)
		s.mu.Unlock()
	}
	s.changed()
	return nil
}

func (s *screen) Event(ev asciinema.Event) error {
	s.mu.Lock()
	switch ev.Kind {
	case asciinema.KindOutput:
		_, _ = s.vt.Write([]byte(ev.Data))
	case asciinema.KindResize:
		if cols, rows, ok := ev.Dimensions(); ok {
			s.vt.Resize(cols, rows)
		}
	case asciinema.KindExit:
		s.exited = true
	default:
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	s.changed()
	return nil
}

func (s *screen) Close() {
	s.mu.Lock()
	s.exited = true
	s.mu.Unlock()
	s.changed()
}

func (s *screen) changed() {
	s.subMu.Lock()
	fns := make([]func(), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// snapshot copies the visible grid out of the emulator.
func (s *screen) snapshot() *snapshot.Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()

	cols, rows := s.vt.Size()
	b := &snapshot.Buffer{Cols: cols, Rows: rows, Cells: make([][]snapshot.Cell, rows)}
	for y := 0; y < rows; y++ {
		row := make([]snapshot.Cell, cols)
		for x := 0; x < cols; x++ {
			row[x] = convertGlyph(s.vt.Cell(x, y))
		}
		b.Cells[y] = row
	}
	cur := s.vt.Cursor()
	b.CursorX, b.CursorY = cur.X, cur.Y
	return b
}

func convertGlyph(g vt10x.Glyph) snapshot.Cell {
	c := snapshot.Cell{Char: " ", Width: 1}
	if g.Char != 0 {
		c.Char = string(g.Char)
	}
	c.Fg = convertColor(g.FG, vt10x.DefaultFG)
	c.Bg = convertColor(g.BG, vt10x.DefaultBG)

	mode := g.Mode
	if mode&vtBold != 0 {
		c.Attributes |= snapshot.AttrBold
	}
	if mode&vtItalic != 0 {
		c.Attributes |= snapshot.AttrItalic
	}
	if mode&vtUnderline != 0 {
		c.Attributes |= snapshot.AttrUnderline
	}
	if mode&vtReverse != 0 {
		c.Attributes |= snapshot.AttrInverse
	}
	if mode&vtBlink != 0 {
		c.Attributes |= snapshot.AttrBlink
	}
	return c
}

func convertColor(c, def vt10x.Color) *snapshot.Color {
	switch {
	case c == def || c >= 1<<24:
		return nil
	case c < 256:
		return snapshot.Palette(uint8(c))
	}
	return snapshot.RGB(uint8(c>>16), uint8(c>>8), uint8(c))
}

// Manager owns the screens, one per session with at least one subscriber.
type Manager struct {
	source Source
	logger zerolog.Logger

	mu      sync.Mutex
	screens map[string]*screen
	refs    map[string]int
}

func NewManager(source Source) *Manager {
	return &Manager{
		source:  source,
		logger:  logging.Component("terminal"),
		screens: make(map[string]*screen),
		refs:    make(map[string]int),
	}
}

// Subscribe registers onChange for a session's screen, creating the screen
// and attaching it to the recording on first use. onChange runs on the
// feeding goroutine and must not block. The returned function is idempotent.
func (m *Manager) Subscribe(ctx context.Context, sessionID string, onChange func()) (func(), error) {
	m.mu.Lock()
	s, ok := m.screens[sessionID]
	if !ok {
		s = newScreen(sessionID)
		m.screens[sessionID] = s
	}
	m.refs[sessionID]++
	m.mu.Unlock()

	s.subMu.Lock()
	s.nextID++
	id := s.nextID
	s.subs[id] = onChange
	s.subMu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
			m.release(sessionID, s)
		})
	}

	if !ok {
		s.err = m.source.AddClient(ctx, sessionID, s, 0)
		close(s.ready)
		if s.err != nil {
			m.logger.Warn().Err(s.err).Str("session", sessionID).Msg("cannot attach screen to recording")
		} else {
			m.logger.Debug().Str("session", sessionID).Msg("screen attached")
		}
	} else {
		select {
		case <-s.ready:
		case <-ctx.Done():
			unsubscribe()
			return nil, ctx.Err()
		}
	}

	if s.err != nil {
		unsubscribe()
		return nil, s.err
	}
	return unsubscribe, nil
}

func (m *Manager) release(sessionID string, s *screen) {
	m.mu.Lock()
	if m.screens[sessionID] != s {
		m.mu.Unlock()
		return
	}
	m.refs[sessionID]--
	last := m.refs[sessionID] <= 0
	if last {
		delete(m.screens, sessionID)
		delete(m.refs, sessionID)
	}
	m.mu.Unlock()

	if last {
		m.source.RemoveClient(sessionID, s)
		m.logger.Debug().Str("session", sessionID).Msg("screen released")
	}
}

// Snapshot returns the current screen of a subscribed session.
func (m *Manager) Snapshot(sessionID string) (*snapshot.Buffer, error) {
	m.mu.Lock()
	s, ok := m.screens[sessionID]
	m.mu.Unlock()
	if !ok {
		return nil, ErrUnknownSession
	}
	<-s.ready
	return s.snapshot(), nil
}

// Exited reports whether the session's recording has ended.
func (m *Manager) Exited(sessionID string) bool {
	m.mu.Lock()
	s, ok := m.screens[sessionID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exited
}
