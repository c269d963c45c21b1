package tail

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/moltty/termcast/internal/asciinema"
	"github.com/moltty/termcast/internal/history"
)

// DefaultReadBufferSize is the chunk size used when reading recordings.
const DefaultReadBufferSize = 64 * 1024

var ErrNoHeader = errors.New("tail: recording has no complete header line")

// lineSplitter cuts a byte stream into lines, tracking the file offset at
// which each line starts. An incomplete trailing line is held back until the
// rest of it arrives.
type lineSplitter struct {
	partial []byte
	offset  int64 // offset of the next byte to be fed
}

// complete is the offset just past the last complete line.
func (l *lineSplitter) complete() int64 {
	return l.offset - int64(len(l.partial))
}

func (l *lineSplitter) feed(chunk []byte, fn func(line []byte, start int64)) {
	start := l.complete()
	l.partial = append(l.partial, chunk...)
	l.offset += int64(len(chunk))

	rest := l.partial
	for {
		i := bytes.IndexByte(rest, '\n')
		if i < 0 {
			break
		}
		if line := bytes.TrimSuffix(rest[:i], []byte{'\r'}); len(line) > 0 {
			fn(line, start)
		}
		start += int64(i + 1)
		rest = rest[i+1:]
	}

	if len(rest) == 0 {
		l.partial = l.partial[:0]
		return
	}
	l.partial = append(make([]byte, 0, len(rest)), rest...)
}

// readHeader reads the first line of a recording in bufSize chunks and
// returns it together with the offset of the byte after its newline. Bytes
// are accumulated untouched, so multi-byte characters split across reads are
// reassembled before decoding.
func readHeader(r io.Reader, bufSize int) (asciinema.Header, int64, error) {
	var (
		line []byte
		buf  = make([]byte, bufSize)
	)
	for {
		n, err := r.Read(buf)
		if i := bytes.IndexByte(buf[:n], '\n'); i >= 0 {
			line = append(line, buf[:i]...)
			h, perr := asciinema.ParseHeader(bytes.TrimSuffix(line, []byte{'\r'}))
			return h, int64(len(line) + 1), perr
		}
		line = append(line, buf[:n]...)
		if errors.Is(err, io.EOF) {
			return asciinema.Header{}, 0, ErrNoHeader
		}
		if err != nil {
			return asciinema.Header{}, 0, fmt.Errorf("read header: %w", err)
		}
	}
}

// boundary is the most recent clear-screen point found in a recording.
type boundary struct {
	found bool
	// index of the clearing event in state.events, or -1 once the events
	// before the boundary have been pruned.
	index      int
	byteOffset int64 // offset of the clear sequence itself
	lineOffset int64 // offset of the line holding it
	cols, rows int   // geometry in effect at the clear, 0 if unknown
}

// Plan says which in-memory events a joining listener is sent.
type Plan struct {
	BaseStartIndex    int
	SendStartIndex    int
	HasMore           bool
	TotalEvents       int
	TotalOutputEvents int
}

// planReplay picks the replay window: everything after the clear at
// clearIndex, narrowed to the last tailLines output events when tailLines
// is positive.
func planReplay(events []asciinema.Event, clearIndex, tailLines int) Plan {
	base := clearIndex + 1
	if base < 0 || base > len(events) {
		base = 0
	}

	p := Plan{BaseStartIndex: base, SendStartIndex: base, TotalEvents: len(events) - base}
	for _, ev := range events[base:] {
		if ev.Kind == asciinema.KindOutput {
			p.TotalOutputEvents++
		}
	}

	if tailLines > 0 {
		counted := 0
		for i := len(events) - 1; i >= base; i-- {
			if events[i].Kind != asciinema.KindOutput {
				continue
			}
			counted++
			if counted == tailLines {
				p.SendStartIndex = i
				break
			}
		}
	}
	p.HasMore = p.SendStartIndex > p.BaseStartIndex
	return p
}

type member struct {
	listener Listener
	joined   time.Time
}

// state is everything known about one watched recording. It is only
// mutated under mu, by open and Poll.
type state struct {
	mu     sync.Mutex
	id     string
	path   string
	logger zerolog.Logger

	opened bool
	dead   bool

	header  asciinema.Header
	events  []asciinema.Event
	offsets []int64
	exited  bool

	split     lineSplitter
	lastSize  int64
	lastMtime time.Time

	clear     boundary
	lastCols  int
	lastRows  int
	residual  string
	persisted int64
	members   []*member
	unwatch   io.Closer
}

func newState(id string, logger zerolog.Logger) *state {
	return &state{
		id:        id,
		logger:    logger.With().Str("session", id).Logger(),
		clear:     boundary{index: -1},
		persisted: -1,
	}
}

// readAppended reads whatever was appended since the last call and returns
// the events parsed from the newly completed lines. Calls where the file has
// neither grown nor been touched return nothing.
func (s *state) readAppended(bufSize int) ([]asciinema.Event, error) {
	fi, err := os.Stat(s.path)
	if err != nil {
		return nil, fmt.Errorf("stat recording: %w", err)
	}
	size := fi.Size()
	if size == s.lastSize && fi.ModTime().Equal(s.lastMtime) {
		return nil, nil
	}
	if size < s.split.offset {
		s.logger.Warn().Int64("size", size).Int64("offset", s.split.offset).Msg("recording shrank, ignoring")
		s.lastSize, s.lastMtime = size, fi.ModTime()
		return nil, nil
	}

	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open recording: %w", err)
	}
	defer f.Close()

	var (
		fresh []asciinema.Event
		buf   = make([]byte, bufSize)
		r     = io.NewSectionReader(f, s.split.offset, size-s.split.offset)
	)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			s.split.feed(buf[:n], func(line []byte, start int64) {
				if ev, ok := s.handleLine(line, start); ok {
					fresh = append(fresh, ev)
				}
			})
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fresh, fmt.Errorf("read recording: %w", err)
		}
	}

	s.lastSize, s.lastMtime = size, fi.ModTime()
	return fresh, nil
}

func (s *state) handleLine(line []byte, start int64) (asciinema.Event, bool) {
	ev, err := asciinema.ParseEvent(line)
	if err != nil {
		s.logger.Debug().Int64("offset", start).Msg("skipping malformed recording line")
		return asciinema.Event{}, false
	}

	idx := len(s.events)
	s.events = append(s.events, ev)
	s.offsets = append(s.offsets, start)

	switch ev.Kind {
	case asciinema.KindResize:
		if cols, rows, ok := ev.Dimensions(); ok {
			s.lastCols, s.lastRows = cols, rows
		}
	case asciinema.KindOutput:
		if pos := lastRawClear(line); pos >= 0 {
			s.markClear(idx, start+int64(pos), start)
		} else if completesSplitClear(s.residual, ev.Data) {
			s.markClear(idx, start+int64(dataIndex(line)), start)
		}
		s.residual = residualOf(ev.Data)
	case asciinema.KindExit:
		s.exited = true
	}
	return ev, true
}

func (s *state) markClear(idx int, byteOffset, lineOffset int64) {
	s.clear = boundary{
		found:      true,
		index:      idx,
		byteOffset: byteOffset,
		lineOffset: lineOffset,
		cols:       s.lastCols,
		rows:       s.lastRows,
	}
}

// prune drops the events up to and including the last clear.
func (s *state) prune() {
	if s.clear.index < 0 {
		return
	}
	cut := s.clear.index + 1
	s.events = append([]asciinema.Event(nil), s.events[cut:]...)
	s.offsets = append([]int64(nil), s.offsets[cut:]...)
	s.clear.index = -1
}

// replayHeader is the recording header resized to the geometry in effect at
// the last clear.
func (s *state) replayHeader() asciinema.Header {
	h := s.header
	if s.clear.found && s.clear.cols > 0 && s.clear.rows > 0 {
		h.Width, h.Height = s.clear.cols, s.clear.rows
	}
	return h
}

func (s *state) chunkInput(p Plan, tailLines int) history.ChunkInput {
	start := s.split.complete()
	if len(s.offsets) > 0 {
		start = s.offsets[0]
	}
	return history.ChunkInput{
		SessionID:         s.id,
		Events:            s.events,
		EventOffsets:      s.offsets,
		BaseStartIndex:    p.BaseStartIndex,
		SendStartIndex:    p.SendStartIndex,
		StartOffset:       start,
		FileOffset:        s.split.complete(),
		InitialTailLines:  tailLines,
		HasMoreHistory:    p.HasMore,
		TotalEvents:       p.TotalEvents,
		TotalOutputEvents: p.TotalOutputEvents,
	}
}

func (s *state) findMember(l Listener) int {
	for i, m := range s.members {
		if m.listener == l {
			return i
		}
	}
	return -1
}

// reset releases everything held for the session.
func (s *state) reset() {
	s.dead = true
	s.events, s.offsets = nil, nil
	s.split = lineSplitter{}
	s.members = nil
	s.residual = ""
}
