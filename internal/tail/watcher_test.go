package tail

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/moltty/termcast/internal/asciinema"
	"github.com/moltty/termcast/internal/history"
)

const scenarioHeader = `{"version":2,"width":80,"height":24}`

// recording builds an asciinema file and remembers where each line starts.
type recording struct {
	t       *testing.T
	path    string
	content strings.Builder
	offsets []int64
}

func newRecording(t *testing.T, header string) *recording {
	t.Helper()
	r := &recording{t: t, path: filepath.Join(t.TempDir(), "session.cast")}
	r.content.WriteString(header + "\n")
	return r
}

func (r *recording) add(lines ...string) *recording {
	for _, l := range lines {
		r.offsets = append(r.offsets, int64(r.content.Len()))
		r.content.WriteString(l + "\n")
	}
	return r
}

func (r *recording) write() *recording {
	r.t.Helper()
	require.NoError(r.t, os.WriteFile(r.path, []byte(r.content.String()), 0o644))
	return r
}

// appendRaw appends bytes to the file on disk without touching offsets.
func (r *recording) appendRaw(s string) {
	r.t.Helper()
	f, err := os.OpenFile(r.path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(r.t, err)
	_, err = f.WriteString(s)
	require.NoError(r.t, err)
	require.NoError(r.t, f.Close())
	r.content.WriteString(s)
}

type memStore struct {
	mu     sync.Mutex
	paths  map[string]string
	points map[string]ClearPoint
	saves  int
}

func newMemStore() *memStore {
	return &memStore{paths: map[string]string{}, points: map[string]ClearPoint{}}
}

func (m *memStore) RecordingPath(id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.paths[id]
	if !ok {
		return "", errors.New("unknown session")
	}
	return p, nil
}

func (m *memStore) ClearPoint(id string) (ClearPoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.points[id], nil
}

func (m *memStore) SaveClearPoint(id string, p ClearPoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.points[id] = p
	m.saves++
	return nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

type fakeWatches struct {
	created atomic.Int32
	closed  atomic.Int32
}

func (f *fakeWatches) watch(string, func()) (io.Closer, error) {
	f.created.Add(1)
	return closerFunc(func() error { f.closed.Add(1); return nil }), nil
}

type recorder struct {
	mu     sync.Mutex
	header asciinema.Header
	events []asciinema.Event
	closed int
	fail   bool
}

func (r *recorder) Header(h asciinema.Header) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.header = h
	return nil
}

func (r *recorder) Event(ev asciinema.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("broken pipe")
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed++
}

func (r *recorder) data() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Data)
	}
	return out
}

type fixture struct {
	store   *memStore
	watches *fakeWatches
	cache   *history.LocalCache
	clock   *clock.Mock
	w       *Watcher
}

func newFixture(t *testing.T, rec *recording, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store:   newMemStore(),
		watches: &fakeWatches{},
		clock:   clock.NewMock(),
	}
	f.cache = history.NewLocalCache(time.Minute, f.clock)
	f.store.paths["s1"] = rec.path
	base := []Option{WithWatchFunc(f.watches.watch), WithClock(f.clock), WithCache(f.cache, 0)}
	f.w = New(f.store, append(base, opts...)...)
	t.Cleanup(func() { _ = f.w.Close() })
	return f
}

func (f *fixture) state(t *testing.T) *state {
	t.Helper()
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	s, ok := f.w.sessions["s1"]
	require.True(t, ok)
	return s
}

// The scenario counts two output events after the clear, so the log here
// holds exactly two of them. The five-event reading of the same scenario
// (three events, then two more after them) is covered below.
func TestConcreteScenarioReplaysOnlyPostClearOutput(t *testing.T) {
	rec := newRecording(t, scenarioHeader).add(
		`[0.1,"o","one"]`,
		`[0.2,"o","two\u001b[2J"]`,
		`[0.3,"o","three"]`,
		`[0.4,"o","four"]`,
	).write()
	f := newFixture(t, rec)

	l := &recorder{}
	require.NoError(t, f.w.AddClient(context.Background(), "s1", l, 10))

	assert.Equal(t, 80, l.header.Width)
	assert.Equal(t, 24, l.header.Height)
	assert.Equal(t, []string{"three", "four"}, l.data())
	for _, ev := range l.events {
		assert.Zero(t, ev.Time)
	}

	cached, err := f.cache.Get(context.Background(), "s1")
	require.NoError(t, err)
	require.NotNil(t, cached)
	p := cached.Payload
	assert.Equal(t, 2, p.TotalOutputEvents)
	assert.Equal(t, 2, p.ChunkOutputEvents)
	assert.False(t, p.HasMore)
	assert.Nil(t, p.PreviousOffset)
	assert.Equal(t, rec.offsets[2], p.ChunkStartOffset)
	assert.Equal(t, int64(rec.content.Len()), p.NextOffset)
}

func TestFiveEventScenarioCountsEveryPostClearOutput(t *testing.T) {
	rec := newRecording(t, scenarioHeader).add(
		`[0.1,"o","one"]`,
		`[0.2,"o","two\u001b[2J"]`,
		`[0.3,"o","three"]`,
		`[0.4,"o","four"]`,
		`[0.5,"o","five"]`,
	).write()
	f := newFixture(t, rec)

	l := &recorder{}
	require.NoError(t, f.w.AddClient(context.Background(), "s1", l, 10))
	assert.Equal(t, []string{"three", "four", "five"}, l.data())

	cached, err := f.cache.Get(context.Background(), "s1")
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, 3, cached.Payload.TotalOutputEvents)
	assert.Equal(t, rec.offsets[2], cached.Payload.ChunkStartOffset)
}

func TestPlanReplayScenario(t *testing.T) {
	events := []asciinema.Event{
		asciinema.Output(0.1, "one"),
		asciinema.Output(0.2, "two\x1b[2J"),
		asciinema.Output(0.3, "three"),
		asciinema.Output(0.4, "four"),
	}
	p := planReplay(events, 1, 10)
	assert.Equal(t, Plan{BaseStartIndex: 2, SendStartIndex: 2, TotalEvents: 2, TotalOutputEvents: 2}, p)
}

func TestPlanReplayTailBound(t *testing.T) {
	events := []asciinema.Event{
		asciinema.Output(0, "clear"),
		asciinema.Output(0, "a"),
		asciinema.Resize(0, 100, 30),
		asciinema.Output(0, "b"),
		asciinema.Input(0, "ls"),
		asciinema.Output(0, "c"),
		asciinema.Output(0, "d"),
	}

	tests := []struct {
		name    string
		tail    int
		send    int
		hasMore bool
	}{
		{"fewer than available", 2, 5, true},
		{"exactly available", 4, 1, false},
		{"more than available", 10, 1, false},
		{"no tail sends everything", 0, 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := planReplay(events, 0, tt.tail)
			assert.Equal(t, 1, p.BaseStartIndex)
			assert.Equal(t, tt.send, p.SendStartIndex)
			assert.Equal(t, tt.hasMore, p.HasMore)
			assert.Equal(t, 4, p.TotalOutputEvents)
			assert.Equal(t, 6, p.TotalEvents)
		})
	}
}

func TestTailBoundThroughWatcher(t *testing.T) {
	rec := newRecording(t, scenarioHeader).add(
		`[0.1,"o","\u001bc"]`,
		`[0.2,"o","a"]`,
		`[0.3,"o","b"]`,
		`[0.4,"i","x"]`,
		`[0.5,"o","c"]`,
		`[0.6,"o","d"]`,
		`[0.7,"o","e"]`,
	).write()

	t.Run("at least N", func(t *testing.T) {
		f := newFixture(t, rec)
		f.w.cacheTail = 3
		l := &recorder{}
		require.NoError(t, f.w.AddClient(context.Background(), "s1", l, 3))
		assert.Equal(t, []string{"c", "d", "e"}, l.data())

		cached, _ := f.cache.Get(context.Background(), "s1")
		require.NotNil(t, cached)
		assert.Equal(t, 3, cached.Payload.ChunkOutputEvents)
		assert.True(t, cached.Payload.HasMore)
		assert.Equal(t, history.ModeTail, cached.Payload.Mode)
		require.NotNil(t, cached.Payload.PreviousOffset)
		assert.Equal(t, rec.offsets[1], *cached.Payload.PreviousOffset)
		assert.Equal(t, rec.offsets[4], cached.Payload.ChunkStartOffset)
	})

	t.Run("fewer than N", func(t *testing.T) {
		f := newFixture(t, rec)
		l := &recorder{}
		require.NoError(t, f.w.AddClient(context.Background(), "s1", l, 50))
		assert.Equal(t, []string{"a", "b", "c", "d", "e"}, l.data())
	})
}

func TestClearOffsetIndependentOfReadChunking(t *testing.T) {
	clearLine := `[0.2,"o","prompt$ \u001b[2Jafter"]`
	rec := newRecording(t, scenarioHeader).add(
		`[0.1,"o","before"]`,
		clearLine,
		`[0.3,"o","tail"]`,
	).write()
	want := rec.offsets[1] + int64(strings.Index(clearLine, `\u001b[2J`))

	for _, size := range []int{1, 2, 3, 5, 7, 16, 64, 4096} {
		f := newFixture(t, rec, WithReadBufferSize(size))
		for round := 0; round < 3; round++ {
			l := &recorder{}
			require.NoError(t, f.w.AddClient(context.Background(), "s1", l, 0))

			s := f.state(t)
			s.mu.Lock()
			got := s.clear.byteOffset
			s.mu.Unlock()
			assert.Equal(t, want, got, "buffer size %d, round %d", size, round)
			assert.Equal(t, []string{"tail"}, l.data())

			f.w.RemoveClient("s1", l)
		}
		assert.Equal(t, rec.offsets[1], f.store.points["s1"].Offset)
		assert.Equal(t, 1, f.store.saves, "clear point is only written when it moves")
	}
}

func TestClearSplitAcrossEvents(t *testing.T) {
	second := `[0.2,"o","2Jfresh"]`
	rec := newRecording(t, scenarioHeader).add(
		`[0.1,"o","old\u001b["]`,
		second,
		`[0.3,"o","more"]`,
	).write()
	f := newFixture(t, rec)

	l := &recorder{}
	require.NoError(t, f.w.AddClient(context.Background(), "s1", l, 0))
	assert.Equal(t, []string{"more"}, l.data())

	s := f.state(t)
	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, rec.offsets[1]+int64(strings.Index(second, "2Jfresh")), s.clear.byteOffset)
}

func TestCompletesSplitClear(t *testing.T) {
	tests := []struct {
		residual, data string
		want           bool
	}{
		{"ab\x1b", "[2J", true},
		{"a\x1b[", "3Jx", true},
		{"\x1b[2", "J", true},
		{"xy\x1b", "c", true},
		{"xyz", "\x1b[2J", false},
		{"\x1b[2J", "abc", false},
		{"ab\x1b", "[1J", false},
		{"", "\x1bc", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, completesSplitClear(residualOf(tt.residual), tt.data), "%q + %q", tt.residual, tt.data)
	}
}

func TestLastRawClearEitherCase(t *testing.T) {
	assert.Equal(t, 9, lastRawClear([]byte(`[0,"o","a\u001B[3Jb"]`)))
	assert.Equal(t, -1, lastRawClear([]byte(`[0,"o","\u001b[1J"]`)))
	line := []byte(`[0,"o","\u001bc x \u001b[2J"]`)
	assert.Equal(t, strings.LastIndex(string(line), `\u001b[2J`), lastRawClear(line))
}

func TestLastRawClearIgnoresSpelledOutSequence(t *testing.T) {
	assert.Equal(t, -1, lastRawClear([]byte(`[0,"o","echo '\\u001b[2J'"]`)))
	assert.Equal(t, -1, lastRawClear([]byte(`[0,"o","\\u001bc"]`)))

	// An escaped backslash followed by a real escape is still a clear.
	line := []byte(`[0,"o","a\\\u001b[2J"]`)
	assert.Equal(t, strings.Index(string(line), `\u001b[2J`), lastRawClear(line))

	// The real sequence wins over a later spelled-out one.
	line = []byte(`[0,"o","\u001b[3J then \\u001b[2J"]`)
	assert.Equal(t, strings.Index(string(line), `\u001b[3J`), lastRawClear(line))
}

func TestSpelledOutClearKeepsHistory(t *testing.T) {
	rec := newRecording(t, scenarioHeader).add(
		`[0.1,"o","one"]`,
		`[0.2,"o","echo '\\u001b[2J'"]`,
		`[0.3,"o","three"]`,
	).write()
	f := newFixture(t, rec)

	l := &recorder{}
	require.NoError(t, f.w.AddClient(context.Background(), "s1", l, 0))
	assert.Equal(t, []string{"one", "echo '\\u001b[2J'", "three"}, l.data())

	s := f.state(t)
	s.mu.Lock()
	assert.False(t, s.clear.found)
	s.mu.Unlock()
	assert.Zero(t, f.store.saves)
}

func TestResizeBeforeClearRewritesHeader(t *testing.T) {
	rec := newRecording(t, scenarioHeader).add(
		`[0.1,"r","120x40"]`,
		`[0.2,"o","\u001b[2J"]`,
		`[0.3,"o","x"]`,
	).write()
	f := newFixture(t, rec)

	l := &recorder{}
	require.NoError(t, f.w.AddClient(context.Background(), "s1", l, 0))
	assert.Equal(t, 120, l.header.Width)
	assert.Equal(t, 40, l.header.Height)
	assert.Equal(t, ClearPoint{Offset: rec.offsets[1], Cols: 120, Rows: 40}, f.store.points["s1"])

	// A rescan starting at the stored point keeps the geometry.
	f.w.RemoveClient("s1", l)
	l2 := &recorder{}
	require.NoError(t, f.w.AddClient(context.Background(), "s1", l2, 0))
	assert.Equal(t, 120, l2.header.Width)
	assert.Equal(t, []string{"x"}, l2.data())
}

func TestHeaderSplitAcrossReadBuffer(t *testing.T) {
	header := `{"version":2,"width":80,"height":24,"title":"héllo wörld ✓ 终端"}`
	rec := newRecording(t, header).add(`[0.1,"o","hi"]`).write()
	f := newFixture(t, rec, WithReadBufferSize(3))

	l := &recorder{}
	require.NoError(t, f.w.AddClient(context.Background(), "s1", l, 0))
	assert.Equal(t, "héllo wörld ✓ 终端", l.header.Title)
	assert.Equal(t, []string{"hi"}, l.data())

	cached, _ := f.cache.Get(context.Background(), "s1")
	require.NotNil(t, cached)
	assert.Equal(t, int64(len(header)+1), cached.Payload.ChunkStartOffset)
}

func TestReadHeaderWithoutNewline(t *testing.T) {
	_, _, err := readHeader(strings.NewReader(`{"version":2`), 4)
	assert.ErrorIs(t, err, ErrNoHeader)
}

func TestListenersShareOneWatch(t *testing.T) {
	rec := newRecording(t, scenarioHeader).add(`[0.1,"o","x"]`).write()
	f := newFixture(t, rec)
	ctx := context.Background()

	a, b := &recorder{}, &recorder{}
	require.NoError(t, f.w.AddClient(ctx, "s1", a, 0))
	require.NoError(t, f.w.AddClient(ctx, "s1", b, 0))
	assert.Equal(t, int32(1), f.watches.created.Load())

	f.w.RemoveClient("s1", a)
	assert.True(t, f.w.Active("s1"))
	assert.Equal(t, int32(0), f.watches.closed.Load())

	f.w.RemoveClient("s1", b)
	assert.False(t, f.w.Active("s1"))
	assert.Equal(t, int32(1), f.watches.closed.Load())

	f.w.RemoveClient("s1", b)
	f.w.RemoveClient("nope", b)
	f.w.Poll("nope")
	assert.Equal(t, int32(1), f.watches.created.Load())
	assert.Equal(t, int32(1), f.watches.closed.Load())
}

func TestLiveAppendUsesPerListenerClock(t *testing.T) {
	rec := newRecording(t, scenarioHeader).add(`[0.1,"o","x"]`).write()
	f := newFixture(t, rec)
	ctx := context.Background()

	early := &recorder{}
	require.NoError(t, f.w.AddClient(ctx, "s1", early, 0))
	f.clock.Add(5 * time.Second)
	late := &recorder{}
	require.NoError(t, f.w.AddClient(ctx, "s1", late, 0))
	f.clock.Add(2 * time.Second)

	rec.appendRaw(`[9.0,"o","hel`)
	f.w.Poll("s1")
	assert.Equal(t, []string{"x"}, early.data(), "incomplete line must be held back")

	rec.appendRaw("lo\"]\n")
	f.w.Poll("s1")
	f.w.Poll("s1")

	require.Len(t, early.events, 2)
	require.Len(t, late.events, 2)
	assert.Equal(t, "hello", early.events[1].Data)
	assert.InDelta(t, 7.0, early.events[1].Time, 1e-9)
	assert.InDelta(t, 2.0, late.events[1].Time, 1e-9)

	cached, _ := f.cache.Get(ctx, "s1")
	require.NotNil(t, cached)
	assert.Equal(t, 2, cached.Payload.ChunkOutputEvents)
}

func TestFileAppendReachesListenerThroughFsnotify(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	rec := newRecording(t, scenarioHeader).add(`[0.1,"o","x"]`).write()
	store := newMemStore()
	store.paths["s1"] = rec.path
	w := New(store)
	defer w.Close()

	l := &recorder{}
	require.NoError(t, w.AddClient(context.Background(), "s1", l, 0))
	require.Equal(t, []string{"x"}, l.data())

	rec.appendRaw("[1.0,\"o\",\"live\"]\n")
	require.Eventually(t, func() bool {
		return len(l.data()) == 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"x", "live"}, l.data())

	w.RemoveClient("s1", l)
	assert.False(t, w.Active("s1"))

	// Later writes have nobody to reach once the watch is gone.
	rec.appendRaw("[2.0,\"o\",\"gone\"]\n")
	assert.Never(t, func() bool {
		return len(l.data()) > 2
	}, 200*time.Millisecond, 20*time.Millisecond)
}

func TestLiveClearPrunesHistory(t *testing.T) {
	rec := newRecording(t, scenarioHeader).add(`[0.1,"o","old"]`).write()
	f := newFixture(t, rec)
	ctx := context.Background()

	l := &recorder{}
	require.NoError(t, f.w.AddClient(ctx, "s1", l, 0))

	rec.appendRaw("[1.0,\"o\",\"\\u001b[2J\"]\n[1.1,\"o\",\"new\"]\n")
	f.w.Poll("s1")

	late := &recorder{}
	require.NoError(t, f.w.AddClient(ctx, "s1", late, 0))
	assert.Equal(t, []string{"new"}, late.data())

	s := f.state(t)
	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Len(t, s.events, 1)
}

func TestMalformedLinesAreSkipped(t *testing.T) {
	rec := newRecording(t, scenarioHeader).add(
		`[0.1,"o","a"]`,
		`not json at all`,
		`[0.2,"x","unknown kind"]`,
		`{"object":true}`,
		`[0.3,"o","b"]`,
	).write()
	f := newFixture(t, rec)

	l := &recorder{}
	require.NoError(t, f.w.AddClient(context.Background(), "s1", l, 0))
	assert.Equal(t, []string{"a", "b"}, l.data())
}

func TestReplayEndingInExitClosesListener(t *testing.T) {
	rec := newRecording(t, scenarioHeader).add(
		`[0.1,"o","bye"]`,
		`["exit",0,"s1"]`,
	).write()
	f := newFixture(t, rec)

	l := &recorder{}
	require.NoError(t, f.w.AddClient(context.Background(), "s1", l, 0))
	require.Len(t, l.events, 2)
	assert.Equal(t, asciinema.KindExit, l.events[1].Kind)
	assert.Equal(t, 1, l.closed)

	assert.False(t, f.w.Active("s1"))
	assert.Equal(t, f.watches.created.Load(), f.watches.closed.Load())
}

func TestLiveExitClosesListeners(t *testing.T) {
	rec := newRecording(t, scenarioHeader).add(`[0.1,"o","x"]`).write()
	f := newFixture(t, rec)

	l := &recorder{}
	require.NoError(t, f.w.AddClient(context.Background(), "s1", l, 0))
	rec.appendRaw(`["exit",3,"s1"]` + "\n")
	f.w.Poll("s1")

	require.Len(t, l.events, 2)
	assert.Equal(t, 3, l.events[1].ExitCode)
	assert.Equal(t, 1, l.closed)
}

func TestFailingListenerIsDetached(t *testing.T) {
	rec := newRecording(t, scenarioHeader).add(`[0.1,"o","x"]`).write()
	f := newFixture(t, rec)
	ctx := context.Background()

	good, bad := &recorder{}, &recorder{}
	require.NoError(t, f.w.AddClient(ctx, "s1", good, 0))
	require.NoError(t, f.w.AddClient(ctx, "s1", bad, 0))

	bad.mu.Lock()
	bad.fail = true
	bad.mu.Unlock()

	rec.appendRaw(`[1,"o","y"]` + "\n")
	f.w.Poll("s1")
	assert.Equal(t, []string{"x", "y"}, good.data())
	assert.Equal(t, 1, bad.closed)

	rec.appendRaw(`[2,"o","z"]` + "\n")
	f.w.Poll("s1")
	assert.Equal(t, []string{"x", "y", "z"}, good.data())
	assert.Equal(t, []string{"x"}, bad.data())
}

func TestAddClientUnknownSessionLeavesNoState(t *testing.T) {
	rec := newRecording(t, scenarioHeader).write()
	f := newFixture(t, rec)

	err := f.w.AddClient(context.Background(), "missing", &recorder{}, 0)
	assert.Error(t, err)
	assert.False(t, f.w.Active("missing"))
}

func TestClosedWatcherRejectsClients(t *testing.T) {
	rec := newRecording(t, scenarioHeader).add(`[0.1,"o","x"]`).write()
	f := newFixture(t, rec)

	l := &recorder{}
	require.NoError(t, f.w.AddClient(context.Background(), "s1", l, 0))
	require.NoError(t, f.w.Close())
	assert.Equal(t, 1, l.closed)
	assert.Equal(t, int32(1), f.watches.closed.Load())

	assert.ErrorIs(t, f.w.AddClient(context.Background(), "s1", &recorder{}, 0), ErrClosed)
}

func TestPageReturnsOlderEvents(t *testing.T) {
	rec := newRecording(t, scenarioHeader).add(
		`[0.1,"o","a"]`,
		`[0.2,"i","ignored"]`,
		`[0.3,"o","b"]`,
		`[0.4,"o","c"]`,
		`[0.5,"o","d"]`,
	).write()
	f := newFixture(t, rec)
	ctx := context.Background()

	page, err := f.w.Page(ctx, "s1", rec.offsets[0], rec.offsets[3])
	require.NoError(t, err)
	require.NotNil(t, page)
	assert.Equal(t, 2, page.ChunkOutputEvents)
	assert.Equal(t, rec.offsets[0], page.ChunkStartOffset)
	assert.Equal(t, rec.offsets[3], page.NextOffset)
	assert.Nil(t, page.PreviousOffset)
	assert.Equal(t, "a", page.Events[0].Data)
	assert.Equal(t, "b", page.Events[1].Data)

	_, err = f.w.Page(ctx, "s1", 10, 10)
	assert.ErrorIs(t, err, ErrBadRange)
}

func TestLineSplitterOffsets(t *testing.T) {
	var (
		split  = lineSplitter{offset: 100}
		lines  []string
		starts []int64
	)
	collect := func(line []byte, start int64) {
		lines = append(lines, string(line))
		starts = append(starts, start)
	}
	split.feed([]byte("ab"), collect)
	split.feed([]byte("c\r\n\nde"), collect)
	assert.Equal(t, int64(106), split.complete())
	split.feed([]byte("f\n"), collect)

	assert.Equal(t, []string{"abc", "def"}, lines)
	assert.Equal(t, []int64{100, 106}, starts)
	assert.Equal(t, int64(110), split.complete())
}
