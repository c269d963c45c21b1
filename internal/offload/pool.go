// Package offload runs CPU-bound frame encoding and history-chunk building on
// a small fixed pool of worker goroutines, isolating task crashes and
// degrading to inline execution when the pool cannot be kept alive.
package offload

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/rs/zerolog"

	"github.com/moltty/termcast/internal/history"
	"github.com/moltty/termcast/internal/logging"
	"github.com/moltty/termcast/internal/snapshot"
)

var (
	// ErrPoolDisabled is returned for every task once a replacement worker
	// could not be spawned. It never clears for the life of the pool.
	ErrPoolDisabled = errors.New("offload: pool disabled after worker spawn failure")
	ErrPoolClosed   = errors.New("offload: pool destroyed")
	ErrWorkerCrash  = errors.New("offload: worker crashed")
)

// Kind selects the function a task runs.
type Kind uint8

const (
	KindEncodeSnapshot Kind = iota + 1
	KindBuildHistoryChunk
)

func (k Kind) String() string {
	switch k {
	case KindEncodeSnapshot:
		return "encodeSnapshot"
	case KindBuildHistoryChunk:
		return "buildHistoryChunk"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Task is a unit of work. Exactly one payload matches Kind.
type Task struct {
	Kind     Kind
	Current  *snapshot.Buffer
	Previous *snapshot.Buffer
	Chunk    history.ChunkInput
}

// Result carries the output for the task's Kind. Frame is handed over as-is,
// without copying.
type Result struct {
	Frame    []byte
	UsedDiff bool
	Chunk    history.ChunkResult
}

// Execute runs a task inline. Workers call it too, so pooled and inline
// results are identical.
func Execute(t Task) (Result, error) {
	switch t.Kind {
	case KindEncodeSnapshot:
		if t.Current == nil {
			return Result{}, errors.New("offload: encode task without snapshot")
		}
		frame, usedDiff := snapshot.Encode(t.Current, t.Previous)
		return Result{Frame: frame, UsedDiff: usedDiff}, nil
	case KindBuildHistoryChunk:
		return Result{Chunk: history.BuildChunk(t.Chunk)}, nil
	}
	return Result{}, fmt.Errorf("offload: unknown task kind %s", t.Kind)
}

// DefaultSize is clamp(NumCPU-1, 1, 4).
func DefaultSize() int {
	n := runtime.NumCPU() - 1
	switch {
	case n < 1:
		return 1
	case n > 4:
		return 4
	}
	return n
}

type job struct {
	task Task
	done chan outcome
}

type outcome struct {
	res Result
	err error
}

type worker struct {
	id   int
	jobs chan *job
}

// Pool is a fixed set of workers consuming a FIFO queue.
type Pool struct {
	size   int
	spawn  func(id int) error
	exec   func(Task) (Result, error)
	logger zerolog.Logger

	mu       sync.Mutex
	queue    []*job
	idle     []*worker
	workers  map[int]*worker
	nextID   int
	disabled bool
	closed   bool
	wg       sync.WaitGroup
}

// Option configures a Pool.
type Option func(*Pool)

// WithSize overrides DefaultSize. Values below 1 are ignored.
func WithSize(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.size = n
		}
	}
}

// WithSpawnHook runs fn before each worker starts; an error counts as a
// failed spawn.
func WithSpawnHook(fn func(id int) error) Option {
	return func(p *Pool) { p.spawn = fn }
}

// WithExecutor replaces the task function. Used to simulate crashes.
func WithExecutor(fn func(Task) (Result, error)) Option {
	return func(p *Pool) { p.exec = fn }
}

// New starts the pool's workers. If none can be spawned the pool starts out
// disabled.
func New(opts ...Option) *Pool {
	p := &Pool{
		size:    DefaultSize(),
		spawn:   func(int) error { return nil },
		exec:    Execute,
		logger:  logging.Component("offload"),
		workers: make(map[int]*worker),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < p.size; i++ {
		if err := p.spawnLocked(); err != nil {
			p.logger.Warn().Err(err).Int("attempt", i+1).Msg("worker spawn failed")
		}
	}
	if len(p.workers) == 0 {
		p.disabled = true
		p.logger.Warn().Msg("no workers could be spawned, offloading disabled")
	}
	return p
}

func (p *Pool) spawnLocked() error {
	id := p.nextID
	p.nextID++
	if err := p.spawn(id); err != nil {
		return err
	}
	w := &worker{id: id, jobs: make(chan *job, 1)}
	p.workers[id] = w
	p.idle = append(p.idle, w)
	p.wg.Add(1)
	go p.loop(w)
	return nil
}

// Size reports the number of live workers.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Disabled reports whether the pool has given up on workers.
func (p *Pool) Disabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disabled
}

// Run queues a task and waits for its result.
func (p *Pool) Run(ctx context.Context, t Task) (Result, error) {
	j := &job{task: t, done: make(chan outcome, 1)}

	p.mu.Lock()
	switch {
	case p.closed:
		p.mu.Unlock()
		return Result{}, ErrPoolClosed
	case p.disabled:
		p.mu.Unlock()
		return Result{}, ErrPoolDisabled
	}
	p.queue = append(p.queue, j)
	p.dispatchLocked()
	p.mu.Unlock()

	select {
	case out := <-j.done:
		return out.res, out.err
	case <-ctx.Done():
		p.cancel(j)
		return Result{}, ctx.Err()
	}
}

func (p *Pool) cancel(j *job) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, q := range p.queue {
		if q == j {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			return
		}
	}
}

func (p *Pool) dispatchLocked() {
	for len(p.queue) > 0 && len(p.idle) > 0 {
		j := p.queue[0]
		p.queue = p.queue[1:]
		w := p.idle[0]
		p.idle = p.idle[1:]
		w.jobs <- j
	}
}

func (p *Pool) loop(w *worker) {
	defer p.wg.Done()
	for j := range w.jobs {
		res, err, crashed := p.runJob(j.task)
		if crashed {
			j.done <- outcome{err: err}
			p.replace(w, err)
			return
		}
		j.done <- outcome{res: res, err: err}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return
		}
		p.idle = append(p.idle, w)
		p.dispatchLocked()
		p.mu.Unlock()
	}
}

func (p *Pool) runJob(t Task) (res Result, err error, crashed bool) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s task: %v", ErrWorkerCrash, t.Kind, r)
			crashed = true
		}
	}()
	res, err = p.exec(t)
	return res, err, false
}

// replace removes a crashed worker and spawns a successor. A failed spawn
// disables the pool and rejects everything still queued.
func (p *Pool) replace(w *worker, cause error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.workers, w.id)
	if p.closed {
		return
	}
	p.logger.Warn().Err(cause).Int("worker", w.id).Msg("worker crashed, respawning")

	if err := p.spawnLocked(); err != nil {
		p.logger.Error().Err(err).Msg("respawn failed, disabling offload pool")
		p.disabled = true
		p.rejectQueuedLocked(ErrPoolDisabled)
		return
	}
	p.dispatchLocked()
}

func (p *Pool) rejectQueuedLocked(err error) {
	for _, j := range p.queue {
		j.done <- outcome{err: err}
	}
	p.queue = nil
}

// Destroy stops all workers and rejects queued tasks with ErrPoolClosed.
// Tasks already running finish and deliver their results.
func (p *Pool) Destroy() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.rejectQueuedLocked(ErrPoolClosed)
	for _, w := range p.workers {
		close(w.jobs)
	}
	p.workers = make(map[int]*worker)
	p.idle = nil
	p.mu.Unlock()

	p.wg.Wait()
}

var (
	sharedOnce sync.Once
	shared     *Pool
)

// Shared returns the process-wide pool, creating it on first use.
func Shared(opts ...Option) *Pool {
	sharedOnce.Do(func() { shared = New(opts...) })
	return shared
}
