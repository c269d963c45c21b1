package offload

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/moltty/termcast/internal/history"
	"github.com/moltty/termcast/internal/logging"
	"github.com/moltty/termcast/internal/snapshot"
)

// Runner is what callers use: it prefers the pool and runs the task inline
// once the pool is disabled or destroyed. A nil pool always runs inline.
type Runner struct {
	pool     *Pool
	logger   zerolog.Logger
	degraded atomic.Bool
}

func NewRunner(pool *Pool) *Runner {
	return &Runner{pool: pool, logger: logging.Component("offload")}
}

func (r *Runner) run(ctx context.Context, t Task) (Result, error) {
	if r.pool != nil {
		res, err := r.pool.Run(ctx, t)
		switch {
		case err == nil:
			return res, nil
		case errors.Is(err, ErrPoolDisabled), errors.Is(err, ErrPoolClosed):
			if r.degraded.CompareAndSwap(false, true) {
				r.logger.Warn().Err(err).Msg("offload unavailable, running tasks inline")
			}
		default:
			return Result{}, err
		}
	}
	return Execute(t)
}

// EncodeSnapshot encodes cur against prev.
func (r *Runner) EncodeSnapshot(ctx context.Context, cur, prev *snapshot.Buffer) ([]byte, bool, error) {
	res, err := r.run(ctx, Task{Kind: KindEncodeSnapshot, Current: cur, Previous: prev})
	if err != nil {
		return nil, false, err
	}
	return res.Frame, res.UsedDiff, nil
}

// BuildHistoryChunk builds a history chunk.
func (r *Runner) BuildHistoryChunk(ctx context.Context, in history.ChunkInput) (history.ChunkResult, error) {
	res, err := r.run(ctx, Task{Kind: KindBuildHistoryChunk, Chunk: in})
	if err != nil {
		return history.ChunkResult{}, err
	}
	return res.Chunk, nil
}
