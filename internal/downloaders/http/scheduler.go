package mfhttp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// ChunkScheduler owns the plan while a transfer runs. Workers hand back chunk
// values; only the scheduler writes them into the plan and persists it.
type ChunkScheduler struct {
	executor  *ChunkExecutor
	store     *Store
	health    *NetworkHealth
	limiter   *AdaptiveLimiter
	lifecycle *Lifecycle
	retry     RetryPolicy
	reporter  *ProgressReporter
	telemetry Telemetry
	now       func() time.Time

	mu   sync.Mutex
	plan TransferPlan
}

func (s *ChunkScheduler) Plan() TransferPlan {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plan.Clone()
}

// SetPlan replaces the plan and persists it.
func (s *ChunkScheduler) SetPlan(plan TransferPlan) error {
	s.mu.Lock()
	s.plan = plan.Clone()
	snapshot := s.plan.Clone()
	s.mu.Unlock()
	return s.store.Save(snapshot)
}

func (s *ChunkScheduler) chunk(index int) Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plan.Chunks[index]
}

// apply records a chunk outcome and persists the plan.
func (s *ChunkScheduler) apply(chunk Chunk, failure error) error {
	s.mu.Lock()
	if failure != nil {
		chunk.LastError = failure.Error()
		chunk.RetryCount++
	} else if chunk.Completed {
		chunk.LastError = ""
	}
	s.plan.Chunks[chunk.Index] = chunk
	s.plan.LastModifiedAt = s.now()
	snapshot := s.plan.Clone()
	s.mu.Unlock()
	if err := s.store.Save(snapshot); err != nil {
		return newTransferError(chunk.Index, ResultLocalIO, 0, err)
	}
	return nil
}

// RunPass dispatches every pending chunk once, each with its own retry budget.
// It returns nil when the pass ran to the end (chunks may still be pending),
// ErrRangeIgnored when the plan must be downgraded, the context error when
// cancelled, or the first fatal failure.
func (s *ChunkScheduler) RunPass(ctx context.Context, url string) error {
	plan := s.Plan()
	g, gctx := errgroup.WithContext(ctx)
	for _, index := range plan.Pending() {
		g.Go(func() error {
			return s.runChunk(gctx, url, plan.SupportsRangeRequests, plan.TotalSize, index)
		})
	}
	return g.Wait()
}

func (s *ChunkScheduler) runChunk(ctx context.Context, url string, ranged bool, total int64, index int) error {
	logger := log.With().Str("op", "http/scheduler").Int("chunk", index).Logger()
	backOff := s.retry.NewBackOff()
	attempts := 0
	for {
		scope, err := s.lifecycle.WaitRunning(ctx)
		if err != nil {
			return err
		}
		if err := s.limiter.Acquire(ctx); err != nil {
			return err
		}
		// requests stop on pause (scope) as well as on pass cancellation (ctx)
		reqCtx, cancel := context.WithCancel(ctx)
		stop := context.AfterFunc(scope, cancel)
		current := s.chunk(index)
		updated, execErr := s.executor.Execute(reqCtx, ChunkRequest{
			URL:       url,
			Path:      s.store.ChunkPath(current),
			Chunk:     current,
			Ranged:    ranged,
			TotalSize: total,
		}, s.reporter.Add)
		stop()
		cancel()
		s.limiter.Release()

		if execErr == nil {
			if err := s.apply(updated, nil); err != nil {
				return err
			}
			s.limiter.OnSuccess()
			s.health.RecordSuccess()
			s.telemetry.ChunkCompleted(updated.ExpectedLength())
			logger.Debug().Int("attempts", attempts+1).Msg("chunk complete")
			return nil
		}

		switch {
		case errors.Is(execErr, ErrRangeIgnored):
			return errors.Join(execErr, s.apply(updated, nil))
		case ctx.Err() != nil:
			if err := s.apply(updated, nil); err != nil {
				logger.Warn().Err(err).Msg("persisting interrupted chunk")
			}
			return ctx.Err()
		case scope.Err() != nil:
			// paused: not an attempt
			if err := s.apply(updated, nil); err != nil {
				return err
			}
			logger.Debug().Int64("bytes", updated.BytesDownloaded).Msg("chunk interrupted by pause")
			continue
		}

		var failure *TransferError
		if !errors.As(execErr, &failure) {
			return errors.Join(execErr, s.apply(updated, execErr))
		}
		if err := s.apply(updated, failure); err != nil {
			return err
		}
		s.health.Observe(failure)
		s.limiter.OnFailure(failure)
		s.telemetry.ChunkFailed(failure.Class)
		if !failure.Class.Retryable() {
			logger.Error().Err(failure).Msg("fatal chunk failure")
			return failure
		}
		attempts++
		if attempts >= s.retry.MaxAttempts {
			logger.Warn().Err(failure).Int("attempts", attempts).Msg("chunk retries exhausted")
			return nil
		}
		delay := backOff.Next(failure)
		logger.Debug().Err(failure).Str("class", failure.Class.String()).Int("attempt", attempts).Dur("delay", delay).Msg("retrying chunk")
		if err := sleepContext(ctx, delay); err != nil {
			return err
		}
	}
}

func pendingSummary(plan TransferPlan) string {
	pending := plan.Pending()
	return fmt.Sprintf("%d of %d chunks pending", len(pending), len(plan.Chunks))
}
