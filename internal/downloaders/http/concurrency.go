package mfhttp

import (
	"context"
	"runtime"
	"sync"

	"github.com/shirou/gopsutil/v3/mem"
)

// ConcurrencyStrategy picks the starting number of parallel chunk requests.
type ConcurrencyStrategy interface {
	InitialConcurrency(maxConfigured int) int
}

// FixedStrategy always starts at N (clamped).
type FixedStrategy int

func (s FixedStrategy) InitialConcurrency(maxConfigured int) int {
	return clampInt(int(s), 1, max(1, maxConfigured))
}

// HostStrategy derives the starting concurrency from core count and available memory.
type HostStrategy struct {
	Mobile bool
}

const (
	lowMemory = 1 << 30
	midMemory = 4 << 30
)

func (s HostStrategy) InitialConcurrency(maxConfigured int) int {
	n := runtime.NumCPU()
	if vm, err := mem.VirtualMemory(); err == nil {
		switch {
		case vm.Available < lowMemory:
			n = min(n, 2)
		case vm.Available < midMemory:
			n = min(n, 4)
		}
	}
	if s.Mobile {
		n = min(n, 3)
	}
	return clampInt(n, 1, max(1, maxConfigured))
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// AdaptiveLimiter bounds in-flight chunk requests and adjusts the bound AIMD style:
// +1 after a run of successes, -1 after two consecutive failures or one severe failure.
type AdaptiveLimiter struct {
	telemetry Telemetry

	mu        sync.Mutex
	changed   chan struct{}
	limit     int
	max       int
	inFlight  int
	successes int
	failures  int
	pinned    bool
}

func NewAdaptiveLimiter(initial, maxConfigured int, telemetry Telemetry) *AdaptiveLimiter {
	if telemetry == nil {
		telemetry = noopTelemetry{}
	}
	maxConfigured = max(1, maxConfigured)
	return &AdaptiveLimiter{
		telemetry: telemetry,
		changed:   make(chan struct{}),
		limit:     clampInt(initial, 1, maxConfigured),
		max:       maxConfigured,
	}
}

// broadcast wakes every waiter; callers hold mu.
func (l *AdaptiveLimiter) broadcast() {
	close(l.changed)
	l.changed = make(chan struct{})
}

// Acquire blocks until a slot is free under the current limit.
func (l *AdaptiveLimiter) Acquire(ctx context.Context) error {
	for {
		l.mu.Lock()
		if l.inFlight < l.limit {
			l.inFlight++
			l.mu.Unlock()
			return nil
		}
		wait := l.changed
		l.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
	}
}

func (l *AdaptiveLimiter) Release() {
	l.mu.Lock()
	if l.inFlight > 0 {
		l.inFlight--
	}
	l.broadcast()
	l.mu.Unlock()
}

func (l *AdaptiveLimiter) growthThreshold() int {
	return clampInt(l.limit*2, 3, 10)
}

func (l *AdaptiveLimiter) OnSuccess() {
	l.mu.Lock()
	l.failures = 0
	l.successes++
	changed := false
	if !l.pinned && l.successes >= l.growthThreshold() {
		l.successes = 0
		if l.limit < l.max {
			l.limit++
			changed = true
			l.broadcast()
		}
	}
	limit := l.limit
	l.mu.Unlock()
	if changed {
		l.telemetry.ConcurrencyChanged(limit)
	}
}

func (l *AdaptiveLimiter) OnFailure(failure *TransferError) {
	if failure == nil || !failure.Class.Retryable() {
		return
	}
	l.mu.Lock()
	l.successes = 0
	l.failures++
	changed := false
	if l.failures >= 2 || failure.Severe() {
		l.failures = 0
		if l.limit > 1 {
			l.limit--
			changed = true
		}
	}
	limit := l.limit
	l.mu.Unlock()
	if changed {
		l.telemetry.ConcurrencyChanged(limit)
	}
}

// Pin fixes the limit for the rest of the limiter's life.
func (l *AdaptiveLimiter) Pin(n int) {
	l.mu.Lock()
	l.limit = clampInt(n, 1, l.max)
	l.pinned = true
	l.successes, l.failures = 0, 0
	limit := l.limit
	l.broadcast()
	l.mu.Unlock()
	l.telemetry.ConcurrencyChanged(limit)
}

func (l *AdaptiveLimiter) Limit() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limit
}

func (l *AdaptiveLimiter) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inFlight
}
