package mfhttp

import (
	"context"
	"net/http"
	"sync"
	"time"
)

type HealthConfig struct {
	// BaseTimeout is the per-request stall timeout the monitor decays back to.
	BaseTimeout time.Duration
	// MaxTimeout caps the adaptive timeout.
	MaxTimeout time.Duration
	// TimeoutStep is the minimum increase after a timeout; other network
	// failures add a third of it.
	TimeoutStep time.Duration
	// BackoffUnit scales the reason-specific backoff windows.
	BackoffUnit time.Duration
	// MaxBackoff caps how far into the future the shared window may reach.
	MaxBackoff time.Duration
	// PollInterval bounds each sleep slice while waiting out a window.
	PollInterval time.Duration
}

func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		BaseTimeout:  30 * time.Second,
		MaxTimeout:   2 * time.Minute,
		TimeoutStep:  15 * time.Second,
		BackoffUnit:  time.Second,
		MaxBackoff:   30 * time.Second,
		PollInterval: 250 * time.Millisecond,
	}
}

func (c HealthConfig) withDefaults() HealthConfig {
	d := DefaultHealthConfig()
	if c.BaseTimeout <= 0 {
		c.BaseTimeout = d.BaseTimeout
	}
	if c.MaxTimeout < c.BaseTimeout {
		c.MaxTimeout = max(d.MaxTimeout, c.BaseTimeout)
	}
	if c.TimeoutStep <= 0 {
		c.TimeoutStep = d.TimeoutStep
	}
	if c.BackoffUnit <= 0 {
		c.BackoffUnit = d.BackoffUnit
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	return c
}

// NetworkHealth is the gate shared by every chunk worker of one transfer:
// a forward-only backoff deadline plus an adaptive request timeout.
type NetworkHealth struct {
	cfg       HealthConfig
	telemetry Telemetry
	now       func() time.Time

	mu           sync.Mutex
	backoffUntil time.Time
	timeout      time.Duration
}

func NewNetworkHealth(cfg HealthConfig, telemetry Telemetry) *NetworkHealth {
	cfg = cfg.withDefaults()
	if telemetry == nil {
		telemetry = noopTelemetry{}
	}
	return &NetworkHealth{
		cfg:       cfg,
		telemetry: telemetry,
		now:       time.Now,
		timeout:   cfg.BaseTimeout,
	}
}

func (h *NetworkHealth) Timeout() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.timeout
}

func (h *NetworkHealth) BackoffUntil() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.backoffUntil
}

func (h *NetworkHealth) backoffFor(failure *TransferError) time.Duration {
	unit := h.cfg.BackoffUnit
	var d time.Duration
	switch {
	case failure.Class == ClassTimeout:
		d = 4 * unit
	case failure.Status == http.StatusTooManyRequests:
		d = 10 * unit
	case failure.Status >= 500:
		d = 3 * unit
	default:
		d = 2 * unit
	}
	if failure.RetryAfter > d {
		d = failure.RetryAfter
	}
	return min(d, h.cfg.MaxBackoff)
}

// Observe records a failure seen by any worker and returns how far the shared
// window was pushed forward. Failures without a network signal are ignored.
func (h *NetworkHealth) Observe(failure *TransferError) time.Duration {
	if failure == nil || !failure.NetworkSignal() {
		return 0
	}
	d := h.backoffFor(failure)

	h.mu.Lock()
	now := h.now()
	base := now
	if h.backoffUntil.After(base) {
		base = h.backoffUntil
	}
	candidate := base.Add(d)
	if limit := now.Add(h.cfg.MaxBackoff); candidate.After(limit) {
		candidate = limit
	}
	var extended time.Duration
	if candidate.After(h.backoffUntil) {
		if h.backoffUntil.After(now) {
			extended = candidate.Sub(h.backoffUntil)
		} else {
			extended = candidate.Sub(now)
		}
		h.backoffUntil = candidate
	}
	if failure.Class == ClassTimeout {
		h.timeout += max(h.cfg.TimeoutStep, h.timeout/2)
	} else {
		h.timeout += h.cfg.TimeoutStep / 3
	}
	h.timeout = min(h.timeout, h.cfg.MaxTimeout)
	h.mu.Unlock()

	if extended > 0 {
		h.telemetry.BackoffExtended(extended)
	}
	return extended
}

// RecordSuccess decays the timeout toward the baseline and forgets an
// elapsed window. A window still in the future is left alone.
func (h *NetworkHealth) RecordSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.timeout > h.cfg.BaseTimeout {
		h.timeout = h.cfg.BaseTimeout + (h.timeout-h.cfg.BaseTimeout)/2
	}
	if !h.backoffUntil.IsZero() && !h.backoffUntil.After(h.now()) {
		h.backoffUntil = time.Time{}
	}
}

// Wait blocks until the backoff window has passed, sleeping in bounded slices
// so cancellation is noticed promptly.
func (h *NetworkHealth) Wait(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		remaining := h.BackoffUntil().Sub(h.now())
		if remaining <= 0 {
			return nil
		}
		if err := sleepContext(ctx, min(remaining, h.cfg.PollInterval)); err != nil {
			return err
		}
	}
}
