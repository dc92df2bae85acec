package mfhttp

import (
	"context"
	"sync"
)

type State int

const (
	StateRunning State = iota
	StatePaused
	StateCancelled
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateCancelled:
		return "cancelled"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

func (s State) Terminal() bool {
	return s == StateCancelled || s == StateCompleted || s == StateFailed
}

// Lifecycle coordinates pause, resume and cancel. The outer context is the
// user's cancellation; the inner context is replaced on every resume and is
// cancelled by Pause so in-flight requests stop without cancelling the transfer.
type Lifecycle struct {
	mu          sync.Mutex
	state       State
	outer       context.Context
	cancelOuter context.CancelFunc
	inner       context.Context
	cancelInner context.CancelFunc
	gate        chan struct{}
}

func NewLifecycle(parent context.Context) *Lifecycle {
	outer, cancelOuter := context.WithCancel(parent)
	inner, cancelInner := context.WithCancel(outer)
	gate := make(chan struct{})
	close(gate)
	return &Lifecycle{
		state:       StateRunning,
		outer:       outer,
		cancelOuter: cancelOuter,
		inner:       inner,
		cancelInner: cancelInner,
		gate:        gate,
	}
}

// Context is cancelled only by Cancel or by the parent.
func (l *Lifecycle) Context() context.Context {
	return l.outer
}

// RequestContext is the scope for in-flight I/O; Pause cancels it.
func (l *Lifecycle) RequestContext() context.Context {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inner
}

func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateRunning || l.state == StatePaused {
		if l.outer.Err() != nil {
			return StateCancelled
		}
	}
	return l.state
}

func (l *Lifecycle) Paused() bool {
	return l.State() == StatePaused
}

func (l *Lifecycle) Pause() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateRunning {
		return false
	}
	l.state = StatePaused
	l.gate = make(chan struct{})
	l.cancelInner()
	return true
}

func (l *Lifecycle) Resume() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StatePaused {
		return false
	}
	l.inner, l.cancelInner = context.WithCancel(l.outer)
	l.state = StateRunning
	close(l.gate)
	return true
}

// Cancel is terminal and releases anything parked on the pause gate.
func (l *Lifecycle) Cancel() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state.Terminal() {
		return
	}
	wasPaused := l.state == StatePaused
	l.state = StateCancelled
	l.cancelOuter()
	l.cancelInner()
	if wasPaused {
		close(l.gate)
	}
}

func (l *Lifecycle) Complete() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state.Terminal() {
		return
	}
	if l.state == StatePaused {
		close(l.gate)
	}
	l.state = StateCompleted
	l.cancelInner()
}

func (l *Lifecycle) Fail() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state.Terminal() {
		return
	}
	if l.state == StatePaused {
		close(l.gate)
	}
	l.state = StateFailed
	l.cancelInner()
}

// Release frees the contexts once the transfer is done.
func (l *Lifecycle) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cancelInner()
	l.cancelOuter()
}

// WaitRunning blocks while paused and returns the request scope to use.
// It fails when ctx or the transfer is cancelled.
func (l *Lifecycle) WaitRunning(ctx context.Context) (context.Context, error) {
	for {
		l.mu.Lock()
		state, gate, inner := l.state, l.gate, l.inner
		l.mu.Unlock()
		switch state {
		case StateCancelled:
			return nil, ErrCancelled
		case StateRunning, StateCompleted, StateFailed:
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if l.outer.Err() != nil {
				return nil, ErrCancelled
			}
			return inner, nil
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-l.outer.Done():
			return nil, ErrCancelled
		}
	}
}
