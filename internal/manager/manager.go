package manager

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	mfhttp "github.com/tanq16/modelfetch/internal/downloaders/http"
)

type entry struct {
	transfer *mfhttp.Transfer
	started  time.Time
	done     chan struct{}
	err      error
}

// Manager owns every transfer started by the process so that host lifecycle
// signals (pause, resume, quit) reach all of them.
type Manager struct {
	opts      mfhttp.Options
	mu        sync.Mutex
	transfers map[string]*entry
	wg        sync.WaitGroup
}

func New(opts mfhttp.Options) *Manager {
	return &Manager{opts: opts, transfers: make(map[string]*entry)}
}

// Start registers a transfer for req and runs it in the background.
func (m *Manager) Start(ctx context.Context, req mfhttp.Request) *mfhttp.Transfer {
	return m.StartWith(ctx, req, m.opts)
}

// StartWith is Start with per-transfer options.
func (m *Manager) StartWith(ctx context.Context, req mfhttp.Request, opts mfhttp.Options) *mfhttp.Transfer {
	t := mfhttp.NewTransfer(req, opts)
	e := &entry{transfer: t, started: time.Now(), done: make(chan struct{})}
	m.mu.Lock()
	m.transfers[t.ID()] = e
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		e.err = t.Run(ctx)
		close(e.done)
		log.Debug().Str("op", "manager/manager").Str("id", t.ID()).Str("state", t.State().String()).Msg("transfer finished")
	}()
	return t
}

func (m *Manager) lookup(id string) (*entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.transfers[id]
	return e, ok
}

func (m *Manager) Get(id string) (*mfhttp.Transfer, bool) {
	e, ok := m.lookup(id)
	if !ok {
		return nil, false
	}
	return e.transfer, true
}

// Wait blocks until the transfer finishes, deregisters it and returns its
// result. A transfer can be waited on once.
func (m *Manager) Wait(ctx context.Context, id string) error {
	e, ok := m.lookup(id)
	if !ok {
		return fmt.Errorf("unknown transfer %s", id)
	}
	select {
	case <-e.done:
		m.remove(id, e)
		return e.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Forget deregisters a finished transfer without collecting its result.
// It reports false when the transfer is unknown or still running.
func (m *Manager) Forget(id string) bool {
	e, ok := m.lookup(id)
	if !ok {
		return false
	}
	select {
	case <-e.done:
		return m.remove(id, e)
	default:
		return false
	}
}

func (m *Manager) remove(id string, e *entry) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.transfers[id] != e {
		return false
	}
	delete(m.transfers, id)
	return true
}

// Len is the number of registered transfers, finished ones included until
// they are collected.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.transfers)
}

// WaitAll blocks until every started transfer has finished.
func (m *Manager) WaitAll() {
	m.wg.Wait()
}

func (m *Manager) snapshot() []*entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := make([]*entry, 0, len(m.transfers))
	for _, e := range m.transfers {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].started.Before(entries[j].started)
	})
	return entries
}

// Active lists transfers that have not reached a terminal state, oldest first.
func (m *Manager) Active() []*mfhttp.Transfer {
	var out []*mfhttp.Transfer
	for _, e := range m.snapshot() {
		if !e.transfer.State().Terminal() {
			out = append(out, e.transfer)
		}
	}
	return out
}

// PauseAll returns the number of transfers that were paused.
func (m *Manager) PauseAll() int {
	n := 0
	for _, t := range m.Active() {
		if t.Pause() {
			n++
		}
	}
	return n
}

func (m *Manager) ResumeAll() int {
	n := 0
	for _, t := range m.Active() {
		if t.Resume() {
			n++
		}
	}
	return n
}

func (m *Manager) CancelAll() {
	for _, t := range m.Active() {
		t.Cancel()
	}
}

// Shutdown is the application-quit path: every active transfer is paused and
// cancelled, then Shutdown waits up to timeout for all of them to release
// their files. It reports whether they all finished in time.
func (m *Manager) Shutdown(timeout time.Duration) bool {
	active := m.Active()
	log.Info().Str("op", "manager/manager").Int("active", len(active)).Msg("shutting down transfers")
	results := make(chan bool, len(active))
	for _, t := range active {
		go func() { results <- t.Quit(timeout) }()
	}
	ok := true
	for range active {
		if !<-results {
			ok = false
		}
	}
	return ok
}
