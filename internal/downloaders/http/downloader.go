package mfhttp

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"github.com/tanq16/modelfetch/internal/utils"
	"golang.org/x/time/rate"
)

// Resolver maps the requested URL to the URL actually fetched. It runs before
// every pass so short-lived signed URLs stay fresh.
type Resolver interface {
	Resolve(ctx context.Context, rawURL string) (string, error)
}

type ResolverFunc func(ctx context.Context, rawURL string) (string, error)

func (f ResolverFunc) Resolve(ctx context.Context, rawURL string) (string, error) {
	return f(ctx, rawURL)
}

type Options struct {
	MaxConcurrency int
	ChunkSize      int64
	Retry          RetryPolicy
	Health         HealthConfig
	Strategy       ConcurrencyStrategy
	BufferSize     int
	RateLimit      int64 // bytes per second, 0 for unlimited
	Fs             afero.Fs
	Client         utils.HTTPDoer
	Sink           Sink
	Telemetry      Telemetry
	Resolver       Resolver
}

func (o Options) withDefaults() Options {
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = 8
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = utils.DefaultChunkSize
	}
	o.Retry = o.Retry.withDefaults()
	o.Health = o.Health.withDefaults()
	if o.Strategy == nil {
		o.Strategy = HostStrategy{}
	}
	if o.BufferSize <= 0 {
		o.BufferSize = utils.DefaultBufferSize
	}
	if o.Fs == nil {
		o.Fs = afero.NewOsFs()
	}
	if o.Client == nil {
		o.Client = utils.NewHTTPClient(utils.HTTPClientConfig{})
	}
	if o.Sink == nil {
		o.Sink = discardSink{}
	}
	if o.Telemetry == nil {
		o.Telemetry = noopTelemetry{}
	}
	return o
}

type Request struct {
	URL         string
	Destination string
	// NameFromServer replaces the base name of Destination with the name the
	// server sends in Content-Disposition, keeping the directory.
	NameFromServer bool
}

// Transfer is one resumable download of Request.URL to Request.Destination.
type Transfer struct {
	id        string
	mu        sync.Mutex // guards req.Destination
	req       Request
	opts      Options
	store     *Store
	lifecycle *Lifecycle
	reporter  *ProgressReporter
	started   atomic.Bool
	done      chan struct{}
}

func NewTransfer(req Request, opts Options) *Transfer {
	opts = opts.withDefaults()
	id := uuid.NewString()
	return &Transfer{
		id:        id,
		req:       req,
		opts:      opts,
		store:     NewStore(opts.Fs, req.Destination),
		lifecycle: NewLifecycle(context.Background()),
		reporter:  NewProgressReporter(opts.Sink, id, filepath.Base(req.Destination)),
		done:      make(chan struct{}),
	}
}

func (t *Transfer) ID() string            { return t.id }
func (t *Transfer) State() State          { return t.lifecycle.State() }
func (t *Transfer) Done() <-chan struct{} { return t.done }
func (t *Transfer) Pause() bool           { return t.lifecycle.Pause() }
func (t *Transfer) Resume() bool          { return t.lifecycle.Resume() }
func (t *Transfer) Cancel()               { t.lifecycle.Cancel() }

// Request reports the transfer's request. Destination reflects a server
// provided name once the probe has run.
func (t *Transfer) Request() Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.req
}

func (t *Transfer) retarget(destination string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.req.Destination = destination
	t.store = NewStore(t.opts.Fs, destination)
}

// Quit is the application-exit path: pause so in-flight I/O stops, cancel, then
// wait up to timeout for workers to release their files.
func (t *Transfer) Quit(timeout time.Duration) bool {
	t.lifecycle.Pause()
	t.lifecycle.Cancel()
	select {
	case <-t.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Run drives the transfer to completion, cancellation or failure. Later calls
// return ErrAlreadyStarted.
func (t *Transfer) Run(ctx context.Context) error {
	if !t.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	stop := context.AfterFunc(ctx, t.lifecycle.Cancel)
	defer stop()
	defer close(t.done)
	defer t.lifecycle.Release()

	logger := log.With().Str("op", "http/downloader").Str("id", t.id).Str("dest", t.req.Destination).Logger()
	err := t.run(t.lifecycle.Context())
	switch {
	case err == nil:
		t.lifecycle.Complete()
		t.reporter.Completed("download complete")
		logger.Info().Msg("transfer complete")
	case errors.Is(err, ErrCancelled) || t.lifecycle.State() == StateCancelled:
		err = ErrCancelled
		t.lifecycle.Cancel()
		t.reporter.Cancelled("download cancelled, partial data kept for resume")
		logger.Info().Msg("transfer cancelled")
	default:
		t.lifecycle.Fail()
		t.reporter.Failed(err)
		logger.Error().Err(err).Msg("transfer failed")
	}
	return err
}

func (t *Transfer) cancelled(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ErrCancelled
	}
	return err
}

func (t *Transfer) resolve(ctx context.Context) (string, error) {
	fetchURL := t.req.URL
	if t.opts.Resolver != nil {
		resolved, err := t.opts.Resolver.Resolve(ctx, t.req.URL)
		if err != nil {
			return "", t.cancelled(ctx, fmt.Errorf("resolving %s: %w", t.req.URL, err))
		}
		fetchURL = resolved
	}
	parsed, err := url.Parse(fetchURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	return fetchURL, nil
}

// probe retries retryable probe failures under the chunk retry policy. It
// waits out a pause and its requests stop when the transfer is paused.
func (t *Transfer) probe(ctx context.Context, fetchURL string) (ProbeResult, error) {
	backOff := t.opts.Retry.NewBackOff()
	for attempt := 1; ; {
		scope, err := t.lifecycle.WaitRunning(ctx)
		if err != nil {
			return ProbeResult{}, ErrCancelled
		}
		reqCtx, cancel := context.WithCancel(ctx)
		stop := context.AfterFunc(scope, cancel)
		result, err := Probe(reqCtx, t.opts.Client, fetchURL)
		stop()
		cancel()
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return result, ErrCancelled
		}
		if scope.Err() != nil {
			log.Debug().Str("op", "http/downloader").Str("id", t.id).Msg("probe interrupted by pause")
			continue
		}
		var failure *TransferError
		if !errors.As(err, &failure) || !failure.Class.Retryable() || attempt >= t.opts.Retry.MaxAttempts {
			return result, fmt.Errorf("probing %s: %w", t.req.URL, err)
		}
		delay := backOff.Next(failure)
		log.Debug().Str("op", "http/downloader").Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("retrying probe")
		if err := sleepContext(ctx, delay); err != nil {
			return result, ErrCancelled
		}
		attempt++
	}
}

// errEmptyResource ends a run that wrote a zero-length destination without a plan.
var errEmptyResource = errors.New("empty resource")

// reuse returns the persisted plan at the current destination when it
// belongs to the requested URL.
func (t *Transfer) reuse(logger zerolog.Logger) (TransferPlan, bool, error) {
	plan, err := t.store.Load()
	switch {
	case err == nil && plan.URL == t.req.URL:
		reconciled, err := t.store.Reconcile(plan)
		if err != nil {
			return TransferPlan{}, false, err
		}
		logger.Info().Int64("bytes", reconciled.DownloadedBytes()).Str("pending", pendingSummary(reconciled)).Msg("resuming transfer")
		return reconciled, true, t.store.Save(reconciled)
	case err == nil:
		logger.Info().Str("previous", plan.URL).Msg("url changed, discarding previous plan")
	case !errors.Is(err, ErrNoPlan):
		logger.Warn().Err(err).Msg("discarding unusable plan")
	}
	return TransferPlan{}, false, nil
}

func (t *Transfer) discardStale() error {
	if err := t.store.Discard(); err != nil {
		return fmt.Errorf("discarding stale artifacts: %w", err)
	}
	return nil
}

// loadOrCreate reuses a persisted plan for the same URL, otherwise probes,
// discards stale artifacts and creates a new one.
func (t *Transfer) loadOrCreate(ctx context.Context, fetchURL string) (TransferPlan, error) {
	logger := log.With().Str("op", "http/downloader").Str("id", t.id).Logger()
	if plan, ok, err := t.reuse(logger); err != nil || ok {
		return plan, err
	}

	probed, err := t.probe(ctx, fetchURL)
	if err != nil {
		return TransferPlan{}, err
	}
	logger.Debug().Int64("size", probed.TotalSize).Bool("ranges", probed.SupportsRange).Str("name", probed.FileName).Msg("probed resource")
	if name := probed.FileName; t.req.NameFromServer && name != "" && name != filepath.Base(t.req.Destination) {
		if err := t.discardStale(); err != nil {
			return TransferPlan{}, err
		}
		t.retarget(filepath.Join(filepath.Dir(t.req.Destination), name))
		logger.Info().Str("dest", t.req.Destination).Msg("using file name from server")
		if plan, ok, err := t.reuse(logger); err != nil || ok {
			return plan, err
		}
	}
	if err := t.discardStale(); err != nil {
		return TransferPlan{}, err
	}
	if probed.TotalSize == 0 {
		if err := t.writeEmpty(); err != nil {
			return TransferPlan{}, err
		}
		return TransferPlan{}, errEmptyResource
	}
	plan, err := NewPlan(t.req.URL, filepath.Base(t.req.Destination), probed.TotalSize, t.opts.ChunkSize, probed.SupportsRange, t.store.WorkDir(), time.Now())
	if err != nil {
		return TransferPlan{}, err
	}
	if err := t.store.Save(plan); err != nil {
		return TransferPlan{}, err
	}
	return plan, nil
}

func (t *Transfer) writeEmpty() error {
	fsys := t.store.Fs()
	if err := fsys.MkdirAll(filepath.Dir(t.req.Destination), 0755); err != nil {
		return err
	}
	f, err := fsys.Create(t.req.Destination)
	if err != nil {
		return fmt.Errorf("creating %s: %w", t.req.Destination, err)
	}
	return f.Close()
}

func (t *Transfer) run(ctx context.Context) error {
	fetchURL, err := t.resolve(ctx)
	if err != nil {
		return err
	}
	plan, err := t.loadOrCreate(ctx, fetchURL)
	if errors.Is(err, errEmptyResource) {
		t.reporter.Reset(filepath.Base(t.req.Destination), 0, 0)
		return nil
	}
	if err != nil {
		return t.cancelled(ctx, err)
	}

	var bandwidth *rate.Limiter
	if t.opts.RateLimit > 0 {
		bandwidth = rate.NewLimiter(rate.Limit(t.opts.RateLimit), int(max(t.opts.RateLimit, int64(t.opts.BufferSize))))
	}
	health := NewNetworkHealth(t.opts.Health, t.opts.Telemetry)
	limiter := NewAdaptiveLimiter(t.opts.Strategy.InitialConcurrency(t.opts.MaxConcurrency), t.opts.MaxConcurrency, t.opts.Telemetry)
	if !plan.SupportsRangeRequests {
		limiter.Pin(1)
	}
	sched := &ChunkScheduler{
		executor:  NewChunkExecutor(t.opts.Client, t.store.Fs(), health, bandwidth, t.opts.BufferSize),
		store:     t.store,
		health:    health,
		limiter:   limiter,
		lifecycle: t.lifecycle,
		retry:     t.opts.Retry,
		reporter:  t.reporter,
		telemetry: t.opts.Telemetry,
		now:       time.Now,
		plan:      plan,
	}
	t.reporter.Reset(plan.FileName, plan.DownloadedBytes(), plan.TotalSize)

	logger := log.With().Str("op", "http/downloader").Str("id", t.id).Logger()
	downgraded := false
	for attempt := 0; attempt < t.opts.Retry.MaxAttempts; {
		if attempt > 0 || downgraded {
			if fetchURL, err = t.resolve(ctx); err != nil {
				return err
			}
		}
		err := sched.RunPass(ctx, fetchURL)
		switch {
		case ctx.Err() != nil:
			return ErrCancelled
		case errors.Is(err, ErrRangeIgnored) && !downgraded:
			logger.Warn().Msg("server ignored range request, switching to a single stream")
			current := sched.Plan().Downgraded(time.Now())
			if err := t.store.RemoveChunkFiles(); err != nil {
				return err
			}
			if err := sched.SetPlan(current); err != nil {
				return err
			}
			limiter.Pin(1)
			t.opts.Telemetry.Downgraded()
			t.reporter.Reset(current.FileName, 0, current.TotalSize)
			downgraded = true
			continue
		case err != nil:
			return err
		}
		if sched.Plan().IsComplete() {
			break
		}
		attempt++
		logger.Warn().Int("pass", attempt).Str("pending", pendingSummary(sched.Plan())).Msg("pass finished with pending chunks")
	}

	final := sched.Plan()
	if !final.IsComplete() {
		return fmt.Errorf("%w: %s", ErrTransferIncomplete, pendingSummary(final))
	}
	t.reporter.Flush()
	return NewFinalizer(t.store, t.reporter).Finalize(ctx, final)
}

// Inspect returns the persisted plan for destination, reconciled with the chunk files on disk.
func Inspect(fsys afero.Fs, destination string) (TransferPlan, error) {
	store := NewStore(fsys, destination)
	plan, err := store.Load()
	if err != nil {
		return TransferPlan{}, err
	}
	return store.Reconcile(plan)
}

// Cleanup removes every working artifact for destination; the destination itself is untouched.
func Cleanup(fsys afero.Fs, destination string) error {
	return NewStore(fsys, destination).Discard()
}
