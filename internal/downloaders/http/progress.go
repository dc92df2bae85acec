package mfhttp

import (
	"sync"
	"time"
)

type EventKind string

const (
	EventProgress   EventKind = "download-progress"
	EventVerify     EventKind = "verify"
	EventDecompress EventKind = "decompress"
	EventClean      EventKind = "clean"
	EventCancel     EventKind = "cancel"
	EventFail       EventKind = "fail"
	EventComplete   EventKind = "complete"
)

// Event is the feedback record emitted to an external reporter.
type Event struct {
	Kind           EventKind
	TransferID     string
	FileName       string
	Downloaded     int64
	Total          int64
	BytesPerSecond float64
	Message        string
	Err            error
	Time           time.Time
}

type Sink interface {
	HandleEvent(Event)
}

type SinkFunc func(Event)

func (f SinkFunc) HandleEvent(e Event) { f(e) }

type discardSink struct{}

func (discardSink) HandleEvent(Event) {}

// Telemetry receives engine-internal signals; implemented by the metrics package.
type Telemetry interface {
	ChunkCompleted(bytes int64)
	ChunkFailed(class FailureClass)
	ConcurrencyChanged(limit int)
	BackoffExtended(d time.Duration)
	Downgraded()
}

type noopTelemetry struct{}

func (noopTelemetry) ChunkCompleted(int64)          {}
func (noopTelemetry) ChunkFailed(FailureClass)      {}
func (noopTelemetry) ConcurrencyChanged(int)        {}
func (noopTelemetry) BackoffExtended(time.Duration) {}
func (noopTelemetry) Downgraded()                   {}

const (
	progressInterval = 100 * time.Millisecond
	rateSmoothing    = 0.3
)

// ProgressReporter turns byte deltas into throttled progress events with a smoothed rate.
type ProgressReporter struct {
	sink     Sink
	id       string
	fileName string
	now      func() time.Time

	mu          sync.Mutex
	total       int64
	downloaded  int64
	lastSample  int64
	lastTime    time.Time
	lastEmitted time.Time
	rate        float64
}

func NewProgressReporter(sink Sink, id, fileName string) *ProgressReporter {
	if sink == nil {
		sink = discardSink{}
	}
	return &ProgressReporter{sink: sink, id: id, fileName: fileName, now: time.Now}
}

// Reset sets the absolute position, e.g. after loading a plan or a downgrade.
func (r *ProgressReporter) Reset(fileName string, downloaded, total int64) {
	r.mu.Lock()
	if fileName != "" {
		r.fileName = fileName
	}
	r.downloaded = downloaded
	r.total = total
	r.lastSample = downloaded
	r.lastTime = r.now()
	r.lastEmitted = time.Time{}
	r.rate = 0
	r.mu.Unlock()
}

// Add applies a byte delta; negative deltas come from chunk resets.
func (r *ProgressReporter) Add(delta int64) {
	r.mu.Lock()
	r.downloaded = max(0, r.downloaded+delta)
	ev, ok := r.sampleLocked(false)
	r.mu.Unlock()
	if ok {
		r.sink.HandleEvent(ev)
	}
}

// Flush emits the current position regardless of the interval.
func (r *ProgressReporter) Flush() {
	r.mu.Lock()
	ev, _ := r.sampleLocked(true)
	r.mu.Unlock()
	r.sink.HandleEvent(ev)
}

func (r *ProgressReporter) sampleLocked(force bool) (Event, bool) {
	now := r.now()
	if !force && !r.lastEmitted.IsZero() && now.Sub(r.lastEmitted) < progressInterval {
		return Event{}, false
	}
	if elapsed := now.Sub(r.lastTime).Seconds(); elapsed > 0 {
		if delta := r.downloaded - r.lastSample; delta >= 0 {
			inst := float64(delta) / elapsed
			if r.rate == 0 {
				r.rate = inst
			} else {
				r.rate = rateSmoothing*inst + (1-rateSmoothing)*r.rate
			}
		}
		r.lastSample = r.downloaded
		r.lastTime = now
	}
	r.lastEmitted = now
	return r.event(EventProgress, now), true
}

func (r *ProgressReporter) event(kind EventKind, now time.Time) Event {
	return Event{
		Kind:           kind,
		TransferID:     r.id,
		FileName:       r.fileName,
		Downloaded:     r.downloaded,
		Total:          r.total,
		BytesPerSecond: r.rate,
		Time:           now,
	}
}

func (r *ProgressReporter) emit(kind EventKind, message string, err error) {
	r.mu.Lock()
	ev := r.event(kind, r.now())
	r.mu.Unlock()
	ev.Message = message
	ev.Err = err
	r.sink.HandleEvent(ev)
}

func (r *ProgressReporter) Verify(message string)    { r.emit(EventVerify, message, nil) }
func (r *ProgressReporter) Clean(message string)     { r.emit(EventClean, message, nil) }
func (r *ProgressReporter) Completed(message string) { r.emit(EventComplete, message, nil) }
func (r *ProgressReporter) Cancelled(message string) { r.emit(EventCancel, message, ErrCancelled) }
func (r *ProgressReporter) Failed(err error)         { r.emit(EventFail, err.Error(), err) }
