package mfhttp

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/tanq16/modelfetch/internal/utils"
)

func patternData(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte((i*7 + i/251) % 256)
	}
	return data
}

// rangeServer serves one resource with range support. hook may take over a
// request by returning true.
type rangeServer struct {
	*httptest.Server
	data       []byte
	noRanges   bool // advertise and honour nothing but full GETs
	ignoreGet  bool // advertise ranges on HEAD but answer GETs with 200
	pieceSize  int
	pieceDelay time.Duration
	hook       func(w http.ResponseWriter, r *http.Request) bool
	headHook   func(w http.ResponseWriter, r *http.Request) bool

	// disposition is sent as Content-Disposition when set
	disposition string

	mu          sync.Mutex
	ranges      []string
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func newRangeServer(t *testing.T, data []byte) *rangeServer {
	t.Helper()
	s := &rangeServer{data: data}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

func (s *rangeServer) resourceURL() string {
	return s.Server.URL + "/model.tar.bz2"
}

func (s *rangeServer) Ranges() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ranges...)
}

func (s *rangeServer) serve(w http.ResponseWriter, r *http.Request) {
	size := int64(len(s.data))
	if s.disposition != "" {
		w.Header().Set("Content-Disposition", s.disposition)
	}
	if r.Method == http.MethodHead {
		if s.headHook != nil && s.headHook(w, r) {
			return
		}
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		if !s.noRanges {
			w.Header().Set("Accept-Ranges", "bytes")
		}
		return
	}
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		cur := s.maxInFlight.Load()
		if n <= cur || s.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}
	rangeHeader := r.Header.Get("Range")
	s.mu.Lock()
	s.ranges = append(s.ranges, rangeHeader)
	s.mu.Unlock()
	if s.hook != nil && s.hook(w, r) {
		return
	}

	if rangeHeader == "" || s.noRanges || s.ignoreGet {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		w.WriteHeader(http.StatusOK)
		s.write(w, r, s.data)
		return
	}
	start, end := parseRangeHeader(rangeHeader)
	if start >= size {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return
	}
	end = min(end, size-1)
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
	w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
	w.WriteHeader(http.StatusPartialContent)
	s.write(w, r, s.data[start:end+1])
}

func (s *rangeServer) write(w http.ResponseWriter, r *http.Request, body []byte) {
	if s.pieceSize <= 0 {
		w.Write(body)
		return
	}
	flusher, _ := w.(http.Flusher)
	for len(body) > 0 {
		n := min(s.pieceSize, len(body))
		if _, err := w.Write(body[:n]); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
		body = body[n:]
		select {
		case <-r.Context().Done():
			return
		case <-time.After(s.pieceDelay):
		}
	}
}

func parseRangeHeader(h string) (int64, int64) {
	spec := strings.TrimPrefix(h, "bytes=")
	startPart, endPart, _ := strings.Cut(spec, "-")
	start, _ := strconv.ParseInt(startPart, 10, 64)
	end, _ := strconv.ParseInt(endPart, 10, 64)
	return start, end
}

type telemetryCounts struct {
	completed  int
	failures   []FailureClass
	limits     []int
	backoffs   int
	downgrades int
}

type recordingTelemetry struct {
	mu     sync.Mutex
	counts telemetryCounts
}

func (r *recordingTelemetry) ChunkCompleted(int64) {
	r.mu.Lock()
	r.counts.completed++
	r.mu.Unlock()
}

func (r *recordingTelemetry) ChunkFailed(c FailureClass) {
	r.mu.Lock()
	r.counts.failures = append(r.counts.failures, c)
	r.mu.Unlock()
}

func (r *recordingTelemetry) ConcurrencyChanged(limit int) {
	r.mu.Lock()
	r.counts.limits = append(r.counts.limits, limit)
	r.mu.Unlock()
}

func (r *recordingTelemetry) BackoffExtended(time.Duration) {
	r.mu.Lock()
	r.counts.backoffs++
	r.mu.Unlock()
}

func (r *recordingTelemetry) Downgraded() {
	r.mu.Lock()
	r.counts.downgrades++
	r.mu.Unlock()
}

func (r *recordingTelemetry) snapshot() telemetryCounts {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.counts
	out.failures = append([]FailureClass(nil), r.counts.failures...)
	out.limits = append([]int(nil), r.counts.limits...)
	return out
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) HandleEvent(e Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) kinds() []EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []EventKind
	for _, e := range l.events {
		out = append(out, e.Kind)
	}
	return out
}

func (l *eventLog) last() Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.events) == 0 {
		return Event{}
	}
	return l.events[len(l.events)-1]
}

func fastRetry() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    5,
		BaseDelay:      time.Millisecond,
		MaxDelay:       5 * time.Millisecond,
		Multiplier:     2,
		Jitter:         0.1,
		TimeoutFloor:   time.Millisecond,
		RateLimitFloor: time.Millisecond,
	}
}

func fastHealth() HealthConfig {
	return HealthConfig{
		BaseTimeout:  2 * time.Second,
		MaxTimeout:   5 * time.Second,
		TimeoutStep:  time.Second,
		BackoffUnit:  time.Millisecond,
		MaxBackoff:   20 * time.Millisecond,
		PollInterval: time.Millisecond,
	}
}

func testOptions(fsys afero.Fs, chunkSize int64) Options {
	return Options{
		MaxConcurrency: 4,
		ChunkSize:      chunkSize,
		Retry:          fastRetry(),
		Health:         fastHealth(),
		Strategy:       FixedStrategy(4),
		Fs:             fsys,
		Client:         utils.NewHTTPClient(utils.HTTPClientConfig{}),
	}
}
