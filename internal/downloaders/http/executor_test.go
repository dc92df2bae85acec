package mfhttp

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tanq16/modelfetch/internal/utils"
	"golang.org/x/time/rate"
)

type executorFixture struct {
	server   *rangeServer
	fs       afero.Fs
	executor *ChunkExecutor
	plan     TransferPlan
	progress atomic.Int64
}

func newExecutorFixture(t *testing.T, size int, health HealthConfig) *executorFixture {
	t.Helper()
	f := &executorFixture{server: newRangeServer(t, patternData(size)), fs: afero.NewMemMapFs()}
	client := utils.NewHTTPClient(utils.HTTPClientConfig{})
	f.executor = NewChunkExecutor(client, f.fs, NewNetworkHealth(health, nil), nil, 64)
	plan, err := NewPlan(f.server.resourceURL(), "model.tar.bz2", int64(size), int64(size/4), true, "/work", time.Now())
	require.NoError(t, err)
	f.plan = plan
	return f
}

func (f *executorFixture) path(c Chunk) string {
	return "/work/" + c.TempFileName
}

func (f *executorFixture) run(ctx context.Context, c Chunk, ranged bool) (Chunk, error) {
	return f.executor.Execute(ctx, ChunkRequest{
		URL:       f.server.resourceURL(),
		Path:      f.path(c),
		Chunk:     c,
		Ranged:    ranged,
		TotalSize: f.plan.TotalSize,
	}, func(n int64) { f.progress.Add(n) })
}

func (f *executorFixture) onDisk(t *testing.T, c Chunk) []byte {
	t.Helper()
	data, err := afero.ReadFile(f.fs, f.path(c))
	require.NoError(t, err)
	return data
}

func TestExecutorDownloadsChunk(t *testing.T) {
	f := newExecutorFixture(t, 1000, fastHealth())
	c := f.plan.Chunks[1]

	got, err := f.run(context.Background(), c, true)
	require.NoError(t, err)
	assert.True(t, got.Completed)
	assert.Equal(t, int64(250), got.BytesDownloaded)
	assert.Equal(t, f.server.data[250:500], f.onDisk(t, c))
	assert.Equal(t, int64(250), f.progress.Load())
	assert.Equal(t, []string{"bytes=250-499"}, f.server.Ranges())
}

func TestExecutorResumesFromDiskOffset(t *testing.T) {
	f := newExecutorFixture(t, 1000, fastHealth())
	c := f.plan.Chunks[1]
	require.NoError(t, afero.WriteFile(f.fs, f.path(c), f.server.data[250:350], 0644))

	got, err := f.run(context.Background(), c, true)
	require.NoError(t, err)
	assert.True(t, got.Completed)
	assert.Equal(t, []string{"bytes=350-499"}, f.server.Ranges())
	assert.Equal(t, f.server.data[250:500], f.onDisk(t, c))
	assert.Equal(t, int64(250), f.progress.Load())
}

func TestExecutorSkipsCompleteChunk(t *testing.T) {
	f := newExecutorFixture(t, 1000, fastHealth())
	c := f.plan.Chunks[0]
	require.NoError(t, afero.WriteFile(f.fs, f.path(c), f.server.data[0:250], 0644))

	got, err := f.run(context.Background(), c, true)
	require.NoError(t, err)
	assert.True(t, got.Completed)
	assert.Empty(t, f.server.Ranges())
}

func TestExecutorRejectsContentRangeMismatch(t *testing.T) {
	f := newExecutorFixture(t, 1000, fastHealth())
	f.server.hook = func(w http.ResponseWriter, r *http.Request) bool {
		w.Header().Set("Content-Range", "bytes 300-499/1000")
		w.WriteHeader(http.StatusPartialContent)
		w.Write(f.server.data[300:500])
		return true
	}
	c := f.plan.Chunks[1]
	require.NoError(t, afero.WriteFile(f.fs, f.path(c), f.server.data[250:270], 0644))

	got, err := f.run(context.Background(), c, true)
	var failure *TransferError
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, ResultRangeMismatch, failure.Result)
	assert.Equal(t, ClassCorruption, failure.Class)
	assert.Zero(t, got.BytesDownloaded)
	assert.Empty(t, f.onDisk(t, c), "chunk is reset, never silently corrupted")
	assert.Zero(t, f.progress.Load())
}

func TestExecutorRejectsWrongTotal(t *testing.T) {
	f := newExecutorFixture(t, 1000, fastHealth())
	f.server.hook = func(w http.ResponseWriter, r *http.Request) bool {
		w.Header().Set("Content-Range", "bytes 250-499/2000")
		w.WriteHeader(http.StatusPartialContent)
		w.Write(f.server.data[250:500])
		return true
	}
	_, err := f.run(context.Background(), f.plan.Chunks[1], true)
	var failure *TransferError
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, ResultRangeMismatch, failure.Result)
}

func TestExecutorSignalsIgnoredRange(t *testing.T) {
	f := newExecutorFixture(t, 1000, fastHealth())
	f.server.ignoreGet = true

	_, err := f.run(context.Background(), f.plan.Chunks[1], true)
	assert.ErrorIs(t, err, ErrRangeIgnored)

	// a single chunk covering the whole file can take the 200 as is
	whole := f.plan.Downgraded(time.Now()).Chunks[0]
	got, err := f.run(context.Background(), whole, true)
	require.NoError(t, err)
	assert.True(t, got.Completed)
	assert.Equal(t, f.server.data, f.onDisk(t, whole))
}

func TestExecutorRangeNotSatisfiableResets(t *testing.T) {
	f := newExecutorFixture(t, 1000, fastHealth())
	f.server.hook = func(w http.ResponseWriter, r *http.Request) bool {
		w.Header().Set("Content-Range", "bytes */1000")
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return true
	}
	c := f.plan.Chunks[2]
	require.NoError(t, afero.WriteFile(f.fs, f.path(c), f.server.data[500:600], 0644))

	got, err := f.run(context.Background(), c, true)
	var failure *TransferError
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, ResultRangeNotSatisfiable, failure.Result)
	assert.Zero(t, got.BytesDownloaded)
	assert.Empty(t, f.onDisk(t, c))
}

func TestExecutorProtocolErrorCarriesRetryAfter(t *testing.T) {
	f := newExecutorFixture(t, 1000, fastHealth())
	f.server.hook = func(w http.ResponseWriter, r *http.Request) bool {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusServiceUnavailable)
		return true
	}
	_, err := f.run(context.Background(), f.plan.Chunks[0], true)
	var failure *TransferError
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, http.StatusServiceUnavailable, failure.Status)
	assert.Equal(t, ClassTransient, failure.Class)
	assert.Equal(t, 3*time.Second, failure.RetryAfter)
}

func TestExecutorFatalStatus(t *testing.T) {
	f := newExecutorFixture(t, 1000, fastHealth())
	f.server.hook = func(w http.ResponseWriter, r *http.Request) bool {
		http.NotFound(w, r)
		return true
	}
	_, err := f.run(context.Background(), f.plan.Chunks[0], true)
	var failure *TransferError
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, ClassFatal, failure.Class)
}

func TestExecutorShortBodyKeepsPartialBytes(t *testing.T) {
	f := newExecutorFixture(t, 1000, fastHealth())
	f.server.hook = func(w http.ResponseWriter, r *http.Request) bool {
		w.Header().Set("Content-Range", "bytes 250-499/1000")
		w.WriteHeader(http.StatusPartialContent)
		w.Write(f.server.data[250:300])
		return true
	}
	c := f.plan.Chunks[1]
	got, err := f.run(context.Background(), c, true)
	var failure *TransferError
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, ResultDataProcessingError, failure.Result)
	assert.Equal(t, ClassTransient, failure.Class)
	assert.Equal(t, int64(50), got.BytesDownloaded)
	assert.Equal(t, f.server.data[250:300], f.onDisk(t, c))
}

func TestExecutorRejectsOverDelivery(t *testing.T) {
	f := newExecutorFixture(t, 1000, fastHealth())
	f.server.hook = func(w http.ResponseWriter, r *http.Request) bool {
		w.Header().Set("Content-Range", "bytes 250-499/1000")
		w.WriteHeader(http.StatusPartialContent)
		w.Write(f.server.data[250:600])
		return true
	}
	c := f.plan.Chunks[1]
	got, err := f.run(context.Background(), c, true)
	var failure *TransferError
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, ResultRangeMismatch, failure.Result)
	assert.Zero(t, got.BytesDownloaded)
}

func TestExecutorStallTimeout(t *testing.T) {
	f := newExecutorFixture(t, 1000, HealthConfig{BaseTimeout: 50 * time.Millisecond, MaxTimeout: 100 * time.Millisecond})
	f.server.hook = func(w http.ResponseWriter, r *http.Request) bool {
		w.Header().Set("Content-Range", "bytes 0-249/1000")
		w.WriteHeader(http.StatusPartialContent)
		w.Write(f.server.data[0:10])
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
		return true
	}
	start := time.Now()
	got, err := f.run(context.Background(), f.plan.Chunks[0], true)
	var failure *TransferError
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, ClassTimeout, failure.Class)
	assert.ErrorIs(t, err, errStalled)
	assert.Equal(t, int64(10), got.BytesDownloaded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestExecutorCancellationKeepsPartialData(t *testing.T) {
	f := newExecutorFixture(t, 4000, fastHealth())
	f.server.pieceSize = 100
	f.server.pieceDelay = 10 * time.Millisecond
	c := f.plan.Chunks[0]

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for f.progress.Load() < 200 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()
	got, err := f.run(ctx, c, true)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, got.Completed)
	assert.Greater(t, got.BytesDownloaded, int64(0))
	assert.Equal(t, f.server.data[:got.BytesDownloaded], f.onDisk(t, c))
}

func TestExecutorSingleStreamRestartsFromZero(t *testing.T) {
	f := newExecutorFixture(t, 1000, fastHealth())
	whole := f.plan.Downgraded(time.Now()).Chunks[0]
	require.NoError(t, afero.WriteFile(f.fs, f.path(whole), f.server.data[:300], 0644))

	got, err := f.run(context.Background(), whole, false)
	require.NoError(t, err)
	assert.True(t, got.Completed)
	assert.Equal(t, []string{""}, f.server.Ranges(), "no Range header in single-stream mode")
	assert.Equal(t, f.server.data, f.onDisk(t, whole))
	assert.Equal(t, int64(1000), f.progress.Load())
}

func TestExecutorInvalidURLIsFatal(t *testing.T) {
	f := newExecutorFixture(t, 1000, fastHealth())
	_, err := f.executor.Execute(context.Background(), ChunkRequest{
		URL:       "http://[::1",
		Path:      f.path(f.plan.Chunks[0]),
		Chunk:     f.plan.Chunks[0],
		Ranged:    true,
		TotalSize: 1000,
	}, nil)
	var failure *TransferError
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, ClassFatal, failure.Class)
}

func TestExecutorLocalIOFailureIsFatal(t *testing.T) {
	f := newExecutorFixture(t, 1000, fastHealth())
	f.executor.fs = afero.NewReadOnlyFs(afero.NewMemMapFs())
	_, err := f.run(context.Background(), f.plan.Chunks[0], true)
	var failure *TransferError
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, ResultLocalIO, failure.Result)
	assert.False(t, failure.Class.Retryable())
}

func TestParseContentRange(t *testing.T) {
	tests := []struct {
		header            string
		start, end, total int64
		wantErr           bool
	}{
		{"bytes 0-99/1000", 0, 99, 1000, false},
		{"bytes 100-199/1000", 100, 199, 1000, false},
		{"bytes 0-99/*", 0, 99, -1, false},
		{"", 0, 0, 0, true},
		{"items 0-1/2", 0, 0, 0, true},
		{"bytes 0-99", 0, 0, 0, true},
		{"bytes x-99/1000", 0, 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%q", tt.header), func(t *testing.T) {
			start, end, total, err := parseContentRange(tt.header)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, []int64{tt.start, tt.end, tt.total}, []int64{start, end, total})
		})
	}
}

func TestExecutorBandwidthLimit(t *testing.T) {
	f := newExecutorFixture(t, 1000, fastHealth())
	f.executor.limiter = rate.NewLimiter(rate.Limit(2000), 64)
	start := time.Now()
	got, err := f.run(context.Background(), f.plan.Chunks[0], true)
	require.NoError(t, err)
	assert.True(t, got.Completed)
	// 250 bytes at 2000 B/s with a 64 byte burst
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}
