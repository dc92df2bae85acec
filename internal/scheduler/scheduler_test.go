package scheduler

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	mfhttp "github.com/tanq16/modelfetch/internal/downloaders/http"
	"github.com/tanq16/modelfetch/internal/manager"
)

func newServer(t *testing.T, files map[string][]byte) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var inFlight, peak atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, ok := files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			cur := peak.Load()
			if n <= cur || peak.CompareAndSwap(cur, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		http.ServeContent(w, r, r.URL.Path, time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(server.Close)
	return server, &peak
}

func newManager(fsys afero.Fs) *manager.Manager {
	return manager.New(mfhttp.Options{
		MaxConcurrency: 1,
		ChunkSize:      64 * 1024,
		Strategy:       mfhttp.FixedStrategy(1),
		Fs:             fsys,
		Retry:          mfhttp.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
		Health:         mfhttp.HealthConfig{BackoffUnit: time.Millisecond, MaxBackoff: 5 * time.Millisecond, PollInterval: time.Millisecond},
	})
}

func TestRunDownloadsAllJobs(t *testing.T) {
	files := map[string][]byte{
		"/a.bin": bytes.Repeat([]byte("a"), 200*1024),
		"/b.bin": bytes.Repeat([]byte("b"), 100*1024),
		"/c.bin": bytes.Repeat([]byte("c"), 10),
	}
	server, peak := newServer(t, files)
	fsys := afero.NewMemMapFs()

	var mu sync.Mutex
	registered := map[string]string{}
	jobs := []Job{
		{URL: server.URL + "/a.bin", OutputPath: "/dl/a.bin"},
		{URL: server.URL + "/b.bin", OutputPath: "/dl/b.bin"},
		{URL: server.URL + "/c.bin", OutputPath: "/dl/c.bin"},
	}
	mgr := newManager(fsys)
	err := Run(context.Background(), jobs, 2, mgr, func(id, name string) {
		mu.Lock()
		registered[id] = name
		mu.Unlock()
	})
	require.NoError(t, err)
	assert.Len(t, registered, 3)
	assert.Zero(t, mgr.Len(), "finished transfers are deregistered")
	assert.LessOrEqual(t, peak.Load(), int32(2), "two workers with one connection each")
	for name, data := range files {
		got, err := afero.ReadFile(fsys, "/dl"+name)
		require.NoError(t, err)
		assert.Equal(t, data, got)
	}
}

func TestRunReportsFailures(t *testing.T) {
	server, _ := newServer(t, map[string][]byte{"/ok.bin": []byte("fine")})
	fsys := afero.NewMemMapFs()
	jobs := []Job{
		{URL: server.URL + "/missing.bin", OutputPath: "/dl/missing.bin"},
		{URL: server.URL + "/ok.bin", OutputPath: "/dl/ok.bin"},
	}
	err := Run(context.Background(), jobs, 1, newManager(fsys), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/dl/missing.bin")

	got, readErr := afero.ReadFile(fsys, "/dl/ok.bin")
	require.NoError(t, readErr, "later jobs still run")
	assert.Equal(t, []byte("fine"), got)
}

func TestRunStopsDispatchingWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Run(ctx, []Job{{URL: "http://127.0.0.1:1/x", OutputPath: "/dl/x"}}, 1, newManager(afero.NewMemMapFs()), nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunUsesServerFileNameWithoutOutputPath(t *testing.T) {
	data := bytes.Repeat([]byte("w"), 4096)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="weights.bin"`)
		http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(data))
	}))
	defer server.Close()
	fsys := afero.NewMemMapFs()

	jobs := []Job{
		{URL: server.URL + "/resolve/main/blob", OutputPath: "/dl/given.bin"},
		{URL: server.URL + "/resolve/main/other"},
	}
	require.NoError(t, Run(context.Background(), jobs, 1, newManager(fsys), nil))

	for _, path := range []string{"/dl/given.bin", "weights.bin"} {
		got, err := afero.ReadFile(fsys, path)
		require.NoError(t, err, path)
		assert.Equal(t, data, got)
	}
	exists, err := afero.Exists(fsys, "other")
	require.NoError(t, err)
	assert.False(t, exists, "the URL-derived name is replaced")
}

func TestOutputPathFor(t *testing.T) {
	assert.Equal(t, "given.bin", OutputPathFor(Job{URL: "https://h/x.bin", OutputPath: "given.bin"}))
	assert.Equal(t, "x.bin", OutputPathFor(Job{URL: "https://h/models/x.bin?download=true"}))
	assert.Equal(t, "weights.bin", OutputPathFor(Job{URL: "s3://bucket/llama/weights.bin"}))
	assert.Equal(t, "download", OutputPathFor(Job{URL: "https://h/"}))
}
