package mfhttp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tanq16/modelfetch/internal/utils"
)

func TestProbeUsesHead(t *testing.T) {
	server := newRangeServer(t, patternData(4096))
	client := utils.NewHTTPClient(utils.HTTPClientConfig{})

	got, err := Probe(context.Background(), client, server.resourceURL())
	require.NoError(t, err)
	assert.Equal(t, int64(4096), got.TotalSize)
	assert.True(t, got.SupportsRange)
	assert.Empty(t, server.Ranges(), "no GET needed")
}

func TestProbeFallsBackToRangedGet(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		assert.Equal(t, "bytes=0-0", r.Header.Get("Range"))
		w.Header().Set("Content-Range", "bytes 0-0/123456")
		w.Header().Set("Content-Disposition", `attachment; filename="vosk model.zip"`)
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte{0})
	}))
	defer server.Close()

	got, err := Probe(context.Background(), utils.NewHTTPClient(utils.HTTPClientConfig{}), server.URL)
	require.NoError(t, err)
	assert.Equal(t, int64(123456), got.TotalSize)
	assert.True(t, got.SupportsRange)
	assert.Equal(t, "vosk model.zip", got.FileName)
}

func TestProbeWithoutRangeSupport(t *testing.T) {
	server := newRangeServer(t, patternData(2048))
	server.noRanges = true

	got, err := Probe(context.Background(), utils.NewHTTPClient(utils.HTTPClientConfig{}), server.resourceURL())
	require.NoError(t, err)
	assert.Equal(t, int64(2048), got.TotalSize)
	assert.False(t, got.SupportsRange)
}

func TestProbeEmptyResource(t *testing.T) {
	server := newRangeServer(t, []byte{})
	got, err := Probe(context.Background(), utils.NewHTTPClient(utils.HTTPClientConfig{}), server.resourceURL())
	require.NoError(t, err)
	assert.Zero(t, got.TotalSize)
}

func TestProbeErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing":
			http.NotFound(w, r)
		case "/busy":
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer server.Close()
	client := utils.NewHTTPClient(utils.HTTPClientConfig{})

	_, err := Probe(context.Background(), client, server.URL+"/missing")
	var failure *TransferError
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, http.StatusNotFound, failure.Status)
	assert.Equal(t, ClassFatal, failure.Class)

	_, err = Probe(context.Background(), client, server.URL+"/busy")
	require.ErrorAs(t, err, &failure)
	assert.True(t, failure.Class.Retryable())
}

func TestFileNameFromDisposition(t *testing.T) {
	assert.Equal(t, "model.tar.bz2", fileNameFromDisposition(`attachment; filename="model.tar.bz2"`))
	assert.Equal(t, "a_b.zip", fileNameFromDisposition(`attachment; filename="a/b.zip"`))
	assert.Equal(t, "caf_.zip", fileNameFromDisposition(`attachment; filename*=UTF-8''caf%C3%A9.zip`))
	assert.Empty(t, fileNameFromDisposition(`attachment; filename=".."`))
	assert.Equal(t, "_etc_passwd", fileNameFromDisposition(`attachment; filename="/etc/passwd"`))
	assert.Empty(t, fileNameFromDisposition(""))
	assert.Empty(t, fileNameFromDisposition("inline"))
}
