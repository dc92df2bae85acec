package mfhttp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"github.com/tanq16/modelfetch/internal/utils"
	"golang.org/x/time/rate"
)

var errStalled = errors.New("no data within the stall timeout")

// ChunkRequest describes one attempt at one chunk.
type ChunkRequest struct {
	URL       string
	Path      string
	Chunk     Chunk
	Ranged    bool
	TotalSize int64
}

// ChunkExecutor performs single chunk transfers. It owns nothing but the file
// of the chunk it is working on.
type ChunkExecutor struct {
	client     utils.HTTPDoer
	fs         afero.Fs
	health     *NetworkHealth
	limiter    *rate.Limiter
	bufferSize int
}

func NewChunkExecutor(client utils.HTTPDoer, fsys afero.Fs, health *NetworkHealth, limiter *rate.Limiter, bufferSize int) *ChunkExecutor {
	if bufferSize <= 0 {
		bufferSize = utils.DefaultBufferSize
	}
	return &ChunkExecutor{client: client, fs: fsys, health: health, limiter: limiter, bufferSize: bufferSize}
}

// chunkFile wraps the open temp file with reset bookkeeping.
type chunkFile struct {
	afero.File
	chunk      *Chunk
	onProgress func(int64)
}

func (f *chunkFile) reset() error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if f.chunk.BytesDownloaded > 0 {
		f.onProgress(-f.chunk.BytesDownloaded)
	}
	*f.chunk = f.chunk.withBytes(0)
	return nil
}

// Execute runs one attempt and returns the chunk as it now stands on disk.
// The error is a *TransferError, ErrRangeIgnored, or the context's error.
func (e *ChunkExecutor) Execute(ctx context.Context, req ChunkRequest, onProgress func(int64)) (Chunk, error) {
	if onProgress == nil {
		onProgress = func(int64) {}
	}
	chunk := req.Chunk
	expected := chunk.ExpectedLength()
	localErr := func(err error) (Chunk, error) {
		return chunk, newTransferError(chunk.Index, ResultLocalIO, 0, err)
	}

	if err := e.fs.MkdirAll(filepath.Dir(req.Path), 0755); err != nil {
		return localErr(fmt.Errorf("creating chunk directory: %w", err))
	}
	raw, err := e.fs.OpenFile(req.Path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return localErr(fmt.Errorf("opening chunk file: %w", err))
	}
	defer raw.Close()
	file := &chunkFile{File: raw, chunk: &chunk, onProgress: onProgress}

	info, err := file.Stat()
	if err != nil {
		return localErr(fmt.Errorf("inspecting chunk file: %w", err))
	}
	size := info.Size()
	if size > expected {
		if err := file.Truncate(expected); err != nil {
			return localErr(fmt.Errorf("truncating chunk file: %w", err))
		}
		size = expected
	}
	if size != chunk.BytesDownloaded {
		onProgress(size - chunk.BytesDownloaded)
		chunk = chunk.withBytes(size)
	}
	if chunk.Completed {
		return chunk, nil
	}
	if !req.Ranged && chunk.BytesDownloaded > 0 {
		if err := file.reset(); err != nil {
			return localErr(fmt.Errorf("resetting chunk file: %w", err))
		}
	}
	if _, err := file.Seek(chunk.BytesDownloaded, io.SeekStart); err != nil {
		return localErr(fmt.Errorf("seeking chunk file: %w", err))
	}

	if err := e.health.Wait(ctx); err != nil {
		return chunk, err
	}

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	timeout := e.health.Timeout()
	var stalled atomic.Bool
	watchdog := time.AfterFunc(timeout, func() {
		stalled.Store(true)
		cancel()
	})
	defer watchdog.Stop()
	// netErr separates pause/cancel from stalls and plain network errors.
	netErr := func(result ResultKind, status int, err error) (Chunk, error) {
		if ctx.Err() != nil {
			return chunk, ctx.Err()
		}
		if stalled.Load() {
			err = fmt.Errorf("%w after %s: %v", errStalled, timeout, err)
		}
		return chunk, newTransferError(chunk.Index, result, status, err)
	}

	start := chunk.StartOffset + chunk.BytesDownloaded
	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodGet, req.URL, nil)
	if err != nil {
		return chunk, newTransferError(chunk.Index, ResultInvalidRequest, 0, err)
	}
	if req.Ranged {
		httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, chunk.EndOffset))
	}
	httpReq.Header.Set("Accept-Encoding", "identity")
	httpReq.Header.Set("Connection", "keep-alive")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return netErr(ResultConnectionError, 0, err)
	}
	defer resp.Body.Close()
	watchdog.Reset(timeout)

	logger := log.With().Str("op", "http/executor").Int("chunk", chunk.Index).Int("status", resp.StatusCode).Logger()
	switch resp.StatusCode {
	case http.StatusPartialContent:
		gotStart, gotEnd, gotTotal, err := parseContentRange(resp.Header.Get("Content-Range"))
		if err == nil && (gotStart != start || gotEnd != chunk.EndOffset || gotTotal != req.TotalSize) {
			err = fmt.Errorf("content-range %d-%d/%d, requested %d-%d/%d", gotStart, gotEnd, gotTotal, start, chunk.EndOffset, req.TotalSize)
		}
		if err != nil {
			logger.Debug().Err(err).Msg("rejecting partial response")
			if rerr := file.reset(); rerr != nil {
				return localErr(rerr)
			}
			return chunk, newTransferError(chunk.Index, ResultRangeMismatch, resp.StatusCode, err)
		}
	case http.StatusOK:
		if req.Ranged && (chunk.StartOffset != 0 || chunk.EndOffset != req.TotalSize-1 || chunk.BytesDownloaded != 0) {
			logger.Debug().Msg("range header ignored")
			return chunk, ErrRangeIgnored
		}
		if resp.ContentLength >= 0 && resp.ContentLength != expected {
			if rerr := file.reset(); rerr != nil {
				return localErr(rerr)
			}
			return chunk, newTransferError(chunk.Index, ResultRangeMismatch, resp.StatusCode,
				fmt.Errorf("content-length %d, expected %d", resp.ContentLength, expected))
		}
	case http.StatusRequestedRangeNotSatisfiable:
		if info, err := file.Stat(); err == nil && info.Size() == expected {
			logger.Debug().Msg("range not satisfiable, chunk already on disk")
			chunk = chunk.withBytes(expected)
			return chunk, nil
		}
		if rerr := file.reset(); rerr != nil {
			return localErr(rerr)
		}
		return chunk, newTransferError(chunk.Index, ResultRangeNotSatisfiable, resp.StatusCode,
			fmt.Errorf("range %d-%d not satisfiable", start, chunk.EndOffset))
	default:
		terr := newTransferError(chunk.Index, ResultProtocolError, resp.StatusCode, fmt.Errorf("unexpected status %s", resp.Status))
		terr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		return chunk, terr
	}

	buffer := make([]byte, e.bufferSize)
	for {
		n, readErr := resp.Body.Read(buffer)
		if n > 0 {
			if int64(n) > chunk.Remaining() {
				if rerr := file.reset(); rerr != nil {
					return localErr(rerr)
				}
				return chunk, newTransferError(chunk.Index, ResultRangeMismatch, resp.StatusCode,
					fmt.Errorf("server sent more than the %d requested bytes", expected))
			}
			if err := e.throttle(reqCtx, n); err != nil {
				return netErr(ResultDataProcessingError, resp.StatusCode, err)
			}
			if _, err := file.Write(buffer[:n]); err != nil {
				return localErr(fmt.Errorf("writing chunk file: %w", err))
			}
			chunk = chunk.withBytes(chunk.BytesDownloaded + int64(n))
			onProgress(int64(n))
			watchdog.Reset(timeout)
		}
		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			return netErr(ResultDataProcessingError, resp.StatusCode, readErr)
		}
	}
	if !chunk.Completed {
		return chunk, newTransferError(chunk.Index, ResultDataProcessingError, resp.StatusCode,
			fmt.Errorf("%w: %d of %d bytes", io.ErrUnexpectedEOF, chunk.BytesDownloaded, expected))
	}
	if err := file.Sync(); err != nil {
		return localErr(fmt.Errorf("syncing chunk file: %w", err))
	}
	return chunk, nil
}

func (e *ChunkExecutor) throttle(ctx context.Context, n int) error {
	if e.limiter == nil {
		return nil
	}
	burst := max(1, e.limiter.Burst())
	for n > 0 {
		step := min(n, burst)
		if err := e.limiter.WaitN(ctx, step); err != nil {
			return err
		}
		n -= step
	}
	return nil
}

// parseContentRange reads "bytes start-end/total"; an unknown total is -1.
func parseContentRange(header string) (start, end, total int64, err error) {
	if header == "" {
		return 0, 0, 0, errors.New("missing content-range header")
	}
	spec, ok := strings.CutPrefix(header, "bytes ")
	if !ok {
		return 0, 0, 0, fmt.Errorf("unsupported content-range unit: %q", header)
	}
	rangePart, totalPart, ok := strings.Cut(spec, "/")
	if !ok {
		return 0, 0, 0, fmt.Errorf("malformed content-range: %q", header)
	}
	startPart, endPart, ok := strings.Cut(rangePart, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("malformed content-range: %q", header)
	}
	if start, err = strconv.ParseInt(strings.TrimSpace(startPart), 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("malformed content-range start: %w", err)
	}
	if end, err = strconv.ParseInt(strings.TrimSpace(endPart), 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("malformed content-range end: %w", err)
	}
	totalPart = strings.TrimSpace(totalPart)
	if totalPart == "*" {
		return start, end, -1, nil
	}
	if total, err = strconv.ParseInt(totalPart, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("malformed content-range total: %w", err)
	}
	return start, end, total, nil
}
