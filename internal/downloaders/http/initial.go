package mfhttp

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/modelfetch/internal/utils"
)

// ProbeResult is what the server told us about the resource.
type ProbeResult struct {
	TotalSize     int64
	SupportsRange bool
	FileName      string
}

// Probe asks for size and range support with HEAD, falling back to a one-byte
// ranged GET when HEAD is refused or incomplete.
func Probe(ctx context.Context, client utils.HTTPDoer, link string) (ProbeResult, error) {
	var result ProbeResult
	headErr := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, link, nil)
		if err != nil {
			return newTransferError(-1, ResultInvalidRequest, 0, err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return newTransferError(-1, ResultConnectionError, 0, err)
		}
		defer resp.Body.Close()
		result.FileName = fileNameFromDisposition(resp.Header.Get("Content-Disposition"))
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return statusError(resp)
		}
		result.TotalSize = resp.ContentLength
		result.SupportsRange = acceptsRanges(resp.Header)
		return nil
	}()
	if ctx.Err() != nil {
		return result, ctx.Err()
	}
	if headErr == nil && result.TotalSize == 0 {
		return result, nil
	}
	if headErr == nil && result.TotalSize > 0 && result.SupportsRange {
		return result, nil
	}
	log.Debug().Str("op", "http/initial").AnErr("head", headErr).Int64("size", result.TotalSize).Msg("falling back to ranged GET probe")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return result, newTransferError(-1, ResultInvalidRequest, 0, err)
	}
	req.Header.Set("Range", "bytes=0-0")
	req.Header.Set("Accept-Encoding", "identity")
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		return result, newTransferError(-1, ResultConnectionError, 0, err)
	}
	defer resp.Body.Close()
	if name := fileNameFromDisposition(resp.Header.Get("Content-Disposition")); name != "" {
		result.FileName = name
	}

	switch resp.StatusCode {
	case http.StatusPartialContent:
		_, _, total, err := parseContentRange(resp.Header.Get("Content-Range"))
		if err != nil || total < 0 {
			return result, fmt.Errorf("%w: content-range %q", ErrUnknownSize, resp.Header.Get("Content-Range"))
		}
		result.TotalSize = total
		result.SupportsRange = true
	case http.StatusOK:
		if resp.ContentLength >= 0 {
			result.TotalSize = resp.ContentLength
		}
		result.SupportsRange = false
	case http.StatusRequestedRangeNotSatisfiable:
		// "bytes */0" for an empty resource
		_, total, ok := strings.Cut(resp.Header.Get("Content-Range"), "/")
		size, err := strconv.ParseInt(strings.TrimSpace(total), 10, 64)
		if !ok || err != nil || size != 0 {
			return result, statusError(resp)
		}
		result.TotalSize = 0
		result.SupportsRange = true
	default:
		return result, statusError(resp)
	}
	if result.TotalSize < 0 {
		return result, fmt.Errorf("%w: server sent no content length", ErrUnknownSize)
	}
	return result, nil
}

func statusError(resp *http.Response) *TransferError {
	terr := newTransferError(-1, ResultProtocolError, resp.StatusCode, fmt.Errorf("probe returned %s", resp.Status))
	terr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
	return terr
}

func acceptsRanges(h http.Header) bool {
	for _, v := range h.Values("Accept-Ranges") {
		if strings.Contains(strings.ToLower(v), "bytes") {
			return true
		}
	}
	return false
}

func fileNameFromDisposition(contentDisposition string) string {
	if contentDisposition == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(contentDisposition)
	if err != nil {
		return ""
	}
	if fn := params["filename"]; fn != "" {
		return safeFileName(fn)
	}
	// mime decodes RFC 5987 values into "filename"; keep the raw form as a fallback
	if fn, ok := strings.CutPrefix(params["filename*"], "UTF-8''"); ok {
		if unescaped, err := url.PathUnescape(fn); err == nil {
			return safeFileName(unescaped)
		}
	}
	return ""
}

// safeFileName never returns a name that leaves the destination directory.
func safeFileName(name string) string {
	name = strings.TrimSpace(utils.SanitizeFileName(name))
	if strings.Trim(name, ".") == "" {
		return ""
	}
	return name
}
