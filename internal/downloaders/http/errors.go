package mfhttp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var (
	ErrCancelled          = errors.New("transfer cancelled")
	ErrNoPlan             = errors.New("no transfer plan")
	ErrCorruptPlan        = errors.New("corrupt transfer plan")
	ErrIncompletePlan     = errors.New("transfer plan is not complete")
	ErrRangeIgnored       = errors.New("server ignored range request")
	ErrUnknownSize        = errors.New("server did not report a usable content length")
	ErrTransferIncomplete = errors.New("transfer incomplete after exhausting attempts")
	ErrInvalidURL         = errors.New("invalid url")
	ErrAlreadyStarted     = errors.New("transfer already started")
)

// ResultKind records what went wrong at the wire or disk level.
type ResultKind int

const (
	ResultConnectionError ResultKind = iota
	ResultProtocolError
	ResultDataProcessingError
	ResultRangeMismatch
	ResultRangeNotSatisfiable
	ResultLocalIO
	ResultInvalidRequest
)

func (k ResultKind) String() string {
	switch k {
	case ResultConnectionError:
		return "connection_error"
	case ResultProtocolError:
		return "protocol_error"
	case ResultDataProcessingError:
		return "data_processing_error"
	case ResultRangeMismatch:
		return "range_mismatch"
	case ResultRangeNotSatisfiable:
		return "range_not_satisfiable"
	case ResultLocalIO:
		return "local_io"
	case ResultInvalidRequest:
		return "invalid_request"
	}
	return "unknown"
}

// FailureClass drives the retry policy.
type FailureClass int

const (
	ClassTransient FailureClass = iota
	ClassTimeout
	ClassCorruption
	ClassFatal
)

func (c FailureClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassTimeout:
		return "timeout"
	case ClassCorruption:
		return "corruption_suspect"
	case ClassFatal:
		return "fatal"
	}
	return "unknown"
}

func (c FailureClass) Retryable() bool {
	return c != ClassFatal
}

// TransferError wraps a chunk failure with the metadata the retry policy needs.
type TransferError struct {
	Chunk      int // -1 for requests outside any chunk (probe)
	Result     ResultKind
	Status     int
	Class      FailureClass
	RetryAfter time.Duration
	Err        error
}

func (e *TransferError) Error() string {
	var sb strings.Builder
	if e.Chunk >= 0 {
		fmt.Fprintf(&sb, "chunk %d: ", e.Chunk)
	}
	fmt.Fprintf(&sb, "%s (%s", e.Result, e.Class)
	if e.Status != 0 {
		fmt.Fprintf(&sb, ", status %d", e.Status)
	}
	sb.WriteString(")")
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// Severe failures shrink concurrency immediately.
func (e *TransferError) Severe() bool {
	return e.Class == ClassTimeout || e.Status == http.StatusTooManyRequests || e.Status >= 500
}

func (e *TransferError) RateLimited() bool {
	return e.Status == http.StatusTooManyRequests
}

// NetworkSignal reports whether the failure says something about network health.
func (e *TransferError) NetworkSignal() bool {
	return e.Class == ClassTimeout || e.Result == ResultConnectionError ||
		e.Status == http.StatusTooManyRequests || e.Status >= 500
}

func newTransferError(chunk int, result ResultKind, status int, err error) *TransferError {
	return &TransferError{
		Chunk:  chunk,
		Result: result,
		Status: status,
		Class:  Classify(result, status, err),
		Err:    err,
	}
}

// Classify maps a raw failure onto a policy class.
func Classify(result ResultKind, status int, err error) FailureClass {
	if status == http.StatusRequestTimeout {
		return ClassTimeout
	}
	switch result {
	case ResultRangeMismatch, ResultRangeNotSatisfiable:
		return ClassCorruption
	case ResultLocalIO, ResultInvalidRequest:
		return ClassFatal
	case ResultConnectionError, ResultDataProcessingError:
		if IsTimeout(err) {
			return ClassTimeout
		}
		return ClassTransient
	}
	if status == 0 || status == http.StatusTooManyRequests || status >= 500 {
		return ClassTransient
	}
	return ClassFatal
}

// IsTimeout recognises deadline errors and connection errors whose message indicates a timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, errStalled) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out") ||
		strings.Contains(msg, "deadline exceeded")
}

// parseRetryAfter accepts delay-seconds or an HTTP date.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
