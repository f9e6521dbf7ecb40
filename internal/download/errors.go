package download

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
)

// Error is the final failure of a download after retries were exhausted or a
// non-retryable condition was hit.
type Error struct {
	URL         string
	Attempts    int
	BytesDone   int64
	Total       int64
	LastErr     error
	PartialKept bool
	PartialPath string
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "download %s failed after %d attempt(s): %v", e.URL, e.Attempts, e.LastErr)
	if e.Total > 0 {
		fmt.Fprintf(&b, " (%d/%d bytes)", e.BytesDone, e.Total)
	} else if e.BytesDone > 0 {
		fmt.Fprintf(&b, " (%d bytes)", e.BytesDone)
	}
	if e.PartialKept {
		fmt.Fprintf(&b, "; partial file kept at %s, rerun to resume", e.PartialPath)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.LastErr }

// statusError is an unexpected HTTP status from the server.
type statusError struct {
	code      int
	status    string
	retryable bool
}

func (e *statusError) Error() string { return "http " + e.status }

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var se *statusError
	if errors.As(err, &se) {
		return se.code
	}
	return 0
}

// fatalError wraps local failures (bad request, disk writes) that another
// attempt would not fix.
type fatalError struct{ err error }

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

var (
	errStalled      = errors.New("transfer stalled")
	errChecksum     = errors.New("checksum mismatch")
	errNoSpace      = errors.New("insufficient disk space")
	errRangeRestart = errors.New("range not satisfiable; restarting from zero")
)

// Retryable reports whether err is a transport-level failure worth another
// attempt: refused/reset connections, DNS failures, timeouts, TLS handshake
// failures, short transfers and transient HTTP statuses.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.retryable
	}
	var fe *fatalError
	if errors.As(err, &fe) {
		return false
	}
	if errors.Is(err, errChecksum) || errors.Is(err, errNoSpace) {
		return false
	}
	if errors.Is(err, errStalled) || errors.Is(err, errRangeRestart) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var rhe tls.RecordHeaderError
	if errors.As(err, &rhe) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "tls handshake") || strings.Contains(msg, "connection reset")
}

func retryableStatus(code int) bool {
	return code == 408 || code == 429 || code >= 500
}
