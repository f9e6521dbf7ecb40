package forward

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"syscall"
)

// UpstreamError is a non-2xx response from a backend.
type UpstreamError struct {
	URL     string
	Status  int
	Message string
	Body    string
}

func (e *UpstreamError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Body
	}
	return fmt.Sprintf("backend returned %d: %s", e.Status, msg)
}

// StatusCode maps backend 4xx through unchanged and everything else to 502.
func (e *UpstreamError) StatusCode() int {
	if e.Status >= 400 && e.Status < 500 {
		return e.Status
	}
	return http.StatusBadGateway
}

func (e *UpstreamError) ErrorType() string {
	if e.Status >= 400 && e.Status < 500 {
		return "invalid_request_error"
	}
	return "backend_error"
}

// UnavailableError means the backend could not be reached at all, usually
// because its process has exited.
type UnavailableError struct {
	URL string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("backend unreachable at %s: %v", e.URL, e.Err)
}
func (e *UnavailableError) Unwrap() error     { return e.Err }
func (e *UnavailableError) StatusCode() int   { return http.StatusServiceUnavailable }
func (e *UnavailableError) ErrorType() string { return "backend_unavailable" }

// StreamError is a failure after response headers were already sent to the
// client; callers can only log it.
type StreamError struct{ Err error }

func (e *StreamError) Error() string { return "stream interrupted: " + e.Err.Error() }
func (e *StreamError) Unwrap() error { return e.Err }

// IsStreamStarted reports whether err happened after the client saw headers.
func IsStreamStarted(err error) bool {
	var se *StreamError
	return errors.As(err, &se)
}

func isConnRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED) || strings.Contains(strings.ToLower(err.Error()), "connection refused")
}

// upstreamMessage extracts a message from {"error":{"message":..}} or
// {"error":".."} bodies.
func upstreamMessage(body []byte) string {
	var withObj struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &withObj) == nil && withObj.Error.Message != "" {
		return withObj.Error.Message
	}
	var withStr struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &withStr) == nil && withStr.Error != "" {
		return withStr.Error
	}
	return ""
}
