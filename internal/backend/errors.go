package backend

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ConfigError is a missing or malformed manifest entry or an unsupported
// platform/variant combination. Never retried.
type ConfigError struct {
	Backend string
	Msg     string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: configuration error: %s", e.Backend, e.Msg)
}
func (e *ConfigError) StatusCode() int   { return http.StatusInternalServerError }
func (e *ConfigError) ErrorType() string { return "configuration_error" }

// InstallError wraps a failed download/extract/verify sequence.
type InstallError struct {
	Backend string
	Err     error
}

func (e *InstallError) Error() string     { return fmt.Sprintf("%s: install failed: %v", e.Backend, e.Err) }
func (e *InstallError) Unwrap() error     { return e.Err }
func (e *InstallError) StatusCode() int   { return http.StatusInternalServerError }
func (e *InstallError) ErrorType() string { return "install_error" }

// LaunchError means the process could not be started or a load input
// (model file, projector) was unusable.
type LaunchError struct {
	Backend string
	Err     error
}

func (e *LaunchError) Error() string     { return fmt.Sprintf("%s: load failed: %v", e.Backend, e.Err) }
func (e *LaunchError) Unwrap() error     { return e.Err }
func (e *LaunchError) StatusCode() int   { return http.StatusInternalServerError }
func (e *LaunchError) ErrorType() string { return "load_error" }

// HealthTimeoutError means the process never became ready. Exited is set
// when it died during the wait.
type HealthTimeoutError struct {
	Backend    string
	Port       int
	Exited     bool
	ExitCode   int
	StderrTail string
	Err        error
}

func (e *HealthTimeoutError) Error() string {
	var b strings.Builder
	if e.Exited {
		fmt.Fprintf(&b, "%s: process exited with code %d before becoming ready", e.Backend, e.ExitCode)
	} else {
		fmt.Fprintf(&b, "%s: not ready on port %d: %v", e.Backend, e.Port, e.Err)
	}
	if tail := strings.TrimSpace(e.StderrTail); tail != "" {
		b.WriteString("; stderr: ")
		b.WriteString(tail)
	}
	return b.String()
}
func (e *HealthTimeoutError) Unwrap() error     { return e.Err }
func (e *HealthTimeoutError) StatusCode() int   { return http.StatusInternalServerError }
func (e *HealthTimeoutError) ErrorType() string { return "load_error" }

// CrashedError is returned when a forward finds the process gone.
type CrashedError struct {
	Backend    string
	ExitCode   int
	StderrTail string
}

func (e *CrashedError) Error() string {
	return fmt.Sprintf("%s: backend process exited (code %d)", e.Backend, e.ExitCode)
}
func (e *CrashedError) StatusCode() int   { return http.StatusServiceUnavailable }
func (e *CrashedError) ErrorType() string { return "backend_unavailable" }

// UnsupportedOperationError is a capability mismatch; no backend was contacted.
type UnsupportedOperationError struct {
	Backend    string
	Capability Capability
}

func (e *UnsupportedOperationError) Error() string {
	return fmt.Sprintf("%s does not support %s", e.Backend, e.Capability)
}
func (e *UnsupportedOperationError) StatusCode() int   { return http.StatusBadRequest }
func (e *UnsupportedOperationError) ErrorType() string { return "unsupported_operation" }

// ReservedArgError lists user arguments that collide with flags the
// adapter manages itself.
type ReservedArgError struct {
	Backend    string
	Conflicts  []string
	ReservedBy []string
}

func (e *ReservedArgError) Error() string {
	return fmt.Sprintf("%s: argument(s) %s are managed by the gateway and cannot be overridden (reserved: %s)",
		e.Backend, strings.Join(e.Conflicts, ", "), strings.Join(e.ReservedBy, ", "))
}
func (e *ReservedArgError) StatusCode() int   { return http.StatusBadRequest }
func (e *ReservedArgError) ErrorType() string { return "invalid_request_error" }

// ArgsError is a user argument string that could not be tokenized.
type ArgsError struct {
	Backend string
	Err     error
}

func (e *ArgsError) Error() string     { return fmt.Sprintf("%s: invalid arguments: %v", e.Backend, e.Err) }
func (e *ArgsError) Unwrap() error     { return e.Err }
func (e *ArgsError) StatusCode() int   { return http.StatusBadRequest }
func (e *ArgsError) ErrorType() string { return "invalid_request_error" }

// NotLoadedError is returned by Forward on an instance with no process.
type NotLoadedError struct{ Backend string }

func (e *NotLoadedError) Error() string     { return e.Backend + ": no model loaded" }
func (e *NotLoadedError) StatusCode() int   { return http.StatusServiceUnavailable }
func (e *NotLoadedError) ErrorType() string { return "backend_unavailable" }

// IsUnsupported reports whether err is a capability mismatch.
func IsUnsupported(err error) bool {
	var e *UnsupportedOperationError
	return errors.As(err, &e)
}

// IsCrashed reports whether err means the backend process is gone.
func IsCrashed(err error) bool {
	var e *CrashedError
	return errors.As(err, &e)
}

// IsReservedArg reports whether err is a reserved-flag collision.
func IsReservedArg(err error) bool {
	var e *ReservedArgError
	return errors.As(err, &e)
}

// IsConfig reports whether err is a configuration error.
func IsConfig(err error) bool {
	var e *ConfigError
	return errors.As(err, &e)
}
