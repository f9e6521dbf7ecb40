package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"lemond/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

type errorTyper interface{ ErrorType() string }

type errorCoder interface{ ErrorCode() string }

// Error types not owned by a lower layer.
const (
	typeInvalidRequest = "invalid_request_error"
	typeBackend        = "backend_error"
)

// classify maps err onto status, type and code. Unknown errors are 500.
func classify(err error) (status int, typ, code string) {
	status, typ = http.StatusInternalServerError, typeBackend
	var he HTTPError
	if errors.As(err, &he) {
		status = he.StatusCode()
	}
	var et errorTyper
	if errors.As(err, &et) {
		typ = et.ErrorType()
	}
	code = typ
	var ec errorCoder
	if errors.As(err, &ec) {
		code = ec.ErrorCode()
	}
	return status, typ, code
}

// writeError renders err in the OpenAI shape.
func writeError(w http.ResponseWriter, err error) int {
	status, typ, code := classify(err)
	if status == http.StatusServiceUnavailable || status == http.StatusTooManyRequests {
		IncrementBackpressure(code)
	}
	writeJSONError(w, status, typ, code, err.Error())
	return status
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, typ, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: types.ErrorBody{Message: msg, Type: typ, Code: code}})
}

func badRequest(w http.ResponseWriter, msg string) int {
	writeJSONError(w, http.StatusBadRequest, typeInvalidRequest, typeInvalidRequest, msg)
	return http.StatusBadRequest
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
