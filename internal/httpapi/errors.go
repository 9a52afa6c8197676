package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"

	"modelprobe/internal/classify"
	"modelprobe/internal/factory"
	"modelprobe/internal/probe"
	"modelprobe/internal/search"
	"modelprobe/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// Error kinds reported in ErrorResponse.Kind and SearchItemResponse.ErrorKind.
const (
	KindBadRequest     = "bad_request"
	KindNotFound       = "not_found"
	KindUnrecognized   = "unrecognized_format"
	KindClassification = "classification"
	KindInvalidConfig  = "invalid_config"
	KindDuplicate      = "duplicate"
	KindTimeout        = "timeout"
	KindIO             = "io"
)

// ErrorKind names the outcome an error stands for.
func ErrorKind(err error) string {
	var he HTTPError
	switch {
	case probe.IsUnrecognizedFormatError(err):
		return KindUnrecognized
	case classify.IsClassificationError(err):
		return KindClassification
	case factory.IsInvalidModelConfigError(err):
		return KindInvalidConfig
	case search.IsDuplicateModelError(err):
		return KindDuplicate
	case errors.Is(err, os.ErrNotExist):
		return KindNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.As(err, &he) && he.StatusCode() == http.StatusBadRequest:
		return KindBadRequest
	}
	return KindIO
}

// statusFor maps an error to its HTTP status and kind.
func statusFor(err error) (int, string) {
	kind := ErrorKind(err)
	switch kind {
	case KindNotFound:
		return http.StatusNotFound, kind
	case KindUnrecognized, KindClassification, KindInvalidConfig:
		return http.StatusUnprocessableEntity, kind
	case KindDuplicate:
		return http.StatusConflict, kind
	case KindTimeout:
		return http.StatusGatewayTimeout, kind
	}
	var he HTTPError
	if errors.As(err, &he) {
		return he.StatusCode(), kind
	}
	return http.StatusInternalServerError, kind
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeKindError(w, status, "", msg)
}

func writeKindError(w http.ResponseWriter, status int, kind, msg string) {
	if kind != "" {
		errorsTotal.WithLabelValues(kind).Inc()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Kind: kind, Code: status})
}

// writeError maps err and writes it.
func writeError(w http.ResponseWriter, err error) int {
	status, kind := statusFor(err)
	writeKindError(w, status, kind, err.Error())
	return status
}
