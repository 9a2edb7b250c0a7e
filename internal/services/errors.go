package services

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Sentinel markers classifying stage and adapter failures. Stages wrap errors
// with one of these so the queue substrate can decide retryability and the
// workflow manager can map failures onto entity statuses.
var (
	// ErrTransport marks network I/O failures. Retryable.
	ErrTransport = errors.New("transport error")
	// ErrHTTPStatus marks non-2xx responses from an external service.
	// Retryable for 429/5xx; adapters wrap misconfiguration 4xx with
	// ErrConfiguration instead.
	ErrHTTPStatus = errors.New("http status error")
	// ErrParse marks undecodable structured responses. Retryable.
	ErrParse = errors.New("parse error")
	// ErrNotFound marks an absent referenced entity. Fatal within the stage.
	ErrNotFound = errors.New("not found")
	// ErrInvariant marks a broken persistence-layer constraint. Fatal.
	ErrInvariant = errors.New("invariant violation")
	// ErrBusy marks concurrent work detected via a status check. The job
	// yields without counting the attempt as a true failure.
	ErrBusy = errors.New("busy")
	// ErrUnavailable marks an unconfigured or unreachable dependency. Fatal
	// to the request but not to the service.
	ErrUnavailable = errors.New("unavailable")
	// ErrConfiguration marks invalid local configuration. Fatal.
	ErrConfiguration = errors.New("configuration error")
)

// Wrap builds an error message that includes component context while tagging
// it with the provided marker for later classification. The marker should be
// one of the exported sentinel errors above.
func Wrap(marker error, component, operation, message string, err error) error {
	detail := buildDetail(component, operation, message)
	if marker == nil {
		marker = ErrTransport
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Retryable reports whether the queue should re-attempt a failed job before
// its attempt budget is exhausted.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrInvariant),
		errors.Is(err, ErrConfiguration),
		errors.Is(err, ErrUnavailable),
		errors.Is(err, ErrBusy):
		return false
	default:
		return true
	}
}

// IsBusy reports whether the error indicates concurrent work on the same entity.
func IsBusy(err error) bool {
	return errors.Is(err, ErrBusy)
}

// HTTPStatusMarker maps a non-2xx response status onto a sentinel. Timeouts,
// rate limits, and server errors stay on ErrHTTPStatus so the queue retries
// them; any other 4xx means the request or credentials are wrong and retrying
// cannot help.
func HTTPStatusMarker(statusCode int) error {
	switch {
	case statusCode == http.StatusRequestTimeout,
		statusCode == http.StatusTooManyRequests,
		statusCode >= http.StatusInternalServerError:
		return ErrHTTPStatus
	case statusCode >= http.StatusBadRequest:
		return ErrConfiguration
	default:
		return ErrHTTPStatus
	}
}

func buildDetail(component, operation, message string) string {
	parts := make([]string, 0, 3)
	if component = strings.TrimSpace(component); component != "" {
		parts = append(parts, component)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
