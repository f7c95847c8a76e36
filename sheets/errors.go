package sheets

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"google.golang.org/api/googleapi"
)

// ErrTabNotFound is returned when the requested tab does not exist.
var ErrTabNotFound = errors.New("sheets: tab not found")

// APIError is a provider-side failure.
type APIError struct {
	Op      string
	Status  int    // HTTP status
	Reason  string // provider reason, e.g. "rateLimitExceeded"
	Message string
}

func (e *APIError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("sheets: %s: %d %s: %s", e.Op, e.Status, e.Reason, e.Message)
	}
	return fmt.Sprintf("sheets: %s: %d: %s", e.Op, e.Status, e.Message)
}

// RateLimited reports a quota refusal by the provider.
func (e *APIError) RateLimited() bool {
	if e.Status == http.StatusTooManyRequests {
		return true
	}
	switch e.Reason {
	case "rateLimitExceeded", "userRateLimitExceeded", "RESOURCE_EXHAUSTED":
		return true
	}
	return false
}

// Transient reports an error worth retrying later.
func (e *APIError) Transient() bool {
	return e.RateLimited() || e.Status >= 500
}

// IsRateLimited reports whether err is a provider rate-limit refusal.
func IsRateLimited(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.RateLimited()
}

// IsTransient reports whether err is a provider or network error that may
// succeed on a later attempt. Permission and not-found errors are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Transient()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// classify converts a client library error into the package taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return fmt.Errorf("sheets: %s: %w", op, err)
	}
	ae := &APIError{Op: op, Status: gerr.Code, Message: gerr.Message}
	if len(gerr.Errors) > 0 {
		ae.Reason = gerr.Errors[0].Reason
	}
	if gerr.Code == http.StatusBadRequest && strings.Contains(gerr.Message, "Unable to parse range") {
		return fmt.Errorf("%w: %s", ErrTabNotFound, gerr.Message)
	}
	return ae
}
