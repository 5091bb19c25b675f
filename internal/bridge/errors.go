package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"syscall"

	"github.com/kalambet/studysync/internal/storage"
)

// StatusError is a non-2xx response from Bridge.
type StatusError struct {
	Code   int
	Method string
	Path   string
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.Path, e.Code)
	}
	return fmt.Sprintf("%s %s: unexpected status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

func statusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}

// IsAuthExpired reports a 401: the session token is no longer valid.
func IsAuthExpired(err error) bool { return statusCode(err) == http.StatusUnauthorized }

// IsVersionRejected reports a 410: this client version is no longer supported.
func IsVersionRejected(err error) bool { return statusCode(err) == http.StatusGone }

// IsPreconditionFailed reports a 412: the participant has not consented.
func IsPreconditionFailed(err error) bool { return statusCode(err) == http.StatusPreconditionFailed }

func isRateLimit(err error) bool { return statusCode(err) == http.StatusTooManyRequests }

// IsTransient reports whether err looks like missing or flaky connectivity,
// so the same request is worth sending again later.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if isRateLimit(err) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return true
	}
	return false
}

// Classify maps a sync outcome to the status recorded on the cached row.
func Classify(err error) storage.ResourceStatus {
	switch {
	case err == nil:
		return storage.StatusSuccess
	case IsTransient(err):
		return storage.StatusRetry
	default:
		return storage.StatusFailed
	}
}
