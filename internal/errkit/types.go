package errkit

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// Kind classifies errors for retry decisions.
type Kind int

const (
	// KindTransient - retry-able errors
	KindTransient Kind = iota
	// KindPermanent - non-retry-able errors
	KindPermanent
)

// TransientError represents an error that can be retried.
type TransientError struct {
	Err        error
	StatusCode int    // HTTP status code if applicable
	Message    string // operator-friendly message
}

func (e *TransientError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("transient error: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// PermanentError represents an error that should not be retried.
type PermanentError struct {
	Err        error
	StatusCode int
	Message    string
}

func (e *PermanentError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("permanent error: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// NewTransient wraps err as explicitly retry-able.
func NewTransient(err error, message string) *TransientError {
	return &TransientError{Err: err, Message: message}
}

// NewPermanent wraps err as explicitly non-retry-able.
func NewPermanent(err error, message string) *PermanentError {
	return &PermanentError{Err: err, Message: message}
}

// IsTransient checks if an error is retry-able.
//
// Explicit markers win; otherwise network faults, retriable HTTP statuses
// and connection-class syscall errors count as transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var transientErr *TransientError
	if errors.As(err, &transientErr) {
		return true
	}

	var permanentErr *PermanentError
	if errors.As(err, &permanentErr) {
		return false
	}

	if isNetworkError(err) {
		return true
	}

	if statusCode := extractHTTPStatusCode(err); statusCode > 0 {
		return isTransientHTTPStatus(statusCode)
	}

	if isSyscallError(err) {
		return true
	}

	return false
}

// Classify returns the error kind. Unclassifiable errors default to
// permanent to avoid infinite retries.
func Classify(err error) Kind {
	if IsTransient(err) {
		return KindTransient
	}
	return KindPermanent
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary()
	}

	errStr := strings.ToLower(err.Error())
	networkPatterns := []string{
		"connection refused",
		"timeout",
		"deadline exceeded",
		"connection reset",
		"broken pipe",
	}
	for _, pattern := range networkPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

func isSyscallError(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.EPIPE,
			syscall.ETIMEDOUT, syscall.ENETUNREACH, syscall.EHOSTUNREACH:
			return true
		}
	}
	return false
}

func isTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

var httpStatusCodes = []int{400, 401, 403, 404, 429, 500, 502, 503, 504}

func extractHTTPStatusCode(err error) int {
	lowerErr := strings.ToLower(err.Error())
	for _, code := range httpStatusCodes {
		if strings.Contains(lowerErr, fmt.Sprintf("status %d", code)) ||
			strings.Contains(lowerErr, fmt.Sprintf(" %d:", code)) {
			return code
		}
	}
	return 0
}
