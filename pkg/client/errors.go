package client

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/Sternrassler/quota-scraper/pkg/ratelimit"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrPoolExhausted is returned when no credential is available for a call.
	ErrPoolExhausted = errors.New("credential pool exhausted")
)

// ErrorClass represents a classification of failed calls.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents rejected calls due to an exceeded quota.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents network/timeout errors.
	ErrorClassNetwork ErrorClass = "network"
)

// APIError represents a failed API call with additional context.
type APIError struct {
	StatusCode int
	ErrorClass ErrorClass
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("github %s error (status %d): %s: %v",
			e.ErrorClass, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("github %s error (status %d): %s",
		e.ErrorClass, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *APIError) Unwrap() error {
	return e.Err
}

// shouldRetry determines if an error should be retried based on its classification.
func shouldRetry(errorClass ErrorClass) bool {
	switch errorClass {
	case ErrorClassClient:
		// 4xx errors will not change on retry
		return false
	case ErrorClassServer, ErrorClassNetwork:
		return true
	case ErrorClassRateLimit:
		// Retried with another credential, without backoff
		return true
	default:
		return false
	}
}

// classifyStatus maps a non-rate-limited HTTP status to an ErrorClass.
// Returns "" for success codes.
func classifyStatus(status int) ErrorClass {
	switch {
	case status >= 500:
		return ErrorClassServer
	case status >= 400:
		return ErrorClassClient
	default:
		return ""
	}
}

// detectRateLimit reports whether a response is the platform rejecting the
// call for quota reasons, and why. GitHub signals the primary limit with a 403
// and X-RateLimit-Remaining: 0, secondary limits with 403/429 and Retry-After.
func detectRateLimit(status int, header http.Header, body []byte) (bool, string) {
	switch status {
	case http.StatusTooManyRequests:
		return true, "too many requests"
	case http.StatusForbidden:
		if header.Get(ratelimit.HeaderRemaining) == "0" {
			return true, "primary rate limit exceeded"
		}
		if header.Get(ratelimit.HeaderRetryAfter) != "" {
			return true, "secondary rate limit exceeded"
		}
		if strings.Contains(strings.ToLower(string(body)), "rate limit") {
			return true, "rate limit exceeded"
		}
	}
	return false, ""
}
