package mailchimp

import (
	"errors"
	"fmt"
	"time"
)

// ErrorClass represents a classification of API failures.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors other than 429.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 Too Many Requests.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents network/timeout errors.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassShape represents a 2xx response missing an expected field.
	ErrorClassShape ErrorClass = "shape"
)

// Common errors returned by the client.
var (
	// ErrRateLimited is matched by errors caused by HTTP 429 or an active
	// rate limit window. It is never fatal.
	ErrRateLimited = errors.New("rate limited")
)

// APIError represents a failed API call with additional context.
type APIError struct {
	StatusCode int
	ErrorClass ErrorClass
	Endpoint   string
	Message    string

	// RetryAfter is set for rate limit errors.
	RetryAfter time.Duration

	Err error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("mailchimp %s error on %s (status %d): %s: %v",
			e.ErrorClass, e.Endpoint, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("mailchimp %s error on %s (status %d): %s",
		e.ErrorClass, e.Endpoint, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *APIError) Unwrap() error {
	return e.Err
}

// ResponseShapeError reports a successful response whose expected list field
// is absent or whose body could not be decoded. It is a transient anomaly:
// callers retry once before escalating it to an APIError.
type ResponseShapeError struct {
	Endpoint string
	Field    string
	Err      error
}

// Error implements the error interface.
func (e *ResponseShapeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("mailchimp %s: malformed response: %v", e.Endpoint, e.Err)
	}
	return fmt.Sprintf("mailchimp %s: %q was expected in the response", e.Endpoint, e.Field)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *ResponseShapeError) Unwrap() error {
	return e.Err
}

// Escalate converts a shape error that survived its retry into a fatal APIError.
func (e *ResponseShapeError) Escalate() *APIError {
	return &APIError{
		StatusCode: 200,
		ErrorClass: ErrorClassShape,
		Endpoint:   e.Endpoint,
		Message:    "malformed response after retry",
		Err:        e,
	}
}

// IsRateLimited reports whether err was caused by rate limiting.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

// IsShapeError reports whether err is a ResponseShapeError.
func IsShapeError(err error) bool {
	var shapeErr *ResponseShapeError
	return errors.As(err, &shapeErr)
}

// RetryAfter returns the deferral announced by a rate limit error, or 0.
func RetryAfter(err error) time.Duration {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.RetryAfter
	}
	return 0
}

// classifyStatus categorizes an HTTP status code.
func classifyStatus(statusCode int) ErrorClass {
	switch {
	case statusCode == 429:
		return ErrorClassRateLimit
	case statusCode >= 400 && statusCode < 500:
		return ErrorClassClient
	case statusCode >= 500:
		return ErrorClassServer
	default:
		return ""
	}
}
