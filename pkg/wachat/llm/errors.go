package llm

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// ErrorKind classifies API errors for retry decisions.
type ErrorKind int

const (
	ErrorRetryable  ErrorKind = iota // transient 5xx
	ErrorRateLimit                   // 429 or RESOURCE_EXHAUSTED
	ErrorTimeout                     // deadline exceeded upstream
	ErrorAuth                        // 401, 403, invalid key
	ErrorBadRequest                  // 400, 413: the payload itself was refused
	ErrorBlocked                     // the prompt or answer was blocked by safety filters
	ErrorFatal                       // everything else
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorRetryable:
		return "retryable"
	case ErrorRateLimit:
		return "rate_limit"
	case ErrorTimeout:
		return "timeout"
	case ErrorAuth:
		return "auth"
	case ErrorBadRequest:
		return "bad_request"
	case ErrorBlocked:
		return "blocked"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Retryable reports whether a request failing with this kind may succeed
// when repeated.
func (k ErrorKind) Retryable() bool {
	return k == ErrorRetryable || k == ErrorRateLimit || k == ErrorTimeout
}

// APIError is a non-2xx response, or a 2xx response without an answer.
type APIError struct {
	StatusCode int
	Status     string // API status, e.g. "INVALID_ARGUMENT"
	Message    string
	Kind       ErrorKind

	// RetryAfterSec comes from the Retry-After header (0 if absent).
	RetryAfterSec int
}

func (e *APIError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("gemini: API returned %d %s: %s", e.StatusCode, e.Status, truncate(e.Message, 200))
	}
	return fmt.Sprintf("gemini: API returned %d: %s", e.StatusCode, truncate(e.Message, 200))
}

// PayloadRejected reports whether the request content itself was refused,
// typically unsupported or oversized media.
func (e *APIError) PayloadRejected() bool {
	return e.Kind == ErrorBadRequest
}

// classifyAPIError derives the error kind from the status code and body.
func classifyAPIError(statusCode int, body string) ErrorKind {
	lower := strings.ToLower(body)

	if statusCode == 429 ||
		strings.Contains(lower, "resource_exhausted") ||
		strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "quota") {
		return ErrorRateLimit
	}
	if statusCode == 504 || strings.Contains(lower, "deadline_exceeded") {
		return ErrorTimeout
	}
	// An invalid key comes back as 400 INVALID_ARGUMENT.
	if strings.Contains(lower, "api key") || strings.Contains(lower, "api_key_invalid") {
		return ErrorAuth
	}

	switch statusCode {
	case 400, 413:
		return ErrorBadRequest
	case 401, 403:
		return ErrorAuth
	}
	if statusCode >= 500 {
		return ErrorRetryable
	}
	return ErrorFatal
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
