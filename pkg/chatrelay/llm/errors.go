package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrorKind classifies backend failures so callers can pick a user-facing
// message without inspecting error text.
type ErrorKind string

const (
	KindContextLength ErrorKind = "context_length"
	KindTimeout       ErrorKind = "timeout"
	KindAuth          ErrorKind = "auth"
	KindQuota         ErrorKind = "quota"
	KindRateLimit     ErrorKind = "rate_limit"
	KindBadRequest    ErrorKind = "bad_request"
	KindModelNotFound ErrorKind = "model_not_found"
	KindUnavailable   ErrorKind = "unavailable"
	KindEmptyResponse ErrorKind = "empty_response"
	KindNotConfigured ErrorKind = "not_configured"
	KindUnknown       ErrorKind = "unknown"
)

// ErrNotConfigured is returned when no API key is available.
var ErrNotConfigured = errors.New("llm: backend not configured")

// Error is a classified backend error.
type Error struct {
	Kind       ErrorKind
	StatusCode int
	Body       string
	Model      string
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.StatusCode != 0:
		prefix := ""
		if e.Model != "" {
			prefix = e.Model + ": "
		}
		return fmt.Sprintf("%sAPI returned %d (%s): %s", prefix, e.StatusCode, e.Kind, truncate(e.Body, 200))
	case e.Err != nil:
		return fmt.Sprintf("llm %s: %v", e.Kind, e.Err)
	default:
		return "llm " + string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the ErrorKind carried by err. Context deadlines and network
// timeouts map to KindTimeout; anything unclassified is KindUnknown.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}

	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	if errors.Is(err, ErrNotConfigured) {
		return KindNotConfigured
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return KindUnknown
}

// classifyAPIError determines the error kind from status code and response body.
func classifyAPIError(statusCode int, body string) ErrorKind {
	bodyLower := strings.ToLower(body)

	// Context overflow first: providers report it with several status codes.
	if strings.Contains(bodyLower, "context_length_exceeded") ||
		strings.Contains(bodyLower, "maximum context length") ||
		strings.Contains(bodyLower, "input token count") ||
		strings.Contains(bodyLower, "too many tokens") {
		return KindContextLength
	}

	if statusCode == 402 ||
		strings.Contains(bodyLower, "quota") ||
		strings.Contains(bodyLower, "billing") ||
		strings.Contains(bodyLower, "resource_exhausted") ||
		strings.Contains(bodyLower, "payment required") {
		return KindQuota
	}

	if statusCode == 429 ||
		strings.Contains(bodyLower, "rate_limit") ||
		strings.Contains(bodyLower, "rate limit") ||
		strings.Contains(bodyLower, "too many requests") {
		return KindRateLimit
	}

	if statusCode == 401 || statusCode == 403 ||
		strings.Contains(bodyLower, "api key not valid") ||
		strings.Contains(bodyLower, "invalid api key") ||
		strings.Contains(bodyLower, "permission_denied") {
		return KindAuth
	}

	if statusCode == 404 ||
		strings.Contains(bodyLower, "model_not_found") ||
		(strings.Contains(bodyLower, "model") && strings.Contains(bodyLower, "not found")) {
		return KindModelNotFound
	}

	if statusCode == 408 || statusCode == 504 ||
		strings.Contains(bodyLower, "deadline") ||
		strings.Contains(bodyLower, "timed out") {
		return KindTimeout
	}

	if statusCode == 529 ||
		strings.Contains(bodyLower, "overloaded") ||
		strings.Contains(bodyLower, "unavailable") {
		return KindUnavailable
	}

	switch {
	case statusCode == 400 || statusCode == 422:
		return KindBadRequest
	case statusCode >= 500:
		return KindUnavailable
	default:
		return KindUnknown
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
