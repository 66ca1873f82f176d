package httpclient

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/stacklok/kbsync/internal/retry"
)

// ErrNotFound matches any HTTPError with status 404
var ErrNotFound = errors.New("not found")

// HTTPError represents an HTTP error
type HTTPError struct {
	StatusCode int
	Message    string
	URL        string
	Body       string
	Wait       time.Duration
}

// Error returns the error message
func (e *HTTPError) Error() string {
	msg := fmt.Sprintf("HTTP %d for URL %s: %s", e.StatusCode, e.URL, e.Message)
	if e.Body != "" {
		msg += " (" + e.Body + ")"
	}
	return msg
}

// RetryReason classifies the status code for the retry orchestrator
func (e *HTTPError) RetryReason() retry.Reason {
	return retry.ReasonForStatus(e.StatusCode)
}

// RetryAfter returns the server supplied wait hint, zero when absent
func (e *HTTPError) RetryAfter() time.Duration {
	return e.Wait
}

// Is makes errors.Is(err, ErrNotFound) true for 404 responses
func (e *HTTPError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// NewHTTPError creates a new HTTP error
func NewHTTPError(statusCode int, url, message string) error {
	return &HTTPError{
		StatusCode: statusCode,
		URL:        url,
		Message:    message,
	}
}

func newHTTPErrorFromResponse(resp *http.Response, url string, body []byte) *HTTPError {
	return &HTTPError{
		StatusCode: resp.StatusCode,
		URL:        url,
		Message:    resp.Status,
		Body:       strings.TrimSpace(string(body)),
		Wait:       parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
	}
}

// parseRetryAfter accepts delta-seconds or an HTTP date
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
