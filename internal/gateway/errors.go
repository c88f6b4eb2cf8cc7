package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"
)

var (
	// ErrInputRejected is returned before any network call for malformed input.
	ErrInputRejected = errors.New("input rejected")
	// ErrTransport is matched by every *APIError.
	ErrTransport = errors.New("backend transport failure")
)

// APIError is the single failure shape for backend calls. StatusCode is 0
// when no response was received.
type APIError struct {
	Op         string
	URL        string
	StatusCode int
	Reason     string
	Err        error
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("backend ")
	sb.WriteString(e.Op)
	if e.URL != "" {
		sb.WriteString(" ")
		sb.WriteString(redactURLUserInfo(e.URL))
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&sb, ": status %d", e.StatusCode)
	}
	if e.Reason != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Reason)
	}
	return sb.String()
}

// Unwrap exposes ErrTransport and the underlying cause.
func (e *APIError) Unwrap() []error {
	if e == nil {
		return nil
	}
	if e.Err != nil {
		return []error{ErrTransport, e.Err}
	}
	return []error{ErrTransport}
}

// AsAPIError extracts the *APIError from err, if any.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

func noResponseError(op, rawURL string, err error) *APIError {
	reason := err.Error()
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		reason = urlErr.Err.Error()
		if urlErr.Timeout() {
			reason = "request timed out"
		}
	}
	return &APIError{Op: op, URL: rawURL, Reason: reason, Err: err}
}

func statusError(op, rawURL string, status int, body []byte) *APIError {
	return &APIError{Op: op, URL: rawURL, StatusCode: status, Reason: reasonFromBody(status, body)}
}

// reasonFromBody prefers the server's JSON error text, then the raw body,
// then the status text.
func reasonFromBody(status int, body []byte) string {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	if json.Unmarshal(body, &payload) == nil {
		for _, s := range []string{payload.Error, payload.Message, payload.Detail} {
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
		}
	}
	if s := strings.TrimSpace(string(body)); s != "" {
		return truncateForLog(s, 200)
	}
	return http.StatusText(status)
}

func redactURLUserInfo(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil || parsed == nil {
		return raw
	}
	parsed.User = nil
	return parsed.String()
}

// truncateForLog cuts s to at most maxLen bytes without splitting a rune.
func truncateForLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
