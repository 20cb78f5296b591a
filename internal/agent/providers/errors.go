// Package providers contains the LLM adapters that translate the
// canonical agent contract to each vendor API.
package providers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/haasonsaas/loom/internal/agent"
)

// Reason categorizes why a provider request failed.
type Reason string

const (
	// ReasonAuth indicates authentication failure (HTTP 401, 403).
	ReasonAuth Reason = "auth"

	// ReasonRateLimit indicates rate limiting (HTTP 429).
	ReasonRateLimit Reason = "rate_limit"

	// ReasonServerError indicates server-side issues (HTTP 5xx).
	ReasonServerError Reason = "server_error"

	// ReasonTimeout indicates a request timeout.
	ReasonTimeout Reason = "timeout"

	// ReasonInvalidRequest indicates client-side issues (HTTP 400).
	ReasonInvalidRequest Reason = "invalid_request"

	// ReasonContextOverflow indicates the prompt exceeded the model's
	// context window. The loop branches on this to retry with a trimmed
	// history, so it must never be folded into ReasonInvalidRequest.
	ReasonContextOverflow Reason = "context_overflow"

	// ReasonUnknown indicates an unclassified error.
	ReasonUnknown Reason = "unknown"
)

// IsRetryable reports whether retrying the same request may succeed.
func (r Reason) IsRetryable() bool {
	switch r {
	case ReasonRateLimit, ReasonTimeout, ReasonServerError:
		return true
	default:
		return false
	}
}

// Error is a structured provider failure. Its text never embeds
// credentials; messages are taken from vendor error payloads only.
type Error struct {
	Reason    Reason
	Provider  string
	Model     string
	Status    int
	Code      string
	Message   string
	RequestID string
	Cause     error
}

func (e *Error) Error() string {
	parts := []string{fmt.Sprintf("[%s]", e.Reason)}
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, "model="+e.Model)
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Code != "" {
		parts = append(parts, "code="+e.Code)
	}
	switch {
	case e.Message != "":
		parts = append(parts, e.Message)
	case e.Cause != nil:
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

// Unwrap exposes the underlying error.
func (e *Error) Unwrap() error { return e.Cause }

// Is makes errors.Is(err, agent.ErrContextOverflow) hold for overflow
// failures without the agent package importing this one.
func (e *Error) Is(target error) bool {
	return target == agent.ErrContextOverflow && e.Reason == ReasonContextOverflow
}

// New builds a provider error classified from its cause.
func New(provider, model string, cause error) *Error {
	e := &Error{
		Provider: provider,
		Model:    model,
		Cause:    cause,
		Reason:   ReasonUnknown,
	}
	if cause != nil {
		e.Message = cause.Error()
		e.Reason = Classify(cause)
	}
	return e
}

// WithStatus records the HTTP status and reclassifies, preserving an
// already-detected context overflow.
func (e *Error) WithStatus(status int) *Error {
	e.Status = status
	if e.Reason != ReasonContextOverflow {
		e.Reason = classifyStatus(status)
		if e.Reason == ReasonInvalidRequest && isOverflowMessage(e.Message) {
			e.Reason = ReasonContextOverflow
		}
	}
	return e
}

// WithCode records the vendor error code and reclassifies known codes.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	if isOverflowCode(code) {
		e.Reason = ReasonContextOverflow
	}
	return e
}

// WithRequestID records the vendor request id for debugging.
func (e *Error) WithRequestID(id string) *Error {
	e.RequestID = id
	return e
}

// Get extracts a structured provider error from an error chain.
func Get(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// Classify inspects an error's text and returns a Reason.
func Classify(err error) Reason {
	if err == nil {
		return ReasonUnknown
	}
	msg := strings.ToLower(err.Error())

	if isOverflowMessage(msg) {
		return ReasonContextOverflow
	}
	if strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "context deadline") {
		return ReasonTimeout
	}
	if strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "429") {
		return ReasonRateLimit
	}
	if strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "invalid api key") ||
		strings.Contains(msg, "invalid_api_key") ||
		strings.Contains(msg, "authentication") ||
		strings.Contains(msg, "401") ||
		strings.Contains(msg, "403") {
		return ReasonAuth
	}
	if strings.Contains(msg, "internal server") ||
		strings.Contains(msg, "server error") ||
		strings.Contains(msg, "500") ||
		strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") ||
		strings.Contains(msg, "504") ||
		strings.Contains(msg, "overloaded") {
		return ReasonServerError
	}
	if strings.Contains(msg, "invalid_request") ||
		strings.Contains(msg, "bad request") ||
		strings.Contains(msg, "400") {
		return ReasonInvalidRequest
	}
	return ReasonUnknown
}

func classifyStatus(status int) Reason {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ReasonAuth
	case status == http.StatusTooManyRequests:
		return ReasonRateLimit
	case status == http.StatusBadRequest:
		return ReasonInvalidRequest
	case status == http.StatusRequestTimeout:
		return ReasonTimeout
	case status >= 500:
		return ReasonServerError
	default:
		return ReasonUnknown
	}
}

// isOverflowMessage matches the phrasings the vendors use for a prompt
// that exceeds the context window.
func isOverflowMessage(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "context_length_exceeded") ||
		strings.Contains(msg, "context length") ||
		strings.Contains(msg, "maximum context") ||
		strings.Contains(msg, "prompt is too long") ||
		strings.Contains(msg, "input token count") ||
		strings.Contains(msg, "exceeds the maximum number of tokens")
}

func isOverflowCode(code string) bool {
	switch strings.ToLower(code) {
	case "context_length_exceeded", "context_overflow":
		return true
	default:
		return false
	}
}
