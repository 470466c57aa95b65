package dispatch

import (
	"errors"
	"fmt"
)

// Error codes for the seven-member taxonomy the dispatch core surfaces.
// Every failure a caller can observe from Dispatcher.Send carries one of
// these codes.
const (
	ErrCodeConfig         = "DISPATCH_CONFIG_ERROR"
	ErrCodeNoKeyAvailable = "DISPATCH_NO_KEY_AVAILABLE"
	ErrCodeLLMAPI         = "DISPATCH_LLM_API_ERROR"
	ErrCodeTimeout        = "DISPATCH_TIMEOUT"
	ErrCodeAbort          = "DISPATCH_ABORT"
	ErrCodeParse          = "DISPATCH_PARSE_ERROR"
	ErrCodeNetwork        = "DISPATCH_NETWORK_ERROR"
)

// CodedError is the base shape for every taxonomy member: a stable code for
// programmatic handling, a human message, and an optional wrapped cause.
type CodedError struct {
	Code    string
	Message string
	Err     error
}

func (e *CodedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *CodedError) Unwrap() error {
	return e.Err
}

// LogFields converts the error into structured fields for Logger.Error.
func (e *CodedError) LogFields() []Field {
	fields := []Field{
		F("error_code", e.Code),
		F("error_message", e.Message),
	}
	if e.Err != nil {
		fields = append(fields, F("underlying_error", e.Err.Error()))
	}
	return fields
}

// NewConfigError reports a profile that is missing, disabled, or has no
// keys configured — §4.1 step 1.
func NewConfigError(reason string) *CodedError {
	return &CodedError{
		Code: ErrCodeConfig,
		Message: fmt.Sprintf("profile configuration error: %s\n\n"+
			"Fix:\n"+
			"  1. Check the profile id passed to Dispatcher.Send matches a profile in the config store\n"+
			"  2. Ensure the profile's Enabled flag is true\n"+
			"  3. Ensure the profile has at least one API key configured", reason),
	}
}

// NewNoKeyAvailableError reports that every key on the profile is
// quarantined or cooling down — §4.1 step 2.
func NewNoKeyAvailableError(profileID string) *CodedError {
	return &CodedError{
		Code: ErrCodeNoKeyAvailable,
		Message: fmt.Sprintf("no usable API key for profile %q\n\n"+
			"Fix:\n"+
			"  1. Add another key to the profile, or wait for the current key's cooldown to expire\n"+
			"  2. Inspect KeyManager.Status(profileID) to see per-key cooldown-until times", profileID),
	}
}

// LLMAPIError reports a non-2xx upstream response. It keeps status,
// statusText, and body as distinct fields per §7 rather than folding them
// into the message string, so callers can branch on Status directly.
type LLMAPIError struct {
	Status     int
	StatusText string
	Body       string
	// Header carries the upstream response headers, most importantly
	// Retry-After, which the Key Manager's rate-limit classification
	// reads directly (§4.2, §8.6). May be nil.
	Header map[string][]string
}

func (e *LLMAPIError) Error() string {
	return fmt.Sprintf("[%s] upstream returned %d %s: %s", ErrCodeLLMAPI, e.Status, e.StatusText, truncate(e.Body, 500))
}

func (e *LLMAPIError) LogFields() []Field {
	return []Field{
		F("error_code", ErrCodeLLMAPI),
		F("status", e.Status),
		F("status_text", e.StatusText),
		F("body", truncate(e.Body, 2000)),
	}
}

func NewLLMAPIError(status int, statusText, body string, header map[string][]string) *LLMAPIError {
	return &LLMAPIError{Status: status, StatusText: statusText, Body: body, Header: header}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

// NewTimeoutError reports that the internal request timeout fired —
// §4.4, always classified Transient by the Key Manager.
func NewTimeoutError(cause error) *CodedError {
	return &CodedError{
		Code: ErrCodeTimeout,
		Message: "request timed out\n\n" +
			"Fix:\n" +
			"  1. Raise NormalizedRequest.TimeoutMs\n" +
			"  2. Check the upstream provider's status page\n" +
			"  3. If this repeats, the key will enter a short cooldown automatically",
		Err: cause,
	}
}

// NewAbortError reports that the caller's context was canceled. The cause
// is preserved so the Key Manager can distinguish deliberate cancellation
// (no penalty) from a timeout (Transient penalty) — both surface as
// context errors but arrive via different code paths.
func NewAbortError(cause error) *CodedError {
	return &CodedError{
		Code:    ErrCodeAbort,
		Message: "request aborted by caller",
		Err:     cause,
	}
}

// NewParseError reports that a response body or SSE stream could not be
// decoded into the provider's documented shape.
func NewParseError(context string, cause error) *CodedError {
	return &CodedError{
		Code:    ErrCodeParse,
		Message: fmt.Sprintf("failed to parse %s", context),
		Err:     cause,
	}
}

// NewNetworkError reports a transport-level failure with no HTTP status
// (DNS failure, connection refused, TLS handshake failure).
func NewNetworkError(cause error) *CodedError {
	return &CodedError{
		Code:    ErrCodeNetwork,
		Message: "network transport failure",
		Err:     cause,
	}
}

// IsRetryable reports whether the error class the spec's Key Manager maps
// to Transient or RateLimit — the two classes that self-heal after a
// cooldown without operator intervention.
func IsRetryable(err error) bool {
	var llmErr *LLMAPIError
	if errors.As(err, &llmErr) {
		return llmErr.Status == 429 || llmErr.Status >= 500
	}
	var coded *CodedError
	if errors.As(err, &coded) {
		switch coded.Code {
		case ErrCodeTimeout, ErrCodeNetwork:
			return true
		}
	}
	return false
}

// ErrorCode extracts the taxonomy code from any dispatch-core error, or
// "" if err is not one of ours.
func ErrorCode(err error) string {
	var llmErr *LLMAPIError
	if errors.As(err, &llmErr) {
		return ErrCodeLLMAPI
	}
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}
	return ""
}
