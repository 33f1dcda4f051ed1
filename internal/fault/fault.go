// Package fault defines the stable error taxonomy shared by every
// adapter and façade. Adapters translate vendor-native failures into
// exactly one code at the point of occurrence; nothing downstream
// re-wraps or downgrades a code.
package fault

import (
	"errors"
	"fmt"
	"time"
)

// Code is a stable machine-readable error code. Callers branch on codes,
// never on vendor exception types.
type Code string

const (
	InvalidConfig         Code = "INVALID_CONFIG"
	InvalidRequest        Code = "INVALID_REQUEST"
	AuthFailed            Code = "AUTH_FAILED"
	RateLimited           Code = "RATE_LIMITED"
	ContextOverflow       Code = "CONTEXT_OVERFLOW"
	Timeout               Code = "TIMEOUT"
	UpstreamError         Code = "UPSTREAM_ERROR"
	ContentBlocked        Code = "CONTENT_BLOCKED"
	NotRegistered         Code = "NOT_REGISTERED"
	NoCapableProvider     Code = "NO_CAPABLE_PROVIDER"
	NoMorePages           Code = "NO_MORE_PAGES"
	DuplicateRegistration Code = "DUPLICATE_REGISTRATION"
	NotFound              Code = "NOT_FOUND"
)

// Severity tiers let callers decide whether a human needs to see this.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Fault is the normalized error carried across the provider boundary.
// Message is always safe to display: it is redacted at construction and
// carries no stack detail.
type Fault struct {
	Code       Code
	Message    string
	Retryable  bool
	RetryAfter time.Duration
	Severity   Severity
	Provider   string
	cause      error
}

func (f *Fault) Error() string {
	if f.Provider != "" {
		return fmt.Sprintf("%s: %s: %s", f.Provider, f.Code, f.Message)
	}
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

func (f *Fault) Unwrap() error { return f.cause }

// Is makes errors.Is(err, &Fault{Code: X}) match on code alone.
func (f *Fault) Is(target error) bool {
	t, ok := target.(*Fault)
	if !ok {
		return false
	}
	return t.Code == f.Code
}

// New builds a Fault with the defaults for its code. The message is
// redacted before storage.
func New(code Code, format string, args ...interface{}) *Fault {
	f := &Fault{
		Code:     code,
		Message:  Redact(fmt.Sprintf(format, args...)),
		Severity: defaultSeverity(code),
	}
	f.Retryable = defaultRetryable(code)
	return f
}

// Wrap attaches a cause without changing the code or message discipline.
func Wrap(code Code, cause error, format string, args ...interface{}) *Fault {
	f := New(code, format, args...)
	f.cause = cause
	return f
}

// WithProvider tags the fault with the adapter name that produced it.
func (f *Fault) WithProvider(name string) *Fault {
	f.Provider = name
	return f
}

// WithRetryAfter records the wait the vendor (or limiter) asked for.
func (f *Fault) WithRetryAfter(d time.Duration) *Fault {
	f.RetryAfter = d
	f.Retryable = true
	return f
}

func defaultRetryable(code Code) bool {
	switch code {
	case RateLimited, Timeout, UpstreamError:
		return true
	}
	return false
}

func defaultSeverity(code Code) Severity {
	switch code {
	case AuthFailed, InvalidConfig:
		return SeverityHigh
	case RateLimited, Timeout, UpstreamError, ContextOverflow:
		return SeverityMedium
	}
	return SeverityLow
}

// CodeOf extracts the taxonomy code from any error. Non-Fault errors
// report UpstreamError, the generic fallback for unmapped failures.
func CodeOf(err error) Code {
	var f *Fault
	if errors.As(err, &f) {
		return f.Code
	}
	return UpstreamError
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// RetryAfterOf returns the retry-after hint carried by err, or zero.
func RetryAfterOf(err error) time.Duration {
	var f *Fault
	if errors.As(err, &f) {
		return f.RetryAfter
	}
	return 0
}

// FromHTTPStatus maps an HTTP response status to exactly one taxonomy
// code. Unmapped statuses deliberately fall through to UpstreamError so
// callers never see a raw vendor failure.
func FromHTTPStatus(provider string, status int, retryAfter time.Duration, body string) *Fault {
	var code Code
	switch {
	case status == 401 || status == 403:
		code = AuthFailed
	case status == 404:
		code = NotFound
	case status == 408:
		code = Timeout
	case status == 413:
		code = ContextOverflow
	case status == 429:
		code = RateLimited
	default:
		code = UpstreamError
	}
	f := New(code, "upstream returned status %d: %s", status, truncate(body, 200))
	f.Provider = provider
	if code == RateLimited && retryAfter > 0 {
		f.RetryAfter = retryAfter
	}
	return f
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
