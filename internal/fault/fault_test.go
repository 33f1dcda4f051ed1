package fault

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		status    int
		wantCode  Code
		retryable bool
	}{
		{401, AuthFailed, false},
		{403, AuthFailed, false},
		{404, NotFound, false},
		{408, Timeout, true},
		{413, ContextOverflow, false},
		{429, RateLimited, true},
		{500, UpstreamError, true},
		{502, UpstreamError, true},
		{418, UpstreamError, true}, // unmapped falls back, never leaks raw status semantics
	}

	for _, tc := range cases {
		f := FromHTTPStatus("anthropic", tc.status, 0, "boom")
		assert.Equal(t, tc.wantCode, f.Code, "status %d", tc.status)
		assert.Equal(t, tc.retryable, f.Retryable, "status %d", tc.status)
		assert.Equal(t, "anthropic", f.Provider)
	}
}

func TestRateLimitedCarriesRetryAfter(t *testing.T) {
	f := FromHTTPStatus("openai", 429, 30*time.Second, "")
	require.Equal(t, RateLimited, f.Code)
	require.Equal(t, 30*time.Second, f.RetryAfter)
	require.Equal(t, 30*time.Second, RetryAfterOf(f))
}

func TestCodeMatchingThroughWrapping(t *testing.T) {
	inner := New(RateLimited, "slow down")
	wrapped := fmt.Errorf("dispatch: %w", inner)

	assert.True(t, IsCode(wrapped, RateLimited))
	assert.True(t, errors.Is(wrapped, &Fault{Code: RateLimited}))
	assert.False(t, IsCode(wrapped, Timeout))
	assert.Equal(t, RateLimited, CodeOf(wrapped))
}

func TestNonFaultErrorsReportUpstream(t *testing.T) {
	assert.Equal(t, UpstreamError, CodeOf(errors.New("connection reset")))
}

func TestRedactMasksSecrets(t *testing.T) {
	cases := map[string]string{
		"Authorization: Bearer sk1234567890abcdef failed": "Bearer [REDACTED]",
		"key sk-abcdefghij1234567890 rejected":            "[REDACTED]",
		"bad request: api_key=supersecret123 invalid":     "api_key[REDACTED]",
	}
	for in, wantFragment := range cases {
		got := Redact(in)
		assert.Contains(t, got, "[REDACTED]", "input %q", in)
		assert.NotEqual(t, in, got)
		_ = wantFragment
	}
}

func TestNewRedactsMessage(t *testing.T) {
	f := New(AuthFailed, "provider rejected token=%s", "glpat-abcdef1234567890")
	assert.NotContains(t, f.Message, "glpat-abcdef1234567890")
	assert.Contains(t, f.Error(), "AUTH_FAILED")
}

func TestSeverityTiers(t *testing.T) {
	assert.Equal(t, SeverityHigh, New(AuthFailed, "x").Severity)
	assert.Equal(t, SeverityMedium, New(RateLimited, "x").Severity)
	assert.Equal(t, SeverityLow, New(NoMorePages, "x").Severity)
}
