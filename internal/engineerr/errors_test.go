package engineerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTagOfUnwrapsThroughFmtErrorf(t *testing.T) {
	base := New("fetch.range", NetworkTransient, errors.New("connection reset"))
	wrapped := fmt.Errorf("segment 3: %w", base)

	assert.Equal(t, NetworkTransient, TagOf(wrapped))

	var target *Error
	require.True(t, errors.As(wrapped, &target))
	assert.Equal(t, base, target)
}

func TestTagOfDefaultsToInternal(t *testing.T) {
	assert.Equal(t, Internal, TagOf(errors.New("plain error")))
	assert.Equal(t, Internal, TagOf(nil))
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"network transient", New("op", NetworkTransient, nil), true},
		{"stall timeout", New("op", StallTimeout, nil), true},
		{"server 503", FromHTTPStatus("op", 503), true},
		{"client 429 retryable", FromHTTPStatus("op", 429), true},
		{"client 408 retryable", FromHTTPStatus("op", 408), true},
		{"client 400 not retryable", FromHTTPStatus("op", 400), false},
		{"not found", FromHTTPStatus("op", 404), false},
		{"range not supported", FromHTTPStatus("op", 416), false},
		{"checksum mismatch", New("op", ChecksumMismatch, nil), false},
		{"cancelled", New("op", Cancelled, nil), false},
		{"plain error", errors.New("boom"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsRetryable(tc.err))
		})
	}
}

func TestFromHTTPStatusClassification(t *testing.T) {
	assert.Equal(t, HttpRangeNotSupported, TagOf(FromHTTPStatus("op", 416)))
	assert.Equal(t, NotFound, TagOf(FromHTTPStatus("op", 404)))
	assert.Equal(t, HttpServerStatus, TagOf(FromHTTPStatus("op", 502)))
	assert.Equal(t, HttpClientStatus, TagOf(FromHTTPStatus("op", 403)))
}

func TestErrorMessageIncludesOpTagAndCause(t *testing.T) {
	err := New("probe.head", DiskFull, errors.New("no space left"))
	assert.Equal(t, "probe.head: DiskFull: no space left", err.Error())

	bare := New("probe.head", DiskFull, nil)
	assert.Equal(t, "probe.head: DiskFull", bare.Error())
}

func TestWithRetryAfterRoundTrips(t *testing.T) {
	err := New("fetch", HttpClientStatus, nil).WithStatus(429).WithRetryAfter(17)
	assert.Equal(t, 17, err.GetRetryAfter())
	assert.Equal(t, 429, err.StatusCode)
}
