package failure

import (
	"errors"
	"fmt"
	"io"
	"testing"
)

func TestKindOfWrappedError(t *testing.T) {
	err := fmt.Errorf("stop recorder: %w", Persistence("write incoming", io.ErrShortWrite))
	if got := KindOf(err); got != KindPersistence {
		t.Fatalf("KindOf() = %q, want %q", got, KindPersistence)
	}
	if !errors.Is(err, io.ErrShortWrite) {
		t.Fatalf("errors.Is(err, io.ErrShortWrite) = false, want true")
	}
	if !Is(err, KindPersistence) {
		t.Fatalf("Is(err, KindPersistence) = false, want true")
	}
}

func TestKindOfPlainError(t *testing.T) {
	if got := KindOf(errors.New("boom")); got != KindUnknown {
		t.Fatalf("KindOf() = %q, want %q", got, KindUnknown)
	}
	if Is(nil, KindUnknown) {
		t.Fatalf("Is(nil, ...) = true, want false")
	}
}

func TestNewNilError(t *testing.T) {
	if err := Configuration("dial", nil); err != nil {
		t.Fatalf("Configuration(nil) = %v, want nil", err)
	}
}

func TestErrorMessage(t *testing.T) {
	err := Configuration("dial upstream", errors.New("OPENAI_API_KEY is not set"))
	want := "configuration: dial upstream: OPENAI_API_KEY is not set"
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestIsRetryableHTTPStatus(t *testing.T) {
	cases := []struct {
		code int
		want bool
	}{
		{200, false},
		{400, false},
		{429, true},
		{500, true},
		{503, true},
	}
	for _, tc := range cases {
		got := IsRetryableHTTPStatus(tc.code)
		if got != tc.want {
			t.Fatalf("IsRetryableHTTPStatus(%d) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestIsRetryableUpstreamCode(t *testing.T) {
	if !IsRetryableUpstreamCode("rate_limit_exceeded") {
		t.Fatalf("rate_limit_exceeded should be retryable")
	}
	if IsRetryableUpstreamCode("invalid_request_error") {
		t.Fatalf("invalid_request_error should not be retryable")
	}
}
