package google

import (
	"errors"
	"fmt"
	"testing"

	"google.golang.org/genai"

	"github.com/convoke-dev/convoke/internal/client"
)

func TestWrapErrClassifiesSDKError(t *testing.T) {
	sdkErr := genai.APIError{Code: 503, Message: "service unavailable"}
	wrapped := wrapErr(fmt.Errorf("stream failed: %w", sdkErr))

	var apiErr *client.APIError
	if !errors.As(wrapped, &apiErr) {
		t.Fatalf("wrapErr = %v, want client.APIError", wrapped)
	}
	if apiErr.StatusCode != 503 {
		t.Errorf("StatusCode = %d, want 503", apiErr.StatusCode)
	}
	if !client.IsRetryable(wrapped) {
		t.Error("unavailable backend must classify as retryable")
	}
}

func TestWrapErrPassesThroughOtherErrors(t *testing.T) {
	plain := errors.New("boom")
	if got := wrapErr(plain); got != plain {
		t.Errorf("wrapErr(%v) = %v, want unchanged", plain, got)
	}
}
