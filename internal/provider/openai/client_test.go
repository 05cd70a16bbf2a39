package openai

import (
	"errors"
	"fmt"
	"testing"

	"github.com/openai/openai-go/v3"

	"github.com/convoke-dev/convoke/internal/client"
)

func TestWrapErrClassifiesSDKError(t *testing.T) {
	sdkErr := &openai.Error{StatusCode: 500, Message: "internal server error"}
	wrapped := wrapErr(fmt.Errorf("stream failed: %w", sdkErr))

	var apiErr *client.APIError
	if !errors.As(wrapped, &apiErr) {
		t.Fatalf("wrapErr = %v, want client.APIError", wrapped)
	}
	if apiErr.StatusCode != 500 {
		t.Errorf("StatusCode = %d, want 500", apiErr.StatusCode)
	}
	if apiErr.Message != "internal server error" {
		t.Errorf("Message = %q, want the SDK message", apiErr.Message)
	}
	if !client.IsRetryable(wrapped) {
		t.Error("server error must classify as retryable")
	}
}

func TestWrapErrPassesThroughOtherErrors(t *testing.T) {
	plain := errors.New("boom")
	if got := wrapErr(plain); got != plain {
		t.Errorf("wrapErr(%v) = %v, want unchanged", plain, got)
	}
}
