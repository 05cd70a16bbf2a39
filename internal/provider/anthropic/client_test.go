package anthropic

import (
	"errors"
	"fmt"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/convoke-dev/convoke/internal/client"
)

func TestWrapErrClassifiesSDKError(t *testing.T) {
	wrapped := wrapErr(fmt.Errorf("stream failed: %w", &anthropic.Error{StatusCode: 529}))

	var apiErr *client.APIError
	if !errors.As(wrapped, &apiErr) {
		t.Fatalf("wrapErr = %v, want client.APIError", wrapped)
	}
	if apiErr.StatusCode != 529 {
		t.Errorf("StatusCode = %d, want 529", apiErr.StatusCode)
	}
	if !client.IsRetryable(wrapped) {
		t.Error("overloaded backend must classify as retryable")
	}
}

func TestWrapErrPassesThroughOtherErrors(t *testing.T) {
	plain := errors.New("boom")
	if got := wrapErr(plain); got != plain {
		t.Errorf("wrapErr(%v) = %v, want unchanged", plain, got)
	}
}
