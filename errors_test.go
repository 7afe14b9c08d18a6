package strand

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorFormatting(t *testing.T) {
	plain := NewError(CodeTimeout, "took too long")
	if got := plain.Error(); got != "timeout: took too long" {
		t.Errorf("Error() = %q", got)
	}
	wrapped := WrapError(CodeProvider, "stream completion", errors.New("connection reset"))
	if got := wrapped.Error(); got != "provider: stream completion: connection reset" {
		t.Errorf("Error() = %q", got)
	}
}

func TestWrapErrorNil(t *testing.T) {
	if err := WrapError(CodeInternal, "x", nil); err != nil {
		t.Errorf("got %v, want nil", err)
	}
}

func TestCodeOf(t *testing.T) {
	if got := CodeOf(Errorf(CodeNotFound, "gone")); got != CodeNotFound {
		t.Errorf("CodeOf = %q", got)
	}
	// Unwraps through fmt wrapping.
	deep := fmt.Errorf("outer: %w", NewError(CodeLockBusy, "held"))
	if got := CodeOf(deep); got != CodeLockBusy {
		t.Errorf("CodeOf wrapped = %q", got)
	}
	if got := CodeOf(errors.New("plain")); got != CodeInternal {
		t.Errorf("CodeOf plain = %q", got)
	}
}

func TestMessageOf(t *testing.T) {
	if got := MessageOf(NewError(CodeValidation, "bad input")); got != "bad input" {
		t.Errorf("MessageOf = %q", got)
	}
	if got := MessageOf(errors.New("raw")); got != "raw" {
		t.Errorf("MessageOf plain = %q", got)
	}
	if got := MessageOf(nil); got != "" {
		t.Errorf("MessageOf nil = %q", got)
	}
}

func TestErrorsAsThroughUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := WrapError(CodeTool, "tool failed", cause)
	if !errors.Is(err, cause) {
		t.Error("wrapped cause lost")
	}
}
