package errorsx

import "testing"

func TestWrapAndReason(t *testing.T) {
	err := Wrap(assertErr{}, ReasonLLMGenerate)
	if Reason(err) != ReasonLLMGenerate {
		t.Fatalf("expected reason %s, got %s", ReasonLLMGenerate, Reason(err))
	}
	if !HasReason(err, ReasonLLMGenerate) {
		t.Fatalf("expected HasReason true")
	}
}

func TestWrapPreservesExistingReason(t *testing.T) {
	first := Wrap(assertErr{}, ReasonSTTSend)
	second := Wrap(first, ReasonLLMGenerate)
	if Reason(second) != ReasonSTTSend {
		t.Fatalf("expected reason preserved, got %s", Reason(second))
	}
}

func TestWrapNil(t *testing.T) {
	if err := Wrap(nil, ReasonConfigInvalid); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if Reason(nil) != ReasonUnknown {
		t.Fatalf("expected unknown reason for nil error")
	}
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
