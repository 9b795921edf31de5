package pricing

import (
	"math"
	"testing"
)

func TestLookupKnownModel(t *testing.T) {
	t.Parallel()

	p := Lookup("openai", "gpt-4o-mini")
	if p.InputPerK != 0.00015 || p.OutputPerK != 0.0006 {
		t.Errorf("price %+v", p)
	}
}

func TestLookupUnknownModelFallsBack(t *testing.T) {
	t.Parallel()

	p := Lookup("openai", "gpt-99-experimental")
	if p != fallback {
		t.Errorf("price %+v, want fallback", p)
	}
	if p.InputPerK == 0 || p.OutputPerK == 0 {
		t.Error("unknown models must not be free")
	}
}

func TestEstimate(t *testing.T) {
	t.Parallel()

	// 1000 input at 0.0025/1K plus 500 output at 0.01/1K.
	got := Estimate("openai", "gpt-4o", 1000, 500)
	want := 0.0025 + 0.005
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("estimate = %g, want %g", got, want)
	}

	if got := Estimate("anthropic", "claude-haiku-4-5", 0, 0); got != 0 {
		t.Errorf("zero tokens should cost zero, got %g", got)
	}
}
