package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestErrorString(t *testing.T) {
	err := New("binance", CodeNotFound, WithMessage("symbol BTCUSDT missing"), WithHTTP(404))

	str := err.Error()
	for _, want := range []string{"exchange=binance", "code=not_found", "http=404", "symbol BTCUSDT missing"} {
		if !strings.Contains(str, want) {
			t.Fatalf("expected %q in %q", want, str)
		}
	}
}

func TestNilErrorString(t *testing.T) {
	var e *E
	if e.Error() != "<nil>" {
		t.Fatalf("unexpected nil rendering %q", e.Error())
	}
}

func TestRateLimitedRetryAfter(t *testing.T) {
	base := RateLimited("binance", 250*time.Millisecond)
	wrapped := fmt.Errorf("open session: %w", base)

	if !Is(wrapped, CodeRateLimited) {
		t.Fatal("expected wrapped error to carry rate limit code")
	}
	delay, ok := RetryAfter(wrapped)
	if !ok || delay != 250*time.Millisecond {
		t.Fatalf("expected 250ms retry-after, got %v ok=%v", delay, ok)
	}
	if !strings.Contains(base.Error(), "retry_after=250ms") {
		t.Fatalf("expected retry_after in %q", base.Error())
	}
}

func TestRateLimitedClampsNegative(t *testing.T) {
	if got := RateLimited("x", -time.Second).RetryAfter; got != 0 {
		t.Fatalf("expected clamp to zero, got %v", got)
	}
}

func TestIsFollowsCause(t *testing.T) {
	inner := New("binance", CodeNetwork, WithMessage("reset"))
	outer := New("binance", CodeBootstrap, WithCause(inner))

	if !Is(outer, CodeNetwork) {
		t.Fatal("expected cause code to match")
	}
	if Is(outer, CodeAuth) {
		t.Fatal("unexpected auth match")
	}
	if Is(errors.New("plain"), CodeNetwork) {
		t.Fatal("plain errors never match")
	}
	if _, ok := RetryAfter(outer); ok {
		t.Fatal("no retry-after expected")
	}
	if !errors.Is(outer, inner) {
		t.Fatal("expected Unwrap to expose the cause")
	}
}
