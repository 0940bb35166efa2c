package retry

import (
	"context"
	"errors"
	"testing"
)

func TestLadderFastPathSkipsFullRetry(t *testing.T) {
	primaryCalls := 0
	fastCalls := 0
	l := &Ladder{
		Label:      "test",
		MaxRetries: 3,
		Primary: func(ctx context.Context, attempt int) (string, error) {
			primaryCalls++
			return "", errors.New("upstream timeout")
		},
		FastPath: func(ctx context.Context) (string, error) {
			fastCalls++
			return "recovered text", nil
		},
		HasSideEffectData: func() bool { return true },
	}
	out, err := l.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "recovered text" {
		t.Fatalf("unexpected output: %q", out)
	}
	if primaryCalls != 1 {
		t.Fatalf("expected 1 primary call, got %d", primaryCalls)
	}
	if fastCalls != 1 {
		t.Fatalf("expected 1 fast-path call, got %d", fastCalls)
	}
}

func TestLadderExhaustionReturnsOriginalError(t *testing.T) {
	original := errors.New("first failure")
	calls := 0
	l := &Ladder{
		Label:      "test",
		MaxRetries: 2,
		Primary: func(ctx context.Context, attempt int) (string, error) {
			calls++
			if calls == 1 {
				return "", original
			}
			return "", errors.New("later failure")
		},
		HasSideEffectData: func() bool { return false },
		FastPath: func(ctx context.Context) (string, error) {
			t.Fatal("fast path must not run without side-effect data")
			return "", nil
		},
	}
	_, err := l.Run(context.Background())
	if calls != 3 {
		t.Fatalf("expected 3 total attempts (1 primary + 2 retries), got %d", calls)
	}
	if !errors.Is(err, original) {
		t.Fatalf("expected original attempt-1 error, got %v", err)
	}
}

func TestLadderFastPathAttemptedAtMostOnce(t *testing.T) {
	fastCalls := 0
	primaryCalls := 0
	l := &Ladder{
		Label:      "test",
		MaxRetries: 1,
		Primary: func(ctx context.Context, attempt int) (string, error) {
			primaryCalls++
			return "", errors.New("boom")
		},
		FastPath: func(ctx context.Context) (string, error) {
			fastCalls++
			return "   ", nil // whitespace counts as failure
		},
		HasSideEffectData: func() bool { return true },
	}
	_, err := l.Run(context.Background())
	if err == nil {
		t.Fatal("expected terminal error")
	}
	if fastCalls != 1 {
		t.Fatalf("expected exactly 1 fast-path attempt, got %d", fastCalls)
	}
	if primaryCalls != 2 {
		t.Fatalf("expected 2 primary attempts, got %d", primaryCalls)
	}
}

func TestLadderEmptyPrimaryResultIsRetryable(t *testing.T) {
	calls := 0
	l := &Ladder{
		Label:      "test",
		MaxRetries: 1,
		Primary: func(ctx context.Context, attempt int) (string, error) {
			calls++
			if calls == 2 {
				return "text at last", nil
			}
			return "", nil
		},
	}
	out, err := l.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "text at last" {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestLadderPermanentErrorAborts(t *testing.T) {
	calls := 0
	l := &Ladder{
		Label:      "test",
		MaxRetries: 5,
		Primary: func(ctx context.Context, attempt int) (string, error) {
			calls++
			return "", Permanent(errors.New("invalid input"))
		},
	}
	_, err := l.Run(context.Background())
	if calls != 1 {
		t.Fatalf("expected no retries after permanent error, got %d calls", calls)
	}
	var pe *PermanentError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PermanentError, got %v", err)
	}
}

func TestDoRetriesWhitespace(t *testing.T) {
	calls := 0
	out, err := Do(context.Background(), nil, "merge", 2, func(ctx context.Context, attempt int) (string, error) {
		calls++
		if attempt < 3 {
			return "\n\t ", nil
		}
		return "done", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "done" {
		t.Fatalf("unexpected output %q", out)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestDoReturnsFirstError(t *testing.T) {
	first := errors.New("root cause")
	attempt := 0
	_, err := Do(context.Background(), nil, "merge", 1, func(ctx context.Context, n int) (string, error) {
		attempt++
		if attempt == 1 {
			return "", first
		}
		return "", errors.New("secondary")
	})
	if !errors.Is(err, first) {
		t.Fatalf("expected first error, got %v", err)
	}
}

func TestDoEmptyResultError(t *testing.T) {
	_, err := Do(context.Background(), nil, "merge", 0, func(ctx context.Context, n int) (string, error) {
		return "", nil
	})
	if !errors.Is(err, ErrEmptyResult) {
		t.Fatalf("expected ErrEmptyResult, got %v", err)
	}
}

func TestDoCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Do(ctx, nil, "merge", 3, func(ctx context.Context, n int) (string, error) {
		t.Fatal("op must not run on cancelled context")
		return "", nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
