// Package retry implements the layered retry policy for agent operations.
//
// Retries are expensive here: a full re-run of a storefront analysis can
// re-trigger live page scraping. The ladder therefore prefers a single
// generation-only "fast path" retry that reuses scraped page text before
// falling back to bounded full re-runs.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
)

// ErrEmptyResult marks a call that succeeded at the transport level but
// produced only whitespace. Callers treat it like a transient failure.
var ErrEmptyResult = errors.New("model returned an empty result")

// PermanentError wraps a failure that retrying cannot fix, such as an
// input-validation rejection. The ladder stops retrying when it sees one.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func isPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Op is one attempt of a retryable operation. attempt starts at 1.
type Op func(ctx context.Context, attempt int) (string, error)

// Do runs op up to maxRetries+1 times, treating an all-whitespace result
// the same as an error. The first attempt's error is returned on
// exhaustion so the root cause stays diagnosable. A PermanentError stops
// the loop immediately and is returned as-is.
func Do(ctx context.Context, logger *log.Logger, label string, maxRetries int, op Op) (string, error) {
	if maxRetries < 0 {
		maxRetries = 0
	}
	var firstErr error
	for attempt := 1; attempt <= maxRetries+1; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		out, err := op(ctx, attempt)
		if err == nil && strings.TrimSpace(out) != "" {
			return out, nil
		}
		if err == nil {
			err = ErrEmptyResult
		}
		if firstErr == nil {
			firstErr = err
		}
		if isPermanent(err) {
			return "", err
		}
		if logger != nil {
			logger.Printf("%s attempt %d/%d failed: %v", label, attempt, maxRetries+1, err)
		}
	}
	return "", firstErr
}

// Ladder drives the three-rung retry policy for tool-using operations:
// one primary attempt, at most one generation-only fast-path attempt when
// reusable side-effect data exists, then bounded full retries.
type Ladder struct {
	Logger     *log.Logger
	Label      string
	MaxRetries int

	// Primary runs the full operation, tools included. attempt starts at 1
	// and counts only primary runs.
	Primary Op

	// FastPath re-runs generation only, feeding previously captured
	// side-effect data back as plain context. Nil disables the fast path.
	FastPath func(ctx context.Context) (string, error)

	// HasSideEffectData reports whether attempt 1 left data the fast path
	// can reuse. Consulted once, after the primary attempt fails.
	HasSideEffectData func() bool
}

// Run executes the ladder. On exhaustion the primary attempt's original
// error is returned, never a synthesized one.
func (l *Ladder) Run(ctx context.Context) (string, error) {
	if l.Primary == nil {
		return "", fmt.Errorf("retry ladder %q has no primary operation", l.Label)
	}

	out, err := l.Primary(ctx, 1)
	if err == nil && strings.TrimSpace(out) != "" {
		return out, nil
	}
	if err == nil {
		err = ErrEmptyResult
	}
	firstErr := err
	if isPermanent(err) {
		return "", err
	}
	l.logf("primary attempt failed: %v", err)

	// Fast path: attempted at most once, never retried itself.
	if l.FastPath != nil && l.HasSideEffectData != nil && l.HasSideEffectData() {
		l.logf("retrying on fast path with captured side-effect data")
		out, err = l.FastPath(ctx)
		if err == nil && strings.TrimSpace(out) != "" {
			return out, nil
		}
		if err == nil {
			err = ErrEmptyResult
		}
		l.logf("fast path failed: %v", err)
	}

	for attempt := 2; attempt <= l.MaxRetries+1; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			return "", cerr
		}
		out, err = l.Primary(ctx, attempt)
		if err == nil && strings.TrimSpace(out) != "" {
			return out, nil
		}
		if err == nil {
			err = ErrEmptyResult
		}
		if isPermanent(err) {
			return "", err
		}
		l.logf("full retry %d/%d failed: %v", attempt-1, l.MaxRetries, err)
	}

	return "", firstErr
}

func (l *Ladder) logf(format string, args ...interface{}) {
	if l.Logger == nil {
		return
	}
	l.Logger.Printf("[%s] %s", l.Label, fmt.Sprintf(format, args...))
}
