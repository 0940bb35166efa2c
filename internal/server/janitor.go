package server

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/gorhill/cronexpr"

	"github.com/nimblecart/ghostwriter/internal/store"
)

// Janitor periodically removes expired cache rows and old trace events.
// The TTL cache overwrites expired rows on refill; the janitor exists
// for keys nobody asks about anymore.
type Janitor struct {
	Store    *store.Store
	CronSpec string
	KeepDays int
	Logger   *log.Logger
	Stop     chan struct{}
}

func (j *Janitor) Start() error {
	expr, err := cronexpr.Parse(j.CronSpec)
	if err != nil {
		return fmt.Errorf("invalid janitor cron spec %q: %w", j.CronSpec, err)
	}
	go j.loop(expr)
	return nil
}

func (j *Janitor) Close() {
	close(j.Stop)
}

func (j *Janitor) loop(expr *cronexpr.Expression) {
	for {
		next := expr.Next(time.Now())
		if next.IsZero() {
			return
		}
		select {
		case <-j.Stop:
			return
		case <-time.After(time.Until(next)):
			j.sweep()
		}
	}
}

func (j *Janitor) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	now := time.Now()
	if purged, err := j.Store.PurgeCacheExpired(ctx, now); err != nil {
		j.Logger.Printf("cache sweep failed: %v", err)
	} else if purged > 0 {
		j.Logger.Printf("purged %d expired cache rows", purged)
	}

	keepDays := j.KeepDays
	if keepDays <= 0 {
		keepDays = 30
	}
	cutoff := now.AddDate(0, 0, -keepDays)
	if purged, err := j.Store.PurgeTraceEventsBefore(ctx, cutoff); err != nil {
		j.Logger.Printf("trace sweep failed: %v", err)
	} else if purged > 0 {
		j.Logger.Printf("purged %d trace events older than %s", purged, cutoff.Format(time.RFC3339))
	}
}
