package async

import (
	"context"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/renewal/pkg/observability"
)

var (
	loggerMu sync.RWMutex
	logger   = observability.NewLogger(observability.InfoLevel, os.Stderr)
)

// SetLogger replaces the logger used to report background failures.
func SetLogger(l *observability.Logger) {
	if l == nil {
		return
	}
	loggerMu.Lock()
	logger = l
	loggerMu.Unlock()
}

func currentLogger() *observability.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return logger
}

// SafeGo executes a function in a goroutine with:
// - Context cancellation support
// - Panic recovery
// - Timeout enforcement
// - Error logging
//
// Use this instead of bare `go func()` to prevent goroutine leaks and crashes.
// Pass context.WithoutCancel(ctx) when the task must outlive the request.
//
// Example:
//
//	SafeGo(context.WithoutCancel(ctx), 10*time.Second, "notify status_changed", func(ctx context.Context) error {
//	    return notifier.Notify(ctx, event)
//	})
func SafeGo(parentCtx context.Context, timeout time.Duration, taskName string, fn func(context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(parentCtx, timeout)
		defer cancel()

		log := currentLogger().WithField("task", taskName)
		defer observability.RecoverPanic(log, taskName)

		if err := fn(ctx); err != nil {
			// Caller decided the task is not critical
			log.WithError(err).Warn("background task failed")
		}
	}()
}

// ForEach runs fn for every item with at most limit calls in flight and
// returns one error slot per item (nil on success). A failing or panicking
// item never cancels its siblings.
//
// Example:
//
//	errs := ForEach(ctx, ids, 8, func(ctx context.Context, id int64) error {
//	    return svc.Cancel(ctx, id, actor)
//	})
func ForEach[T any](ctx context.Context, items []T, limit int, fn func(context.Context, T) error) []error {
	errs := make([]error, len(items))
	if len(items) == 0 {
		return errs
	}
	if limit <= 0 {
		limit = 1
	}

	var g errgroup.Group
	g.SetLimit(limit)

	for i, item := range items {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					errs[i] = observability.PanicError(r)
				}
			}()
			if ctxErr := ctx.Err(); ctxErr != nil {
				errs[i] = ctxErr
				return nil
			}
			errs[i] = fn(ctx, item)
			return nil
		})
	}

	_ = g.Wait()
	return errs
}
