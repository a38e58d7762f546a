package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

type retryable interface {
	IsRetryable() bool
}

// withRetry runs fn, retrying up to maxRetries times when the error reports
// itself retryable. Each attempt gets its own timeout.
func (o *Orchestrator) withRetry(ctx context.Context, stage string, timeout time.Duration, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= o.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			o.metrics.RecordStageRetry(stage)
			o.logger.Debug("Retrying stage",
				slog.String("stage", stage),
				slog.Int("attempt", attempt),
				slog.String("error", lastErr.Error()),
			)

			backoff := o.cfg.RetryBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		err := fn(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return ctx.Err()
		}
		var r retryable
		if !errors.As(err, &r) || !r.IsRetryable() {
			break
		}
	}
	return lastErr
}
