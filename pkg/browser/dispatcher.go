package browser

import (
	"context"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/odvcencio/chauffeur/pkg/errors"
	"github.com/odvcencio/chauffeur/pkg/logging"
	"github.com/odvcencio/chauffeur/pkg/telemetry"
)

// runCommand executes one page command with the layer's retry policy:
// only errors born retryable (an element mid-animation, a node id lost to
// a layout race) are attempted again. Stale handles and transport loss
// abort immediately, since retrying cannot fix either.
func (b *Browser) runCommand(ctx context.Context, t *tab, action, detail string, fn func(ctx context.Context) error) error {
	cmdID := uuid.NewString()
	started := time.Now()
	maxAttempts := 1 + b.cfg.Actions.RetryAttempts

	ctx, span := telemetry.StartSpan(ctx, "command "+action)
	defer span.End()
	telemetry.SetAttributes(ctx,
		telemetry.AttrTargetID.String(string(t.id)),
		telemetry.AttrAction.String(action),
	)

	var err error
	attempts := 0
	for attempts < maxAttempts {
		attempts++
		err = fn(ctx)
		if err == nil || !apperrors.IsRetryable(err) || ctx.Err() != nil {
			break
		}
		if attempts >= maxAttempts {
			break
		}
		backoff := time.Duration(attempts) * b.cfg.Actions.RetryBackoff
		b.logger.Debug(logging.CategoryAction, "retry", action+" retrying", map[string]any{
			"commandId": cmdID,
			"attempt":   attempts,
			"backoffMs": backoff.Milliseconds(),
			"error":     err.Error(),
		})
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
	}

	status := "ok"
	if err != nil {
		status = "error"
		telemetry.RecordError(ctx, err)
	}
	telemetry.SetAttributes(ctx, telemetry.AttrAttempts.Int(attempts))
	duration := time.Since(started)

	fields := map[string]any{
		"detail":   detail,
		"attempts": attempts,
		"tookMs":   duration.Milliseconds(),
	}
	level := logging.LevelInfo
	message := action + " ok"
	if err != nil {
		fields["error"] = err.Error()
		level = logging.LevelError
		message = action + " failed"
	}
	_ = b.logger.Log(logging.Event{
		Level:     level,
		Category:  logging.CategoryAction,
		EventType: action,
		TargetID:  string(t.id),
		CommandID: cmdID,
		Message:   message,
		Details:   fields,
	})

	metricCommands.WithLabelValues(action, status).Inc()
	metricCommandDuration.WithLabelValues(action).Observe(duration.Seconds())

	b.mu.Lock()
	rec := b.rec
	b.mu.Unlock()
	if rec != nil {
		recCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		record := CommandRecord{
			RunID:     b.logger.RunID(),
			CommandID: cmdID,
			TargetID:  string(t.id),
			Action:    action,
			Detail:    detail,
			Status:    status,
			Attempts:  attempts,
			Duration:  duration,
			At:        started,
		}
		if err != nil {
			record.Error = err.Error()
		}
		if recErr := rec.RecordCommand(recCtx, record); recErr != nil {
			b.logger.Warn(logging.CategoryStorage, "record_failed", "command record dropped", map[string]any{
				"commandId": cmdID,
				"error":     recErr.Error(),
			})
		}
		cancel()
	}
	return err
}
