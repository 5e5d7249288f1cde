package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/cad-convertor/internal/worker/domain"
)

// processRecord stores one audit event. Replays of an already stored event
// succeed without writing.
func (w *Worker) processRecord(ctx context.Context, msg *domain.AuditMessage) error {
	if err := msg.Record.Validate(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}

	insertCtx := ctx
	if w.insertTimeout > 0 {
		var cancel context.CancelFunc
		insertCtx, cancel = context.WithTimeout(ctx, w.insertTimeout)
		defer cancel()
	}

	inserted, err := w.store.InsertRecord(insertCtx, msg.Record)
	if err != nil {
		return domain.NewRetryableError(fmt.Errorf("failed to store audit record: %w", err))
	}

	if !inserted {
		w.logger.Info("Audit event already stored, skipping",
			slog.String("request_id", msg.RequestID()),
			slog.Bool("redelivered", msg.Delivery.Redelivered),
		)
		return nil
	}

	w.logger.Debug("Audit event stored",
		slog.String("request_id", msg.RequestID()),
		slog.String("outcome", msg.Record.Outcome),
	)
	return nil
}
