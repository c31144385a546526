package router

import (
	"context"
	"time"

	"github.com/acnlabs/acn/pkg/a2a"
	"github.com/acnlabs/acn/pkg/metrics"
	"github.com/acnlabs/acn/pkg/types"
)

// RetryReport summarizes one operator-triggered DLQ drain pass.
type RetryReport struct {
	Scanned   int `json:"scanned"`
	Succeeded int `json:"succeeded"`
	Requeued  int `json:"requeued"`
	Dropped   int `json:"dropped"`
}

// ListDLQ returns the queued dead letters, oldest first.
func (r *Router) ListDLQ() ([]*types.DLQEntry, error) {
	return r.store.ListDLQ()
}

// RetryDLQ drains the dead-letter queue once. Entries under their retry
// ceiling are redelivered through the raw routing path: success removes the
// entry, failure increments its count and requeues it. Entries at the
// ceiling, and records that no longer parse, are dropped with a log line.
func (r *Router) RetryDLQ(ctx context.Context) (*RetryReport, error) {
	entries, err := r.store.ListDLQ()
	if err != nil {
		return nil, err
	}

	report := &RetryReport{Scanned: len(entries)}
	for _, entry := range entries {
		if entry.RetryCount >= entry.MaxRetries {
			r.dropEntry(entry, "retry ceiling reached")
			report.Dropped++
			continue
		}

		msg, err := a2a.FromRecord(entry.Message)
		if err != nil {
			r.dropEntry(entry, "stored record unparseable: "+err.Error())
			report.Dropped++
			continue
		}

		if _, err := r.deliver(ctx, entry.FromAgent, entry.ToAgent, msg); err != nil {
			now := time.Now().UTC()
			entry.RetryCount++
			entry.LastTryAt = &now
			entry.Error = err.Error()

			if entry.RetryCount >= entry.MaxRetries {
				r.dropEntry(entry, "retry ceiling reached")
				report.Dropped++
				continue
			}
			if err := r.store.UpdateDLQEntry(entry); err != nil {
				r.logger.Error().Err(err).Str("dlq_id", entry.ID).Msg("Failed to requeue dead letter")
				continue
			}
			report.Requeued++
			continue
		}

		if err := r.store.DeleteDLQEntry(entry.ID); err != nil {
			r.logger.Error().Err(err).Str("dlq_id", entry.ID).Msg("Redelivered dead letter could not be removed")
			continue
		}
		metrics.DLQDepth.Dec()
		report.Succeeded++
	}

	r.logger.Info().
		Int("scanned", report.Scanned).
		Int("succeeded", report.Succeeded).
		Int("requeued", report.Requeued).
		Int("dropped", report.Dropped).
		Msg("DLQ retry pass finished")
	return report, nil
}

func (r *Router) dropEntry(entry *types.DLQEntry, reason string) {
	if err := r.store.DeleteDLQEntry(entry.ID); err != nil {
		r.logger.Error().Err(err).Str("dlq_id", entry.ID).Msg("Failed to drop dead letter")
		return
	}
	metrics.DLQDepth.Dec()
	r.logger.Warn().
		Str("dlq_id", entry.ID).
		Str("to", entry.ToAgent).
		Int("retry_count", entry.RetryCount).
		Str("reason", reason).
		Msg("Dead letter dropped")
}
