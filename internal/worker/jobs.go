package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/riverqueue/river"

	"github.com/creatordeals/backend/internal/models"
	"github.com/creatordeals/backend/internal/notify"
)

// QueueSideEffects carries the audit and notification jobs issued after a
// financial operation commits.
const QueueSideEffects = "side_effects"

type AuditJobArgs struct {
	Entry models.AuditEntry `json:"entry"`
}

func (AuditJobArgs) Kind() string { return "audit_append" }

func (AuditJobArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{Queue: QueueSideEffects, MaxAttempts: 10}
}

type NotifyJobArgs struct {
	Notification models.Notification `json:"notification"`
}

func (NotifyJobArgs) Kind() string { return "counterparty_notify" }

func (NotifyJobArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{Queue: QueueSideEffects, MaxAttempts: 5}
}

// AuditAppender persists audit entries.
type AuditAppender interface {
	Append(ctx context.Context, e models.AuditEntry) error
}

type AuditWorker struct {
	river.WorkerDefaults[AuditJobArgs]
	store AuditAppender
}

func NewAuditWorker(store AuditAppender) *AuditWorker {
	return &AuditWorker{store: store}
}

func (w *AuditWorker) Work(ctx context.Context, job *river.Job[AuditJobArgs]) error {
	if err := w.store.Append(ctx, job.Args.Entry); err != nil {
		return fmt.Errorf("append audit entry %s: %w", job.Args.Entry.ID, err)
	}
	return nil
}

type NotifyWorker struct {
	river.WorkerDefaults[NotifyJobArgs]
	notifier notify.Notifier
	log      *slog.Logger
}

func NewNotifyWorker(n notify.Notifier, log *slog.Logger) *NotifyWorker {
	if log == nil {
		log = slog.Default()
	}
	return &NotifyWorker{notifier: n, log: log}
}

func (w *NotifyWorker) Work(ctx context.Context, job *river.Job[NotifyJobArgs]) error {
	n := job.Args.Notification
	if err := w.notifier.NotifyCounterparty(ctx, n); err != nil {
		w.log.Warn("notification attempt failed", "deal_id", n.DealID, "attempt", job.Attempt, "error", err)
		return err
	}
	return nil
}
