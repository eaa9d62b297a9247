package notifications

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/riverqueue/river"
)

type DeliverNotificationArgs struct {
	NotificationID uuid.UUID `json:"notification_id"`
}

func (DeliverNotificationArgs) Kind() string { return "deliver_notification" }

// DeliverNotificationWorker is the delivery seam: a real push/email transport
// plugs in here. The current implementation only stamps delivered_at.
type DeliverNotificationWorker struct {
	river.WorkerDefaults[DeliverNotificationArgs]
	repo *Repository
	log  *slog.Logger
}

func NewDeliverNotificationWorker(repo *Repository, log *slog.Logger) *DeliverNotificationWorker {
	if log == nil {
		log = slog.Default()
	}
	return &DeliverNotificationWorker{repo: repo, log: log}
}

func (w *DeliverNotificationWorker) Work(ctx context.Context, job *river.Job[DeliverNotificationArgs]) error {
	n, err := w.repo.Get(ctx, job.Args.NotificationID)
	if err != nil {
		// The notification row is written before the job is enqueued, so a
		// missing row means it was purged; nothing to deliver.
		w.log.Warn("notification not found for delivery", "notification_id", job.Args.NotificationID, "error", err)
		return nil
	}
	if err := w.repo.MarkDelivered(ctx, n.ID); err != nil {
		return err
	}
	w.log.Info("notification delivered", "notification_id", n.ID, "user_id", n.UserID, "type", n.Type)
	return nil
}
