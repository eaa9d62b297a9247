package notifications

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"

	"github.com/worklane/backend/internal/models"
)

// Dispatcher delivers user-facing events best-effort. Implementations must
// never propagate failures to the caller: financial operations call Notify
// after their transaction commits and a lost notification is acceptable,
// a rolled-back payment is not.
type Dispatcher interface {
	Notify(ctx context.Context, userID uuid.UUID, ntype, message, linkURL string, data map[string]any)
}

// EnqueueFunc enqueues a delivery job for a stored notification. Provided by
// main as a closure over river.Client.Insert.
type EnqueueFunc func(ctx context.Context, notificationID uuid.UUID) error

// Service stores notifications and enqueues their delivery.
type Service struct {
	repo    *Repository
	enqueue EnqueueFunc
	log     *slog.Logger
}

func NewService(repo *Repository, enqueue EnqueueFunc, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{repo: repo, enqueue: enqueue, log: log}
}

var _ Dispatcher = (*Service)(nil)

// Notify persists the notification and enqueues delivery. All failures are
// logged and swallowed.
func (s *Service) Notify(ctx context.Context, userID uuid.UUID, ntype, message, linkURL string, data map[string]any) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			s.log.Warn("marshal notification data", "type", ntype, "error", err)
		} else {
			raw = b
		}
	}

	n := &models.Notification{
		ID:      uuid.New(),
		UserID:  userID,
		Type:    ntype,
		Message: message,
		LinkURL: linkURL,
		Data:    raw,
	}
	if err := s.repo.Create(ctx, n); err != nil {
		s.log.Warn("store notification failed", "type", ntype, "user_id", userID, "error", err)
		return
	}
	if err := s.enqueue(ctx, n.ID); err != nil {
		s.log.Warn("enqueue notification delivery failed", "notification_id", n.ID, "error", err)
	}
}
