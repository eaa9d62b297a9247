package notifications

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/worklane/backend/internal/apperr"
	"github.com/worklane/backend/internal/models"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Create(ctx context.Context, n *models.Notification) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO notifications (id, user_id, type, message, link_url, data)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`, n.ID, n.UserID, n.Type, n.Message, n.LinkURL, n.Data).Scan(&n.CreatedAt)
}

func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*models.Notification, error) {
	var n models.Notification
	err := r.pool.QueryRow(ctx, `
		SELECT id, user_id, type, message, link_url, data, delivered_at, created_at
		FROM notifications WHERE id = $1
	`, id).Scan(&n.ID, &n.UserID, &n.Type, &n.Message, &n.LinkURL, &n.Data, &n.DeliveredAt, &n.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.E(apperr.ErrNotFound, "notification not found")
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (r *Repository) MarkDelivered(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `UPDATE notifications SET delivered_at = now() WHERE id = $1`, id)
	return err
}

func (r *Repository) ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.Notification, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, type, message, link_url, data, delivered_at, created_at
		FROM notifications WHERE user_id = $1 ORDER BY created_at DESC LIMIT 100
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Notification
	for rows.Next() {
		var n models.Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.Type, &n.Message, &n.LinkURL, &n.Data, &n.DeliveredAt, &n.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &n)
	}
	return list, rows.Err()
}
