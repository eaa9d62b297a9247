package payments

import (
	"context"
	"errors"

	"github.com/worklane/backend/internal/models"
)

// ErrSettlementFailed is returned when the settlement strategy rejects a
// payment. The payment record is left in failed with failure_reason set.
var ErrSettlementFailed = errors.New("settlement failed")

// Settler is the settlement strategy. Today's implementation settles
// synchronously; an asynchronous processor substitutes here without touching
// the state-machine logic, using Transaction.ReferenceID as the idempotency
// token for its callbacks.
type Settler interface {
	// Authorize reserves the funds for the payment.
	Authorize(ctx context.Context, p *models.Payment) error
	// Capture settles the authorized payment.
	Capture(ctx context.Context, p *models.Payment) error
}

// InstantSettler settles every payment immediately.
type InstantSettler struct{}

func (InstantSettler) Authorize(ctx context.Context, p *models.Payment) error { return nil }
func (InstantSettler) Capture(ctx context.Context, p *models.Payment) error   { return nil }
