package router

import (
	"net/http"

	"github.com/worklane/backend/internal/auth"
	"github.com/worklane/backend/internal/contracts"
	"github.com/worklane/backend/internal/milestones"
	"github.com/worklane/backend/internal/notifications"
	"github.com/worklane/backend/internal/payments"
	"github.com/worklane/backend/internal/timelogs"
)

// Handlers bundles every feature handler the router mounts.
type Handlers struct {
	Auth          *auth.Handler
	Contracts     *contracts.Handler
	Milestones    *milestones.Handler
	TimeLogs      *timelogs.Handler
	Payments      *payments.Handler
	Notifications *notifications.Handler
}

// New returns an http.Handler that serves the API under /api/v1. Everything
// except register/login sits behind the auth middleware.
func New(h Handlers, authMW func(http.Handler) http.Handler) http.Handler {
	mux := http.NewServeMux()
	const base = "/api/v1"

	mux.HandleFunc("POST "+base+"/auth/register", h.Auth.Register)
	mux.HandleFunc("POST "+base+"/auth/login", h.Auth.Login)

	protected := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, authMW(fn))
	}

	protected("POST "+base+"/contracts", h.Contracts.CreateContract)
	protected("GET "+base+"/contracts", h.Contracts.ListContracts)
	protected("GET "+base+"/contracts/{id}", h.Contracts.GetContract)
	protected("PATCH "+base+"/contracts/{id}", h.Contracts.UpdateContract)
	protected("POST "+base+"/contracts/{id}/sign", h.Contracts.SignContract)
	protected("POST "+base+"/contracts/{id}/cancel", h.Contracts.CancelContract)
	protected("POST "+base+"/contracts/{id}/complete", h.Contracts.CompleteContract)

	protected("GET "+base+"/contracts/{id}/milestones", h.Contracts.ListMilestones)
	protected("POST "+base+"/contracts/{id}/milestones", h.Milestones.AddMilestone)
	protected("GET "+base+"/milestones/{id}", h.Milestones.GetMilestone)
	protected("PATCH "+base+"/milestones/{id}", h.Milestones.UpdateMilestone)
	protected("DELETE "+base+"/milestones/{id}", h.Milestones.DeleteMilestone)
	protected("POST "+base+"/milestones/{id}/status", h.Milestones.SetMilestoneStatus)
	protected("POST "+base+"/milestones/{id}/fund", h.Payments.FundMilestone)
	protected("POST "+base+"/milestones/{id}/release", h.Payments.ReleaseMilestone)

	protected("POST "+base+"/contracts/{id}/time-logs", h.TimeLogs.CreateTimeLog)
	protected("GET "+base+"/contracts/{id}/time-logs", h.TimeLogs.ListTimeLogs)
	protected("POST "+base+"/time-logs/{id}/review", h.TimeLogs.ReviewTimeLog)

	protected("POST "+base+"/payments", h.Payments.CreatePayment)
	protected("GET "+base+"/payments", h.Payments.ListPayments)
	protected("GET "+base+"/payments/{id}", h.Payments.GetPayment)
	protected("POST "+base+"/payments/{id}/refund", h.Payments.RefundPayment)
	protected("GET "+base+"/transactions", h.Payments.ListTransactions)

	protected("GET "+base+"/notifications", h.Notifications.ListNotifications)

	return mux
}
