package payments

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/worklane/backend/internal/apperr"
	"github.com/worklane/backend/internal/middleware"
	"github.com/worklane/backend/internal/models"
	"github.com/worklane/backend/internal/repository"
)

type CreatePaymentRequest struct {
	ContractID  string `json:"contract_id"`
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
}

type RefundRequest struct {
	Reason string `json:"reason"`
}

type Handler struct {
	svc *Service
	log *slog.Logger
}

func NewHandler(svc *Service, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, log: log}
}

// FundMilestone handles POST /milestones/{id}/fund.
func (h *Handler) FundMilestone(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())
	if user == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	milestoneID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "invalid milestone id", http.StatusBadRequest)
		return
	}
	p, err := h.svc.FundMilestone(r.Context(), milestoneID, user.ID)
	if err != nil {
		h.respondErr(w, "fund milestone", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, p)
}

// ReleaseMilestone handles POST /milestones/{id}/release.
func (h *Handler) ReleaseMilestone(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())
	if user == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	milestoneID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "invalid milestone id", http.StatusBadRequest)
		return
	}
	p, err := h.svc.ReleaseMilestonePayment(r.Context(), milestoneID, user.ID)
	if err != nil {
		h.respondErr(w, "release milestone payment", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, p)
}

// CreatePayment handles POST /payments (manual contract-level payment).
func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())
	if user == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req CreatePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	contractID, err := uuid.Parse(req.ContractID)
	if err != nil {
		http.Error(w, "invalid contract id", http.StatusBadRequest)
		return
	}
	p, err := h.svc.CreateManualPayment(r.Context(), contractID, req.Amount, req.Description, user.ID)
	if err != nil {
		h.respondErr(w, "create payment", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, p)
}

// RefundPayment handles POST /payments/{id}/refund.
func (h *Handler) RefundPayment(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())
	if user == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	paymentID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "invalid payment id", http.StatusBadRequest)
		return
	}
	var req RefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	p, err := h.svc.Refund(r.Context(), paymentID, user.ID, req.Reason)
	if err != nil {
		h.respondErr(w, "refund payment", err)
		return
	}
	h.writeJSON(w, http.StatusOK, p)
}

// GetPayment handles GET /payments/{id}.
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())
	if user == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	paymentID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "invalid payment id", http.StatusBadRequest)
		return
	}
	p, err := h.svc.GetPayment(r.Context(), paymentID, user.ID)
	if err != nil {
		h.respondErr(w, "get payment", err)
		return
	}
	h.writeJSON(w, http.StatusOK, p)
}

// ListPayments handles GET /payments?contract_id=&status=.
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())
	if user == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var f repository.ListFilter
	if raw := r.URL.Query().Get("contract_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			http.Error(w, "invalid contract_id", http.StatusBadRequest)
			return
		}
		f.ContractID = &id
	}
	f.Status = r.URL.Query().Get("status")

	list, err := h.svc.ListPayments(r.Context(), user.ID, f)
	if err != nil {
		h.respondErr(w, "list payments", err)
		return
	}
	if list == nil {
		list = []*models.Payment{}
	}
	h.writeJSON(w, http.StatusOK, list)
}

// ListTransactions handles GET /transactions.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())
	if user == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	list, err := h.svc.ListTransactions(r.Context(), user.ID)
	if err != nil {
		h.respondErr(w, "list transactions", err)
		return
	}
	if list == nil {
		list = []*models.Transaction{}
	}
	h.writeJSON(w, http.StatusOK, list)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) respondErr(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, ErrSettlementFailed) {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	status := apperr.Status(err)
	if status == http.StatusInternalServerError {
		h.log.Error(op+" failed", "error", err)
		http.Error(w, op+" failed", status)
		return
	}
	http.Error(w, err.Error(), status)
}
