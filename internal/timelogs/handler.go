package timelogs

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/worklane/backend/internal/apperr"
	"github.com/worklane/backend/internal/middleware"
	"github.com/worklane/backend/internal/models"
	"github.com/worklane/backend/internal/payments"
)

type CreateTimeLogRequest struct {
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
	Description string    `json:"description"`
	IsBillable  *bool     `json:"is_billable,omitempty"`
}

type ReviewTimeLogRequest struct {
	Approve         bool   `json:"approve"`
	RejectionReason string `json:"rejection_reason,omitempty"`
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

// CreateTimeLog handles POST /contracts/{id}/time-logs.
func (h *Handler) CreateTimeLog(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())
	if user == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	contractID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "invalid contract id", http.StatusBadRequest)
		return
	}
	var req CreateTimeLogRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if req.StartTime.IsZero() || req.EndTime.IsZero() {
		http.Error(w, "start_time and end_time are required", http.StatusBadRequest)
		return
	}
	billable := true
	if req.IsBillable != nil {
		billable = *req.IsBillable
	}
	t, err := h.svc.Create(r.Context(), contractID, user.ID, CreateInput{
		StartTime:   req.StartTime,
		EndTime:     req.EndTime,
		Description: req.Description,
		IsBillable:  billable,
	})
	if err != nil {
		h.respondErr(w, "create time log", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, t)
}

// ListTimeLogs handles GET /contracts/{id}/time-logs.
func (h *Handler) ListTimeLogs(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())
	if user == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	contractID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "invalid contract id", http.StatusBadRequest)
		return
	}
	list, err := h.svc.List(r.Context(), contractID, user.ID)
	if err != nil {
		h.respondErr(w, "list time logs", err)
		return
	}
	if list == nil {
		list = []*models.ContractTimeLog{}
	}
	h.writeJSON(w, http.StatusOK, list)
}

// ReviewTimeLog handles POST /time-logs/{id}/review.
func (h *Handler) ReviewTimeLog(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())
	if user == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	timeLogID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "invalid time log id", http.StatusBadRequest)
		return
	}
	var req ReviewTimeLogRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	t, err := h.svc.Review(r.Context(), timeLogID, user.ID, ReviewInput{
		Approve:         req.Approve,
		RejectionReason: req.RejectionReason,
	})
	if err != nil {
		h.respondErr(w, "review time log", err)
		return
	}
	h.writeJSON(w, http.StatusOK, t)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) respondErr(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, payments.ErrSettlementFailed) {
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
