package milestones

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

type AddMilestoneRequest struct {
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Amount      int64      `json:"amount"`
	DueDate     *time.Time `json:"due_date,omitempty"`
}

type UpdateMilestoneRequest struct {
	Title       *string    `json:"title,omitempty"`
	Description *string    `json:"description,omitempty"`
	Amount      *int64     `json:"amount,omitempty"`
	DueDate     *time.Time `json:"due_date,omitempty"`
}

type SetStatusRequest struct {
	Status          string   `json:"status"`
	AttachmentURLs  []string `json:"attachment_urls,omitempty"`
	RejectionReason string   `json:"rejection_reason,omitempty"`
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

// AddMilestone handles POST /contracts/{id}/milestones.
func (h *Handler) AddMilestone(w http.ResponseWriter, r *http.Request) {
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
	var req AddMilestoneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	m, err := h.svc.Add(r.Context(), contractID, user.ID, AddInput{
		Title:       req.Title,
		Description: req.Description,
		Amount:      req.Amount,
		DueDate:     req.DueDate,
	})
	if err != nil {
		h.respondErr(w, "add milestone", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, m)
}

// GetMilestone handles GET /milestones/{id}.
func (h *Handler) GetMilestone(w http.ResponseWriter, r *http.Request) {
	user, milestoneID, ok := h.userAndID(w, r)
	if !ok {
		return
	}
	m, err := h.svc.Get(r.Context(), milestoneID, user.ID)
	if err != nil {
		h.respondErr(w, "get milestone", err)
		return
	}
	h.writeJSON(w, http.StatusOK, m)
}

// UpdateMilestone handles PATCH /milestones/{id}.
func (h *Handler) UpdateMilestone(w http.ResponseWriter, r *http.Request) {
	user, milestoneID, ok := h.userAndID(w, r)
	if !ok {
		return
	}
	var req UpdateMilestoneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	m, err := h.svc.Update(r.Context(), milestoneID, user.ID, UpdateInput{
		Title:       req.Title,
		Description: req.Description,
		Amount:      req.Amount,
		DueDate:     req.DueDate,
	})
	if err != nil {
		h.respondErr(w, "update milestone", err)
		return
	}
	h.writeJSON(w, http.StatusOK, m)
}

// DeleteMilestone handles DELETE /milestones/{id}.
func (h *Handler) DeleteMilestone(w http.ResponseWriter, r *http.Request) {
	user, milestoneID, ok := h.userAndID(w, r)
	if !ok {
		return
	}
	if err := h.svc.Delete(r.Context(), milestoneID, user.ID); err != nil {
		h.respondErr(w, "delete milestone", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetMilestoneStatus handles POST /milestones/{id}/status.
func (h *Handler) SetMilestoneStatus(w http.ResponseWriter, r *http.Request) {
	user, milestoneID, ok := h.userAndID(w, r)
	if !ok {
		return
	}
	var req SetStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	m, err := h.svc.SetStatus(r.Context(), milestoneID, user.ID, StatusInput{
		Status:          req.Status,
		AttachmentURLs:  req.AttachmentURLs,
		RejectionReason: req.RejectionReason,
	})
	if err != nil {
		h.respondErr(w, "set milestone status", err)
		return
	}
	h.writeJSON(w, http.StatusOK, m)
}

func (h *Handler) userAndID(w http.ResponseWriter, r *http.Request) (*models.User, uuid.UUID, bool) {
	user := middleware.UserFromCtx(r.Context())
	if user == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return nil, uuid.Nil, false
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "invalid milestone id", http.StatusBadRequest)
		return nil, uuid.Nil, false
	}
	return user, id, true
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
