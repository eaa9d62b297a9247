package contracts

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/worklane/backend/internal/apperr"
	"github.com/worklane/backend/internal/middleware"
	"github.com/worklane/backend/internal/models"
)

type MilestoneRequest struct {
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Amount      int64      `json:"amount"`
	DueDate     *time.Time `json:"due_date,omitempty"`
}

type CreateContractRequest struct {
	ClientID     string             `json:"client_id"`
	FreelancerID string             `json:"freelancer_id"`
	ProjectID    *string            `json:"project_id,omitempty"`
	ProposalID   *string            `json:"proposal_id,omitempty"`
	Title        string             `json:"title"`
	Description  string             `json:"description"`
	Terms        string             `json:"terms"`
	ContractType string             `json:"contract_type"`
	Currency     string             `json:"currency"`
	TotalAmount  *int64             `json:"total_amount,omitempty"`
	HourlyRate   *int64             `json:"hourly_rate,omitempty"`
	WeeklyLimit  *int32             `json:"weekly_limit,omitempty"`
	EndDate      *time.Time         `json:"end_date,omitempty"`
	Milestones   []MilestoneRequest `json:"milestones,omitempty"`
}

type UpdateContractRequest struct {
	Title       *string    `json:"title,omitempty"`
	Description *string    `json:"description,omitempty"`
	Terms       *string    `json:"terms,omitempty"`
	TotalAmount *int64     `json:"total_amount,omitempty"`
	HourlyRate  *int64     `json:"hourly_rate,omitempty"`
	WeeklyLimit *int32     `json:"weekly_limit,omitempty"`
	EndDate     *time.Time `json:"end_date,omitempty"`
	Status      *string    `json:"status,omitempty"`
}

type CancelContractRequest struct {
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

// CreateContract handles POST /contracts.
func (h *Handler) CreateContract(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())
	if user == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req CreateContractRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	clientID, err := uuid.Parse(req.ClientID)
	if err != nil {
		http.Error(w, "invalid client_id", http.StatusBadRequest)
		return
	}
	freelancerID, err := uuid.Parse(req.FreelancerID)
	if err != nil {
		http.Error(w, "invalid freelancer_id", http.StatusBadRequest)
		return
	}
	in := CreateInput{
		ClientID:     clientID,
		FreelancerID: freelancerID,
		Title:        req.Title,
		Description:  req.Description,
		Terms:        req.Terms,
		ContractType: req.ContractType,
		Currency:     req.Currency,
		TotalAmount:  req.TotalAmount,
		HourlyRate:   req.HourlyRate,
		WeeklyLimit:  req.WeeklyLimit,
		EndDate:      req.EndDate,
	}
	if in.ProjectID, err = parseOptionalID(req.ProjectID); err != nil {
		http.Error(w, "invalid project_id", http.StatusBadRequest)
		return
	}
	if in.ProposalID, err = parseOptionalID(req.ProposalID); err != nil {
		http.Error(w, "invalid proposal_id", http.StatusBadRequest)
		return
	}
	for _, m := range req.Milestones {
		in.Milestones = append(in.Milestones, MilestoneInput{
			Title:       m.Title,
			Description: m.Description,
			Amount:      m.Amount,
			DueDate:     m.DueDate,
		})
	}
	c, err := h.svc.Create(r.Context(), user.ID, in)
	if err != nil {
		h.respondErr(w, "create contract", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, c)
}

// UpdateContract handles PATCH /contracts/{id}.
func (h *Handler) UpdateContract(w http.ResponseWriter, r *http.Request) {
	user, contractID, ok := h.userAndID(w, r)
	if !ok {
		return
	}
	var req UpdateContractRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	c, err := h.svc.Update(r.Context(), contractID, user.ID, UpdateInput{
		Title:       req.Title,
		Description: req.Description,
		Terms:       req.Terms,
		TotalAmount: req.TotalAmount,
		HourlyRate:  req.HourlyRate,
		WeeklyLimit: req.WeeklyLimit,
		EndDate:     req.EndDate,
		Status:      req.Status,
	})
	if err != nil {
		h.respondErr(w, "update contract", err)
		return
	}
	h.writeJSON(w, http.StatusOK, c)
}

// SignContract handles POST /contracts/{id}/sign.
func (h *Handler) SignContract(w http.ResponseWriter, r *http.Request) {
	user, contractID, ok := h.userAndID(w, r)
	if !ok {
		return
	}
	c, err := h.svc.Sign(r.Context(), contractID, user.ID)
	if err != nil {
		h.respondErr(w, "sign contract", err)
		return
	}
	h.writeJSON(w, http.StatusOK, c)
}

// CancelContract handles POST /contracts/{id}/cancel.
func (h *Handler) CancelContract(w http.ResponseWriter, r *http.Request) {
	user, contractID, ok := h.userAndID(w, r)
	if !ok {
		return
	}
	var req CancelContractRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	c, err := h.svc.Cancel(r.Context(), contractID, user.ID, req.Reason)
	if err != nil {
		h.respondErr(w, "cancel contract", err)
		return
	}
	h.writeJSON(w, http.StatusOK, c)
}

// CompleteContract handles POST /contracts/{id}/complete.
func (h *Handler) CompleteContract(w http.ResponseWriter, r *http.Request) {
	user, contractID, ok := h.userAndID(w, r)
	if !ok {
		return
	}
	c, err := h.svc.Complete(r.Context(), contractID, user.ID)
	if err != nil {
		h.respondErr(w, "complete contract", err)
		return
	}
	h.writeJSON(w, http.StatusOK, c)
}

// GetContract handles GET /contracts/{id}.
func (h *Handler) GetContract(w http.ResponseWriter, r *http.Request) {
	user, contractID, ok := h.userAndID(w, r)
	if !ok {
		return
	}
	c, err := h.svc.Get(r.Context(), contractID, user.ID)
	if err != nil {
		h.respondErr(w, "get contract", err)
		return
	}
	h.writeJSON(w, http.StatusOK, c)
}

// ListContracts handles GET /contracts.
func (h *Handler) ListContracts(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())
	if user == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	list, err := h.svc.List(r.Context(), user.ID)
	if err != nil {
		h.respondErr(w, "list contracts", err)
		return
	}
	if list == nil {
		list = []*models.Contract{}
	}
	h.writeJSON(w, http.StatusOK, list)
}

// ListMilestones handles GET /contracts/{id}/milestones.
func (h *Handler) ListMilestones(w http.ResponseWriter, r *http.Request) {
	user, contractID, ok := h.userAndID(w, r)
	if !ok {
		return
	}
	list, err := h.svc.Milestones(r.Context(), contractID, user.ID)
	if err != nil {
		h.respondErr(w, "list milestones", err)
		return
	}
	if list == nil {
		list = []*models.ContractMilestone{}
	}
	h.writeJSON(w, http.StatusOK, list)
}

func (h *Handler) userAndID(w http.ResponseWriter, r *http.Request) (*models.User, uuid.UUID, bool) {
	user := middleware.UserFromCtx(r.Context())
	if user == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return nil, uuid.Nil, false
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "invalid contract id", http.StatusBadRequest)
		return nil, uuid.Nil, false
	}
	return user, id, true
}

func parseOptionalID(raw *string) (*uuid.UUID, error) {
	if raw == nil || *raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(*raw)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) respondErr(w http.ResponseWriter, op string, err error) {
	status := apperr.Status(err)
	if status == http.StatusInternalServerError {
		h.log.Error(op+" failed", "error", err)
		http.Error(w, op+" failed", status)
		return
	}
	http.Error(w, err.Error(), status)
}
