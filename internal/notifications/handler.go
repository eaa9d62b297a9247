package notifications

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/worklane/backend/internal/middleware"
	"github.com/worklane/backend/internal/models"
)

type Handler struct {
	repo *Repository
	log  *slog.Logger
}

func NewHandler(repo *Repository, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{repo: repo, log: log}
}

// ListNotifications handles GET /notifications.
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())
	if user == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	list, err := h.repo.ListByUser(r.Context(), user.ID)
	if err != nil {
		h.log.Error("list notifications failed", "error", err)
		http.Error(w, "list notifications failed", http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []*models.Notification{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(list)
}
