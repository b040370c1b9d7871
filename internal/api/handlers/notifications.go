package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ukuqala/medguard/internal/dispatch"
	"github.com/ukuqala/medguard/internal/domain/safety"
	"github.com/ukuqala/medguard/internal/openfda"
)

// NotificationHandler handles subscription and notification endpoints.
type NotificationHandler struct {
	dispatcher *dispatch.Dispatcher
	gateway    *openfda.Client
	logger     *zap.Logger
}

// NewNotificationHandler creates a new handler
func NewNotificationHandler(d *dispatch.Dispatcher, gw *openfda.Client, logger *zap.Logger) *NotificationHandler {
	return &NotificationHandler{dispatcher: d, gateway: gw, logger: logger}
}

// Routes returns the handler routes
func (h *NotificationHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/subscriptions/{userID}", h.Subscribe)
	r.Delete("/subscriptions/{userID}", h.Unsubscribe)
	r.Put("/subscriptions/{userID}", h.UpdateSettings)
	r.Get("/users/{userID}", h.List)
	r.Post("/{id}/read", h.MarkRead)
	r.Post("/{id}/dismiss", h.Dismiss)
	r.Get("/status", h.Status)
	return r
}

// Subscribe handles POST /notifications/subscriptions/{userID}. An empty body
// subscribes with default settings.
func (h *NotificationHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "userID")

	var settings *safety.NotificationSettings
	if r.ContentLength > 0 {
		settings = &safety.NotificationSettings{}
		if err := json.NewDecoder(r.Body).Decode(settings); err != nil {
			h.jsonError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	if err := h.dispatcher.Subscribe(ctx, userID, settings); err != nil {
		if errors.Is(err, safety.ErrValidation) {
			h.jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.logger.Error("subscribe failed", zap.Error(err), zap.String("user_id", userID))
		h.jsonError(w, "failed to subscribe", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{"user_id": userID, "status": "subscribed"})
}

// Unsubscribe handles DELETE /notifications/subscriptions/{userID}
func (h *NotificationHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "userID")

	if err := h.dispatcher.Unsubscribe(ctx, userID); err != nil {
		h.logger.Error("unsubscribe failed", zap.Error(err), zap.String("user_id", userID))
		h.jsonError(w, "failed to unsubscribe", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UpdateSettings handles PUT /notifications/subscriptions/{userID}
func (h *NotificationHandler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "userID")

	var settings safety.NotificationSettings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	settings.UserID = userID

	if err := h.dispatcher.UpdateSettings(ctx, &settings); err != nil {
		if errors.Is(err, safety.ErrValidation) {
			h.jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.jsonError(w, "failed to update settings", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(settings)
}

// List handles GET /notifications/users/{userID}?limit=&offset=
func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "userID")

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if limit <= 0 {
		limit = 50
	}

	notifications, err := h.dispatcher.ListNotifications(ctx, userID, limit, offset)
	if err != nil {
		h.jsonError(w, "failed to list notifications", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"user_id":       userID,
		"notifications": notifications,
		"count":         len(notifications),
	})
}

// MarkRead handles POST /notifications/{id}/read
func (h *NotificationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	h.flag(w, r, h.dispatcher.MarkRead)
}

// Dismiss handles POST /notifications/{id}/dismiss
func (h *NotificationHandler) Dismiss(w http.ResponseWriter, r *http.Request) {
	h.flag(w, r, h.dispatcher.DismissNotification)
}

func (h *NotificationHandler) flag(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id string) error) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	if err := op(ctx, id); err != nil {
		if errors.Is(err, safety.ErrNotFound) {
			h.jsonError(w, "notification not found", http.StatusNotFound)
			return
		}
		h.jsonError(w, "failed to update notification", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"id": id, "status": "updated"})
}

// Status handles GET /notifications/status. It reports the dispatcher state
// plus the remaining upstream request budget.
func (h *NotificationHandler) Status(w http.ResponseWriter, r *http.Request) {
	status := h.dispatcher.Status()

	resp := map[string]interface{}{
		"running":     status.Running,
		"last_scan":   status.LastScan,
		"queue_depth": status.QueueDepth,
		"subscribers": status.Subscribers,
	}
	if h.gateway != nil {
		minute, day := h.gateway.Remaining()
		resp["upstream"] = map[string]interface{}{
			"remaining_minute": minute,
			"remaining_day":    day,
			"breaker_state":    string(h.gateway.BreakerState()),
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (h *NotificationHandler) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
