// Package handlers provides HTTP handlers for the safety API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/ukuqala/medguard/internal/api/middleware"
	"github.com/ukuqala/medguard/internal/domain/safety"
	"github.com/ukuqala/medguard/internal/monitor"
	"github.com/ukuqala/medguard/internal/verify"
)

// SafetyHandler handles profile, alert and verification endpoints.
type SafetyHandler struct {
	monitor  *monitor.Monitor
	verifier *verify.Engine
	logger   *zap.Logger
}

// NewSafetyHandler creates a new handler
func NewSafetyHandler(m *monitor.Monitor, v *verify.Engine, logger *zap.Logger) *SafetyHandler {
	return &SafetyHandler{monitor: m, verifier: v, logger: logger}
}

// Routes returns the handler routes
func (h *SafetyHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/profiles", h.Enroll)
	r.Delete("/profiles/{userID}", h.Unenroll)
	r.Post("/profiles/{userID}/check", h.CheckNow)
	r.Get("/profiles/{userID}/alerts", h.ListAlerts)
	r.Post("/alerts/{id}/acknowledge", h.Acknowledge)
	r.Post("/alerts/{id}/dismiss", h.Dismiss)
	r.Put("/schedule", h.UpdateSchedule)
	r.Post("/verify", h.Verify)
	r.Post("/verify/batch", h.VerifyBatch)
	return r
}

// EnrollResponse is the response for enrolling a profile.
type EnrollResponse struct {
	UserID    string                `json:"user_id"`
	Alerts    []*safety.SafetyAlert `json:"alerts"`
	CheckedAt time.Time             `json:"checked_at"`
}

// Enroll handles POST /profiles
func (h *SafetyHandler) Enroll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("safety-handler")
	ctx, span := tracer.Start(ctx, "enroll_profile")
	defer span.End()

	var profile safety.MedicationProfile
	if err := json.NewDecoder(r.Body).Decode(&profile); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	span.SetAttributes(attribute.String("user_id", profile.UserID))

	alerts, err := h.monitor.Enroll(ctx, &profile)
	if err != nil {
		if errors.Is(err, safety.ErrValidation) {
			h.jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.logger.Error("enrollment failed", zap.Error(err),
			zap.String("request_id", middleware.GetRequestID(ctx)))
		h.jsonError(w, "failed to enroll profile", http.StatusInternalServerError)
		return
	}

	h.logger.Info("profile enrolled",
		zap.String("user_id", profile.UserID),
		zap.Int("initial_alerts", len(alerts)),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(EnrollResponse{
		UserID:    profile.UserID,
		Alerts:    alerts,
		CheckedAt: time.Now().UTC(),
	})
}

// Unenroll handles DELETE /profiles/{userID}
func (h *SafetyHandler) Unenroll(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	h.monitor.Unenroll(userID)
	w.WriteHeader(http.StatusNoContent)
}

// CheckNow handles POST /profiles/{userID}/check
func (h *SafetyHandler) CheckNow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "userID")

	alerts, err := h.monitor.CheckNow(ctx, userID)
	if err != nil {
		if errors.Is(err, safety.ErrNotFound) {
			h.jsonError(w, "profile not found", http.StatusNotFound)
			return
		}
		h.logger.Error("on-demand check failed", zap.Error(err), zap.String("user_id", userID))
		h.jsonError(w, "safety check failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(EnrollResponse{
		UserID:    userID,
		Alerts:    alerts,
		CheckedAt: time.Now().UTC(),
	})
}

// ListAlerts handles GET /profiles/{userID}/alerts
func (h *SafetyHandler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "userID")

	alerts, err := h.monitor.ListActiveAlerts(ctx, userID)
	if err != nil {
		h.jsonError(w, "failed to list alerts", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"user_id": userID,
		"alerts":  alerts,
		"count":   len(alerts),
	})
}

// Acknowledge handles POST /alerts/{id}/acknowledge
func (h *SafetyHandler) Acknowledge(w http.ResponseWriter, r *http.Request) {
	h.flagAlert(w, r, h.monitor.Acknowledge)
}

// Dismiss handles POST /alerts/{id}/dismiss
func (h *SafetyHandler) Dismiss(w http.ResponseWriter, r *http.Request) {
	h.flagAlert(w, r, h.monitor.Dismiss)
}

func (h *SafetyHandler) flagAlert(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id string) error) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	if err := op(ctx, id); err != nil {
		if errors.Is(err, safety.ErrNotFound) {
			h.jsonError(w, "alert not found", http.StatusNotFound)
			return
		}
		h.jsonError(w, "failed to update alert", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"id": id, "status": "updated"})
}

// ScheduleRequest configures the background check cadence.
type ScheduleRequest struct {
	CheckInterval      string          `json:"check_interval"`
	SeverityFloor      safety.Severity `json:"severity_floor"`
	IncludeMinorEvents bool            `json:"include_minor_events"`
}

// UpdateSchedule handles PUT /schedule
func (h *SafetyHandler) UpdateSchedule(w http.ResponseWriter, r *http.Request) {
	var req ScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	interval, err := time.ParseDuration(req.CheckInterval)
	if err != nil {
		h.jsonError(w, "check_interval must be a duration such as 24h", http.StatusBadRequest)
		return
	}

	if err := h.monitor.UpdateSchedule(interval, req.SeverityFloor, req.IncludeMinorEvents); err != nil {
		h.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"check_interval": interval.String(),
		"severity_floor": string(req.SeverityFloor),
	})
}

// Verify handles POST /verify
func (h *SafetyHandler) Verify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("safety-handler")
	ctx, span := tracer.Start(ctx, "verify_medication")
	defer span.End()

	var req verify.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		h.jsonError(w, "name is required", http.StatusBadRequest)
		return
	}
	span.SetAttributes(attribute.String("medication", req.Name))

	result, err := h.verifier.Verify(ctx, req)
	if err != nil {
		h.logger.Error("verification failed", zap.Error(err), zap.String("medication", req.Name))
		h.jsonError(w, "verification unavailable", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// BatchVerifyRequest is the request body for batch verification.
type BatchVerifyRequest struct {
	Medications []verify.Request `json:"medications"`
}

// VerifyBatch handles POST /verify/batch
func (h *SafetyHandler) VerifyBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req BatchVerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Medications) == 0 {
		h.jsonError(w, "medications is required", http.StatusBadRequest)
		return
	}

	results := h.verifier.VerifyBatch(ctx, req.Medications)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"results": results,
		"count":   len(results),
	})
}

func (h *SafetyHandler) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
