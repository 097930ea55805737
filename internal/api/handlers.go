/**
 * @description
 * This file contains the HTTP handlers for the orchard-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the appropriate
 * methods on the application service, and writing the HTTP response. They act as the
 * bridge between the web layer and the business logic layer.
 *
 * Error mapping: domain and ledger sentinels translate to stable status codes
 * so clients can branch on them. Reserve conflicts carry the exact conflicting
 * pocket numbers in the 409 body so the UI can refresh just those pockets.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/ledger, internal/store: For
 *   service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sow2grow/orchard-service/internal/app"
	"github.com/sow2grow/orchard-service/internal/domain"
	"github.com/sow2grow/orchard-service/internal/ledger"
	"github.com/sow2grow/orchard-service/internal/store"
)

// OrchardHandlers holds the application service that handlers will use.
type OrchardHandlers struct {
	service *app.Service
}

// NewOrchardHandlers creates a new instance of OrchardHandlers.
func NewOrchardHandlers(service *app.Service) *OrchardHandlers {
	return &OrchardHandlers{service: service}
}

// authedUserID extracts and parses the caller's UUID, writing a 401 on failure.
func (h *OrchardHandlers) authedUserID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	userIDStr, ok := GetAuthUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Could not identify user")
		return uuid.Nil, false
	}
	userID, err := uuid.Parse(userIDStr)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "Invalid user identity")
		return uuid.Nil, false
	}
	return userID, true
}

func (h *OrchardHandlers) orchardIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "orchardID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid orchard ID")
		return uuid.Nil, false
	}
	return id, true
}

// CreateOrchardHandler handles POST /orchards.
func (h *OrchardHandlers) CreateOrchardHandler(w http.ResponseWriter, r *http.Request) {
	growerID, ok := h.authedUserID(w, r)
	if !ok {
		return
	}

	var req domain.CreateOrchardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	orchard, err := h.service.CreateOrchard(r.Context(), growerID, req)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, orchard)
}

// ListOrchardsHandler handles GET /orchards with optional category, status,
// grower_id, limit, and offset query parameters.
func (h *OrchardHandlers) ListOrchardsHandler(w http.ResponseWriter, r *http.Request) {
	opts := domain.OrchardListOptions{
		Category: domain.GiftCategory(r.URL.Query().Get("category")),
		Status:   domain.OrchardStatus(r.URL.Query().Get("status")),
	}
	if growerStr := r.URL.Query().Get("grower_id"); growerStr != "" {
		growerID, err := uuid.Parse(growerStr)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "Invalid grower_id")
			return
		}
		opts.GrowerID = &growerID
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil && limit > 0 {
			opts.Limit = limit
		}
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if offset, err := strconv.Atoi(offsetStr); err == nil && offset > 0 {
			opts.Offset = offset
		}
	}

	orchards, err := h.service.ListOrchards(r.Context(), opts)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	if orchards == nil {
		orchards = []domain.Orchard{}
	}
	h.writeJSON(w, http.StatusOK, orchards)
}

// GetOrchardHandler handles GET /orchards/{orchardID}. Each read counts a view.
func (h *OrchardHandlers) GetOrchardHandler(w http.ResponseWriter, r *http.Request) {
	orchardID, ok := h.orchardIDParam(w, r)
	if !ok {
		return
	}
	orchard, err := h.service.GetOrchard(r.Context(), orchardID, true)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, orchard)
}

// UpdateOrchardHandler handles PATCH /orchards/{orchardID}, the grower's
// metadata edit. Only presentation fields can change; the financial breakdown
// is frozen at creation.
func (h *OrchardHandlers) UpdateOrchardHandler(w http.ResponseWriter, r *http.Request) {
	callerID, ok := h.authedUserID(w, r)
	if !ok {
		return
	}
	orchardID, ok := h.orchardIDParam(w, r)
	if !ok {
		return
	}

	var req domain.UpdateOrchardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	orchard, err := h.service.UpdateOrchard(r.Context(), orchardID, callerID, req)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, orchard)
}

// SnapshotHandler handles GET /orchards/{orchardID}/snapshot. The endpoint
// is public, so throttling is keyed by client address.
func (h *OrchardHandlers) SnapshotHandler(w http.ResponseWriter, r *http.Request) {
	orchardID, ok := h.orchardIDParam(w, r)
	if !ok {
		return
	}
	if err := h.service.CheckSnapshotRateLimit(r.Context(), clientAddr(r)); err != nil {
		h.handleServiceError(w, err)
		return
	}
	snapshot, err := h.service.Snapshot(r.Context(), orchardID)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, snapshot)
}

// ReservePocketsHandler handles POST /orchards/{orchardID}/reserve.
func (h *OrchardHandlers) ReservePocketsHandler(w http.ResponseWriter, r *http.Request) {
	bestowerID, ok := h.authedUserID(w, r)
	if !ok {
		return
	}
	orchardID, ok := h.orchardIDParam(w, r)
	if !ok {
		return
	}

	var req domain.ReservePocketsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	bestowal, err := h.service.ReservePockets(r.Context(), orchardID, bestowerID, req)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, bestowal)
}

// ConfirmBestowalHandler handles POST /bestowals/{bestowalID}/confirm, the
// synchronous payment outcome path.
func (h *OrchardHandlers) ConfirmBestowalHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authedUserID(w, r); !ok {
		return
	}
	bestowalID, err := uuid.Parse(chi.URLParam(r, "bestowalID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid bestowal ID")
		return
	}

	var result domain.PaymentResult
	if err := json.NewDecoder(r.Body).Decode(&result); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	bestowal, err := h.service.ConfirmPayment(r.Context(), bestowalID, result)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, bestowal)
}

// CancelBestowalHandler handles POST /bestowals/{bestowalID}/cancel.
func (h *OrchardHandlers) CancelBestowalHandler(w http.ResponseWriter, r *http.Request) {
	callerID, ok := h.authedUserID(w, r)
	if !ok {
		return
	}
	bestowalID, err := uuid.Parse(chi.URLParam(r, "bestowalID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid bestowal ID")
		return
	}

	bestowal, err := h.service.CancelBestowal(r.Context(), bestowalID, callerID)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, bestowal)
}

// ListBestowalsHandler handles GET /bestowals, the caller's purchase history.
func (h *OrchardHandlers) ListBestowalsHandler(w http.ResponseWriter, r *http.Request) {
	bestowerID, ok := h.authedUserID(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	bestowals, err := h.service.ListBestowals(r.Context(), bestowerID, limit, offset)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	if bestowals == nil {
		bestowals = []domain.Bestowal{}
	}
	h.writeJSON(w, http.StatusOK, bestowals)
}

func (h *OrchardHandlers) setStatusHandler(target domain.OrchardStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		callerID, ok := h.authedUserID(w, r)
		if !ok {
			return
		}
		orchardID, ok := h.orchardIDParam(w, r)
		if !ok {
			return
		}
		orchard, err := h.service.SetOrchardStatus(r.Context(), orchardID, callerID, target)
		if err != nil {
			h.handleServiceError(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, orchard)
	}
}

// PauseOrchardHandler handles POST /orchards/{orchardID}/pause.
func (h *OrchardHandlers) PauseOrchardHandler(w http.ResponseWriter, r *http.Request) {
	h.setStatusHandler(domain.OrchardStatusPaused)(w, r)
}

// ResumeOrchardHandler handles POST /orchards/{orchardID}/resume.
func (h *OrchardHandlers) ResumeOrchardHandler(w http.ResponseWriter, r *http.Request) {
	h.setStatusHandler(domain.OrchardStatusActive)(w, r)
}

// CancelOrchardHandler handles POST /orchards/{orchardID}/cancel.
func (h *OrchardHandlers) CancelOrchardHandler(w http.ResponseWriter, r *http.Request) {
	h.setStatusHandler(domain.OrchardStatusCancelled)(w, r)
}

// CategoryAnalyticsHandler handles GET /analytics/categories.
func (h *OrchardHandlers) CategoryAnalyticsHandler(w http.ResponseWriter, r *http.Request) {
	rollups, err := h.service.CategoryAnalytics(r.Context())
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rollups)
}

// TrendsHandler handles GET /analytics/trends?window_days=N.
func (h *OrchardHandlers) TrendsHandler(w http.ResponseWriter, r *http.Request) {
	windowDays := 7
	if daysStr := r.URL.Query().Get("window_days"); daysStr != "" {
		if days, err := strconv.Atoi(daysStr); err == nil && days > 0 {
			windowDays = days
		}
	}
	report, err := h.service.Trends(r.Context(), time.Duration(windowDays)*24*time.Hour)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

// RankingsHandler handles GET /analytics/rankings?limit=N.
func (h *OrchardHandlers) RankingsHandler(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil && n > 0 {
			limit = n
		}
	}
	byRaised, byGrowth, err := h.service.Rankings(r.Context(), limit)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"by_raised":      byRaised,
		"by_growth_rate": byGrowth,
	})
}

// handleServiceError translates service-layer errors into HTTP responses.
func (h *OrchardHandlers) handleServiceError(w http.ResponseWriter, err error) {
	var unavailable *ledger.PocketUnavailableError
	if errors.As(err, &unavailable) {
		h.writeJSON(w, http.StatusConflict, map[string]interface{}{
			"error":     "One or more requested pockets are no longer available",
			"conflicts": unavailable.Conflicts,
		})
		return
	}
	var limited *app.RateLimitedError
	if errors.As(err, &limited) {
		w.Header().Set("Retry-After", strconv.Itoa(limited.RetryAfterSeconds))
		h.writeError(w, http.StatusTooManyRequests, "Too many reservation attempts. Please slow down.")
		return
	}

	switch {
	case errors.Is(err, app.ErrInvalidRequest),
		errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidSelection):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrOrchardNotFound),
		errors.Is(err, store.ErrBestowalNotFound),
		errors.Is(err, ledger.ErrUnknownOrchard),
		errors.Is(err, ledger.ErrUnknownReservation):
		h.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ledger.ErrReservationExpired):
		h.writeError(w, http.StatusGone, "Reservation has expired. Please select pockets again.")
	case errors.Is(err, app.ErrOrchardNotActive),
		errors.Is(err, app.ErrInvalidStatusChange):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, app.ErrPaymentDeclined):
		h.writeError(w, http.StatusPaymentRequired, err.Error())
	case errors.Is(err, app.ErrNotOwner):
		h.writeError(w, http.StatusForbidden, err.Error())
	default:
		log.Printf("level=error component=api msg=\"unhandled service error\" err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "An internal error occurred")
	}
}

// clientAddr extracts the caller's address for anonymous rate limiting,
// preferring the first X-Forwarded-For hop when present.
func clientAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.Index(fwd, ","); idx > 0 {
			return strings.TrimSpace(fwd[:idx])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// writeJSON is a helper for writing JSON responses.
func (h *OrchardHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("level=error component=api msg=\"failed to encode json response\" err=%v", err)
	}
}

func (h *OrchardHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
