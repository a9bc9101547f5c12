package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/andrevlopes/subsync/pkg/billing"
	"github.com/andrevlopes/subsync/pkg/subsync"
)

const maxBodyBytes = 64 * 1024

// Handler provides HTTP endpoints for reconciliation operations
type Handler struct {
	config Config
}

// Audit runs a full reconciliation audit. Per-item failures live inside
// the report; only setup failures produce a non-200 response.
func (h *Handler) Audit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.handleError(w, r, fmt.Errorf("method not allowed"), http.StatusMethodNotAllowed)
		return
	}

	report, err := h.config.Reconciler.Audit(r.Context())
	if err != nil {
		h.handleError(w, r, fmt.Errorf("audit failed: %w", err), http.StatusBadRequest)
		return
	}

	h.writeJSON(w, http.StatusOK, AuditResponse{Success: true, Audit: report})
}

// Sync reconciles one user's subscription state by customer email.
func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.handleError(w, r, fmt.Errorf("method not allowed"), http.StatusMethodNotAllowed)
		return
	}

	var req SyncRequest
	if err := h.decode(r, &req); err != nil {
		h.handleError(w, r, err, http.StatusBadRequest)
		return
	}

	if req.Test {
		h.writeJSON(w, http.StatusOK, SyncResponse{Success: true, Test: true})
		return
	}

	if strings.TrimSpace(req.Email) == "" {
		h.handleError(w, r, fmt.Errorf("email is required"), http.StatusBadRequest)
		return
	}

	report, err := h.config.Reconciler.SyncByEmail(r.Context(), req.Email)
	if err != nil {
		if errors.Is(err, billing.ErrCustomerNotFound) || errors.Is(err, billing.ErrUserNotFound) {
			h.handleError(w, r, err, http.StatusNotFound)
			return
		}
		h.handleError(w, r, fmt.Errorf("sync failed: %w", err), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, SyncResponse{Success: true, Report: report})
}

// Status reports whether the user owning the given customer email has a
// usable subscription. Expiry is judged solely from the period end.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.handleError(w, r, fmt.Errorf("method not allowed"), http.StatusMethodNotAllowed)
		return
	}

	var req StatusRequest
	if err := h.decode(r, &req); err != nil {
		h.handleError(w, r, err, http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Email) == "" {
		h.handleError(w, r, fmt.Errorf("email is required"), http.StatusBadRequest)
		return
	}

	userID, err := h.config.Reconciler.UserIDByEmail(r.Context(), req.Email)
	if err != nil {
		if errors.Is(err, billing.ErrCustomerNotFound) || errors.Is(err, billing.ErrUserNotFound) {
			h.handleError(w, r, err, http.StatusNotFound)
			return
		}
		h.handleError(w, r, fmt.Errorf("status lookup failed: %w", err), http.StatusInternalServerError)
		return
	}

	current, err := h.config.Store.CurrentForUser(r.Context(), userID)
	if err != nil {
		if errors.Is(err, subsync.ErrUserNotFound) {
			h.writeJSON(w, http.StatusOK, StatusResponse{})
			return
		}
		h.handleError(w, r, fmt.Errorf("status lookup failed: %w", err), http.StatusInternalServerError)
		return
	}

	now := h.config.Now()
	h.writeJSON(w, http.StatusOK, StatusResponse{
		HasActiveSubscription: current.ActiveAt(now),
		Subscription: &SubscriptionStatus{
			Status:            string(current.Status),
			PlanType:          string(current.PlanType),
			PlanValue:         current.PlanValue,
			CurrentPeriodEnd:  current.CurrentPeriodEnd,
			CancelAtPeriodEnd: current.CancelAtPeriodEnd,
		},
		IsExpired: !current.CurrentPeriodEnd.IsZero() && now.After(current.CurrentPeriodEnd),
	})
}

// Register mounts the three endpoints on mux under /audit, /sync and
// /status.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/audit", h.Audit)
	mux.HandleFunc("/sync", h.Sync)
	mux.HandleFunc("/status", h.Status)
}

func (h *Handler) decode(r *http.Request, dst interface{}) error {
	body := http.MaxBytesReader(nil, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, statusCode int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		// Response already committed, nothing left to do.
		_ = err
	}
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err, statusCode)
		return
	}
	h.writeJSON(w, statusCode, map[string]string{"error": err.Error()})
}
