package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/knowbook/canvas-server/internal/models"
	"github.com/knowbook/canvas-server/internal/services"
	"github.com/knowbook/canvas-server/pkg/knowbook"
)

// ConnectHandler serves the Knowbook connection endpoints. POST is the retry
// path for accounts whose organization creation failed during signup.
type ConnectHandler struct {
	api      services.KnowbookAPI
	creds    *services.CredentialStore
	tracker  *services.StatusTracker
	notifier *services.Notifier
	audit    *services.AuditLog
}

func NewConnectHandler(api services.KnowbookAPI, creds *services.CredentialStore, tracker *services.StatusTracker, notifier *services.Notifier, audit *services.AuditLog) *ConnectHandler {
	return &ConnectHandler{
		api:      api,
		creds:    creds,
		tracker:  tracker,
		notifier: notifier,
		audit:    audit,
	}
}

type connectRequest struct {
	OrganizationName string `json:"organizationName"`
	FullName         string `json:"fullName"`
	Plan             string `json:"plan"`
}

// connectionMetadata is the credential record without the secret itself.
type connectionMetadata struct {
	OrganizationID  string     `json:"organization_id,omitempty"`
	UserID          string     `json:"user_id,omitempty"`
	IssuedAt        time.Time  `json:"issued_at"`
	LastValidatedAt *time.Time `json:"last_validated_at,omitempty"`
}

func metadataFromRecord(record *models.CredentialRecord) *connectionMetadata {
	if record == nil {
		return nil
	}
	return &connectionMetadata{
		OrganizationID:  record.OrganizationID,
		UserID:          record.ExternalUserID,
		IssuedAt:        record.IssuedAt,
		LastValidatedAt: record.LastValidatedAt,
	}
}

// Post connects the authenticated account to a new Knowbook organization.
// POST /api/knowbook/connect
func (h *ConnectHandler) Post(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := GetUserIDFromContext(ctx)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	// An empty body is fine; every field is optional.
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	// Uniqueness is advisory: a presence check on the stored key, not a
	// transactional guarantee. Two concurrent requests can both pass; the
	// expected traffic is one signup per user.
	existing, err := h.creds.Read(ctx, userID)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("Failed to check existing credential")
		writeError(w, http.StatusInternalServerError, "Failed to check existing connection")
		return
	}
	if existing != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":     "Organization is already connected",
			"hasApiKey": true,
		})
		return
	}

	email, ok := GetEmailFromContext(ctx)
	if !ok {
		writeError(w, http.StatusBadRequest, "Email is missing from session")
		return
	}

	if !h.api.HealthCheck(ctx) {
		h.record(ctx, userID, "", "health_check_failed", "")
		writeError(w, http.StatusServiceUnavailable, "Knowbook API is unavailable")
		return
	}

	resp, err := h.api.CreateOrganizationWithAdmin(ctx, knowbook.SignupRequest{
		Name:       services.ResolveOrganizationName(req.OrganizationName, req.FullName, email),
		Domain:     services.DomainFromEmail(email),
		Plan:       req.Plan,
		AdminName:  services.ResolveAdminName(req.FullName, email),
		AdminEmail: email,
	})
	if err != nil {
		var apiErr *knowbook.APIError
		if errors.As(err, &apiErr) {
			log.Error().Err(apiErr).Str("user_id", userID).Msg("Organization creation failed")
			h.record(ctx, userID, "", "signup_failed", apiErr.Error())
			h.notify(ctx, "connect: organization creation failed: "+apiErr.Error(), userID)
			writeJSON(w, clampStatus(apiErr.StatusCode), map[string]any{
				"error":  apiErr.Message,
				"detail": apiErr.Detail,
			})
			return
		}
		log.Error().Err(err).Str("user_id", userID).Msg("Organization creation failed")
		writeError(w, http.StatusInternalServerError, "Failed to create organization")
		return
	}

	if err := h.creds.Store(ctx, userID, resp.AdminUser.APIKey, resp.AdminUser.ID, resp.Organization.ID); err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("Failed to store API key")
		h.record(ctx, userID, resp.Organization.ID, "store_failed", err.Error())
		h.notify(ctx, "connect: credential store failed: "+err.Error(), userID)
		writeError(w, http.StatusInternalServerError, "Failed to store API key")
		return
	}

	h.record(ctx, userID, resp.Organization.ID, "connected", "")

	// The key stays server-side; never echo it back.
	user := resp.AdminUser
	user.APIKey = ""

	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"organization": resp.Organization,
		"user":         user,
		"message":      resp.Message,
	})
}

// Get reports whether the account is connected and the stored provenance.
// GET /api/knowbook/connect
func (h *ConnectHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := GetUserIDFromContext(ctx)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	record, err := h.creds.Read(ctx, userID)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("Failed to read credential")
		writeError(w, http.StatusInternalServerError, "Failed to read connection state")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"connected": record != nil,
		"metadata":  metadataFromRecord(record),
	})
}

// Status resolves the live connection state, re-validating a stale key.
// GET /api/knowbook/status
func (h *ConnectHandler) Status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := GetUserIDFromContext(ctx)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	snap := h.tracker.Load(ctx, userID)
	writeStatus(w, snap)
}

// Validate is the manual retry probe.
// POST /api/knowbook/validate
func (h *ConnectHandler) Validate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := GetUserIDFromContext(ctx)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	snap := h.tracker.Validate(ctx, userID)
	writeStatus(w, snap)
}

func writeStatus(w http.ResponseWriter, snap services.StatusSnapshot) {
	body := map[string]any{
		"state":      snap.State,
		"checked_at": snap.CheckedAt,
		"metadata":   metadataFromRecord(snap.Record),
	}
	if snap.Error != "" {
		body["error"] = snap.Error
	}
	writeJSON(w, http.StatusOK, body)
}

// Attempts lists the account's recent connect attempts from the audit log.
// GET /api/knowbook/attempts
func (h *ConnectHandler) Attempts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := GetUserIDFromContext(ctx)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	attempts, err := h.audit.RecentForUser(ctx, userID, 20)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("Failed to list connect attempts")
		writeError(w, http.StatusInternalServerError, "Failed to list attempts")
		return
	}
	if attempts == nil {
		attempts = []models.ConnectAttempt{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"attempts": attempts})
}

func (h *ConnectHandler) record(ctx context.Context, userID, orgID, outcome, detail string) {
	h.audit.Record(ctx, models.ConnectAttempt{
		UserID:         userID,
		OrganizationID: orgID,
		Outcome:        outcome,
		Detail:         detail,
	})
}

func (h *ConnectHandler) notify(ctx context.Context, message, userID string) {
	if h.notifier == nil {
		return
	}
	h.notifier.Notify(ctx, message, map[string]string{"user_id": userID})
}
