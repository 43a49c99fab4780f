package services

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/knowbook/canvas-server/internal/models"
	"github.com/knowbook/canvas-server/pkg/authgate"
)

// KeyValidator is the probing slice of the Knowbook client.
type KeyValidator interface {
	ValidateAPIKey(ctx context.Context, key string) bool
}

// StatusSnapshot is one account's connection state at a point in time.
// Record never includes states where no key exists.
type StatusSnapshot struct {
	State     models.ConnectionState   `json:"state"`
	Record    *models.CredentialRecord `json:"record,omitempty"`
	Error     string                   `json:"error,omitempty"`
	CheckedAt time.Time                `json:"checked_at"`
}

// StatusTracker resolves and caches per-account connection state. It is the
// server-side half of the connection status consumer: load on demand, manual
// validate, and reaction to auth session events.
type StatusTracker struct {
	creds *CredentialStore
	api   KeyValidator

	mu     sync.RWMutex
	states map[string]StatusSnapshot
	now    func() time.Time
}

// NewStatusTracker creates a tracker over the credential store and validator.
func NewStatusTracker(creds *CredentialStore, api KeyValidator) *StatusTracker {
	return &StatusTracker{
		creds:  creds,
		api:    api,
		states: make(map[string]StatusSnapshot),
		now:    time.Now,
	}
}

// Load resolves the account's state: absent key means not connected, a fresh
// key is trusted as connected, and a stale key is re-validated immediately,
// moving to connected or to an error state carrying "invalid key".
func (t *StatusTracker) Load(ctx context.Context, userID string) StatusSnapshot {
	record, err := t.creds.Read(ctx, userID)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("Failed to load credential record")
		return t.set(userID, StatusSnapshot{State: models.StateError, Error: "failed to load credential"})
	}

	if record == nil {
		return t.set(userID, StatusSnapshot{State: models.StateNotConnected})
	}

	if !t.creds.IsStale(record) {
		return t.set(userID, StatusSnapshot{State: models.StateConnected, Record: record})
	}

	return t.validate(ctx, userID, record)
}

// Validate is the manual retry action: it re-runs the same probe regardless
// of staleness.
func (t *StatusTracker) Validate(ctx context.Context, userID string) StatusSnapshot {
	record, err := t.creds.Read(ctx, userID)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("Failed to load credential record")
		return t.set(userID, StatusSnapshot{State: models.StateError, Error: "failed to load credential"})
	}
	if record == nil {
		return t.set(userID, StatusSnapshot{State: models.StateNotConnected})
	}
	return t.validate(ctx, userID, record)
}

// Get returns the cached snapshot, or an unknown state when the account has
// never been loaded.
func (t *StatusTracker) Get(userID string) StatusSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	snap, ok := t.states[userID]
	if !ok {
		return StatusSnapshot{State: models.StateUnknown}
	}
	return snap
}

// HandleAuthEvent clears state on sign-out and reloads it on sign-in.
func (t *StatusTracker) HandleAuthEvent(ctx context.Context, event authgate.Event) {
	switch event.Type {
	case authgate.EventSignedOut:
		t.mu.Lock()
		delete(t.states, event.UserID)
		t.mu.Unlock()
		log.Debug().Str("user_id", event.UserID).Msg("Cleared connection state on sign-out")
	case authgate.EventSignedIn:
		t.Load(ctx, event.UserID)
	}
}

func (t *StatusTracker) validate(ctx context.Context, userID string, record *models.CredentialRecord) StatusSnapshot {
	if !t.api.ValidateAPIKey(ctx, record.APIKey) {
		return t.set(userID, StatusSnapshot{State: models.StateError, Record: record, Error: "invalid key"})
	}

	t.creds.TouchValidated(ctx, userID)
	now := t.now()
	record.LastValidatedAt = &now
	return t.set(userID, StatusSnapshot{State: models.StateConnected, Record: record})
}

func (t *StatusTracker) set(userID string, snap StatusSnapshot) StatusSnapshot {
	snap.CheckedAt = t.now()
	t.mu.Lock()
	t.states[userID] = snap
	t.mu.Unlock()
	return snap
}
