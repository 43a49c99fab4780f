package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knowbook/canvas-server/internal/models"
	"github.com/knowbook/canvas-server/pkg/authgate"
)

type fakeValidator struct {
	valid bool
	calls int
}

func (f *fakeValidator) ValidateAPIKey(_ context.Context, _ string) bool {
	f.calls++
	return f.valid
}

func seedRecord(store *memMetadataStore, userID string, validatedAt time.Time) {
	store.set(userID, metaAPIKey, "kb_secret")
	store.set(userID, metaOrgID, "org-7")
	store.set(userID, metaIssuedAt, validatedAt.Format(time.RFC3339))
	store.set(userID, metaValidatedAt, validatedAt.Format(time.RFC3339))
}

func TestStatusTracker_NoRecord(t *testing.T) {
	creds := NewCredentialStore(newMemMetadataStore(), 0)
	validator := &fakeValidator{valid: true}
	tracker := NewStatusTracker(creds, validator)

	snap := tracker.Load(context.Background(), "user-1")

	assert.Equal(t, models.StateNotConnected, snap.State)
	assert.Equal(t, 0, validator.calls)
}

func TestStatusTracker_FreshKeyIsTrusted(t *testing.T) {
	store := newMemMetadataStore()
	seedRecord(store, "user-1", time.Now().Add(-time.Hour))
	creds := NewCredentialStore(store, 0)
	validator := &fakeValidator{valid: false}
	tracker := NewStatusTracker(creds, validator)

	snap := tracker.Load(context.Background(), "user-1")

	assert.Equal(t, models.StateConnected, snap.State)
	require.NotNil(t, snap.Record)
	// Within the window the key is trusted without a probe.
	assert.Equal(t, 0, validator.calls)
}

func TestStatusTracker_StaleKeyRevalidates(t *testing.T) {
	store := newMemMetadataStore()
	seedRecord(store, "user-1", time.Now().Add(-25*time.Hour))
	creds := NewCredentialStore(store, 0)
	validator := &fakeValidator{valid: true}
	tracker := NewStatusTracker(creds, validator)

	snap := tracker.Load(context.Background(), "user-1")

	assert.Equal(t, models.StateConnected, snap.State)
	assert.Equal(t, 1, validator.calls)

	// The validation pass is persisted: the next load trusts the key.
	validator.calls = 0
	snap = tracker.Load(context.Background(), "user-1")
	assert.Equal(t, models.StateConnected, snap.State)
	assert.Equal(t, 0, validator.calls)
}

func TestStatusTracker_StaleKeyInvalid(t *testing.T) {
	store := newMemMetadataStore()
	seedRecord(store, "user-1", time.Now().Add(-25*time.Hour))
	creds := NewCredentialStore(store, 0)
	validator := &fakeValidator{valid: false}
	tracker := NewStatusTracker(creds, validator)

	snap := tracker.Load(context.Background(), "user-1")

	assert.Equal(t, models.StateError, snap.State)
	assert.Equal(t, "invalid key", snap.Error)
}

func TestStatusTracker_ManualValidateIgnoresFreshness(t *testing.T) {
	store := newMemMetadataStore()
	seedRecord(store, "user-1", time.Now())
	creds := NewCredentialStore(store, 0)
	validator := &fakeValidator{valid: true}
	tracker := NewStatusTracker(creds, validator)

	snap := tracker.Validate(context.Background(), "user-1")

	assert.Equal(t, models.StateConnected, snap.State)
	assert.Equal(t, 1, validator.calls)
}

func TestStatusTracker_SignOutClearsState(t *testing.T) {
	store := newMemMetadataStore()
	seedRecord(store, "user-1", time.Now())
	creds := NewCredentialStore(store, 0)
	tracker := NewStatusTracker(creds, &fakeValidator{valid: true})

	tracker.Load(context.Background(), "user-1")
	assert.Equal(t, models.StateConnected, tracker.Get("user-1").State)

	tracker.HandleAuthEvent(context.Background(), authgate.Event{Type: authgate.EventSignedOut, UserID: "user-1"})
	assert.Equal(t, models.StateUnknown, tracker.Get("user-1").State)
}

func TestStatusTracker_SignInReloads(t *testing.T) {
	store := newMemMetadataStore()
	seedRecord(store, "user-1", time.Now())
	creds := NewCredentialStore(store, 0)
	tracker := NewStatusTracker(creds, &fakeValidator{valid: true})

	tracker.HandleAuthEvent(context.Background(), authgate.Event{Type: authgate.EventSignedIn, UserID: "user-1"})
	assert.Equal(t, models.StateConnected, tracker.Get("user-1").State)
}

func TestStatusTracker_ReadFailure(t *testing.T) {
	store := newMemMetadataStore()
	store.failReads = true
	creds := NewCredentialStore(store, 0)
	tracker := NewStatusTracker(creds, &fakeValidator{valid: true})

	snap := tracker.Load(context.Background(), "user-1")
	assert.Equal(t, models.StateError, snap.State)
}
