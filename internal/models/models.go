package models

import (
	"time"
)

// DefaultStalenessWindow is how long a stored API key is trusted without
// re-validation against the Knowbook API.
const DefaultStalenessWindow = 24 * time.Hour

// CredentialRecord is the stored Knowbook API key and its provenance for one
// auth account. It lives in the auth service's per-user metadata; exactly one
// record exists per account, keyed by that account's id. Written once at
// issuance, updated only on these fields by validation passes, never deleted
// (no rotation path exists yet).
type CredentialRecord struct {
	APIKey          string     `json:"knowbook_api_key"`
	ExternalUserID  string     `json:"knowbook_user_id,omitempty"`
	OrganizationID  string     `json:"knowbook_organization_id,omitempty"`
	IssuedAt        time.Time  `json:"knowbook_key_issued_at"`
	LastValidatedAt *time.Time `json:"knowbook_key_validated_at,omitempty"`
}

// IsStale reports whether the key needs re-validation before being trusted.
// A record with no validation timestamp is always stale. Pure function of the
// record, recomputed on every read.
func (r *CredentialRecord) IsStale(now time.Time) bool {
	return r.IsStaleWithin(now, DefaultStalenessWindow)
}

// IsStaleWithin is IsStale with an explicit window.
func (r *CredentialRecord) IsStaleWithin(now time.Time, window time.Duration) bool {
	if r.LastValidatedAt == nil {
		return true
	}
	return now.Sub(*r.LastValidatedAt) > window
}

// ConnectionState is the status consumer's view of one account's Knowbook
// connection.
type ConnectionState string

const (
	StateUnknown         ConnectionState = "unknown"
	StateNotConnected    ConnectionState = "not_connected"
	StateConnected       ConnectionState = "connected"
	StateNeedsValidation ConnectionState = "needs_validation"
	StateError           ConnectionState = "error"
)

// ConnectAttempt is one audited call to the connect endpoint, recorded
// best-effort when a database is configured.
type ConnectAttempt struct {
	ID             int64     `json:"id" db:"id"`
	UserID         string    `json:"user_id" db:"user_id"`
	OrganizationID string    `json:"organization_id,omitempty" db:"organization_id"`
	Outcome        string    `json:"outcome" db:"outcome"`
	Detail         string    `json:"detail,omitempty" db:"detail"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}
