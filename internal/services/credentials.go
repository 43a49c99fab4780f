package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/knowbook/canvas-server/internal/models"
)

// Metadata keys the credential record occupies inside the auth service's
// per-user metadata. Everything else in that map belongs to other features
// and must never be clobbered.
const (
	metaAPIKey      = "knowbook_api_key"
	metaUserID      = "knowbook_user_id"
	metaOrgID       = "knowbook_organization_id"
	metaIssuedAt    = "knowbook_key_issued_at"
	metaValidatedAt = "knowbook_key_validated_at"
)

// MetadataStore is the auth service's per-user metadata, reachable either
// through the admin HTTP API or directly in its database.
type MetadataStore interface {
	UserMetadata(ctx context.Context, userID string) (map[string]json.RawMessage, error)
	UpdateUserMetadata(ctx context.Context, userID string, patch map[string]any) error
}

// CredentialStore reads and writes the issued Knowbook API key and its
// provenance into per-user metadata.
type CredentialStore struct {
	store  MetadataStore
	window time.Duration
	now    func() time.Time
}

// NewCredentialStore creates the adapter. window is the staleness window;
// zero means the 24h default.
func NewCredentialStore(store MetadataStore, window time.Duration) *CredentialStore {
	if window <= 0 {
		window = models.DefaultStalenessWindow
	}
	return &CredentialStore{
		store:  store,
		window: window,
		now:    time.Now,
	}
}

// Store persists the issued key. Both issued_at and last_validated_at are
// stamped to now: a freshly stored key is assumed valid until the staleness
// window elapses. externalUserID and organizationID may be empty.
func (s *CredentialStore) Store(ctx context.Context, userID, apiKey, externalUserID, organizationID string) error {
	now := s.now().UTC()

	patch := map[string]any{
		metaAPIKey:      apiKey,
		metaIssuedAt:    now.Format(time.RFC3339),
		metaValidatedAt: now.Format(time.RFC3339),
	}
	if externalUserID != "" {
		patch[metaUserID] = externalUserID
	}
	if organizationID != "" {
		patch[metaOrgID] = organizationID
	}

	if err := s.store.UpdateUserMetadata(ctx, userID, patch); err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}

	log.Info().Str("user_id", userID).Str("organization_id", organizationID).Msg("Credential stored")
	return nil
}

// Read returns the credential record for the account, or nil when no key has
// been stored. Presence is decided by the api key field, nothing else.
func (s *CredentialStore) Read(ctx context.Context, userID string) (*models.CredentialRecord, error) {
	meta, err := s.store.UserMetadata(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to read credential: %w", err)
	}

	raw, ok := meta[metaAPIKey]
	if !ok {
		return nil, nil
	}
	var key string
	if err := json.Unmarshal(raw, &key); err != nil || key == "" {
		return nil, nil
	}

	record := &models.CredentialRecord{APIKey: key}
	if v, ok := meta[metaUserID]; ok {
		_ = json.Unmarshal(v, &record.ExternalUserID)
	}
	if v, ok := meta[metaOrgID]; ok {
		_ = json.Unmarshal(v, &record.OrganizationID)
	}
	if v, ok := meta[metaIssuedAt]; ok {
		_ = json.Unmarshal(v, &record.IssuedAt)
	}
	if v, ok := meta[metaValidatedAt]; ok {
		var ts time.Time
		if json.Unmarshal(v, &ts) == nil && !ts.IsZero() {
			record.LastValidatedAt = &ts
		}
	}
	return record, nil
}

// TouchValidated updates only last_validated_at, preserving all other fields.
// Failures are logged and otherwise ignored; this is a non-critical path.
func (s *CredentialStore) TouchValidated(ctx context.Context, userID string) {
	patch := map[string]any{
		metaValidatedAt: s.now().UTC().Format(time.RFC3339),
	}
	if err := s.store.UpdateUserMetadata(ctx, userID, patch); err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("Failed to touch credential validation timestamp")
	}
}

// IsStale applies the configured staleness window to a record.
func (s *CredentialStore) IsStale(record *models.CredentialRecord) bool {
	return record.IsStaleWithin(s.now(), s.window)
}

// PostgresMetadataStore writes metadata straight into the auth service's
// users table. Used when this service is colocated with the auth database;
// the jsonb merge keeps unrelated metadata keys intact.
type PostgresMetadataStore struct {
	pool *pgxpool.Pool
}

// NewPostgresMetadataStore creates a store over the given pool.
func NewPostgresMetadataStore(pool *pgxpool.Pool) *PostgresMetadataStore {
	return &PostgresMetadataStore{pool: pool}
}

func (p *PostgresMetadataStore) UserMetadata(ctx context.Context, userID string) (map[string]json.RawMessage, error) {
	var raw []byte
	err := p.pool.QueryRow(ctx,
		`SELECT COALESCE(raw_user_meta_data, '{}'::jsonb) FROM auth.users WHERE id = $1`, userID).
		Scan(&raw)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("user %s not found", userID)
		}
		return nil, fmt.Errorf("failed to query user metadata: %w", err)
	}

	meta := make(map[string]json.RawMessage)
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse user metadata: %w", err)
	}
	return meta, nil
}

func (p *PostgresMetadataStore) UpdateUserMetadata(ctx context.Context, userID string, patch map[string]any) error {
	body, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("failed to encode metadata patch: %w", err)
	}

	tag, err := p.pool.Exec(ctx, `
		UPDATE auth.users
		SET raw_user_meta_data = COALESCE(raw_user_meta_data, '{}'::jsonb) || $2::jsonb,
		    updated_at = NOW()
		WHERE id = $1
	`, userID, body)
	if err != nil {
		return fmt.Errorf("failed to update user metadata: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %s not found", userID)
	}
	return nil
}
