package services

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/knowbook/canvas-server/internal/models"
)

// AuditLog records connect attempts in Postgres. Purely observational:
// every write is best-effort and never affects the request outcome.
type AuditLog struct {
	pool *pgxpool.Pool
}

// NewAuditLog returns nil when no pool is available, which callers treat as
// auditing disabled.
func NewAuditLog(pool *pgxpool.Pool) *AuditLog {
	if pool == nil {
		return nil
	}
	return &AuditLog{pool: pool}
}

// Record inserts one attempt. Failures are logged and dropped.
func (a *AuditLog) Record(ctx context.Context, attempt models.ConnectAttempt) {
	if a == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := a.pool.Exec(ctx, `
		INSERT INTO connect_attempts (user_id, organization_id, outcome, detail)
		VALUES ($1, NULLIF($2, ''), $3, NULLIF($4, ''))
	`, attempt.UserID, attempt.OrganizationID, attempt.Outcome, attempt.Detail)
	if err != nil {
		log.Warn().Err(err).Str("user_id", attempt.UserID).Msg("Failed to record connect attempt")
	}
}

// RecentForUser returns the latest attempts for one account, newest first.
func (a *AuditLog) RecentForUser(ctx context.Context, userID string, limit int) ([]models.ConnectAttempt, error) {
	if a == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}

	rows, err := a.pool.Query(ctx, `
		SELECT id, user_id, COALESCE(organization_id, ''), outcome, COALESCE(detail, ''), created_at
		FROM connect_attempts
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []models.ConnectAttempt
	for rows.Next() {
		var at models.ConnectAttempt
		if err := rows.Scan(&at.ID, &at.UserID, &at.OrganizationID, &at.Outcome, &at.Detail, &at.CreatedAt); err != nil {
			return nil, err
		}
		attempts = append(attempts, at)
	}
	return attempts, rows.Err()
}
