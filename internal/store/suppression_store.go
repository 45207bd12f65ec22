package store

import (
	"context"
	"fmt"

	"github.com/beaulazear/voxxy-campaign-engine/internal/domain"
	"github.com/jackc/pgx/v5"
)

const suppressionColumns = `id, email, scope, COALESCE(event_id::text, ''), COALESCE(organization_id::text, ''), source, suppressed_at`

func scanSuppression(row pgx.Row) (*domain.Suppression, error) {
	var sup domain.Suppression
	err := row.Scan(&sup.ID, &sup.Email, &sup.Scope, &sup.EventID, &sup.OrganizationID, &sup.Source, &sup.SuppressedAt)
	if err != nil {
		return nil, err
	}
	return &sup, nil
}

// IsSuppressed checks the three scopes in one round trip. Empty ids never
// match a row.
func (s *PostgresStore) IsSuppressed(ctx context.Context, email, eventID, organizationID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM email_suppressions
			WHERE email = $1 AND (
				scope = 'global'
				OR (scope = 'organization' AND organization_id = NULLIF($3, '')::uuid)
				OR (scope = 'event' AND event_id = NULLIF($2, '')::uuid)
			)
		)
	`, domain.NormalizeEmail(email), eventID, organizationID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking suppression: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) FindSuppression(ctx context.Context, key domain.SuppressionKey) (*domain.Suppression, error) {
	sup, err := scanSuppression(s.pool.QueryRow(ctx, `
		SELECT `+suppressionColumns+`
		FROM email_suppressions
		WHERE email = $1 AND scope = $2
			AND event_id IS NOT DISTINCT FROM NULLIF($3, '')::uuid
			AND organization_id IS NOT DISTINCT FROM NULLIF($4, '')::uuid
	`, key.Email, key.Scope, key.EventID, key.OrganizationID))
	if err != nil {
		return nil, wrapNoRows(err, "suppression", key.Email)
	}
	return sup, nil
}

// InsertSuppression returns domain.ErrDuplicate when a row for the same
// (email, scope, reference) already exists.
func (s *PostgresStore) InsertSuppression(ctx context.Context, sup *domain.Suppression) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO email_suppressions (id, email, scope, event_id, organization_id, source, suppressed_at)
		VALUES ($1, $2, $3, NULLIF($4, '')::uuid, NULLIF($5, '')::uuid, $6, $7)
	`, sup.ID, sup.Email, sup.Scope, sup.EventID, sup.OrganizationID, sup.Source, sup.SuppressedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicate
		}
		return fmt.Errorf("inserting suppression: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteSuppression(ctx context.Context, key domain.SuppressionKey) (*domain.Suppression, error) {
	sup, err := scanSuppression(s.pool.QueryRow(ctx, `
		DELETE FROM email_suppressions
		WHERE email = $1 AND scope = $2
			AND event_id IS NOT DISTINCT FROM NULLIF($3, '')::uuid
			AND organization_id IS NOT DISTINCT FROM NULLIF($4, '')::uuid
		RETURNING `+suppressionColumns,
		key.Email, key.Scope, key.EventID, key.OrganizationID))
	if err != nil {
		return nil, wrapNoRows(err, "suppression", key.Email)
	}
	return sup, nil
}

// ListSuppressions returns suppressions newest first.
func (s *PostgresStore) ListSuppressions(ctx context.Context, f domain.SuppressionFilter) ([]domain.Suppression, error) {
	query := `SELECT ` + suppressionColumns + ` FROM email_suppressions`
	args := []interface{}{}
	argIdx := 1
	conditions := []string{}

	if f.Email != "" {
		conditions = append(conditions, fmt.Sprintf("email = $%d", argIdx))
		args = append(args, domain.NormalizeEmail(f.Email))
		argIdx++
	}
	if f.Scope != "" {
		conditions = append(conditions, fmt.Sprintf("scope = $%d", argIdx))
		args = append(args, f.Scope)
		argIdx++
	}
	if f.EventID != "" {
		conditions = append(conditions, fmt.Sprintf("event_id = $%d::uuid", argIdx))
		args = append(args, f.EventID)
		argIdx++
	}
	if f.OrganizationID != "" {
		conditions = append(conditions, fmt.Sprintf("organization_id = $%d::uuid", argIdx))
		args = append(args, f.OrganizationID)
		argIdx++
	}
	if f.Source != "" {
		conditions = append(conditions, fmt.Sprintf("source = $%d", argIdx))
		args = append(args, f.Source)
		argIdx++
	}

	query += whereClause(conditions)
	query += " ORDER BY suppressed_at DESC, id"

	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, f.Limit)
		argIdx++
	}
	if f.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, f.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying suppressions: %w", err)
	}
	defer rows.Close()

	sups := []domain.Suppression{}
	for rows.Next() {
		sup, err := scanSuppression(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning suppression: %w", err)
		}
		sups = append(sups, *sup)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating suppressions: %w", err)
	}
	return sups, nil
}

// ClearRegistrationUnsubscribed resets the denormalized flag on the event's
// registrations for email.
func (s *PostgresStore) ClearRegistrationUnsubscribed(ctx context.Context, email, eventID string) (int64, error) {
	result, err := s.pool.Exec(ctx, `
		UPDATE registrations SET email_unsubscribed = FALSE
		WHERE event_id = $1::uuid AND LOWER(TRIM(email)) = $2 AND email_unsubscribed
	`, eventID, domain.NormalizeEmail(email))
	if err != nil {
		return 0, fmt.Errorf("clearing unsubscribed flag: %w", err)
	}
	return result.RowsAffected(), nil
}
