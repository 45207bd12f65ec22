package store

import (
	"context"
	"fmt"

	"github.com/beaulazear/voxxy-campaign-engine/internal/domain"
	"github.com/jackc/pgx/v5"
)

const deliveryColumns = `id, provider_message_id, recipient_email, status, bounce_type, retry_count, next_retry_at,
	COALESCE(scheduled_instance_id::text, ''), COALESCE(invitation_id::text, ''), COALESCE(registration_id::text, ''),
	last_event_at, created_at, updated_at`

func scanDelivery(row pgx.Row) (*domain.DeliveryRecord, error) {
	var rec domain.DeliveryRecord
	err := row.Scan(
		&rec.ID, &rec.ProviderMessageID, &rec.RecipientEmail, &rec.Status,
		&rec.BounceType, &rec.RetryCount, &rec.NextRetryAt,
		&rec.ScheduledInstanceID, &rec.InvitationID, &rec.RegistrationID,
		&rec.LastEventAt, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// InsertDelivery returns domain.ErrDuplicate when the provider message id is
// already recorded.
func (s *PostgresStore) InsertDelivery(ctx context.Context, rec *domain.DeliveryRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO delivery_records (
			id, provider_message_id, recipient_email, status, bounce_type, retry_count, next_retry_at,
			scheduled_instance_id, invitation_id, registration_id, last_event_at, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7,
			NULLIF($8, '')::uuid, NULLIF($9, '')::uuid, NULLIF($10, '')::uuid, $11, $12, $13)
	`,
		rec.ID, rec.ProviderMessageID, rec.RecipientEmail, rec.Status, rec.BounceType, rec.RetryCount, rec.NextRetryAt,
		rec.ScheduledInstanceID, rec.InvitationID, rec.RegistrationID, rec.LastEventAt, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicate
		}
		return fmt.Errorf("inserting delivery record: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDeliveryByMessageID(ctx context.Context, providerMessageID string) (*domain.DeliveryRecord, error) {
	rec, err := scanDelivery(s.pool.QueryRow(ctx,
		`SELECT `+deliveryColumns+` FROM delivery_records WHERE provider_message_id = $1`,
		providerMessageID))
	if err != nil {
		return nil, wrapNoRows(err, "delivery", providerMessageID)
	}
	return rec, nil
}

func (s *PostgresStore) GetDelivery(ctx context.Context, id string) (*domain.DeliveryRecord, error) {
	rec, err := scanDelivery(s.pool.QueryRow(ctx,
		`SELECT `+deliveryColumns+` FROM delivery_records WHERE id = $1`, id))
	if err != nil {
		return nil, wrapNoRows(err, "delivery", id)
	}
	return rec, nil
}

// UpdateDelivery writes the mutable columns only while the stored status is
// still fromStatus. A missing row is reported as not found, a changed status
// as domain.ErrConflict.
func (s *PostgresStore) UpdateDelivery(ctx context.Context, rec *domain.DeliveryRecord, fromStatus domain.DeliveryStatus) error {
	result, err := s.pool.Exec(ctx, `
		UPDATE delivery_records
		SET provider_message_id = $2, status = $3, bounce_type = $4, retry_count = $5,
			next_retry_at = $6, last_event_at = $7, updated_at = $8
		WHERE id = $1 AND status = $9
	`, rec.ID, rec.ProviderMessageID, rec.Status, rec.BounceType, rec.RetryCount,
		rec.NextRetryAt, rec.LastEventAt, rec.UpdatedAt, fromStatus)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicate
		}
		return fmt.Errorf("updating delivery record: %w", err)
	}
	if result.RowsAffected() > 0 {
		return nil
	}

	if _, err := s.GetDelivery(ctx, rec.ID); err != nil {
		return err
	}
	return domain.ErrConflict
}

// ListDeliveries returns delivery records newest first.
func (s *PostgresStore) ListDeliveries(ctx context.Context, f domain.DeliveryFilter) ([]domain.DeliveryRecord, error) {
	query := `SELECT ` + deliveryColumns + ` FROM delivery_records`
	args := []interface{}{}
	argIdx := 1
	conditions := []string{}

	if f.ScheduledInstanceID != "" {
		conditions = append(conditions, fmt.Sprintf("scheduled_instance_id = $%d::uuid", argIdx))
		args = append(args, f.ScheduledInstanceID)
		argIdx++
	}
	if f.InvitationID != "" {
		conditions = append(conditions, fmt.Sprintf("invitation_id = $%d::uuid", argIdx))
		args = append(args, f.InvitationID)
		argIdx++
	}
	if f.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, f.Status)
		argIdx++
	}
	if f.Email != "" {
		conditions = append(conditions, fmt.Sprintf("recipient_email = $%d", argIdx))
		args = append(args, domain.NormalizeEmail(f.Email))
		argIdx++
	}

	query += whereClause(conditions)
	query += " ORDER BY created_at DESC, id"

	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, f.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying delivery records: %w", err)
	}
	defer rows.Close()

	records := []domain.DeliveryRecord{}
	for rows.Next() {
		rec, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning delivery record: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating delivery records: %w", err)
	}
	return records, nil
}

// ListRetryCandidates returns soft bounces matching sweep, least recently
// updated first.
func (s *PostgresStore) ListRetryCandidates(ctx context.Context, sweep domain.RetrySweep) ([]domain.DeliveryRecord, error) {
	query := `SELECT ` + deliveryColumns + ` FROM delivery_records
		WHERE status = 'bounced' AND bounce_type = 'soft' AND updated_at > $1
		AND (
			(next_retry_at IS NOT NULL AND next_retry_at <= $2)
			OR (next_retry_at IS NULL AND retry_count < $3 AND updated_at <= $4)
		)
		ORDER BY updated_at, id`
	args := []interface{}{sweep.Since, sweep.DueBefore, sweep.MaxRetries, sweep.SettledBefore}
	if sweep.Limit > 0 {
		query += " LIMIT $5"
		args = append(args, sweep.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying retry candidates: %w", err)
	}
	defer rows.Close()

	records := []domain.DeliveryRecord{}
	for rows.Next() {
		rec, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning retry candidate: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating retry candidates: %w", err)
	}
	return records, nil
}
