package store

import (
	"context"
	"fmt"
	"time"

	"github.com/beaulazear/voxxy-campaign-engine/internal/domain"
	"github.com/jackc/pgx/v5"
)

const instanceColumns = `id, campaign_item_id, event_id, fire_time, status, filter_criteria,
	recipient_count, sent_at, error_message, created_at, updated_at`

func scanInstance(row pgx.Row) (*domain.ScheduledInstance, error) {
	var (
		inst    domain.ScheduledInstance
		filters []byte
	)
	err := row.Scan(
		&inst.ID, &inst.CampaignItemID, &inst.EventID, &inst.FireTime, &inst.Status, &filters,
		&inst.RecipientCount, &inst.SentAt, &inst.ErrorMessage, &inst.CreatedAt, &inst.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if inst.Filters, err = domain.ParseFilterCriteria(filters); err != nil {
		return nil, fmt.Errorf("instance %s: %w", inst.ID, err)
	}
	return &inst, nil
}

func (s *PostgresStore) GetInstance(ctx context.Context, id string) (*domain.ScheduledInstance, error) {
	inst, err := scanInstance(s.pool.QueryRow(ctx,
		`SELECT `+instanceColumns+` FROM scheduled_instances WHERE id = $1`, id))
	if err != nil {
		return nil, wrapNoRows(err, "scheduled instance", id)
	}
	return inst, nil
}

// ListScheduledDue returns scheduled instances whose fire time is at or
// before cutoff, oldest first.
func (s *PostgresStore) ListScheduledDue(ctx context.Context, cutoff time.Time, limit int) ([]domain.ScheduledInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM scheduled_instances
		WHERE status = 'scheduled' AND fire_time IS NOT NULL AND fire_time <= $1
		ORDER BY fire_time`
	args := []interface{}{cutoff}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}
	return s.queryInstances(ctx, query, args...)
}

// ListInstances returns an event's instances ordered by fire time. status
// narrows the listing when set.
func (s *PostgresStore) ListInstances(ctx context.Context, eventID, status string, limit int) ([]domain.ScheduledInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM scheduled_instances`
	args := []interface{}{}
	argIdx := 1
	conditions := []string{}

	if eventID != "" {
		conditions = append(conditions, fmt.Sprintf("event_id = $%d::uuid", argIdx))
		args = append(args, eventID)
		argIdx++
	}
	if status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, status)
		argIdx++
	}

	query += whereClause(conditions)
	query += " ORDER BY fire_time NULLS LAST, id"

	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, limit)
	}
	return s.queryInstances(ctx, query, args...)
}

func (s *PostgresStore) queryInstances(ctx context.Context, query string, args ...interface{}) ([]domain.ScheduledInstance, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying scheduled instances: %w", err)
	}
	defer rows.Close()

	instances := []domain.ScheduledInstance{}
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning scheduled instance: %w", err)
		}
		instances = append(instances, *inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating scheduled instances: %w", err)
	}
	return instances, nil
}

// MarkInstanceSent freezes the recipient count. It only applies to an
// instance that is still scheduled.
func (s *PostgresStore) MarkInstanceSent(ctx context.Context, id string, recipientCount int, sentAt time.Time) error {
	result, err := s.pool.Exec(ctx, `
		UPDATE scheduled_instances
		SET status = 'sent', recipient_count = $2, sent_at = $3, error_message = '', updated_at = $3
		WHERE id = $1 AND status = 'scheduled'
	`, id, recipientCount, sentAt)
	if err != nil {
		return fmt.Errorf("marking instance sent: %w", err)
	}
	return s.checkInstanceUpdated(ctx, id, result.RowsAffected())
}

func (s *PostgresStore) MarkInstanceFailed(ctx context.Context, id, message string) error {
	result, err := s.pool.Exec(ctx, `
		UPDATE scheduled_instances
		SET status = 'failed', error_message = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'scheduled'
	`, id, message)
	if err != nil {
		return fmt.Errorf("marking instance failed: %w", err)
	}
	return s.checkInstanceUpdated(ctx, id, result.RowsAffected())
}

func (s *PostgresStore) checkInstanceUpdated(ctx context.Context, id string, affected int64) error {
	if affected > 0 {
		return nil
	}
	if _, err := s.GetInstance(ctx, id); err != nil {
		return err
	}
	return domain.ErrConflict
}
