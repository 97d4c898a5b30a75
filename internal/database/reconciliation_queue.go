package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"homestay/internal/domain"
	"homestay/internal/models"
)

const taskSelect = `SELECT id, session_id, payment_intent_id, guest_id, listing_id, check_in, check_out, guests,
		amount, reason, status, retry_count, last_error, created_at, processed_at, next_retry_at
	FROM reconciliation_queue`

func scanTask(row rowScanner) (*models.ReconciliationTask, error) {
	var (
		t                 models.ReconciliationTask
		checkIn, checkOut string
	)
	err := row.Scan(
		&t.ID, &t.SessionID, &t.PaymentIntentID, &t.GuestID, &t.ListingID, &checkIn, &checkOut, &t.Guests,
		&t.Amount, &t.Reason, &t.Status, &t.RetryCount, &t.LastError, &t.CreatedAt, &t.ProcessedAt, &t.NextRetryAt,
	)
	if err != nil {
		return nil, err
	}
	t.CheckIn, _ = time.Parse(models.DateLayout, checkIn)
	t.CheckOut, _ = time.Parse(models.DateLayout, checkOut)
	return &t, nil
}

// CreateReconciliationTask records a paid session that lost its dates.
// Recording the same session twice is a no-op that returns the stored task ID.
func (db *DB) CreateReconciliationTask(ctx context.Context, task *models.ReconciliationTask) error {
	if task.Status == "" {
		task.Status = models.TaskPending
	}
	now := time.Now()
	result, err := db.ExecContext(ctx, `INSERT INTO reconciliation_queue (
			session_id, payment_intent_id, guest_id, listing_id, check_in, check_out, guests,
			amount, reason, status, retry_count, last_error, created_at, next_retry_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.SessionID,
		task.PaymentIntentID,
		task.GuestID,
		task.ListingID,
		task.CheckIn.Format(models.DateLayout),
		task.CheckOut.Format(models.DateLayout),
		task.Guests,
		task.Amount,
		task.Reason,
		task.Status,
		task.RetryCount,
		task.LastError,
		now,
		task.NextRetryAt,
	)
	if err != nil {
		if errors.Is(mapWriteError(err), domain.ErrDuplicateSession) {
			return db.QueryRowContext(ctx, `SELECT id FROM reconciliation_queue WHERE session_id = ?`, task.SessionID).Scan(&task.ID)
		}
		return fmt.Errorf("failed to create reconciliation task: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	task.ID = id
	task.CreatedAt = now
	return nil
}

func (db *DB) GetReconciliationTask(ctx context.Context, id int64) (*models.ReconciliationTask, error) {
	t, err := scanTask(db.QueryRowContext(ctx, taskSelect+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reconciliation task: %w", err)
	}
	return t, nil
}

func (db *DB) GetReconciliationTaskBySession(ctx context.Context, sessionID string) (*models.ReconciliationTask, error) {
	t, err := scanTask(db.QueryRowContext(ctx, taskSelect+` WHERE session_id = ?`, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reconciliation task by session: %w", err)
	}
	return t, nil
}

func (db *DB) GetPendingReconciliationTasks(ctx context.Context, limit int) ([]*models.ReconciliationTask, error) {
	rows, err := db.QueryContext(ctx, taskSelect+`
		WHERE status IN (?, ?) AND (next_retry_at IS NULL OR next_retry_at <= ?)
		ORDER BY created_at ASC LIMIT ?`,
		models.TaskPending, models.TaskRetry, time.Now().UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending reconciliation tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.ReconciliationTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reconciliation task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (db *DB) UpdateReconciliationTask(ctx context.Context, id int64, status string, retryCount int, lastError *string, nextRetryAt *time.Time) error {
	if nextRetryAt != nil {
		utc := nextRetryAt.UTC()
		nextRetryAt = &utc
	}

	var processedAt *time.Time
	if status == models.TaskCompleted || status == models.TaskFailed {
		now := time.Now().UTC()
		processedAt = &now
	}

	res, err := db.ExecContext(ctx,
		`UPDATE reconciliation_queue SET status = ?, retry_count = ?, last_error = ?, next_retry_at = ?,
			processed_at = COALESCE(?, processed_at)
		WHERE id = ?`,
		status, retryCount, lastError, nextRetryAt, processedAt, id)
	if err != nil {
		return fmt.Errorf("failed to update reconciliation task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrTaskNotFound
	}
	return nil
}
