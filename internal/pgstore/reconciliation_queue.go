package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"homestay/internal/domain"
	"homestay/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CreateReconciliationTask records a paid session that lost its dates.
// Recording the same session twice returns the stored task ID.
func (s *Store) CreateReconciliationTask(ctx context.Context, task *models.ReconciliationTask) error {
	if task.Status == "" {
		task.Status = models.TaskPending
	}
	rec := taskRecord{
		SessionID:       task.SessionID,
		PaymentIntentID: task.PaymentIntentID,
		GuestID:         task.GuestID,
		ListingID:       task.ListingID,
		CheckIn:         models.TruncateDay(task.CheckIn),
		CheckOut:        models.TruncateDay(task.CheckOut),
		Guests:          task.Guests,
		Amount:          task.Amount,
		Reason:          task.Reason,
		Status:          task.Status,
		RetryCount:      task.RetryCount,
		LastError:       task.LastError,
		NextRetryAt:     task.NextRetryAt,
	}

	db := s.db.WithContext(ctx)
	res := db.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "session_id"}}, DoNothing: true}).Create(&rec)
	if res.Error != nil {
		return fmt.Errorf("failed to create reconciliation task: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		var existing taskRecord
		if err := db.Where("session_id = ?", task.SessionID).First(&existing).Error; err != nil {
			return fmt.Errorf("failed to load existing reconciliation task: %w", err)
		}
		task.ID = existing.ID
		task.CreatedAt = existing.CreatedAt
		return nil
	}
	task.ID = rec.ID
	task.CreatedAt = rec.CreatedAt
	return nil
}

func (s *Store) getTask(q *gorm.DB) (*models.ReconciliationTask, error) {
	var rec taskRecord
	err := q.First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reconciliation task: %w", err)
	}
	return rec.toModel(), nil
}

func (s *Store) GetReconciliationTask(ctx context.Context, id int64) (*models.ReconciliationTask, error) {
	return s.getTask(s.db.WithContext(ctx).Where("id = ?", id))
}

func (s *Store) GetReconciliationTaskBySession(ctx context.Context, sessionID string) (*models.ReconciliationTask, error) {
	return s.getTask(s.db.WithContext(ctx).Where("session_id = ?", sessionID))
}

func (s *Store) GetPendingReconciliationTasks(ctx context.Context, limit int) ([]*models.ReconciliationTask, error) {
	var recs []taskRecord
	err := s.db.WithContext(ctx).
		Where("status IN ?", []string{models.TaskPending, models.TaskRetry}).
		Where("next_retry_at IS NULL OR next_retry_at <= ?", time.Now().UTC()).
		Order("created_at ASC").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get pending reconciliation tasks: %w", err)
	}
	tasks := make([]*models.ReconciliationTask, 0, len(recs))
	for i := range recs {
		tasks = append(tasks, recs[i].toModel())
	}
	return tasks, nil
}

func (s *Store) UpdateReconciliationTask(ctx context.Context, id int64, status string, retryCount int, lastError *string, nextRetryAt *time.Time) error {
	updates := map[string]interface{}{
		"status":        status,
		"retry_count":   retryCount,
		"last_error":    lastError,
		"next_retry_at": nextRetryAt,
	}
	if status == models.TaskCompleted || status == models.TaskFailed {
		updates["processed_at"] = time.Now().UTC()
	}

	res := s.db.WithContext(ctx).Model(&taskRecord{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to update reconciliation task: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.ErrTaskNotFound
	}
	return nil
}
