package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"homestay/internal/domain"
	"homestay/internal/events"
	"homestay/internal/metrics"
	"homestay/internal/models"
	"homestay/internal/payments"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Task results reported to metrics.
const (
	ResultRefunded = "refunded"
	ResultManual   = "manual"
	ResultRetry    = "retry"
	ResultFailed   = "failed"
)

// Refunder returns money for a payment intent. payments.Gateway satisfies it.
type Refunder interface {
	Refund(ctx context.Context, paymentIntentID string, amount int64, idempotencyKey string) (string, error)
}

// ReconciliationWorker follows up on paid sessions that lost their dates: it refunds
// them when auto refund is on and parks them for an operator otherwise.
type ReconciliationWorker struct {
	queue         domain.ReconciliationQueue
	refunder      Refunder
	redis         *redis.Client
	retryPolicy   RetryPolicy
	autoRefund    bool
	local         chan int64
	redisQueueKey   string
	deadLetterKey   string
	pollInterval    time.Duration
	scheduleTimeout time.Duration
	batchSize       int
	logger          *zerolog.Logger
}

func NewReconciliationWorker(
	queue domain.ReconciliationQueue,
	refunder Refunder,
	redisClient *redis.Client,
	retry RetryPolicy,
	autoRefund bool,
	pollInterval time.Duration,
	logger *zerolog.Logger,
) *ReconciliationWorker {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	l := logger.With().Str("component", "reconciliation_worker").Logger()
	return &ReconciliationWorker{
		queue:         queue,
		refunder:      refunder,
		redis:         redisClient,
		retryPolicy:   retry.withDefaults(),
		autoRefund:    autoRefund,
		local:         make(chan int64, 128),
		redisQueueKey:   "homestay:reconcile:queue",
		deadLetterKey:   "homestay:reconcile:deadletter",
		pollInterval:    pollInterval,
		scheduleTimeout: 2 * time.Second,
		batchSize:       20,
		logger:          &l,
	}
}

// Attach wakes the worker whenever a conflict is recorded. The handler runs off the
// publishing goroutine, so a slow redis never holds up a request.
func (w *ReconciliationWorker) Attach(bus *events.EventBus) {
	bus.SubscribeAsync(events.EventPaymentConflict, func(event *events.Event) error {
		var task models.ReconciliationTask
		if err := json.Unmarshal(event.Payload, &task); err != nil {
			return fmt.Errorf("decode conflict event: %w", err)
		}
		if task.ID == 0 || task.Status == models.TaskManual {
			// not persisted, or waiting on an operator
			return nil
		}
		w.Schedule(context.Background(), task.ID)
		return nil
	})
}

// Schedule hands a task to the fast path. Tasks missed here are still found by polling.
func (w *ReconciliationWorker) Schedule(ctx context.Context, taskID int64) {
	if w.redis != nil {
		pushCtx, cancel := context.WithTimeout(ctx, w.scheduleTimeout)
		err := w.redis.LPush(pushCtx, w.redisQueueKey, strconv.FormatInt(taskID, 10)).Err()
		cancel()
		if err == nil {
			return
		}
		w.logger.Warn().Err(err).Int64("task_id", taskID).Msg("redis push failed, fallback to memory queue")
	}
	select {
	case w.local <- taskID:
	default:
		w.logger.Warn().Int64("task_id", taskID).Msg("memory queue full, task left to polling")
	}
}

// Start runs until ctx is done.
func (w *ReconciliationWorker) Start(ctx context.Context) {
	w.logger.Info().Bool("auto_refund", w.autoRefund).Msg("started")
	defer w.logger.Info().Msg("stopped")

	for ctx.Err() == nil {
		if w.RunOnce(ctx) == 0 {
			select {
			case <-ctx.Done():
			case <-time.After(w.pollInterval):
			}
		}
	}
}

// RunOnce processes what is immediately available and returns the number of tasks handled.
func (w *ReconciliationWorker) RunOnce(ctx context.Context) int {
	if id, ok := w.tryLocal(); ok {
		w.processByID(ctx, id)
		return 1
	}
	if id, ok := w.tryRedis(ctx); ok {
		w.processByID(ctx, id)
		return 1
	}

	tasks, err := w.queue.GetPendingReconciliationTasks(ctx, w.batchSize)
	if err != nil {
		w.logger.Error().Err(err).Msg("fetch pending tasks")
		return 0
	}
	for _, task := range tasks {
		w.process(ctx, task)
	}
	return len(tasks)
}

func (w *ReconciliationWorker) tryLocal() (int64, bool) {
	select {
	case id := <-w.local:
		return id, true
	default:
		return 0, false
	}
}

func (w *ReconciliationWorker) tryRedis(ctx context.Context) (int64, bool) {
	if w.redis == nil {
		return 0, false
	}
	raw, err := w.redis.RPop(ctx, w.redisQueueKey).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
			w.logger.Warn().Err(err).Msg("redis pop failed")
		}
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		w.logger.Error().Err(err).Str("raw", raw).Msg("decode redis task id")
		return 0, false
	}
	return id, true
}

func (w *ReconciliationWorker) processByID(ctx context.Context, id int64) {
	task, err := w.queue.GetReconciliationTask(ctx, id)
	if err != nil {
		w.logger.Error().Err(err).Int64("task_id", id).Msg("load task")
		return
	}
	// the same task may arrive through several paths
	if task.Status != models.TaskPending && task.Status != models.TaskRetry {
		return
	}
	if task.NextRetryAt != nil && task.NextRetryAt.After(time.Now()) {
		return
	}
	w.process(ctx, task)
}

func (w *ReconciliationWorker) process(ctx context.Context, task *models.ReconciliationTask) {
	log := w.logger.With().Int64("task_id", task.ID).Str("session_id", task.SessionID).Logger()

	if !w.autoRefund {
		reason := "auto refund disabled: " + task.Reason
		if err := w.queue.UpdateReconciliationTask(ctx, task.ID, models.TaskManual, task.RetryCount, &reason, nil); err != nil {
			log.Error().Err(err).Msg("mark manual")
			return
		}
		metrics.IncReconciliationTask(ResultManual)
		log.Warn().Int64("amount", task.Amount).Msg("paid session needs manual follow-up")
		return
	}

	if task.PaymentIntentID == "" {
		w.fail(ctx, task, errors.New("payment intent missing, cannot refund"))
		return
	}

	refundID, err := w.refunder.Refund(ctx, task.PaymentIntentID, payments.ToMinorUnits(task.Amount), "refund-"+task.SessionID)
	if err != nil {
		w.retryOrFail(ctx, task, err)
		return
	}

	if err := w.queue.UpdateReconciliationTask(ctx, task.ID, models.TaskCompleted, task.RetryCount, nil, nil); err != nil {
		log.Error().Err(err).Str("refund_id", refundID).Msg("mark completed")
		return
	}
	metrics.IncReconciliationTask(ResultRefunded)
	log.Info().Str("refund_id", refundID).Int64("amount", task.Amount).Msg("paid session refunded")
}

func (w *ReconciliationWorker) retryOrFail(ctx context.Context, task *models.ReconciliationTask, cause error) {
	attempt := task.RetryCount + 1
	if attempt >= w.retryPolicy.MaxRetries {
		task.RetryCount = attempt
		w.fail(ctx, task, cause)
		return
	}

	next := time.Now().Add(w.retryPolicy.NextDelay(attempt))
	msg := cause.Error()
	if err := w.queue.UpdateReconciliationTask(ctx, task.ID, models.TaskRetry, attempt, &msg, &next); err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("mark retry")
		return
	}
	metrics.IncReconciliationTask(ResultRetry)
	w.logger.Warn().Err(cause).Int64("task_id", task.ID).Int("attempt", attempt).Time("next_retry_at", next).Msg("refund failed, will retry")
}

func (w *ReconciliationWorker) fail(ctx context.Context, task *models.ReconciliationTask, cause error) {
	msg := cause.Error()
	if err := w.queue.UpdateReconciliationTask(ctx, task.ID, models.TaskFailed, task.RetryCount, &msg, nil); err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("mark failed")
	}
	metrics.IncReconciliationTask(ResultFailed)
	w.logger.Error().Err(cause).Int64("task_id", task.ID).Str("session_id", task.SessionID).Msg("refund failed permanently")
	w.pushDeadLetter(ctx, task)
}

func (w *ReconciliationWorker) pushDeadLetter(ctx context.Context, task *models.ReconciliationTask) {
	if w.redis == nil {
		return
	}
	data, err := json.Marshal(task)
	if err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("encode deadletter")
		return
	}
	if err := w.redis.LPush(ctx, w.deadLetterKey, data).Err(); err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("deadletter push")
	}
}
