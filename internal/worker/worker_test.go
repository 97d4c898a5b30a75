package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"homestay/internal/database"
	"homestay/internal/events"
	"homestay/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type fakeRefunder struct {
	mu    sync.Mutex
	err   error
	calls []refundCall
}

type refundCall struct {
	intent string
	amount int64
	key    string
}

func (f *fakeRefunder) Refund(_ context.Context, intent string, amount int64, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, refundCall{intent: intent, amount: amount, key: key})
	if f.err != nil {
		return "", f.err
	}
	return "re_" + intent, nil
}

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	logger := zerolog.Nop()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "worker.db"), &logger)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTask(t *testing.T, db *database.DB, session, intent string) *models.ReconciliationTask {
	t.Helper()
	task := &models.ReconciliationTask{
		SessionID:       session,
		PaymentIntentID: intent,
		GuestID:         7,
		ListingID:       1,
		CheckIn:         time.Date(2030, 2, 1, 0, 0, 0, 0, time.UTC),
		CheckOut:        time.Date(2030, 2, 4, 0, 0, 0, 0, time.UTC),
		Guests:          2,
		Amount:          300,
		Reason:          "dates unavailable",
	}
	if err := db.CreateReconciliationTask(context.Background(), task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func newWorker(db *database.DB, refunder Refunder, rdb *redis.Client, retry RetryPolicy, autoRefund bool) *ReconciliationWorker {
	logger := zerolog.Nop()
	return NewReconciliationWorker(db, refunder, rdb, retry, autoRefund, time.Millisecond, &logger)
}

func loadTask(t *testing.T, db *database.DB, id int64) *models.ReconciliationTask {
	t.Helper()
	task, err := db.GetReconciliationTask(context.Background(), id)
	if err != nil {
		t.Fatalf("load task: %v", err)
	}
	return task
}

func TestProcessRefundSuccess(t *testing.T) {
	db := newTestDB(t)
	refunder := &fakeRefunder{}
	w := newWorker(db, refunder, nil, RetryPolicy{}, true)
	ctx := context.Background()

	task := newTask(t, db, "cs_1", "pi_1")
	if n := w.RunOnce(ctx); n != 1 {
		t.Fatalf("expected 1 task processed, got %d", n)
	}

	got := loadTask(t, db, task.ID)
	if got.Status != models.TaskCompleted {
		t.Fatalf("expected status=completed, got %s", got.Status)
	}
	if got.ProcessedAt == nil {
		t.Fatalf("expected processed_at to be set")
	}
	if len(refunder.calls) != 1 {
		t.Fatalf("expected 1 refund call, got %d", len(refunder.calls))
	}
	call := refunder.calls[0]
	if call.intent != "pi_1" || call.amount != 30000 || call.key != "refund-cs_1" {
		t.Fatalf("unexpected refund call: %+v", call)
	}

	if n := w.RunOnce(ctx); n != 0 {
		t.Fatalf("completed task must not be picked again, got %d", n)
	}
}

func TestProcessRefundRetry(t *testing.T) {
	db := newTestDB(t)
	refunder := &fakeRefunder{err: errors.New("gateway timeout")}
	w := newWorker(db, refunder, nil, RetryPolicy{MaxRetries: 3, InitialDelay: time.Hour}, true)
	ctx := context.Background()

	task := newTask(t, db, "cs_2", "pi_2")
	w.RunOnce(ctx)

	got := loadTask(t, db, task.ID)
	if got.Status != models.TaskRetry {
		t.Fatalf("expected status=retry, got %s", got.Status)
	}
	if got.RetryCount != 1 {
		t.Fatalf("expected retry_count=1, got %d", got.RetryCount)
	}
	if got.NextRetryAt == nil || got.NextRetryAt.Before(time.Now()) {
		t.Fatalf("expected next_retry_at in future, got %v", got.NextRetryAt)
	}
	if got.LastError == nil || *got.LastError != "gateway timeout" {
		t.Fatalf("expected last_error recorded, got %v", got.LastError)
	}

	if n := w.RunOnce(ctx); n != 0 {
		t.Fatalf("task scheduled later must not run now, got %d", n)
	}
}

func TestProcessRefundFailToDeadLetter(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	db := newTestDB(t)
	refunder := &fakeRefunder{err: errors.New("charge already refunded")}
	w := newWorker(db, refunder, rdb, RetryPolicy{MaxRetries: 1}, true)
	ctx := context.Background()

	task := newTask(t, db, "cs_3", "pi_3")
	w.RunOnce(ctx)

	got := loadTask(t, db, task.ID)
	if got.Status != models.TaskFailed {
		t.Fatalf("expected status=failed, got %s", got.Status)
	}

	items, err := rdb.LRange(ctx, w.deadLetterKey, 0, -1).Result()
	if err != nil {
		t.Fatalf("lrange: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 deadletter item, got %d", len(items))
	}
	var dead models.ReconciliationTask
	if err := json.Unmarshal([]byte(items[0]), &dead); err != nil {
		t.Fatalf("decode deadletter: %v", err)
	}
	if dead.SessionID != "cs_3" {
		t.Fatalf("expected deadletter for cs_3, got %s", dead.SessionID)
	}
}

func TestProcessMissingIntentFails(t *testing.T) {
	db := newTestDB(t)
	refunder := &fakeRefunder{}
	w := newWorker(db, refunder, nil, RetryPolicy{}, true)

	task := newTask(t, db, "cs_4", "")
	w.RunOnce(context.Background())

	if got := loadTask(t, db, task.ID); got.Status != models.TaskFailed {
		t.Fatalf("expected status=failed, got %s", got.Status)
	}
	if len(refunder.calls) != 0 {
		t.Fatalf("expected no refund call, got %d", len(refunder.calls))
	}
}

func TestProcessManualWhenAutoRefundOff(t *testing.T) {
	db := newTestDB(t)
	refunder := &fakeRefunder{}
	w := newWorker(db, refunder, nil, RetryPolicy{}, false)

	task := newTask(t, db, "cs_5", "pi_5")
	w.RunOnce(context.Background())

	got := loadTask(t, db, task.ID)
	if got.Status != models.TaskManual {
		t.Fatalf("expected status=manual, got %s", got.Status)
	}
	if len(refunder.calls) != 0 {
		t.Fatalf("expected no refund call, got %d", len(refunder.calls))
	}
	if n := w.RunOnce(context.Background()); n != 0 {
		t.Fatalf("manual task must not be picked again, got %d", n)
	}
}

func TestScheduleThroughRedisAndBus(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	db := newTestDB(t)
	refunder := &fakeRefunder{}
	w := newWorker(db, refunder, rdb, RetryPolicy{}, true)
	ctx := context.Background()

	bus := events.NewEventBus()
	w.Attach(bus)

	task := newTask(t, db, "cs_6", "pi_6")
	if err := bus.PublishJSON(events.EventPaymentConflict, task); err != nil {
		t.Fatalf("publish: %v", err)
	}
	bus.Wait()
	if n, _ := rdb.LLen(ctx, w.redisQueueKey).Result(); n != 1 {
		t.Fatalf("expected task id in redis queue, got %d", n)
	}

	if n := w.RunOnce(ctx); n != 1 {
		t.Fatalf("expected 1 task processed, got %d", n)
	}
	if got := loadTask(t, db, task.ID); got.Status != models.TaskCompleted {
		t.Fatalf("expected status=completed, got %s", got.Status)
	}

	// a second delivery of the same id is a no-op
	w.Schedule(ctx, task.ID)
	w.RunOnce(ctx)
	if len(refunder.calls) != 1 {
		t.Fatalf("expected a single refund, got %d", len(refunder.calls))
	}
}

func TestScheduleFallsBackToMemory(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { rdb.Close() })
	mr.Close()

	db := newTestDB(t)
	w := newWorker(db, &fakeRefunder{}, rdb, RetryPolicy{}, true)

	w.Schedule(context.Background(), 42)
	id, ok := w.tryLocal()
	if !ok || id != 42 {
		t.Fatalf("expected task 42 in memory queue, got %d %v", id, ok)
	}
}

// stalledRedis accepts connections and never answers.
func stalledRedis(t *testing.T) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	var mu sync.Mutex
	var conns []net.Conn
	go func() {
		for {
			c, err := lis.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		lis.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	})
	return lis.Addr().String()
}

func TestScheduleDoesNotBlockPublisher(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:                  stalledRedis(t),
		MaxRetries:            -1,
		ContextTimeoutEnabled: true,
	})
	t.Cleanup(func() { rdb.Close() })

	db := newTestDB(t)
	w := newWorker(db, &fakeRefunder{}, rdb, RetryPolicy{}, true)
	w.scheduleTimeout = 300 * time.Millisecond

	bus := events.NewEventBus()
	w.Attach(bus)

	task := newTask(t, db, "cs_stall", "pi_stall")
	start := time.Now()
	if err := bus.PublishJSON(events.EventPaymentConflict, task); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if elapsed := time.Since(start); elapsed >= w.scheduleTimeout {
		t.Fatalf("publish waited on redis for %s", elapsed)
	}

	bus.Wait()
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("redis push was not bounded, took %s", elapsed)
	}
	id, ok := w.tryLocal()
	if !ok || id != task.ID {
		t.Fatalf("expected task %d in memory queue, got %d %v", task.ID, id, ok)
	}
}

func TestAttachSkipsManualTasks(t *testing.T) {
	db := newTestDB(t)
	w := newWorker(db, &fakeRefunder{}, nil, RetryPolicy{}, true)

	bus := events.NewEventBus()
	w.Attach(bus)

	task := &models.ReconciliationTask{SessionID: "cs_manual", Status: models.TaskManual, Reason: "unreadable metadata"}
	if err := db.CreateReconciliationTask(context.Background(), task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := bus.PublishJSON(events.EventPaymentConflict, task); err != nil {
		t.Fatalf("publish: %v", err)
	}
	bus.Wait()

	if id, ok := w.tryLocal(); ok {
		t.Fatalf("manual task %d should not be scheduled", id)
	}
}

func TestStartStopsOnCancel(t *testing.T) {
	db := newTestDB(t)
	w := newWorker(db, &fakeRefunder{}, nil, RetryPolicy{}, true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("worker did not stop")
	}
}

func TestRetryPolicyNextDelay(t *testing.T) {
	policy := RetryPolicy{InitialDelay: time.Second, BackoffFactor: 2, MaxDelay: 5 * time.Second}
	if d := policy.NextDelay(1); d != time.Second {
		t.Fatalf("attempt1 expected 1s, got %s", d)
	}
	if d := policy.NextDelay(2); d != 2*time.Second {
		t.Fatalf("attempt2 expected 2s, got %s", d)
	}
	if d := policy.NextDelay(5); d != 5*time.Second {
		t.Fatalf("attempt5 expected capped 5s, got %s", d)
	}
}
