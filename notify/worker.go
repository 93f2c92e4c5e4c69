package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"gorm.io/gorm"

	"fortflux/models"
)

const maxAttempts = 5

// Worker delivers queued notifications to external subscribers.
type Worker struct {
	db     *gorm.DB
	queue  *Queue
	client *http.Client
	logger *slog.Logger
	nowFn  func() time.Time

	rateMu sync.Mutex
	rate   map[int64]rateWindow
}

type rateWindow struct {
	windowStart time.Time
	count       int
}

func NewWorker(db *gorm.DB, queue *Queue, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		db:     db,
		queue:  queue,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
		nowFn:  time.Now,
		rate:   make(map[int64]rateWindow),
	}
}

// SetNowFunc overrides the clock, for tests.
func (w *Worker) SetNowFunc(fn func() time.Time) {
	if fn != nil {
		w.nowFn = fn
	}
}

// SetHTTPClient overrides the outbound client, for tests.
func (w *Worker) SetHTTPClient(client *http.Client) {
	if client != nil {
		w.client = client
	}
}

// Run processes delivery tasks until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		task, ok := w.queue.Dequeue(ctx)
		if !ok {
			return
		}
		if task.Subscription == nil {
			w.expandTask(ctx, task)
			continue
		}
		w.handleDelivery(ctx, task)
	}
}

func (w *Worker) expandTask(ctx context.Context, task Task) {
	var subs []models.WebhookSubscription
	err := w.db.WithContext(ctx).
		Where("active = ? AND (event_type = ? OR event_type = '')", true, task.Notification.Kind).
		Find(&subs).Error
	if err != nil {
		w.logger.Error("list webhook subscriptions", "error", err)
		return
	}
	for i := range subs {
		sub := subs[i]
		w.queue.enqueueTask(Task{
			Notification: task.Notification,
			Subscription: &sub,
		})
	}
}

func (w *Worker) handleDelivery(ctx context.Context, task Task) {
	sub := task.Subscription
	if sub == nil || !sub.Active {
		return
	}
	now := w.nowFn()
	if !w.allow(sub.ID, sub.RateLimit, now) {
		task.NotBefore = w.rateReset(sub.ID)
		w.queue.enqueueTask(task)
		return
	}
	body := map[string]interface{}{
		"id":        task.Notification.ID.String(),
		"kind":      task.Notification.Kind,
		"user_id":   task.Notification.UserID.String(),
		"body":      task.Notification.Body,
		"timestamp": task.Notification.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if task.Notification.TransactionID != nil {
		body["transaction_id"] = task.Notification.TransactionID.String()
	}
	payload, err := json.Marshal(body)
	if err != nil {
		w.recordAttempt(ctx, task, "error", err.Error(), now, nil)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		w.recordAttempt(ctx, task, "error", err.Error(), now, nil)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", signPayload(sub.Secret, payload))

	resp, err := w.client.Do(req)
	if err != nil {
		w.retryLater(ctx, task, err.Error())
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		w.retryLater(ctx, task, resp.Status)
		return
	}
	w.recordAttempt(ctx, task, "success", "", now, nil)
}

func (w *Worker) retryLater(ctx context.Context, task Task, errMsg string) {
	now := w.nowFn()
	attemptNum := task.Attempt + 1
	next := now.Add(backoffDuration(attemptNum))
	w.recordAttempt(ctx, task, "failed", errMsg, now, &next)
	if attemptNum >= maxAttempts {
		w.logger.Warn("webhook delivery abandoned",
			"subscription", task.Subscription.ID,
			"notification", task.Notification.ID,
			"attempts", attemptNum)
		return
	}
	task.Attempt++
	task.NotBefore = next
	w.queue.enqueueTask(task)
}

func backoffDuration(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	d := time.Second * time.Duration(1<<uint(attempt-1))
	if d > 5*time.Minute {
		return 5 * time.Minute
	}
	return d
}

func (w *Worker) recordAttempt(ctx context.Context, task Task, status, errMsg string, now time.Time, next *time.Time) {
	attempt := models.WebhookAttempt{
		WebhookID:      task.Subscription.ID,
		NotificationID: task.Notification.ID,
		Attempt:        task.Attempt + 1,
		Status:         status,
		Error:          errMsg,
		NextAttempt:    next,
		CreatedAt:      now,
	}
	if err := w.db.WithContext(ctx).Create(&attempt).Error; err != nil {
		w.logger.Error("record webhook attempt", "error", err)
	}
}

func (w *Worker) allow(id int64, limit int, now time.Time) bool {
	if limit <= 0 {
		limit = 60
	}
	w.rateMu.Lock()
	defer w.rateMu.Unlock()
	state := w.rate[id]
	if now.Sub(state.windowStart) >= time.Minute {
		state.windowStart = now
		state.count = 0
	}
	if state.count >= limit {
		w.rate[id] = state
		return false
	}
	state.count++
	w.rate[id] = state
	return true
}

func (w *Worker) rateReset(id int64) time.Time {
	w.rateMu.Lock()
	defer w.rateMu.Unlock()
	state := w.rate[id]
	if state.windowStart.IsZero() {
		state.windowStart = w.nowFn()
	}
	reset := state.windowStart.Add(time.Minute)
	w.rate[id] = state
	return reset
}

func signPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
