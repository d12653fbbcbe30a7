// Package notify delivers best-effort user notifications. Enqueue never
// blocks: notifications go on a bounded queue drained by a background
// worker that persists each one to the inbox and publishes it on NATS.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"carbonmarket/apperr"
	"carbonmarket/models"

	"github.com/google/uuid"
)

const deliverTimeout = 5 * time.Second

type Store interface {
	CreateNotification(ctx context.Context, n models.Notification) error
}

// Publisher is implemented by *nats.Conn.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Subject is the NATS subject a user's notifications are published on.
func Subject(userID string) string {
	return "notifications." + userID
}

type Emitter struct {
	store  Store
	pub    Publisher
	logger *slog.Logger
	now    func() time.Time

	mu     sync.RWMutex
	closed bool
	queue  chan models.Notification
	wg     sync.WaitGroup
}

// NewEmitter returns a stopped emitter; call Start. pub may be nil when no
// NATS server is configured.
func NewEmitter(store Store, pub Publisher, logger *slog.Logger, size int) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	if size <= 0 {
		size = 1
	}
	return &Emitter{
		store:  store,
		pub:    pub,
		logger: logger,
		now:    time.Now,
		queue:  make(chan models.Notification, size),
	}
}

func (e *Emitter) Start() {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.logger.Info("notification worker started")
		for n := range e.queue {
			e.deliver(n)
		}
		e.logger.Info("notification worker stopped")
	}()
}

func (e *Emitter) Enqueue(ctx context.Context, userID, subject, message string) error {
	n := models.Notification{
		ID:        uuid.NewString(),
		UserID:    userID,
		Subject:   subject,
		Message:   message,
		Status:    models.NotificationUnread,
		CreatedAt: e.now().UTC(),
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return apperr.New(apperr.KindNotification, "notification emitter closed, dropped %q", subject)
	}
	select {
	case e.queue <- n:
		return nil
	default:
		return apperr.New(apperr.KindNotification, "notification queue full, dropped %q for %s", subject, userID)
	}
}

// Close stops accepting notifications and waits for the queue to drain.
func (e *Emitter) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.queue)
	e.mu.Unlock()
	e.wg.Wait()
}

func (e *Emitter) deliver(n models.Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
	defer cancel()

	if err := e.store.CreateNotification(ctx, n); err != nil {
		e.logger.Error("notification not stored", "notification_id", n.ID, "user_id", n.UserID, "error", err)
	}
	if e.pub == nil {
		return
	}
	data, err := json.Marshal(n)
	if err != nil {
		e.logger.Error("notification not encoded", "notification_id", n.ID, "error", err)
		return
	}
	if err := e.pub.Publish(Subject(n.UserID), data); err != nil {
		e.logger.Error("notification not published", "notification_id", n.ID, "user_id", n.UserID, "error", err)
	}
}
