package transport

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/voyantlabs/concourse/internal/models"
	"github.com/voyantlabs/concourse/internal/protocol"
	"gorm.io/gorm"
)

// Options tunes a GormTransport.
type Options struct {
	PollInterval time.Duration // wait between polls of an empty queue
	Lease        time.Duration // how long a claim holds before redelivery
	MaxAttempts  int           // deliveries before a message goes dead
}

// GormTransport stores queue messages as rows. Publish commits the row before
// returning; Consume claims rows with an optimistic status transition so
// concurrent consumers on the same queue never double-claim.
type GormTransport struct {
	db   *gorm.DB
	opts Options

	mu       sync.Mutex
	declared map[string]bool
}

// New creates a GormTransport over db.
func New(db *gorm.DB, opts Options) (*GormTransport, error) {
	if db == nil {
		return nil, fmt.Errorf("transport: db is required")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 250 * time.Millisecond
	}
	if opts.Lease <= 0 {
		opts.Lease = 30 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	return &GormTransport{
		db:       db,
		opts:     opts,
		declared: make(map[string]bool),
	}, nil
}

// Declare ensures the named queue exists. Queues are implicit in the row
// schema, so this only records the name; declaring twice is a no-op.
func (t *GormTransport) Declare(ctx context.Context, queue string) error {
	if queue == "" {
		return fmt.Errorf("transport: queue is required")
	}
	t.mu.Lock()
	t.declared[queue] = true
	t.mu.Unlock()
	return nil
}

// Publish durably stores the envelope on the named queue.
func (t *GormTransport) Publish(ctx context.Context, queue string, env *protocol.Envelope) error {
	if queue == "" {
		return fmt.Errorf("transport: queue is required")
	}
	if env == nil {
		return fmt.Errorf("transport: envelope is required")
	}
	if err := env.Validate(); err != nil {
		return fmt.Errorf("transport: publish to %s: %w", queue, err)
	}
	data, err := protocol.Marshal(env)
	if err != nil {
		return fmt.Errorf("transport: publish to %s: %w", queue, err)
	}

	row := models.QueueMessage{
		Queue:     queue,
		MessageID: env.MessageID,
		Envelope:  string(data),
		Status:    models.QueuePending,
	}
	if err := t.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("transport: publish to %s: %w", queue, err)
	}
	return nil
}

// Consume delivers envelopes from the named queue to handler, one in flight
// at a time, until ctx is cancelled. A delivery is acknowledged only after
// handler returns nil; a handler error leaves the row in flight so the
// sweeper redelivers it after the lease expires.
func (t *GormTransport) Consume(ctx context.Context, queue string, handler Handler) error {
	if queue == "" {
		return fmt.Errorf("transport: queue is required")
	}
	if handler == nil {
		return fmt.Errorf("transport: handler is required")
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		row, err := t.claimOne(ctx, queue)
		if err != nil {
			return fmt.Errorf("transport: consume %s: %w", queue, err)
		}
		if row == nil {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(t.opts.PollInterval):
			}
			continue
		}

		env, err := protocol.DecodeEnvelope([]byte(row.Envelope))
		if err != nil {
			// Malformed envelope: reject permanently, never redeliver.
			log.Printf("transport: %s: dropping malformed message %d: %v", queue, row.ID, err)
			t.markDead(ctx, row.ID, err.Error())
			continue
		}

		if err := handler(ctx, env); err != nil {
			log.Printf("transport: %s: handler error on %s (attempt %d): %v", queue, env.MessageID, row.Attempts, err)
			continue // left inflight; sweeper requeues after lease
		}

		if err := t.ack(ctx, row.ID); err != nil {
			// Handler succeeded but the ack did not stick; the message will
			// be redelivered, which at-least-once permits.
			log.Printf("transport: %s: ack failed for %s: %v", queue, env.MessageID, err)
		}
	}
}

// Close releases transport resources. The underlying DB is owned by the
// caller and stays open.
func (t *GormTransport) Close() error {
	return nil
}

// claimOne atomically claims the oldest pending row of the queue. Returns
// nil, nil when the queue is empty.
func (t *GormTransport) claimOne(ctx context.Context, queue string) (*models.QueueMessage, error) {
	for {
		var row models.QueueMessage
		err := t.db.WithContext(ctx).
			Where("queue = ? AND status = ?", queue, models.QueuePending).
			Order("id ASC").
			First(&row).Error
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		now := time.Now()
		res := t.db.WithContext(ctx).Model(&models.QueueMessage{}).
			Where("id = ? AND status = ?", row.ID, models.QueuePending).
			Updates(map[string]interface{}{
				"status":     models.QueueInflight,
				"claimed_at": now,
				"attempts":   gorm.Expr("attempts + 1"),
			})
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 0 {
			continue // lost the race to another consumer
		}
		row.Status = models.QueueInflight
		row.ClaimedAt = &now
		row.Attempts++
		return &row, nil
	}
}

// ack marks a delivery as acknowledged.
func (t *GormTransport) ack(ctx context.Context, id uint) error {
	now := time.Now()
	res := t.db.WithContext(ctx).Model(&models.QueueMessage{}).
		Where("id = ? AND status = ?", id, models.QueueInflight).
		Updates(map[string]interface{}{"status": models.QueueAcked, "acked_at": now})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("message %d is no longer inflight", id)
	}
	return nil
}

// markDead permanently rejects a message.
func (t *GormTransport) markDead(ctx context.Context, id uint, reason string) {
	if len(reason) > 256 {
		reason = reason[:256]
	}
	err := t.db.WithContext(ctx).Model(&models.QueueMessage{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"status": models.QueueDead, "reason": reason}).Error
	if err != nil {
		log.Printf("transport: mark dead %d: %v", id, err)
	}
}

// Sweep returns expired inflight messages to pending for redelivery, and
// moves messages past MaxAttempts to dead. It is scheduled periodically by
// the application.
func (t *GormTransport) Sweep(ctx context.Context) error {
	cutoff := time.Now().Add(-t.opts.Lease)

	res := t.db.WithContext(ctx).Model(&models.QueueMessage{}).
		Where("status = ? AND claimed_at < ? AND attempts >= ?", models.QueueInflight, cutoff, t.opts.MaxAttempts).
		Updates(map[string]interface{}{"status": models.QueueDead, "reason": "max delivery attempts exceeded"})
	if res.Error != nil {
		return fmt.Errorf("transport: sweep: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		log.Printf("transport: sweep: %d message(s) moved to dead", res.RowsAffected)
	}

	res = t.db.WithContext(ctx).Model(&models.QueueMessage{}).
		Where("status = ? AND claimed_at < ?", models.QueueInflight, cutoff).
		Updates(map[string]interface{}{"status": models.QueuePending, "claimed_at": nil})
	if res.Error != nil {
		return fmt.Errorf("transport: sweep: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		log.Printf("transport: sweep: %d message(s) requeued", res.RowsAffected)
	}
	return nil
}

// Deadletter publishes an envelope to the deadletter queue with a reason
// recorded in its context map.
func (t *GormTransport) Deadletter(ctx context.Context, env *protocol.Envelope, reason string) error {
	if env == nil {
		return fmt.Errorf("transport: envelope is required")
	}
	copied := *env
	if copied.Context == nil {
		copied.Context = map[string]any{}
	} else {
		copied.Context = make(map[string]any, len(env.Context)+1)
		for k, v := range env.Context {
			copied.Context[k] = v
		}
	}
	copied.Context["deadletter_reason"] = reason
	return t.Publish(ctx, DeadletterQueue, &copied)
}

// Depth reports how many messages are pending on the named queue.
func (t *GormTransport) Depth(ctx context.Context, queue string) (int64, error) {
	var n int64
	err := t.db.WithContext(ctx).Model(&models.QueueMessage{}).
		Where("queue = ? AND status = ?", queue, models.QueuePending).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("transport: depth %s: %w", queue, err)
	}
	return n, nil
}
