package models

import "time"

// Queue message lifecycle states.
const (
	QueuePending  = "pending"
	QueueInflight = "inflight"
	QueueAcked    = "acked"
	QueueDead     = "dead"
)

// QueueMessage is one durably stored envelope on a named queue. A message is
// claimed (pending → inflight), handled, then acked; inflight rows whose
// lease expires return to pending, so delivery is at-least-once.
type QueueMessage struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	Queue     string    `gorm:"size:128;not null;index:idx_queue_status,priority:1"`
	MessageID string    `gorm:"size:64;not null;index"`
	Envelope  string    `gorm:"type:text;not null"`
	Status    string    `gorm:"size:16;default:pending;index:idx_queue_status,priority:2"`
	Attempts  int       `gorm:"default:0"`
	Reason    string    `gorm:"size:256"`
	CreatedAt time.Time
	ClaimedAt *time.Time
	AckedAt   *time.Time
}
