package models

import "time"

// Payment is a persisted payment record, keyed by the ap2 payment id.
type Payment struct {
	ID                 string  `gorm:"primaryKey;size:64"`
	BookingID          string  `gorm:"size:64;index"`
	WorkflowID         string  `gorm:"size:64;index"`
	Amount             float64 `gorm:"not null"`
	Currency           string  `gorm:"size:8;default:USD"`
	Status             string  `gorm:"size:16;index"`
	PaymentMethodToken string  `gorm:"size:128"`
	PaymentMethodType  string  `gorm:"size:32"`
	LastFour           string  `gorm:"size:4"`
	TransactionID      string  `gorm:"size:64;uniqueIndex"`
	ReceiptURL         string  `gorm:"size:256"`
	IdempotencyKey     string  `gorm:"size:64;uniqueIndex"`
	CreatedAt          time.Time
	PaidAt             *time.Time
	RefundedAt         *time.Time
}
