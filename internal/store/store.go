// Package store persists payment and booking records. Writes are idempotent,
// keyed by payment id, idempotency key, or booking reference, so handlers
// replayed under at-least-once delivery produce no duplicate side effects.
package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/voyantlabs/concourse/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrBookingExists reports that a booking reference is already taken by a
// different booking. Callers generating references should draw a new one.
var ErrBookingExists = errors.New("booking reference already in use")

// CreatePayment inserts a payment record. Re-inserting the same payment id
// (or idempotency key) is a no-op, returning the already-stored row.
func CreatePayment(db *gorm.DB, p *models.Payment) (*models.Payment, error) {
	if p == nil {
		return nil, fmt.Errorf("store: payment is required")
	}
	if p.ID == "" {
		return nil, fmt.Errorf("store: payment id is required")
	}

	res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(p)
	if res.Error != nil {
		return nil, fmt.Errorf("store: create payment %s: %w", p.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return GetPayment(db, p.ID)
	}
	return p, nil
}

// GetPayment looks up a payment by id. Returns nil, nil when absent.
func GetPayment(db *gorm.DB, id string) (*models.Payment, error) {
	if id == "" {
		return nil, fmt.Errorf("store: payment id is required")
	}
	var p models.Payment
	err := db.Where("id = ?", id).First(&p).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get payment %s: %w", id, err)
	}
	return &p, nil
}

// GetPaymentByIdempotencyKey looks up a payment by its idempotency key.
// Returns nil, nil when absent.
func GetPaymentByIdempotencyKey(db *gorm.DB, key string) (*models.Payment, error) {
	if key == "" {
		return nil, fmt.Errorf("store: idempotency key is required")
	}
	var p models.Payment
	err := db.Where("idempotency_key = ?", key).First(&p).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get payment by key: %w", err)
	}
	return &p, nil
}

// MarkPaymentRefunded sets a payment's status to refunded. Refunding an
// already-refunded payment keeps the original refund timestamp.
func MarkPaymentRefunded(db *gorm.DB, id string) error {
	if id == "" {
		return fmt.Errorf("store: payment id is required")
	}
	now := time.Now()
	err := db.Model(&models.Payment{}).
		Where("id = ? AND status <> ?", id, "refunded").
		Updates(map[string]interface{}{"status": "refunded", "refunded_at": now}).Error
	if err != nil {
		return fmt.Errorf("store: refund payment %s: %w", id, err)
	}
	return nil
}

// ListPayments returns payments ordered newest first.
func ListPayments(db *gorm.DB, limit int) ([]models.Payment, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []models.Payment
	if err := db.Order("created_at DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("store: list payments: %w", err)
	}
	return out, nil
}

// CreateBooking inserts a booking record. Re-inserting the same reference
// for the same flight and workflow is a no-op returning the stored row; a
// reference held by a different booking yields ErrBookingExists.
func CreateBooking(db *gorm.DB, b *models.Booking) (*models.Booking, error) {
	if b == nil {
		return nil, fmt.Errorf("store: booking is required")
	}
	if b.Reference == "" {
		return nil, fmt.Errorf("store: booking reference is required")
	}
	if b.Status == "" {
		b.Status = models.BookingConfirmed
	}
	res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(b)
	if res.Error != nil {
		return nil, fmt.Errorf("store: create booking %s: %w", b.Reference, res.Error)
	}
	if res.RowsAffected == 0 {
		existing, err := GetBooking(db, b.Reference)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, fmt.Errorf("store: create booking %s: conflicting row vanished", b.Reference)
		}
		if existing.FlightID != b.FlightID || existing.WorkflowID != b.WorkflowID {
			return nil, fmt.Errorf("store: create booking %s: %w", b.Reference, ErrBookingExists)
		}
		return existing, nil
	}
	return b, nil
}

// GetBooking looks up a booking by reference. Returns nil, nil when absent.
func GetBooking(db *gorm.DB, reference string) (*models.Booking, error) {
	if reference == "" {
		return nil, fmt.Errorf("store: booking reference is required")
	}
	var b models.Booking
	err := db.Where("reference = ?", reference).First(&b).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get booking %s: %w", reference, err)
	}
	return &b, nil
}

// CancelBooking marks a booking cancelled. Cancelling twice keeps the
// original cancellation timestamp.
func CancelBooking(db *gorm.DB, reference string) error {
	if reference == "" {
		return fmt.Errorf("store: booking reference is required")
	}
	now := time.Now()
	err := db.Model(&models.Booking{}).
		Where("reference = ? AND status <> ?", reference, models.BookingCancelled).
		Updates(map[string]interface{}{"status": models.BookingCancelled, "cancelled_at": now}).Error
	if err != nil {
		return fmt.Errorf("store: cancel booking %s: %w", reference, err)
	}
	return nil
}

// ListBookings returns bookings ordered newest first.
func ListBookings(db *gorm.DB, limit int) ([]models.Booking, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []models.Booking
	if err := db.Order("created_at DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("store: list bookings: %w", err)
	}
	return out, nil
}
