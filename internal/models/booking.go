package models

import "time"

// Booking lifecycle states.
const (
	BookingConfirmed = "confirmed"
	BookingCancelled = "cancelled"
)

// Booking is a confirmed flight booking, keyed by its booking reference.
type Booking struct {
	Reference        string `gorm:"primaryKey;size:32"`
	FlightID         string `gorm:"size:32;index"`
	WorkflowID       string `gorm:"size:64;index"`
	Status           string `gorm:"size:16;default:confirmed;index"`
	PassengerDetails string `gorm:"type:text"`
	ETicketURL       string `gorm:"size:256"`
	CreatedAt        time.Time
	CancelledAt      *time.Time
}
