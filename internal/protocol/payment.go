package protocol

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// VersionAP2 is the agent payment protocol version tag.
const VersionAP2 = "ap2/v1"

// PaymentMethodType identifies how a payment is funded.
type PaymentMethodType string

const (
	MethodCard          PaymentMethodType = "card"
	MethodDigitalWallet PaymentMethodType = "digital_wallet"
	MethodBankTransfer  PaymentMethodType = "bank_transfer"
)

// PaymentStatus is the lifecycle state of a payment.
type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "pending"
	PaymentProcessing PaymentStatus = "processing"
	PaymentCompleted  PaymentStatus = "completed"
	PaymentFailed     PaymentStatus = "failed"
	PaymentRefunded   PaymentStatus = "refunded"
	PaymentCancelled  PaymentStatus = "cancelled"
)

// PaymentMethod is a tokenized payment instrument. The raw instrument never
// crosses this boundary; only the token does.
type PaymentMethod struct {
	Type           PaymentMethodType `json:"type"`
	Token          string            `json:"token"`
	LastFour       string            `json:"last_four,omitempty"`
	Brand          string            `json:"brand,omitempty"`
	BillingAddress map[string]string `json:"billing_address,omitempty"`
}

// Amount is a monetary value with currency.
type Amount struct {
	Value    float64 `json:"value"`
	Currency string  `json:"currency"`
}

// Cents returns the amount in minor units for payment processing.
func (a Amount) Cents() int64 {
	return int64(math.Round(a.Value * 100))
}

// PaymentRequest is an ap2 payment instruction.
type PaymentRequest struct {
	Protocol       string            `json:"protocol"`
	PaymentID      string            `json:"payment_id"`
	Action         string            `json:"action"`
	Amount         Amount            `json:"amount"`
	PaymentMethod  PaymentMethod     `json:"payment_method"`
	Merchant       map[string]string `json:"merchant"`
	Metadata       map[string]any    `json:"metadata"`
	IdempotencyKey string            `json:"idempotency_key"`
}

// PaymentResponse is the outcome of an ap2 payment instruction.
type PaymentResponse struct {
	Protocol      string        `json:"protocol"`
	PaymentID     string        `json:"payment_id"`
	Status        PaymentStatus `json:"status"`
	TransactionID string        `json:"transaction_id,omitempty"`
	Amount        Amount        `json:"amount"`
	Timestamp     time.Time     `json:"timestamp"`
	ReceiptURL    string        `json:"receipt_url,omitempty"`
	Error         string        `json:"error,omitempty"`
}

// NewPaymentRequest builds a payment request with fresh payment id and
// idempotency key. The amount must be positive.
func NewPaymentRequest(action string, amount Amount, method PaymentMethod, merchant map[string]string, metadata map[string]any) (*PaymentRequest, error) {
	if action == "" {
		return nil, &ProtocolError{Field: "action", Reason: "is required"}
	}
	if amount.Value <= 0 {
		return nil, &ProtocolError{Field: "amount.value", Reason: "must be positive"}
	}
	if amount.Currency == "" {
		amount.Currency = "USD"
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	return &PaymentRequest{
		Protocol:       VersionAP2,
		PaymentID:      uuid.NewString(),
		Action:         action,
		Amount:         amount,
		PaymentMethod:  method,
		Merchant:       merchant,
		Metadata:       metadata,
		IdempotencyKey: uuid.NewString(),
	}, nil
}
