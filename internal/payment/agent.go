// Package payment implements the payment agent: ap2 payment processing,
// refunds, and payment method validation backed by persisted payment records.
package payment

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/voyantlabs/concourse/internal/agent"
	"github.com/voyantlabs/concourse/internal/models"
	"github.com/voyantlabs/concourse/internal/protocol"
	"github.com/voyantlabs/concourse/internal/store"
	"github.com/voyantlabs/concourse/internal/transport"
	"gorm.io/gorm"
)

// DefaultAgentID is the queue identity used when none is configured.
const DefaultAgentID = "payment_agent"

// Merchant identity attached to every payment request this agent builds.
var merchant = map[string]string{
	"id":         "travel_assistant",
	"descriptor": "Travel Booking",
}

// AgentOpts configures a payment agent.
type AgentOpts struct {
	ID                  string
	Transport           transport.Transport
	DB                  *gorm.DB
	UnknownActionPolicy string
}

// processor holds the agent's persistence handle.
type processor struct {
	db *gorm.DB
}

// NewAgent builds a payment agent runtime handling process_payment,
// refund_payment and validate_payment_method.
func NewAgent(opts AgentOpts) (*agent.Runtime, error) {
	if opts.ID == "" {
		opts.ID = DefaultAgentID
	}
	if opts.DB == nil {
		return nil, fmt.Errorf("payment: db is required")
	}
	rt, err := agent.NewRuntime(agent.Options{
		ID:                  opts.ID,
		Type:                "payment",
		Transport:           opts.Transport,
		DB:                  opts.DB,
		UnknownActionPolicy: opts.UnknownActionPolicy,
	})
	if err != nil {
		return nil, err
	}
	p := &processor{db: opts.DB}
	handlers := map[string]agent.HandlerFunc{
		"process_payment":         p.processPayment,
		"refund_payment":          p.refundPayment,
		"validate_payment_method": p.validateMethod,
	}
	for action, h := range handlers {
		if err := rt.Register(action, h); err != nil {
			return nil, err
		}
	}
	return rt, nil
}

// processPayment executes an ap2 payment. The payment row is persisted only
// when metadata carries a booking_id; either way the caller gets the full
// payment response.
func (p *processor) processPayment(ctx context.Context, params map[string]any, msgCtx map[string]any) (map[string]any, error) {
	amount, ok := floatParam(params, "amount")
	if !ok || amount <= 0 {
		return nil, agent.Failf("amount must be a positive number")
	}
	currency, _ := params["currency"].(string)
	methodParams, _ := params["payment_method"].(map[string]any)
	method, err := decodeMethod(methodParams)
	if err != nil {
		return nil, err
	}
	metadata, _ := params["metadata"].(map[string]any)

	req, err := protocol.NewPaymentRequest("payment_process",
		protocol.Amount{Value: amount, Currency: currency}, method, merchant, metadata)
	if err != nil {
		return nil, agent.Failf("%s", err)
	}

	txnID, err := randomID("txn_")
	if err != nil {
		return nil, err
	}
	resp := protocol.PaymentResponse{
		Protocol:      protocol.VersionAP2,
		PaymentID:     req.PaymentID,
		Status:        protocol.PaymentCompleted,
		TransactionID: txnID,
		Amount:        req.Amount,
		Timestamp:     time.Now().UTC(),
		ReceiptURL:    "https://example.com/receipt/" + txnID,
	}

	// Only payments tied to a booking are persisted; ad-hoc charges stay
	// transient.
	if bookingID, _ := req.Metadata["booking_id"].(string); bookingID != "" {
		now := time.Now().UTC()
		workflowID, _ := req.Metadata["workflow_id"].(string)
		if _, err := store.CreatePayment(p.db, &models.Payment{
			ID:                 req.PaymentID,
			BookingID:          bookingID,
			WorkflowID:         workflowID,
			Amount:             req.Amount.Value,
			Currency:           req.Amount.Currency,
			Status:             string(protocol.PaymentCompleted),
			PaymentMethodToken: req.PaymentMethod.Token,
			PaymentMethodType:  string(req.PaymentMethod.Type),
			LastFour:           req.PaymentMethod.LastFour,
			TransactionID:      txnID,
			ReceiptURL:         resp.ReceiptURL,
			IdempotencyKey:     req.IdempotencyKey,
			PaidAt:             &now,
		}); err != nil {
			return nil, fmt.Errorf("payment: persist %s: %w", req.PaymentID, err)
		}
	}

	return map[string]any{
		"protocol":       resp.Protocol,
		"payment_id":     resp.PaymentID,
		"status":         string(resp.Status),
		"transaction_id": resp.TransactionID,
		"amount": map[string]any{
			"value":    resp.Amount.Value,
			"currency": resp.Amount.Currency,
		},
		"timestamp":   resp.Timestamp.Format(time.RFC3339),
		"receipt_url": resp.ReceiptURL,
	}, nil
}

// refundPayment acknowledges every refund request. When the payment record
// exists it is marked refunded; refunding twice leaves it refunded.
func (p *processor) refundPayment(ctx context.Context, params map[string]any, msgCtx map[string]any) (map[string]any, error) {
	paymentID, _ := params["payment_id"].(string)
	if paymentID == "" {
		return nil, agent.Failf("payment_id is required")
	}
	refundID, err := randomID("rfnd_")
	if err != nil {
		return nil, err
	}
	if err := store.MarkPaymentRefunded(p.db, paymentID); err != nil {
		return nil, fmt.Errorf("payment: refund %s: %w", paymentID, err)
	}
	result := map[string]any{
		"success":    true,
		"refund_id":  refundID,
		"payment_id": paymentID,
		"status":     string(protocol.PaymentRefunded),
	}
	if amount, ok := floatParam(params, "amount"); ok {
		result["amount"] = amount
	}
	return result, nil
}

// validateMethod checks a tokenized payment method. A missing token is a
// validation outcome, not an agent failure.
func (p *processor) validateMethod(ctx context.Context, params map[string]any, msgCtx map[string]any) (map[string]any, error) {
	methodParams, _ := params["payment_method"].(map[string]any)
	token, _ := methodParams["token"].(string)
	if token == "" {
		return map[string]any{
			"valid": false,
			"error": "Payment method token is required",
		}, nil
	}
	methodType, _ := methodParams["type"].(string)
	if methodType == "" {
		methodType = string(protocol.MethodCard)
	}
	result := map[string]any{
		"valid":               true,
		"payment_method_type": methodType,
	}
	if lastFour, _ := methodParams["last_four"].(string); lastFour != "" {
		result["last_four"] = lastFour
	}
	return result, nil
}

// decodeMethod parses the payment_method parameter block.
func decodeMethod(params map[string]any) (protocol.PaymentMethod, error) {
	token, _ := params["token"].(string)
	if token == "" {
		return protocol.PaymentMethod{}, agent.Failf("Payment method token is required")
	}
	methodType, _ := params["type"].(string)
	if methodType == "" {
		methodType = string(protocol.MethodCard)
	}
	method := protocol.PaymentMethod{
		Type:  protocol.PaymentMethodType(methodType),
		Token: token,
	}
	method.LastFour, _ = params["last_four"].(string)
	method.Brand, _ = params["brand"].(string)
	return method, nil
}

// randomID creates a prefixed 16-char hex identifier.
func randomID(prefix string) (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("payment: generate ID: %w", err)
	}
	return prefix + hex.EncodeToString(b), nil
}

// floatParam coerces a JSON numeric parameter.
func floatParam(params map[string]any, key string) (float64, bool) {
	switch v := params[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}
