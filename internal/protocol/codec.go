package protocol

import (
	"encoding/json"
	"fmt"
)

// ProtocolError reports a malformed or invalid protocol value. Envelopes
// failing to deserialize are rejected with this type.
type ProtocolError struct {
	Field  string
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol: %s %s", e.Field, e.Reason)
}

// Marshal serializes any protocol value to its JSON wire form.
func Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal: %w", err)
	}
	return data, nil
}

// DecodeEnvelope deserializes and validates an envelope from its wire form.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &ProtocolError{Field: "envelope", Reason: "is malformed: " + err.Error()}
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// DecodePaymentRequest deserializes an ap2 payment request.
func DecodePaymentRequest(data []byte) (*PaymentRequest, error) {
	var pr PaymentRequest
	if err := json.Unmarshal(data, &pr); err != nil {
		return nil, &ProtocolError{Field: "payment_request", Reason: "is malformed: " + err.Error()}
	}
	if pr.Amount.Value <= 0 {
		return nil, &ProtocolError{Field: "amount.value", Reason: "must be positive"}
	}
	return &pr, nil
}

// DecodePaymentResponse deserializes an ap2 payment response.
func DecodePaymentResponse(data []byte) (*PaymentResponse, error) {
	var pr PaymentResponse
	if err := json.Unmarshal(data, &pr); err != nil {
		return nil, &ProtocolError{Field: "payment_response", Reason: "is malformed: " + err.Error()}
	}
	return &pr, nil
}
