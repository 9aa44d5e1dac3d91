// Package protocol defines the wire contracts for agent-to-agent messaging:
// the a2a envelope, the ap2 payment sub-protocol, and tool calls. It has no
// dependencies on other internal packages.
package protocol

import (
	"time"

	"github.com/google/uuid"
)

// VersionA2A is the agent-to-agent protocol version tag.
const VersionA2A = "a2a/v1"

// MessageType classifies an envelope.
type MessageType string

const (
	TypeRequest      MessageType = "request"
	TypeResponse     MessageType = "response"
	TypeError        MessageType = "error"
	TypeNotification MessageType = "notification"
)

// Envelope is the common addressed, correlated wrapper for all inter-agent
// traffic. MessageID is unique per envelope; ConversationID is shared by a
// request and every response or error produced for it.
type Envelope struct {
	Protocol       string         `json:"protocol"`
	MessageID      string         `json:"message_id"`
	ConversationID string         `json:"conversation_id"`
	FromAgent      string         `json:"from_agent"`
	ToAgent        string         `json:"to_agent"`
	MessageType    MessageType    `json:"message_type"`
	Timestamp      time.Time      `json:"timestamp"`
	Payload        map[string]any `json:"payload"`
	Context        map[string]any `json:"context,omitempty"`
}

// Request is an envelope carrying an action invocation. Action and Parameters
// are mirrored into Payload so the envelope alone is lossless on the wire.
type Request struct {
	Envelope
	Action     string         `json:"action"`
	Parameters map[string]any `json:"parameters"`
}

// Response is an envelope carrying the outcome of a request. Exactly one of
// Result and Error is populated, matching Success.
type Response struct {
	Envelope
	Success bool           `json:"success"`
	Result  map[string]any `json:"result,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// NewRequest builds a request from fromAgent to toAgent with fresh message
// and conversation ids. The action is required.
func NewRequest(fromAgent, toAgent, action string, parameters map[string]any, msgCtx map[string]any) (*Request, error) {
	if fromAgent == "" {
		return nil, &ProtocolError{Field: "from_agent", Reason: "is required"}
	}
	if toAgent == "" {
		return nil, &ProtocolError{Field: "to_agent", Reason: "is required"}
	}
	if action == "" {
		return nil, &ProtocolError{Field: "action", Reason: "is required"}
	}
	if parameters == nil {
		parameters = map[string]any{}
	}
	return &Request{
		Envelope: Envelope{
			Protocol:       VersionA2A,
			MessageID:      uuid.NewString(),
			ConversationID: uuid.NewString(),
			FromAgent:      fromAgent,
			ToAgent:        toAgent,
			MessageType:    TypeRequest,
			Timestamp:      time.Now().UTC(),
			Payload:        map[string]any{"action": action, "parameters": parameters},
			Context:        msgCtx,
		},
		Action:     action,
		Parameters: parameters,
	}, nil
}

// NewResponse builds a success or failure response correlated to the given
// request. On success the result map is carried; otherwise the error string.
func NewResponse(req *Request, fromAgent string, success bool, result map[string]any, errText string) (*Response, error) {
	if req == nil {
		return nil, &ProtocolError{Field: "request", Reason: "is required"}
	}
	if fromAgent == "" {
		return nil, &ProtocolError{Field: "from_agent", Reason: "is required"}
	}
	if success && errText != "" {
		return nil, &ProtocolError{Field: "error", Reason: "must be empty on success"}
	}
	if !success && errText == "" {
		return nil, &ProtocolError{Field: "error", Reason: "is required on failure"}
	}

	payload := map[string]any{"success": success}
	if success {
		if result == nil {
			result = map[string]any{}
		}
		payload["result"] = result
	} else {
		result = nil
		payload["error"] = errText
	}

	return &Response{
		Envelope: Envelope{
			Protocol:       VersionA2A,
			MessageID:      uuid.NewString(),
			ConversationID: req.ConversationID,
			FromAgent:      fromAgent,
			ToAgent:        req.FromAgent,
			MessageType:    TypeResponse,
			Timestamp:      time.Now().UTC(),
			Payload:        payload,
			Context:        req.Context,
		},
		Success: success,
		Result:  result,
		Error:   errText,
	}, nil
}

// RequestFromEnvelope reconstructs a Request from a consumed envelope by
// reading the mirrored payload fields.
func RequestFromEnvelope(env *Envelope) (*Request, error) {
	if env == nil {
		return nil, &ProtocolError{Field: "envelope", Reason: "is required"}
	}
	if env.MessageType != TypeRequest {
		return nil, &ProtocolError{Field: "message_type", Reason: "is not a request"}
	}
	action, _ := env.Payload["action"].(string)
	if action == "" {
		return nil, &ProtocolError{Field: "action", Reason: "is required"}
	}
	params, _ := env.Payload["parameters"].(map[string]any)
	if params == nil {
		params = map[string]any{}
	}
	return &Request{Envelope: *env, Action: action, Parameters: params}, nil
}

// ResponseFromEnvelope reconstructs a Response from a consumed envelope by
// reading the mirrored payload fields.
func ResponseFromEnvelope(env *Envelope) (*Response, error) {
	if env == nil {
		return nil, &ProtocolError{Field: "envelope", Reason: "is required"}
	}
	if env.MessageType != TypeResponse && env.MessageType != TypeError {
		return nil, &ProtocolError{Field: "message_type", Reason: "is not a response"}
	}
	success, _ := env.Payload["success"].(bool)
	resp := &Response{Envelope: *env, Success: success}
	if success {
		result, _ := env.Payload["result"].(map[string]any)
		if result == nil {
			result = map[string]any{}
		}
		resp.Result = result
	} else {
		resp.Error, _ = env.Payload["error"].(string)
	}
	return resp, nil
}

// Validate checks envelope addressing and type fields.
func (e *Envelope) Validate() error {
	if e.Protocol == "" {
		return &ProtocolError{Field: "protocol", Reason: "is required"}
	}
	if e.MessageID == "" {
		return &ProtocolError{Field: "message_id", Reason: "is required"}
	}
	if e.FromAgent == "" {
		return &ProtocolError{Field: "from_agent", Reason: "is required"}
	}
	if e.ToAgent == "" {
		return &ProtocolError{Field: "to_agent", Reason: "is required"}
	}
	switch e.MessageType {
	case TypeRequest, TypeResponse, TypeError, TypeNotification:
	default:
		return &ProtocolError{Field: "message_type", Reason: "is unknown"}
	}
	return nil
}
