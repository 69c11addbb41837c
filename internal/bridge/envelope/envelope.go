// Package envelope defines the JSON wire format exchanged over the broker:
// the outbound request envelope carrying an adapter call context plus
// operation-specific fields, and the inbound response envelope carrying a
// status block and an opaque data document.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/drblury/mqbridge/internal/bridge/jsoncodec"
)

// ContentType is the content type stamped on every bridge message.
const ContentType = "application/json"

// Body keys for the embedded call contexts.
const (
	outboundContextKey = "outboundAdapterCallContext"
)

// BackendMessage is a structured diagnostic note attached to a response,
// distinct from the primary error code.
type BackendMessage struct {
	Source  string `json:"source"`
	Message string `json:"message"`
	Type    string `json:"type"`
}

// OutboundCallContext identifies the call and its session on a request.
type OutboundCallContext struct {
	CorrelationID  string         `json:"correlationId"`
	SessionID      string         `json:"sessionId"`
	UserID         string         `json:"userId,omitempty"`
	Username       string         `json:"username,omitempty"`
	ConsumerID     string         `json:"consumerId,omitempty"`
	GeneralContext map[string]any `json:"generalContext,omitempty"`
}

// InboundCallContext mirrors the request's context on the response.
type InboundCallContext struct {
	CorrelationID  string         `json:"correlationId"`
	SessionID      string         `json:"sessionId"`
	GeneralContext map[string]any `json:"generalContext,omitempty"`
}

// Status reports the outcome of a handled call. An empty ErrorCode means
// success.
type Status struct {
	ErrorCode       string           `json:"errorCode"`
	BackendMessages []BackendMessage `json:"backendMessages"`
}

// Outbound is a request envelope. Operation is carried as the broker
// message id, not in the body; the body is the call context merged with the
// operation-specific payload fields.
type Outbound struct {
	Operation   string
	CallContext OutboundCallContext
	Payload     json.RawMessage
}

// Inbound is a response envelope.
type Inbound struct {
	CallContext InboundCallContext `json:"inboundAdapterCallContext"`
	Status      Status             `json:"status"`
	Data        json.RawMessage    `json:"data"`
}

// IsError reports whether the response carries a business error.
func (i Inbound) IsError() bool {
	return i.Status.ErrorCode != ""
}

// EncodeOutbound renders the request body: the payload object with the
// outbound call context spliced in under its well-known key. A nil payload
// encodes as a body holding only the call context.
func EncodeOutbound(o Outbound) ([]byte, error) {
	body := map[string]json.RawMessage{}
	if len(o.Payload) > 0 {
		if err := jsoncodec.Unmarshal(o.Payload, &body); err != nil {
			return nil, fmt.Errorf("payload must be a JSON object: %w", err)
		}
	}
	if _, clash := body[outboundContextKey]; clash {
		return nil, fmt.Errorf("payload must not define %q", outboundContextKey)
	}
	ctx, err := jsoncodec.Marshal(o.CallContext)
	if err != nil {
		return nil, err
	}
	body[outboundContextKey] = ctx
	return jsoncodec.Marshal(body)
}

// DecodeOutbound parses a request body back into its call context and the
// remaining operation-specific payload fields.
func DecodeOutbound(operation string, body []byte) (Outbound, error) {
	var fields map[string]json.RawMessage
	if err := jsoncodec.Unmarshal(body, &fields); err != nil {
		return Outbound{}, fmt.Errorf("malformed request body: %w", err)
	}

	raw, ok := fields[outboundContextKey]
	if !ok {
		return Outbound{}, errors.New("request body is missing the outbound call context")
	}
	var callCtx OutboundCallContext
	if err := jsoncodec.Unmarshal(raw, &callCtx); err != nil {
		return Outbound{}, fmt.Errorf("malformed outbound call context: %w", err)
	}
	delete(fields, outboundContextKey)

	payload, err := jsoncodec.Marshal(fields)
	if err != nil {
		return Outbound{}, err
	}

	return Outbound{
		Operation:   operation,
		CallContext: callCtx,
		Payload:     payload,
	}, nil
}

// EncodeInbound renders a response body. A nil BackendMessages slice is
// normalised to an empty array so consumers never see null.
func EncodeInbound(i Inbound) ([]byte, error) {
	if i.Status.BackendMessages == nil {
		i.Status.BackendMessages = []BackendMessage{}
	}
	return jsoncodec.Marshal(i)
}

// DecodeInbound parses a response body.
func DecodeInbound(body []byte) (Inbound, error) {
	var in Inbound
	if err := jsoncodec.Unmarshal(body, &in); err != nil {
		return Inbound{}, fmt.Errorf("malformed response body: %w", err)
	}
	return in, nil
}
