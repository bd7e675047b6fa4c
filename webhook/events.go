// Package webhook implements the card-issuer webhook ingress: HMAC
// verification, timestamp freshness, replay detection, and idempotency-key
// extraction ahead of handoff to the decision core. Events are decoded
// into a tagged-variant type and schema-validated before any dispatch.
package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// EventType enumerates the accepted card-issuer webhook topics.
type EventType string

const (
	EventAuthorizationRequest EventType = "authorization.request"
	EventAuthorizationAdvice  EventType = "authorization.advice"
	EventAuthorizationCapture EventType = "authorization.capture"
	EventTransactionCreated   EventType = "transaction.created"
	EventTransactionUpdated   EventType = "transaction.updated"
)

func (t EventType) Valid() bool {
	switch t {
	case EventAuthorizationRequest, EventAuthorizationAdvice, EventAuthorizationCapture,
		EventTransactionCreated, EventTransactionUpdated:
		return true
	default:
		return false
	}
}

// Merchant is the optional merchant metadata carried on authorization
// events.
type Merchant struct {
	Name     string `json:"name,omitempty"`
	Category string `json:"category,omitempty"`
	Country  string `json:"country,omitempty"`
}

// Data is the envelope's payload body. AuthorizationID/TransactionID are
// mutually exclusive depending on Type.
type Data struct {
	AuthorizationID string    `json:"authorizationId,omitempty"`
	TransactionID   string    `json:"transactionId,omitempty"`
	AmountMinor     int64     `json:"amount"`
	CardToken       string    `json:"cardToken"`
	Merchant        *Merchant `json:"merchant,omitempty"`
	Status          string    `json:"status,omitempty"`
}

// Event is the strictly-typed, schema-validated webhook envelope every
// downstream consumer operates on.
type Event struct {
	EventID string    `json:"eventId"`
	Type    EventType `json:"type"`
	Data    Data      `json:"data"`
}

// AuthID returns the identifier the two-phase protocol keys on: the
// authorization ID, falling back to the transaction ID for capture/refund
// events that only carry the latter.
func (e Event) AuthID() string {
	if e.Data.AuthorizationID != "" {
		return e.Data.AuthorizationID
	}
	return e.Data.TransactionID
}

// AmountUSDMicro converts the webhook's minor-unit (cents) amount into
// micro-USD: cents * 10_000.
func (e Event) AmountUSDMicro() int64 {
	return e.Data.AmountMinor * 10_000
}

// ParseEvent strictly decodes and validates the webhook body into an Event,
// rejecting unknown fields and unrecognised event types before any
// downstream dispatch sees them.
func ParseEvent(body []byte) (Event, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	var evt Event
	if err := dec.Decode(&evt); err != nil {
		return Event{}, fmt.Errorf("webhook: invalid event body: %w", err)
	}
	if evt.EventID == "" {
		return Event{}, fmt.Errorf("webhook: missing event_id")
	}
	if !evt.Type.Valid() {
		return Event{}, fmt.Errorf("webhook: unrecognised event type %q", evt.Type)
	}
	if evt.AuthID() == "" {
		return Event{}, fmt.Errorf("webhook: missing authorization/transaction id")
	}
	return evt, nil
}
