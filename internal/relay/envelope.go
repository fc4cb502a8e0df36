package relay

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageEnvelope is the opaque encrypted message unit relayed between
// clients. The relay never decrypts Payload; it only stamps routing
// metadata before forwarding or queuing.
type MessageEnvelope struct {
	MessageID string `json:"message_id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Payload   string `json:"payload"`
	Timestamp int64  `json:"timestamp"`
}

// DeliveryStatus enumerates receipt states reported by clients.
type DeliveryStatus string

const (
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
	StatusFailed    DeliveryStatus = "failed"
)

// Valid reports whether the status is one of the known receipt states.
func (s DeliveryStatus) Valid() bool {
	switch s {
	case StatusSent, StatusDelivered, StatusRead, StatusFailed:
		return true
	}
	return false
}

// DeliveryReceipt acknowledges a message's delivery state. Receipts are
// accepted and logged but not propagated back to senders.
type DeliveryReceipt struct {
	MessageID string         `json:"message_id"`
	Status    DeliveryStatus `json:"status"`
	Timestamp int64          `json:"timestamp"`
}

// ErrUnknownFrame marks a text frame matching neither wire shape.
var ErrUnknownFrame = errors.New("frame matches no known shape")

// Frame is the decoded form of one inbound text frame. Exactly one of
// Envelope or Receipt is set.
type Frame struct {
	Envelope *MessageEnvelope
	Receipt  *DeliveryReceipt
}

// DecodeFrame classifies an inbound frame by structure: a frame carrying a
// "to" field is an envelope, otherwise one carrying a "status" field is a
// receipt. The check is ordered, so an ambiguous frame resolves as an
// envelope rather than depending on decode order.
func DecodeFrame(data []byte) (Frame, error) {
	var shape struct {
		To     *string `json:"to"`
		Status *string `json:"status"`
	}
	if err := json.Unmarshal(data, &shape); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}

	switch {
	case shape.To != nil:
		var env MessageEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			return Frame{}, fmt.Errorf("decode envelope: %w", err)
		}
		return Frame{Envelope: &env}, nil
	case shape.Status != nil:
		var rcpt DeliveryReceipt
		if err := json.Unmarshal(data, &rcpt); err != nil {
			return Frame{}, fmt.Errorf("decode receipt: %w", err)
		}
		return Frame{Receipt: &rcpt}, nil
	default:
		return Frame{}, ErrUnknownFrame
	}
}

// Encode serializes the envelope for the wire and the durable queue.
func (e *MessageEnvelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope %s: %w", e.MessageID, err)
	}
	return data, nil
}
