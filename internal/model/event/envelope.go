// Package event defines the typed envelopes exchanged over a relay connection.
// Inbound frames decode into one concrete Inbound value per event type; outbound
// envelopes are built by the constructors in outbound.go.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Type is the discriminator carried in every envelope. Matching is case-sensitive.
type Type string

// Inbound event types.
const (
	TypeMessage     Type = "MESSAGE"
	TypeTyping      Type = "TYPING"
	TypeReadReceipt Type = "READ_RECEIPT"
	TypeAuth        Type = "AUTH"
	TypePing        Type = "PING"
)

// Outbound event types generated by the server.
const (
	TypeSystem            Type = "SYSTEM"
	TypeConnectionSuccess Type = "CONNECTION_SUCCESS"
	TypeAuthSuccess       Type = "AUTH_SUCCESS"
	TypeAuthRequired      Type = "AUTH_REQUIRED"
	TypeNewMessage        Type = "NEW_MESSAGE"
	TypeMessageDelivered  Type = "MESSAGE_DELIVERED"
	TypeUserStatus        Type = "USER_STATUS"
	TypePong              Type = "PONG"
	TypeError             Type = "ERROR"
)

var (
	ErrMalformed      = errors.New("malformed envelope")
	ErrUnknownType    = errors.New("unknown event type")
	ErrInvalidPayload = errors.New("invalid payload")
)

// UnknownTypeError reports a well-formed envelope whose type has no handler.
type UnknownTypeError struct {
	Type string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("unknown event type %q", e.Type)
}

func (e *UnknownTypeError) Unwrap() error { return ErrUnknownType }

// Envelope is the {type, payload} unit written to the wire.
// Payload is omitted for types that carry none.
type Envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode serializes an outbound envelope into a single text frame.
func Encode(env Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", env.Type, err)
	}
	return data, nil
}
