package event

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Inbound is the closed set of client events. Exactly one concrete type
// exists per inbound Type.
type Inbound interface {
	Type() Type
	isInbound()
}

// Message asks the server to persist and fan out a chat message.
type Message struct {
	ChatID string `json:"chatId" validate:"required"`
	Text   string `json:"text" validate:"required"`
}

// Typing is relayed verbatim to every other connection.
type Typing struct {
	Payload json.RawMessage
}

// ReadReceipt is relayed verbatim to every connection.
type ReadReceipt struct {
	Payload json.RawMessage
}

// Auth carries a bearer token for in-band authentication.
type Auth struct {
	Token string
}

// Ping expects a PONG back.
type Ping struct{}

func (Message) Type() Type     { return TypeMessage }
func (Typing) Type() Type      { return TypeTyping }
func (ReadReceipt) Type() Type { return TypeReadReceipt }
func (Auth) Type() Type        { return TypeAuth }
func (Ping) Type() Type        { return TypePing }

func (Message) isInbound()     {}
func (Typing) isInbound()      {}
func (ReadReceipt) isInbound() {}
func (Auth) isInbound()        {}
func (Ping) isInbound()        {}

type frame struct {
	Type    *string         `json:"type"`
	Payload json.RawMessage `json:"payload"`
	// Token is accepted at the top level for AUTH frames sent without a payload object.
	Token string `json:"token"`
}

// Decode parses one inbound frame into its typed event.
func Decode(raw []byte) (Inbound, error) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if f.Type == nil || *f.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	switch Type(*f.Type) {
	case TypeMessage:
		return decodeMessage(f.Payload)
	case TypeTyping:
		return Typing{Payload: f.Payload}, nil
	case TypeReadReceipt:
		return ReadReceipt{Payload: f.Payload}, nil
	case TypeAuth:
		return decodeAuth(f), nil
	case TypePing:
		return Ping{}, nil
	default:
		return nil, &UnknownTypeError{Type: *f.Type}
	}
}

func decodeMessage(payload json.RawMessage) (Message, error) {
	if isAbsent(payload) {
		return Message{}, fmt.Errorf("%w: MESSAGE requires chatId and text", ErrInvalidPayload)
	}
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := validate.Struct(msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return msg, nil
}

// decodeAuth never fails: a missing token is rejected later by the verifier.
func decodeAuth(f frame) Auth {
	if !isAbsent(f.Payload) {
		var body struct {
			Token string `json:"token"`
		}
		if err := json.Unmarshal(f.Payload, &body); err == nil && body.Token != "" {
			return Auth{Token: body.Token}
		}
	}
	return Auth{Token: f.Token}
}

func isAbsent(payload json.RawMessage) bool {
	trimmed := bytes.TrimSpace(payload)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
