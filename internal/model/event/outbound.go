package event

import (
	"encoding/json"

	"github.com/zhouzirui/z-relay/backend/internal/model/chat"
)

type systemPayload struct {
	Content string `json:"content"`
}

type identityPayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

type newMessagePayload struct {
	ID         string      `json:"id"`
	ChatID     string      `json:"chatId"`
	SenderID   string      `json:"senderId"`
	SenderName string      `json:"senderName"`
	Text       string      `json:"text"`
	Timestamp  int64       `json:"timestamp"`
	Status     chat.Status `json:"status"`
	Type       string      `json:"type"`
}

type deliveredPayload struct {
	MessageID string `json:"messageId"`
	ChatID    string `json:"chatId"`
}

type userStatusPayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	IsOnline bool   `json:"isOnline"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// newEnvelope marshals a payload made only of strings, numbers and bools, which cannot fail.
func newEnvelope(t Type, payload any) Envelope {
	raw, _ := json.Marshal(payload)
	return Envelope{Type: t, Payload: raw}
}

func System(content string) Envelope {
	return newEnvelope(TypeSystem, systemPayload{Content: content})
}

func ConnectionSuccess(userID, username string) Envelope {
	return newEnvelope(TypeConnectionSuccess, identityPayload{UserID: userID, Username: username})
}

func AuthSuccess(userID, username string) Envelope {
	return newEnvelope(TypeAuthSuccess, identityPayload{UserID: userID, Username: username})
}

func AuthRequired() Envelope {
	return Envelope{Type: TypeAuthRequired}
}

// NewMessage announces a persisted chat message. Text messages are the only kind relayed.
func NewMessage(msg chat.Message) Envelope {
	return newEnvelope(TypeNewMessage, newMessagePayload{
		ID:         msg.ID,
		ChatID:     msg.ChatID,
		SenderID:   msg.SenderID,
		SenderName: msg.SenderName,
		Text:       msg.Text,
		Timestamp:  msg.Timestamp,
		Status:     msg.Status,
		Type:       "text",
	})
}

func MessageDelivered(messageID, chatID string) Envelope {
	return newEnvelope(TypeMessageDelivered, deliveredPayload{MessageID: messageID, ChatID: chatID})
}

func UserStatus(userID, username string, online bool) Envelope {
	return newEnvelope(TypeUserStatus, userStatusPayload{UserID: userID, Username: username, IsOnline: online})
}

func Pong() Envelope {
	return Envelope{Type: TypePong}
}

func Error(message string) Envelope {
	return newEnvelope(TypeError, errorPayload{Message: message})
}

// Relay wraps a client payload unchanged.
func Relay(t Type, payload json.RawMessage) Envelope {
	return Envelope{Type: t, Payload: payload}
}
