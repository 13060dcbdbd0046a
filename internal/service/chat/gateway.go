//go:generate go run go.uber.org/mock/mockgen -source=gateway.go -destination=../../mocks/mock_gateway.go -package=mocks
package chat

import (
	"context"
	"errors"
	"time"

	"github.com/zhouzirui/z-relay/backend/internal/model/chat"
)

var (
	ErrInvalidMessage = errors.New("chat id, sender id and text are required")
	ErrStoreClosed    = errors.New("message store closed")
)

// Gateway persists chat messages. Save is synchronous and is not retried: it
// either returns the stored message with its id and server timestamp, or fails
// without partial effect.
type Gateway interface {
	Save(ctx context.Context, message chat.Message) (chat.Message, error)
}

func validateMessage(message chat.Message) error {
	if message.ChatID == "" || message.SenderID == "" || message.Text == "" {
		return ErrInvalidMessage
	}
	return nil
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
