package chat

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/zhouzirui/z-relay/backend/internal/model/chat"
)

// MemoryStore keeps messages in process memory, suitable for local runs and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	messages map[string][]chat.Message
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: make(map[string][]chat.Message),
	}
}

// Save appends a message to its chat.
func (s *MemoryStore) Save(_ context.Context, message chat.Message) (chat.Message, error) {
	if err := validateMessage(message); err != nil {
		return chat.Message{}, err
	}

	message.ID = uuid.NewString()
	message.Timestamp = nowMillis()
	if message.Status == "" {
		message.Status = chat.StatusSent
	}

	s.mu.Lock()
	s.messages[message.ChatID] = append(s.messages[message.ChatID], message)
	s.mu.Unlock()

	return message, nil
}
