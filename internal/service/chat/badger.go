package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/z-relay/backend/internal/model/chat"
)

// BadgerStore persists messages in BadgerDB.
type BadgerStore struct {
	db  *badger.DB
	log zerolog.Logger
}

// OpenBadger opens (or creates) the message database at path. An empty path
// opens an in-memory database.
func OpenBadger(path string, log zerolog.Logger) (*BadgerStore, error) {
	log = log.With().Str("component", "store").Logger()

	opts := badger.DefaultOptions(path).WithLogger(badgerLogger{log: log})
	if path == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", path, err)
	}
	return &BadgerStore{db: db, log: log}, nil
}

// OpenBadgerReadOnly opens an existing database for inspection without taking
// the directory lock, so it works while the server holds it. Save fails with
// badger's read-only error.
func OpenBadgerReadOnly(path string, log zerolog.Logger) (*BadgerStore, error) {
	log = log.With().Str("component", "store").Logger()

	opts := badger.DefaultOptions(path).
		WithReadOnly(true).
		WithBypassLockGuard(true).
		WithLogger(badgerLogger{log: log})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger read-only at %q: %w", path, err)
	}
	return &BadgerStore{db: db, log: log}, nil
}

// Close flushes and releases the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// messageKey is "msg:{len(chatId)}:{chatId}:{timestamp_padded}:{id}". The
// length prefix keeps chat ids containing ':' from sharing a prefix; the
// 19-digit padding keeps lexicographic order chronological within a chat.
func messageKey(chatID string, timestamp int64, id string) []byte {
	return append(chatPrefix(chatID), fmt.Sprintf("%019d:%s", timestamp, id)...)
}

func chatPrefix(chatID string) []byte {
	return []byte(fmt.Sprintf("msg:%d:%s:", len(chatID), chatID))
}

// Save assigns an id and server timestamp and writes the message in one transaction.
func (s *BadgerStore) Save(ctx context.Context, message chat.Message) (chat.Message, error) {
	if err := validateMessage(message); err != nil {
		return chat.Message{}, err
	}
	if err := ctx.Err(); err != nil {
		return chat.Message{}, err
	}

	message.ID = uuid.NewString()
	message.Timestamp = nowMillis()
	if message.Status == "" {
		message.Status = chat.StatusSent
	}

	value, err := json.Marshal(message)
	if err != nil {
		return chat.Message{}, fmt.Errorf("marshal message: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(messageKey(message.ChatID, message.Timestamp, message.ID), value)
	})
	if err != nil {
		if errors.Is(err, badger.ErrDBClosed) {
			return chat.Message{}, ErrStoreClosed
		}
		return chat.Message{}, fmt.Errorf("store message: %w", err)
	}

	s.log.Debug().Str("chat", message.ChatID).Str("id", message.ID).Msg("message stored")
	return message, nil
}

// History returns up to limit most recent messages of a chat, oldest first.
// A non-positive limit returns the whole history.
func (s *BadgerStore) History(chatID string, limit int) ([]chat.Message, error) {
	prefix := chatPrefix(chatID)
	var messages []chat.Message

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(append([]byte(nil), prefix...), 0xff)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(messages) == limit {
				break
			}
			err := it.Item().Value(func(val []byte) error {
				var msg chat.Message
				if err := json.Unmarshal(val, &msg); err != nil {
					return err
				}
				messages = append(messages, msg)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read history of %s: %w", chatID, err)
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// badgerLogger routes badger's internal logging through zerolog.
type badgerLogger struct {
	log zerolog.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Error().Msg(trimLine(format, args...))
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Warn().Msg(trimLine(format, args...))
}

// Infof logs at debug level.
func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.log.Debug().Msg(trimLine(format, args...))
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.Debug().Msg(trimLine(format, args...))
}

func trimLine(format string, args ...interface{}) string {
	return strings.TrimRight(fmt.Sprintf(format, args...), "\n")
}
