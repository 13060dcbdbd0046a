package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/zhouzirui/z-relay/backend/internal/config"
	chatservice "github.com/zhouzirui/z-relay/backend/internal/service/chat"
)

func runHistory(_ context.Context, c *cli.Command) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.Store.Driver != "badger" {
		return fmt.Errorf("%w: history needs STORE_DRIVER=badger", config.ErrInvalid)
	}

	store, err := chatservice.OpenBadgerReadOnly(cfg.Store.BadgerPath, log.Logger)
	if err != nil {
		return err
	}
	defer store.Close()

	return printHistory(os.Stdout, store, c.String("chat-id"), int(c.Int("limit")))
}

// printHistory writes one JSON message per line, oldest first.
func printHistory(w io.Writer, store *chatservice.BadgerStore, chatID string, limit int) error {
	messages, err := store.History(chatID, limit)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	for _, msg := range messages {
		if err := enc.Encode(msg); err != nil {
			return err
		}
	}
	return nil
}
