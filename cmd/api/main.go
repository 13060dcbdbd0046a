package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/zhouzirui/z-relay/backend/internal/config"
)

// Exit codes.
const (
	exitRuntime = 1
	exitConfig  = 2
)

func main() {
	if err := setupLogger(config.LogConfig{Level: "info", Format: "console"}); err != nil {
		panic(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("no .env file, using process environment only")
	}

	app := &cli.Command{
		Name:  "api",
		Usage: "Real-time chat relay over WebSocket",
		Description: `Runs the relay server by default. Configuration is read from the
environment (and a .env file in the working directory when present).`,
		Action: runServe,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Start the HTTP and WebSocket server",
				Action: runServe,
			},
			{
				Name:  "token",
				Usage: "Print a signed token for local testing",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "user-id", Usage: "userId claim", Required: true},
					&cli.StringFlag{Name: "username", Usage: "username (sub claim)", Required: true},
					&cli.DurationFlag{Name: "ttl", Usage: "token lifetime", Value: 24 * time.Hour},
				},
				Action: runToken,
			},
			{
				Name:  "history",
				Usage: "Print the stored messages of a chat",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "chat-id", Usage: "chat to read", Required: true},
					&cli.IntFlag{Name: "limit", Usage: "most recent messages to print, 0 for all", Value: 50},
				},
				Action: runHistory,
			},
		},
	}

	err := app.Run(ctx, os.Args)
	stop()
	if err != nil {
		log.Error().Err(err).Msg("exiting")
		if errors.Is(err, config.ErrInvalid) {
			os.Exit(exitConfig)
		}
		os.Exit(exitRuntime)
	}
}

func setupLogger(cfg config.LogConfig) error {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("failed to parse log level: %w", err)
	}

	var output io.Writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	if cfg.Format == "json" {
		output = os.Stderr
	}

	log.Logger = zerolog.New(output).With().Timestamp().Logger().Level(level)
	return nil
}
