package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/zhouzirui/z-relay/backend/internal/config"
	"github.com/zhouzirui/z-relay/backend/internal/service/auth"
)

func runToken(_ context.Context, c *cli.Command) error {
	secret, err := config.LoadSecret()
	if err != nil {
		return err
	}
	token, err := auth.Issue(secret, auth.Identity{
		UserID:   c.String("user-id"),
		Username: c.String("username"),
	}, c.Duration("ttl"))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(os.Stdout, token)
	return err
}
