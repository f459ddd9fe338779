package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/confidant-bot/confidant/internal/ask"
	"github.com/confidant-bot/confidant/internal/completion"
	"github.com/confidant-bot/confidant/internal/domain"
)

func newCompleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "complete <prompt>",
		Short: "Send one prompt through the provider fallback chain and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := completion.New(a.cfg.ActiveProvider(), completion.WithLogger(a.logger))
			svc := ask.NewService(client, a.cfg.AI.MaxTokens, a.cfg.AI.MaxHistory, nil, a.logger)

			reply, ok := svc.Ask(cmd.Context(), domain.SessionKey{}, strings.Join(args, " "))
			fmt.Fprintln(cmd.OutOrStdout(), reply)
			if !ok {
				return errors.New("completion failed")
			}
			return nil
		},
	}
}
