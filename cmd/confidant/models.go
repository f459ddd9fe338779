package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/confidant-bot/confidant/internal/completion"
)

func newModelsCmd(a *app) *cobra.Command {
	var (
		free  bool
		limit int
	)
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List the models advertised by the active provider",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if limit < 1 || limit > 40 {
				return fmt.Errorf("--limit must be between 1 and 40")
			}
			client := completion.New(a.cfg.ActiveProvider(), completion.WithLogger(a.logger))
			out := cmd.OutOrStdout()

			if !free {
				models, err := client.ListModels(cmd.Context())
				if err != nil {
					return fmt.Errorf("list models: %w", err)
				}
				for _, m := range models {
					fmt.Fprintln(out, m)
				}
				return nil
			}

			models, total, err := client.FreeModels(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("list free models: %w", err)
			}
			for _, m := range models {
				fmt.Fprintln(out, m)
			}
			if total > len(models) {
				fmt.Fprintf(out, "...and %d more\n", total-len(models))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&free, "free", false, "only list :free models")
	cmd.Flags().IntVar(&limit, "limit", 15, "maximum number of free models to print (1-40)")
	return cmd
}
