package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/confidant-bot/confidant/internal/healthcheck"
)

func newHealthCmd(a *app) *cobra.Command {
	var (
		addr    string
		service string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Query the gRPC health endpoint of a running instance",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr == "" {
				addr = a.cfg.GRPCHealthAddr
			}
			if addr == "" {
				return fmt.Errorf("no address: pass --addr or set GRPC_HEALTH_ADDR")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			status, err := healthcheck.Check(ctx, addr, service)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), status.String())
			if status != healthpb.HealthCheckResponse_SERVING {
				return fmt.Errorf("status %s", status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "health server address (defaults to GRPC_HEALTH_ADDR)")
	cmd.Flags().StringVar(&service, "service", "", "service name; empty checks overall status")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")
	return cmd
}
