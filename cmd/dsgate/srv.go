package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"dsgate/internal/config"
	"dsgate/internal/server"
)

func newSrvCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "srv",
		Short: "Run the dsgate API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg == nil {
				return fmt.Errorf("config not initialized")
			}

			logger := slog.Default()

			addr, err := server.ListenAddr(cfg.APIURL)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(contextOrBackground(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()

			gw, err := buildGateway(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer gw.Close()

			srv := server.New(addr, gw.coordinator, gw.merger, server.Options{
				Locker:     gw.locker,
				LocalBlobs: gw.localBlobs,
				Logger:     logger,
			})
			return srv.ListenAndServe(ctx)
		},
	}
}

// contextOrBackground returns cmd's context, which is nil when the command
// runs outside Execute.
func contextOrBackground(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
