package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, logger, err := bootstrap(ctx, opts)
			if err != nil {
				return err
			}
			defer logger.Sync()
			defer a.Close(context.Background())

			srv := &http.Server{
				Addr:              fmt.Sprintf(":%d", a.Config.Server.Port),
				Handler:           a.APIHandler().Router(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("flowforge listening", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			// Graceful shutdown
			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			select {
			case <-quit:
			case err := <-errCh:
				return fmt.Errorf("http server: %w", err)
			}

			logger.Info("shutting down flowforge")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
}
