package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nidhogg/flowforge/internal/events"
	"github.com/spf13/cobra"
)

func newWatchCommand(opts *rootOptions) *cobra.Command {
	var (
		replay  bool
		forward bool
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the origin's event stream",
		Long: `Print refresh and drift events published by any flowforge process for
the configured origin. With --alert the events are also delivered to the
configured Slack and Discord notifiers, so compile hosts can run without
alert credentials.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, logger, err := bootstrap(ctx, opts)
			if err != nil {
				return err
			}
			defer logger.Sync()
			defer a.Close(context.Background())

			if a.Bus == nil {
				return errors.New("event stream is not configured (database.redis.url)")
			}
			if forward && len(a.Alerts.Platforms()) == 0 {
				return errors.New("--alert needs at least one enabled notifier")
			}

			from := events.FromNow
			if replay {
				from = events.FromStart
			}
			in := a.Bus.Subscribe(ctx, a.Config.Origin.Name, from)

			var alerts chan *events.Event
			if forward {
				alerts = make(chan *events.Event, 16)
				done := make(chan struct{})
				go func() {
					defer close(done)
					a.Alerts.Forward(ctx, alerts)
				}()
				defer func() {
					close(alerts)
					<-done
				}()
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			for ev := range in {
				if err := enc.Encode(ev); err != nil {
					return fmt.Errorf("write event: %w", err)
				}
				if alerts != nil {
					select {
					case alerts <- ev:
					case <-ctx.Done():
					}
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&replay, "replay", false, "start from the oldest retained event")
	cmd.Flags().BoolVar(&forward, "alert", false, "deliver drift events to the configured notifiers")
	return cmd
}
