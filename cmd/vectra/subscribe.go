package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hupe1980/vectra/internal/server"
)

func subscribeCmd() *cobra.Command {
	var table string
	cmd := &cobra.Command{
		Use:   "subscribe [TOPIC]",
		Short: "Stream change events until interrupted",
		Example: `  vectra subscribe --table docs
  vectra subscribe table.docs.changes`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := server.SubscribeRequest{Table: table}
			if len(args) == 1 {
				req.Topic = args[0]
			}
			if req.Topic == "" && req.Table == "" {
				return errors.New("a topic or --table is required")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c := newClient()
			sub, err := c.Subscribe(ctx, req)
			if err != nil {
				return err
			}
			defer func() {
				uctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = c.Unsubscribe(uctx, sub.SubscriptionID)
			}()
			fmt.Fprintf(cmd.ErrOrStderr(), "subscribed to %s (%s)\n", sub.Topic, sub.SubscriptionID)

			out := cmd.OutOrStdout()
			err = c.Events(ctx, sub.SubscriptionID, func(payload []byte) error {
				_, err := fmt.Fprintf(out, "%s\n", payload)
				return err
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&table, "table", "", "subscribe to the change topic of a table")
	return cmd
}
