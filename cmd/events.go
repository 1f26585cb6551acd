/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/usermgmt/apiserver/config"
	"github.com/usermgmt/apiserver/internal/mq"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Inspect user lifecycle events",
}

var eventsTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Print user events from the configured broker until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.LoadConfig()
		logger := newLogger(cfg)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		broker, err := mq.Open(ctx, cfg.MQ)
		if err != nil {
			return err
		}
		if broker == nil {
			return errors.New("no broker configured; set MQ_BACKEND")
		}
		defer broker.Close()

		logger.Info("tailing user events", "backend", cfg.MQ.Backend, "channel", cfg.MQ.Channel)
		err = broker.Subscribe(ctx, cfg.MQ.Channel, func(ctx context.Context, msg mq.Message) error {
			event, err := mq.DecodeUserEvent(msg)
			if err != nil {
				logger.WarnContext(ctx, "skipping undecodable message", "id", msg.ID, "error", err)
				return nil
			}
			logger.InfoContext(ctx, "user event",
				"type", event.Type,
				"user_id", event.UserID,
				"email", event.Email,
				"actor_id", event.ActorID,
				"count", event.Count,
				"snapshot", event.Snapshot,
				"occurred_at", event.OccurredAt,
			)
			return nil
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("subscribe %s: %w", cfg.MQ.Channel, err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(eventsCmd)
	eventsCmd.AddCommand(eventsTailCmd)
}
