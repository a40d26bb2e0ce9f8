package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"apollonia/internal/constants"
	"apollonia/internal/event"
	"apollonia/internal/prospector"
)

type envelope struct {
	RoutingKey string         `json:"routing_key"`
	Message    *event.Message `json:"message"`
}

func newRootCmd() *cobra.Command {
	var (
		eventType   string
		pretty      bool
		hashTimeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "prospect [paths...]",
		Short: "Print the file events the watcher would publish for the given paths",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if eventType != constants.EventCreated && eventType != constants.EventModified {
				return fmt.Errorf("unknown event type %q", eventType)
			}

			p := prospector.New(zap.NewNop())
			enc := json.NewEncoder(cmd.OutOrStdout())
			if pretty {
				enc.SetIndent("", "  ")
			}

			for _, path := range args {
				ctx, cancel := context.WithTimeout(cmd.Context(), hashTimeout)
				rec := p.Prospect(ctx, path)
				cancel()

				rec.EventType = eventType
				msg := event.FromRecord(rec, prospector.Classify(rec.Path))
				if err := enc.Encode(envelope{RoutingKey: msg.RoutingKey(), Message: msg}); err != nil {
					return fmt.Errorf("encode %s: %w", path, err)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&eventType, "event-type", "e", constants.EventCreated, "Event type to stamp: created or modified")
	cmd.Flags().BoolVarP(&pretty, "pretty", "p", false, "Indent the JSON output")
	cmd.Flags().DurationVar(&hashTimeout, "hash-timeout", 10*time.Minute, "Time limit for hashing each file")
	return cmd
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
