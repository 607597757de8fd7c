package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aigoflow/grammar-tracer/internal/config"
	"github.com/aigoflow/grammar-tracer/pkg/client"
)

func newWatchCmd(root *rootOptions) *cobra.Command {
	var (
		natsURL    string
		upstream   string
		heartbeats bool
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print trace summaries published by running gateways",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(root.envFile)
			if err != nil {
				return err
			}
			if natsURL == "" {
				natsURL = cfg.NatsURL
			}
			if natsURL == "" {
				return fmt.Errorf("no NATS server: set NATS_URL or --nats")
			}

			c, err := client.NewNATSClient(natsURL, cfg.TraceSubject, "")
			if err != nil {
				return err
			}
			defer c.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			if heartbeats {
				return c.Heartbeats(ctx, func(h *client.HealthStatus) {
					fmt.Fprintf(out, "%s %-8s pending=%d active=%d uptime=%s\n",
						h.Upstream, h.Status, h.Load.PendingRequests, h.Load.ActiveRequests, h.Uptime)
				})
			}
			fmt.Fprintf(out, "Watching %s\n", client.TraceSubject(cfg.TraceSubject, upstream))
			return c.Watch(ctx, upstream, func(s *client.TraceSummary) {
				fmt.Fprintln(out, s.Line())
			})
		},
	}
	cmd.Flags().StringVar(&natsURL, "nats", "", "NATS server URL (default NATS_URL)")
	cmd.Flags().StringVar(&upstream, "upstream", "", "Only show traces of this upstream")
	cmd.Flags().BoolVar(&heartbeats, "heartbeats", false, "Show gateway heartbeats instead of traces")
	return cmd
}
