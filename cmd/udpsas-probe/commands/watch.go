package commands

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dantte-lp/udpsas"
	sasmetrics "github.com/dantte-lp/udpsas/internal/metrics"
	"github.com/dantte-lp/udpsas/internal/probe"
)

func watchCmd() *cobra.Command {
	var (
		bindAddr string
		bufSize  int
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print the arrival address of every datagram on a bind",
		Long: "Binds a UDP socket, usually on a wildcard address, and prints one line " +
			"per received datagram with the peer it came from and the local address " +
			"it arrived on. Runs until interrupted.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if outputFormat != formatTable && outputFormat != formatJSON {
				return fmt.Errorf("%w: %q (watch supports table, json)",
					errUnsupportedFormat, outputFormat)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			conn, err := udpsas.Listen(ctx, "udp", bindAddr)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", bindAddr, err)
			}
			defer func() { _ = conn.Close() }()

			collector := sasmetrics.NewCollector(prometheus.NewRegistry())
			watcher := probe.NewWatcher(conn, bufSize, collector, logger)

			out := make(chan probe.Observation, 64)

			g, gCtx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return watcher.Run(gCtx, out)
			})

			// The watcher closes out when it stops, so the range ends on
			// interrupt as well as on error.
			var fmtErr error

			for obs := range out {
				line, err := formatObservation(obs, outputFormat)
				if err != nil {
					fmtErr = err

					stop()

					continue
				}

				fmt.Println(line)
			}

			if err := g.Wait(); err != nil {
				return fmt.Errorf("watch %s: %w", bindAddr, err)
			}

			return fmtErr
		},
	}

	cmd.Flags().StringVar(&bindAddr, "bind", ":0", "UDP address to bind")
	cmd.Flags().IntVar(&bufSize, "buffer", 65535, "receive buffer size in bytes")

	return cmd
}
