package commands

import (
	"fmt"
	"net/netip"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	sasmetrics "github.com/dantte-lp/udpsas/internal/metrics"
	"github.com/dantte-lp/udpsas/internal/probe"
)

func sendCmd() *cobra.Command {
	var (
		source   string
		count    int
		interval time.Duration
		timeout  time.Duration
		size     int
	)

	cmd := &cobra.Command{
		Use:   "send <addr:port>",
		Short: "Probe a reflector and report which address its replies come from",
		Long: "Sends sequenced UDP probes to a reflector and reports, per probe, the " +
			"address the reply came from and the local address it arrived on. A reply " +
			"from an address other than the probed one means the far end did not pin " +
			"its reply source. --source pins the local address probes leave from.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := netip.ParseAddrPort(args[0])
			if err != nil {
				return fmt.Errorf("parse target %q: %w", args[0], err)
			}

			var src netip.Addr
			if source != "" {
				src, err = netip.ParseAddr(source)
				if err != nil {
					return fmt.Errorf("parse source %q: %w", source, err)
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			collector := sasmetrics.NewCollector(prometheus.NewRegistry())

			sender := probe.NewSender(probe.SendOptions{
				Target:   target,
				Source:   src,
				Count:    count,
				Interval: interval,
				Timeout:  timeout,
				Size:     size,
			}, collector, logger)

			reports, err := sender.Run(ctx)
			if err != nil {
				return fmt.Errorf("probe %s: %w", target, err)
			}

			out, err := formatReports(reports, outputFormat)
			if err != nil {
				return err
			}

			fmt.Print(out)

			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&source, "source", "",
		"local address to pin probes to (default: kernel selects)")
	flags.IntVar(&count, "count", 3, "number of probes to send")
	flags.DurationVar(&interval, "interval", 100*time.Millisecond, "pause between probes")
	flags.DurationVar(&timeout, "timeout", time.Second, "reply wait after the last probe")
	flags.IntVar(&size, "size", 64, "probe payload size in bytes")

	return cmd
}
