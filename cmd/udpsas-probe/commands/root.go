package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/udpsas/internal/probe"
)

var (
	// logger is the shared CLI logger, built in PersistentPreRunE. It
	// writes to stderr so command output on stdout stays parseable.
	logger *slog.Logger

	// outputFormat selects how command results are rendered.
	outputFormat string

	// logLevel and logFormat configure the CLI logger.
	logLevel  string
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:   "udpsas-probe",
	Short: "Diagnose UDP source-address selection on multihomed hosts",
	Long: "udpsas-probe sends, observes, and reflects UDP datagrams while reporting " +
		"which local address each datagram arrived on and pinning which local " +
		"address replies leave from.",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		logger = newLogger(logLevel, logFormat)
		return nil
	},
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info",
		"log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text",
		"log format: text, json")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", formatTable,
		"output format: table, json, yaml")

	rootCmd.AddCommand(sendCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(reflectCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(shellCmd())
}

// newLogger builds the stderr logger used by the one-shot commands. The
// reflect command replaces it with a config-driven logger of its own.
func newLogger(level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: probe.ParseLogLevel(level)}

	var handler slog.Handler

	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
