package main

import (
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	envFile  string
	logLevel string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "tracer",
		Short: "Trace grammar-constrained decoding decisions",
		Long: `tracer reconstructs, for every generated token, what the model preferred,
what the grammar and sampler chain rejected, and what was finally emitted.

It correlates an OpenAI-style API response with the inference server's
rejection log, either offline (analyze) or as a gateway in front of the
server (serve).`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging(cmd, opts.logLevel)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.envFile, "env", "", "Optional .env file to load")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error); defaults to LOG_LEVEL, then warn")

	cmd.AddCommand(newAnalyzeCmd())
	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newWatchCmd(opts))
	return cmd
}

// setupLogging installs a JSON logger on stderr so stdout stays free for
// command output.
func setupLogging(cmd *cobra.Command, level string) {
	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}
	if level == "" {
		level = "warn"
	}
	logger := slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
		Level: parseLevel(level),
	}))
	slog.SetDefault(logger)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
