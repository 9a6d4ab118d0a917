// dochub serves container-partitioned files with signed links and bulk zip
// retrieval.
package main

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/dochub/dochub/internal/config"
	"github.com/dochub/dochub/internal/logging/loki"
	"github.com/dochub/dochub/internal/svc"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile  string
	logLevel string

	// Hidden, set when started by the service manager.
	serviceRun bool
)

func main() {
	if svc.IsServiceMode(os.Args) {
		runAsService(os.Args)
		return
	}

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "dochub",
		Short: "dochub - container-partitioned file service",
		Long: `dochub stores files in containers and hands them out through
short-lived signed links or as zip archives built on demand.

QUICK START:

  # Serve the HTTP API with the local backend
  DOCHUB_ADMIN_KEY=$(openssl rand -hex 32) dochub serve

  # Upload and fetch from the command line
  dochub upload reports q1.pdf q2.pdf
  dochub link reports q1.pdf
  dochub zip reports "q1.pdf;q2.pdf" -o reports.zip

For more help on any command, use: dochub <command> --help`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "log level (overrides logging.level)")
	rootCmd.PersistentFlags().BoolVar(&serviceRun, "service-run", false, "Run as a service (internal use)")
	_ = rootCmd.PersistentFlags().MarkHidden("service-run")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newFileCmds()...)
	rootCmd.AddCommand(newServiceCmd())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "dochub %s\n", Version)
			_, _ = fmt.Fprintf(out, "  Commit:     %s\n", Commit)
			_, _ = fmt.Fprintf(out, "  Build Time: %s\n", BuildTime)
			_, _ = fmt.Fprintf(out, "  Go:         %s\n", runtime.Version())
			_, _ = fmt.Fprintf(out, "  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	return rootCmd
}

// loadConfig reads --config, applies the --log-level override and validates.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// setupLogging configures the global logger: a console writer on out plus,
// when configured, batched shipping to Loki. The returned func flushes and
// stops the Loki writer.
func setupLogging(cfg config.LoggingConfig, out io.Writer) (zerolog.Logger, func()) {
	zerolog.TimeFieldFormat = time.RFC3339

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var w io.Writer = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	stop := func() {}

	if cfg.Loki.URL != "" {
		interval, _ := cfg.Loki.FlushIntervalDuration()
		lw := loki.NewWriter(loki.Config{
			URL:           cfg.Loki.URL,
			Labels:        cfg.Loki.Labels,
			BatchSize:     cfg.Loki.BatchSize,
			FlushInterval: interval,
		})
		lw.Start()
		w = zerolog.MultiLevelWriter(w, lw)
		stop = lw.Stop
	}

	log.Logger = zerolog.New(w).With().Timestamp().Logger()
	return log.Logger, stop
}
