// Command sowdb runs the schema-on-write ingestion server and its operator
// tooling.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/sowdb/sowdb/internal/app"
	"github.com/sowdb/sowdb/internal/config"
)

var (
	version = "dev"
	commit  = "unknown"
)

type configKey struct{}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "sowdb:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:   "sowdb",
		Short: "sowdb - schema-on-write JSON ingestion",
		Long: `sowdb accepts arbitrary JSON objects over HTTP and gRPC, stores each one as a
row in a SQLite table whose columns follow the data, and serves paged queries
over what it stored.

Configuration is read from the --config file (YAML or JSON), then SOWDB_*
environment variables (SOWDB_HTTP_ADDR, SOWDB_TRUST_API_KEYS, ...), then flags.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "help" || cmd.Name() == "version" || cmd.Name() == "hash-key" {
				return nil
			}
			cfg, err := config.Load(cfgFile, cmd.Flags())
			if err != nil {
				return err
			}
			cmd.SetContext(context.WithValue(cmd.Context(), configKey{}, cfg))
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "path to a YAML or JSON config file")
	pf.String("data-dir", "", "base directory for stores, registry and archive")
	pf.String("log-level", "info", "log level: debug, info, warn, error")
	pf.String("log-format", "text", "log format: text or json")

	root.AddCommand(
		newServeCmd(),
		newVersionCmd(),
		newConfigCmd(),
		newHashKeyCmd(),
		newTablesCmd(),
		newRegistryCmd(),
		newArchiveCmd(),
	)
	return root
}

func configFrom(cmd *cobra.Command) *config.Config {
	if cfg, ok := cmd.Context().Value(configKey{}).(*config.Config); ok {
		return cfg
	}
	return config.DefaultConfig()
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and gRPC servers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := configFrom(cmd)
			logger, err := newLogger(os.Stderr, cfg.Log)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			start := time.Now()
			a, err := app.New(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			logger.Info("sowdb starting",
				"version", version,
				"data_dir", cfg.DataDir,
				"http", cfg.HTTP.Addr,
				"grpc", cfg.GRPC.Enabled,
				"registry", cfg.Registry.Enabled,
				"archive", cfg.Archive.Enabled,
				"startup", time.Since(start).Round(time.Millisecond),
			)
			if err := a.Run(cmd.Context()); err != nil {
				return err
			}
			logger.Info("sowdb stopped")
			return nil
		},
	}

	f := cmd.Flags()
	f.String("http-addr", "", "HTTP listen address")
	f.Bool("grpc", false, "enable the gRPC server")
	f.String("grpc-addr", "", "gRPC listen address")
	f.String("default-store", "", "store for authenticated writes that name none")
	f.String("guest-store", "", "store every guest write is pinned to")
	f.StringSlice("api-key", nil, "API key entry (name:secret, repeatable)")
	f.Bool("require-credential", false, "reject writes without a valid API key")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "sowdb version %s (commit: %s)\n", version, commit)
		},
	}
}

// newLogger builds the process logger. Text output is colourised only when
// w is a terminal.
func newLogger(w io.Writer, cfg config.LogConfig) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	ll := &slog.LevelVar{}
	ll.Set(level)

	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ll})), nil
	}

	noColor := true
	if f, ok := w.(*os.File); ok {
		noColor = !isatty.IsTerminal(f.Fd())
		w = colorable.NewColorable(f)
	}
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      ll,
		TimeFormat: time.TimeOnly,
		NoColor:    noColor,
	})), nil
}
