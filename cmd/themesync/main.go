package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/openmined/themesync/internal/utils"
	"github.com/openmined/themesync/internal/version"
)

var rootCmd = &cobra.Command{
	Use:   "themesync",
	Short: "Keep a local theme directory in sync with a remote theme",
	Long: `themesync mirrors a theme between a local directory and the remote store.
Run "themesync dev" to reconcile once and then watch and poll both sides.`,
	Version:       version.Detailed(),
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogger(nil, flagBool(cmd, "verbose"))
		return loadConfig(cmd)
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.SortFlags = false
	pf.StringP("config", "c", "", "config file (default ~/.config/themesync/config.json)")
	pf.StringP("path", "p", ".", "theme root directory")
	pf.StringP("store", "s", "", "store domain, e.g. my-shop.myshopify.com")
	pf.String("password", "", "admin api access token")
	pf.StringP("theme", "t", "", "remote theme id")
	pf.String("backend", "rest", "remote backend: rest or s3")
	pf.StringSlice("only", nil, "only sync keys matching these patterns")
	pf.StringSlice("ignore", nil, "skip keys matching these patterns")
	pf.Bool("nodelete", false, "never delete remote files")
	pf.BoolP("verbose", "v", false, "debug logging")
	pf.String("s3-endpoint", "", "s3 backend: custom endpoint (minio, localstack)")
	pf.String("s3-bucket", "", "s3 backend: bucket")
	pf.String("s3-region", "", "s3 backend: region")
	pf.String("s3-access-key", "", "s3 backend: access key")
	pf.String("s3-secret-key", "", "s3 backend: secret key")
}

// setupLogger installs tint on stdout and, when logFile is set, a plain text
// handler writing numbered lines to it.
func setupLogger(logFile io.Writer, verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	handlers := []slog.Handler{
		tint.NewHandler(os.Stdout, &tint.Options{
			Level:      level,
			TimeFormat: "15:04:05.000",
			NoColor:    !isatty.IsTerminal(os.Stdout.Fd()),
		}),
	}
	if logFile != nil {
		handlers = append(handlers, slog.NewTextHandler(logFile, &slog.HandlerOptions{
			Level: slog.LevelDebug,
			// the interceptor adds the time
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				if a.Key == slog.TimeKey && len(groups) == 0 {
					return slog.Attr{}
				}
				return a
			},
		}))
	}

	slog.SetDefault(slog.New(utils.NewMultiLogHandler(handlers...)))
}

// openLogFile appends to the workspace log and routes debug logs to it.
func openLogFile(path string, verbose bool) (func(), error) {
	if err := utils.EnsureParent(path); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	interceptor := utils.NewLogInterceptor(file)
	setupLogger(interceptor, verbose)

	return func() {
		setupLogger(nil, verbose)
		_ = interceptor.Close()
		_ = file.Close()
	}, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, red.Render("Error: "+err.Error()))
		stop()
		os.Exit(1)
	}
}
