package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alexjbarnes/health-sync/internal/config"
	"github.com/alexjbarnes/health-sync/internal/logging"
	"github.com/alexjbarnes/health-sync/internal/notify"
	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	if err := execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return newRootCmd().ExecuteContext(ctx)
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "health-sync",
		Short: "Sync on-device health records with a health sync server",
		Long: `health-sync uploads locally recorded health data to a health sync
server on a schedule, keeps the session tokens fresh and applies
change notifications pushed by the server to the local record store.

Configuration comes from the environment (and a .env file); see
HEALTH_API_BASE, SYNC_INTERVAL and friends.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newRunCmd(),
		newLoginCmd(),
		newLogoutCmd(),
		newSyncCmd(),
		newRefreshCmd(),
		newStatusCmd(),
		newImportCmd(),
		newHashKeyCmd(),
	)

	return root
}

// withApp loads the configuration, opens the databases and calls fn.
// The daemon logs at the configured level to stdout; interactive
// commands only surface warnings on stderr and print alerts there.
func withApp(cmd *cobra.Command, daemon bool, fn func(ctx context.Context, a *app) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	var notifier notify.Notifier

	logger := logging.NewCLILogger(cfg.LogFile)
	notifier = notify.NewTerminal(cmd.ErrOrStderr())

	if daemon {
		logger = logging.NewLogger(cfg.Environment, cfg.LogFile)
		notifier = notify.NewLog(logger)

		if !cfg.IsProduction() {
			notifier = notify.Multi{notify.NewLog(logger), notify.NewTerminal(cmd.ErrOrStderr())}
		}
	}

	a, err := openApp(cfg, logger, notifier)
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(cmd.Context(), a)
}
