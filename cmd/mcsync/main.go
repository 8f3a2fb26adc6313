// Command mcsync syncs Mailchimp engagement into an analytics sink.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Sternrassler/mailchimp-activity-sync/pkg/config"
	"github.com/Sternrassler/mailchimp-activity-sync/pkg/logging"
	"github.com/spf13/cobra"
)

var (
	configPath string
	cfg        config.Config
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "mcsync",
		Short: "Incremental Mailchimp engagement sync",
		Long: `mcsync loads sent campaigns and their per-recipient email activity from the
Mailchimp Marketing API, projects them into analytics events and delivers
them to PostHog or S3.

Work is done in small ticks. State lives in Redis between ticks, so any
host can pick up where another stopped.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load(configPath)
			if err != nil {
				return err
			}
			cfg = loaded
			logging.Setup(logging.FromConfig(cfg.Log, cmd.ErrOrStderr()))
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	root.AddCommand(newRunCmd(), newTickCmd(), newResetCmd(), newStatusCmd())
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
