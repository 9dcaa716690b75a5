package main

import (
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"github.com/sells-group/stormlead-cli/internal/observability"
	"github.com/sells-group/stormlead-cli/internal/webhook"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the vendor webhook receiver",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		pool, err := openPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		addr := cfg.Serve.Addr
		if serveAddr != "" {
			addr = serveAddr
		}

		srv := webhook.NewServer(pool, observability.NewMetrics(), clockwork.NewRealClock(),
			cfg.Serve.WebhookToken, cfg.Serve.BackupDir)
		return srv.Start(ctx, addr)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from config)")
	rootCmd.AddCommand(serveCmd)
}
