package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"rtms-relay/internal/app"
	"rtms-relay/internal/media"
	"rtms-relay/internal/version"
)

func NewServeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server and media relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			logger, err := app.NewLogger(cfg.Log)
			if err != nil {
				return err
			}
			defer logger.Sync()

			if err := media.CheckBinaries(cfg.FFmpeg.Path); err != nil {
				return err
			}

			application, err := app.New(cfg, logger)
			if err != nil {
				return fmt.Errorf("initializing app: %w", err)
			}

			logger.Info("Starting RTMS relay",
				zap.String("version", version.Version),
				zap.String("addr", cfg.Server.Addr()),
				zap.String("webhook_path", cfg.Server.WebhookPath),
				zap.String("data_dir", cfg.Storage.DataDir),
				zap.String("live_dir", cfg.Storage.LiveDir),
				zap.Bool("archive", application.Archiver != nil))

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return application.Serve(ctx)
		},
	}
}
