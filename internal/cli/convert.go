package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"rtms-relay/internal/app"
)

func NewConvertCmd(opts *options) *cobra.Command {
	var upload bool

	cmd := &cobra.Command{
		Use:   "convert <meeting-uuid>",
		Short: "Convert raw video left on disk for a meeting into MP4",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.read()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			logger, err := app.NewLogger(cfg.Log)
			if err != nil {
				return err
			}
			defer logger.Sync()

			application, err := app.New(cfg, logger)
			if err != nil {
				return fmt.Errorf("initializing app: %w", err)
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			meetingUUID := args[0]
			outputs, convErr := application.Converter.Recover(ctx, meetingUUID)

			out := cmd.OutOrStdout()
			if len(outputs) == 0 && convErr == nil {
				fmt.Fprintf(out, "Nothing to convert for meeting %s\n", meetingUUID)
				return nil
			}
			for _, o := range outputs {
				fmt.Fprintf(out, "Converted %s\n", o)
			}

			if upload && len(outputs) > 0 {
				if application.Archiver == nil {
					return fmt.Errorf("--upload requires an archive bucket")
				}
				if err := application.Archiver.Archive(ctx, meetingUUID, outputs); err != nil {
					return fmt.Errorf("archiving: %w", err)
				}
				fmt.Fprintf(out, "Uploaded %d file(s)\n", len(outputs))
			}
			return convErr
		},
	}

	cmd.Flags().BoolVar(&upload, "upload", false, "upload converted files to the archive bucket")
	return cmd
}
