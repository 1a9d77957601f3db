package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"rtms-relay/internal/archive"
	"rtms-relay/internal/config"
	"rtms-relay/internal/media"
)

var errChecksFailed = errors.New("some prerequisites are missing")

func NewDoctorCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check prerequisites",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.read()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if !runChecks(cmd.Context(), cmd.OutOrStdout(), cfg) {
				return errChecksFailed
			}
			return nil
		},
	}
}

func runChecks(ctx context.Context, w io.Writer, cfg *config.Config) bool {
	ok := true
	check := func(name string, err error, detail string) {
		if err != nil {
			fmt.Fprintf(w, "✗ %s: %v\n", name, err)
			ok = false
			return
		}
		fmt.Fprintf(w, "✓ %s: %s\n", name, detail)
	}

	check("ffmpeg", media.CheckBinaries(cfg.FFmpeg.Path), "installed")
	check("Credentials", cfg.Validate(), "configured")
	check("Data directory", checkWritable(cfg.Storage.DataDir), cfg.Storage.DataDir)
	check("Live directory", checkWritable(cfg.Storage.LiveDir), cfg.Storage.LiveDir)

	if cfg.Archive.Enabled() {
		if ctx == nil {
			ctx = context.Background()
		}
		check("Archive bucket", checkBucket(ctx, cfg.Archive), cfg.Archive.Bucket)
	} else {
		fmt.Fprintln(w, "- Archive: disabled")
	}

	if ok {
		fmt.Fprintln(w, "\nAll prerequisites met.")
	} else {
		fmt.Fprintln(w, "\nSome prerequisites are missing.")
	}
	return ok
}

func checkWritable(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

func checkBucket(ctx context.Context, conf config.ArchiveConfig) error {
	uploader, err := archive.NewUploader(archive.Config{
		Bucket:          conf.Bucket,
		Region:          conf.Region,
		Endpoint:        conf.Endpoint,
		AccessKeyID:     conf.AccessKeyID,
		SecretAccessKey: conf.SecretAccessKey,
		Prefix:          conf.Prefix,
	}, zap.NewNop())
	if err != nil {
		return err
	}
	return uploader.CheckBucket(ctx)
}
