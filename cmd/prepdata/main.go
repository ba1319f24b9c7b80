// Command prepdata turns the labeled fundus image directory into train and
// validation arrays for model training.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/retina-check/internal/dataset"
	"github.com/example/retina-check/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	opts := dataset.DefaultOptions()
	var logLevel string

	cmd := &cobra.Command{
		Use:          "prepdata",
		Short:        "Build train/validation arrays from labeled fundus images",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.NewLogger(logging.Options{Level: logLevel})
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			summary, err := dataset.Prepare(cmd.Context(), opts, logger)
			if err != nil {
				logger.Error("dataset preparation failed", zap.Error(err))
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Preprocessing complete: %d rows, %d loaded, %d skipped, %d train, %d val\n",
				summary.Total, summary.Loaded, summary.Skipped, summary.Train, summary.Val)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.LabelsPath, "labels", opts.LabelsPath, "CSV file with id_code and diagnosis columns")
	flags.StringVar(&opts.ImagesDir, "images", opts.ImagesDir, "Directory holding <id_code><ext> images")
	flags.StringVar(&opts.OutDir, "out", opts.OutDir, "Directory the .npy arrays are written to")
	flags.Float64Var(&opts.ValRatio, "val-ratio", opts.ValRatio, "Share of samples held out for validation")
	flags.Uint64Var(&opts.Seed, "seed", opts.Seed, "Shuffle seed; equal seeds give equal splits")
	flags.IntVar(&opts.Workers, "workers", opts.Workers, "Images decoded in parallel")
	flags.IntVar(&opts.Size, "size", opts.Size, "Edge length images are resized to")
	flags.StringVar(&opts.Ext, "ext", opts.Ext, "Image file extension")
	flags.StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")

	return cmd
}
