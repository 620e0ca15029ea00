package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/TFMV/classmesh/common"
	"github.com/TFMV/classmesh/node"
	"github.com/TFMV/classmesh/transcode"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	resolutionFlag string
	qualityFlag    string
	bitrateFlag    int
	previewFlag    bool
)

// transcodeCmd compresses a video into a smaller copy
var transcodeCmd = &cobra.Command{
	Use:   "transcode [video]",
	Short: "Compress a video for sharing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		settings, err := compressionSettings()
		if err != nil {
			return err
		}

		if previewFlag {
			info, err := os.Stat(args[0])
			if err != nil {
				return fmt.Errorf("failed to stat video: %w", err)
			}
			fmt.Printf("Estimated sizes for %s (%s):\n", args[0], common.FormatSize(info.Size()))
			preview := common.SizePreview(info.Size())
			for _, r := range common.Resolutions {
				fmt.Printf("  %-5s %s\n", r, common.FormatSize(preview[r]))
			}
			return nil
		}

		logger, err := newLogger()
		if err != nil {
			return err
		}
		defer logger.Sync()

		n, err := startNode(logger, "")
		if err != nil {
			return err
		}
		defer n.Stop()

		ctx, cancel := signalContext()
		defer cancel()

		asset, err := n.Files().AddAsset(args[0])
		if err != nil {
			return err
		}
		result, err := compress(ctx, logger, n, asset, settings)
		if err != nil {
			return err
		}

		fmt.Printf("Compressed %s -> %s\n", asset.Name, result.Name)
		fmt.Printf("  Size:      %s -> %s (reduced by %d%%)\n",
			common.FormatSize(asset.Size), common.FormatSize(result.Size),
			common.ReductionPercent(asset.Size, result.Size))
		if result.Estimated {
			fmt.Println("  Note:      ffmpeg unavailable, size is an estimate and the original file is kept")
		}
		fmt.Printf("  Asset ID:  %s\n", result.ID)
		return nil
	},
}

// compressionSettings builds settings from the command line flags
func compressionSettings() (common.CompressionSettings, error) {
	settings := common.DefaultCompressionSettings()

	r, err := common.ParseResolution(resolutionFlag)
	if err != nil {
		return settings, err
	}
	q, err := common.ParseQuality(qualityFlag)
	if err != nil {
		return settings, err
	}
	settings.Resolution = r
	settings.Quality = q
	settings.BitrateKbps = bitrateFlag
	return settings, settings.Validate()
}

// compress runs a job for asset and renders its progress
func compress(ctx context.Context, logger *zap.Logger, n *node.Node, asset *common.MediaAsset, settings common.CompressionSettings) (*common.MediaAsset, error) {
	job, err := n.Files().Compress(ctx, asset.ID, settings)
	if err != nil {
		return nil, err
	}

	bar := progressbar.NewOptions(100,
		progressbar.OptionSetDescription(fmt.Sprintf("Compressing to %s", settings.Resolution)),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)
	unsubscribe := n.Files().Pipeline().OnProgress(func(ev transcode.JobEvent) {
		if ev.JobID == job.ID {
			bar.Set(ev.Progress)
		}
	})
	defer unsubscribe()

	result, err := job.Wait(ctx)
	if err != nil {
		job.Cancel()
		return nil, err
	}
	bar.Finish()
	fmt.Fprintln(os.Stderr)

	logger.Info("Compression finished",
		zap.String("job_id", job.ID),
		zap.String("path", string(job.Path())),
		zap.Bool("estimated", result.Estimated))
	return result, nil
}

func addCompressionFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&resolutionFlag, "resolution", string(common.Resolution720p), "target resolution (240p, 360p, 480p, 720p)")
	cmd.Flags().StringVar(&qualityFlag, "quality", string(common.QualityMedium), "quality level (low, medium, high)")
	cmd.Flags().IntVar(&bitrateFlag, "bitrate", common.DefaultBitrateKbps, "video bitrate in kbps")
}

func init() {
	addCompressionFlags(transcodeCmd)
	transcodeCmd.Flags().BoolVar(&previewFlag, "preview", false, "print estimated sizes for every resolution and exit")
	rootCmd.AddCommand(transcodeCmd)
}
