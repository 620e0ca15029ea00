package cmd

import (
	"fmt"
	"os"
	"sync"

	"github.com/TFMV/classmesh/common"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	assetFlag    string
	compressFlag bool
)

// teachCmd shares a video with every student that connects
var teachCmd = &cobra.Command{
	Use:   "teach [video]",
	Short: "Share a lesson video with nearby students",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 && assetFlag == "" {
			return fmt.Errorf("either a video path or --asset is required")
		}

		logger, err := newLogger()
		if err != nil {
			return err
		}
		defer logger.Sync()

		n, err := startNode(logger, common.RoleTeacher)
		if err != nil {
			return err
		}
		defer n.Stop()

		ctx, cancel := signalContext()
		defer cancel()

		var asset *common.MediaAsset
		if assetFlag != "" {
			asset, err = n.Files().Storage().GetAsset(assetFlag)
		} else {
			asset, err = n.Files().AddAsset(args[0])
		}
		if err != nil {
			return err
		}

		if compressFlag {
			settings, err := compressionSettings()
			if err != nil {
				return err
			}
			result, err := compress(ctx, logger, n, asset, settings)
			if err != nil {
				return err
			}
			if result.Estimated {
				fmt.Printf("Estimated %s at %s (reduced by %d%%)\n", result.Name,
					common.FormatSize(result.Size), common.ReductionPercent(asset.Size, result.Size))
				fmt.Println("Note: ffmpeg unavailable, size is an estimate and the original file is shared")
			} else {
				asset = result
			}
		}

		if err := n.Server().Share(asset); err != nil {
			return err
		}

		uploads := newProgressBars("Sending to")
		unsubscribe := n.Files().Engine().OnProgress(uploads.update)
		defer unsubscribe()

		if _, err := n.Server().StartServer(ctx); err != nil {
			return err
		}
		shared := n.Server().Shared()
		fmt.Printf("Sharing %s (%s) on %s\n", shared.Name, common.FormatSize(shared.Size), n.Server().Addr())
		fmt.Println("Press Ctrl+C to stop.")

		<-ctx.Done()
		logger.Info("Received shutdown signal",
			zap.Int("connected_devices", len(n.Connections().ConnectedDevices())))
		return nil
	},
}

// progressBars renders one bar per transfer session
type progressBars struct {
	label string
	mu    sync.Mutex
	bars  map[string]*progressbar.ProgressBar
}

func newProgressBars(label string) *progressBars {
	return &progressBars{label: label, bars: make(map[string]*progressbar.ProgressBar)}
}

func (p *progressBars) update(progress common.TransferProgress) {
	p.mu.Lock()
	defer p.mu.Unlock()

	bar, ok := p.bars[progress.SessionID]
	if !ok {
		bar = progressbar.NewOptions64(progress.TotalBytes,
			progressbar.OptionSetDescription(fmt.Sprintf("%s %s", p.label, progress.DeviceID)),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowBytes(true),
		)
		p.bars[progress.SessionID] = bar
	}
	bar.Set64(progress.BytesTransferred)

	if progress.State.IsTerminal() {
		if progress.State == common.TransferStateCompleted {
			bar.Finish()
		}
		fmt.Fprintf(os.Stderr, "\n%s %s: %s\n", progress.FileName, progress.DeviceID, progress.State)
		delete(p.bars, progress.SessionID)
	}
}

func init() {
	teachCmd.Flags().StringVar(&assetFlag, "asset", "", "share an asset already in the catalog by ID")
	teachCmd.Flags().BoolVar(&compressFlag, "compress", false, "compress the video before sharing")
	addCompressionFlags(teachCmd)
	rootCmd.AddCommand(teachCmd)
}
