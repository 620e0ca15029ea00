package cmd

import (
	"fmt"
	"time"

	"github.com/TFMV/classmesh/common"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	teacherFlag string
	requestFlag string
	waitFlag    bool
)

// learnCmd finds a teacher and downloads the video it shares
var learnCmd = &cobra.Command{
	Use:   "learn",
	Short: "Receive a lesson video from a nearby teacher",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger()
		if err != nil {
			return err
		}
		defer logger.Sync()

		n, err := startNode(logger, common.RoleStudent)
		if err != nil {
			return err
		}
		defer n.Stop()

		ctx, cancel := signalContext()
		defer cancel()

		found := make(chan common.Device, 1)
		unsubscribe := n.Discovery().OnDeviceFound(func(d common.Device) {
			if teacherFlag != "" && d.ID != teacherFlag && d.Name != teacherFlag {
				return
			}
			select {
			case found <- d:
			default:
			}
		})
		defer unsubscribe()

		if _, err := n.Discovery().StartDiscovery(ctx); err != nil {
			return err
		}
		fmt.Println("Looking for a teacher...")

		var teacher common.Device
		select {
		case teacher = <-found:
		case <-ctx.Done():
			return ctx.Err()
		}
		n.Discovery().StopDiscovery()
		fmt.Printf("Found %s at %s\n", teacher.Name, teacher.Address)

		type outcome struct {
			asset *common.MediaAsset
			err   error
		}
		done := make(chan outcome, 1)
		downloads := newProgressBars("Receiving from")
		unsubProgress := n.Files().Receiver().OnProgress(func(p common.TransferProgress) {
			downloads.update(p)
			if p.State == common.TransferStateFailed || p.State == common.TransferStateCancelled {
				select {
				case done <- outcome{err: fmt.Errorf("download %s: %s", p.State, p.Error)}:
				default:
				}
			}
		})
		defer unsubProgress()
		unsubReceived := n.Files().Receiver().OnFileReceived(func(a *common.MediaAsset, from common.Device) {
			select {
			case done <- outcome{asset: a}:
			default:
			}
		})
		defer unsubReceived()

		if _, err := n.Connections().Connect(ctx, teacher); err != nil {
			return err
		}
		// a teacher with auto-send on pushes its video as soon as we connect
		if !waitFlag {
			if err := n.Request(teacher, requestFlag); err != nil {
				return err
			}
		}

		select {
		case res := <-done:
			if res.err != nil {
				return res.err
			}
			fmt.Printf("Saved %s (%s) to %s\n", res.asset.Name, common.FormatSize(res.asset.Size), res.asset.Path)
			logger.Info("Lesson received",
				zap.String("asset_id", res.asset.ID),
				zap.String("teacher", teacher.ID))
		case <-ctx.Done():
			return ctx.Err()
		}

		n.Connections().Disconnect(teacher)
		// let the disconnect reach the teacher before shutting down
		time.Sleep(100 * time.Millisecond)
		return nil
	},
}

func init() {
	learnCmd.Flags().StringVar(&teacherFlag, "teacher", "", "only connect to the teacher with this ID or name")
	learnCmd.Flags().StringVar(&requestFlag, "asset", "", "request a specific asset ID instead of the shared video")
	learnCmd.Flags().BoolVar(&waitFlag, "wait", false, "wait for the teacher to push its video instead of requesting it")
	rootCmd.AddCommand(learnCmd)
}
