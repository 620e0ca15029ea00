package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/TFMV/classmesh/common"
	"github.com/spf13/cobra"
)

var windowFlag time.Duration

// devicesCmd scans for nearby ClassMesh devices
var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List nearby ClassMesh devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger()
		if err != nil {
			return err
		}
		defer logger.Sync()

		// students only see teachers; teachers see every device
		n, err := startNode(logger, "")
		if err != nil {
			return err
		}
		defer n.Stop()

		ctx, cancel := signalContext()
		defer cancel()

		unsubscribe := n.Discovery().OnDeviceFound(func(d common.Device) {
			fmt.Fprintf(os.Stderr, "Found %s (%s)\n", d.Name, d.Role)
		})
		defer unsubscribe()

		if _, err := n.Discovery().StartDiscovery(ctx); err != nil {
			return err
		}
		select {
		case <-time.After(windowFlag):
		case <-ctx.Done():
		}
		n.Discovery().StopDiscovery()

		devices := n.Discovery().DiscoveredDevices()
		if len(devices) == 0 {
			fmt.Println("No devices found.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tROLE\tADDRESS")
		for _, d := range devices {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				d.ID, d.Name, d.Role, d.Address)
		}
		return w.Flush()
	},
}

func init() {
	devicesCmd.Flags().DurationVar(&windowFlag, "window", 10*time.Second, "how long to scan")
	rootCmd.AddCommand(devicesCmd)
}
