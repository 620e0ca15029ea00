package cmd

import (
	"github.com/TFMV/classmesh/server"
	"github.com/spf13/cobra"
)

// serverCmd starts the ClassMesh API server.
var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start ClassMesh monitoring API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		// Initialize Zap logger.
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

		errCh := make(chan error, 1)
		go func() {
			// Start the Fiber-based API server.
			errCh <- server.StartAPIServer(logger, n)
		}()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
			logger.Info("Received shutdown signal")
			return nil
		}
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
}
