package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/TFMV/classmesh/common"
	"github.com/TFMV/classmesh/file"
	"github.com/TFMV/classmesh/node"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// assetsCmd manages the local video catalog
var assetsCmd = &cobra.Command{
	Use:   "assets",
	Short: "Manage the local video catalog",
}

var assetsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List videos in the catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStorage(func(logger *zap.Logger, storage *file.StorageManager) error {
			assets := storage.ListAssets()
			if len(assets) == 0 {
				fmt.Println("No assets in the catalog.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSIZE\tRESOLUTION\tDURATION\tSOURCE")
			for _, a := range assets {
				source := "-"
				if a.Derived() {
					source = a.DerivedFrom
				}
				name := a.Name
				if a.Estimated {
					name += " (estimated)"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					a.ID, name, common.FormatSize(a.Size), a.Resolution,
					common.FormatDuration(a.Duration), source)
			}
			return w.Flush()
		})
	},
}

var assetsAddCmd = &cobra.Command{
	Use:   "add [video...]",
	Short: "Add videos to the catalog",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStorage(func(logger *zap.Logger, storage *file.StorageManager) error {
			for _, path := range args {
				asset, err := storage.AddFile(path)
				if err != nil {
					return err
				}
				fmt.Printf("Added %s (%s) as %s\n", asset.Name, common.FormatSize(asset.Size), asset.ID)
			}
			return nil
		})
	},
}

var assetsDeleteCmd = &cobra.Command{
	Use:   "delete [asset-id...]",
	Short: "Remove videos from the catalog",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStorage(func(logger *zap.Logger, storage *file.StorageManager) error {
			for _, id := range args {
				if err := storage.DeleteAsset(id); err != nil {
					return err
				}
				fmt.Printf("Deleted %s\n", id)
			}
			return nil
		})
	},
}

var assetsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show catalog storage usage",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStorage(func(logger *zap.Logger, storage *file.StorageManager) error {
			stats, err := storage.GetStorageStats()
			if err != nil {
				return err
			}
			for _, key := range []string{"base_dir", "asset_count", "derived_count", "total_size", "disk_usage"} {
				fmt.Printf("%-12s %v\n", key+":", stats[key])
			}
			return nil
		})
	},
}

// withStorage opens the catalog without starting a node
func withStorage(fn func(*zap.Logger, *file.StorageManager) error) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	cfg, err := node.LoadConfig()
	if err != nil {
		return err
	}
	storage, err := file.NewStorageManager(logger, cfg.Storage)
	if err != nil {
		return err
	}
	return fn(logger, storage)
}

func init() {
	assetsCmd.AddCommand(assetsListCmd, assetsAddCmd, assetsDeleteCmd, assetsStatsCmd)
	rootCmd.AddCommand(assetsCmd)
}
