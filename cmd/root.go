package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// rootCmd is the base command for the ClassMesh CLI.
var rootCmd = &cobra.Command{
	Use:   "classctl",
	Short: "ClassMesh CLI - share lesson videos across a classroom without internet",
	Long: "ClassMesh CLI discovers nearby devices, streams lesson videos from a teacher to students " +
		"over the local network and shrinks videos before they are shared.",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("Welcome to ClassMesh CLI! Use 'classctl --help' for available commands.")
	},
}

// Execute runs the root command.
func Execute() {
	cobra.OnInitialize(initConfig)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("name", "", "device name shown to peers")
	rootCmd.PersistentFlags().String("base-dir", "", "directory holding the asset catalog and downloads")
	viper.BindPFlag("node.name", rootCmd.PersistentFlags().Lookup("name"))
	viper.BindPFlag("storage.base_dir", rootCmd.PersistentFlags().Lookup("base-dir"))
}

// initConfig initializes Viper to read in configuration.
func initConfig() {
	viper.SetConfigName("config") // config file name (without extension)
	viper.SetConfigType("yaml")   // config file type
	viper.AddConfigPath(".")      // look for the config in the current directory
	viper.SetEnvPrefix("CLASSMESH")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		fmt.Println("No config file found, using defaults.")
	}
}
