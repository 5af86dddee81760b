// Command bmsnode is the device firmware daemon. It restores settings from
// flash, brings up the wireless link and serves firmware updates over HTTP.
//
// Usage:
//
//	bmsnode [run] [flags]
//	bmsnode validate
//	bmsnode erase-settings
//	bmsnode scan
//	bmsnode version
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/micro-nova/bmsnode/internal/identity"
	"github.com/micro-nova/bmsnode/internal/options"
)

var (
	configPath string
	debug      bool
	listenAddr string
	dataDir    string
	radioName  string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "bmsnode",
	Short: "BMS node firmware daemon",
	Long: `The bmsnode daemon keeps device settings in a flash-backed store, brings up
the wireless link (station plus hotspot, or hotspot only) and accepts firmware
images over HTTP at /ota.

Running without a subcommand is the same as 'bmsnode run'.`,
	SilenceUsage: true,
	RunE:         runDaemon,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", options.DefaultPath, "Path to the YAML options file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Override the data directory")
	rootCmd.PersistentFlags().StringVar(&radioName, "radio", "", "Override the radio driver (networkmanager, mock)")

	runCmd.Flags().StringVar(&listenAddr, "addr", "", "Override the HTTP listen address")
	rootCmd.Flags().AddFlagSet(runCmd.Flags())

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(eraseCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(versionCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the daemon",
	Example: `  # Run with the default options file
  bmsnode run

  # Run on a development machine without a radio
  bmsnode run --radio mock --data-dir ./data --addr :8080 --debug`,
	RunE: runDaemon,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := loadOptions()
		if err != nil {
			return err
		}
		fmt.Printf("bmsnode %s\n", identity.GetVersion(opts.DataDir))
		return nil
	},
}

// loadOptions reads the options file and applies command-line overrides.
func loadOptions() (*options.Options, error) {
	opts, err := options.Load(configPath)
	if err != nil {
		return nil, err
	}
	if debug {
		opts.Debug = true
	}
	if dataDir != "" {
		opts.DataDir = dataDir
	}
	if listenAddr != "" {
		opts.Listen = listenAddr
	}
	if radioName != "" {
		opts.Radio.Driver = radioName
	}
	return opts, opts.Validate()
}
