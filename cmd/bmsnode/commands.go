package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/micro-nova/bmsnode/internal/config"
	"github.com/micro-nova/bmsnode/internal/nvs"
	"github.com/micro-nova/bmsnode/internal/ota"
	"github.com/micro-nova/bmsnode/internal/wifi"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Confirm or roll back the running firmware image",
	Long: `Check the running boot slot. An image booted for the first time after an
update is confirmed when the settings store can be read, and rolled back to
the previous slot otherwise. Confirmed images are left alone.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := loadOptions()
		if err != nil {
			return err
		}
		setupLogging(opts)

		slots, err := openSlots(opts, false)
		if err != nil {
			return err
		}
		settings, _, err := openSettings(opts)
		if err != nil {
			return err
		}
		rollback, err := ota.ValidateRunning(slots, settings.Reload)
		if err != nil {
			return err
		}
		running := slots.Running()
		if rollback {
			fmt.Printf("slot %s rejected, next boot uses %s\n", running.Label, slots.BootTarget())
			return nil
		}
		fmt.Printf("slot %s is %s\n", running.Label, running.State)
		return nil
	},
}

var eraseCmd = &cobra.Command{
	Use:   "erase-settings",
	Short: "Erase stored settings and write factory defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := loadOptions()
		if err != nil {
			return err
		}
		setupLogging(opts)

		flash, err := nvs.NewFileFlash(opts.SettingsDir())
		if err != nil {
			return err
		}
		settings := config.New(nvs.NewStore(flash))
		if err := settings.Reset(); err != nil {
			return fmt.Errorf("erase settings: %w", err)
		}
		fmt.Println("settings reset to defaults")
		return nil
	},
}

var scanTimeout time.Duration

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "List visible wireless networks",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := loadOptions()
		if err != nil {
			return err
		}
		setupLogging(opts)

		radio, pinger, closer, err := newRadio(opts)
		if err != nil {
			return err
		}
		defer closer.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), scanTimeout)
		defer cancel()
		networks, err := wifi.NewManager(radio, pinger).Scan(ctx)
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "SSID\tCHANNEL\tSIGNAL")
		for _, n := range networks {
			fmt.Fprintf(tw, "%s\t%d\t%d dBm\n", n.SSID, n.Channel, n.SignalStrength)
		}
		return tw.Flush()
	},
}

func init() {
	scanCmd.Flags().DurationVar(&scanTimeout, "timeout", 15*time.Second, "Scan timeout")
}
