package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Huddly/sdk-sub000/pkg/devices"
	"github.com/Huddly/sdk-sub000/pkg/hotplug"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List connected cameras",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		uctx, err := devices.NewContext()
		if err != nil {
			return fmt.Errorf("failed to initialize USB: %w", err)
		}
		defer uctx.Close()

		found, err := hotplug.USB(uctx)()
		if len(found) == 0 && err != nil {
			return err
		}
		if len(found) == 0 {
			fmt.Println("No cameras found.")
			return nil
		}
		for _, d := range found {
			fmt.Printf("%-16s %-14s bus %03d address %03d (%s)\n", d.Serial, d.Kind, d.Bus, d.Address, d.Kind.Description().Upgrade)
		}
		return nil
	},
}
