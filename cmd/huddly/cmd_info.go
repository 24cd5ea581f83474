package main

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/Huddly/sdk-sub000/pkg/devices"
)

var (
	infoSerial string
	infoMQTT   bool
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show a camera's product information",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		var cam *camera
		var err error
		if infoMQTT {
			cam, err = openMQTT(ctx, infoSerial, devices.IQ)
		} else {
			cam, err = openUSB(infoSerial)
		}
		if err != nil {
			return err
		}
		defer cam.Close()

		info, err := cam.eng.ProductInfo(ctx)
		if err != nil {
			return fmt.Errorf("reading product info: %w", err)
		}
		slog.Debug("Product info", "fields", len(info))
		var keys []string
		for k := range info {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			fmt.Printf("%-24s %v\n", k, info[k])
		}
		return nil
	},
}
