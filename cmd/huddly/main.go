package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var rootCmd = &cobra.Command{
	Use:   "huddly",
	Short: "huddly inspects and upgrades Huddly cameras",
	Long: `Lists connected cameras, reads their product information, builds and
verifies firmware packages and installs them.

Settings are read from $XDG_CONFIG_HOME/huddly/config.yaml and from HUDDLY_*
environment variables.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if verboseLog {
			slog.SetLogLoggerLevel(slog.LevelDebug)
		}
		c, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		cfg = c
		return nil
	},
}

var (
	verboseLog bool
	configPath string
)

func main() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().BoolVarP(&verboseLog, "verbose", "v", false, "Enable verbose debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file (default: $XDG_CONFIG_HOME/huddly/config.yaml)")

	upgradeCmd.Flags().StringVarP(&upgradeSource, "package", "p", "", "Firmware package: local path, http(s):// or s3:// URL")
	upgradeCmd.Flags().StringVarP(&upgradeSerial, "serial", "s", "", "Serial number of the camera to upgrade (default: first one found)")
	upgradeCmd.Flags().StringVar(&upgradeRPC, "rpc", "", "Address of the camera's firmware service, for network cameras")
	upgradeCmd.Flags().BoolVar(&upgradeMQTT, "mqtt", false, "Talk to the camera through the MQTT bridge from the config file")
	upgradeCmd.Flags().IntVar(&upgradeAttempts, "attempts", 0, "Maximum number of upgrade attempts (default from config)")
	upgradeCmd.MarkFlagRequired("package")
	infoCmd.Flags().StringVarP(&infoSerial, "serial", "s", "", "Serial number of the camera (default: first one found)")
	infoCmd.Flags().BoolVar(&infoMQTT, "mqtt", false, "Talk to the camera through the MQTT bridge from the config file")
	packageBuildCmd.Flags().StringVarP(&buildVersion, "version", "V", "", "Firmware version to record in the manifest")
	packageBuildCmd.Flags().StringVarP(&buildKey, "key", "k", "", "Path to a hex-encoded Ed25519 private key to sign with")
	packageBuildCmd.Flags().StringArrayVarP(&buildFlash, "flash", "f", nil, "Flash addresses of a file, as name=slotA,slotB (repeatable)")

	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(upgradeCmd)
	packageCmd.AddCommand(packageInspectCmd)
	packageCmd.AddCommand(packageVerifyCmd)
	packageCmd.AddCommand(packageBuildCmd)
	rootCmd.AddCommand(packageCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
}

func parseNumber(s string) (uint32, error) {
	var err error
	var res uint64
	if strings.HasPrefix(strings.ToLower(s), "0x") {
		res, err = strconv.ParseUint(s[2:], 16, 32)
		if err != nil {
			return 0, fmt.Errorf("invalid number %q", s)
		}
	} else {
		res, err = strconv.ParseUint(s, 10, 32)
		if err != nil {
			res, err = strconv.ParseUint(s, 16, 32)
			if err != nil {
				return 0, fmt.Errorf("invalid number %q", s)
			}
		}
	}
	return uint32(res), nil
}
