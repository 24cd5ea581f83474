package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Huddly/sdk-sub000/pkg/devices"
	"github.com/Huddly/sdk-sub000/pkg/fwpkg"
	"github.com/Huddly/sdk-sub000/pkg/hotplug"
	"github.com/Huddly/sdk-sub000/pkg/msgbus"
	"github.com/Huddly/sdk-sub000/pkg/rpc"
	"github.com/Huddly/sdk-sub000/pkg/transport/mqttbus"
	"github.com/Huddly/sdk-sub000/pkg/upgrade"
)

var (
	upgradeSource   string
	upgradeSerial   string
	upgradeRPC      string
	upgradeMQTT     bool
	upgradeAttempts int
)

var upgradeCmd = &cobra.Command{
	Use:   "upgrade",
	Short: "Install a firmware package on a camera",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		pkg, err := loadPackage(ctx, upgradeSource)
		if err != nil {
			return err
		}

		uctx, err := devices.NewContext()
		if err != nil {
			return fmt.Errorf("failed to initialize USB: %w", err)
		}
		defer uctx.Close()
		broker := hotplug.NewBroker()
		defer broker.Close()
		poller := &hotplug.Poller{Enumerate: hotplug.USB(uctx), Broker: broker}

		opts := []upgrade.Option{
			upgrade.WithWatchdog(cfg.Upgrade.Watchdog),
			upgrade.WithBootTimeout(cfg.Upgrade.BootTimeout),
			upgrade.WithMaxAttempts(cfg.Upgrade.Attempts),
		}
		if upgradeAttempts > 0 {
			opts = append(opts, upgrade.WithMaxAttempts(upgradeAttempts))
		}

		var u upgrade.Upgrader
		switch {
		case upgradeRPC != "":
			if upgradeSerial == "" {
				return fmt.Errorf("--serial is required with --rpc")
			}
			client, err := rpc.Dial(upgradeRPC)
			if err != nil {
				return err
			}
			target := upgrade.Target{Serial: upgradeSerial, Kind: devices.L1, Hotplug: broker}
			ru := upgrade.NewRPC(client, pkg, target, func(ctx context.Context, d hotplug.Device) (*rpc.Client, error) {
				return rpc.Dial(upgradeRPC)
			}, opts...)
			defer func() { ru.Client().Close() }()
			u = ru

		default:
			var cam *camera
			dial := dialUSB(uctx)
			if upgradeMQTT {
				cam, err = openMQTT(ctx, upgradeSerial, devices.IQ)
				if err != nil {
					return err
				}
				dial = func(ctx context.Context, d hotplug.Device) (*msgbus.Engine, error) {
					t, err := mqttbus.Dial(ctx, cfg.mqtt(d.Serial))
					if err != nil {
						return nil, err
					}
					return msgbus.New(t), nil
				}
				probe, err := openMQTT(ctx, upgradeSerial, devices.IQ)
				if err != nil {
					cam.Close()
					return err
				}
				defer probe.Close()
				poller.Enumerate = probeEnumerator(probe.eng, upgradeSerial, cam.desc.Kind)
			} else {
				t, desc, err := openUSBTransport(uctx, upgradeSerial)
				if err != nil {
					return err
				}
				cam = &camera{eng: msgbus.New(t), desc: desc}
			}

			serial := upgradeSerial
			if serial == "" {
				serial, err = cam.eng.SerialNumber(ctx)
				if err != nil {
					cam.Close()
					return fmt.Errorf("reading serial number: %w", err)
				}
			}
			target := upgrade.Target{Serial: serial, Kind: cam.desc.Kind, Hotplug: broker}
			switch cam.desc.Upgrade {
			case devices.UpgradeFlash:
				fu := upgrade.NewFlash(cam.eng, pkg, target, dial, opts...)
				defer func() { fu.Engine().Close() }()
				u = fu
			case devices.UpgradePackage:
				pu := upgrade.NewPackage(cam.eng, pkg, target, dial, opts...)
				defer func() { pu.Engine().Close() }()
				u = pu
			default:
				cam.Close()
				return fmt.Errorf("%s is upgraded over RPC, use --rpc", cam.desc.Kind)
			}
		}

		cancelEvents := u.Subscribe(showProgress(u))
		defer cancelEvents()

		g, gctx := errgroup.WithContext(ctx)
		pctx, stopPolling := context.WithCancel(gctx)
		g.Go(func() error {
			if err := poller.Run(pctx); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			defer stopPolling()
			return u.Upgrade(gctx)
		})
		if err := g.Wait(); err != nil {
			return err
		}
		a := u.Attempt()
		slog.Info("Upgrade complete", "serial", a.Serial, "attempts", a.Count)
		return nil
	},
}

func loadPackage(ctx context.Context, src string) (*fwpkg.Package, error) {
	data, err := cfg.cache().Get(ctx, src)
	if err != nil {
		return nil, err
	}
	var opts []fwpkg.Option
	if cfg.Upgrade.PublicKey != "" {
		key, err := hex.DecodeString(cfg.Upgrade.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("invalid public key: %w", err)
		}
		opts = append(opts, fwpkg.WithPublicKey(key))
	}
	pkg, err := fwpkg.Parse(data, opts...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", src, err)
	}
	return pkg, nil
}

// probeEnumerator reports the camera as present while it answers on eng.
func probeEnumerator(eng *msgbus.Engine, serial string, kind devices.Kind) hotplug.Enumerator {
	return func() ([]hotplug.Device, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		eng.ResetCapabilities()
		if _, err := eng.SerialNumber(ctx); err != nil {
			slog.Debug("Camera does not answer", "serial", serial, "err", err)
			return nil, nil
		}
		return []hotplug.Device{{Serial: serial, Kind: kind}}, nil
	}
}

// showProgress draws upgrade events as a progress bar.
func showProgress(u upgrade.Upgrader) func(upgrade.Event) {
	bar := progressbar.NewOptions(100,
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetDescription("Upgrading"),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(os.Stderr) }),
		progressbar.OptionSetWriter(os.Stderr),
	)
	return func(ev upgrade.Event) {
		switch ev.Type {
		case upgrade.EventProgress:
			bar.Describe(ev.Report.Status)
			bar.Set(ev.Report.Progress)
		case upgrade.EventTimeout:
			slog.Warn("Timeout", "msg", ev.Message)
		case upgrade.EventFailed:
			if ev.RunAgain {
				a := u.Attempt()
				slog.Warn("Upgrade attempt failed, trying again", "attempt", a.Count, "max", a.Max, "err", ev.Err)
				bar.Reset()
			}
		case upgrade.EventComplete:
			bar.Finish()
		}
	}
}
