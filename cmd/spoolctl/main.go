// Command spoolctl dials a single printer directly and issues one command,
// for manual testing against real hardware without running the full server.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/spoolbuddy/core/bambu"
	"github.com/spoolbuddy/core/dispatcher"
	"github.com/spoolbuddy/core/events"
	"github.com/spoolbuddy/core/printer"
)

type connFlags struct {
	serial     string
	host       string
	accessCode string
	timeout    time.Duration
}

func (f *connFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.serial, "serial", "", "printer serial number (required)")
	cmd.Flags().StringVar(&f.host, "host", "", "printer LAN IP or hostname (required)")
	cmd.Flags().StringVar(&f.accessCode, "access-code", "", "printer access code (required)")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 10*time.Second, "per-command RPC timeout")
	cmd.MarkFlagRequired("serial")
	cmd.MarkFlagRequired("host")
	cmd.MarkFlagRequired("access-code")
}

// withSession connects to one printer, runs fn once a Dispatcher is ready to
// issue commands against it, and tears the connection down afterward.
func withSession(f *connFlags, fn func(ctx context.Context, disp *dispatcher.Dispatcher) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), f.timeout+5*time.Second)
	defer cancel()

	ready := make(chan struct{})
	var closeOnce bool
	signalReady := func() {
		if !closeOnce {
			closeOnce = true
			close(ready)
		}
	}

	var sess *printer.Session
	var disp *dispatcher.Dispatcher
	cfg := printer.Config{Serial: f.serial, Host: f.host, AccessCode: f.accessCode}
	sess = printer.New(cfg, nil, func(e events.Event) {
		if _, ok := e.(events.PrinterState); ok {
			signalReady()
		}
	}, func(sequenceID, result string) { disp.Resolve(f.serial, sequenceID, result) })
	disp = dispatcher.New(func(string) (dispatcher.Publisher, bool) { return sess, true }, nil, f.timeout)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	go sess.Run(runCtx)

	select {
	case <-ready:
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for printer telemetry: %w", ctx.Err())
	}

	return fn(ctx, disp)
}

func newPushallCommand() *cobra.Command {
	f := &connFlags{}
	cmd := &cobra.Command{
		Use:   "pushall",
		Short: "Request a full state refresh",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(f, func(ctx context.Context, disp *dispatcher.Dispatcher) error {
				_, err := disp.Dispatch(ctx, f.serial, bambu.CmdPushAll, nil)
				return err
			})
		},
	}
	f.register(cmd)
	return cmd
}

func newAmsFilamentSettingCommand() *cobra.Command {
	f := &connFlags{}
	var setting bambu.AmsFilamentSetting
	cmd := &cobra.Command{
		Use:   "ams-filament-setting",
		Short: "Set the filament profile for one AMS tray",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(f, func(ctx context.Context, disp *dispatcher.Dispatcher) error {
				result, err := disp.Dispatch(ctx, f.serial, bambu.CmdAmsFilamentSetting, setting)
				if err != nil {
					return err
				}
				fmt.Println("result:", result)
				return nil
			})
		},
	}
	f.register(cmd)
	cmd.Flags().IntVar(&setting.AmsID, "ams-id", 0, "AMS unit id")
	cmd.Flags().IntVar(&setting.TrayID, "tray-id", 0, "tray id within the AMS unit")
	cmd.Flags().StringVar(&setting.TrayInfoIdx, "tray-info-idx", "", "tray_info_idx preset code")
	cmd.Flags().StringVar(&setting.TrayColor, "tray-color", "", "tray color, RRGGBBAA hex (alpha included)")
	cmd.Flags().StringVar(&setting.TrayType, "tray-type", "", "material name, e.g. PLA")
	cmd.Flags().StringVar(&setting.SettingID, "setting-id", "", "filament setting id")
	cmd.Flags().IntVar(&setting.NozzleTempMin, "nozzle-temp-min", 0, "minimum nozzle temperature")
	cmd.Flags().IntVar(&setting.NozzleTempMax, "nozzle-temp-max", 0, "maximum nozzle temperature")
	return cmd
}

func newExtrusionCaliSetCommand() *cobra.Command {
	f := &connFlags{}
	var cali bambu.ExtrusionCaliSet
	cmd := &cobra.Command{
		Use:   "extrusion-cali-set",
		Short: "Apply a saved flow-rate calibration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(f, func(ctx context.Context, disp *dispatcher.Dispatcher) error {
				result, err := disp.Dispatch(ctx, f.serial, bambu.CmdExtrusionCaliSet, cali)
				if err != nil {
					return err
				}
				fmt.Println("result:", result)
				return nil
			})
		},
	}
	f.register(cmd)
	cmd.Flags().IntVar(&cali.CaliIdx, "cali-idx", 0, "calibration index")
	cmd.Flags().StringVar(&cali.FilamentID, "filament-id", "", "filament id")
	cmd.Flags().StringVar(&cali.SettingID, "setting-id", "", "filament setting id")
	cmd.Flags().Float64Var(&cali.NozzleDiameter, "nozzle-diameter", 0.4, "nozzle diameter in mm")
	cmd.Flags().Float64Var(&cali.KValue, "k-value", 0, "pressure advance k value")
	cmd.Flags().IntVar(&cali.NozzleTemp, "nozzle-temp", 0, "calibration nozzle temperature")
	return cmd
}

func newAmsGetRFIDCommand() *cobra.Command {
	f := &connFlags{}
	var req bambu.AmsGetRFID
	cmd := &cobra.Command{
		Use:   "ams-get-rfid",
		Short: "Re-read a spool's NFC tag through the AMS",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(f, func(ctx context.Context, disp *dispatcher.Dispatcher) error {
				result, err := disp.Dispatch(ctx, f.serial, bambu.CmdAmsGetRFID, req)
				if err != nil {
					return err
				}
				fmt.Println("result:", result)
				return nil
			})
		},
	}
	f.register(cmd)
	cmd.Flags().IntVar(&req.AmsID, "ams-id", 0, "AMS unit id")
	cmd.Flags().IntVar(&req.TrayID, "tray-id", 0, "tray id within the AMS unit")
	return cmd
}

func main() {
	root := &cobra.Command{
		Use:   "spoolctl",
		Short: "Issue one AMS command directly against a printer",
	}
	root.AddCommand(
		newPushallCommand(),
		newAmsFilamentSettingCommand(),
		newExtrusionCaliSetCommand(),
		newAmsGetRFIDCommand(),
	)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
