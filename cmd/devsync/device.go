package main

import (
	"context"
	"fmt"

	"devsync/internal/app"
	"devsync/internal/devsync"

	"github.com/spf13/cobra"
)

var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Register and manage devices",
}

var deviceRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Register a device in pending activation",
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		business, _ := f.GetString("business")
		employee, _ := f.GetString("employee")
		name, _ := f.GetString("name")
		platform, _ := f.GetString("platform")
		osVersion, _ := f.GetString("os-version")
		model, _ := f.GetString("model")
		manufacturer, _ := f.GetString("manufacturer")
		serial, _ := f.GetString("serial")
		appVersion, _ := f.GetString("app-version")
		features, _ := f.GetStringSlice("feature")

		return withApp(cmd, func(ctx context.Context, a *app.DevSyncApp) error {
			d, err := a.RegisterDevice(ctx, devsync.RegisterRequest{
				BusinessID: business,
				EmployeeID: employee,
				Name:       name,
				Info: devsync.DeviceInfo{
					Platform:     platform,
					OSVersion:    osVersion,
					Model:        model,
					Manufacturer: manufacturer,
					SerialNumber: serial,
					AppVersion:   appVersion,
				},
				Specs: devsync.DeviceSpecs{Features: features},
			})
			if err != nil {
				return err
			}
			fmt.Printf("Registered %s device %s (%s)\n", d.Type, d.ID, d.Status)
			return nil
		})
	},
}

var deviceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		business, _ := cmd.Flags().GetString("business")
		status, _ := cmd.Flags().GetString("status")
		online, _ := cmd.Flags().GetBool("online")

		return withApp(cmd, func(ctx context.Context, a *app.DevSyncApp) error {
			devices, err := a.ListDevices(ctx, business, status, online)
			if err != nil {
				return err
			}
			if len(devices) == 0 {
				fmt.Println("No devices found.")
				return nil
			}
			for _, d := range devices {
				conn := "offline"
				if d.Connectivity.IsOnline {
					conn = "online"
				}
				fmt.Printf("%s  %-18s  %-13s  %-7s  %3d%%  %s/%s  %s\n",
					d.ID, d.Status, d.Type, conn, d.Security.ComplianceScore,
					d.BusinessID, d.EmployeeID, d.Name)
			}
			return nil
		})
	},
}

// deviceAction builds a command that applies fn to one device and prints
// the resulting device as JSON.
func deviceAction(use, short string, fn func(ctx context.Context, a *app.DevSyncApp, id string) (*devsync.Device, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " DEVICE_ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.DevSyncApp) error {
				d, err := fn(ctx, a, args[0])
				if err != nil {
					return err
				}
				return printJSON(d)
			})
		},
	}
}

var deviceShowCmd = deviceAction("show", "Show a device", func(ctx context.Context, a *app.DevSyncApp, id string) (*devsync.Device, error) {
	return a.GetDevice(ctx, id)
})

var deviceActivateCmd = deviceAction("activate", "Activate a device", func(ctx context.Context, a *app.DevSyncApp, id string) (*devsync.Device, error) {
	return a.ActivateDevice(ctx, id)
})

var deviceOnlineCmd = deviceAction("online", "Report a device online and drain its queue", func(ctx context.Context, a *app.DevSyncApp, id string) (*devsync.Device, error) {
	return a.SetOnline(ctx, id, true)
})

var deviceOfflineCmd = deviceAction("offline", "Report a device offline", func(ctx context.Context, a *app.DevSyncApp, id string) (*devsync.Device, error) {
	return a.SetOnline(ctx, id, false)
})

var deviceDeactivateCmd = deviceAction("deactivate", "Deactivate a device and cancel its queued work", func(ctx context.Context, a *app.DevSyncApp, id string) (*devsync.Device, error) {
	return a.DeactivateDevice(ctx, id)
})

var deviceScanCmd = deviceAction("scan", "Run a security compliance scan", func(ctx context.Context, a *app.DevSyncApp, id string) (*devsync.Device, error) {
	return a.ScanDevice(ctx, id)
})

var deviceStatusCmd = &cobra.Command{
	Use:   "status DEVICE_ID STATUS",
	Short: "Change a device's lifecycle status",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.DevSyncApp) error {
			d, err := a.SetDeviceStatus(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Printf("Device %s is now %s\n", d.ID, d.Status)
			return nil
		})
	},
}

var deviceReportCmd = &cobra.Command{
	Use:   "report DEVICE_ID",
	Short: "Report device telemetry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		u := telemetryFromFlags(cmd)
		return withApp(cmd, func(ctx context.Context, a *app.DevSyncApp) error {
			d, err := a.ReportTelemetry(ctx, args[0], u)
			if err != nil {
				return err
			}
			return printJSON(d)
		})
	},
}

// telemetryFromFlags builds a partial update from the flags that were set.
func telemetryFromFlags(cmd *cobra.Command) devsync.TelemetryUpdate {
	f := cmd.Flags()
	var u devsync.TelemetryUpdate

	perf := &devsync.PerformanceUpdate{}
	if f.Changed("battery") {
		v, _ := f.GetInt("battery")
		perf.BatteryLevel = &v
	}
	if f.Changed("charging") {
		v, _ := f.GetBool("charging")
		perf.IsCharging = &v
	}
	if f.Changed("storage-usage") {
		v, _ := f.GetFloat64("storage-usage")
		perf.StorageUsage = &v
	}
	if *perf != (devsync.PerformanceUpdate{}) {
		u.Performance = perf
	}

	sec := &devsync.SecurityUpdate{}
	boolFlag := func(name string, dst **bool) {
		if f.Changed(name) {
			v, _ := f.GetBool(name)
			*dst = &v
		}
	}
	boolFlag("encrypted", &sec.Encrypted)
	boolFlag("passcode", &sec.PasscodeEnabled)
	boolFlag("biometric", &sec.Biometric)
	boolFlag("jailbroken", &sec.Jailbroken)
	boolFlag("rooted", &sec.Rooted)
	if *sec != (devsync.SecurityUpdate{}) {
		u.Security = sec
	}

	if f.Changed("connection") {
		v, _ := f.GetString("connection")
		u.Connectivity = &devsync.ConnectivityUpdate{ConnectionType: &v}
	}
	return u
}

var deviceWipeCmd = &cobra.Command{
	Use:   "wipe DEVICE_ID",
	Short: "Queue a remote wipe of a device's offline data",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.DevSyncApp) error {
			op, err := a.WipeDevice(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Wipe operation %s is %s\n", op.ID, op.Status)
			return nil
		})
	},
}

var deviceRemoveCmd = &cobra.Command{
	Use:   "remove DEVICE_ID",
	Short: "Delete a device with its operations and offline data",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.DevSyncApp) error {
			if err := a.RemoveDevice(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("Removed device %s\n", args[0])
			return nil
		})
	},
}

func init() {
	f := deviceRegisterCmd.Flags()
	f.String("business", "", "Business ID")
	f.String("employee", "", "Employee ID")
	f.String("name", "", "Display name (default: model)")
	f.String("platform", "", "Platform, e.g. ios or android")
	f.String("os-version", "", "Operating system version")
	f.String("model", "", "Device model")
	f.String("manufacturer", "", "Device manufacturer")
	f.String("serial", "", "Serial number")
	f.String("app-version", "", "Installed app version")
	f.StringSlice("feature", nil, "Hardware feature, repeatable (e.g. barcode)")
	deviceRegisterCmd.MarkFlagRequired("business")
	deviceRegisterCmd.MarkFlagRequired("employee")

	deviceListCmd.Flags().String("business", "", "Business ID (default: all)")
	deviceListCmd.Flags().String("status", "", "Only devices with this status")
	deviceListCmd.Flags().Bool("online", false, "Only online devices")

	r := deviceReportCmd.Flags()
	r.Int("battery", 0, "Battery level percent")
	r.Bool("charging", false, "Device is charging")
	r.Float64("storage-usage", 0, "Storage usage percent")
	r.Bool("encrypted", false, "Storage is encrypted")
	r.Bool("passcode", false, "Passcode is enabled")
	r.Bool("biometric", false, "Biometric unlock is enabled")
	r.Bool("jailbroken", false, "Device is jailbroken")
	r.Bool("rooted", false, "Device is rooted")
	r.String("connection", "", "Connection type, e.g. wifi or cellular")

	deviceCmd.AddCommand(deviceRegisterCmd, deviceListCmd, deviceShowCmd, deviceActivateCmd,
		deviceStatusCmd, deviceOnlineCmd, deviceOfflineCmd, deviceReportCmd,
		deviceDeactivateCmd, deviceWipeCmd, deviceRemoveCmd, deviceScanCmd)
}
