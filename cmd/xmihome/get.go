package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/xmihome/pkg/device"
)

// getCmd represents the get command
var getCmd = &cobra.Command{
	Use:   "get [device] [property...]",
	Short: "Read device properties",
	Long: `Read one or more properties from a device. The device is either a
name from the config file or an ad-hoc identity given with flags. With no
properties listed, every readable property of the model is read.

Examples:
  xmihome get thermometer sensor
  xmihome get --mac A4:C1:38:01:02:03 --model LYWSD03MMC battery
  xmihome get --address 192.168.1.10 --token <hex> --model chuangmi.plug.m1`,
	RunE: runGet,
}

var getTimeout time.Duration

func init() {
	addIdentityFlags(getCmd)
	getCmd.Flags().DurationVar(&getTimeout, "timeout", 60*time.Second, "Overall operation timeout")
}

func runGet(cmd *cobra.Command, args []string) error {
	client, err := loadClient(cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	name, props := splitDeviceArgs(cmd, args)
	dev, kind, err := resolveDevice(client, name)
	if err != nil {
		return err
	}

	cmd.SilenceUsage = true

	ctx, cancel := signalContext(cmd.Context(), getTimeout)
	defer cancel()

	if kind != device.KindNone {
		if err := dev.Connect(ctx, kind); err != nil {
			return err
		}
	}
	values, err := dev.GetProperties(ctx, props...)
	if err != nil {
		return err
	}

	disconnectCtx, disconnectCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer disconnectCancel()
	if err := dev.Disconnect(disconnectCtx); err != nil {
		return err
	}

	names := make([]string, 0, len(values))
	for n := range values {
		names = append(names, n)
	}
	sort.Strings(names)

	bold := color.New(color.Bold)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = bold.Fprintln(w, "PROPERTY\tVALUE")
	for _, n := range names {
		fmt.Fprintf(w, "%s\t%v\n", n, values[n])
	}
	return w.Flush()
}

// splitDeviceArgs separates the optional leading device name from the
// property list. A first argument naming a configured device is the device;
// everything else is properties.
func splitDeviceArgs(cmd *cobra.Command, args []string) (string, []string) {
	if len(args) == 0 {
		return "", nil
	}
	// An identity given by flags means all args are properties.
	for _, f := range []string{"id", "address", "mac"} {
		if flag := cmd.Flags().Lookup(f); flag != nil && flag.Changed {
			return "", args
		}
	}
	return args[0], args[1:]
}
