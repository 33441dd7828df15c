package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/xmihome/pkg/device"
)

// setCmd represents the set command
var setCmd = &cobra.Command{
	Use:   "set [device] <property> <value>",
	Short: "Write a device property",
	Long: `Write one property on a device. The value is parsed as JSON when
possible (true, 42, "text"), otherwise taken as a plain string. Use --hex
to write raw bytes to a Bluetooth characteristic.

Examples:
  xmihome set plug power true
  xmihome set --address 192.168.1.10 --token <hex> --model chuangmi.plug.m1 indicator_led false
  xmihome set thermometer comfort --hex 1a2b`,
	Args: cobra.RangeArgs(2, 3),
	RunE: runSet,
}

var (
	setTimeout time.Duration
	setHex     bool
)

func init() {
	addIdentityFlags(setCmd)
	setCmd.Flags().DurationVar(&setTimeout, "timeout", 60*time.Second, "Overall operation timeout")
	setCmd.Flags().BoolVar(&setHex, "hex", false, "Treat the value as hex-encoded raw bytes")
}

func runSet(cmd *cobra.Command, args []string) error {
	client, err := loadClient(cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	var name string
	if len(args) == 3 {
		name = args[0]
		args = args[1:]
	}
	prop, rawValue := args[0], args[1]

	value, err := parseValue(rawValue)
	if err != nil {
		return err
	}

	dev, kind, err := resolveDevice(client, name)
	if err != nil {
		return err
	}

	cmd.SilenceUsage = true

	ctx, cancel := signalContext(cmd.Context(), setTimeout)
	defer cancel()

	if kind != device.KindNone {
		if err := dev.Connect(ctx, kind); err != nil {
			return err
		}
	}
	if err := dev.SetProperty(ctx, prop, value); err != nil {
		return err
	}

	disconnectCtx, disconnectCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer disconnectCancel()
	if err := dev.Disconnect(disconnectCtx); err != nil {
		return err
	}

	fmt.Printf("%s = %v\n", prop, value)
	return nil
}

func parseValue(raw string) (interface{}, error) {
	if setHex {
		data, err := hex.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid hex value %q: %w", raw, err)
		}
		return data, nil
	}
	var value interface{}
	if err := json.Unmarshal([]byte(raw), &value); err == nil {
		return value, nil
	}
	return raw, nil
}
