package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/xmihome/pkg/device"
)

// subscribeCmd represents the subscribe command
var subscribeCmd = &cobra.Command{
	Use:   "subscribe [device] <property>",
	Short: "Watch a device property for changes",
	Long: `Subscribe to value changes of one property and print them as they
arrive. Properties without native change notifications are polled. The
subscription survives connection drops: the device reconnects and
re-registers it automatically.

Examples:
  xmihome subscribe thermometer sensor
  xmihome subscribe --mac A4:C1:38:01:02:03 --model LYWSD03MMC sensor`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runSubscribe,
}

var subscribeDuration time.Duration

func init() {
	addIdentityFlags(subscribeCmd)
	subscribeCmd.Flags().DurationVarP(&subscribeDuration, "duration", "d", 0, "Stop after this long (0 for indefinite)")
}

func runSubscribe(cmd *cobra.Command, args []string) error {
	client, err := loadClient(cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	var name string
	if len(args) == 2 {
		name = args[0]
		args = args[1:]
	}
	prop := args[0]

	dev, kind, err := resolveDevice(client, name)
	if err != nil {
		return err
	}

	cmd.SilenceUsage = true

	ctx, cancel := signalContext(cmd.Context(), subscribeDuration)
	defer cancel()

	if kind != device.KindNone {
		if err := dev.Connect(ctx, kind); err != nil {
			return err
		}
	}

	token, err := dev.StartNotify(ctx, prop, func(value interface{}) {
		fmt.Printf("%s  %s = %v\n", time.Now().Format(time.TimeOnly), color.CyanString(prop), value)
	})
	if err != nil {
		return err
	}
	fmt.Printf("Subscribed to %s... (Ctrl+C to stop)\n", prop)

	// Surface reconnect state transitions while waiting.
	events := dev.Events()
	for {
		select {
		case <-ctx.Done():
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer stopCancel()
			if err := dev.StopNotify(stopCtx, prop, token); err != nil {
				return err
			}
			return dev.Disconnect(stopCtx)

		case ev := <-events:
			switch e := ev.(type) {
			case device.ReconnectingEvent:
				fmt.Println(color.YellowString("Connection lost, reconnecting..."))
			case device.ConnectedEvent:
				fmt.Println(color.GreenString("Connected via %s", e.Transport))
			case device.ReconnectFailedEvent:
				return fmt.Errorf("gave up reconnecting after %d attempts", e.Attempts)
			}
		}
	}
}
