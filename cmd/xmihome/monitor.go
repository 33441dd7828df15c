package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/xmihome/pkg/xmihome"
)

// monitorCmd represents the monitor command
var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Monitor passive advertisement frames",
	Long: `Passively listen for advertisement frames and print the decoded
sensor readings as they arrive. Encrypted frames are decrypted when a bind
key is registered for the sending device, via --bind-key or the config
file's bind_keys section.`,
	RunE: runMonitor,
}

var (
	monitorDevice   string
	monitorBindKeys []string
	monitorJSON     bool
)

func init() {
	monitorCmd.Flags().StringVar(&monitorDevice, "device", "", "Only show frames from this MAC")
	monitorCmd.Flags().StringSliceVar(&monitorBindKeys, "bind-key", nil, "Bind key as MAC=HEXKEY (repeatable)")
	monitorCmd.Flags().BoolVar(&monitorJSON, "json", false, "Print frames as JSON lines")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	client, err := loadClient(cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	for _, entry := range monitorBindKeys {
		mac, key, ok := strings.Cut(entry, "=")
		if !ok {
			return fmt.Errorf("invalid --bind-key %q: expected MAC=HEXKEY", entry)
		}
		if err := client.RegisterBindKey(mac, key); err != nil {
			return fmt.Errorf("invalid --bind-key %q: %w", entry, err)
		}
	}

	cmd.SilenceUsage = true

	ctx, cancel := signalContext(cmd.Context(), 0)
	defer cancel()

	handler := func(adv xmihome.Advertisement) { printAdvertisement(adv) }
	var remove func()
	if monitorDevice != "" {
		remove = client.OnDeviceAdvertisement(monitorDevice, handler)
	} else {
		remove = client.OnAdvertisement(handler)
	}
	defer remove()

	if err := client.StartMonitor(ctx); err != nil {
		return err
	}
	fmt.Println("Monitoring advertisements... (Ctrl+C to stop)")

	<-ctx.Done()
	return nil
}

func printAdvertisement(adv xmihome.Advertisement) {
	if monitorJSON {
		line, err := json.Marshal(adv)
		if err != nil {
			return
		}
		fmt.Println(string(line))
		return
	}

	keys := make([]string, 0, len(adv.Payload))
	for k := range adv.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, adv.Payload[k]))
	}

	fmt.Printf("%s  %s  %s\n",
		adv.Timestamp.Format(time.TimeOnly),
		color.CyanString(adv.MAC),
		strings.Join(parts, " "))
}
