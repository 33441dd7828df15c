package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/xmihome/pkg/xmihome"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for Bluetooth devices",
	Long: `Scan for nearby Bluetooth Low Energy devices and display their
names, MAC addresses and object paths. Pre-registered devices from the
config file are marked with their configured name.`,
	RunE: runScan,
}

var (
	scanDuration time.Duration
	scanServices []string
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 10*time.Second, "Scan duration (0 for indefinite)")
	scanCmd.Flags().StringSliceVarP(&scanServices, "services", "s", nil, "Filter by service UUIDs")
}

func runScan(cmd *cobra.Command, args []string) error {
	client, err := loadClient(cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, cancel := signalContext(cmd.Context(), scanDuration)
	defer cancel()

	var mu sync.Mutex
	found := make(map[string]xmihome.Discovery)
	remove := client.OnDeviceAvailable(func(d xmihome.Discovery) {
		mu.Lock()
		found[d.MAC] = d
		mu.Unlock()
	})
	defer remove()

	if err := client.StartDiscovery(ctx, scanServices); err != nil {
		return err
	}
	fmt.Println("Scanning for Bluetooth devices... (Ctrl+C to stop)")

	<-ctx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := client.StopDiscovery(stopCtx); err != nil {
		return err
	}

	mu.Lock()
	defer mu.Unlock()
	return printDiscoveryTable(found)
}

func printDiscoveryTable(found map[string]xmihome.Discovery) error {
	if len(found) == 0 {
		fmt.Println("No devices found.")
		return nil
	}

	macs := make([]string, 0, len(found))
	for mac := range found {
		macs = append(macs, mac)
	}
	sort.Strings(macs)

	bold := color.New(color.Bold)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = bold.Fprintln(w, "MAC\tNAME\tPATH")
	for _, mac := range macs {
		d := found[mac]
		name := d.Name
		if name == "" {
			name = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", d.MAC, name, d.Path)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("\n%d device(s) found.\n", len(found))
	return nil
}

// signalContext derives a context cancelled by Ctrl+C and, when timeout is
// positive, by the deadline.
func signalContext(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	var cancel context.CancelFunc
	if timeout > 0 {
		parent, cancel = context.WithTimeout(parent, timeout)
	} else {
		parent, cancel = context.WithCancel(parent)
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	return ctx, func() {
		stop()
		cancel()
	}
}
