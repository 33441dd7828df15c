package main

import (
	"github.com/spf13/cobra"

	"github.com/srg/xmihome/pkg/device"
	"github.com/srg/xmihome/pkg/xmihome"
)

var (
	refID        string
	refAddress   string
	refToken     string
	refMAC       string
	refModel     string
	refTransport string
)

// addIdentityFlags registers the ad-hoc device identity flags shared by the
// property commands. A positional device name from the config file takes
// precedence over these.
func addIdentityFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&refID, "id", "", "Cloud device ID")
	cmd.Flags().StringVar(&refAddress, "address", "", "Local IP address")
	cmd.Flags().StringVar(&refToken, "token", "", "Device token")
	cmd.Flags().StringVar(&refMAC, "mac", "", "Bluetooth MAC address")
	cmd.Flags().StringVar(&refModel, "model", "", "Device model name")
	cmd.Flags().StringVarP(&refTransport, "transport", "t", "", "Transport to use (local, bluetooth, cloud)")
}

// resolveDevice returns the state machine for either a config-registered
// name or the ad-hoc identity flags, plus the requested transport kind.
func resolveDevice(client *xmihome.Client, name string) (*device.Device, device.Kind, error) {
	kind, err := device.ParseKind(refTransport)
	if err != nil {
		return nil, device.KindNone, err
	}

	if name != "" {
		dev, err := client.DeviceByName(name)
		if err != nil {
			return nil, device.KindNone, err
		}
		return dev, kind, nil
	}

	dev, err := client.Device(device.Identity{
		ID:      refID,
		Address: refAddress,
		Token:   refToken,
		MAC:     refMAC,
		Model:   refModel,
	})
	if err != nil {
		return nil, device.KindNone, err
	}
	return dev, kind, nil
}
