package main

import (
	"errors"
	"fmt"

	"github.com/srg/xmihome/internal/bluez"
	"github.com/srg/xmihome/pkg/device"
)

// formatUserError turns internal error chains into a message a user can
// act on, surfacing remediation hints where the error carries one.
func formatUserError(err error) string {
	var transportErr *bluez.TransportError
	if errors.As(err, &transportErr) && transportErr.Remediation != "" {
		return fmt.Sprintf("%s\nHint: %s", transportErr.Error(), transportErr.Remediation)
	}

	var timeoutErr *bluez.DiscoveryTimeoutError
	if errors.As(err, &timeoutErr) {
		return fmt.Sprintf("%s\nHint: make sure the device is powered on and in range", timeoutErr.Error())
	}

	var authErr *device.AuthenticationError
	if errors.As(err, &authErr) {
		return fmt.Sprintf("%s\nHint: check the device token", authErr.Error())
	}

	if errors.Is(err, device.ErrMissingFields) {
		return fmt.Sprintf("%s\nHint: provide --mac/--model for Bluetooth, --address/--token for local, or --id for cloud", err.Error())
	}

	return err.Error()
}
