// Package bluez implements the Bluetooth transport on top of the BlueZ
// daemon reachable over the system D-Bus: adapter management, device
// discovery, GATT service/characteristic resolution and caching, and
// demultiplexing of bus signals into typed events.
package bluez

import (
	"strings"

	"github.com/godbus/dbus/v5"
)

// BlueZ bus names. These must match the daemon exactly.
const (
	busName = "org.bluez"

	adapterIface = "org.bluez.Adapter1"
	deviceIface  = "org.bluez.Device1"
	serviceIface = "org.bluez.GattService1"
	charIface    = "org.bluez.GattCharacteristic1"

	propsIface         = "org.freedesktop.DBus.Properties"
	propsChangedSignal = "org.freedesktop.DBus.Properties.PropertiesChanged"
	objectManagerIface = "org.freedesktop.DBus.ObjectManager"
	interfacesAdded    = "org.freedesktop.DBus.ObjectManager.InterfacesAdded"
	interfacesRemoved  = "org.freedesktop.DBus.ObjectManager.InterfacesRemoved"
)

// Characteristic access flags as reported by BlueZ.
const (
	FlagRead   = "read"
	FlagWrite  = "write"
	FlagNotify = "notify"
)

// deviceObjectPath converts a MAC address like "AA:BB:CC:DD:EE:FF" to
// "<adapter>/dev_AA_BB_CC_DD_EE_FF".
func deviceObjectPath(adapterPath dbus.ObjectPath, mac string) dbus.ObjectPath {
	escaped := strings.ReplaceAll(strings.ToUpper(mac), ":", "_")
	return dbus.ObjectPath(string(adapterPath) + "/dev_" + escaped)
}

// macFromPath extracts a MAC address from a BlueZ device object path.
// Returns "" if the path does not name a device object.
func macFromPath(path dbus.ObjectPath) string {
	s := string(path)
	i := strings.Index(s, "/dev_")
	if i < 0 {
		return ""
	}
	mac := s[i+len("/dev_"):]
	if j := strings.Index(mac, "/"); j >= 0 {
		mac = mac[:j]
	}
	return strings.ReplaceAll(mac, "_", ":")
}
