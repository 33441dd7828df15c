package bluez

import (
	"fmt"

	"github.com/godbus/dbus/v5"
)

// Bus is the subset of *dbus.Conn the transport relies on. Tests substitute
// a fake through the BusFactory variable.
type Bus interface {
	Object(dest string, path dbus.ObjectPath) dbus.BusObject
	Signal(ch chan<- *dbus.Signal)
	RemoveSignal(ch chan<- *dbus.Signal)
	AddMatchSignal(options ...dbus.MatchOption) error
	RemoveMatchSignal(options ...dbus.MatchOption) error
	Close() error
}

// BusFactory opens the system bus (can be overridden in tests).
var BusFactory = func() (Bus, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system bus: %w", err)
	}
	return conn, nil
}

// daemonPresent reports whether the BlueZ daemon owns its name on the bus.
func daemonPresent(conn Bus) (bool, error) {
	var names []string
	obj := conn.Object("org.freedesktop.DBus", "/org/freedesktop/DBus")
	if err := obj.Call("org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		return false, fmt.Errorf("list bus names: %w", err)
	}
	for _, n := range names {
		if n == busName {
			return true, nil
		}
	}
	return false, nil
}
