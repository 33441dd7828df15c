package bluez

import "github.com/godbus/dbus/v5"

// Event is the tagged union of everything the signal demultiplexer can
// surface. Consumers receive events over a bounded ring channel; delivery
// order matches bus order.
type Event interface {
	isEvent()
}

// AdapterPropertyEvent reports a changed adapter property (Powered,
// Discovering, ...).
type AdapterPropertyEvent struct {
	Name  string
	Value interface{}
}

// DeviceAvailableEvent reports a device that passed the discovery filters.
type DeviceAvailableEvent struct {
	Device DiscoveredDevice
}

// ExternalDisconnectEvent reports a device session that dropped without a
// local Disconnect call.
type ExternalDisconnectEvent struct {
	Path dbus.ObjectPath
	MAC  string
}

// AdvertisementEvent carries one raw service-data frame from a passive
// advertisement.
type AdvertisementEvent struct {
	MAC         string
	ServiceUUID uint16
	Data        []byte
}

// CharacteristicValueEvent reports a value change on a currently cached
// characteristic.
type CharacteristicValueEvent struct {
	Path dbus.ObjectPath
	UUID string
	Data []byte
}

func (AdapterPropertyEvent) isEvent()      {}
func (DeviceAvailableEvent) isEvent()      {}
func (ExternalDisconnectEvent) isEvent()   {}
func (AdvertisementEvent) isEvent()        {}
func (CharacteristicValueEvent) isEvent()  {}

// DiscoveredDevice is the transient record produced by a discovery scan.
// It lives in the discovery cache until discovery stops.
type DiscoveredDevice struct {
	Path    dbus.ObjectPath
	Name    string
	MAC     string
	Address string
}
