package bluez

import (
	"context"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
)

// Device is a handle to one BlueZ device object. Handles are shared: every
// GetDevice call for the same MAC returns the same instance.
type Device struct {
	t    *Transport
	log  *logrus.Entry
	path dbus.ObjectPath
	mac  string
	obj  dbus.BusObject

	mu         sync.Mutex
	connected  bool
	resolved   bool
	resolvedCh chan struct{}
	lost       chan struct{}
	codes      map[string]uint16
	gatt       map[string]GattService
	chars      map[string]*Characteristic
}

func newDevice(t *Transport, path dbus.ObjectPath, mac string) *Device {
	return &Device{
		t:    t,
		log:  t.log.WithField("device", mac),
		path: path,
		mac:  mac,
		obj:  t.conn.Object(busName, path),
	}
}

// MAC returns the device hardware address.
func (d *Device) MAC() string { return d.mac }

// Path returns the bus object path.
func (d *Device) Path() dbus.ObjectPath { return d.path }

// Connected reports whether a transport-level session is established.
func (d *Device) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

// Lost returns a channel closed when the session drops without a local
// Disconnect call. Returns nil when no session is active; a nil channel
// blocks forever in a select, which is the desired behavior.
func (d *Device) Lost() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lost
}

// SetCodeMap installs the per-model mapping from characteristic/service
// UUIDs to the short numeric codes used to build object paths directly.
func (d *Device) SetCodeMap(codes map[string]uint16) {
	normalized := make(map[string]uint16, len(codes))
	for k, v := range codes {
		normalized[NormalizeUUID(k)] = v
	}
	d.mu.Lock()
	d.codes = normalized
	d.mu.Unlock()
}

// Connect issues the transport-level connect and waits, via the signal
// channel, until the device reports ServicesResolved or the resolve timeout
// elapses.
func (d *Device) Connect(ctx context.Context) error {
	d.mu.Lock()
	if d.connected {
		d.mu.Unlock()
		return nil
	}
	d.resolved = false
	d.resolvedCh = make(chan struct{})
	d.lost = make(chan struct{})
	resolvedCh := d.resolvedCh
	d.mu.Unlock()

	d.log.Info("Connecting to Bluetooth device...")
	if err := d.obj.CallWithContext(ctx, deviceIface+".Connect", 0).Err; err != nil {
		return wrapCallError("connect "+d.mac, err)
	}

	// The property may already be true before our signal listener sees a
	// change; check once, then wait on the channel.
	if v, err := d.obj.GetProperty(deviceIface + ".ServicesResolved"); err == nil {
		if b, ok := v.Value().(bool); ok && b {
			d.markResolved()
		}
	}

	timer := time.NewTimer(d.t.cfg.ResolveTimeout)
	defer timer.Stop()
	select {
	case <-resolvedCh:
	case <-timer.C:
		return &TransportError{Op: "connect " + d.mac, Err: errServiceResolution}
	case <-ctx.Done():
		return ctx.Err()
	}

	d.mu.Lock()
	d.connected = true
	d.mu.Unlock()

	d.log.Info("Bluetooth device connected")
	return nil
}

// Disconnect tears down the session and discards the GATT topology and
// characteristic caches. Idempotent.
func (d *Device) Disconnect(ctx context.Context) error {
	d.mu.Lock()
	wasConnected := d.connected
	d.connected = false
	d.lost = nil
	d.dropCachesLocked()
	d.mu.Unlock()

	if !wasConnected {
		return nil
	}

	d.t.purgeCharacteristics(d.path)
	if err := d.obj.CallWithContext(ctx, deviceIface+".Disconnect", 0).Err; err != nil {
		return wrapCallError("disconnect "+d.mac, err)
	}
	d.log.Info("Bluetooth device disconnected")
	return nil
}

// handleProperties processes a PropertiesChanged signal for this device.
// It returns true when the change is an unexpected loss of an established
// session.
func (d *Device) handleProperties(changed map[string]dbus.Variant) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if v, ok := changed["ServicesResolved"]; ok {
		if b, _ := v.Value().(bool); b {
			d.markResolvedLocked()
		} else {
			d.resolved = false
		}
	}

	if v, ok := changed["Connected"]; ok {
		if b, _ := v.Value().(bool); !b && d.connected {
			d.connected = false
			d.dropCachesLocked()
			if d.lost != nil {
				close(d.lost)
				d.lost = nil
			}
			return true
		}
	}
	return false
}

func (d *Device) markResolved() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.markResolvedLocked()
}

func (d *Device) markResolvedLocked() {
	d.resolved = true
	// The channel signals at most one waiter per Connect; BlueZ may toggle
	// ServicesResolved false and back (service re-resolution), so it must
	// never be closed twice.
	if d.resolvedCh != nil {
		close(d.resolvedCh)
		d.resolvedCh = nil
	}
}

func (d *Device) dropCachesLocked() {
	d.gatt = nil
	d.chars = nil
	d.resolved = false
}
