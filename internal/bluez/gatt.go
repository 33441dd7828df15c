package bluez

import (
	"context"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
)

// GattCharacteristicInfo describes one characteristic within a discovered
// profile.
type GattCharacteristicInfo struct {
	Path  dbus.ObjectPath
	Flags []string
}

// GattService groups the characteristics exposed under one service object.
type GattService struct {
	Path            dbus.ObjectPath
	Characteristics map[string]GattCharacteristicInfo
}

// CharacteristicID names a characteristic by service and characteristic
// identifier. Each identifier may be a short code ("0x1f10", "1f10"), a full
// 128-bit UUID, or any UUID the device model maps to a short code.
type CharacteristicID struct {
	Service        string
	Characteristic string
}

// DiscoverProfile enumerates the device's GATT topology via a single
// ObjectManager walk. The result is memoized on the device handle and reused
// until the session drops; concurrent callers after the first get the cached
// map.
func (d *Device) DiscoverProfile(ctx context.Context) (map[string]GattService, error) {
	d.mu.Lock()
	if d.gatt != nil {
		cached := d.gatt
		d.mu.Unlock()
		return cached, nil
	}
	d.mu.Unlock()

	var objs map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	om := d.t.conn.Object(busName, "/")
	if err := om.CallWithContext(ctx, objectManagerIface+".GetManagedObjects", 0).Store(&objs); err != nil {
		return nil, wrapCallError("discover profile "+d.mac, err)
	}

	prefix := string(d.path) + "/"
	topology := make(map[string]GattService)
	svcUUIDByPath := make(map[dbus.ObjectPath]string)

	for path, ifaces := range objs {
		if len(string(path)) <= len(prefix) || string(path)[:len(prefix)] != prefix {
			continue
		}
		props, ok := ifaces[serviceIface]
		if !ok {
			continue
		}
		uuid, ok := props["UUID"].Value().(string)
		if !ok {
			continue
		}
		key := NormalizeUUID(uuid)
		topology[key] = GattService{
			Path:            path,
			Characteristics: make(map[string]GattCharacteristicInfo),
		}
		svcUUIDByPath[path] = key
	}

	for path, ifaces := range objs {
		props, ok := ifaces[charIface]
		if !ok {
			continue
		}
		parent, ok := props["Service"].Value().(dbus.ObjectPath)
		if !ok {
			continue
		}
		svcKey, ok := svcUUIDByPath[parent]
		if !ok {
			continue
		}
		uuid, ok := props["UUID"].Value().(string)
		if !ok {
			continue
		}
		var flags []string
		if v, ok := props["Flags"]; ok {
			flags, _ = v.Value().([]string)
		}
		topology[svcKey].Characteristics[NormalizeUUID(uuid)] = GattCharacteristicInfo{
			Path:  path,
			Flags: flags,
		}
	}

	d.mu.Lock()
	if d.gatt == nil {
		d.gatt = topology
	}
	cached := d.gatt
	d.mu.Unlock()

	d.log.WithField("services", len(cached)).Debug("GATT profile discovered")
	return cached, nil
}

// GetCharacteristic resolves a characteristic identifier to a shared handle.
// When both identifiers reduce to short numeric codes (directly or through
// the model's code map) the object path is computed without any bus traffic;
// otherwise the full GATT topology is discovered and searched. Handles are
// cached per object path, so every resolution route for the same
// characteristic yields the same instance.
func (d *Device) GetCharacteristic(ctx context.Context, id CharacteristicID) (*Characteristic, error) {
	d.mu.Lock()
	codes := d.codes
	d.mu.Unlock()

	svcCode, svcNumeric := resolveShortCode(id.Service, codes)
	charCode, charNumeric := resolveShortCode(id.Characteristic, codes)

	var (
		charPath dbus.ObjectPath
		uuid     string
		flags    []string
	)
	if svcNumeric && charNumeric {
		charPath = dbus.ObjectPath(fmt.Sprintf("%s/service%04x/char%04x", d.path, svcCode, charCode))
		uuid = fmt.Sprintf("%04x", charCode)
	} else {
		topology, err := d.DiscoverProfile(ctx)
		if err != nil {
			return nil, err
		}
		svc, ok := findService(topology, id.Service, svcCode, svcNumeric)
		if !ok {
			return nil, &TransportError{
				Op:  fmt.Sprintf("resolve service %s on %s", id.Service, d.mac),
				Err: errNoSuchGATTObject,
			}
		}
		info, key, ok := findCharacteristic(svc, id.Characteristic, charCode, charNumeric)
		if !ok {
			return nil, &TransportError{
				Op:  fmt.Sprintf("resolve characteristic %s on %s", id.Characteristic, d.mac),
				Err: errNoSuchGATTObject,
			}
		}
		charPath = info.Path
		uuid = key
		flags = info.Flags
	}

	d.mu.Lock()
	if d.chars == nil {
		d.chars = make(map[string]*Characteristic)
	}
	if existing, ok := d.chars[string(charPath)]; ok {
		d.mu.Unlock()
		return existing, nil
	}
	d.mu.Unlock()

	if flags == nil {
		obj := d.t.conn.Object(busName, charPath)
		v, err := obj.GetProperty(charIface + ".Flags")
		if err != nil {
			return nil, wrapCallError(fmt.Sprintf("resolve characteristic %s on %s", id.Characteristic, d.mac), err)
		}
		flags, _ = v.Value().([]string)
	}

	ch := &Characteristic{
		dev:   d,
		obj:   d.t.conn.Object(busName, charPath),
		path:  charPath,
		uuid:  uuid,
		flags: flags,
		subs:  make(map[int]func([]byte)),
	}

	d.mu.Lock()
	if d.chars == nil {
		d.chars = make(map[string]*Characteristic)
	}
	if existing, ok := d.chars[string(charPath)]; ok {
		d.mu.Unlock()
		return existing, nil
	}
	d.chars[string(charPath)] = ch
	d.mu.Unlock()

	d.t.chars.Set(string(charPath), ch)
	return ch, nil
}

// resolveShortCode maps an identifier to its short numeric code. The model's
// code map takes priority; bare hex codes parse directly. Full UUIDs without
// a mapping are not numeric.
func resolveShortCode(id string, codes map[string]uint16) (uint16, bool) {
	if code, ok := codes[NormalizeUUID(id)]; ok {
		return code, true
	}
	if code, ok := shortCode(id); ok {
		return code, true
	}
	return 0, false
}

func findService(topology map[string]GattService, id string, code uint16, numeric bool) (GattService, bool) {
	key := NormalizeUUID(id)
	if numeric {
		key = fmt.Sprintf("%04x", code)
	}
	svc, ok := topology[key]
	return svc, ok
}

func findCharacteristic(svc GattService, id string, code uint16, numeric bool) (GattCharacteristicInfo, string, bool) {
	key := NormalizeUUID(id)
	if numeric {
		key = fmt.Sprintf("%04x", code)
	}
	info, ok := svc.Characteristics[key]
	return info, key, ok
}

// Characteristic is a shared handle to one GATT characteristic. All callers
// resolving the same characteristic on the same device get the same instance,
// so notification subscriptions compose.
type Characteristic struct {
	dev   *Device
	obj   dbus.BusObject
	path  dbus.ObjectPath
	uuid  string
	flags []string

	mu        sync.Mutex
	subs      map[int]func([]byte)
	nextSub   int
	notifying bool
	value     []byte
}

// UUID returns the normalized characteristic UUID (short form when the
// handle was resolved by code).
func (c *Characteristic) UUID() string { return c.uuid }

// Path returns the bus object path.
func (c *Characteristic) Path() dbus.ObjectPath { return c.path }

// Flags returns the BlueZ characteristic flags.
func (c *Characteristic) Flags() []string { return c.flags }

// HasFlag reports whether the characteristic advertises the given flag.
func (c *Characteristic) HasFlag(flag string) bool {
	for _, f := range c.flags {
		if f == flag {
			return true
		}
	}
	return false
}

// Read fetches the current value from the device.
func (c *Characteristic) Read(ctx context.Context) ([]byte, error) {
	var data []byte
	opts := map[string]dbus.Variant{}
	if err := c.obj.CallWithContext(ctx, charIface+".ReadValue", 0, opts).Store(&data); err != nil {
		return nil, wrapCallError("read "+c.uuid, err)
	}
	c.mu.Lock()
	c.value = data
	c.mu.Unlock()
	return data, nil
}

// Write sends a value to the device.
func (c *Characteristic) Write(ctx context.Context, data []byte) error {
	opts := map[string]dbus.Variant{}
	if err := c.obj.CallWithContext(ctx, charIface+".WriteValue", 0, data, opts).Err; err != nil {
		return wrapCallError("write "+c.uuid, err)
	}
	return nil
}

// StartNotify enables value-changed notifications. Idempotent: the daemon
// call is issued once no matter how many subscribers attach.
func (c *Characteristic) StartNotify(ctx context.Context) error {
	c.mu.Lock()
	if c.notifying {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.obj.CallWithContext(ctx, charIface+".StartNotify", 0).Err; err != nil {
		return wrapCallError("start notify "+c.uuid, err)
	}

	c.mu.Lock()
	c.notifying = true
	c.mu.Unlock()
	return nil
}

// StopNotify disables value-changed notifications. Idempotent. The daemon
// call is deferred while OnValue subscribers remain: several properties may
// share one characteristic, and silencing it would starve the rest.
func (c *Characteristic) StopNotify(ctx context.Context) error {
	c.mu.Lock()
	if !c.notifying || len(c.subs) > 0 {
		c.mu.Unlock()
		return nil
	}
	c.notifying = false
	c.mu.Unlock()

	if err := c.obj.CallWithContext(ctx, charIface+".StopNotify", 0).Err; err != nil {
		return wrapCallError("stop notify "+c.uuid, err)
	}
	return nil
}

// Notifying reports whether notifications are currently enabled.
func (c *Characteristic) Notifying() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.notifying
}

// OnValue registers a callback invoked for every value-changed notification.
// The returned function removes the subscription.
func (c *Characteristic) OnValue(fn func([]byte)) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// Value returns the last value seen, from either a read or a notification.
func (c *Characteristic) Value() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// handleValue fans a notification out to the current subscribers.
func (c *Characteristic) handleValue(data []byte) {
	c.mu.Lock()
	c.value = data
	fns := make([]func([]byte), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(data)
	}
}
