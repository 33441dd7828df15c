package bluez

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"

	"github.com/srg/xmihome/internal/events"
	"github.com/srg/xmihome/internal/groutine"
)

// Config configures the Bluetooth transport.
type Config struct {
	// Adapter is the BlueZ adapter name, e.g. "hci0".
	Adapter string
	// DiscoveryTimeout bounds how long GetDevice waits for an undiscovered
	// device to appear.
	DiscoveryTimeout time.Duration
	// ResolveTimeout bounds the wait for ServicesResolved after a
	// transport-level connect.
	ResolveTimeout time.Duration
	// EventBuffer sizes the event ring. Oldest events are dropped when a
	// consumer falls behind.
	EventBuffer int
}

func (c *Config) applyDefaults() {
	if c.Adapter == "" {
		c.Adapter = "hci0"
	}
	if c.DiscoveryTimeout <= 0 {
		c.DiscoveryTimeout = 30 * time.Second
	}
	if c.ResolveTimeout <= 0 {
		c.ResolveTimeout = 10 * time.Second
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 256
	}
}

// Transport owns the system-bus connection and the adapter handle. It is
// shared process-wide across all Bluetooth devices: establish one and reuse
// it.
type Transport struct {
	log *logrus.Logger
	cfg Config

	conn        Bus
	adapter     dbus.BusObject
	adapterPath dbus.ObjectPath

	signals chan *dbus.Signal
	events  *events.Ring[Event]
	done    chan struct{}
	closed  sync.Once

	mu          sync.Mutex
	discovering bool
	filters     []string
	discovered  map[string]DiscoveredDevice
	waiters     map[string][]chan DiscoveredDevice

	// devices holds every device handle issued by GetDevice, keyed by
	// object path; chars indexes currently cached characteristic handles so
	// value-changed signals can be routed without walking devices.
	devices *hashmap.Map[string, *Device]
	chars   *hashmap.Map[string, *Characteristic]
}

// NewTransport connects to the system bus, verifies the Bluetooth daemon is
// reachable, resolves the adapter, and starts the signal demultiplexer.
func NewTransport(cfg Config, logger *logrus.Logger) (*Transport, error) {
	if logger == nil {
		logger = logrus.New()
	}
	cfg.applyDefaults()

	conn, err := BusFactory()
	if err != nil {
		return nil, &TransportError{Op: "connect system bus", Err: err}
	}

	// Fail fast with a useful message when the daemon is absent: every later
	// call would otherwise produce an opaque name-has-no-owner error.
	present, err := daemonPresent(conn)
	if err != nil {
		conn.Close()
		return nil, wrapCallError("probe bluetooth daemon", err)
	}
	if !present {
		conn.Close()
		return nil, &TransportError{
			Op:          "init adapter",
			Remediation: "org.bluez is not on the system bus; start the daemon with 'systemctl start bluetooth'",
		}
	}

	t := &Transport{
		log:         logger,
		cfg:         cfg,
		conn:        conn,
		adapterPath: dbus.ObjectPath("/org/bluez/" + cfg.Adapter),
		events:      events.NewRing[Event](cfg.EventBuffer),
		done:        make(chan struct{}),
		waiters:     make(map[string][]chan DiscoveredDevice),
		devices:     hashmap.New[string, *Device](),
		chars:       hashmap.New[string, *Characteristic](),
	}
	t.adapter = conn.Object(busName, t.adapterPath)

	if _, err := t.adapter.GetProperty(adapterIface + ".Address"); err != nil {
		conn.Close()
		return nil, wrapCallError("resolve adapter "+cfg.Adapter, err)
	}

	matches := [][]dbus.MatchOption{
		{
			dbus.WithMatchSender(busName),
			dbus.WithMatchInterface(propsIface),
			dbus.WithMatchMember("PropertiesChanged"),
			dbus.WithMatchPathNamespace("/org/bluez"),
		},
		{
			dbus.WithMatchSender(busName),
			dbus.WithMatchInterface(objectManagerIface),
			dbus.WithMatchMember("InterfacesAdded"),
		},
		{
			dbus.WithMatchSender(busName),
			dbus.WithMatchInterface(objectManagerIface),
			dbus.WithMatchMember("InterfacesRemoved"),
		},
	}
	for _, m := range matches {
		if err := conn.AddMatchSignal(m...); err != nil {
			conn.Close()
			return nil, wrapCallError("register signal match", err)
		}
	}

	t.signals = make(chan *dbus.Signal, 128)
	conn.Signal(t.signals)
	groutine.Go(nil, "bluez-dispatch", func(context.Context) { t.run() })

	logger.WithField("adapter", cfg.Adapter).Info("Bluetooth transport initialized")
	return t, nil
}

// Events returns the typed event stream produced by the demultiplexer.
// The channel is closed when the transport shuts down.
func (t *Transport) Events() <-chan Event {
	return t.events.C()
}

// Close stops the demultiplexer and releases the bus connection. Active
// discovery is stopped best-effort.
func (t *Transport) Close() error {
	var err error
	t.closed.Do(func() {
		if stopErr := t.StopDiscovery(context.Background()); stopErr != nil {
			t.log.WithField("error", stopErr).Warn("Failed to stop discovery during close")
		}
		close(t.done)
		t.conn.RemoveSignal(t.signals)
		err = t.conn.Close()
	})
	return err
}

// run is the single bus-wide signal listener. Every event the transport
// surfaces is produced here, so delivery order matches bus order.
func (t *Transport) run() {
	defer t.events.Close()
	for {
		select {
		case <-t.done:
			return
		case sig, ok := <-t.signals:
			if !ok {
				return
			}
			t.dispatch(sig)
		}
	}
}

func (t *Transport) dispatch(sig *dbus.Signal) {
	switch sig.Name {
	case propsChangedSignal:
		if len(sig.Body) < 2 {
			return
		}
		iface, _ := sig.Body[0].(string)
		changed, _ := sig.Body[1].(map[string]dbus.Variant)
		if changed == nil {
			return
		}
		switch iface {
		case adapterIface:
			t.handleAdapterChanged(changed)
		case deviceIface:
			t.handleDeviceChanged(sig.Path, changed)
		case charIface:
			t.handleCharacteristicChanged(sig.Path, changed)
		}

	case interfacesAdded:
		if len(sig.Body) < 2 {
			return
		}
		path, _ := sig.Body[0].(dbus.ObjectPath)
		ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
		if props, ok := ifaces[deviceIface]; ok {
			t.handleDeviceChanged(path, props)
		}

	case interfacesRemoved:
		if len(sig.Body) < 1 {
			return
		}
		if path, ok := sig.Body[0].(dbus.ObjectPath); ok {
			t.mu.Lock()
			delete(t.discovered, string(path))
			t.mu.Unlock()
		}
	}
}

func (t *Transport) publish(ev Event) {
	if dropped := t.events.Send(ev); dropped {
		t.log.Debug("Event ring full, dropped oldest event")
	}
}

func (t *Transport) handleAdapterChanged(changed map[string]dbus.Variant) {
	for name, v := range changed {
		t.publish(AdapterPropertyEvent{Name: name, Value: v.Value()})
	}
}

func (t *Transport) handleDeviceChanged(path dbus.ObjectPath, changed map[string]dbus.Variant) {
	mac := macFromPath(path)

	// Connected-device bookkeeping: detect unexpected session drops and feed
	// ServicesResolved waits.
	if dev, ok := t.devices.Get(string(path)); ok {
		if dev.handleProperties(changed) {
			t.log.WithFields(logrus.Fields{
				"device": mac,
				"path":   path,
			}).Warn("Device disconnected externally")
			t.purgeCharacteristics(path)
			t.publish(ExternalDisconnectEvent{Path: path, MAC: mac})
		}
	}

	// Passive advertisements: surface every service-data entry raw; decoding
	// is the consumer's concern.
	if sd, ok := changed["ServiceData"]; ok {
		if entries, ok := sd.Value().(map[string]dbus.Variant); ok {
			for uuidStr, v := range entries {
				data, ok := v.Value().([]byte)
				if !ok {
					continue
				}
				if code, ok := shortCode(NormalizeUUID(uuidStr)); ok {
					t.publish(AdvertisementEvent{MAC: mac, ServiceUUID: code, Data: data})
				}
			}
		}
	}

	t.handleDiscoverySignal(path, mac, changed)
}

func (t *Transport) handleDiscoverySignal(path dbus.ObjectPath, mac string, changed map[string]dbus.Variant) {
	t.mu.Lock()
	if !t.discovering {
		t.mu.Unlock()
		return
	}
	if _, seen := t.discovered[string(path)]; seen {
		t.mu.Unlock()
		return
	}
	filters := t.filters
	t.mu.Unlock()

	rec := DiscoveredDevice{Path: path, MAC: mac}
	uuids := collectDeviceInfo(&rec, changed)

	// The signal may not carry everything the filters need; fetch the full
	// property set on demand.
	if rec.Name == "" || rec.Address == "" || (len(filters) > 0 && uuids == nil) {
		obj := t.conn.Object(busName, path)
		var all map[string]dbus.Variant
		if err := obj.Call(propsIface+".GetAll", 0, deviceIface).Store(&all); err != nil {
			t.log.WithFields(logrus.Fields{
				"path":  path,
				"error": err,
			}).Debug("Failed to fetch device properties during discovery")
		} else {
			if fetched := collectDeviceInfo(&rec, all); fetched != nil {
				uuids = fetched
			}
		}
	}

	if !matchesFilters(uuids, filters) {
		return
	}

	t.mu.Lock()
	if !t.discovering {
		t.mu.Unlock()
		return
	}
	t.discovered[string(path)] = rec
	var woken []chan DiscoveredDevice
	if rec.MAC != "" {
		key := normalizeMAC(rec.MAC)
		woken = t.waiters[key]
		delete(t.waiters, key)
	}
	t.mu.Unlock()

	t.log.WithFields(logrus.Fields{
		"device":  rec.Name,
		"address": rec.MAC,
	}).Info("Discovered new device")

	for _, ch := range woken {
		ch <- rec // buffered, single use
	}
	t.publish(DeviceAvailableEvent{Device: rec})
}

// collectDeviceInfo copies name/address fields from a property map into rec
// and returns the advertised UUID set, or nil when the map carried no UUID
// information at all.
func collectDeviceInfo(rec *DiscoveredDevice, props map[string]dbus.Variant) []string {
	if v, ok := props["Name"]; ok {
		if s, ok := v.Value().(string); ok && rec.Name == "" {
			rec.Name = s
		}
	}
	if v, ok := props["Alias"]; ok {
		if s, ok := v.Value().(string); ok && rec.Name == "" {
			rec.Name = s
		}
	}
	if v, ok := props["Address"]; ok {
		if s, ok := v.Value().(string); ok {
			rec.Address = s
			if rec.MAC == "" {
				rec.MAC = s
			}
		}
	}

	var uuids []string
	if v, ok := props["UUIDs"]; ok {
		if list, ok := v.Value().([]string); ok {
			uuids = append(uuids, list...)
		}
	}
	if v, ok := props["ServiceData"]; ok {
		if entries, ok := v.Value().(map[string]dbus.Variant); ok {
			for u := range entries {
				uuids = append(uuids, u)
			}
		}
	}
	return uuids
}

func matchesFilters(uuids, filters []string) bool {
	if len(filters) == 0 {
		return true
	}
	for _, u := range uuids {
		n := NormalizeUUID(u)
		for _, f := range filters {
			if n == f {
				return true
			}
		}
	}
	return false
}

func (t *Transport) handleCharacteristicChanged(path dbus.ObjectPath, changed map[string]dbus.Variant) {
	v, ok := changed["Value"]
	if !ok {
		return
	}
	data, ok := v.Value().([]byte)
	if !ok {
		return
	}
	// Only characteristics that are currently cached get their notification
	// routed; anything else is noise from other bus clients.
	if ch, ok := t.chars.Get(string(path)); ok {
		ch.handleValue(data)
		t.publish(CharacteristicValueEvent{Path: path, UUID: ch.UUID(), Data: data})
	}
}

// purgeCharacteristics drops every cached characteristic handle that belongs
// to the given device path.
func (t *Transport) purgeCharacteristics(devicePath dbus.ObjectPath) {
	prefix := string(devicePath) + "/"
	var stale []string
	t.chars.Range(func(key string, _ *Characteristic) bool {
		if strings.HasPrefix(key, prefix) {
			stale = append(stale, key)
		}
		return true
	})
	for _, key := range stale {
		t.chars.Del(key)
	}
}

func normalizeMAC(mac string) string {
	return strings.ToUpper(strings.ReplaceAll(mac, "-", ":"))
}
