package bluez

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"
)

// fakeBus implements Bus in-memory: bus objects answer from a property table
// and a managed-object table, and tests inject signals directly into the
// channels the transport registered.
type fakeBus struct {
	mu      sync.Mutex
	names   []string
	props   map[dbus.ObjectPath]map[string]dbus.Variant
	managed map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	errs    map[string]error
	calls   []fakeCall
	signals []chan<- *dbus.Signal
	closed  bool
}

type fakeCall struct {
	path   dbus.ObjectPath
	method string
	args   []interface{}
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		names:   []string{"org.freedesktop.DBus", busName},
		props:   make(map[dbus.ObjectPath]map[string]dbus.Variant),
		managed: make(map[dbus.ObjectPath]map[string]map[string]dbus.Variant),
		errs:    make(map[string]error),
	}
}

func (b *fakeBus) setProp(path dbus.ObjectPath, key string, value interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.props[path] == nil {
		b.props[path] = make(map[string]dbus.Variant)
	}
	b.props[path][key] = dbus.MakeVariant(value)
}

func (b *fakeBus) invoke(path dbus.ObjectPath, method string, args []interface{}) *dbus.Call {
	b.mu.Lock()
	b.calls = append(b.calls, fakeCall{path: path, method: method, args: args})
	err := b.errs[method]
	b.mu.Unlock()
	if err != nil {
		return &dbus.Call{Err: err}
	}

	switch method {
	case "org.freedesktop.DBus.ListNames":
		return &dbus.Call{Body: []interface{}{b.names}}
	case objectManagerIface + ".GetManagedObjects":
		return &dbus.Call{Body: []interface{}{b.managed}}
	case propsIface + ".GetAll":
		iface, _ := args[0].(string)
		out := make(map[string]dbus.Variant)
		b.mu.Lock()
		for k, v := range b.props[path] {
			if strings.HasPrefix(k, iface+".") {
				out[strings.TrimPrefix(k, iface+".")] = v
			}
		}
		b.mu.Unlock()
		return &dbus.Call{Body: []interface{}{out}}
	}
	return &dbus.Call{}
}

func (b *fakeBus) callCount(method string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.calls {
		if c.method == method {
			n++
		}
	}
	return n
}

func (b *fakeBus) emit(sig *dbus.Signal) {
	b.mu.Lock()
	chans := append([]chan<- *dbus.Signal(nil), b.signals...)
	b.mu.Unlock()
	for _, ch := range chans {
		ch <- sig
	}
}

func (b *fakeBus) Object(dest string, path dbus.ObjectPath) dbus.BusObject {
	return &fakeObject{bus: b, dest: dest, path: path}
}

func (b *fakeBus) Signal(ch chan<- *dbus.Signal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.signals = append(b.signals, ch)
}

func (b *fakeBus) RemoveSignal(ch chan<- *dbus.Signal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, c := range b.signals {
		if c == ch {
			b.signals = append(b.signals[:i], b.signals[i+1:]...)
			return
		}
	}
}

func (b *fakeBus) AddMatchSignal(...dbus.MatchOption) error    { return nil }
func (b *fakeBus) RemoveMatchSignal(...dbus.MatchOption) error { return nil }

func (b *fakeBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

type fakeObject struct {
	bus  *fakeBus
	dest string
	path dbus.ObjectPath
}

func (o *fakeObject) Call(method string, _ dbus.Flags, args ...interface{}) *dbus.Call {
	return o.bus.invoke(o.path, method, args)
}

func (o *fakeObject) CallWithContext(_ context.Context, method string, _ dbus.Flags, args ...interface{}) *dbus.Call {
	return o.bus.invoke(o.path, method, args)
}

func (o *fakeObject) Go(string, dbus.Flags, chan *dbus.Call, ...interface{}) *dbus.Call {
	panic("not implemented")
}

func (o *fakeObject) GoWithContext(context.Context, string, dbus.Flags, chan *dbus.Call, ...interface{}) *dbus.Call {
	panic("not implemented")
}

func (o *fakeObject) AddMatchSignal(string, string, ...dbus.MatchOption) *dbus.Call {
	return &dbus.Call{}
}

func (o *fakeObject) RemoveMatchSignal(string, string, ...dbus.MatchOption) *dbus.Call {
	return &dbus.Call{}
}

func (o *fakeObject) GetProperty(p string) (dbus.Variant, error) {
	o.bus.mu.Lock()
	defer o.bus.mu.Unlock()
	if v, ok := o.bus.props[o.path][p]; ok {
		return v, nil
	}
	return dbus.Variant{}, fmt.Errorf("no property %s on %s", p, o.path)
}

func (o *fakeObject) StoreProperty(p string, value interface{}) error {
	v, err := o.GetProperty(p)
	if err != nil {
		return err
	}
	return dbus.Store([]interface{}{v.Value()}, value)
}

func (o *fakeObject) SetProperty(p string, v interface{}) error {
	o.bus.setProp(o.path, p, v)
	return nil
}

func (o *fakeObject) Destination() string   { return o.dest }
func (o *fakeObject) Path() dbus.ObjectPath { return o.path }

const (
	testAdapterPath = dbus.ObjectPath("/org/bluez/hci0")
	testDeviceMAC   = "A4:C1:38:01:02:03"
	testDevicePath  = dbus.ObjectPath("/org/bluez/hci0/dev_A4_C1_38_01_02_03")
)

type TransportTestSuite struct {
	suite.Suite

	bus       *fakeBus
	transport *Transport
	restore   func()
}

func (suite *TransportTestSuite) SetupTest() {
	suite.bus = newFakeBus()
	suite.bus.setProp(testAdapterPath, adapterIface+".Address", "AA:BB:CC:DD:EE:FF")

	orig := BusFactory
	BusFactory = func() (Bus, error) { return suite.bus, nil }
	suite.restore = func() { BusFactory = orig }

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	t, err := NewTransport(Config{
		Adapter:          "hci0",
		DiscoveryTimeout: 200 * time.Millisecond,
		ResolveTimeout:   200 * time.Millisecond,
	}, logger)
	suite.Require().NoError(err, "transport MUST initialize against fake bus")
	suite.transport = t
}

func (suite *TransportTestSuite) TearDownTest() {
	suite.transport.Close()
	suite.restore()
}

func (suite *TransportTestSuite) waitEvent() Event {
	select {
	case ev, ok := <-suite.transport.Events():
		suite.Require().True(ok, "event stream MUST stay open during test")
		return ev
	case <-time.After(time.Second):
		suite.Require().Fail("timed out waiting for transport event")
		return nil
	}
}

// registerDevice makes the device answer property reads so GetDevice resolves
// it without a scan.
func (suite *TransportTestSuite) registerDevice() *Device {
	suite.bus.setProp(testDevicePath, deviceIface+".Address", testDeviceMAC)
	dev, err := suite.transport.GetDevice(context.Background(), testDeviceMAC)
	suite.Require().NoError(err, "known device MUST resolve without scan")
	return dev
}

func (suite *TransportTestSuite) connectDevice() *Device {
	dev := suite.registerDevice()
	suite.bus.setProp(testDevicePath, deviceIface+".ServicesResolved", true)
	suite.Require().NoError(dev.Connect(context.Background()), "connect MUST succeed")
	return dev
}

func TestTransportSuite(t *testing.T) {
	suite.Run(t, new(TransportTestSuite))
}

func TestTransportDaemonMissing(t *testing.T) {
	// GOAL: Verify initialization fails with actionable remediation when the
	// Bluetooth daemon is not on the bus
	//
	// TEST SCENARIO: Bus without org.bluez name → NewTransport fails → error carries systemctl hint

	bus := newFakeBus()
	bus.names = []string{"org.freedesktop.DBus"}

	orig := BusFactory
	BusFactory = func() (Bus, error) { return bus, nil }
	defer func() { BusFactory = orig }()

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	_, err := NewTransport(Config{}, logger)
	if err == nil {
		t.Fatal("NewTransport MUST fail when org.bluez is absent")
	}
	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("error MUST be TransportError, got %T", err)
	}
	if !strings.Contains(terr.Remediation, "systemctl start bluetooth") {
		t.Errorf("remediation MUST suggest starting the daemon, got %q", terr.Remediation)
	}
	if !bus.closed {
		t.Error("bus connection MUST be released on init failure")
	}
}

func TestTransportPermissionDenied(t *testing.T) {
	// GOAL: Verify permission failures carry the bluetooth-group remediation
	//
	// TEST SCENARIO: Daemon probe denied → NewTransport fails → error suggests joining the bluetooth group

	bus := newFakeBus()
	bus.errs["org.freedesktop.DBus.ListNames"] = dbus.Error{Name: dbusAccessDenied}

	orig := BusFactory
	BusFactory = func() (Bus, error) { return bus, nil }
	defer func() { BusFactory = orig }()

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	_, err := NewTransport(Config{}, logger)
	if err == nil {
		t.Fatal("NewTransport MUST fail when the daemon probe is denied")
	}
	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("error MUST be TransportError, got %T", err)
	}
	if !strings.Contains(terr.Remediation, "bluetooth' group") {
		t.Errorf("remediation MUST mention the bluetooth group, got %q", terr.Remediation)
	}
}

func (suite *TransportTestSuite) TestConnect() {
	// GOAL: Verify the connect sequence waits for service resolution
	//
	// TEST SCENARIO: Connect issued → ServicesResolved observed → device reports connected

	suite.Run("succeeds when services resolve", func() {
		dev := suite.connectDevice()

		suite.Assert().True(dev.Connected(), "device MUST report connected")
		suite.Assert().NotNil(dev.Lost(), "connected device MUST expose a lost channel")
		suite.Assert().Equal(1, suite.bus.callCount(deviceIface+".Connect"), "Connect MUST be called once")

		// Second connect is a no-op on an established session.
		suite.Assert().NoError(dev.Connect(context.Background()))
		suite.Assert().Equal(1, suite.bus.callCount(deviceIface+".Connect"), "established session MUST not reconnect")
	})

	suite.Run("times out when services never resolve", func() {
		mac := "A4:C1:38:0A:0B:0C"
		path := deviceObjectPath(testAdapterPath, mac)
		suite.bus.setProp(path, deviceIface+".Address", mac)
		suite.bus.setProp(path, deviceIface+".ServicesResolved", false)

		dev, err := suite.transport.GetDevice(context.Background(), mac)
		suite.Require().NoError(err)

		err = dev.Connect(context.Background())
		suite.Assert().Error(err, "connect MUST fail when resolution stalls")
		suite.Assert().ErrorIs(err, errServiceResolution, "failure MUST be the resolution timeout")
		suite.Assert().False(dev.Connected(), "device MUST NOT report connected")
	})
}

func (suite *TransportTestSuite) TestServiceReresolution() {
	// GOAL: Verify ServicesResolved toggling after connect does not kill the
	// dispatch goroutine
	//
	// TEST SCENARIO: Connected device → ServicesResolved false then true again
	// (BlueZ re-resolves after a Service Changed indication) → device stays
	// connected and signals keep flowing

	dev := suite.connectDevice()

	for _, resolved := range []bool{false, true} {
		suite.bus.emit(&dbus.Signal{
			Name: propsChangedSignal,
			Path: testDevicePath,
			Body: []interface{}{
				deviceIface,
				map[string]dbus.Variant{"ServicesResolved": dbus.MakeVariant(resolved)},
				[]string{},
			},
		})
	}

	// A surviving dispatch goroutine still demultiplexes signals.
	suite.bus.emit(&dbus.Signal{
		Name: propsChangedSignal,
		Path: testDevicePath,
		Body: []interface{}{
			deviceIface,
			map[string]dbus.Variant{
				"ServiceData": dbus.MakeVariant(map[string]dbus.Variant{
					"0000fe95-0000-1000-8000-00805f9b34fb": dbus.MakeVariant([]byte{0x30, 0x58}),
				}),
			},
			[]string{},
		},
	})

	ev := suite.waitEvent()
	_, ok := ev.(AdvertisementEvent)
	suite.Require().True(ok, "dispatch MUST survive a resolution toggle, got %T", ev)
	suite.Assert().True(dev.Connected(), "device MUST stay connected across re-resolution")
}

func (suite *TransportTestSuite) TestExternalDisconnect() {
	// GOAL: Verify an unexpected session drop is detected and surfaced
	//
	// TEST SCENARIO: Connected device → Connected=false property signal → lost channel closed, event published, caches purged

	dev := suite.connectDevice()
	lost := dev.Lost()

	charPath := dbus.ObjectPath(string(testDevicePath) + "/service1f10/char1f1f")
	suite.bus.setProp(charPath, charIface+".Flags", []string{FlagRead})
	ch, err := dev.GetCharacteristic(context.Background(), CharacteristicID{Service: "0x1f10", Characteristic: "0x1f1f"})
	suite.Require().NoError(err)

	suite.bus.emit(&dbus.Signal{
		Name: propsChangedSignal,
		Path: testDevicePath,
		Body: []interface{}{
			deviceIface,
			map[string]dbus.Variant{"Connected": dbus.MakeVariant(false)},
			[]string{},
		},
	})

	ev := suite.waitEvent()
	disc, ok := ev.(ExternalDisconnectEvent)
	suite.Require().True(ok, "event MUST be ExternalDisconnectEvent, got %T", ev)
	suite.Assert().Equal(testDeviceMAC, disc.MAC, "event MUST carry the device MAC")

	select {
	case <-lost:
	case <-time.After(time.Second):
		suite.Require().Fail("lost channel MUST be closed on external disconnect")
	}
	suite.Assert().False(dev.Connected(), "device MUST report disconnected")

	_, cached := suite.transport.chars.Get(string(ch.Path()))
	suite.Assert().False(cached, "characteristic cache MUST be purged on disconnect")
}

func (suite *TransportTestSuite) TestAdvertisementDemux() {
	// GOAL: Verify ServiceData property changes become advertisement events
	//
	// TEST SCENARIO: PropertiesChanged with ServiceData → AdvertisementEvent with short UUID and raw payload

	payload := []byte{0x30, 0x58, 0x5b, 0x05, 0x01}
	suite.bus.emit(&dbus.Signal{
		Name: propsChangedSignal,
		Path: testDevicePath,
		Body: []interface{}{
			deviceIface,
			map[string]dbus.Variant{
				"ServiceData": dbus.MakeVariant(map[string]dbus.Variant{
					"0000fe95-0000-1000-8000-00805f9b34fb": dbus.MakeVariant(payload),
				}),
			},
			[]string{},
		},
	})

	ev := suite.waitEvent()
	adv, ok := ev.(AdvertisementEvent)
	suite.Require().True(ok, "event MUST be AdvertisementEvent, got %T", ev)
	suite.Assert().Equal(uint16(0xfe95), adv.ServiceUUID, "service UUID MUST collapse to its short form")
	suite.Assert().Equal(testDeviceMAC, adv.MAC)
	suite.Assert().Equal(payload, adv.Data, "payload MUST be passed through raw")
}

func (suite *TransportTestSuite) TestNotificationRouting() {
	// GOAL: Verify characteristic value signals are routed only to cached handles
	//
	// TEST SCENARIO: Value signal for unknown path ignored → value signal for cached path reaches subscriber and event stream

	dev := suite.registerDevice()
	charPath := dbus.ObjectPath(string(testDevicePath) + "/service1f10/char1f1f")
	suite.bus.setProp(charPath, charIface+".Flags", []string{FlagRead, FlagNotify})

	ch, err := dev.GetCharacteristic(context.Background(), CharacteristicID{Service: "0x1f10", Characteristic: "0x1f1f"})
	suite.Require().NoError(err)

	var got [][]byte
	var mu sync.Mutex
	remove := ch.OnValue(func(data []byte) {
		mu.Lock()
		got = append(got, data)
		mu.Unlock()
	})
	defer remove()

	valueSignal := func(path dbus.ObjectPath, data []byte) *dbus.Signal {
		return &dbus.Signal{
			Name: propsChangedSignal,
			Path: path,
			Body: []interface{}{
				charIface,
				map[string]dbus.Variant{"Value": dbus.MakeVariant(data)},
				[]string{},
			},
		}
	}

	// A handle nobody resolved is another client's traffic.
	suite.bus.emit(valueSignal(dbus.ObjectPath(string(testDevicePath)+"/service0004/char0005"), []byte{0xff}))
	suite.bus.emit(valueSignal(charPath, []byte{0x01, 0x02}))

	ev := suite.waitEvent()
	val, ok := ev.(CharacteristicValueEvent)
	suite.Require().True(ok, "first surfaced event MUST be the cached characteristic's value, got %T", ev)
	suite.Assert().Equal(charPath, val.Path)
	suite.Assert().Equal([]byte{0x01, 0x02}, val.Data)

	mu.Lock()
	defer mu.Unlock()
	suite.Require().Len(got, 1, "subscriber MUST see exactly the cached characteristic's value")
	suite.Assert().Equal([]byte{0x01, 0x02}, got[0])
	suite.Assert().Equal([]byte{0x01, 0x02}, ch.Value(), "handle MUST remember the last value")
}

func (suite *TransportTestSuite) TestSharedNotifySubscribers() {
	// GOAL: Verify stopping one subscriber does not silence a shared characteristic
	//
	// TEST SCENARIO: Two OnValue subscribers on one handle → first one's
	// remove+StopNotify leaves the daemon subscription alive and the second
	// still receives values → last one's StopNotify issues the daemon call

	dev := suite.registerDevice()
	charPath := dbus.ObjectPath(string(testDevicePath) + "/service1f10/char1f1f")
	suite.bus.setProp(charPath, charIface+".Flags", []string{FlagNotify})

	ch, err := dev.GetCharacteristic(context.Background(), CharacteristicID{Service: "0x1f10", Characteristic: "0x1f1f"})
	suite.Require().NoError(err)
	suite.Require().NoError(ch.StartNotify(context.Background()))

	var mu sync.Mutex
	var first, second [][]byte
	removeFirst := ch.OnValue(func(data []byte) {
		mu.Lock()
		first = append(first, data)
		mu.Unlock()
	})
	removeSecond := ch.OnValue(func(data []byte) {
		mu.Lock()
		second = append(second, data)
		mu.Unlock()
	})

	removeFirst()
	suite.Require().NoError(ch.StopNotify(context.Background()))
	suite.Assert().Zero(suite.bus.callCount(charIface+".StopNotify"),
		"daemon StopNotify MUST be deferred while subscribers remain")
	suite.Assert().True(ch.Notifying(), "handle MUST still report notifying")

	suite.bus.emit(&dbus.Signal{
		Name: propsChangedSignal,
		Path: charPath,
		Body: []interface{}{
			charIface,
			map[string]dbus.Variant{"Value": dbus.MakeVariant([]byte{0x2a})},
			[]string{},
		},
	})
	suite.waitEvent()

	mu.Lock()
	suite.Require().Len(second, 1, "remaining subscriber MUST keep receiving values")
	suite.Assert().Equal([]byte{0x2a}, second[0])
	suite.Assert().Empty(first, "removed subscriber MUST NOT receive values")
	mu.Unlock()

	removeSecond()
	suite.Require().NoError(ch.StopNotify(context.Background()))
	suite.Assert().Equal(1, suite.bus.callCount(charIface+".StopNotify"),
		"daemon StopNotify MUST be issued once the last subscriber leaves")
	suite.Assert().False(ch.Notifying())
}

func (suite *TransportTestSuite) TestDiscoverProfile() {
	// GOAL: Verify GATT topology is enumerated once and reused
	//
	// TEST SCENARIO: Two DiscoverProfile calls → single GetManagedObjects walk → identical topology both times

	dev := suite.registerDevice()

	svcPath := dbus.ObjectPath(string(testDevicePath) + "/service0028")
	charPath := dbus.ObjectPath(string(svcPath) + "/char0029")
	foreignSvc := dbus.ObjectPath("/org/bluez/hci0/dev_FF_FF_FF_FF_FF_FF/service0010")

	suite.bus.managed = map[dbus.ObjectPath]map[string]map[string]dbus.Variant{
		svcPath: {serviceIface: {
			"UUID": dbus.MakeVariant("0000180f-0000-1000-8000-00805f9b34fb"),
		}},
		charPath: {charIface: {
			"UUID":    dbus.MakeVariant("00002a19-0000-1000-8000-00805f9b34fb"),
			"Service": dbus.MakeVariant(svcPath),
			"Flags":   dbus.MakeVariant([]string{FlagRead, FlagNotify}),
		}},
		foreignSvc: {serviceIface: {
			"UUID": dbus.MakeVariant("0000180d-0000-1000-8000-00805f9b34fb"),
		}},
	}

	first, err := dev.DiscoverProfile(context.Background())
	suite.Require().NoError(err)
	second, err := dev.DiscoverProfile(context.Background())
	suite.Require().NoError(err)

	suite.Assert().Equal(1, suite.bus.callCount(objectManagerIface+".GetManagedObjects"),
		"topology MUST be walked exactly once per session")
	suite.Assert().Equal(first, second, "repeat discovery MUST return the identical topology")

	suite.Require().Contains(first, "180f", "device's own service MUST be present")
	suite.Assert().NotContains(first, "180d", "other devices' services MUST be excluded")

	info, ok := first["180f"].Characteristics["2a19"]
	suite.Require().True(ok, "characteristic MUST be attached to its parent service")
	suite.Assert().Equal(charPath, info.Path)
	suite.Assert().Contains(info.Flags, FlagNotify)
}

func (suite *TransportTestSuite) TestCharacteristicResolution() {
	// GOAL: Verify every resolution route yields one shared handle
	//
	// TEST SCENARIO: Resolve by model-mapped full UUIDs and by raw short codes → same cached instance, no topology walk

	dev := suite.registerDevice()
	dev.SetCodeMap(map[string]uint16{
		"ebe0ccb0-7a0a-4b0c-8a1a-6ff2997da3a6": 0x1f10,
		"ebe0ccc1-7a0a-4b0c-8a1a-6ff2997da3a6": 0x1f1f,
	})

	charPath := dbus.ObjectPath(string(testDevicePath) + "/service1f10/char1f1f")
	suite.bus.setProp(charPath, charIface+".Flags", []string{FlagRead, FlagNotify})

	byUUID, err := dev.GetCharacteristic(context.Background(), CharacteristicID{
		Service:        "ebe0ccb0-7a0a-4b0c-8a1a-6ff2997da3a6",
		Characteristic: "ebe0ccc1-7a0a-4b0c-8a1a-6ff2997da3a6",
	})
	suite.Require().NoError(err, "model-mapped UUIDs MUST resolve")

	byCode, err := dev.GetCharacteristic(context.Background(), CharacteristicID{
		Service:        "0x1f10",
		Characteristic: "1f1f",
	})
	suite.Require().NoError(err, "short codes MUST resolve")

	suite.Assert().Same(byUUID, byCode, "both routes MUST share one handle")
	suite.Assert().Equal(charPath, byUUID.Path(), "path MUST be computed from the codes")
	suite.Assert().True(byUUID.HasFlag(FlagNotify))
	suite.Assert().Equal(0, suite.bus.callCount(objectManagerIface+".GetManagedObjects"),
		"numeric resolution MUST NOT walk the object tree")
}

func (suite *TransportTestSuite) TestGetDevice() {
	// GOAL: Verify device lookup scans on demand and times out cleanly
	//
	// TEST SCENARIO: Unknown device → scan starts → InterfacesAdded wakes waiter; absent device → DiscoveryTimeoutError

	suite.Run("waits for discovery", func() {
		mac := "C4:7C:8D:11:22:33"
		path := deviceObjectPath(testAdapterPath, mac)

		type result struct {
			dev *Device
			err error
		}
		done := make(chan result, 1)
		go func() {
			dev, err := suite.transport.GetDevice(context.Background(), mac)
			done <- result{dev, err}
		}()

		// Wait until the scan is running before announcing the device.
		suite.Require().Eventually(func() bool {
			return suite.bus.callCount(adapterIface+".StartDiscovery") > 0
		}, time.Second, 5*time.Millisecond, "lookup MUST start a scan")

		suite.bus.emit(&dbus.Signal{
			Name: interfacesAdded,
			Path: "/",
			Body: []interface{}{
				path,
				map[string]map[string]dbus.Variant{
					deviceIface: {
						"Name":    dbus.MakeVariant("Flower care"),
						"Address": dbus.MakeVariant(mac),
					},
				},
			},
		})

		select {
		case res := <-done:
			suite.Require().NoError(res.err)
			suite.Assert().Equal(path, res.dev.Path())
			suite.Assert().Equal(mac, res.dev.MAC())
		case <-time.After(time.Second):
			suite.Require().Fail("GetDevice MUST return once the device is discovered")
		}

		ev := suite.waitEvent()
		avail, ok := ev.(DeviceAvailableEvent)
		suite.Require().True(ok, "discovery MUST publish DeviceAvailableEvent, got %T", ev)
		suite.Assert().Equal("Flower care", avail.Device.Name)

		suite.Assert().Eventually(func() bool {
			return suite.bus.callCount(adapterIface+".StopDiscovery") > 0
		}, time.Second, 5*time.Millisecond, "on-demand scan MUST be stopped after lookup")
	})

	suite.Run("times out when device never appears", func() {
		_, err := suite.transport.GetDevice(context.Background(), "00:00:00:00:00:01")
		suite.Require().Error(err)

		var timeoutErr *DiscoveryTimeoutError
		suite.Require().ErrorAs(err, &timeoutErr, "error MUST be DiscoveryTimeoutError")
		suite.Assert().Equal("00:00:00:00:00:01", timeoutErr.MAC)
	})

	suite.Run("returns shared handle for same device", func() {
		dev1 := suite.registerDevice()
		dev2, err := suite.transport.GetDevice(context.Background(), testDeviceMAC)
		suite.Require().NoError(err)
		suite.Assert().Same(dev1, dev2, "handles MUST be shared per device")
	})
}
