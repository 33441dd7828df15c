// Package xmihome is the top-level client for smart-home devices reachable
// over the local-RPC, Bluetooth LE and cloud transports. One Client owns the
// shared resources: the Bluetooth transport, the device registry, the
// bind-key table and the advertisement monitor.
package xmihome

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/srg/xmihome/internal/bluez"
	"github.com/srg/xmihome/internal/groutine"
	"github.com/srg/xmihome/internal/mibeacon"
	"github.com/srg/xmihome/pkg/device"
)

// LocalDialer is the local-RPC collaborator: it establishes a binary RPC
// session to a device given its address and token.
type LocalDialer interface {
	Dial(ctx context.Context, address, token string) (device.Caller, error)
}

// Advertisement is one decoded passive BLE frame.
type Advertisement struct {
	Timestamp   time.Time
	MAC         string
	DeviceType  uint16
	ServiceUUID uint16
	Firmware    string
	ObjectIDs   []string
	Payload     map[string]interface{}
}

// Discovery is one device surfaced by a discovery scan.
type Discovery struct {
	Path    string
	Name    string
	MAC     string
	Address string
}

// AdapterChange is one adapter-level property transition (powered,
// discovering, ...).
type AdapterChange struct {
	Name  string
	Value interface{}
}

// AdvertisementHandler receives decoded advertisements.
type AdvertisementHandler func(Advertisement)

// DiscoveryHandler receives discovered devices.
type DiscoveryHandler func(Discovery)

// AdapterChangeHandler receives adapter property changes.
type AdapterChangeHandler func(AdapterChange)

// Client is the top-level context. It is safe for concurrent use; create
// one per process and share it.
type Client struct {
	cfg  *Config
	log  *logrus.Logger
	opts device.Options

	devices  *hashmap.Map[string, *device.Device]
	bindKeys *hashmap.Map[string, []byte]
	decoder  *mibeacon.Decoder

	localDialer LocalDialer
	requester   device.Requester

	btMu sync.Mutex
	bt   *bluez.Transport

	cbMu        sync.Mutex
	nextToken   int
	advHandlers map[int]advHandler
	discovered  map[int]discHandler
	adapterCbs  map[int]AdapterChangeHandler

	closeOnce sync.Once
}

type advHandler struct {
	mac string // empty = all devices
	fn  AdvertisementHandler
}

type discHandler struct {
	mac string // empty = all devices
	fn  DiscoveryHandler
}

// NewClient builds a client from configuration. The Bluetooth transport is
// established lazily, on first Bluetooth operation.
func NewClient(cfg *Config, logger *logrus.Logger) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		var err error
		logger, err = cfg.NewLogger()
		if err != nil {
			return nil, err
		}
	}
	opts, err := cfg.deviceOptions()
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:         cfg,
		log:         logger,
		opts:        opts,
		devices:     hashmap.New[string, *device.Device](),
		bindKeys:    hashmap.New[string, []byte](),
		advHandlers: make(map[int]advHandler),
		discovered:  make(map[int]discHandler),
		adapterCbs:  make(map[int]AdapterChangeHandler),
	}
	c.decoder = mibeacon.NewDecoder(c, logger)

	for mac, key := range cfg.BindKeys {
		if err := c.RegisterBindKey(mac, key); err != nil {
			return nil, fmt.Errorf("bind key for %s: %w", mac, err)
		}
	}
	return c, nil
}

// Device returns the state machine for an identity, creating it on first
// use. The registry is keyed by the identity's canonical key, so every
// caller addressing the same device shares one instance.
func (c *Client) Device(identity device.Identity) (*device.Device, error) {
	key := identity.Key()
	if dev, ok := c.devices.Get(key); ok {
		return dev, nil
	}
	dev, err := device.New(identity, c, c.opts, c.log)
	if err != nil {
		return nil, err
	}
	actual, _ := c.devices.GetOrInsert(key, dev)
	return actual, nil
}

// DeviceByName returns the state machine for a pre-registered device.
func (c *Client) DeviceByName(name string) (*device.Device, error) {
	for _, dc := range c.cfg.Devices {
		if dc.Name == name {
			return c.Device(dc.Identity())
		}
	}
	return nil, fmt.Errorf("device %q is not configured", name)
}

// SetLocalDialer installs the local-RPC collaborator.
func (c *Client) SetLocalDialer(d LocalDialer) { c.localDialer = d }

// SetCloudRequester installs the cloud collaborator.
func (c *Client) SetCloudRequester(r device.Requester) { c.requester = r }

// Dial implements device.TransportFactory.
func (c *Client) Dial(ctx context.Context, identity device.Identity, kind device.Kind, model *device.Model) (device.Transport, error) {
	log := c.log.WithField("device", identity.Key())
	switch kind {
	case device.KindLocal:
		if c.localDialer == nil {
			return nil, fmt.Errorf("local transport is not configured")
		}
		caller, err := c.localDialer.Dial(ctx, identity.Address, identity.Token)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", identity.Address, err)
		}
		return device.NewLocalTransport(caller, log), nil

	case device.KindCloud:
		if c.requester == nil {
			return nil, fmt.Errorf("cloud transport is not configured")
		}
		return device.NewCloudTransport(c.requester, identity.ID, log), nil

	case device.KindBluetooth:
		bt, err := c.bluetooth()
		if err != nil {
			return nil, err
		}
		bdev, err := bt.GetDevice(ctx, identity.MAC)
		if err != nil {
			return nil, err
		}
		if model != nil && len(model.Codes) > 0 {
			bdev.SetCodeMap(model.Codes)
		}
		if err := bdev.Connect(ctx); err != nil {
			return nil, err
		}
		return newBLETransport(bdev, log), nil

	default:
		return nil, device.ErrNoTransport
	}
}

// bluetooth lazily establishes the process-wide Bluetooth transport and its
// event consumer.
func (c *Client) bluetooth() (*bluez.Transport, error) {
	c.btMu.Lock()
	defer c.btMu.Unlock()
	if c.bt != nil {
		return c.bt, nil
	}
	bt, err := bluez.NewTransport(bluez.Config{
		Adapter:          c.cfg.Adapter,
		DiscoveryTimeout: c.cfg.DiscoveryTimeout,
		ResolveTimeout:   c.cfg.ResolveTimeout,
		EventBuffer:      c.cfg.EventBuffer,
	}, c.log)
	if err != nil {
		return nil, err
	}
	c.bt = bt
	groutine.Go(nil, "bluetooth-events", func(context.Context) { c.consumeEvents(bt.Events()) })
	return bt, nil
}

// consumeEvents is the single consumer of the Bluetooth event stream, so
// callback delivery order matches bus order.
func (c *Client) consumeEvents(events <-chan bluez.Event) {
	for ev := range events {
		switch e := ev.(type) {
		case bluez.AdvertisementEvent:
			frame := c.decoder.Decode(e.ServiceUUID, e.MAC, e.Data)
			if frame == nil {
				continue
			}
			c.dispatchAdvertisement(Advertisement{
				Timestamp:   frame.Timestamp,
				MAC:         frame.MAC,
				DeviceType:  frame.DeviceType,
				ServiceUUID: frame.ServiceUUID,
				Firmware:    frame.Firmware,
				ObjectIDs:   frame.ObjectIDs,
				Payload:     frame.Payload,
			})

		case bluez.DeviceAvailableEvent:
			c.dispatchDiscovery(Discovery{
				Path:    string(e.Device.Path),
				Name:    e.Device.Name,
				MAC:     e.Device.MAC,
				Address: e.Device.Address,
			})

		case bluez.AdapterPropertyEvent:
			c.log.WithFields(logrus.Fields{
				"property": e.Name,
				"value":    e.Value,
			}).Debug("Adapter property changed")
			c.dispatchAdapterChange(AdapterChange{Name: e.Name, Value: e.Value})
		}
	}
}

func (c *Client) dispatchAdvertisement(adv Advertisement) {
	c.cbMu.Lock()
	handlers := make([]AdvertisementHandler, 0, len(c.advHandlers))
	for _, h := range c.advHandlers {
		if h.mac == "" || h.mac == adv.MAC {
			handlers = append(handlers, h.fn)
		}
	}
	c.cbMu.Unlock()
	for _, fn := range handlers {
		fn(adv)
	}
}

func (c *Client) dispatchDiscovery(d Discovery) {
	c.cbMu.Lock()
	handlers := make([]DiscoveryHandler, 0, len(c.discovered))
	for _, h := range c.discovered {
		if h.mac == "" || h.mac == d.MAC {
			handlers = append(handlers, h.fn)
		}
	}
	c.cbMu.Unlock()
	for _, fn := range handlers {
		fn(d)
	}
}

func (c *Client) dispatchAdapterChange(ch AdapterChange) {
	c.cbMu.Lock()
	handlers := make([]AdapterChangeHandler, 0, len(c.adapterCbs))
	for _, fn := range c.adapterCbs {
		handlers = append(handlers, fn)
	}
	c.cbMu.Unlock()
	for _, fn := range handlers {
		fn(ch)
	}
}

// OnAdvertisement registers a handler for every decoded advertisement. The
// returned function removes it.
func (c *Client) OnAdvertisement(fn AdvertisementHandler) func() {
	return c.addAdvHandler("", fn)
}

// OnDeviceAdvertisement registers a handler for one device's decoded
// advertisements.
func (c *Client) OnDeviceAdvertisement(mac string, fn AdvertisementHandler) func() {
	return c.addAdvHandler(mibeacon.NormalizeMAC(mac), fn)
}

func (c *Client) addAdvHandler(mac string, fn AdvertisementHandler) func() {
	c.cbMu.Lock()
	c.nextToken++
	token := c.nextToken
	c.advHandlers[token] = advHandler{mac: mac, fn: fn}
	c.cbMu.Unlock()
	return func() {
		c.cbMu.Lock()
		delete(c.advHandlers, token)
		c.cbMu.Unlock()
	}
}

// OnDeviceAvailable registers a handler for discovery results. The returned
// function removes it.
func (c *Client) OnDeviceAvailable(fn DiscoveryHandler) func() {
	return c.addDiscHandler("", fn)
}

// OnDeviceAvailableFor registers a handler for discovery results from one
// device. The returned function removes it.
func (c *Client) OnDeviceAvailableFor(mac string, fn DiscoveryHandler) func() {
	return c.addDiscHandler(mibeacon.NormalizeMAC(mac), fn)
}

func (c *Client) addDiscHandler(mac string, fn DiscoveryHandler) func() {
	c.cbMu.Lock()
	c.nextToken++
	token := c.nextToken
	c.discovered[token] = discHandler{mac: mac, fn: fn}
	c.cbMu.Unlock()
	return func() {
		c.cbMu.Lock()
		delete(c.discovered, token)
		c.cbMu.Unlock()
	}
}

// OnAdapterChange registers a handler for adapter property transitions
// (powered, discovering, ...). The returned function removes it.
func (c *Client) OnAdapterChange(fn AdapterChangeHandler) func() {
	c.cbMu.Lock()
	c.nextToken++
	token := c.nextToken
	c.adapterCbs[token] = fn
	c.cbMu.Unlock()
	return func() {
		c.cbMu.Lock()
		delete(c.adapterCbs, token)
		c.cbMu.Unlock()
	}
}

// RegisterBindKey associates a hex-encoded 16-byte advertisement decryption
// key with a device MAC.
func (c *Client) RegisterBindKey(mac, hexKey string) error {
	normalized := mibeacon.NormalizeMAC(mac)
	if normalized == "" {
		return fmt.Errorf("invalid mac %q", mac)
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return fmt.Errorf("bind key is not hex: %w", err)
	}
	if len(key) != 16 {
		return fmt.Errorf("bind key must be 16 bytes, got %d", len(key))
	}
	c.bindKeys.Set(normalized, key)
	return nil
}

// BindKey implements mibeacon.KeySource.
func (c *Client) BindKey(mac string) ([]byte, bool) {
	return c.bindKeys.Get(mibeacon.NormalizeMAC(mac))
}

// StartMonitor begins a passive scan for advertisement frames. Decoded
// frames reach the registered advertisement handlers.
func (c *Client) StartMonitor(ctx context.Context) error {
	bt, err := c.bluetooth()
	if err != nil {
		return err
	}
	return bt.StartDiscovery(ctx, []string{"fe95", "181d", "181b"})
}

// StopMonitor stops the passive scan.
func (c *Client) StopMonitor(ctx context.Context) error {
	c.btMu.Lock()
	bt := c.bt
	c.btMu.Unlock()
	if bt == nil {
		return nil
	}
	return bt.StopDiscovery(ctx)
}

// StartDiscovery scans for devices, surfacing them to OnDeviceAvailable
// handlers. uuidFilters, when non-empty, restrict the results.
func (c *Client) StartDiscovery(ctx context.Context, uuidFilters []string) error {
	bt, err := c.bluetooth()
	if err != nil {
		return err
	}
	return bt.StartDiscovery(ctx, uuidFilters)
}

// StopDiscovery stops an active scan.
func (c *Client) StopDiscovery(ctx context.Context) error {
	return c.StopMonitor(ctx)
}

// Close disconnects every device and releases the Bluetooth transport.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		c.devices.Range(func(_ string, dev *device.Device) bool {
			if derr := dev.Disconnect(ctx); derr != nil {
				c.log.WithField("error", derr).Warn("Failed to disconnect device during close")
			}
			return true
		})

		c.btMu.Lock()
		bt := c.bt
		c.bt = nil
		c.btMu.Unlock()
		if bt != nil {
			err = bt.Close()
		}
	})
	return err
}
