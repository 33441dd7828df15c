package bluez

import (
	"context"
	"time"

	"github.com/godbus/dbus/v5"
)

// StartDiscovery begins an adapter-level LE scan. uuidFilters, when
// non-empty, restrict which devices are surfaced as available. Calling it
// while a scan is active is a no-op.
func (t *Transport) StartDiscovery(ctx context.Context, uuidFilters []string) error {
	t.mu.Lock()
	if t.discovering {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	filter := map[string]interface{}{"Transport": "le"}
	if len(uuidFilters) > 0 {
		filter["UUIDs"] = uuidFilters
	}
	if err := t.adapter.CallWithContext(ctx, adapterIface+".SetDiscoveryFilter", 0, filter).Err; err != nil {
		return wrapCallError("set discovery filter", err)
	}
	if err := t.adapter.CallWithContext(ctx, adapterIface+".StartDiscovery", 0).Err; err != nil {
		return wrapCallError("start discovery", err)
	}

	normalized := make([]string, 0, len(uuidFilters))
	for _, f := range uuidFilters {
		normalized = append(normalized, NormalizeUUID(f))
	}

	t.mu.Lock()
	t.discovering = true
	t.filters = normalized
	t.discovered = make(map[string]DiscoveredDevice)
	t.mu.Unlock()

	t.log.WithField("filters", uuidFilters).Info("Discovery started")
	return nil
}

// StopDiscovery stops the scan and clears the transient discovery cache.
// Idempotent.
func (t *Transport) StopDiscovery(ctx context.Context) error {
	t.mu.Lock()
	if !t.discovering {
		t.mu.Unlock()
		return nil
	}
	t.discovering = false
	t.filters = nil
	t.discovered = nil
	t.mu.Unlock()

	if err := t.adapter.CallWithContext(ctx, adapterIface+".StopDiscovery", 0).Err; err != nil {
		return wrapCallError("stop discovery", err)
	}
	t.log.Info("Discovery stopped")
	return nil
}

// GetDevice resolves a device handle for the given MAC. If the bus already
// knows the device, the handle is returned immediately; otherwise a
// discovery scan runs until the device appears or DiscoveryTimeout elapses.
func (t *Transport) GetDevice(ctx context.Context, mac string) (*Device, error) {
	mac = normalizeMAC(mac)
	path := deviceObjectPath(t.adapterPath, mac)

	if dev, ok := t.devices.Get(string(path)); ok {
		return dev, nil
	}

	// An object that answers a property read already exists on the bus; no
	// scan needed.
	obj := t.conn.Object(busName, path)
	if _, err := obj.GetProperty(deviceIface + ".Address"); err == nil {
		return t.deviceHandle(path, mac), nil
	}

	ch := make(chan DiscoveredDevice, 1)
	t.mu.Lock()
	for _, rec := range t.discovered {
		if normalizeMAC(rec.MAC) == mac {
			t.mu.Unlock()
			return t.deviceHandle(rec.Path, mac), nil
		}
	}
	t.waiters[mac] = append(t.waiters[mac], ch)
	startScan := !t.discovering
	t.mu.Unlock()

	if startScan {
		if err := t.StartDiscovery(ctx, nil); err != nil {
			t.removeWaiter(mac, ch)
			return nil, err
		}
		defer func() {
			if err := t.StopDiscovery(context.Background()); err != nil {
				t.log.WithField("error", err).Warn("Failed to stop discovery after device lookup")
			}
		}()
	}

	timer := time.NewTimer(t.cfg.DiscoveryTimeout)
	defer timer.Stop()

	select {
	case rec := <-ch:
		return t.deviceHandle(rec.Path, mac), nil
	case <-timer.C:
		t.removeWaiter(mac, ch)
		return nil, &DiscoveryTimeoutError{MAC: mac, Timeout: t.cfg.DiscoveryTimeout}
	case <-ctx.Done():
		t.removeWaiter(mac, ch)
		return nil, ctx.Err()
	}
}

// deviceHandle returns the shared device handle for a path, creating it on
// first use.
func (t *Transport) deviceHandle(path dbus.ObjectPath, mac string) *Device {
	dev := newDevice(t, path, mac)
	actual, _ := t.devices.GetOrInsert(string(path), dev)
	return actual
}

func (t *Transport) removeWaiter(mac string, ch chan DiscoveredDevice) {
	t.mu.Lock()
	defer t.mu.Unlock()
	list := t.waiters[mac]
	for i, w := range list {
		if w == ch {
			t.waiters[mac] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(t.waiters[mac]) == 0 {
		delete(t.waiters, mac)
	}
}
