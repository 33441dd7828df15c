package xmihome

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/srg/xmihome/internal/bluez"
	"github.com/srg/xmihome/pkg/device"
)

// bleTransport adapts a connected BlueZ device to the device.Transport
// surface: property descriptors resolve to GATT characteristics and values
// pass through the descriptor's codec.
type bleTransport struct {
	dev *bluez.Device
	log *logrus.Entry
}

func newBLETransport(dev *bluez.Device, log *logrus.Entry) *bleTransport {
	return &bleTransport{dev: dev, log: log}
}

func (t *bleTransport) Kind() device.Kind { return device.KindBluetooth }

// Lost implements device.LostReporter.
func (t *bleTransport) Lost() <-chan struct{} { return t.dev.Lost() }

func (t *bleTransport) characteristic(ctx context.Context, prop *device.PropertyDescriptor) (*bluez.Characteristic, error) {
	if prop.Bluetooth == nil {
		return nil, &device.UnsupportedOperationError{Property: prop.Name, Required: prop.Access}
	}
	return t.dev.GetCharacteristic(ctx, bluez.CharacteristicID{
		Service:        prop.Bluetooth.Service,
		Characteristic: prop.Bluetooth.Characteristic,
	})
}

func (t *bleTransport) GetProperty(ctx context.Context, prop *device.PropertyDescriptor) (interface{}, error) {
	ch, err := t.characteristic(ctx, prop)
	if err != nil {
		return nil, err
	}
	data, err := ch.Read(ctx)
	if err != nil {
		return nil, err
	}
	if prop.Decode != nil {
		return prop.Decode(data)
	}
	return data, nil
}

func (t *bleTransport) SetProperty(ctx context.Context, prop *device.PropertyDescriptor, value interface{}) error {
	ch, err := t.characteristic(ctx, prop)
	if err != nil {
		return err
	}
	data, err := encodeValue(prop, value)
	if err != nil {
		return err
	}
	return ch.Write(ctx, data)
}

func encodeValue(prop *device.PropertyDescriptor, value interface{}) ([]byte, error) {
	if prop.Encode != nil {
		return prop.Encode(value)
	}
	if data, ok := value.([]byte); ok {
		return data, nil
	}
	return nil, fmt.Errorf("property %q has no encoder for %T", prop.Name, value)
}

// StartNotify implements device.Notifier over the characteristic's native
// notification mechanism.
func (t *bleTransport) StartNotify(ctx context.Context, prop *device.PropertyDescriptor, fn func(interface{})) (func(context.Context) error, error) {
	ch, err := t.characteristic(ctx, prop)
	if err != nil {
		return nil, err
	}
	if !ch.HasFlag(bluez.FlagNotify) {
		return nil, &device.UnsupportedOperationError{Property: prop.Name, Required: device.AccessNotify}
	}

	remove := ch.OnValue(func(data []byte) {
		value := interface{}(data)
		if prop.Decode != nil {
			decoded, err := prop.Decode(data)
			if err != nil {
				t.log.WithFields(logrus.Fields{
					"property": prop.Name,
					"error":    err,
				}).Debug("Dropped undecodable notification")
				return
			}
			value = decoded
		}
		fn(value)
	})

	if err := ch.StartNotify(ctx); err != nil {
		remove()
		return nil, err
	}

	return func(ctx context.Context) error {
		remove()
		return ch.StopNotify(ctx)
	}, nil
}

// WriteRaw implements device.RawWriter for model auth hooks.
func (t *bleTransport) WriteRaw(ctx context.Context, location device.BluetoothLocation, data []byte) error {
	ch, err := t.dev.GetCharacteristic(ctx, bluez.CharacteristicID{
		Service:        location.Service,
		Characteristic: location.Characteristic,
	})
	if err != nil {
		return err
	}
	return ch.Write(ctx, data)
}

func (t *bleTransport) Close(ctx context.Context) error {
	return t.dev.Disconnect(ctx)
}
