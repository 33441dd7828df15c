package device

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// RawWriter is implemented by transports that expose raw characteristic
// writes (Bluetooth). Model auth hooks use it for token exchanges that do
// not map to a property.
type RawWriter interface {
	WriteRaw(ctx context.Context, location BluetoothLocation, data []byte) error
}

// Shipped model tables. Integrations register additional ones with
// RegisterModel.
func init() {
	RegisterModel(lywsd03mmc)
	RegisterModel(chuangmiPlugM1)
}

// lywsd03mmc is the Mi Temperature & Humidity Monitor 2. Reachable over
// Bluetooth only; sensor values arrive on one notify characteristic as
// temperature(int16 LE, 1/100 C) + humidity(byte, %) + voltage(uint16 LE, mV).
var lywsd03mmc = &Model{
	Name: "LYWSD03MMC",
	Codes: map[string]uint16{
		"ebe0ccb0-7a0a-4b0c-8a1a-6ff2997da3a6": 0x0021, // sensor service
		"ebe0ccc1-7a0a-4b0c-8a1a-6ff2997da3a6": 0x0035, // sensor readings
		"ebe0ccc4-7a0a-4b0c-8a1a-6ff2997da3a6": 0x003b, // battery
	},
	Properties: []PropertyDescriptor{
		{
			Name:   "sensor",
			Access: AccessRead | AccessNotify,
			Bluetooth: &BluetoothLocation{
				Service:        "ebe0ccb0-7a0a-4b0c-8a1a-6ff2997da3a6",
				Characteristic: "ebe0ccc1-7a0a-4b0c-8a1a-6ff2997da3a6",
			},
			Decode: decodeLYWSD03Sensor,
		},
		{
			Name:   "battery",
			Access: AccessRead,
			Bluetooth: &BluetoothLocation{
				Service:        "ebe0ccb0-7a0a-4b0c-8a1a-6ff2997da3a6",
				Characteristic: "ebe0ccc4-7a0a-4b0c-8a1a-6ff2997da3a6",
			},
			Decode: decodeByte,
		},
	},
	Auth: authLYWSD03,
}

func decodeLYWSD03Sensor(b []byte) (interface{}, error) {
	if len(b) < 5 {
		return nil, fmt.Errorf("sensor frame too short: %d bytes", len(b))
	}
	return map[string]interface{}{
		"temperature": float64(int16(binary.LittleEndian.Uint16(b[0:2]))) / 100,
		"humidity":    float64(b[2]),
		"voltage":     float64(binary.LittleEndian.Uint16(b[3:5])) / 1000,
	}, nil
}

func decodeByte(b []byte) (interface{}, error) {
	if len(b) < 1 {
		return nil, fmt.Errorf("empty value")
	}
	return float64(b[0]), nil
}

// authLYWSD03 writes the hex-encoded device token to the auth
// characteristic. Devices without a token skip the exchange.
func authLYWSD03(ctx context.Context, identity Identity, tr Transport) error {
	if identity.Token == "" {
		return nil
	}
	w, ok := tr.(RawWriter)
	if !ok {
		return fmt.Errorf("transport %s cannot write auth token", tr.Kind())
	}
	token, err := hex.DecodeString(identity.Token)
	if err != nil {
		return fmt.Errorf("malformed token: %w", err)
	}
	return w.WriteRaw(ctx, BluetoothLocation{
		Service:        "ebe0ccb0-7a0a-4b0c-8a1a-6ff2997da3a6",
		Characteristic: "ebe0ccd8-7a0a-4b0c-8a1a-6ff2997da3a6",
	}, token)
}

// chuangmiPlugM1 is the Mi Smart Plug, reachable over the local-RPC and
// cloud transports. Values pass through as-is; no codec needed.
var chuangmiPlugM1 = &Model{
	Name: "chuangmi.plug.m1",
	Properties: []PropertyDescriptor{
		{
			Name:   "power",
			Access: AccessRead | AccessWrite | AccessNotify,
			Local:  &LocalLocation{SIID: 2, PIID: 1},
		},
		{
			Name:   "temperature",
			Access: AccessRead,
			Local:  &LocalLocation{SIID: 2, PIID: 2},
		},
		{
			Name:   "indicator_led",
			Access: AccessRead | AccessWrite,
			Local:  &LocalLocation{SIID: 3, PIID: 1},
		},
	},
}
