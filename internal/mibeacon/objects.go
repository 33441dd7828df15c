package mibeacon

import (
	"encoding/binary"
	"math"
)

// objectDecoder turns one TLV value into semantic payload fields.
// Returning nil marks the object as unrecognized for this frame.
type objectDecoder struct {
	minLen int
	decode func(v []byte) map[string]interface{}
}

func le16(v []byte) uint16 { return binary.LittleEndian.Uint16(v) }
func le24(v []byte) uint32 { return uint32(v[0]) | uint32(v[1])<<8 | uint32(v[2])<<16 }
func le32(v []byte) uint32 { return binary.LittleEndian.Uint32(v) }

func sle16(v []byte) int16 { return int16(binary.LittleEndian.Uint16(v)) }

// float64FromBits reinterprets a little-endian 32-bit value as an IEEE 754
// float, the encoding MIoT firmware uses for fractional properties.
func float64FromBits(bits uint32) float64 {
	return float64(math.Float32frombits(bits))
}

func one(name string, value interface{}) map[string]interface{} {
	return map[string]interface{}{name: value}
}

func boolByte(name string) objectDecoder {
	return objectDecoder{1, func(v []byte) map[string]interface{} {
		return one(name, v[0] != 0)
	}}
}

func byteValue(name string) objectDecoder {
	return objectDecoder{1, func(v []byte) map[string]interface{} {
		return one(name, int(v[0]))
	}}
}

// objectTable maps MiBeacon TLV object ids to their decoders. Ids not
// listed here are skipped without failing the frame.
var objectTable = map[uint16]objectDecoder{
	// --- event objects ---
	0x0003: boolByte("motion"),
	0x0006: {5, func(v []byte) map[string]interface{} {
		return map[string]interface{}{
			"fingerprintKeyID": le32(v[0:4]),
			"fingerprintMatch": v[4] == 0x00,
		}
	}},
	0x0007: {1, func(v []byte) map[string]interface{} {
		// 0 opening, 1 closing, 2 not closed over time, 3 device reset
		return one("doorEvent", int(v[0]))
	}},
	0x0008: {1, func(v []byte) map[string]interface{} {
		return one("armed", v[0] != 0)
	}},
	0x000B: {9, func(v []byte) map[string]interface{} {
		return map[string]interface{}{
			"lockAction":    int(v[0] & 0x0F),
			"lockMethod":    int(v[0] >> 4),
			"lockKeyID":     le32(v[1:5]),
			"lockTimestamp": le32(v[5:9]),
		}
	}},
	0x000F: {3, func(v []byte) map[string]interface{} {
		return map[string]interface{}{
			"motion":      true,
			"illuminance": float64(le24(v[0:3])),
		}
	}},
	0x0010: {1, func(v []byte) map[string]interface{} {
		fields := map[string]interface{}{"toothbrushing": v[0] == 0}
		if len(v) >= 2 {
			fields["toothbrushScore"] = int(v[1])
		}
		return fields
	}},

	// --- property objects ---
	0x1001: {3, func(v []byte) map[string]interface{} {
		return map[string]interface{}{
			"buttonIndex": int(le16(v[0:2])),
			"buttonPress": int(v[2]), // 0 single, 1 double, 2 long
		}
	}},
	0x1002: boolByte("sleeping"),
	0x1003: byteValue("rssi"),
	0x1004: {2, func(v []byte) map[string]interface{} {
		return one("temperature", float64(sle16(v))/10)
	}},
	0x1005: {2, func(v []byte) map[string]interface{} {
		return map[string]interface{}{
			"power":       v[0] != 0,
			"temperature": float64(v[1]),
		}
	}},
	0x1006: {2, func(v []byte) map[string]interface{} {
		return one("humidity", float64(le16(v))/10)
	}},
	0x1007: {3, func(v []byte) map[string]interface{} {
		return one("illuminance", float64(le24(v)))
	}},
	0x1008: byteValue("moisture"),
	0x1009: {2, func(v []byte) map[string]interface{} {
		return one("conductivity", int(le16(v)))
	}},
	0x100A: byteValue("battery"),
	0x100D: {4, func(v []byte) map[string]interface{} {
		return map[string]interface{}{
			"temperature": float64(sle16(v[0:2])) / 10,
			"humidity":    float64(le16(v[2:4])) / 10,
		}
	}},
	0x100E: {1, func(v []byte) map[string]interface{} {
		return one("lockState", int(v[0]))
	}},
	0x100F: {1, func(v []byte) map[string]interface{} {
		return one("doorState", int(v[0]))
	}},
	0x1010: {2, func(v []byte) map[string]interface{} {
		return one("formaldehyde", float64(le16(v))/100)
	}},
	0x1011: boolByte("bound"),
	0x1012: {1, func(v []byte) map[string]interface{} {
		return one("opening", v[0] == 0)
	}},
	0x1013: byteValue("supply"),
	0x1014: boolByte("waterLeak"),
	0x1015: boolByte("smoke"),
	0x1016: boolByte("gas"),
	0x1017: {4, func(v []byte) map[string]interface{} {
		secs := le32(v)
		return map[string]interface{}{
			"idleSeconds": int(secs),
			"motion":      secs == 0,
		}
	}},
	0x1018: {1, func(v []byte) map[string]interface{} {
		return one("lightStrong", v[0] != 0)
	}},
	0x1019: {1, func(v []byte) map[string]interface{} {
		// 0 open, 1 closed, 2 close timeout, 3 knock, 4 pry, 5 stuck
		return one("doorSensor", int(v[0]))
	}},
	0x101A: boolByte("unbound"),
	0x101B: {1, func(v []byte) map[string]interface{} {
		return one("timeout", v[0] != 0)
	}},
	0x101C: {1, func(v []byte) map[string]interface{} {
		return one("flooding", v[0] != 0)
	}},

	// --- MIoT-mapped objects (v5 firmware) ---
	0x4801: byteValue("sleeping"),
	0x4802: byteValue("occupancy"),
	0x4803: byteValue("battery"),
	0x4804: {1, func(v []byte) map[string]interface{} {
		return one("opening", v[0] == 0)
	}},
	0x4805: boolByte("smoke"),
	0x4806: boolByte("waterLeak"),
	0x4808: {2, func(v []byte) map[string]interface{} {
		return one("humidity", float64(le16(v))/10)
	}},
	0x4818: {2, func(v []byte) map[string]interface{} {
		return one("occupancyDuration", int(le16(v)))
	}},
	0x4a01: boolByte("lightStrong"),
	0x4a08: {3, func(v []byte) map[string]interface{} {
		return map[string]interface{}{
			"motion":      true,
			"illuminance": float64(le24(v)),
		}
	}},
	0x4a0c: {1, func(v []byte) map[string]interface{} {
		return one("buttonPress", int(v[0]))
	}},
	0x4a0d: {1, func(v []byte) map[string]interface{} {
		return one("buttonDoublePress", int(v[0]))
	}},
	0x4a0e: {1, func(v []byte) map[string]interface{} {
		return one("buttonLongPress", int(v[0]))
	}},
	0x4a0f: {1, func(v []byte) map[string]interface{} {
		return one("doorbell", v[0] != 0)
	}},
	0x4c01: {4, func(v []byte) map[string]interface{} {
		return one("temperature", float64FromBits(le32(v)))
	}},
	0x4c02: byteValue("humidity"),
	0x4c03: byteValue("battery"),
	0x4c08: {4, func(v []byte) map[string]interface{} {
		return one("humidity", float64FromBits(le32(v)))
	}},
	0x4c14: {1, func(v []byte) map[string]interface{} {
		return one("mode", int(v[0]))
	}},
	0x4e0c: {1, func(v []byte) map[string]interface{} {
		return one("buttonPress", int(v[0]))
	}},
	0x4e0d: {1, func(v []byte) map[string]interface{} {
		return one("buttonDoublePress", int(v[0]))
	}},
	0x4e0e: {1, func(v []byte) map[string]interface{} {
		return one("buttonLongPress", int(v[0]))
	}},
	0x4e1c: byteValue("deviceResets"),
	0x5003: byteValue("battery"),
	0x5010: byteValue("sleepState"),
	0x5414: byteValue("mode"),
	0x560c: {1, func(v []byte) map[string]interface{} {
		return one("clickType", int(v[0]))
	}},
	0x5a16: {6, func(v []byte) map[string]interface{} {
		return map[string]interface{}{
			"bodyTemperature": float64(sle16(v[0:2])) / 100,
			"skinTemperature": float64(sle16(v[2:4])) / 100,
			"battery":         int(v[4]),
		}
	}},
	0x6e16: {2, func(v []byte) map[string]interface{} {
		return one("bodyTemperature", float64(sle16(v))/100)
	}},
	0x7000: byteValue("sealStatus"),
	0x7001: boolByte("contactOpen"),
}
