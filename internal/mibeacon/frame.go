// Package mibeacon decodes passive BLE service-data advertisements in the
// MiBeacon format (service UUID 0xFE95), including AES-128-CCM encrypted
// payloads, plus the body-scale service frames (0x181D / 0x181B).
//
// Decoding is lossy by design: any malformed, unsupported, or
// unauthenticated frame yields nil rather than an error, so a noisy radio
// environment never propagates failures into callers.
package mibeacon

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Service UUIDs carrying frames this package understands.
const (
	ServiceMiBeacon uint16 = 0xFE95
	ServiceScaleV1  uint16 = 0x181D
	ServiceScaleV2  uint16 = 0x181B
)

// Frame-control bit positions, LSB first.
const (
	ctrlFactoryNew = 1 << 0
	ctrlConnected  = 1 << 1
	ctrlCentral    = 1 << 2
	ctrlEncrypted  = 1 << 3
	ctrlMAC        = 1 << 4
	ctrlCapability = 1 << 5
	ctrlPayload    = 1 << 6
	ctrlMesh       = 1 << 7
	ctrlRegistered = 1 << 8
	ctrlSolicited  = 1 << 9
)

// capabilityIO, when set in the capability byte, adds one extended
// capability byte before the payload.
const capabilityIO = 0x20

// Control holds the decoded 2-byte little-endian frame-control word.
type Control struct {
	FactoryNew    bool
	Connected     bool
	Central       bool
	Encrypted     bool
	HasMAC        bool
	HasCapability bool
	HasPayload    bool
	Mesh          bool
	Registered    bool
	Solicited     bool
	AuthMode      uint8 // 2 bits
	Version       uint8 // top 4 bits
}

func parseControl(w uint16) Control {
	return Control{
		FactoryNew:    w&ctrlFactoryNew != 0,
		Connected:     w&ctrlConnected != 0,
		Central:       w&ctrlCentral != 0,
		Encrypted:     w&ctrlEncrypted != 0,
		HasMAC:        w&ctrlMAC != 0,
		HasCapability: w&ctrlCapability != 0,
		HasPayload:    w&ctrlPayload != 0,
		Mesh:          w&ctrlMesh != 0,
		Registered:    w&ctrlRegistered != 0,
		Solicited:     w&ctrlSolicited != 0,
		AuthMode:      uint8((w >> 10) & 0x3),
		Version:       uint8(w >> 12),
	}
}

// Frame is the parsed result of one advertisement. It is produced fresh per
// received frame and never persisted.
type Frame struct {
	Timestamp   time.Time
	DeviceType  uint16
	MAC         string
	ServiceUUID uint16
	Control     Control
	Firmware    string
	ObjectIDs   []string
	Payload     map[string]interface{}
}

// KeySource supplies per-device bind keys for encrypted frames.
type KeySource interface {
	// BindKey returns the 16-byte key registered for the given MAC, if any.
	BindKey(mac string) ([]byte, bool)
}

// Decoder turns raw service-data frames into Frames. It is stateless apart
// from the key source and safe for concurrent use.
type Decoder struct {
	keys KeySource
	log  *logrus.Logger
}

// NewDecoder creates a decoder. keys may be nil if no encrypted devices are
// expected.
func NewDecoder(keys KeySource, logger *logrus.Logger) *Decoder {
	if logger == nil {
		logger = logrus.New()
	}
	return &Decoder{keys: keys, log: logger}
}

// Decode parses one service-data frame received from srcMAC on the given
// service UUID. It returns nil for frames that are malformed, encrypted
// without a registered key, fail authentication, or carry no recognized
// objects.
func (d *Decoder) Decode(serviceUUID uint16, srcMAC string, data []byte) *Frame {
	switch serviceUUID {
	case ServiceMiBeacon:
		return d.decodeMiBeacon(srcMAC, data)
	case ServiceScaleV1, ServiceScaleV2:
		return decodeScale(serviceUUID, srcMAC, data)
	default:
		return nil
	}
}

func (d *Decoder) decodeMiBeacon(srcMAC string, data []byte) *Frame {
	if len(data) < 5 {
		return nil
	}

	ctrl := parseControl(binary.LittleEndian.Uint16(data[0:2]))
	if ctrl.Version < 2 {
		return nil
	}

	frame := &Frame{
		Timestamp:   time.Now(),
		DeviceType:  binary.LittleEndian.Uint16(data[2:4]),
		MAC:         NormalizeMAC(srcMAC),
		ServiceUUID: ServiceMiBeacon,
		Control:     ctrl,
		Firmware:    fmt.Sprintf("MiBeacon v%d", ctrl.Version),
	}
	counter := data[4]
	off := 5

	var macReversed []byte
	if ctrl.HasMAC {
		if len(data) < off+6 {
			return nil
		}
		macReversed = data[off : off+6]
		frame.MAC = macFromReversed(macReversed)
		off += 6
	}

	if ctrl.HasCapability {
		if len(data) < off+1 {
			return nil
		}
		capability := data[off]
		off++
		if capability&capabilityIO != 0 {
			if len(data) < off+1 {
				return nil
			}
			off++
		}
	}

	if !ctrl.HasPayload || len(data) <= off {
		return nil
	}
	payload := data[off:]

	if ctrl.Encrypted {
		if frame.MAC == "" {
			return nil
		}
		if macReversed == nil {
			macReversed = reverseMAC(frame.MAC)
			if macReversed == nil {
				return nil
			}
		}
		key, ok := d.bindKey(frame.MAC)
		if !ok {
			d.log.WithField("mac", frame.MAC).Debug("Encrypted frame without registered bind key, dropping")
			return nil
		}
		plain, err := decrypt(payload, key, macReversed, frame.DeviceType, counter)
		if err != nil {
			d.log.WithFields(logrus.Fields{
				"mac":   frame.MAC,
				"error": err,
			}).Debug("Frame decryption failed, dropping")
			return nil
		}
		payload = plain
	}

	frame.Payload = make(map[string]interface{})
	for len(payload) >= 3 {
		id := binary.LittleEndian.Uint16(payload[0:2])
		length := int(payload[2])
		payload = payload[3:]
		if length > len(payload) {
			break
		}
		value := payload[:length]
		payload = payload[length:]

		obj, ok := objectTable[id]
		if !ok || len(value) < obj.minLen {
			continue
		}
		fields := obj.decode(value)
		if fields == nil {
			continue
		}
		for k, v := range fields {
			frame.Payload[k] = v
		}
		frame.ObjectIDs = append(frame.ObjectIDs, fmt.Sprintf("0x%04x", id))
	}

	if len(frame.ObjectIDs) == 0 {
		return nil
	}
	return frame
}

func (d *Decoder) bindKey(mac string) ([]byte, bool) {
	if d.keys == nil {
		return nil, false
	}
	key, ok := d.keys.BindKey(mac)
	if !ok || len(key) != 16 {
		return nil, false
	}
	return key, true
}

// NormalizeMAC converts a MAC address to the canonical uppercase,
// colon-separated form. Returns "" for input it cannot interpret.
func NormalizeMAC(mac string) string {
	mac = strings.ToUpper(strings.NewReplacer("-", "", ":", "").Replace(mac))
	if len(mac) != 12 {
		return ""
	}
	parts := make([]string, 6)
	for i := 0; i < 6; i++ {
		parts[i] = mac[i*2 : i*2+2]
	}
	return strings.Join(parts, ":")
}

// macFromReversed formats the 6 wire-order (reversed) MAC bytes as a
// canonical address string.
func macFromReversed(b []byte) string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", b[5], b[4], b[3], b[2], b[1], b[0])
}

// reverseMAC parses a canonical address into wire-order (reversed) bytes.
// Returns nil if the address is malformed.
func reverseMAC(mac string) []byte {
	normalized := NormalizeMAC(mac)
	if normalized == "" {
		return nil
	}
	parts := strings.Split(normalized, ":")
	out := make([]byte, 6)
	for i, p := range parts {
		var b byte
		if _, err := fmt.Sscanf(p, "%02X", &b); err != nil {
			return nil
		}
		out[5-i] = b
	}
	return out
}
