package mibeacon

import (
	"encoding/binary"
	"time"
)

// Body-scale control bits (v1 frames, byte 0; v2 frames, byte 1).
const (
	scaleUnitLbs     = 1 << 0
	scaleUnitJin     = 1 << 4
	scaleStabilized  = 1 << 5
	scaleLoadRemoved = 1 << 7

	scaleV2Stabilized = 1 << 5
	scaleV2Impedance  = 1 << 1
)

// decodeScale parses the weight service-data frames broadcast by body
// scales. These are not MiBeacon TLV frames; the layout is fixed per
// service UUID.
func decodeScale(serviceUUID uint16, srcMAC string, data []byte) *Frame {
	frame := &Frame{
		Timestamp:   time.Now(),
		MAC:         NormalizeMAC(srcMAC),
		ServiceUUID: serviceUUID,
		Firmware:    "Body Composition Scale",
	}

	switch serviceUUID {
	case ServiceScaleV1:
		if len(data) < 3 {
			return nil
		}
		ctrl := data[0]
		raw := binary.LittleEndian.Uint16(data[1:3])
		frame.Payload = map[string]interface{}{
			"weight":     scaleWeightKg(ctrl, raw),
			"stabilized": ctrl&scaleStabilized != 0,
			"removed":    ctrl&scaleLoadRemoved != 0,
		}
		frame.ObjectIDs = []string{"weight"}

	case ServiceScaleV2:
		if len(data) < 13 {
			return nil
		}
		ctrl := data[1]
		raw := binary.LittleEndian.Uint16(data[11:13])
		frame.Payload = map[string]interface{}{
			"weight":     scaleWeightKg(data[0], raw),
			"stabilized": ctrl&scaleV2Stabilized != 0,
		}
		frame.ObjectIDs = []string{"weight"}
		if ctrl&scaleV2Impedance != 0 {
			frame.Payload["impedance"] = int(binary.LittleEndian.Uint16(data[9:11]))
			frame.ObjectIDs = append(frame.ObjectIDs, "impedance")
		}

	default:
		return nil
	}

	return frame
}

// scaleWeightKg converts the raw weight word to kilograms, honouring the
// unit bits in the control byte.
func scaleWeightKg(ctrl byte, raw uint16) float64 {
	switch {
	case ctrl&scaleUnitLbs != 0:
		return float64(raw) / 100 * 0.453592
	case ctrl&scaleUnitJin != 0:
		return float64(raw) / 100 * 0.5
	default:
		return float64(raw) / 200
	}
}
