package bluez

import (
	"strconv"
	"strings"
)

// sigBaseSuffix is the tail of the Bluetooth SIG base UUID
// (0000xxxx-0000-1000-8000-00805f9b34fb) once dashes are removed.
const sigBaseSuffix = "00001000800000805f9b34fb"

// NormalizeUUID converts a UUID string to a canonical lookup form:
// lowercase, no dashes, no 0x prefix. Full 128-bit UUIDs in the SIG base
// format are collapsed to their 16-bit short form.
func NormalizeUUID(uuid string) string {
	u := strings.ToLower(strings.ReplaceAll(uuid, "-", ""))
	u = strings.TrimPrefix(u, "0x")
	if len(u) == 32 && strings.HasPrefix(u, "0000") && strings.HasSuffix(u, sigBaseSuffix) {
		return u[4:8]
	}
	return u
}

// shortCode parses an identifier that is already a short numeric code
// ("0x1204", "1204"). Full UUIDs report ok=false.
func shortCode(id string) (uint16, bool) {
	u := strings.ToLower(strings.ReplaceAll(id, "-", ""))
	u = strings.TrimPrefix(u, "0x")
	if len(u) == 0 || len(u) > 4 {
		return 0, false
	}
	v, err := strconv.ParseUint(u, 16, 16)
	if err != nil {
		return 0, false
	}
	return uint16(v), true
}
