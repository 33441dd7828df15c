package mibeacon

import (
	"crypto/aes"
	"encoding/binary"
	"testing"

	"github.com/pion/dtls/v2/pkg/crypto/ccm"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// frameBuilder assembles raw MiBeacon service-data frames for tests.
type frameBuilder struct {
	version    uint8
	deviceType uint16
	counter    byte
	mac        string
	encrypted  bool
	capability *byte
	objects    []byte
}

func newFrame() *frameBuilder {
	return &frameBuilder{version: 4, deviceType: 0x055B, counter: 0x2A}
}

func (b *frameBuilder) withVersion(v uint8) *frameBuilder    { b.version = v; return b }
func (b *frameBuilder) withMAC(mac string) *frameBuilder     { b.mac = mac; return b }
func (b *frameBuilder) withEncryption() *frameBuilder        { b.encrypted = true; return b }
func (b *frameBuilder) withCapability(c byte) *frameBuilder  { b.capability = &c; return b }
func (b *frameBuilder) withObject(id uint16, value ...byte) *frameBuilder {
	b.objects = append(b.objects, byte(id), byte(id>>8), byte(len(value)))
	b.objects = append(b.objects, value...)
	return b
}

func (b *frameBuilder) build(t *testing.T, key []byte) []byte {
	t.Helper()

	var control uint16 = ctrlPayload | uint16(b.version)<<12
	if b.mac != "" {
		control |= ctrlMAC
	}
	if b.encrypted {
		control |= ctrlEncrypted
	}
	if b.capability != nil {
		control |= ctrlCapability
	}

	data := make([]byte, 0, 32)
	data = binary.LittleEndian.AppendUint16(data, control)
	data = binary.LittleEndian.AppendUint16(data, b.deviceType)
	data = append(data, b.counter)

	var macReversed []byte
	if b.mac != "" {
		macReversed = reverseMAC(b.mac)
		require.NotNil(t, macReversed, "builder MAC must be valid")
		data = append(data, macReversed...)
	}
	if b.capability != nil {
		data = append(data, *b.capability)
		if *b.capability&capabilityIO != 0 {
			data = append(data, 0x00)
		}
	}

	payload := b.objects
	if b.encrypted {
		require.NotNil(t, key, "encrypted frames need a key")
		counterExt := []byte{0x01, 0x02, 0x03}

		nonce := make([]byte, 0, nonceLen)
		nonce = append(nonce, macReversed...)
		nonce = binary.LittleEndian.AppendUint16(nonce, b.deviceType)
		nonce = append(nonce, b.counter)
		nonce = append(nonce, counterExt...)

		block, err := aes.NewCipher(key)
		require.NoError(t, err)
		aead, err := ccm.NewCCM(block, tagLen, nonceLen)
		require.NoError(t, err)

		sealed := aead.Seal(nil, nonce, payload, aad)
		ct, tag := sealed[:len(sealed)-tagLen], sealed[len(sealed)-tagLen:]

		payload = append(append(ct[:len(ct):len(ct)], counterExt...), tag...)
	}

	return append(data, payload...)
}

type keyTable map[string][]byte

func (k keyTable) BindKey(mac string) ([]byte, bool) {
	key, ok := k[mac]
	return key, ok
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

const testMAC = "A4:C1:38:01:02:03"

var testKey = []byte{
	0x00, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77,
	0x88, 0x99, 0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF,
}

func TestDecode_PlaintextTemperature(t *testing.T) {
	// A version-4 unencrypted frame with one temperature object
	// (0x1004, raw 220) decodes to 22.0 degrees.
	raw := newFrame().withMAC(testMAC).withObject(0x1004, 0xDC, 0x00).build(t, nil)

	frame := NewDecoder(nil, testLogger()).Decode(ServiceMiBeacon, testMAC, raw)

	require.NotNil(t, frame)
	assert.Equal(t, []string{"0x1004"}, frame.ObjectIDs)
	assert.Equal(t, 22.0, frame.Payload["temperature"])
	assert.Equal(t, testMAC, frame.MAC)
	assert.Equal(t, uint16(0x055B), frame.DeviceType)
	assert.Equal(t, uint8(4), frame.Control.Version)
	assert.Equal(t, "MiBeacon v4", frame.Firmware)
}

func TestDecode_EncryptedWithoutKeyDropped(t *testing.T) {
	raw := newFrame().withMAC(testMAC).withEncryption().
		withObject(0x1006, 0x6A, 0x02).build(t, testKey)

	frame := NewDecoder(keyTable{}, testLogger()).Decode(ServiceMiBeacon, testMAC, raw)

	assert.Nil(t, frame, "encrypted frame without bind key MUST be dropped")
}

func TestDecode_EncryptedRoundTrip(t *testing.T) {
	raw := newFrame().withMAC(testMAC).withEncryption().
		withObject(0x100D, 0xDC, 0x00, 0x6A, 0x02).build(t, testKey)

	keys := keyTable{testMAC: testKey}
	frame := NewDecoder(keys, testLogger()).Decode(ServiceMiBeacon, testMAC, raw)

	require.NotNil(t, frame)
	assert.Equal(t, []string{"0x100d"}, frame.ObjectIDs)
	assert.Equal(t, 22.0, frame.Payload["temperature"])
	assert.Equal(t, 61.8, frame.Payload["humidity"])
}

func TestDecode_TamperedCiphertextDropped(t *testing.T) {
	raw := newFrame().withMAC(testMAC).withEncryption().
		withObject(0x100A, 0x64).build(t, testKey)
	raw[len(raw)-1] ^= 0xFF // corrupt the auth tag

	keys := keyTable{testMAC: testKey}
	frame := NewDecoder(keys, testLogger()).Decode(ServiceMiBeacon, testMAC, raw)

	assert.Nil(t, frame, "auth tag mismatch MUST drop the frame")
}

func TestDecode_RejectsOldProtocolVersions(t *testing.T) {
	raw := newFrame().withVersion(1).withMAC(testMAC).
		withObject(0x1004, 0xDC, 0x00).build(t, nil)

	frame := NewDecoder(nil, testLogger()).Decode(ServiceMiBeacon, testMAC, raw)

	assert.Nil(t, frame)
}

func TestDecode_UnknownObjectsSkipped(t *testing.T) {
	raw := newFrame().withMAC(testMAC).
		withObject(0xEEEE, 0x01).
		withObject(0x100A, 0x5F).
		build(t, nil)

	frame := NewDecoder(nil, testLogger()).Decode(ServiceMiBeacon, testMAC, raw)

	require.NotNil(t, frame)
	assert.Equal(t, []string{"0x100a"}, frame.ObjectIDs)
	assert.Equal(t, 95, frame.Payload["battery"])
}

func TestDecode_OnlyUnknownObjectsDropsFrame(t *testing.T) {
	raw := newFrame().withMAC(testMAC).withObject(0xEEEE, 0x01).build(t, nil)

	frame := NewDecoder(nil, testLogger()).Decode(ServiceMiBeacon, testMAC, raw)

	assert.Nil(t, frame, "a frame with zero recognized objects MUST be discarded")
}

func TestDecode_CapabilityBytesSkipped(t *testing.T) {
	// capabilityIO adds an extended capability byte before the payload.
	raw := newFrame().withMAC(testMAC).withCapability(capabilityIO).
		withObject(0x1004, 0x14, 0x01).build(t, nil)

	frame := NewDecoder(nil, testLogger()).Decode(ServiceMiBeacon, testMAC, raw)

	require.NotNil(t, frame)
	assert.Equal(t, 27.6, frame.Payload["temperature"])
}

func TestDecode_MissingPayloadFlagDropped(t *testing.T) {
	// Frame-control word without the payload bit.
	raw := []byte{0x10, 0x40, 0x5B, 0x05, 0x01, 0x03, 0x02, 0x01, 0x38, 0xC1, 0xA4}

	frame := NewDecoder(nil, testLogger()).Decode(ServiceMiBeacon, testMAC, raw)

	assert.Nil(t, frame)
}

func TestDecode_TruncatedFrames(t *testing.T) {
	dec := NewDecoder(nil, testLogger())

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"shorter than header", []byte{0x50, 0x40, 0x5B}},
		{"mac flag without mac bytes", []byte{0x50, 0x40, 0x5B, 0x05, 0x01, 0x03, 0x02}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Nil(t, dec.Decode(ServiceMiBeacon, testMAC, tt.data))
		})
	}
}

func TestDecode_UnknownServiceUUID(t *testing.T) {
	raw := newFrame().withMAC(testMAC).withObject(0x1004, 0xDC, 0x00).build(t, nil)

	assert.Nil(t, NewDecoder(nil, testLogger()).Decode(0x180F, testMAC, raw))
}

func TestNormalizeMAC(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"a4:c1:38:01:02:03", "A4:C1:38:01:02:03"},
		{"A4-C1-38-01-02-03", "A4:C1:38:01:02:03"},
		{"A4C138010203", "A4:C1:38:01:02:03"},
		{"garbage", ""},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeMAC(tt.in), tt.in)
	}
}

func TestReverseMAC(t *testing.T) {
	assert.Equal(t, []byte{0x03, 0x02, 0x01, 0x38, 0xC1, 0xA4}, reverseMAC(testMAC))
	assert.Nil(t, reverseMAC("not-a-mac"))
	assert.Equal(t, testMAC, macFromReversed(reverseMAC(testMAC)))
}
