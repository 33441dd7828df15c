package mibeacon

import (
	"crypto/aes"
	"fmt"

	"github.com/pion/dtls/v2/pkg/crypto/ccm"
)

const (
	// Trailing ciphertext layout: 3-byte counter extension + 4-byte auth tag.
	counterExtLen = 3
	tagLen        = 4
	nonceLen      = 12
)

// aad is the fixed associated data authenticated with every encrypted
// payload.
var aad = []byte{0x11}

// decrypt opens an encrypted MiBeacon payload with AES-128-CCM.
//
// The 12-byte nonce is the reversed MAC, the little-endian device type id,
// the 1-byte frame counter, and the 3-byte counter extension carried at the
// tail of the ciphertext. The final 4 ciphertext bytes are the auth tag.
func decrypt(ciphertext, key, macReversed []byte, deviceType uint16, counter byte) ([]byte, error) {
	if len(key) != 16 {
		return nil, fmt.Errorf("bind key must be 16 bytes, got %d", len(key))
	}
	if len(ciphertext) < counterExtLen+tagLen+1 {
		return nil, fmt.Errorf("encrypted payload too short: %d bytes", len(ciphertext))
	}

	tail := len(ciphertext) - counterExtLen - tagLen
	counterExt := ciphertext[tail : tail+counterExtLen]
	tag := ciphertext[tail+counterExtLen:]

	nonce := make([]byte, 0, nonceLen)
	nonce = append(nonce, macReversed...)
	nonce = append(nonce, byte(deviceType), byte(deviceType>>8))
	nonce = append(nonce, counter)
	nonce = append(nonce, counterExt...)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	aead, err := ccm.NewCCM(block, tagLen, nonceLen)
	if err != nil {
		return nil, fmt.Errorf("create CCM: %w", err)
	}

	sealed := make([]byte, 0, tail+tagLen)
	sealed = append(sealed, ciphertext[:tail]...)
	sealed = append(sealed, tag...)

	plain, err := aead.Open(nil, nonce, sealed, aad)
	if err != nil {
		return nil, fmt.Errorf("authenticated decryption failed: %w", err)
	}
	return plain, nil
}
