package tls

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Session ticket key layout.
const (
	SessionTicketKeyNameSize = 16
	SessionTicketHMACKeySize = 16
	SessionTicketAESKeySize  = 48
	SessionTicketKeySize     = SessionTicketKeyNameSize + SessionTicketHMACKeySize + SessionTicketAESKeySize
)

// sessionTicketKeyInfo is the HKDF info string for crypto/tls ticket keys.
const sessionTicketKeyInfo = "avatls session ticket"

// SessionTicketKey is an 80-byte session ticket key: name, HMAC key, AES key.
// Only the first 32 bytes of the AES key field are used by AES-256; the rest
// is padding of the fixed layout.
type SessionTicketKey struct {
	Name    [SessionTicketKeyNameSize]byte
	HMACKey [SessionTicketHMACKeySize]byte
	AESKey  [SessionTicketAESKeySize]byte
}

// AppendSessionTicketKey decodes data as a session ticket key and appends it
// to keys. Data must be exactly SessionTicketKeySize bytes; otherwise keys is
// returned unchanged with an error.
func AppendSessionTicketKey(keys []SessionTicketKey, data []byte) ([]SessionTicketKey, error) {
	if len(data) != SessionTicketKeySize {
		return keys, NewConfigurationError("session_ticket_keys", fmt.Sprintf(
			"incorrect TLS session ticket key length. Length %d, expected length %d.",
			len(data), SessionTicketKeySize))
	}

	var key SessionTicketKey
	pos := copy(key.Name[:], data)
	pos += copy(key.HMACKey[:], data[pos:])
	copy(key.AESKey[:], data[pos:])

	return append(keys, key), nil
}

// Bytes encodes the key back into its 80-byte layout.
func (k *SessionTicketKey) Bytes() []byte {
	out := make([]byte, 0, SessionTicketKeySize)
	out = append(out, k.Name[:]...)
	out = append(out, k.HMACKey[:]...)
	return append(out, k.AESKey[:]...)
}

// TicketKey derives the 32-byte key used by crypto/tls from the full key
// material with HKDF-SHA256, salted with the key name.
func (k *SessionTicketKey) TicketKey() ([32]byte, error) {
	var out [32]byte
	secret := make([]byte, 0, SessionTicketHMACKeySize+SessionTicketAESKeySize)
	secret = append(secret, k.HMACKey[:]...)
	secret = append(secret, k.AESKey[:]...)

	r := hkdf.New(sha256.New, secret, k.Name[:], []byte(sessionTicketKeyInfo))
	if _, err := io.ReadFull(r, out[:]); err != nil {
		return out, fmt.Errorf("failed to derive session ticket key: %w", err)
	}
	return out, nil
}
