// Package crypto hashes client addresses so the ban list never stores them in clear.
package crypto

import (
	"encoding/hex"
	"net/netip"

	"golang.org/x/crypto/blake2b"
)

// Hash generates a BLAKE2b-256 hash, keyed when key is non-empty
func Hash(data, key []byte) ([]byte, error) {
	hash, err := blake2b.New256(key)
	if err != nil {
		return nil, err
	}

	hash.Write(data)
	return hash.Sum(nil), nil
}

// HashString generates a BLAKE2b hash and returns hex string
func HashString(data, key []byte) (string, error) {
	hash, err := Hash(data, key)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(hash), nil
}

// AddressHash hashes an IP address. IPv4-mapped IPv6 addresses hash the same
// as their IPv4 form.
func AddressHash(addr netip.Addr, key []byte) (string, error) {
	return HashString(addr.Unmap().AsSlice(), key)
}
