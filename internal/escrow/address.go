package escrow

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// keyDomain prefixes every key preimage. Bump the version to re-address records.
const keyDomain = "escrow/v1"

// Key is the deterministic 32-byte address of a record.
type Key [32]byte

// DeriveKey computes keccak256(keyDomain || escrowID LE || tradeID LE).
func DeriveKey(escrowID, tradeID uint64) Key {
	buf := make([]byte, len(keyDomain)+16)
	n := copy(buf, keyDomain)
	binary.LittleEndian.PutUint64(buf[n:], escrowID)
	binary.LittleEndian.PutUint64(buf[n+8:], tradeID)

	var k Key
	copy(k[:], crypto.Keccak256(buf))
	return k
}

// ParseKey decodes a 0x-prefixed hex key.
func ParseKey(s string) (Key, error) {
	raw, err := hexutil.Decode(s)
	if err != nil {
		return Key{}, fmt.Errorf("%w: %v", ErrAddressDerivation, err)
	}
	if len(raw) != len(Key{}) {
		return Key{}, fmt.Errorf("%w: key must be 32 bytes, got %d", ErrAddressDerivation, len(raw))
	}
	var k Key
	copy(k[:], raw)
	return k, nil
}

func (k Key) String() string { return hexutil.Encode(k[:]) }

func (k Key) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *Key) UnmarshalText(text []byte) error {
	parsed, err := ParseKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
