// Package identity provides the opaque 32-byte party identities and digests
// used by escrow records.
//
// Identities render as base58 strings (the same alphabet wallets use for
// 32-byte public keys); digests render as 0x-prefixed hex.
package identity

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/base58"
)

// Size is the byte width of identities and digests.
const Size = 32

var (
	ErrInvalidID     = errors.New("identity: invalid identity encoding")
	ErrInvalidDigest = errors.New("identity: invalid digest encoding")
)

// ID is an opaque 32-byte party identity.
type ID [Size]byte

// Zero is the unset identity.
var Zero ID

// Parse decodes a base58 identity.
func Parse(s string) (ID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Zero, ErrInvalidID
	}
	raw := base58.Decode(s)
	if len(raw) != Size {
		return Zero, fmt.Errorf("%w: %q decodes to %d bytes", ErrInvalidID, s, len(raw))
	}
	var id ID
	copy(id[:], raw)
	return id, nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) ID {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

// FromBytes copies b into an ID.
func FromBytes(b []byte) (ID, error) {
	if len(b) != Size {
		return Zero, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidID, Size, len(b))
	}
	var id ID
	copy(id[:], b)
	return id, nil
}

func (id ID) String() string { return base58.Encode(id[:]) }

// IsZero reports whether the identity is unset.
func (id ID) IsZero() bool { return id == Zero }

func (id ID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Digest is a 32-byte commitment (evidence or resolution hash).
type Digest [Size]byte

// ParseDigest decodes a hex digest with or without the 0x prefix.
func ParseDigest(s string) (Digest, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Digest{}, fmt.Errorf("%w: %v", ErrInvalidDigest, err)
	}
	if len(raw) != Size {
		return Digest{}, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidDigest, Size, len(raw))
	}
	var d Digest
	copy(d[:], raw)
	return d, nil
}

func (d Digest) String() string { return "0x" + hex.EncodeToString(d[:]) }

// IsZero reports whether every byte of the digest is zero.
func (d Digest) IsZero() bool { return d == Digest{} }

func (d Digest) MarshalJSON() ([]byte, error) { return json.Marshal(d.String()) }

func (d *Digest) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseDigest(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
