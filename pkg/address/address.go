// Package address implements the default address API: canonical
// addresses are raw bytes, human addresses are their base58 encoding
// followed by a four byte keccak-256 checksum.
package address

import (
	"bytes"
	"fmt"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/sha3"

	"github.com/fortiblox/wasmvm/pkg/vm/backend"
)

// ChecksumLength is the number of keccak bytes appended before encoding.
const ChecksumLength = 4

// Canonical address length bounds.
const (
	DefaultMinLength = 4
	DefaultMaxLength = 64
)

// Codec converts between human and canonical addresses. The zero value
// uses the default length bounds.
type Codec struct {
	MinLength int
	MaxLength int
}

var _ backend.AddressAPI = Codec{}

func (c Codec) bounds() (int, int) {
	lo, hi := c.MinLength, c.MaxLength
	if lo <= 0 {
		lo = DefaultMinLength
	}
	if hi <= 0 {
		hi = DefaultMaxLength
	}
	return lo, hi
}

func checksum(canonical []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(canonical)
	return h.Sum(nil)[:ChecksumLength]
}

// Humanize encodes a canonical address.
func (c Codec) Humanize(canonical []byte) (string, error) {
	lo, hi := c.bounds()
	if len(canonical) < lo || len(canonical) > hi {
		return "", fmt.Errorf("%w: canonical length %d not in [%d, %d]", backend.ErrInvalidAddress, len(canonical), lo, hi)
	}
	buf := make([]byte, 0, len(canonical)+ChecksumLength)
	buf = append(buf, canonical...)
	buf = append(buf, checksum(canonical)...)
	return base58.Encode(buf), nil
}

// Canonicalize decodes a human address and verifies its checksum.
func (c Codec) Canonicalize(human string) ([]byte, error) {
	if human == "" {
		return nil, fmt.Errorf("%w: empty address", backend.ErrInvalidAddress)
	}
	raw, err := base58.Decode(human)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", backend.ErrInvalidAddress, err)
	}
	if len(raw) <= ChecksumLength {
		return nil, fmt.Errorf("%w: too short", backend.ErrInvalidAddress)
	}
	canonical := raw[:len(raw)-ChecksumLength]
	lo, hi := c.bounds()
	if len(canonical) < lo || len(canonical) > hi {
		return nil, fmt.Errorf("%w: canonical length %d not in [%d, %d]", backend.ErrInvalidAddress, len(canonical), lo, hi)
	}
	if !bytes.Equal(raw[len(canonical):], checksum(canonical)) {
		return nil, fmt.Errorf("%w: checksum mismatch", backend.ErrInvalidAddress)
	}
	return canonical, nil
}

// Validate checks that human is a normalized address.
func (c Codec) Validate(human string) error {
	canonical, err := c.Canonicalize(human)
	if err != nil {
		return err
	}
	normalized, err := c.Humanize(canonical)
	if err != nil {
		return err
	}
	if normalized != human {
		return fmt.Errorf("%w: address not normalized", backend.ErrInvalidAddress)
	}
	return nil
}
