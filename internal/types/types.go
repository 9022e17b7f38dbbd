// Package types defines the core identifiers shared by the wasmvm packages.
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// Size constants for core types.
const (
	ChecksumSize = 32
)

var (
	// ErrInvalidChecksum is returned when a checksum has invalid length.
	ErrInvalidChecksum = errors.New("invalid checksum: must be 32 bytes")
)

// Checksum is the SHA-256 digest of a module's raw bytecode. It is the key
// of every cache tier and of the code store.
type Checksum [ChecksumSize]byte

// ComputeChecksum hashes raw bytecode.
func ComputeChecksum(code []byte) Checksum {
	return sha256.Sum256(code)
}

// ChecksumFromHex parses a hex-encoded checksum.
func ChecksumFromHex(s string) (Checksum, error) {
	var c Checksum
	data, err := hex.DecodeString(s)
	if err != nil {
		return c, fmt.Errorf("hex decode: %w", err)
	}
	if len(data) != ChecksumSize {
		return c, ErrInvalidChecksum
	}
	copy(c[:], data)
	return c, nil
}

// ChecksumFromBytes creates a Checksum from a byte slice.
func ChecksumFromBytes(b []byte) (Checksum, error) {
	var c Checksum
	if len(b) != ChecksumSize {
		return c, ErrInvalidChecksum
	}
	copy(c[:], b)
	return c, nil
}

// String returns the hex-encoded representation.
func (c Checksum) String() string {
	return hex.EncodeToString(c[:])
}

// IsZero returns true if the checksum is all zeros.
func (c Checksum) IsZero() bool {
	return c == Checksum{}
}

// Bytes returns the checksum as a byte slice.
func (c Checksum) Bytes() []byte {
	return c[:]
}

// MarshalText implements encoding.TextMarshaler.
func (c Checksum) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Checksum) UnmarshalText(text []byte) error {
	parsed, err := ChecksumFromHex(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Byte sizes.
const (
	KiB = 1 << 10
	MiB = 1 << 20
	GiB = 1 << 30
)

// WasmPageSize is the size of one linear memory page.
const WasmPageSize = 64 * KiB
