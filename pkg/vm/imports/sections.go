package imports

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrInvalidSections is returned for a malformed sections encoding.
var ErrInvalidSections = errors.New("invalid sections encoding")

// EncodeSections joins byte slices as data || be32(len(data)) per
// section. Contracts pass batches of messages, signatures and keys this
// way.
func EncodeSections(sections [][]byte) []byte {
	size := 0
	for _, s := range sections {
		size += len(s) + 4
	}
	out := make([]byte, 0, size)
	for _, s := range sections {
		out = append(out, s...)
		out = binary.BigEndian.AppendUint32(out, uint32(len(s)))
	}
	return out
}

// DecodeSections splits an encoding produced by EncodeSections. It reads
// from the end, so the length follows each section. At most maxSections
// are accepted.
func DecodeSections(data []byte, maxSections uint32) ([][]byte, error) {
	var rev [][]byte
	rest := data
	for len(rest) > 0 {
		if len(rest) < 4 {
			return nil, fmt.Errorf("%w: %d trailing bytes", ErrInvalidSections, len(rest))
		}
		n := binary.BigEndian.Uint32(rest[len(rest)-4:])
		rest = rest[:len(rest)-4]
		if uint64(n) > uint64(len(rest)) {
			return nil, fmt.Errorf("%w: section length %d exceeds %d remaining bytes", ErrInvalidSections, n, len(rest))
		}
		rev = append(rev, rest[len(rest)-int(n):])
		rest = rest[:len(rest)-int(n)]
		if uint32(len(rev)) > maxSections {
			return nil, fmt.Errorf("%w: more than %d sections", ErrTooManyItems, maxSections)
		}
	}
	out := make([][]byte, len(rev))
	for i, s := range rev {
		out[len(rev)-1-i] = s
	}
	return out, nil
}
