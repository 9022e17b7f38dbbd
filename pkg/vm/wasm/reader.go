package wasm

import (
	"fmt"
	"unicode/utf8"
)

// reader decodes the primitive encodings of the binary format.
type reader struct {
	buf []byte
	pos int
}

func newReader(buf []byte) *reader {
	return &reader{buf: buf}
}

func (r *reader) len() int {
	return len(r.buf) - r.pos
}

func (r *reader) eof() bool {
	return r.pos >= len(r.buf)
}

func (r *reader) byte() (byte, error) {
	if r.pos >= len(r.buf) {
		return 0, fmt.Errorf("%w: unexpected end at offset %d", ErrMalformed, r.pos)
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) peek() (byte, error) {
	if r.pos >= len(r.buf) {
		return 0, fmt.Errorf("%w: unexpected end at offset %d", ErrMalformed, r.pos)
	}
	return r.buf[r.pos], nil
}

func (r *reader) bytes(n int) ([]byte, error) {
	if n < 0 || n > r.len() {
		return nil, fmt.Errorf("%w: length %d exceeds remaining %d at offset %d", ErrMalformed, n, r.len(), r.pos)
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *reader) skip(n int) error {
	_, err := r.bytes(n)
	return err
}

// u32 reads an unsigned LEB128 value of at most 5 bytes.
func (r *reader) u32() (uint32, error) {
	var result uint32
	var shift uint
	for i := 0; i < 5; i++ {
		b, err := r.byte()
		if err != nil {
			return 0, err
		}
		if i == 4 && b&0x70 != 0 {
			return 0, fmt.Errorf("%w: u32 overflow at offset %d", ErrMalformed, r.pos-1)
		}
		result |= uint32(b&0x7f) << shift
		if b&0x80 == 0 {
			return result, nil
		}
		shift += 7
	}
	return 0, fmt.Errorf("%w: u32 too long at offset %d", ErrMalformed, r.pos)
}

// signed reads a signed LEB128 value of at most size bits.
func (r *reader) signed(size uint) (int64, error) {
	var result int64
	var shift uint
	maxBytes := int((size + 6) / 7)
	for i := 0; i < maxBytes; i++ {
		b, err := r.byte()
		if err != nil {
			return 0, err
		}
		result |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			if shift < 64 && b&0x40 != 0 {
				result |= -1 << shift
			}
			return result, nil
		}
	}
	return 0, fmt.Errorf("%w: s%d too long at offset %d", ErrMalformed, size, r.pos)
}

func (r *reader) s32() (int32, error) {
	v, err := r.signed(32)
	return int32(v), err
}

func (r *reader) s64() (int64, error) {
	return r.signed(64)
}

// name reads a length-prefixed UTF-8 string.
func (r *reader) name() (string, error) {
	n, err := r.u32()
	if err != nil {
		return "", err
	}
	b, err := r.bytes(int(n))
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", fmt.Errorf("%w: name is not valid UTF-8", ErrMalformed)
	}
	return string(b), nil
}

// appendU32 appends an unsigned LEB128 encoding of v.
func appendU32(dst []byte, v uint32) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			dst = append(dst, b|0x80)
			continue
		}
		return append(dst, b)
	}
}

// appendS64 appends a signed LEB128 encoding of v.
func appendS64(dst []byte, v int64) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(dst, b)
		}
		dst = append(dst, b|0x80)
	}
}

// appendName appends a length-prefixed string.
func appendName(dst []byte, s string) []byte {
	dst = appendU32(dst, uint32(len(s)))
	return append(dst, s...)
}
