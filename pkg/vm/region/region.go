// Package region implements the descriptor protocol used to pass byte
// buffers across the host/guest boundary.
//
// A region pointer is an offset into guest memory where a 12-byte
// descriptor lives:
//
//	offset   u32 little endian  start of the buffer
//	capacity u32 little endian  bytes allocated by the guest
//	length   u32 little endian  bytes populated by the last writer
//
// Every descriptor is untrusted input and is validated before use.
package region

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// DescriptorSize is the encoded size of a Region.
const DescriptorSize = 12

var (
	// ErrZeroOffset is returned for a region whose buffer starts at 0.
	ErrZeroOffset = errors.New("region has zero offset")

	// ErrLengthExceedsCapacity is returned when length > capacity.
	ErrLengthExceedsCapacity = errors.New("region length exceeds capacity")

	// ErrOutOfRange is returned when a region or descriptor does not lie
	// within guest memory.
	ErrOutOfRange = errors.New("region out of memory range")

	// ErrTooLong is returned when a region holds more than the caller
	// accepts.
	ErrTooLong = errors.New("region length too big")

	// ErrInsufficientCapacity is returned when data does not fit a region.
	ErrInsufficientCapacity = errors.New("region capacity too small")

	// ErrZeroPointer is returned for a null region pointer.
	ErrZeroPointer = errors.New("region pointer is zero")
)

// Error reports a malformed region. It is fatal for the running call.
type Error struct {
	Ptr    uint32
	Region Region
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("region error at 0x%x (offset=%d capacity=%d length=%d): %v",
		e.Ptr, e.Region.Offset, e.Region.Capacity, e.Region.Length, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Memory is a view of guest linear memory. Read may return a view that
// aliases the memory; callers copy before retaining it.
type Memory interface {
	Size() uint32
	Read(offset, byteCount uint32) ([]byte, bool)
	Write(offset uint32, v []byte) bool
}

// Region describes a buffer in guest memory.
type Region struct {
	Offset   uint32
	Capacity uint32
	Length   uint32
}

// Decode parses a descriptor.
func Decode(b []byte) Region {
	return Region{
		Offset:   binary.LittleEndian.Uint32(b[0:4]),
		Capacity: binary.LittleEndian.Uint32(b[4:8]),
		Length:   binary.LittleEndian.Uint32(b[8:12]),
	}
}

// Encode serialises the descriptor.
func (r Region) Encode() []byte {
	b := make([]byte, DescriptorSize)
	binary.LittleEndian.PutUint32(b[0:4], r.Offset)
	binary.LittleEndian.PutUint32(b[4:8], r.Capacity)
	binary.LittleEndian.PutUint32(b[8:12], r.Length)
	return b
}

// Validate checks the descriptor on its own, independent of memory.
func (r Region) Validate() error {
	if r.Offset == 0 {
		return ErrZeroOffset
	}
	if r.Length > r.Capacity {
		return ErrLengthExceedsCapacity
	}
	if r.Capacity > ^uint32(0)-r.Offset {
		return fmt.Errorf("%w: offset + capacity overflows", ErrOutOfRange)
	}
	return nil
}

// within reports whether the allocated range lies inside memory.
func (r Region) within(mem Memory) bool {
	return uint64(r.Offset)+uint64(r.Capacity) <= uint64(mem.Size())
}

// ReadDescriptor loads and validates the descriptor at ptr.
func ReadDescriptor(mem Memory, ptr uint32) (Region, error) {
	if ptr == 0 {
		return Region{}, &Error{Ptr: ptr, Err: ErrZeroPointer}
	}
	b, ok := mem.Read(ptr, DescriptorSize)
	if !ok {
		return Region{}, &Error{Ptr: ptr, Err: fmt.Errorf("%w: descriptor beyond memory size %d", ErrOutOfRange, mem.Size())}
	}
	r := Decode(b)
	if err := r.Validate(); err != nil {
		return r, &Error{Ptr: ptr, Region: r, Err: err}
	}
	if !r.within(mem) {
		return r, &Error{Ptr: ptr, Region: r, Err: fmt.Errorf("%w: memory size %d", ErrOutOfRange, mem.Size())}
	}
	return r, nil
}

// Read returns a copy of the populated bytes of the region at ptr. Regions
// longer than maxLength are rejected without being read.
func Read(mem Memory, ptr uint32, maxLength uint32) ([]byte, error) {
	r, err := ReadDescriptor(mem, ptr)
	if err != nil {
		return nil, err
	}
	if r.Length > maxLength {
		return nil, &Error{Ptr: ptr, Region: r, Err: fmt.Errorf("%w: got %d, limit %d", ErrTooLong, r.Length, maxLength)}
	}
	data, ok := mem.Read(r.Offset, r.Length)
	if !ok {
		return nil, &Error{Ptr: ptr, Region: r, Err: ErrOutOfRange}
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// MaybeRead is Read for optional arguments: a zero pointer yields nil.
func MaybeRead(mem Memory, ptr uint32, maxLength uint32) ([]byte, error) {
	if ptr == 0 {
		return nil, nil
	}
	return Read(mem, ptr, maxLength)
}

// Write copies data into the region at ptr and updates its length.
func Write(mem Memory, ptr uint32, data []byte) error {
	r, err := ReadDescriptor(mem, ptr)
	if err != nil {
		return err
	}
	if uint64(len(data)) > uint64(r.Capacity) {
		return &Error{Ptr: ptr, Region: r, Err: fmt.Errorf("%w: need %d, have %d", ErrInsufficientCapacity, len(data), r.Capacity)}
	}
	if !mem.Write(r.Offset, data) {
		return &Error{Ptr: ptr, Region: r, Err: ErrOutOfRange}
	}
	var length [4]byte
	binary.LittleEndian.PutUint32(length[:], uint32(len(data)))
	if !mem.Write(ptr+8, length[:]) {
		return &Error{Ptr: ptr, Region: r, Err: ErrOutOfRange}
	}
	return nil
}
