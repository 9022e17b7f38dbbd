// Package backend defines the collaborators an embedding application
// supplies to each contract call.
package backend

import (
	"context"
	"errors"
	"fmt"
)

// Order is the direction of a range iteration.
type Order int32

// Iteration orders as encoded on the wire.
const (
	Ascending  Order = 1
	Descending Order = 2
)

func (o Order) String() string {
	switch o {
	case Ascending:
		return "ascending"
	case Descending:
		return "descending"
	}
	return "unknown"
}

// Valid reports whether o is a known order.
func (o Order) Valid() bool {
	return o == Ascending || o == Descending
}

var (
	// ErrInvalidAddress is returned by an AddressAPI for malformed input.
	// The guest receives it as a recoverable error message.
	ErrInvalidAddress = errors.New("invalid address")

	// ErrQuery is returned by a Querier when the request could not be
	// served. The guest receives it as a system error.
	ErrQuery = errors.New("query failed")
)

// Record is one key/value pair produced by an iterator.
type Record struct {
	Key   []byte
	Value []byte
}

// Iterator walks a key range. Next returns ok=false once exhausted.
type Iterator interface {
	Next() (rec Record, ok bool, err error)
	Close() error
}

// KVStore is the contract's private key/value storage.
type KVStore interface {
	// Get returns nil for a missing key.
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	Delete(key []byte) error
	// Iterator walks [start, end). A nil bound is open.
	Iterator(start, end []byte, order Order) (Iterator, error)
}

// AddressAPI converts between human readable and canonical addresses.
type AddressAPI interface {
	Canonicalize(human string) ([]byte, error)
	Humanize(canonical []byte) (string, error)
	Validate(human string) error
}

// Querier serves read-only queries to the application. gasLimit is the
// gas left in the calling contract; the returned gasUsed is charged to it.
type Querier interface {
	Query(ctx context.Context, request []byte, gasLimit uint64) (response []byte, gasUsed uint64, err error)
}

// QuerierFunc adapts a function to the Querier interface.
type QuerierFunc func(ctx context.Context, request []byte, gasLimit uint64) ([]byte, uint64, error)

// Query implements Querier.
func (f QuerierFunc) Query(ctx context.Context, request []byte, gasLimit uint64) ([]byte, uint64, error) {
	return f(ctx, request, gasLimit)
}

// ErrCallDepthExceeded is returned when contract execution re-enters
// itself deeper than allowed.
var ErrCallDepthExceeded = errors.New("maximum call depth exceeded")

type callDepthKey struct{}

// CallDepth returns the number of guest calls active on ctx.
func CallDepth(ctx context.Context) uint32 {
	d, _ := ctx.Value(callDepthKey{}).(uint32)
	return d
}

// EnterCall returns a context one guest call deeper than ctx. It fails
// once the depth would exceed max. Querier implementations that execute
// contracts must pass on the context they receive so the depth carries
// across contracts.
func EnterCall(ctx context.Context, max uint32) (context.Context, error) {
	d := CallDepth(ctx) + 1
	if d > max {
		return ctx, fmt.Errorf("%w: depth %d, limit %d", ErrCallDepthExceeded, d, max)
	}
	return context.WithValue(ctx, callDepthKey{}, d), nil
}
