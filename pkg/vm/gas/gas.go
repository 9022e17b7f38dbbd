// Package gas implements the deterministic gas meter shared by guest code
// and host functions.
package gas

import (
	"errors"
	"math/bits"
	"sync/atomic"
)

// Calibration target: 10^12 gas per second of execution, so one gas is
// roughly one picosecond and one microsecond is 10^6 gas.
const (
	PerSecond      = uint64(1_000_000_000_000)
	PerMicrosecond = PerSecond / 1_000_000
)

var (
	// ErrExhausted is returned when a charge exceeds the remaining gas.
	ErrExhausted = errors.New("gas exhausted")

	// ErrInvalidLimit is returned for a zero gas limit.
	ErrInvalidLimit = errors.New("invalid gas limit")
)

// LinearCost is a cost that grows with the number of items processed.
type LinearCost struct {
	Base    uint64 `yaml:"base"`
	PerItem uint64 `yaml:"per_item"`
}

// Total returns Base + PerItem*items, saturating at the maximum uint64.
func (c LinearCost) Total(items uint64) uint64 {
	hi, lo := bits.Mul64(c.PerItem, items)
	if hi != 0 {
		return ^uint64(0)
	}
	sum, carry := bits.Add64(c.Base, lo, 0)
	if carry != 0 {
		return ^uint64(0)
	}
	return sum
}

// Config holds the costs charged by host functions.
type Config struct {
	// Storage
	DBRead   LinearCost `yaml:"db_read"`   // per byte of key and value
	DBWrite  LinearCost `yaml:"db_write"`  // per byte of key and value
	DBRemove LinearCost `yaml:"db_remove"` // per byte of key
	DBScan   LinearCost `yaml:"db_scan"`   // per byte of bounds
	DBNext   LinearCost `yaml:"db_next"`   // per byte of key and value

	// Addresses
	AddrValidate     LinearCost `yaml:"addr_validate"`
	AddrCanonicalize LinearCost `yaml:"addr_canonicalize"`
	AddrHumanize     LinearCost `yaml:"addr_humanize"`

	// Cryptography
	Secp256k1Verify         uint64     `yaml:"secp256k1_verify"`
	Secp256k1RecoverPubkey  uint64     `yaml:"secp256k1_recover_pubkey"`
	Secp256r1Verify         uint64     `yaml:"secp256r1_verify"`
	Ed25519Verify           LinearCost `yaml:"ed25519_verify"` // per byte of message
	Ed25519BatchVerify      LinearCost `yaml:"ed25519_batch_verify"`
	BLS12381AggregateG1     LinearCost `yaml:"bls12_381_aggregate_g1"`
	BLS12381AggregateG2     LinearCost `yaml:"bls12_381_aggregate_g2"`
	BLS12381PairingEquality LinearCost `yaml:"bls12_381_pairing_equality"`
	BLS12381HashToG1        LinearCost `yaml:"bls12_381_hash_to_g1"` // per byte of message
	BLS12381HashToG2        LinearCost `yaml:"bls12_381_hash_to_g2"` // per byte of message

	// Miscellaneous
	Debug      LinearCost `yaml:"debug"`       // per byte of message
	QueryChain LinearCost `yaml:"query_chain"` // per byte of request, before the querier's own cost
}

// DefaultConfig returns host costs measured against the calibration target.
func DefaultConfig() Config {
	const us = PerMicrosecond
	return Config{
		DBRead:   LinearCost{Base: 1 * us, PerItem: 1_000},
		DBWrite:  LinearCost{Base: 2 * us, PerItem: 2_000},
		DBRemove: LinearCost{Base: 1 * us, PerItem: 1_000},
		DBScan:   LinearCost{Base: 2 * us, PerItem: 1_000},
		DBNext:   LinearCost{Base: us / 2, PerItem: 1_000},

		AddrValidate:     LinearCost{Base: 3 * us, PerItem: 10_000},
		AddrCanonicalize: LinearCost{Base: 3 * us, PerItem: 10_000},
		AddrHumanize:     LinearCost{Base: 3 * us, PerItem: 10_000},

		Secp256k1Verify:         100 * us,
		Secp256k1RecoverPubkey:  200 * us,
		Secp256r1Verify:         300 * us,
		Ed25519Verify:           LinearCost{Base: 40 * us, PerItem: 2_000},
		Ed25519BatchVerify:      LinearCost{Base: 25 * us, PerItem: 25 * us},
		BLS12381AggregateG1:     LinearCost{Base: 70 * us, PerItem: 15 * us},
		BLS12381AggregateG2:     LinearCost{Base: 110 * us, PerItem: 30 * us},
		BLS12381PairingEquality: LinearCost{Base: 2_200 * us, PerItem: 180 * us},
		BLS12381HashToG1:        LinearCost{Base: 600 * us, PerItem: 2_000},
		BLS12381HashToG2:        LinearCost{Base: 900 * us, PerItem: 2_000},

		Debug:      LinearCost{Base: us / 10, PerItem: 100},
		QueryChain: LinearCost{Base: 2 * us, PerItem: 1_000},
	}
}

// Report summarises gas consumption of one call.
type Report struct {
	Limit          uint64 `json:"limit"`
	Remaining      uint64 `json:"remaining"`
	UsedExternally uint64 `json:"used_externally"`
	UsedInternally uint64 `json:"used_internally"`
}

// Meter tracks the gas of one call. Guest code keeps its own counter in
// an instance global; the host synchronises with it through SetRemaining
// before charging.
type Meter struct {
	limit     uint64
	remaining uint64
	external  uint64
}

// NewMeter creates a meter with the given limit.
func NewMeter(limit uint64) (*Meter, error) {
	if limit == 0 {
		return nil, ErrInvalidLimit
	}
	return &Meter{limit: limit, remaining: limit}, nil
}

// Charge consumes amount. If not enough gas remains nothing is performed,
// the meter is drained to zero and ErrExhausted is returned.
func (m *Meter) Charge(amount uint64) error {
	for {
		remaining := atomic.LoadUint64(&m.remaining)
		if remaining < amount {
			atomic.StoreUint64(&m.remaining, 0)
			return ErrExhausted
		}
		if atomic.CompareAndSwapUint64(&m.remaining, remaining, remaining-amount) {
			return nil
		}
	}
}

// ChargeExternal consumes gas reported by a collaborator outside the
// engine, such as a querier.
func (m *Meter) ChargeExternal(amount uint64) error {
	err := m.Charge(amount)
	if err == nil {
		atomic.AddUint64(&m.external, amount)
	}
	return err
}

// Check fails fast when less than amount remains, without consuming.
func (m *Meter) Check(amount uint64) error {
	if atomic.LoadUint64(&m.remaining) < amount {
		atomic.StoreUint64(&m.remaining, 0)
		return ErrExhausted
	}
	return nil
}

// SetRemaining records the guest counter. The remaining gas never grows.
func (m *Meter) SetRemaining(v uint64) {
	for {
		remaining := atomic.LoadUint64(&m.remaining)
		if v >= remaining || atomic.CompareAndSwapUint64(&m.remaining, remaining, v) {
			return
		}
	}
}

// Remaining returns the gas left.
func (m *Meter) Remaining() uint64 {
	return atomic.LoadUint64(&m.remaining)
}

// Used returns the gas consumed so far.
func (m *Meter) Used() uint64 {
	return m.limit - m.Remaining()
}

// Limit returns the limit the meter was created with.
func (m *Meter) Limit() uint64 {
	return m.limit
}

// IsExhausted reports whether no gas is left.
func (m *Meter) IsExhausted() bool {
	return m.Remaining() == 0
}

// Report returns the current consumption split.
func (m *Meter) Report() Report {
	remaining := m.Remaining()
	external := atomic.LoadUint64(&m.external)
	used := m.limit - remaining
	internal := uint64(0)
	if used > external {
		internal = used - external
	}
	return Report{
		Limit:          m.limit,
		Remaining:      remaining,
		UsedExternally: external,
		UsedInternally: internal,
	}
}
