// Package crypto implements the signature and curve primitives offered to
// contracts. Malformed inputs are reported as typed errors carrying the
// numeric code the guest receives.
package crypto

import "errors"

// Result codes returned to the guest. Zero means success or a valid
// signature, one an invalid signature or unequal pairing.
const (
	CodeOK                     = 0
	CodeInvalid                = 1
	CodeInvalidHashFormat      = 3
	CodeInvalidSignatureFormat = 4
	CodeInvalidPubkeyFormat    = 5
	CodeInvalidRecoveryParam   = 6
	CodeBatchMismatch          = 7
	CodeInvalidPoint           = 8
	CodeUnknownHashFunction    = 9
	CodeGeneric                = 10
)

// Input errors.
var (
	ErrInvalidHashFormat      = &Error{Code: CodeInvalidHashFormat, msg: "invalid hash format"}
	ErrInvalidSignatureFormat = &Error{Code: CodeInvalidSignatureFormat, msg: "invalid signature format"}
	ErrInvalidPubkeyFormat    = &Error{Code: CodeInvalidPubkeyFormat, msg: "invalid public key format"}
	ErrInvalidRecoveryParam   = &Error{Code: CodeInvalidRecoveryParam, msg: "invalid recovery parameter"}
	ErrBatchMismatch          = &Error{Code: CodeBatchMismatch, msg: "mismatched batch lengths"}
	ErrInvalidPoint           = &Error{Code: CodeInvalidPoint, msg: "invalid curve point"}
	ErrUnknownHashFunction    = &Error{Code: CodeUnknownHashFunction, msg: "unknown hash function"}
	ErrEmptyInput             = &Error{Code: CodeGeneric, msg: "empty input"}
)

// Error is a crypto input error with its guest result code.
type Error struct {
	Code uint32
	msg  string
}

func (e *Error) Error() string {
	return e.msg
}

// Code returns the guest result code of err. Errors that are not crypto
// input errors map to CodeGeneric.
func Code(err error) uint32 {
	if err == nil {
		return CodeOK
	}
	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr.Code
	}
	return CodeGeneric
}
