package wasm

import (
	"errors"
	"fmt"
)

// Static validation errors.
var (
	ErrMalformed             = errors.New("malformed wasm binary")
	ErrTooLarge              = errors.New("wasm binary too large")
	ErrUnknownOpcode         = errors.New("unknown opcode")
	ErrFloat                 = errors.New("floating point operations are not supported")
	ErrThreads               = errors.New("threads are not supported")
	ErrSIMD                  = errors.New("SIMD is not supported")
	ErrBulkMemory            = errors.New("bulk memory and saturating truncation are not supported")
	ErrReferenceTypes        = errors.New("reference types are not supported")
	ErrMemory                = errors.New("invalid memory")
	ErrTable                 = errors.New("invalid table")
	ErrUnsupportedImport     = errors.New("unsupported import")
	ErrMissingExport         = errors.New("missing required export")
	ErrReservedExport        = errors.New("reserved export name")
	ErrInterfaceVersion      = errors.New("invalid interface version marker")
	ErrTooManyImports        = errors.New("too many imports")
	ErrTooManyFunctions      = errors.New("too many functions")
	ErrTooManyExports        = errors.New("too many exports")
	ErrTooManyParams         = errors.New("too many function parameters")
	ErrTooManyTotalParams    = errors.New("too many function parameters in total")
	ErrTooManyResults        = errors.New("too many function results")
	ErrTooManyLocals         = errors.New("too many locals")
	ErrFunctionBodyTooLarge  = errors.New("function body too large")
	ErrInvalidMigrateVersion = errors.New("invalid migrate version section")
)

// ValidationError reports which admission rule a module violated.
type ValidationError struct {
	Rule string
	Err  error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("static validation failed (%s): %v", e.Rule, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func invalid(rule string, err error) error {
	return &ValidationError{Rule: rule, Err: err}
}
