package helpers

import (
	"errors"
	"fmt"
)

// -----------------------------------------------------------------------------
// Error codes
// -----------------------------------------------------------------------------

type ErrorCode int

const (
	// 1xxx protocol
	ErrCodeMalformedFrame      ErrorCode = 1001
	ErrCodeUnexpectedMessage   ErrorCode = 1002
	ErrCodeFrameTooLarge       ErrorCode = 1003
	ErrCodeRegistrationTimeout ErrorCode = 1004

	// 2xxx construction / consolidation
	ErrCodeInvalidResolution ErrorCode = 2001
	ErrCodeMismatchedData    ErrorCode = 2002

	// 3xxx io
	ErrCodeWriteFailed ErrorCode = 3001
	ErrCodeReadFailed  ErrorCode = 3002

	// 4xxx upstream vendor / broker
	ErrCodeVendorUnavailable ErrorCode = 4001
	ErrCodeVendorRequest     ErrorCode = 4002
	ErrCodeUnsupported       ErrorCode = 4003
	ErrCodeNotFound          ErrorCode = 4004

	// 5xxx registries
	ErrCodeConnectionClosed ErrorCode = 5001
	ErrCodeTaskPanicked     ErrorCode = 5002

	// 6xxx configuration / storage
	ErrCodeConfiguration ErrorCode = 6001
	ErrCodeStorage       ErrorCode = 6002
)

// -----------------------------------------------------------------------------
// Custom Error Types
// -----------------------------------------------------------------------------

type FeederError struct {
	Code    ErrorCode
	Message string
	Cause   error
}

func (e *FeederError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%d] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

func (e *FeederError) Unwrap() error {
	return e.Cause
}

// Distinct error types for errors.As
type ProtocolError struct{ FeederError }
type InvalidResolutionForStrategyError struct{ FeederError }
type ConsolidatorError struct{ FeederError }
type VendorError struct{ FeederError }
type StorageError struct{ FeederError }
type ConfigurationError struct{ FeederError }

// -----------------------------------------------------------------------------

func New(code ErrorCode, format string, args ...interface{}) *FeederError {
	return &FeederError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// -----------------------------------------------------------------------------

func Wrap(err error, code ErrorCode, format string, args ...interface{}) *FeederError {
	if err == nil {
		return nil
	}
	return &FeederError{Code: code, Message: fmt.Sprintf(format, args...), Cause: err}
}

// -----------------------------------------------------------------------------

func NewProtocolError(code ErrorCode, format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{*New(code, format, args...)}
}

func NewInvalidResolution(format string, args ...interface{}) *InvalidResolutionForStrategyError {
	return &InvalidResolutionForStrategyError{*New(ErrCodeInvalidResolution, format, args...)}
}

func NewConsolidatorError(format string, args ...interface{}) *ConsolidatorError {
	return &ConsolidatorError{*New(ErrCodeMismatchedData, format, args...)}
}

func NewVendorError(err error, code ErrorCode, format string, args ...interface{}) *VendorError {
	return &VendorError{FeederError{Code: code, Message: fmt.Sprintf(format, args...), Cause: err}}
}

func NewStorageError(err error, format string, args ...interface{}) *StorageError {
	return &StorageError{FeederError{Code: ErrCodeStorage, Message: fmt.Sprintf(format, args...), Cause: err}}
}

func NewConfigurationError(format string, args ...interface{}) *ConfigurationError {
	return &ConfigurationError{*New(ErrCodeConfiguration, format, args...)}
}

// -----------------------------------------------------------------------------

// CodeOf returns the code of the outermost FeederError in the chain, or 0.
func CodeOf(err error) ErrorCode {
	for err != nil {
		switch e := err.(type) {
		case *FeederError:
			return e.Code
		case *ProtocolError:
			return e.Code
		case *InvalidResolutionForStrategyError:
			return e.Code
		case *ConsolidatorError:
			return e.Code
		case *VendorError:
			return e.Code
		case *StorageError:
			return e.Code
		case *ConfigurationError:
			return e.Code
		}
		err = errors.Unwrap(err)
	}
	return 0
}

// -----------------------------------------------------------------------------

// HasCode reports whether any error in the chain carries code.
func HasCode(err error, code ErrorCode) bool {
	for err != nil {
		if CodeOf(err) == code {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}
