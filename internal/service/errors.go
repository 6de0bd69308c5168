package service

import (
	"errors"
)

// ErrorKind classifies service failures. Transports map kinds to status codes.
type ErrorKind string

// Error kinds
const (
	KindValidation ErrorKind = "VALIDATION_ERROR"
	KindNotFound   ErrorKind = "NOT_FOUND"
	KindStorage    ErrorKind = "STORAGE_ERROR"
)

// Error is returned by every Service operation that fails
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewValidationError reports malformed input
func NewValidationError(message string) *Error {
	return &Error{Kind: KindValidation, Message: message}
}

// NewNotFoundError reports an unknown device or an empty result
func NewNotFoundError(message string) *Error {
	return &Error{Kind: KindNotFound, Message: message}
}

// NewStorageError reports a persistence failure
func NewStorageError(message string, err error) *Error {
	return &Error{Kind: KindStorage, Message: message, Err: err}
}

// KindOf returns the kind of err, treating unknown errors as storage failures
func KindOf(err error) ErrorKind {
	var svcErr *Error
	if errors.As(err, &svcErr) {
		return svcErr.Kind
	}
	return KindStorage
}

// MessageOf returns the client-facing message of err
func MessageOf(err error) string {
	var svcErr *Error
	if errors.As(err, &svcErr) {
		return svcErr.Message
	}
	return "internal error"
}

// Messages shared by the HTTP and MQTT front ends
const (
	MsgDeviceIDRequired      = "device_id required (in query param or JSON body)"
	MsgDeviceIDParamRequired = "device_id parameter required"
	MsgDeviceNotRegistered   = "device not registered"
	MsgInvalidPayload        = "data must be a JSON array or object with device_id and data fields"
	MsgNoDataFound           = "no data found"
	MsgNoDataAvailable       = "no data available"
	MsgStorageFailed         = "failed to persist telemetry"
	MsgRegistryFailed        = "failed to update device registry"
)
