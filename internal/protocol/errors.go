package protocol

import "errors"

var (
	ErrTimeout           = errors.New("protocol: transmission timed out")
	ErrClosed            = errors.New("protocol: connection closed")
	ErrCanceled          = errors.New("protocol: call canceled")
	ErrBlockTooLarge     = errors.New("protocol: block exceeds agreement")
	ErrStreamTooLong     = errors.New("protocol: stream exceeds agreement")
	ErrNoTransmission    = errors.New("protocol: no transmission slot available")
	ErrNotAuthenticated  = errors.New("protocol: not authenticated")
	ErrRefused           = errors.New("protocol: refused")
	ErrNotFound          = errors.New("protocol: not found")
	ErrInvalidOperation  = errors.New("protocol: invalid operation")
	ErrDeserialization   = errors.New("protocol: deserialization failed")
	ErrNoNetService      = errors.New("protocol: no net service")
	ErrUnexpectedPayload = errors.New("protocol: unexpected payload kind")
)
