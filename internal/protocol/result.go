package protocol

import (
	"context"
	"errors"
	"fmt"
)

// Result is the outcome code carried in FirstGene frames and surfaced to callers.
type Result uint16

const (
	ResultSuccess Result = iota
	ResultNotAuthenticated
	ResultRefused
	ResultNotFound
	ResultInvalidOperation
	ResultDeserializationFailed
	ResultNoNetService
	ResultUnknownError
	ResultTimeout
	ResultCanceled
	ResultClosed
	ResultTooLarge
	ResultNoTransmission
)

var resultNames = map[Result]string{
	ResultSuccess:               "Success",
	ResultNotAuthenticated:      "NotAuthenticated",
	ResultRefused:               "Refused",
	ResultNotFound:              "NotFound",
	ResultInvalidOperation:      "InvalidOperation",
	ResultDeserializationFailed: "DeserializationFailed",
	ResultNoNetService:          "NoNetService",
	ResultUnknownError:          "UnknownError",
	ResultTimeout:               "Timeout",
	ResultCanceled:              "Canceled",
	ResultClosed:                "Closed",
	ResultTooLarge:              "TooLarge",
	ResultNoTransmission:        "NoTransmission",
}

func (r Result) String() string {
	if name, ok := resultNames[r]; ok {
		return name
	}
	return fmt.Sprintf("Result(%d)", uint16(r))
}

func (r Result) IsSuccess() bool {
	return r == ResultSuccess
}

// Err converts a non-success result into the matching sentinel error.
func (r Result) Err() error {
	switch r {
	case ResultSuccess:
		return nil
	case ResultNotAuthenticated:
		return ErrNotAuthenticated
	case ResultRefused:
		return ErrRefused
	case ResultNotFound:
		return ErrNotFound
	case ResultInvalidOperation:
		return ErrInvalidOperation
	case ResultDeserializationFailed:
		return ErrDeserialization
	case ResultNoNetService:
		return ErrNoNetService
	case ResultTimeout:
		return ErrTimeout
	case ResultCanceled:
		return ErrCanceled
	case ResultClosed:
		return ErrClosed
	case ResultTooLarge:
		return ErrBlockTooLarge
	case ResultNoTransmission:
		return ErrNoTransmission
	default:
		return fmt.Errorf("protocol: remote result %s", r)
	}
}

// ResultFromError maps local errors onto the closest result code.
func ResultFromError(err error) Result {
	switch {
	case err == nil:
		return ResultSuccess
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ResultTimeout
	case errors.Is(err, ErrCanceled), errors.Is(err, context.Canceled):
		return ResultCanceled
	case errors.Is(err, ErrClosed):
		return ResultClosed
	case errors.Is(err, ErrBlockTooLarge), errors.Is(err, ErrStreamTooLong):
		return ResultTooLarge
	case errors.Is(err, ErrNoTransmission):
		return ResultNoTransmission
	case errors.Is(err, ErrNotAuthenticated):
		return ResultNotAuthenticated
	case errors.Is(err, ErrRefused):
		return ResultRefused
	case errors.Is(err, ErrNotFound):
		return ResultNotFound
	case errors.Is(err, ErrInvalidOperation):
		return ResultInvalidOperation
	case errors.Is(err, ErrDeserialization):
		return ResultDeserializationFailed
	case errors.Is(err, ErrNoNetService):
		return ResultNoNetService
	default:
		return ResultUnknownError
	}
}
