// Package apperr defines the error kinds surfaced by the funnel engine and
// maps them to stable kind strings and HTTP statuses.
package apperr

import (
	"context"
	"errors"
	"net/http"
)

var (
	ErrUnknownStage        = errors.New("unknown stage")
	ErrUnknownRecord       = errors.New("unknown record")
	ErrPaymentRequired     = errors.New("payment required")
	ErrNotADeliveryStage   = errors.New("not a delivery stage")
	ErrEmptySelection      = errors.New("empty selection")
	ErrBatchAlreadyRunning = errors.New("batch already running")
	ErrStoreIO             = errors.New("store io error")
	ErrInvalidCheckpoint   = errors.New("invalid checkpoint")
	ErrInvalidInput        = errors.New("invalid input")
	ErrRateLimited         = errors.New("rate limited")
	ErrGateway             = errors.New("payment gateway error")
)

type storeIOError struct {
	cause error
}

func (e *storeIOError) Error() string { return "store io: " + e.cause.Error() }
func (e *storeIOError) Unwrap() error { return e.cause }
func (e *storeIOError) Is(target error) bool {
	return target == ErrStoreIO
}

// StoreIO marks err as a record store failure. The cause stays reachable
// through errors.Is / errors.As.
func StoreIO(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStoreIO) {
		return err
	}
	return &storeIOError{cause: err}
}

type gatewayError struct {
	cause error
}

func (e *gatewayError) Error() string { return "payment gateway: " + e.cause.Error() }
func (e *gatewayError) Unwrap() error { return e.cause }
func (e *gatewayError) Is(target error) bool {
	return target == ErrGateway
}

// Gateway marks err as a payment gateway failure, keeping the gateway's own
// error matchable.
func Gateway(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrGateway) {
		return err
	}
	return &gatewayError{cause: err}
}

// IsTransient reports whether the failing call may be retried as is.
func IsTransient(err error) bool {
	return errors.Is(err, ErrStoreIO)
}

func Kind(err error) string {
	switch {
	case err == nil:
		return ""

	case errors.Is(err, ErrUnknownStage):
		return "unknown_stage"

	case errors.Is(err, ErrUnknownRecord):
		return "unknown_record"

	case errors.Is(err, ErrPaymentRequired):
		return "payment_required"

	case errors.Is(err, ErrNotADeliveryStage):
		return "not_a_delivery_stage"

	case errors.Is(err, ErrEmptySelection):
		return "empty_selection"

	case errors.Is(err, ErrBatchAlreadyRunning):
		return "batch_already_running"

	case errors.Is(err, ErrStoreIO):
		return "store_io"

	case errors.Is(err, ErrInvalidCheckpoint):
		return "invalid_checkpoint"

	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"

	case errors.Is(err, ErrRateLimited):
		return "rate_limited"

	case errors.Is(err, ErrGateway):
		return "gateway"

	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"

	case errors.Is(err, context.Canceled):
		return "canceled"

	default:
		return "internal"
	}
}

func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK

	case errors.Is(err, ErrUnknownRecord):
		return http.StatusNotFound

	case errors.Is(err, ErrPaymentRequired):
		return http.StatusPaymentRequired

	case errors.Is(err, ErrUnknownStage),
		errors.Is(err, ErrNotADeliveryStage),
		errors.Is(err, ErrEmptySelection),
		errors.Is(err, ErrInvalidCheckpoint),
		errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest

	case errors.Is(err, ErrBatchAlreadyRunning):
		return http.StatusConflict

	case errors.Is(err, ErrStoreIO):
		return http.StatusServiceUnavailable

	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests

	case errors.Is(err, ErrGateway):
		return http.StatusBadGateway

	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout

	case errors.Is(err, context.Canceled):
		return http.StatusBadRequest

	default:
		return http.StatusInternalServerError
	}
}
