package core

import "errors"

var (
	// ErrOrderNotFound indicates the order does not exist on the venue.
	ErrOrderNotFound = errors.New("order not found")
	// ErrInsufficientBalance indicates the venue rejected the action due to insufficient funds.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrDuplicateOrder indicates the client order id has already been accepted before.
	ErrDuplicateOrder = errors.New("duplicate order")
	// ErrOrderRejected indicates the order was rejected by the venue.
	ErrOrderRejected = errors.New("order rejected")
	// ErrUnknownOrder indicates an event referenced an order this process is not tracking.
	ErrUnknownOrder = errors.New("unknown order")
)
