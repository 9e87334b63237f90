package ledger

import "errors"

var (
	ErrUnauthorized        = errors.New("unauthorized")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrCapacityExceeded    = errors.New("order capacity exceeded")
	ErrNotFound            = errors.New("order not found")
	ErrAlreadySet          = errors.New("already set")
	ErrInvalidEvidence     = errors.New("invalid payment evidence")
	ErrNotOptedIn          = errors.New("account not opted in")
	ErrOverflow            = errors.New("amount overflow")
	ErrInvalidTransition   = errors.New("invalid order status transition")
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrAccountNotEmpty     = errors.New("account still holds value or orders")
	ErrTokenNotBound       = errors.New("token not bound")
	ErrTxDone              = errors.New("transaction already committed or rolled back")
)
