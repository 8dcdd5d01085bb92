package engine

import "errors"

// Validation failures. Nothing is created when Submit returns one of these.
var (
	ErrInvalidSymbol   = errors.New("invalid symbol")
	ErrInvalidQuantity = errors.New("quantity must be positive")
	ErrInvalidPrice    = errors.New("invalid price")
	ErrInvalidKind     = errors.New("invalid order kind")
	ErrInvalidSide     = errors.New("invalid order side")
)

// Capacity failures
var (
	ErrInsufficientCash     = errors.New("insufficient cash")
	ErrInsufficientPosition = errors.New("insufficient position")
)

// Lifecycle failures
var (
	ErrOrderNotFound   = errors.New("order not found")
	ErrOrderNotPending = errors.New("order is no longer pending")
)
