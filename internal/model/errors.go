package model

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is the parent of every bad-input rejection. Never retried.
	ErrValidation = errors.New("validation failed")

	ErrBelowMinimum    = fmt.Errorf("%w: amount below minimum trade amount", ErrValidation)
	ErrInvalidLeverage = fmt.Errorf("%w: leverage not in allowed options", ErrValidation)
	ErrUnknownSymbol   = fmt.Errorf("%w: symbol not available", ErrValidation)
	ErrInvalidPrice    = fmt.Errorf("%w: price must be positive", ErrValidation)
	ErrInvalidSide     = fmt.Errorf("%w: side must be long or short", ErrValidation)

	// Business-rule rejections, surfaced to the caller as-is.
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrPositionLimitReached = errors.New("open position limit reached")
	ErrAlreadyClosed        = errors.New("position already closed")

	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")

	// ErrTransientSource marks price or storage fetch failures that were
	// retried and degraded.
	ErrTransientSource = errors.New("transient source failure")

	// ErrConsistencyViolation is fatal for the operation that detects it.
	ErrConsistencyViolation = errors.New("consistency violation")
)
