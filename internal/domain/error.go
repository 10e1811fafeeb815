package domain

import "errors"

var (
	// Common domain errors
	ErrNotFound          = errors.New("entity not found")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrInvalidTransition = errors.New("invalid intent state transition")

	// Saga errors surfaced to the UI layer
	ErrTransientNetwork      = errors.New("transient network error")
	ErrUnauthorized          = errors.New("unauthorized")
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrAlreadyEntitled       = errors.New("an active entitlement of this kind already exists")
	ErrGatewaySessionFailed  = errors.New("gateway session could not be created")
	ErrReconciliationTimeout = errors.New("purchase could not be confirmed yet")
	ErrActiveIntentExists    = errors.New("another purchase is already in progress")
	ErrStoreUnavailable      = errors.New("intent store unavailable")
)
