package models

import "errors"

var (
	// ErrAuthentication rejects a connection attempt before any state is touched.
	ErrAuthentication = errors.New("authentication failed")

	// ErrAuthorization rejects access to a room the requester is not part of.
	ErrAuthorization = errors.New("not authorized")

	// ErrStoreUnavailable wraps every shared-store failure. Nothing is assumed
	// committed when it is returned.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrEncryption marks a frame that could not be opened or parsed.
	ErrEncryption = errors.New("encryption failure")

	ErrDeliveryTimeout = errors.New("delivery confirmation timed out")
	ErrSessionNotFound = errors.New("session not found")
	ErrTenantNotFound  = errors.New("tenant not found")
	ErrInvalidInput    = errors.New("invalid input")
)
