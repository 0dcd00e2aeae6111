package sessions

import "errors"

// Errors returned by the manager.
var (
	// ErrInvalidArgument is returned when a required identifier or session is missing.
	ErrInvalidArgument = errors.New("sessions: invalid argument")
	// ErrSessionNotFound is returned by exact-id lookups with no match.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionEnded is returned when mutating a session that has already been ended.
	ErrSessionEnded = errors.New("session ended")
	// ErrCustomerNotFound is returned when an order's customer cannot be loaded.
	ErrCustomerNotFound = errors.New("customer not found")
)
