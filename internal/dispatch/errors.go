package dispatch

import "errors"

var (
	ErrNoDriversAvailable  = errors.New("no drivers available")
	ErrNotAssignedToDriver = errors.New("offer not assigned to driver")
	ErrAlreadyResolved     = errors.New("request already resolved")
	ErrNotCancellable      = errors.New("request not cancellable")
	ErrNotRequestOwner     = errors.New("request belongs to another rider")
	ErrActiveRequest       = errors.New("rider already has an active request")
	ErrRequestNotFound     = errors.New("request not found")
	ErrInvalidRequest      = errors.New("invalid ride request")
	ErrShuttingDown        = errors.New("dispatch is shutting down")
)
