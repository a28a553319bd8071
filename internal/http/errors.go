package httpapi

import (
	"errors"
	"net/http"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/fleet"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/otp"
	"github.com/example/ride-dispatch/internal/rides"
	"github.com/example/ride-dispatch/internal/tracking"
)

type errStatus struct {
	err    error
	status int
}

// statusTable is matched in order with errors.Is.
var statusTable = []errStatus{
	{dispatch.ErrNoDriversAvailable, http.StatusServiceUnavailable},
	{dispatch.ErrShuttingDown, http.StatusServiceUnavailable},

	{otp.ErrMismatch, http.StatusUnprocessableEntity},
	{otp.ErrAttemptsExhausted, http.StatusGone},
	{otp.ErrExpired, http.StatusGone},

	{dispatch.ErrNotAssignedToDriver, http.StatusConflict},
	{dispatch.ErrAlreadyResolved, http.StatusConflict},
	{dispatch.ErrNotCancellable, http.StatusConflict},
	{dispatch.ErrActiveRequest, http.StatusConflict},
	{rides.ErrNotCancellable, http.StatusConflict},
	{rides.ErrRideNotAwaitingOTP, http.StatusConflict},
	{rides.ErrRideNotInProgress, http.StatusConflict},
	{fleet.ErrDriverOnRide, http.StatusConflict},
	{tracking.ErrNotTracking, http.StatusConflict},

	{dispatch.ErrNotRequestOwner, http.StatusForbidden},
	{rides.ErrWrongDriver, http.StatusForbidden},
	{rides.ErrNotParticipant, http.StatusForbidden},

	{dispatch.ErrInvalidRequest, http.StatusBadRequest},
	{fleet.ErrInvalidDriver, http.StatusBadRequest},

	{dispatch.ErrRequestNotFound, http.StatusNotFound},
	{rides.ErrRideNotFound, http.StatusNotFound},
	{geo.ErrUnknownDriver, http.StatusNotFound},
	{otp.ErrNoCode, http.StatusNotFound},
}

func statusFor(err error) int {
	var br badRequest
	if errors.As(err, &br) {
		return http.StatusBadRequest
	}
	for _, e := range statusTable {
		if errors.Is(err, e.err) {
			return e.status
		}
	}
	return http.StatusInternalServerError
}
