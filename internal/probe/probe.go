// Package probe queries the booking source for the seat availability of a
// tracked trip.
package probe

import (
	"context"
	"errors"
	"fmt"

	"github.com/BTreeMap/SeatWatch/internal/models"
)

var (
	// ErrTransient marks a failure that may succeed on a later attempt:
	// network errors, timeouts, throttling or an unreadable page.
	ErrTransient = errors.New("transient probe failure")
	// ErrPermanent marks a query that can never succeed: the train or the
	// route no longer exists.
	ErrPermanent = errors.New("permanent probe failure")
)

// Result is the outcome of a successful probe. Status is FULL or AVAILABLE.
type Result struct {
	Status    models.TripStatus
	Departure string
	Arrival   string
	URL       string
}

// AvailabilityProbe checks one trip against the booking source. Errors are
// classified with ErrTransient or ErrPermanent and can be tested with errors.Is.
type AvailabilityProbe interface {
	Check(ctx context.Context, trip models.Trip) (Result, error)
}

// Transientf returns an error wrapping ErrTransient.
func Transientf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrTransient, fmt.Sprintf(format, args...))
}

// Permanentf returns an error wrapping ErrPermanent.
func Permanentf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrPermanent, fmt.Sprintf(format, args...))
}
