package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// TripStatus is the seat availability last observed for a trip.
type TripStatus string

const (
	// TripStatusUnknown means no probe has succeeded yet.
	TripStatusUnknown TripStatus = "UNKNOWN"
	// TripStatusFull means the watched train has no open seats.
	TripStatusFull TripStatus = "FULL"
	// TripStatusAvailable means the watched train has open seats.
	TripStatusAvailable TripStatus = "AVAILABLE"
)

// IsValid reports whether s is one of the known statuses.
func (s TripStatus) IsValid() bool {
	switch s {
	case TripStatusUnknown, TripStatusFull, TripStatusAvailable:
		return true
	default:
		return false
	}
}

// Layouts used for trip dates and departure times.
const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"
)

// Validation limits for trip fields.
const (
	MaxStationNameLength    = 64
	MaxFareClassLength      = 32
	DefaultToleranceMinutes = 5
	MaxToleranceMinutes     = 120
)

// Trip field names, as reported by ValidationError.Field.
const (
	FieldOrigin      = "origin"
	FieldDestination = "destination"
	FieldDate        = "date"
	FieldDeparture   = "departure"
	FieldFareClass   = "fare_class"
	FieldOwner       = "owner"
)

// ErrNotFound is returned when a trip does not exist, is no longer active,
// or belongs to another user.
var ErrNotFound = errors.New("trip not found")

// ValidationError reports a malformed or missing trip field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Route is the origin and destination station of a journey.
type Route struct {
	Origin      string `json:"origin"`
	Destination string `json:"destination"`
}

func (r Route) String() string {
	return r.Origin + " → " + r.Destination
}

// Trip is a user-registered journey whose seat availability is monitored.
type Trip struct {
	ID      string `json:"id"`
	OwnerID string `json:"owner_id"`
	Route
	TravelDate       string `json:"travel_date"` // YYYY-MM-DD
	Departure        string `json:"departure"`   // HH:MM
	ToleranceMinutes int    `json:"tolerance_minutes"`
	FareClass        string `json:"fare_class,omitempty"`

	LastKnownStatus   TripStatus `json:"last_known_status"`
	LastCheckedAt     *time.Time `json:"last_checked_at,omitempty"`
	NotifiedForStatus TripStatus `json:"notified_for_status"`
	Active            bool       `json:"active"`
	CreatedAt         time.Time  `json:"created_at"`
}

// Validate checks the user-supplied fields of the trip. Monitoring fields
// are not inspected.
func (t *Trip) Validate() error {
	if strings.TrimSpace(t.OwnerID) == "" {
		return &ValidationError{Field: FieldOwner, Reason: "owner is required"}
	}
	if err := ValidateStation(FieldOrigin, t.Origin); err != nil {
		return err
	}
	if err := ValidateStation(FieldDestination, t.Destination); err != nil {
		return err
	}
	if strings.EqualFold(strings.TrimSpace(t.Origin), strings.TrimSpace(t.Destination)) {
		return &ValidationError{Field: FieldDestination, Reason: "destination must differ from origin"}
	}
	if _, err := time.Parse(DateLayout, t.TravelDate); err != nil {
		return &ValidationError{Field: FieldDate, Reason: "date must be YYYY-MM-DD"}
	}
	if _, err := time.Parse(TimeLayout, t.Departure); err != nil {
		return &ValidationError{Field: FieldDeparture, Reason: "departure must be HH:MM"}
	}
	if t.ToleranceMinutes < 0 || t.ToleranceMinutes > MaxToleranceMinutes {
		return &ValidationError{Field: FieldDeparture, Reason: fmt.Sprintf("tolerance must be between 0 and %d minutes", MaxToleranceMinutes)}
	}
	if len(t.FareClass) > MaxFareClassLength {
		return &ValidationError{Field: FieldFareClass, Reason: "fare class is too long"}
	}
	return nil
}

// ValidateStation checks a single station name.
func ValidateStation(field, name string) error {
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		return &ValidationError{Field: field, Reason: "station name is required"}
	case len(name) > MaxStationNameLength:
		return &ValidationError{Field: field, Reason: "station name is too long"}
	case strings.HasPrefix(name, "/"):
		return &ValidationError{Field: field, Reason: "station name cannot be a command"}
	}
	return nil
}

// Departed reports whether the trip's travel day is over at now. The date is
// interpreted in now's location.
func (t *Trip) Departed(now time.Time) bool {
	day, err := time.ParseInLocation(DateLayout, t.TravelDate, now.Location())
	if err != nil {
		return false
	}
	return !now.Before(day.AddDate(0, 0, 1))
}

// DisplayDate renders the travel date as dd/mm/YYYY.
func (t *Trip) DisplayDate() string {
	day, err := time.Parse(DateLayout, t.TravelDate)
	if err != nil {
		return t.TravelDate
	}
	return day.Format("02/01/2006")
}

// Summary is a one-line description used in lists and alerts.
func (t *Trip) Summary() string {
	s := fmt.Sprintf("%s | %s %s", t.Route, t.DisplayDate(), t.Departure)
	if t.FareClass != "" {
		s += " (" + t.FareClass + ")"
	}
	return s
}

// JourneyKey identifies the train a trip watches, ignoring the case of
// station and class names. Case folding follows Unicode, so "Ávila" and
// "ávila" share a key.
func (t *Trip) JourneyKey() string {
	return strings.Join([]string{
		strings.ToLower(strings.TrimSpace(t.Origin)),
		strings.ToLower(strings.TrimSpace(t.Destination)),
		t.TravelDate,
		t.Departure,
		strings.ToLower(strings.TrimSpace(t.FareClass)),
	}, "|")
}

// SameJourney reports whether two trips watch the same train for the same owner.
func (t *Trip) SameJourney(o *Trip) bool {
	return t.OwnerID == o.OwnerID && t.JourneyKey() == o.JourneyKey()
}

// StatusUpdate is a per-trip monitoring write. Nil pointers leave the
// corresponding column untouched.
type StatusUpdate struct {
	TripID      string
	CheckedAt   time.Time
	Status      *TripStatus
	NotifiedFor *TripStatus
	Deactivate  bool
}

// StatusPtr returns a pointer to s, for building StatusUpdate values.
func StatusPtr(s TripStatus) *TripStatus {
	return &s
}
