package models

import "time"

// ConversationStep identifies where a user is in a multi-step chat flow.
type ConversationStep string

const (
	StepIdle             ConversationStep = "IDLE"
	StepAwaitOrigin      ConversationStep = "AWAIT_ORIGIN"
	StepAwaitDestination ConversationStep = "AWAIT_DESTINATION"
	StepAwaitDate        ConversationStep = "AWAIT_DATE"
	StepAwaitClass       ConversationStep = "AWAIT_CLASS"
	StepAwaitTrain       ConversationStep = "AWAIT_TRAIN"
	StepConfirm          ConversationStep = "CONFIRM"
	StepAwaitSelection   ConversationStep = "AWAIT_SELECTION"
)

// TripDraft holds the trip fields collected so far by the add-trip wizard.
type TripDraft struct {
	Origin      string `json:"origin,omitempty"`
	Destination string `json:"destination,omitempty"`
	TravelDate  string `json:"travel_date,omitempty"`
	Departure   string `json:"departure,omitempty"`
	FareClass   string `json:"fare_class,omitempty"`
	// Options are the trains found for the route and date, in display order.
	Options []TrainOption `json:"options,omitempty"`
}

// TrainOption is one train offered by the booking source for a route and date.
type TrainOption struct {
	Departure string     `json:"departure"`
	Arrival   string     `json:"arrival,omitempty"`
	Status    TripStatus `json:"status"`
}

// Line renders the option for a numbered list.
func (o TrainOption) Line() string {
	icon := "?"
	switch o.Status {
	case TripStatusAvailable:
		icon = "✓"
	case TripStatusFull:
		icon = "✗"
	}
	arrival := o.Arrival
	if arrival == "" {
		arrival = "?"
	}
	return icon + " " + o.Departure + " - " + arrival + " " + string(o.Status)
}

// Trip converts the draft into a trip owned by ownerID.
func (d TripDraft) Trip(ownerID string) Trip {
	return Trip{
		OwnerID:          ownerID,
		Route:            Route{Origin: d.Origin, Destination: d.Destination},
		TravelDate:       d.TravelDate,
		Departure:        d.Departure,
		ToleranceMinutes: DefaultToleranceMinutes,
		FareClass:        d.FareClass,
	}
}

// ConversationState is the per-user state of the chat controller.
type ConversationState struct {
	UserID string           `json:"user_id"`
	Step   ConversationStep `json:"step"`
	Draft  TripDraft        `json:"draft"`
	// Choices are the trip IDs shown by the delete flow, in display order.
	Choices   []string  `json:"choices,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}
