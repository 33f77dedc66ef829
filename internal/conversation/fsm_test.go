package conversation

import (
	"strings"
	"testing"

	"github.com/BTreeMap/SeatWatch/internal/models"
	"github.com/stretchr/testify/assert"
)

func at(s models.ConversationStep, d models.TripDraft) models.ConversationState {
	return models.ConversationState{UserID: user, Step: s, Draft: d}
}

func TestTransitionStationValidation(t *testing.T) {
	next, eff := Transition(at(models.StepAwaitOrigin, models.TripDraft{}), "   ", today)
	assert.Equal(t, models.StepAwaitOrigin, next.Step)
	assert.Contains(t, eff.Reply, "Station name is required")

	next, eff = Transition(at(models.StepAwaitOrigin, models.TripDraft{}), "/foo", today)
	assert.Equal(t, models.StepAwaitOrigin, next.Step)
	assert.Contains(t, eff.Reply, "cannot be a command")

	next, eff = Transition(at(models.StepAwaitDestination, models.TripDraft{Origin: "Madrid"}), "madrid", today)
	assert.Equal(t, models.StepAwaitDestination, next.Step)
	assert.Contains(t, eff.Reply, "different from the origin")
}

func TestTransitionDates(t *testing.T) {
	tests := []struct {
		input string
		want  string
		ok    bool
	}{
		{"01/05/2024", "2024-05-01", true},
		{"2024-05-01", "2024-05-01", true},
		{"20/04/2024", "2024-04-20", true},
		{"19/04/2024", "", false},
		{"31/02/2024", "", false},
		{"tomorrow", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			next, eff := Transition(at(models.StepAwaitDate, models.TripDraft{Origin: "A", Destination: "B"}), tt.input, today)
			if !tt.ok {
				assert.Equal(t, models.StepAwaitDate, next.Step)
				assert.Contains(t, eff.Reply, askDateText)
				return
			}
			assert.Equal(t, models.StepAwaitClass, next.Step)
			assert.Equal(t, tt.want, next.Draft.TravelDate)
		})
	}
}

func TestTransitionDepartureAndClass(t *testing.T) {
	tests := []struct {
		input     string
		departure string
		class     string
		ok        bool
	}{
		{"07:30", "07:30", "", true},
		{"7:05 preferente", "07:05", "preferente", true},
		{"18:00 turista plus", "18:00", "turista plus", true},
		{"25:00", "", "", false},
		{"soon", "", "", false},
		{"07:30 " + strings.Repeat("x", 40), "", "", false},
	}
	for _, tt := range tests {
		next, eff := Transition(at(models.StepAwaitClass, models.TripDraft{}), tt.input, today)
		if !tt.ok {
			assert.Equal(t, models.StepAwaitClass, next.Step, tt.input)
			continue
		}
		assert.Equal(t, models.StepConfirm, next.Step, tt.input)
		assert.Equal(t, tt.departure, next.Draft.Departure)
		assert.Equal(t, tt.class, next.Draft.FareClass)
		assert.Contains(t, eff.Reply, "yes or no")
	}
}

func TestTransitionConfirmEffects(t *testing.T) {
	draft := models.TripDraft{Origin: "A", Destination: "B", TravelDate: "2024-05-01", Departure: "07:30"}
	for _, word := range []string{"yes", "Y", "si", "sí", "OK"} {
		_, eff := Transition(at(models.StepConfirm, draft), word, today)
		assert.Equal(t, EffectSave, eff.Kind, word)
		assert.Equal(t, draft, eff.Draft)
	}
	next, eff := Transition(at(models.StepConfirm, draft), "n", today)
	assert.Equal(t, EffectReply, eff.Kind)
	assert.Equal(t, models.StepIdle, next.Step)
	assert.Empty(t, next.Draft)
}

func TestTransitionSelection(t *testing.T) {
	state := at(models.StepAwaitSelection, models.TripDraft{})
	state.Choices = []string{"a", "b"}

	_, eff := Transition(state, " 2 ", today)
	assert.Equal(t, EffectDelete, eff.Kind)
	assert.Equal(t, "b", eff.TripID)

	for _, bad := range []string{"0", "3", "two", "-1"} {
		next, eff := Transition(state, bad, today)
		assert.Equal(t, EffectReply, eff.Kind, bad)
		assert.Equal(t, models.StepAwaitSelection, next.Step, bad)
	}
}

func TestAfterValidationError(t *testing.T) {
	full := models.TripDraft{Origin: "A", Destination: "B", TravelDate: "2024-05-01", Departure: "07:30", FareClass: "turista"}
	tests := []struct {
		field string
		want  models.ConversationStep
		check func(t *testing.T, d models.TripDraft)
	}{
		{models.FieldOrigin, models.StepAwaitOrigin, func(t *testing.T, d models.TripDraft) {
			assert.Empty(t, d.Origin)
			assert.Equal(t, "B", d.Destination)
		}},
		{models.FieldDestination, models.StepAwaitDestination, func(t *testing.T, d models.TripDraft) {
			assert.Empty(t, d.Destination)
			assert.Equal(t, "A", d.Origin)
		}},
		{models.FieldDate, models.StepAwaitDate, func(t *testing.T, d models.TripDraft) {
			assert.Empty(t, d.TravelDate)
			assert.Equal(t, "07:30", d.Departure)
		}},
		{models.FieldFareClass, models.StepAwaitClass, func(t *testing.T, d models.TripDraft) {
			assert.Empty(t, d.FareClass)
			assert.Equal(t, "2024-05-01", d.TravelDate)
		}},
		{models.FieldOwner, models.StepIdle, func(t *testing.T, d models.TripDraft) {
			assert.Empty(t, d)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			next, text := AfterValidationError(at(models.StepConfirm, full), &models.ValidationError{Field: tt.field, Reason: "bad"})
			assert.Equal(t, tt.want, next.Step)
			assert.Contains(t, text, "Bad.")
			tt.check(t, next.Draft)
		})
	}
}

func TestTransitionDateRequestsSearch(t *testing.T) {
	draft := models.TripDraft{Origin: "A", Destination: "B", Options: []models.TrainOption{{Departure: "06:00"}}}
	next, eff := Transition(at(models.StepAwaitDate, draft), "01/05/2024", today)
	assert.Equal(t, EffectSearch, eff.Kind)
	assert.Equal(t, askClassText, eff.Reply)
	assert.Empty(t, next.Draft.Options, "a new date drops the previous search")
}

func TestTransitionPickTrain(t *testing.T) {
	draft := models.TripDraft{
		Origin: "Madrid", Destination: "Barcelona", TravelDate: "2024-05-01",
		Options: []models.TrainOption{
			{Departure: "07:30", Arrival: "10:12", Status: models.TripStatusFull},
			{Departure: "08:05", Arrival: "10:50", Status: models.TripStatusAvailable},
			{Departure: "09:00", Status: models.TripStatusUnknown},
		},
	}
	tests := []struct {
		input     string
		wantStep  models.ConversationStep
		departure string
		class     string
		reply     string
	}{
		{"1", models.StepConfirm, "07:30", "", "yes or no"},
		{"1 turista", models.StepConfirm, "07:30", "turista", "(turista)"},
		{"7:30", models.StepConfirm, "07:30", "", "yes or no"},
		{"3", models.StepConfirm, "09:00", "", "yes or no"},
		{"2", models.StepIdle, "", "", "You can book it now"},
		{"08:05 preferente", models.StepIdle, "", "", "not full"},
		{"4", models.StepAwaitTrain, "", "", "between 1 and 3"},
		{"0", models.StepAwaitTrain, "", "", "between 1 and 3"},
		{"12:00", models.StepAwaitTrain, "", "", "No train leaves at 12:00"},
		{"the first", models.StepAwaitTrain, "", "", "between 1 and 3"},
		{"1 " + strings.Repeat("x", 40), models.StepAwaitTrain, "", "", "too long"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			next, eff := Transition(at(models.StepAwaitTrain, draft), tt.input, today)
			assert.Equal(t, EffectReply, eff.Kind)
			assert.Equal(t, tt.wantStep, next.Step)
			assert.Contains(t, eff.Reply, tt.reply)
			if tt.wantStep == models.StepConfirm {
				assert.Equal(t, tt.departure, next.Draft.Departure)
				assert.Equal(t, tt.class, next.Draft.FareClass)
			}
		})
	}
}

func TestTransitionPickTrainWithoutOptions(t *testing.T) {
	next, eff := Transition(at(models.StepAwaitTrain, models.TripDraft{Origin: "A"}), "1", today)
	assert.Equal(t, models.StepAwaitClass, next.Step)
	assert.Equal(t, askClassText, eff.Reply)
}

func TestAfterValidationErrorReturnsToTrainList(t *testing.T) {
	draft := models.TripDraft{
		Origin: "A", Destination: "B", TravelDate: "2024-05-01", Departure: "07:30",
		Options: []models.TrainOption{{Departure: "07:30", Status: models.TripStatusFull}},
	}
	next, text := AfterValidationError(at(models.StepConfirm, draft), &models.ValidationError{Field: models.FieldDeparture, Reason: "bad"})
	assert.Equal(t, models.StepAwaitTrain, next.Step)
	assert.Empty(t, next.Draft.Departure)
	assert.Contains(t, text, "1. ✗ 07:30")
}
