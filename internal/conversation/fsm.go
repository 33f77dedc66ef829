// Package conversation implements the chat state machine users drive to add,
// list and delete tracked trips.
package conversation

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/SeatWatch/internal/models"
)

// EffectKind names the store action a transition asks the controller to run.
type EffectKind int

const (
	// EffectReply only sends Effect.Reply.
	EffectReply EffectKind = iota
	// EffectSave adds Effect.Draft as a new trip.
	EffectSave
	// EffectList lists the user's trips.
	EffectList
	// EffectStartDelete lists the user's trips and awaits a selection.
	EffectStartDelete
	// EffectDelete deletes Effect.TripID.
	EffectDelete
	// EffectSearch looks up the trains of the draft's route and date. Reply
	// is the prompt to send when no search is possible.
	EffectSearch
)

// Effect is the side effect requested by a transition.
type Effect struct {
	Kind   EffectKind
	Reply  string
	Draft  models.TripDraft
	TripID string
}

var cancelWords = map[string]bool{
	"stop":    true,
	"/stop":   true,
	"cancel":  true,
	"/cancel": true,
}

var yesWords = map[string]bool{"yes": true, "y": true, "si": true, "sí": true, "ok": true}
var noWords = map[string]bool{"no": true, "n": true}

// dateLayouts are the accepted travel date formats.
var dateLayouts = []string{"02/01/2006", models.DateLayout}

func idle(userID string) models.ConversationState {
	return models.ConversationState{UserID: userID, Step: models.StepIdle}
}

// Transition computes the next state for input. It has no side effects:
// store work is described by the returned Effect. now is used to reject
// dates in the past, in now's location.
func Transition(state models.ConversationState, input string, now time.Time) (models.ConversationState, Effect) {
	text := strings.TrimSpace(input)
	word := strings.ToLower(text)

	if cancelWords[word] {
		return idle(state.UserID), Effect{Reply: cancelledText}
	}
	if next, eff, ok := command(state, word); ok {
		return next, eff
	}

	switch state.Step {
	case models.StepAwaitOrigin:
		if err := models.ValidateStation(models.FieldOrigin, text); err != nil {
			return state, Effect{Reply: reprompt(err, askOriginText)}
		}
		state.Draft.Origin = text
		state.Step = models.StepAwaitDestination
		return state, Effect{Reply: askDestinationText}

	case models.StepAwaitDestination:
		if err := models.ValidateStation(models.FieldDestination, text); err != nil {
			return state, Effect{Reply: reprompt(err, askDestinationText)}
		}
		if strings.EqualFold(text, state.Draft.Origin) {
			return state, Effect{Reply: "⚠️ The destination must be different from the origin.\n" + askDestinationText}
		}
		state.Draft.Destination = text
		state.Step = models.StepAwaitDate
		return state, Effect{Reply: askDateText}

	case models.StepAwaitDate:
		date, err := parseTravelDate(text, now)
		if err != nil {
			return state, Effect{Reply: reprompt(err, askDateText)}
		}
		state.Draft.TravelDate = date
		state.Draft.Options = nil
		state.Step = models.StepAwaitClass
		return state, Effect{Kind: EffectSearch, Reply: askClassText}

	case models.StepAwaitClass:
		departure, class, err := parseDepartureAndClass(text)
		if err != nil {
			return state, Effect{Reply: reprompt(err, askClassText)}
		}
		state.Draft.Departure = departure
		state.Draft.FareClass = class
		state.Step = models.StepConfirm
		return state, Effect{Reply: confirmText(state.Draft)}

	case models.StepAwaitTrain:
		return pickTrain(state, text)

	case models.StepConfirm:
		switch {
		case yesWords[word]:
			return state, Effect{Kind: EffectSave, Draft: state.Draft}
		case noWords[word]:
			return idle(state.UserID), Effect{Reply: discardedText}
		default:
			return state, Effect{Reply: "Please answer yes or no.\n\n" + confirmText(state.Draft)}
		}

	case models.StepAwaitSelection:
		n, err := strconv.Atoi(text)
		if err != nil || n < 1 || n > len(state.Choices) {
			return state, Effect{Reply: fmt.Sprintf("⚠️ Send a number between 1 and %d, or stop to cancel.", len(state.Choices))}
		}
		return idle(state.UserID), Effect{Kind: EffectDelete, TripID: state.Choices[n-1]}

	default:
		return idle(state.UserID), Effect{Reply: idleHintText}
	}
}

// command handles the slash commands, which work from any step and abandon
// the current flow.
func command(state models.ConversationState, word string) (models.ConversationState, Effect, bool) {
	switch word {
	case "/start":
		return idle(state.UserID), Effect{Reply: greetText}, true
	case "/h", "/help":
		return idle(state.UserID), Effect{Reply: helpText}, true
	case "/m", "/add":
		next := idle(state.UserID)
		next.Step = models.StepAwaitOrigin
		return next, Effect{Reply: askOriginText}, true
	case "/list":
		return idle(state.UserID), Effect{Kind: EffectList}, true
	case "/delete":
		return idle(state.UserID), Effect{Kind: EffectStartDelete}, true
	}
	return state, Effect{}, false
}

// AfterValidationError returns the step that owns the invalid field, with
// that field cleared and every other draft field kept.
func AfterValidationError(state models.ConversationState, verr *models.ValidationError) (models.ConversationState, string) {
	msg := "⚠️ " + capitalize(verr.Reason) + ".\n"
	switch verr.Field {
	case models.FieldOrigin:
		state.Draft.Origin = ""
		state.Step = models.StepAwaitOrigin
		return state, msg + askOriginText
	case models.FieldDestination:
		state.Draft.Destination = ""
		state.Step = models.StepAwaitDestination
		return state, msg + askDestinationText
	case models.FieldDate:
		state.Draft.TravelDate = ""
		state.Step = models.StepAwaitDate
		return state, msg + askDateText
	case models.FieldDeparture, models.FieldFareClass:
		state.Draft.Departure = ""
		state.Draft.FareClass = ""
		if len(state.Draft.Options) > 0 {
			state.Step = models.StepAwaitTrain
			return state, msg + trainListText(state.Draft)
		}
		state.Step = models.StepAwaitClass
		return state, msg + askClassText
	default:
		return idle(state.UserID), msg + "The trip was not saved."
	}
}

// pickTrain reads a train choice, given as its list number or its departure
// time, optionally followed by the class. A train that already has seats is
// not tracked.
func pickTrain(state models.ConversationState, text string) (models.ConversationState, Effect) {
	options := state.Draft.Options
	if len(options) == 0 {
		state.Step = models.StepAwaitClass
		return state, Effect{Reply: askClassText}
	}
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return state, Effect{Reply: pickTrainHint(len(options))}
	}

	var chosen *models.TrainOption
	if n, err := strconv.Atoi(fields[0]); err == nil {
		if n < 1 || n > len(options) {
			return state, Effect{Reply: pickTrainHint(len(options))}
		}
		chosen = &options[n-1]
	} else if dep, err := time.Parse(models.TimeLayout, fields[0]); err == nil {
		for i := range options {
			if options[i].Departure == dep.Format(models.TimeLayout) {
				chosen = &options[i]
				break
			}
		}
		if chosen == nil {
			return state, Effect{Reply: "⚠️ No train leaves at " + dep.Format(models.TimeLayout) + ".\n" + trainListText(state.Draft)}
		}
	} else {
		return state, Effect{Reply: pickTrainHint(len(options))}
	}

	class := strings.Join(fields[1:], " ")
	if len(class) > models.MaxFareClassLength {
		return state, Effect{Reply: "⚠️ Fare class is too long.\n" + pickTrainHint(len(options))}
	}

	if chosen.Status == models.TripStatusAvailable {
		return idle(state.UserID), Effect{Reply: alreadyAvailableText(state.Draft, *chosen)}
	}
	state.Draft.Departure = chosen.Departure
	state.Draft.FareClass = class
	state.Step = models.StepConfirm
	return state, Effect{Reply: confirmText(state.Draft)}
}

func parseTravelDate(text string, now time.Time) (string, error) {
	for _, layout := range dateLayouts {
		day, err := time.ParseInLocation(layout, text, now.Location())
		if err != nil {
			continue
		}
		today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		if day.Before(today) {
			return "", &models.ValidationError{Field: models.FieldDate, Reason: "that date is in the past"}
		}
		return day.Format(models.DateLayout), nil
	}
	return "", &models.ValidationError{Field: models.FieldDate, Reason: "use the format dd/mm/YYYY"}
}

func parseDepartureAndClass(text string) (string, string, error) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "", "", &models.ValidationError{Field: models.FieldDeparture, Reason: "departure time is required"}
	}
	dep, err := time.Parse(models.TimeLayout, fields[0])
	if err != nil {
		return "", "", &models.ValidationError{Field: models.FieldDeparture, Reason: "use the format HH:MM"}
	}
	class := strings.Join(fields[1:], " ")
	if len(class) > models.MaxFareClassLength {
		return "", "", &models.ValidationError{Field: models.FieldFareClass, Reason: "fare class is too long"}
	}
	return dep.Format(models.TimeLayout), class, nil
}

func reprompt(err error, prompt string) string {
	if verr, ok := err.(*models.ValidationError); ok {
		return "⚠️ " + capitalize(verr.Reason) + ".\n" + prompt
	}
	return prompt
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
