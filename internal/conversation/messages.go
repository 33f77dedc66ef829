package conversation

import (
	"fmt"
	"strings"

	"github.com/BTreeMap/SeatWatch/internal/models"
)

const greetText = "Welcome to SeatWatch 👋\n\n" +
	"I watch full trains and message you as soon as seats open up.\n" +
	"Commands:\n" +
	"• /add - track a new trip\n" +
	"• /list - show your tracked trips\n" +
	"• /delete - stop tracking a trip\n" +
	"• /help - help\n" +
	"• Send stop to cancel at any time"

const helpText = "SeatWatch help\n\n" +
	"• /add (or /m) - track a trip\n" +
	"• /list - show tracked trips\n" +
	"• /delete - remove a trip\n" +
	"• /stop - cancel the current conversation\n\n" +
	"Adding a trip:\n" +
	"1. Tell me the origin and destination station, as written on the booking site.\n" +
	"2. Give the travel date (dd/mm/YYYY).\n" +
	"3. Pick your train from the list by its number, optionally followed by the class.\n" +
	"4. Confirm.\n\n" +
	"I check your trips periodically and message you when a full train has free seats. 🚄"

const (
	askOriginText      = "🚉 Which station do you leave from?"
	askDestinationText = "🏁 Which station are you going to?"
	askDateText        = "📅 On which date? (dd/mm/YYYY)"
	askClassText       = "🕖 What is the departure time? (HH:MM, optionally followed by the class, e.g. 07:30 turista)"
	cancelledText      = "Cancelled. Send /help to see what I can do."
	discardedText      = "OK, the trip was not saved."
	idleHintText       = "I did not understand that. Send /add to track a trip or /help for help."
	noTripsText        = "You have no tracked trips."
	deletedText        = "🗑️ Trip deleted."
	notFoundText       = "⚠️ That trip no longer exists."
	storeFailureText   = "⚠️ Something went wrong on my side, please try again later."
	expiredText        = "Your previous conversation expired, so I started over."
	searchFailedText   = "⚠️ I could not search the trains right now."
	noTrainsText       = "No trains found for that route and date."
)

func confirmText(d models.TripDraft) string {
	trip := d.Trip("")
	return "Track this trip?\n\n" + trip.Summary() + "\n\nAnswer yes or no."
}

func savedText(id string, trip models.Trip) string {
	return fmt.Sprintf("✅ Tracking %s (ID %s). I'll message you as soon as seats open up.", trip.Summary(), id)
}

func tripListText(header string, trips []models.Trip) string {
	var b strings.Builder
	b.WriteString(header)
	for i, trip := range trips {
		fmt.Fprintf(&b, "\n%d. %s", i+1, trip.Summary())
	}
	return b.String()
}

func trainListText(d models.TripDraft) string {
	trip := d.Trip("")
	var b strings.Builder
	fmt.Fprintf(&b, "🚆 Trains %s on %s:", trip.Route, trip.DisplayDate())
	for i, o := range d.Options {
		fmt.Fprintf(&b, "\n%d. %s", i+1, o.Line())
	}
	b.WriteString("\n\nSend the number of the train to track, optionally followed by the class (e.g. 2 turista). Send stop to cancel.")
	return b.String()
}

func pickTrainHint(n int) string {
	return fmt.Sprintf("⚠️ Send a train number between 1 and %d, or stop to cancel.", n)
}

func alreadyAvailableText(d models.TripDraft, o models.TrainOption) string {
	trip := d.Trip("")
	arrival := o.Arrival
	if arrival == "" {
		arrival = "?"
	}
	return fmt.Sprintf("ℹ️ The %s train %s on %s (arrival %s) is not full. ✅ You can book it now, so I did not start tracking it.",
		o.Departure, trip.Route, trip.DisplayDate(), arrival)
}
