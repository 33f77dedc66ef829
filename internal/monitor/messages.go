package monitor

import (
	"fmt"
	"strings"

	"github.com/BTreeMap/SeatWatch/internal/models"
	"github.com/BTreeMap/SeatWatch/internal/probe"
)

// AvailabilityAlert renders the message sent when seats open up.
func AvailabilityAlert(trip models.Trip, res probe.Result) string {
	departure := res.Departure
	if departure == "" {
		departure = trip.Departure
	}
	arrival := res.Arrival
	if arrival == "" {
		arrival = "?"
	}

	var b strings.Builder
	b.WriteString("🎉 Good news: a train that was full now has free seats.\n\n")
	fmt.Fprintf(&b, "• %s\n", trip.Route)
	fmt.Fprintf(&b, "• %s, departure %s (arrival %s)\n", trip.DisplayDate(), departure, arrival)
	if trip.FareClass != "" {
		fmt.Fprintf(&b, "• Class: %s\n", trip.FareClass)
	}
	if res.URL != "" {
		fmt.Fprintf(&b, "\n%s\n", res.URL)
	}
	b.WriteString("\nBook it before it's gone! 🚄")
	return b.String()
}

// StopReason explains why a trip is no longer monitored.
type StopReason string

const (
	StopReasonNotFound StopReason = "not_found"
	StopReasonDeparted StopReason = "departed"
)

// StopNotice renders the message sent when monitoring of a trip ends.
func StopNotice(trip models.Trip, reason StopReason) string {
	switch reason {
	case StopReasonDeparted:
		return fmt.Sprintf("🛑 Monitoring finished for %s: the travel date has passed.", trip.Summary())
	default:
		return fmt.Sprintf("🛑 Monitoring stopped for %s: the train can no longer be found. Use /add to track another one.", trip.Summary())
	}
}

// cycleSummary renders one owner's trips and what the last cycle found.
func cycleSummary(results []tripResult) string {
	var b strings.Builder
	b.WriteString("📊 Check results:")
	for _, r := range results {
		fmt.Fprintf(&b, "\n%s %s - %s", outcomeIcon(r.outcome), r.trip.Summary(), outcomeLabel(r.outcome))
	}
	return b.String()
}

func outcomeIcon(o Outcome) string {
	switch o {
	case OutcomeAvailable, OutcomeNotified, OutcomeDeliveryFailed:
		return "✓"
	case OutcomeFull:
		return "✗"
	default:
		return "?"
	}
}

func outcomeLabel(o Outcome) string {
	switch o {
	case OutcomeFull:
		return "full"
	case OutcomeAvailable, OutcomeNotified, OutcomeDeliveryFailed:
		return "seats available"
	case OutcomePermanent:
		return "train not found, no longer monitored"
	case OutcomeDeparted:
		return "departed, no longer monitored"
	case OutcomeSkipped:
		return "skipped"
	default:
		return "could not check, will retry"
	}
}
