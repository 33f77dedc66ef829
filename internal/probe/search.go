package probe

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/BTreeMap/SeatWatch/internal/models"
	"github.com/tidwall/gjson"
)

// Compile-time check that HTTPProbe implements TrainSearcher.
var _ TrainSearcher = (*HTTPProbe)(nil)

// TrainSearcher lists the trains running on a route on a given day.
type TrainSearcher interface {
	Search(ctx context.Context, route models.Route, travelDate string) ([]models.TrainOption, error)
}

// Search asks the scraper for every train on route on travelDate
// (YYYY-MM-DD). The service answers GET {baseURL}/trains with
//
//	{"trains": [{"departure": "07:30", "arrival": "10:12", "status": "LLENO"}, ...]}
//
// Trains are returned in the scraper's order. An empty list is not an error.
func (p *HTTPProbe) Search(ctx context.Context, route models.Route, travelDate string) ([]models.TrainOption, error) {
	day, err := time.Parse(models.DateLayout, travelDate)
	if err != nil {
		return nil, Permanentf("invalid travel date %q", travelDate)
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, Transientf("rate limiter: %v", err)
	}

	q := url.Values{}
	q.Set("origin", route.Origin)
	q.Set("destination", route.Destination)
	q.Set("date", day.Format("02/01/2006"))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/trains?"+q.Encode(), nil)
	if err != nil {
		return nil, Permanentf("build request: %v", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, Transientf("request failed: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, Transientf("read body: %v", err)
	}
	if err := classifyStatusCode(resp.StatusCode, body); err != nil {
		slog.Debug("HTTPProbe.Search: unexpected status code", "route", route.String(), "code", resp.StatusCode)
		return nil, err
	}
	return parseTrains(body)
}

func parseTrains(body []byte) ([]models.TrainOption, error) {
	if !gjson.ValidBytes(body) {
		return nil, Transientf("invalid JSON response")
	}
	list := gjson.GetBytes(body, "trains")
	if list.Exists() && !list.IsArray() {
		return nil, Transientf("trains is not a list")
	}

	var trains []models.TrainOption
	var parseErr error
	list.ForEach(func(_, item gjson.Result) bool {
		dep, err := time.Parse(models.TimeLayout, strings.TrimSpace(item.Get("departure").String()))
		if err != nil {
			parseErr = fmt.Errorf("train %d: bad departure %q", len(trains)+1, item.Get("departure").String())
			return false
		}
		trains = append(trains, models.TrainOption{
			Departure: dep.Format(models.TimeLayout),
			Arrival:   strings.TrimSpace(item.Get("arrival").String()),
			Status:    trainStatus(item.Get("status").String()),
		})
		return true
	})
	if parseErr != nil {
		return nil, Transientf("%v", parseErr)
	}
	return trains, nil
}

func trainStatus(s string) models.TripStatus {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "OK", "AVAILABLE":
		return models.TripStatusAvailable
	case "LLENO", "FULL":
		return models.TripStatusFull
	default:
		return models.TripStatusUnknown
	}
}
