package probe

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/SeatWatch/internal/models"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

// Default HTTPProbe settings.
const (
	DefaultRatePerMinute = 20
	maxResponseBytes     = 1 << 20
)

// HTTPProbe asks a scraper service for the status of a train. The service
// answers GET {baseURL}/availability with a JSON object such as
//
//	{"status": "LLENO", "departure": "07:30", "arrival": "10:12", "url": "..."}
//
// Requests are paced by a token bucket shared by every caller.
type HTTPProbe struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

// Compile-time check that HTTPProbe implements AvailabilityProbe.
var _ AvailabilityProbe = (*HTTPProbe)(nil)

// HTTPOpts holds configuration for an HTTPProbe.
type HTTPOpts struct {
	Client        *http.Client
	RatePerMinute int
}

// HTTPOption configures an HTTPProbe.
type HTTPOption func(*HTTPOpts)

// WithHTTPClient sets the client used for requests.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(o *HTTPOpts) {
		o.Client = c
	}
}

// WithRatePerMinute caps the number of requests sent per minute.
func WithRatePerMinute(n int) HTTPOption {
	return func(o *HTTPOpts) {
		o.RatePerMinute = n
	}
}

// NewHTTPProbe creates a probe for the scraper service at baseURL.
func NewHTTPProbe(baseURL string, opts ...HTTPOption) (*HTTPProbe, error) {
	cfg := HTTPOpts{RatePerMinute: DefaultRatePerMinute}
	for _, opt := range opts {
		opt(&cfg)
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid probe URL %q: %w", baseURL, err)
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = DefaultRatePerMinute
	}
	slog.Debug("NewHTTPProbe", "baseURL", baseURL, "ratePerMinute", cfg.RatePerMinute)
	return &HTTPProbe{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  cfg.Client,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RatePerMinute)), 1),
	}, nil
}

func (p *HTTPProbe) requestURL(trip models.Trip) string {
	q := url.Values{}
	q.Set("origin", trip.Origin)
	q.Set("destination", trip.Destination)
	q.Set("date", trip.DisplayDate())
	q.Set("departure", trip.Departure)
	q.Set("tolerance", strconv.Itoa(trip.ToleranceMinutes))
	if trip.FareClass != "" {
		q.Set("class", trip.FareClass)
	}
	return p.baseURL + "/availability?" + q.Encode()
}

// Check queries the scraper for trip. It waits for the rate limiter, so the
// caller's context deadline covers the queueing time too.
func (p *HTTPProbe) Check(ctx context.Context, trip models.Trip) (Result, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return Result{}, Transientf("rate limiter: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.requestURL(trip), nil)
	if err != nil {
		return Result{}, Permanentf("build request: %v", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return Result{}, Transientf("request failed: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Result{}, Transientf("read body: %v", err)
	}

	if err := classifyStatusCode(resp.StatusCode, body); err != nil {
		slog.Debug("HTTPProbe.Check: unexpected status code", "tripID", trip.ID, "code", resp.StatusCode)
		return Result{}, err
	}
	return parseResult(body)
}

// classifyStatusCode maps HTTP failures. Only answers about the queried
// train are permanent: 410, 422, or a 4xx body whose status says the train
// was not found. Any other failure, auth errors and anti-bot blocks
// included, says nothing about the trip and is transient.
func classifyStatusCode(code int, body []byte) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusGone, code == http.StatusUnprocessableEntity:
		return Permanentf("scraper returned %d", code)
	case code >= 400 && code < 500 && notFoundBody(body):
		return Permanentf("scraper returned %d: train not found", code)
	default:
		return Transientf("scraper returned %d", code)
	}
}

func notFoundBody(body []byte) bool {
	if !gjson.ValidBytes(body) {
		return false
	}
	return isNotFound(gjson.GetBytes(body, "status").String())
}

func isNotFound(status string) bool {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "NO_ENCONTRADO", "NOT_FOUND":
		return true
	}
	return false
}

// parseResult reads the scraper's JSON answer.
func parseResult(body []byte) (Result, error) {
	if !gjson.ValidBytes(body) {
		return Result{}, Transientf("invalid JSON response")
	}
	doc := gjson.ParseBytes(body)
	res := Result{
		Departure: doc.Get("departure").String(),
		Arrival:   doc.Get("arrival").String(),
		URL:       doc.Get("url").String(),
	}

	status := strings.ToUpper(strings.TrimSpace(doc.Get("status").String()))
	switch status {
	case "OK", "AVAILABLE":
		res.Status = models.TripStatusAvailable
	case "LLENO", "FULL":
		res.Status = models.TripStatusFull
	case "NO_ENCONTRADO", "NOT_FOUND":
		return Result{}, Permanentf("train not found")
	case "DESCONOCIDO", "UNKNOWN", "":
		return Result{}, Transientf("status not readable")
	default:
		return Result{}, Transientf("unrecognised status %q", status)
	}
	return res, nil
}
