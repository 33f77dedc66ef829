// Package testutil provides shared helpers for SeatWatch tests that exercise
// more than one package, such as an API server backed by a seeded store.
package testutil

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BTreeMap/SeatWatch/internal/api"
	"github.com/BTreeMap/SeatWatch/internal/models"
	"github.com/BTreeMap/SeatWatch/internal/store"
	"github.com/tidwall/gjson"
)

// TestingT is the subset of testing.TB the assertion helpers need.
type TestingT interface {
	Helper()
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}

// NewTestServer starts an httptest server for the operator API over st and
// closes it when the test ends.
func NewTestServer(t *testing.T, st store.TripStore, opts ...api.Option) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(api.NewServer(st, opts...).Handler())
	t.Cleanup(srv.Close)
	return srv
}

// NewTrip returns a valid trip owned by owner; override fields as needed.
func NewTrip(owner, origin, destination string) models.Trip {
	return models.Trip{
		OwnerID:          owner,
		Route:            models.Route{Origin: origin, Destination: destination},
		TravelDate:       "2024-05-01",
		Departure:        "07:30",
		ToleranceMinutes: 0,
	}
}

// SeedTrip adds trip to st and returns its ID, failing the test on error.
func SeedTrip(t TestingT, st store.TripStore, trip models.Trip) string {
	t.Helper()
	id, err := st.AddTrip(context.Background(), trip)
	if err != nil {
		t.Fatalf("SeedTrip: %v", err)
	}
	return id
}

// AssertHTTPStatus reports a mismatch between expected and actual status codes.
func AssertHTTPStatus(t TestingT, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse parses body as an API envelope, checks its status field
// and returns the parsed document for further queries.
func AssertJSONResponse(t TestingT, body []byte, expectedStatus string) gjson.Result {
	t.Helper()
	if !gjson.ValidBytes(body) {
		t.Fatalf("response is not valid JSON: %q", body)
		return gjson.Result{}
	}
	doc := gjson.ParseBytes(body)
	status := doc.Get("status")
	switch {
	case !status.Exists():
		t.Errorf("response missing 'status' field: %s", body)
	case status.String() != expectedStatus:
		t.Errorf("expected status %q, got %q", expectedStatus, status.String())
	}
	return doc
}

// GetJSON performs a GET against url and returns the status code and body.
func GetJSON(t TestingT, client *http.Client, url string) (int, []byte) {
	t.Helper()
	resp, err := client.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
		return 0, nil
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read %s: %v", url, err)
	}
	return resp.StatusCode, body
}
