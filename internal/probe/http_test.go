package probe

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BTreeMap/SeatWatch/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTrip() models.Trip {
	return models.Trip{
		ID:               "t1",
		OwnerID:          "42",
		Route:            models.Route{Origin: "Madrid", Destination: "Barcelona"},
		TravelDate:       "2024-05-01",
		Departure:        "07:30",
		ToleranceMinutes: 5,
		FareClass:        "turista",
	}
}

func newProbe(t *testing.T, handler http.HandlerFunc) *HTTPProbe {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	p, err := NewHTTPProbe(srv.URL, WithRatePerMinute(6000), WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	return p
}

func TestHTTPProbeRequest(t *testing.T) {
	var got *http.Request
	p := newProbe(t, func(w http.ResponseWriter, r *http.Request) {
		got = r
		w.Write([]byte(`{"status":"OK","departure":"07:32","arrival":"10:15"}`))
	})

	res, err := p.Check(context.Background(), sampleTrip())
	require.NoError(t, err)
	assert.Equal(t, models.TripStatusAvailable, res.Status)
	assert.Equal(t, "07:32", res.Departure)
	assert.Equal(t, "10:15", res.Arrival)

	require.NotNil(t, got)
	assert.Equal(t, "/availability", got.URL.Path)
	q := got.URL.Query()
	assert.Equal(t, "Madrid", q.Get("origin"))
	assert.Equal(t, "Barcelona", q.Get("destination"))
	assert.Equal(t, "01/05/2024", q.Get("date"))
	assert.Equal(t, "07:30", q.Get("departure"))
	assert.Equal(t, "5", q.Get("tolerance"))
	assert.Equal(t, "turista", q.Get("class"))
}

func TestHTTPProbeClassification(t *testing.T) {
	tests := []struct {
		name       string
		code       int
		body       string
		wantStatus models.TripStatus
		wantErr    error
	}{
		{name: "available", code: 200, body: `{"status":"AVAILABLE"}`, wantStatus: models.TripStatusAvailable},
		{name: "full spanish", code: 200, body: `{"status":"LLENO"}`, wantStatus: models.TripStatusFull},
		{name: "full", code: 200, body: `{"status":"full"}`, wantStatus: models.TripStatusFull},
		{name: "not found", code: 200, body: `{"status":"NO_ENCONTRADO"}`, wantErr: ErrPermanent},
		{name: "unknown", code: 200, body: `{"status":"DESCONOCIDO"}`, wantErr: ErrTransient},
		{name: "missing status", code: 200, body: `{}`, wantErr: ErrTransient},
		{name: "garbage", code: 200, body: `<html>`, wantErr: ErrTransient},
		{name: "gone", code: 410, body: ``, wantErr: ErrPermanent},
		{name: "unprocessable", code: 422, body: ``, wantErr: ErrPermanent},
		{name: "not found body", code: 404, body: `{"status":"NOT_FOUND"}`, wantErr: ErrPermanent},
		{name: "wrong path", code: 404, body: `404 page not found`, wantErr: ErrTransient},
		{name: "bad request", code: 400, body: ``, wantErr: ErrTransient},
		{name: "unauthorized", code: 401, body: ``, wantErr: ErrTransient},
		{name: "blocked", code: 403, body: `<html>Access Denied</html>`, wantErr: ErrTransient},
		{name: "throttled", code: 429, body: ``, wantErr: ErrTransient},
		{name: "timeout", code: 408, body: ``, wantErr: ErrTransient},
		{name: "server error", code: 502, body: ``, wantErr: ErrTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newProbe(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.code)
				w.Write([]byte(tt.body))
			})
			res, err := p.Check(context.Background(), sampleTrip())
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr), "expected %v, got %v", tt.wantErr, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, res.Status)
		})
	}
}

func TestHTTPProbeTimeoutIsTransient(t *testing.T) {
	p := newProbe(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := p.Check(ctx, sampleTrip())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransient)
}

func TestHTTPProbeNetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	p, err := NewHTTPProbe(url)
	require.NoError(t, err)
	_, err = p.Check(context.Background(), sampleTrip())
	assert.ErrorIs(t, err, ErrTransient)
}

func TestNewHTTPProbeRejectsBadURL(t *testing.T) {
	_, err := NewHTTPProbe("not a url")
	assert.Error(t, err)
}

func TestHTTPProbeSearch(t *testing.T) {
	var got *http.Request
	p := newProbe(t, func(w http.ResponseWriter, r *http.Request) {
		got = r
		w.Write([]byte(`{"trains":[
			{"departure":"07:30","arrival":"10:12","status":"LLENO"},
			{"departure":"8:05","arrival":"10:50","status":"OK"},
			{"departure":"09:00","status":"?"}
		]}`))
	})

	trains, err := p.Search(context.Background(), models.Route{Origin: "Madrid", Destination: "Barcelona"}, "2024-05-01")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "/trains", got.URL.Path)
	assert.Equal(t, "Madrid", got.URL.Query().Get("origin"))
	assert.Equal(t, "Barcelona", got.URL.Query().Get("destination"))
	assert.Equal(t, "01/05/2024", got.URL.Query().Get("date"))

	assert.Equal(t, []models.TrainOption{
		{Departure: "07:30", Arrival: "10:12", Status: models.TripStatusFull},
		{Departure: "08:05", Arrival: "10:50", Status: models.TripStatusAvailable},
		{Departure: "09:00", Status: models.TripStatusUnknown},
	}, trains)
}

func TestHTTPProbeSearchFailures(t *testing.T) {
	tests := []struct {
		name    string
		code    int
		body    string
		wantErr error
		want    int
	}{
		{name: "empty", code: 200, body: `{"trains":[]}`},
		{name: "missing list", code: 200, body: `{}`},
		{name: "bad departure", code: 200, body: `{"trains":[{"departure":"soon"}]}`, wantErr: ErrTransient},
		{name: "not a list", code: 200, body: `{"trains":"none"}`, wantErr: ErrTransient},
		{name: "blocked", code: 403, body: ``, wantErr: ErrTransient},
		{name: "server error", code: 500, body: ``, wantErr: ErrTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newProbe(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.code)
				w.Write([]byte(tt.body))
			})
			trains, err := p.Search(context.Background(), models.Route{Origin: "A", Destination: "B"}, "2024-05-01")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Len(t, trains, tt.want)
		})
	}
}

func TestHTTPProbeSearchRejectsBadDate(t *testing.T) {
	p := newProbe(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})
	_, err := p.Search(context.Background(), models.Route{Origin: "A", Destination: "B"}, "01/05/2024")
	assert.ErrorIs(t, err, ErrPermanent)
}
