package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/SeatWatch/internal/models"
	"github.com/go-chi/chi/v5"
)

// cycleView is the JSON form of a monitor cycle report.
type cycleView struct {
	Started  time.Time      `json:"started"`
	Finished time.Time      `json:"finished"`
	Trips    int            `json:"trips"`
	Outcomes map[string]int `json:"outcomes"`
	Error    string         `json:"error,omitempty"`
}

type healthView struct {
	Status    string     `json:"status"`
	LastCycle *cycleView `json:"last_cycle,omitempty"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	health := healthView{Status: "ok"}
	if s.opts.Monitor != nil {
		if report, ok := s.opts.Monitor.LastReport(); ok {
			view := &cycleView{
				Started:  report.Started,
				Finished: report.Finished,
				Trips:    report.Trips,
				Outcomes: make(map[string]int, len(report.Outcomes)),
			}
			for k, v := range report.Outcomes {
				view.Outcomes[string(k)] = v
			}
			if report.Err != nil {
				view.Error = report.Err.Error()
			}
			health.LastCycle = view
		}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(health))
}

// listTripsHandler returns active trips, optionally filtered by ?owner=.
func (s *Server) listTripsHandler(w http.ResponseWriter, r *http.Request) {
	var (
		trips []models.Trip
		err   error
	)
	if owner := r.URL.Query().Get("owner"); owner != "" {
		trips, err = s.st.ListTrips(r.Context(), owner)
	} else {
		trips, err = s.st.ActiveTrips(r.Context())
	}
	if err != nil {
		slog.Error("Server.listTripsHandler: store error", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list trips"))
		return
	}
	if trips == nil {
		trips = []models.Trip{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(trips))
}

func (s *Server) getTripHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	trip, err := s.st.GetTrip(r.Context(), id)
	switch {
	case errors.Is(err, models.ErrNotFound):
		writeJSONResponse(w, http.StatusNotFound, models.Error("Trip not found"))
		return
	case err != nil:
		slog.Error("Server.getTripHandler: store error", "error", err, "tripID", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to get trip"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(trip))
}
