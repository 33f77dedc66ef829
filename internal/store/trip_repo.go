package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/SeatWatch/internal/models"
	"github.com/jmoiron/sqlx"
)

// sqlRepo implements TripStore and ConversationRepo on top of sqlx. Queries
// are written with '?' placeholders and rebound for the driver, so the
// SQLite and PostgreSQL stores share them.
type sqlRepo struct {
	db *sqlx.DB
}

// tripRow mirrors the trips table.
type tripRow struct {
	ID                string       `db:"id"`
	OwnerID           string       `db:"owner_id"`
	Origin            string       `db:"origin"`
	Destination       string       `db:"destination"`
	TravelDate        string       `db:"travel_date"`
	Departure         string       `db:"departure"`
	ToleranceMinutes  int          `db:"tolerance_minutes"`
	FareClass         string       `db:"fare_class"`
	LastKnownStatus   string       `db:"last_known_status"`
	LastCheckedAt     sql.NullTime `db:"last_checked_at"`
	NotifiedForStatus string       `db:"notified_for_status"`
	Active            bool         `db:"active"`
	CreatedAt         time.Time    `db:"created_at"`
}

const tripColumns = `id, owner_id, origin, destination, travel_date, departure, tolerance_minutes, fare_class,
	last_known_status, last_checked_at, notified_for_status, active, created_at`

func (r tripRow) toTrip() models.Trip {
	t := models.Trip{
		ID:                r.ID,
		OwnerID:           r.OwnerID,
		Route:             models.Route{Origin: r.Origin, Destination: r.Destination},
		TravelDate:        r.TravelDate,
		Departure:         r.Departure,
		ToleranceMinutes:  r.ToleranceMinutes,
		FareClass:         r.FareClass,
		LastKnownStatus:   models.TripStatus(r.LastKnownStatus),
		NotifiedForStatus: models.TripStatus(r.NotifiedForStatus),
		Active:            r.Active,
		CreatedAt:         r.CreatedAt,
	}
	if r.LastCheckedAt.Valid {
		checked := r.LastCheckedAt.Time
		t.LastCheckedAt = &checked
	}
	return t
}

func nullStatus(s *models.TripStatus) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*s), Valid: true}
}

func (r *sqlRepo) findSameJourney(ctx context.Context, trip models.Trip) (string, error) {
	var id string
	err := r.db.GetContext(ctx, &id, r.db.Rebind(`
		SELECT id FROM trips
		WHERE owner_id = ? AND active = TRUE AND journey_key = ?
		ORDER BY seq LIMIT 1`),
		trip.OwnerID, trip.JourneyKey())
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return id, err
}

func (r *sqlRepo) AddTrip(ctx context.Context, trip models.Trip) (string, error) {
	trip, err := prepareNewTrip(trip, time.Now())
	if err != nil {
		return "", err
	}

	existing, err := r.findSameJourney(ctx, trip)
	if err != nil {
		return "", fmt.Errorf("duplicate trip check failed: %w", err)
	}
	if existing != "" {
		slog.Debug("sqlRepo.AddTrip: journey already tracked", "tripID", existing, "ownerID", trip.OwnerID)
		return existing, nil
	}

	_, err = r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO trips (id, owner_id, origin, destination, travel_date, departure, tolerance_minutes, fare_class,
			journey_key, last_known_status, notified_for_status, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, TRUE, ?)`),
		trip.ID, trip.OwnerID, trip.Origin, trip.Destination, trip.TravelDate, trip.Departure,
		trip.ToleranceMinutes, trip.FareClass, trip.JourneyKey(), string(trip.LastKnownStatus), string(trip.NotifiedForStatus), trip.CreatedAt)
	if err != nil {
		// A concurrent add of the same journey loses on the unique index.
		if existing, findErr := r.findSameJourney(ctx, trip); findErr == nil && existing != "" {
			return existing, nil
		}
		slog.Error("sqlRepo.AddTrip: insert failed", "error", err, "ownerID", trip.OwnerID)
		return "", fmt.Errorf("failed to insert trip for %s: %w", trip.OwnerID, err)
	}
	slog.Debug("sqlRepo.AddTrip succeeded", "tripID", trip.ID, "ownerID", trip.OwnerID)
	return trip.ID, nil
}

func (r *sqlRepo) selectTrips(ctx context.Context, query string, args ...interface{}) ([]models.Trip, error) {
	var rows []tripRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	trips := make([]models.Trip, 0, len(rows))
	for _, row := range rows {
		trips = append(trips, row.toTrip())
	}
	return trips, nil
}

func (r *sqlRepo) ListTrips(ctx context.Context, ownerID string) ([]models.Trip, error) {
	trips, err := r.selectTrips(ctx,
		`SELECT `+tripColumns+` FROM trips WHERE owner_id = ? AND active = TRUE ORDER BY seq`, ownerID)
	if err != nil {
		slog.Error("sqlRepo.ListTrips failed", "error", err, "ownerID", ownerID)
		return nil, fmt.Errorf("failed to list trips for %s: %w", ownerID, err)
	}
	return trips, nil
}

func (r *sqlRepo) DeleteTrip(ctx context.Context, ownerID, tripID string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(
		`UPDATE trips SET active = FALSE WHERE id = ? AND owner_id = ? AND active = TRUE`), tripID, ownerID)
	if err != nil {
		slog.Error("sqlRepo.DeleteTrip failed", "error", err, "tripID", tripID)
		return fmt.Errorf("failed to delete trip %s: %w", tripID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete trip rows affected check failed: %w", err)
	}
	if n == 0 {
		return models.ErrNotFound
	}
	slog.Debug("sqlRepo.DeleteTrip succeeded", "tripID", tripID, "ownerID", ownerID)
	return nil
}

func (r *sqlRepo) ActiveTrips(ctx context.Context) ([]models.Trip, error) {
	trips, err := r.selectTrips(ctx, `SELECT `+tripColumns+` FROM trips WHERE active = TRUE ORDER BY seq`)
	if err != nil {
		slog.Error("sqlRepo.ActiveTrips failed", "error", err)
		return nil, fmt.Errorf("failed to list active trips: %w", err)
	}
	return trips, nil
}

func (r *sqlRepo) UpdateTripStatus(ctx context.Context, u models.StatusUpdate) (bool, error) {
	checkedAt := u.CheckedAt.UTC()
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE trips SET
			last_checked_at = ?,
			last_known_status = COALESCE(?, last_known_status),
			notified_for_status = COALESCE(?, notified_for_status),
			active = CASE WHEN ? THEN FALSE ELSE active END
		WHERE id = ? AND active = TRUE AND (last_checked_at IS NULL OR last_checked_at <= ?)`),
		checkedAt, nullStatus(u.Status), nullStatus(u.NotifiedFor), u.Deactivate, u.TripID, checkedAt)
	if err != nil {
		slog.Error("sqlRepo.UpdateTripStatus failed", "error", err, "tripID", u.TripID)
		return false, fmt.Errorf("failed to update trip %s: %w", u.TripID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update trip rows affected check failed: %w", err)
	}
	return n > 0, nil
}

func (r *sqlRepo) GetTrip(ctx context.Context, tripID string) (*models.Trip, error) {
	var row tripRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(`SELECT `+tripColumns+` FROM trips WHERE id = ?`), tripID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trip %s: %w", tripID, err)
	}
	t := row.toTrip()
	return &t, nil
}

// conversationRow mirrors the conversation_states table.
type conversationRow struct {
	UserID      string    `db:"user_id"`
	Step        string    `db:"step"`
	DraftJSON   string    `db:"draft_json"`
	ChoicesJSON string    `db:"choices_json"`
	UpdatedAt   time.Time `db:"updated_at"`
}

func (r *sqlRepo) GetConversation(ctx context.Context, userID string) (*models.ConversationState, error) {
	var row conversationRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(
		`SELECT user_id, step, draft_json, choices_json, updated_at FROM conversation_states WHERE user_id = ?`), userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("sqlRepo.GetConversation failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to get conversation for %s: %w", userID, err)
	}

	state := &models.ConversationState{
		UserID:    row.UserID,
		Step:      models.ConversationStep(row.Step),
		UpdatedAt: row.UpdatedAt,
	}
	if row.DraftJSON != "" {
		if err := json.Unmarshal([]byte(row.DraftJSON), &state.Draft); err != nil {
			// Continue with an empty draft rather than failing
			slog.Warn("sqlRepo.GetConversation: draft unmarshal failed", "error", err, "userID", userID)
		}
	}
	if row.ChoicesJSON != "" {
		if err := json.Unmarshal([]byte(row.ChoicesJSON), &state.Choices); err != nil {
			slog.Warn("sqlRepo.GetConversation: choices unmarshal failed", "error", err, "userID", userID)
		}
	}
	return state, nil
}

func (r *sqlRepo) SaveConversation(ctx context.Context, state models.ConversationState) error {
	draftJSON, err := json.Marshal(state.Draft)
	if err != nil {
		return fmt.Errorf("marshal draft failed: %w", err)
	}
	choicesJSON := []byte("")
	if len(state.Choices) > 0 {
		if choicesJSON, err = json.Marshal(state.Choices); err != nil {
			return fmt.Errorf("marshal choices failed: %w", err)
		}
	}

	_, err = r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO conversation_states (user_id, step, draft_json, choices_json, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			step = excluded.step,
			draft_json = excluded.draft_json,
			choices_json = excluded.choices_json,
			updated_at = excluded.updated_at`),
		state.UserID, string(state.Step), string(draftJSON), string(choicesJSON), state.UpdatedAt.UTC())
	if err != nil {
		slog.Error("sqlRepo.SaveConversation failed", "error", err, "userID", state.UserID)
		return fmt.Errorf("failed to save conversation for %s: %w", state.UserID, err)
	}
	slog.Debug("sqlRepo.SaveConversation succeeded", "userID", state.UserID, "step", state.Step)
	return nil
}

func (r *sqlRepo) DeleteConversation(ctx context.Context, userID string) error {
	if _, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM conversation_states WHERE user_id = ?`), userID); err != nil {
		slog.Error("sqlRepo.DeleteConversation failed", "error", err, "userID", userID)
		return fmt.Errorf("failed to delete conversation for %s: %w", userID, err)
	}
	return nil
}
