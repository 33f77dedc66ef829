// Package store provides storage backends for SeatWatch.
//
// It includes an in-memory store used by tests and ephemeral runs, and
// SQLite and PostgreSQL stores that persist tracked trips, conversation
// state, the outgoing message outbox and inbound message deduplication.
package store

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/SeatWatch/internal/models"
	"github.com/google/uuid"
)

// TripStore is the durable registry of tracked trips. Every method is safe
// for concurrent use by the monitor and the chat controller.
type TripStore interface {
	// AddTrip validates and persists a new trip with UNKNOWN status and
	// returns its ID. If the owner already watches the same journey the
	// existing ID is returned.
	AddTrip(ctx context.Context, trip models.Trip) (string, error)

	// ListTrips returns the owner's active trips in creation order.
	ListTrips(ctx context.Context, ownerID string) ([]models.Trip, error)

	// DeleteTrip deactivates a trip. Returns models.ErrNotFound if the trip
	// does not exist, is already inactive, or belongs to another owner.
	DeleteTrip(ctx context.Context, ownerID, tripID string) error

	// ActiveTrips returns every active trip in creation order.
	ActiveTrips(ctx context.Context) ([]models.Trip, error)

	// UpdateTripStatus applies a monitoring write if the trip is still active
	// and the update is not older than the last recorded check. A skipped
	// update returns false and no error.
	UpdateTripStatus(ctx context.Context, u models.StatusUpdate) (bool, error)

	// GetTrip returns a trip by ID, active or not.
	GetTrip(ctx context.Context, tripID string) (*models.Trip, error)
}

// ConversationRepo persists per-user chat controller state.
type ConversationRepo interface {
	// GetConversation returns nil and no error when the user has no state.
	GetConversation(ctx context.Context, userID string) (*models.ConversationState, error)
	SaveConversation(ctx context.Context, state models.ConversationState) error
	DeleteConversation(ctx context.Context, userID string) error
}

// Store is the full storage surface used by the application.
type Store interface {
	TripStore
	ConversationRepo
	Close() error
}

// Opts holds configuration for the SQL stores.
type Opts struct {
	DSN string
}

// Option defines a configuration option for a store.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and
// "sqlite3" for everything else.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// prepareNewTrip normalises and validates a trip and fills the fields the
// store owns.
func prepareNewTrip(trip models.Trip, now time.Time) (models.Trip, error) {
	trip.OwnerID = strings.TrimSpace(trip.OwnerID)
	trip.Origin = strings.TrimSpace(trip.Origin)
	trip.Destination = strings.TrimSpace(trip.Destination)
	trip.FareClass = strings.TrimSpace(trip.FareClass)
	if err := trip.Validate(); err != nil {
		return trip, err
	}
	trip.ID = uuid.NewString()
	trip.LastKnownStatus = models.TripStatusUnknown
	trip.NotifiedForStatus = models.TripStatusUnknown
	trip.LastCheckedAt = nil
	trip.Active = true
	trip.CreatedAt = now.UTC()
	return trip, nil
}

// applyStatusUpdate mutates t according to u and reports whether it did.
func applyStatusUpdate(t *models.Trip, u models.StatusUpdate) bool {
	if !t.Active {
		return false
	}
	if t.LastCheckedAt != nil && t.LastCheckedAt.After(u.CheckedAt) {
		return false
	}
	checked := u.CheckedAt.UTC()
	t.LastCheckedAt = &checked
	if u.Status != nil {
		t.LastKnownStatus = *u.Status
	}
	if u.NotifiedFor != nil {
		t.NotifiedForStatus = *u.NotifiedFor
	}
	if u.Deactivate {
		t.Active = false
	}
	return true
}

// InMemoryStore is a mutex-guarded Store for tests and ephemeral runs.
type InMemoryStore struct {
	mu            sync.Mutex
	trips         map[string]*models.Trip
	order         []string
	conversations map[string]models.ConversationState
	outbox        map[string]*OutboxMessage
	outboxOrder   []string
	inbound       map[string]*DedupRecord
}

// Compile-time check that InMemoryStore implements every repository.
var (
	_ Store      = (*InMemoryStore)(nil)
	_ OutboxRepo = (*InMemoryStore)(nil)
	_ DedupRepo  = (*InMemoryStore)(nil)
)

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		trips:         make(map[string]*models.Trip),
		conversations: make(map[string]models.ConversationState),
		outbox:        make(map[string]*OutboxMessage),
		inbound:       make(map[string]*DedupRecord),
	}
}

func cloneTrip(t *models.Trip) models.Trip {
	c := *t
	if t.LastCheckedAt != nil {
		checked := *t.LastCheckedAt
		c.LastCheckedAt = &checked
	}
	return c
}

func (s *InMemoryStore) AddTrip(ctx context.Context, trip models.Trip) (string, error) {
	trip, err := prepareNewTrip(trip, time.Now())
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order {
		existing := s.trips[id]
		if existing.Active && existing.SameJourney(&trip) {
			return existing.ID, nil
		}
	}
	s.trips[trip.ID] = &trip
	s.order = append(s.order, trip.ID)
	return trip.ID, nil
}

func (s *InMemoryStore) ListTrips(ctx context.Context, ownerID string) ([]models.Trip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var trips []models.Trip
	for _, id := range s.order {
		t := s.trips[id]
		if t.Active && t.OwnerID == ownerID {
			trips = append(trips, cloneTrip(t))
		}
	}
	return trips, nil
}

func (s *InMemoryStore) DeleteTrip(ctx context.Context, ownerID, tripID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trips[tripID]
	if !ok || !t.Active || t.OwnerID != ownerID {
		return models.ErrNotFound
	}
	t.Active = false
	return nil
}

func (s *InMemoryStore) ActiveTrips(ctx context.Context) ([]models.Trip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var trips []models.Trip
	for _, id := range s.order {
		if t := s.trips[id]; t.Active {
			trips = append(trips, cloneTrip(t))
		}
	}
	return trips, nil
}

func (s *InMemoryStore) UpdateTripStatus(ctx context.Context, u models.StatusUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trips[u.TripID]
	if !ok {
		return false, nil
	}
	return applyStatusUpdate(t, u), nil
}

func (s *InMemoryStore) GetTrip(ctx context.Context, tripID string) (*models.Trip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trips[tripID]
	if !ok {
		return nil, models.ErrNotFound
	}
	c := cloneTrip(t)
	return &c, nil
}

func (s *InMemoryStore) GetConversation(ctx context.Context, userID string) (*models.ConversationState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.conversations[userID]
	if !ok {
		return nil, nil
	}
	state.Choices = append([]string(nil), state.Choices...)
	return &state, nil
}

func (s *InMemoryStore) SaveConversation(ctx context.Context, state models.ConversationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state.Choices = append([]string(nil), state.Choices...)
	s.conversations[state.UserID] = state
	return nil
}

func (s *InMemoryStore) DeleteConversation(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, userID)
	return nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
