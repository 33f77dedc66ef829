package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/SeatWatch/internal/models"
	"github.com/BTreeMap/SeatWatch/internal/store"
)

// DefaultTimeout is how long an unfinished conversation survives without input.
const DefaultTimeout = 30 * time.Minute

// DefaultSearchTimeout bounds a train search made while adding a trip.
const DefaultSearchTimeout = 90 * time.Second

// TrainSearcher lists the trains of a route on a day. probe.HTTPProbe
// satisfies it.
type TrainSearcher interface {
	Search(ctx context.Context, route models.Route, travelDate string) ([]models.TrainOption, error)
}

// Store is the storage surface the controller needs.
type Store interface {
	store.TripStore
	store.ConversationRepo
}

// Reply is the controller's answer to one inbound message.
type Reply struct {
	Text string
	// Done is true when the message left the user with no conversation in progress.
	Done bool
}

// Opts holds controller configuration.
type Opts struct {
	Timeout       time.Duration
	Clock         func() time.Time
	Searcher      TrainSearcher
	SearchTimeout time.Duration
}

// Option configures a Controller.
type Option func(*Opts)

// WithTimeout sets how long an idle conversation is kept.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) {
		if d > 0 {
			o.Timeout = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(clock func() time.Time) Option {
	return func(o *Opts) {
		if clock != nil {
			o.Clock = clock
		}
	}
}

// WithTrainSearch makes the add-trip flow offer the trains found by s
// instead of asking for a departure time.
func WithTrainSearch(s TrainSearcher, timeout time.Duration) Option {
	return func(o *Opts) {
		o.Searcher = s
		if timeout > 0 {
			o.SearchTimeout = timeout
		}
	}
}

// Controller turns inbound chat messages into trip store operations.
// Messages from the same user are handled one at a time.
type Controller struct {
	st            Store
	timeout       time.Duration
	now           func() time.Time
	searcher      TrainSearcher
	searchTimeout time.Duration

	mu    sync.Mutex
	users map[string]*userLock
}

// userLock serialises one user's messages. refs counts the goroutines
// holding or waiting for it; the entry is dropped when it reaches zero.
type userLock struct {
	sync.Mutex
	refs int
}

// NewController creates a controller backed by st.
func NewController(st Store, opts ...Option) *Controller {
	o := Opts{Timeout: DefaultTimeout, Clock: time.Now, SearchTimeout: DefaultSearchTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return &Controller{
		st:            st,
		timeout:       o.Timeout,
		now:           o.Clock,
		searcher:      o.Searcher,
		searchTimeout: o.SearchTimeout,
		users:         make(map[string]*userLock),
	}
}

func (c *Controller) lock(userID string) func() {
	c.mu.Lock()
	l, ok := c.users[userID]
	if !ok {
		l = &userLock{}
		c.users[userID] = l
	}
	l.refs++
	c.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		c.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.users, userID)
		}
		c.mu.Unlock()
	}
}

// Handle processes one message from userID and returns the reply to send.
// Store failures are logged and reported to the user in the reply.
func (c *Controller) Handle(ctx context.Context, userID, text string) Reply {
	unlock := c.lock(userID)
	defer unlock()

	now := c.now()
	state, expired, err := c.load(ctx, userID, now)
	if err != nil {
		slog.Error("Controller.Handle: load state failed", "userID", userID, "error", err)
		return Reply{Text: storeFailureText, Done: true}
	}

	next, eff := Transition(state, text, now)
	replyText := eff.Reply

	switch eff.Kind {
	case EffectSave:
		next, replyText, err = c.save(ctx, next)
	case EffectList:
		replyText, err = c.list(ctx, userID)
	case EffectStartDelete:
		next, replyText, err = c.startDelete(ctx, next)
	case EffectDelete:
		replyText, err = c.delete(ctx, userID, eff.TripID)
	case EffectSearch:
		next, replyText = c.search(ctx, next, replyText)
	}
	if err != nil {
		slog.Error("Controller.Handle: store operation failed", "userID", userID, "step", state.Step, "error", err)
	}

	if saveErr := c.persist(ctx, next, now); saveErr != nil {
		slog.Error("Controller.Handle: persist state failed", "userID", userID, "error", saveErr)
		if err == nil {
			replyText = storeFailureText
		}
	}

	if expired {
		replyText = expiredText + "\n\n" + replyText
	}
	slog.Debug("Controller.Handle: transition", "userID", userID, "from", state.Step, "to", next.Step)
	return Reply{Text: replyText, Done: next.Step == models.StepIdle}
}

// load returns the user's state, treating a conversation idle for longer
// than the timeout as IDLE.
func (c *Controller) load(ctx context.Context, userID string, now time.Time) (models.ConversationState, bool, error) {
	saved, err := c.st.GetConversation(ctx, userID)
	if err != nil {
		return models.ConversationState{}, false, err
	}
	if saved == nil {
		return idle(userID), false, nil
	}
	if now.Sub(saved.UpdatedAt) > c.timeout {
		slog.Info("Controller.load: conversation expired", "userID", userID, "step", saved.Step)
		return idle(userID), saved.Step != models.StepIdle, nil
	}
	saved.UserID = userID
	return *saved, false, nil
}

func (c *Controller) persist(ctx context.Context, state models.ConversationState, now time.Time) error {
	if state.Step == models.StepIdle {
		return c.st.DeleteConversation(ctx, state.UserID)
	}
	state.UpdatedAt = now
	return c.st.SaveConversation(ctx, state)
}

func (c *Controller) save(ctx context.Context, state models.ConversationState) (models.ConversationState, string, error) {
	trip := state.Draft.Trip(state.UserID)
	id, err := c.st.AddTrip(ctx, trip)
	if err != nil {
		var verr *models.ValidationError
		if errors.As(err, &verr) {
			next, text := AfterValidationError(state, verr)
			return next, text, nil
		}
		// Stay on CONFIRM so "yes" retries.
		return state, storeFailureText, fmt.Errorf("add trip: %w", err)
	}
	slog.Info("Controller.save: trip added", "userID", state.UserID, "tripID", id)
	return idle(state.UserID), savedText(id, trip), nil
}

// search offers the trains of the draft's route and date. Without a searcher,
// or when the search fails, the user types the departure time instead.
func (c *Controller) search(ctx context.Context, state models.ConversationState, fallback string) (models.ConversationState, string) {
	if c.searcher == nil {
		return state, fallback
	}
	searchCtx, cancel := context.WithTimeout(ctx, c.searchTimeout)
	defer cancel()

	route := models.Route{Origin: state.Draft.Origin, Destination: state.Draft.Destination}
	trains, err := c.searcher.Search(searchCtx, route, state.Draft.TravelDate)
	if err != nil {
		slog.Warn("Controller.search: train search failed", "userID", state.UserID, "error", err)
		return state, searchFailedText + "\n" + fallback
	}
	if len(trains) == 0 {
		state.Draft.TravelDate = ""
		state.Step = models.StepAwaitDate
		return state, noTrainsText + "\n" + askDateText
	}
	slog.Debug("Controller.search: trains found", "userID", state.UserID, "count", len(trains))
	state.Draft.Options = trains
	state.Step = models.StepAwaitTrain
	return state, trainListText(state.Draft)
}

func (c *Controller) list(ctx context.Context, userID string) (string, error) {
	trips, err := c.st.ListTrips(ctx, userID)
	if err != nil {
		return storeFailureText, fmt.Errorf("list trips: %w", err)
	}
	if len(trips) == 0 {
		return noTripsText, nil
	}
	return tripListText("Your tracked trips:", trips), nil
}

func (c *Controller) startDelete(ctx context.Context, state models.ConversationState) (models.ConversationState, string, error) {
	trips, err := c.st.ListTrips(ctx, state.UserID)
	if err != nil {
		return idle(state.UserID), storeFailureText, fmt.Errorf("list trips: %w", err)
	}
	if len(trips) == 0 {
		return idle(state.UserID), noTripsText, nil
	}
	next := idle(state.UserID)
	next.Step = models.StepAwaitSelection
	next.Choices = make([]string, len(trips))
	for i, trip := range trips {
		next.Choices[i] = trip.ID
	}
	return next, tripListText("Which trip should I delete? Send its number:", trips), nil
}

func (c *Controller) delete(ctx context.Context, userID, tripID string) (string, error) {
	err := c.st.DeleteTrip(ctx, userID, tripID)
	switch {
	case errors.Is(err, models.ErrNotFound):
		return notFoundText, nil
	case err != nil:
		return storeFailureText, fmt.Errorf("delete trip: %w", err)
	}
	slog.Info("Controller.delete: trip deleted", "userID", userID, "tripID", tripID)
	return deletedText, nil
}
