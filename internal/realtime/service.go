// Package realtime binds client and driver websocket sessions to the pending
// order pool and, once matched, to a shared ride group.
package realtime

import (
	"context"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/example/taxi-dispatch/internal/dispatch"
	"github.com/example/taxi-dispatch/internal/events"
	"github.com/example/taxi-dispatch/internal/matcher"
	"github.com/example/taxi-dispatch/internal/models"
	"github.com/example/taxi-dispatch/internal/observability"
	"github.com/example/taxi-dispatch/internal/orders"
	"github.com/example/taxi-dispatch/internal/payments"
	"github.com/example/taxi-dispatch/internal/pricing"
	"github.com/example/taxi-dispatch/internal/storage"
)

// Conn is the part of *websocket.Conn a session uses. Only the session loop
// writes to it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v any) error
	Close() error
}

// Estimator gives the driving time between two points.
type Estimator interface {
	Estimate(ctx context.Context, from, to models.Coord) time.Duration
}

type Options struct {
	Store    orders.Store
	Groups   *dispatch.Groups
	Quotes   pricing.QuoteCache
	Billing  payments.Billing
	Drivers  storage.DriverDirectory
	ETA      Estimator
	Events   events.Publisher
	Searcher *matcher.Searcher

	RetryBudget  int
	OfferTimeout time.Duration // 0 leaves offers open until answered
	MailboxSize  int

	Now    func() time.Time
	NewKey func() string
	Logger logrus.FieldLogger
}

type Service struct {
	store    orders.Store
	groups   *dispatch.Groups
	quotes   pricing.QuoteCache
	billing  payments.Billing
	drivers  storage.DriverDirectory
	eta      Estimator
	events   events.Publisher
	searcher *matcher.Searcher

	retryBudget  int
	offerTimeout time.Duration
	mailboxSize  int

	now      func() time.Time
	newKey   func() string
	logger   logrus.FieldLogger
	validate *validator.Validate
	rides    *rideRegistry
}

type noETA struct{}

func (noETA) Estimate(context.Context, models.Coord, models.Coord) time.Duration { return 0 }

func NewService(o Options) *Service {
	s := &Service{
		store:        o.Store,
		groups:       o.Groups,
		quotes:       o.Quotes,
		billing:      o.Billing,
		drivers:      o.Drivers,
		eta:          o.ETA,
		events:       o.Events,
		searcher:     o.Searcher,
		retryBudget:  o.RetryBudget,
		offerTimeout: o.OfferTimeout,
		mailboxSize:  o.MailboxSize,
		now:          o.Now,
		newKey:       o.NewKey,
		logger:       o.Logger,
		validate:     newValidator(),
		rides:        newRideRegistry(),
	}
	if s.logger == nil {
		s.logger = logrus.StandardLogger()
	}
	if s.groups == nil {
		s.groups = dispatch.NewGroups(s.logger)
	}
	if s.eta == nil {
		s.eta = noETA{}
	}
	if s.events == nil {
		s.events = events.Discard{}
	}
	if s.searcher == nil {
		s.searcher = matcher.NewSearcher(s.store, matcher.DefaultSearchAttempts, matcher.DefaultSearchDelay, nil, s.logger)
	}
	if s.retryBudget <= 0 {
		s.retryBudget = matcher.DefaultRetryBudget
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newKey == nil {
		s.newKey = uuid.NewString
	}
	return s
}

type frame struct {
	data []byte
	err  error
}

// readFrames pumps inbound frames into a channel until the connection fails
// or ctx ends. The last frame carries the read error.
func readFrames(ctx context.Context, conn Conn) <-chan frame {
	ch := make(chan frame)
	go func() {
		defer close(ch)
		for {
			_, data, err := conn.ReadMessage()
			select {
			case ch <- frame{data: data, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return ch
}

// cleanupContext outlives the connection so teardown can reach the store.
func cleanupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
}

func (s *Service) publish(ctx context.Context, r *activeRide, status, cancelledBy string, entry models.OrderEntry) {
	ev := events.RideEvent{
		SessionKey:  r.key,
		RiderID:     r.rider,
		DriverID:    r.driver,
		Status:      status,
		CancelledBy: cancelledBy,
		Order:       entry,
		At:          s.now().UTC(),
	}
	if err := s.events.Publish(context.WithoutCancel(ctx), ev); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{"session_key": r.key, "status": status}).Warn("publish ride event failed")
	}
}

// release returns the funds reserved for ride key when the billing backend holds them.
func (s *Service) release(ctx context.Context, key string) {
	rel, ok := s.billing.(payments.Releaser)
	if !ok {
		return
	}
	if err := rel.Release(ctx, key); err != nil && !errors.Is(err, payments.ErrNoHold) {
		s.logger.WithError(err).WithField("session_key", key).Warn("release payment hold failed")
	}
}

// cancelRide finishes a ride that r.cancel has already closed.
func (s *Service) cancelRide(ctx context.Context, r *activeRide, entry models.OrderEntry, by string) {
	s.groups.Disband(r.key)
	s.rides.remove(r)
	observability.Cancellations.WithLabelValues(by).Inc()
	s.publish(ctx, r, events.StatusCancel, by, entry)
	s.release(ctx, r.key)
}

// abandonRide finishes a ride that r.abandon has already closed.
func (s *Service) abandonRide(ctx context.Context, r *activeRide, entry models.OrderEntry) {
	s.groups.Disband(r.key)
	s.rides.remove(r)
	observability.Cancellations.WithLabelValues("abandoned").Inc()
	s.publish(ctx, r, events.StatusAbandoned, RoleDriver, entry)
	s.release(ctx, r.key)
}

func (s *Service) free(ctx context.Context, key string) {
	if err := s.store.Free(ctx, key); err != nil {
		s.logger.WithError(err).WithField("session_key", key).Warn("free reservation failed")
	}
}
