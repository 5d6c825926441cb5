package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/example/taxi-dispatch/internal/dispatch"
	"github.com/example/taxi-dispatch/internal/matcher"
	"github.com/example/taxi-dispatch/internal/models"
	"github.com/example/taxi-dispatch/internal/observability"
	"github.com/example/taxi-dispatch/internal/orders"
	"github.com/example/taxi-dispatch/internal/ride"
)

type searchResult struct {
	match orders.Match
	err   error
}

// searchRun is one bounded search running beside the session loop.
type searchRun struct {
	cancel  context.CancelFunc
	done    chan struct{}
	result  chan searchResult
	started time.Time
}

type driverSession struct {
	svc     *Service
	conn    Conn
	id      string
	member  *dispatch.Member
	log     logrus.FieldLogger
	session *matcher.Session

	search     *searchRun
	offer      *orders.Match
	offerTimer *time.Timer
	ride       *activeRide
}

// ServeDriver runs a driver connection: search, offer, then the ride.
func (s *Service) ServeDriver(ctx context.Context, conn Conn, driverID string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	d := &driverSession{
		svc:     s,
		conn:    conn,
		id:      driverID,
		member:  dispatch.NewMember(driverID, s.mailboxSize),
		log:     s.logger.WithFields(logrus.Fields{"role": RoleDriver, "user": driverID}),
		session: matcher.NewSession(driverID, s.retryBudget),
	}
	observability.ActiveConnections.WithLabelValues(RoleDriver).Inc()
	d.log.Info("driver connected")
	defer func() {
		d.cleanup(ctx)
		observability.ActiveConnections.WithLabelValues(RoleDriver).Dec()
		_ = conn.Close()
		d.log.Info("driver disconnected")
	}()

	frames := readFrames(ctx, conn)
	for {
		var results <-chan searchResult
		if d.search != nil {
			results = d.search.result
		}
		var expired <-chan time.Time
		if d.offerTimer != nil {
			expired = d.offerTimer.C
		}

		var done bool
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-frames:
			if !ok || f.err != nil {
				return nil
			}
			done = d.handle(ctx, f.data)
		case r := <-results:
			done = d.onSearchResult(ctx, r)
		case <-expired:
			done = d.onOfferExpired(ctx)
		case ev := <-d.member.Events():
			done = d.relay(ev)
		}
		if done {
			return nil
		}
	}
}

func (d *driverSession) handle(ctx context.Context, data []byte) bool {
	env, verrs := parseEnvelope(data, driverTypes)
	if verrs != nil {
		return d.send(errorMessage(verrs))
	}
	observability.InboundMessages.WithLabelValues(RoleDriver, env.MessageType).Inc()

	switch env.MessageType {
	case TypeFindOrder:
		return d.findOrder(ctx, env.Info)
	case TypePossibleOrder:
		return d.answerOffer(ctx, env.Info)
	case TypeCancel:
		return d.cancel(ctx)
	default:
		st, _ := ride.ParseState(env.MessageType)
		return d.changeStatus(ctx, st)
	}
}

func (d *driverSession) findOrder(ctx context.Context, raw json.RawMessage) bool {
	var info FindOrderInfo
	if verrs := decodeInfo(d.svc.validate, raw, &info); verrs != nil {
		return d.send(errorMessage(verrs))
	}
	if err := d.session.BeginWork(*info.Location); err != nil {
		return d.send(detail(reasonWorkStarted))
	}
	d.log.WithField("location", info.Location).Info("work started")
	d.startSearch(ctx)
	return false
}

func (d *driverSession) startSearch(ctx context.Context) {
	sctx, cancel := context.WithCancel(ctx)
	run := &searchRun{
		cancel:  cancel,
		done:    make(chan struct{}),
		result:  make(chan searchResult, 1),
		started: d.svc.now(),
	}
	loc, exclude := d.session.Location(), d.session.Excluded()
	svc, id := d.svc, d.id
	go func() {
		defer close(run.done)
		m, err := svc.searcher.Search(sctx, id, loc, exclude)
		if err == nil && sctx.Err() != nil {
			// Reserved after the driver stopped looking.
			fctx, fcancel := cleanupContext(sctx)
			defer fcancel()
			svc.free(fctx, m.SessionKey)
			return
		}
		run.result <- searchResult{match: m, err: err}
	}()
	d.search = run
}

// stopSearch cancels a running search and gives back anything it reserved.
func (d *driverSession) stopSearch(ctx context.Context) {
	run := d.search
	if run == nil {
		return
	}
	d.search = nil
	run.cancel()
	<-run.done
	select {
	case r := <-run.result:
		if r.err == nil {
			d.svc.free(ctx, r.match.SessionKey)
		}
	default:
	}
}

func (d *driverSession) onSearchResult(ctx context.Context, r searchResult) bool {
	run := d.search
	d.search = nil
	run.cancel()

	switch {
	case errors.Is(r.err, matcher.ErrNoOrders):
		observability.SearchExhausted.Inc()
		d.log.Info("no orders found")
		return d.abort(reasonNoOrders)
	case r.err != nil:
		return true
	}

	m := r.match
	d.offer = &m
	if d.svc.offerTimeout > 0 {
		d.offerTimer = time.NewTimer(d.svc.offerTimeout)
	}
	observability.OffersTotal.Inc()
	observability.MatchLatency.Observe(d.svc.now().Sub(run.started).Seconds())
	d.log.WithFields(logrus.Fields{"session_key": m.SessionKey, "distance_km": m.DistanceKm}).Info("order offered")
	return d.send(models.Message{MessageType: TypePossibleOrder, Info: m.Order.ExecutorView()})
}

func (d *driverSession) takeOffer() (orders.Match, bool) {
	if d.offerTimer != nil {
		d.offerTimer.Stop()
		d.offerTimer = nil
	}
	if d.offer == nil {
		return orders.Match{}, false
	}
	m := *d.offer
	d.offer = nil
	return m, true
}

func (d *driverSession) answerOffer(ctx context.Context, raw json.RawMessage) bool {
	var info PossibleOrderInfo
	if verrs := decodeInfo(d.svc.validate, raw, &info); verrs != nil {
		return d.send(errorMessage(verrs))
	}
	m, ok := d.takeOffer()
	if !ok {
		return d.send(detail(reasonNoOffer))
	}
	if !*info.IsAgree {
		return d.decline(ctx, m.SessionKey, "declined")
	}
	return d.accept(ctx, m)
}

func (d *driverSession) onOfferExpired(ctx context.Context) bool {
	d.offerTimer = nil
	m, ok := d.takeOffer()
	if !ok {
		return false
	}
	if d.send(models.Message{MessageType: TypeNotCurrentOrder}) {
		d.svc.free(ctx, m.SessionKey)
		return true
	}
	return d.decline(ctx, m.SessionKey, "expired")
}

func (d *driverSession) accept(ctx context.Context, m orders.Match) bool {
	key := m.SessionKey
	live, err := d.svc.store.IsLive(ctx, key)
	if err != nil {
		d.log.WithError(err).Warn("liveness check failed")
	}
	if !live {
		return d.stale(ctx, key)
	}

	// Join and register before taking the order so a cancel racing with the
	// accept always finds the ride.
	d.svc.groups.Join(key, d.member)
	r := newActiveRide(key, m.Rider, d.id, m.Order, d.svc.groups, d.svc.now)
	d.svc.rides.add(r)
	removed, err := d.svc.store.Remove(ctx, key)
	if err != nil {
		d.log.WithError(err).Warn("remove order failed")
	}
	if !removed {
		d.svc.rides.remove(r)
		d.svc.groups.Leave(key, d.member)
		return d.stale(ctx, key)
	}
	observability.PendingOrders.Dec()
	observability.MatchesTotal.Inc()
	d.ride = r
	d.log = d.log.WithField("session_key", key)

	profile := models.DriverProfile{ID: d.id}
	if d.svc.drivers != nil {
		p, err := d.svc.drivers.DriverProfile(ctx, d.id)
		if err != nil {
			d.log.WithError(err).Warn("driver profile lookup failed")
		} else {
			profile = p
		}
	}
	eta := d.svc.eta.Estimate(ctx, d.session.Location(), m.Order.LocationFrom)
	intro := models.Message{MessageType: TypeDriverData, Info: DriverDataInfo{
		DriverID:   d.id,
		Car:        profile.Car,
		ETASeconds: int(eta.Seconds()),
	}}

	entry, err := r.start(intro)
	if err != nil {
		// Cancelled in between; the CANCEL is already in our mailbox.
		return false
	}
	observability.RideTransitions.WithLabelValues(ride.DriverOnTheWay.String()).Inc()
	d.svc.publish(ctx, r, ride.DriverOnTheWay.String(), "", entry)
	d.log.Info("order accepted")
	return false
}

// stale handles an offer whose order is gone: tell the driver, then treat it
// like a decline.
func (d *driverSession) stale(ctx context.Context, key string) bool {
	if d.send(models.Message{MessageType: TypeNotCurrentOrder}) {
		return true
	}
	return d.decline(ctx, key, "stale")
}

func (d *driverSession) decline(ctx context.Context, key, reason string) bool {
	d.svc.free(ctx, key)
	d.session.RejectOffer(key)
	observability.OffersRejected.WithLabelValues(reason).Inc()
	if !d.session.IsRetryAllowed() {
		d.log.WithField("attempts", d.session.Attempts()).Info("retry budget exhausted")
		return d.abort(reasonRetryExhausted)
	}
	d.startSearch(ctx)
	return false
}

func (d *driverSession) changeStatus(ctx context.Context, st ride.State) bool {
	if d.ride == nil {
		return d.send(detail(reasonBadStatus))
	}
	r := d.ride
	entry, err := r.advance(st)
	if err != nil {
		return d.send(detail(reasonBadStatus))
	}
	observability.RideTransitions.WithLabelValues(st.String()).Inc()

	if st.Terminal() {
		if err := d.svc.billing.Withdraw(ctx, r.key, r.rider, entry.Price); err != nil {
			d.log.WithError(err).WithField("price", entry.Price.StringFixed(2)).Error("withdraw failed")
		}
		d.svc.groups.Disband(r.key)
		d.svc.rides.remove(r)
	}
	d.svc.publish(ctx, r, st.String(), "", entry)
	return false
}

func (d *driverSession) cancel(ctx context.Context) bool {
	if d.ride != nil {
		entry, ok := d.ride.cancel(RoleDriver)
		if !ok {
			return d.send(detail(reasonCannotCancel))
		}
		d.svc.cancelRide(ctx, d.ride, entry, RoleDriver)
		d.log.Info("ride cancelled by driver")
		return false
	}
	d.stopSearch(ctx)
	if m, ok := d.takeOffer(); ok {
		d.svc.free(ctx, m.SessionKey)
	}
	return true
}

func (d *driverSession) relay(ev models.Message) bool {
	if d.send(ev) {
		return true
	}
	return endsSession(ev)
}

func (d *driverSession) cleanup(ctx context.Context) {
	ctx, cancel := cleanupContext(ctx)
	defer cancel()

	d.stopSearch(ctx)
	if m, ok := d.takeOffer(); ok {
		d.svc.free(ctx, m.SessionKey)
	}
	if d.ride == nil {
		return
	}
	// A driver who drops before the trip begins cancels the ride; after that
	// the ride is abandoned without a charge.
	if entry, ok := d.ride.cancel(RoleDriver); ok {
		d.svc.cancelRide(ctx, d.ride, entry, RoleDriver)
	} else if entry, ok := d.ride.abandon(); ok {
		d.svc.abandonRide(ctx, d.ride, entry)
		d.log.Warn("driver left during the trip, ride abandoned")
	}
	d.svc.groups.Leave(d.ride.key, d.member)
}

func (d *driverSession) send(msg models.Message) bool {
	if err := d.conn.WriteJSON(msg); err != nil {
		d.log.WithError(err).Debug("write failed")
		return true
	}
	return false
}

func (d *driverSession) abort(reason string) bool {
	d.send(detail(reason))
	return true
}
