package realtime

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/example/taxi-dispatch/internal/dispatch"
	"github.com/example/taxi-dispatch/internal/models"
	"github.com/example/taxi-dispatch/internal/observability"
	"github.com/example/taxi-dispatch/internal/orders"
	"github.com/example/taxi-dispatch/internal/ride"
)

type clientSession struct {
	svc    *Service
	conn   Conn
	rider  string
	key    string
	member *dispatch.Member
	log    logrus.FieldLogger

	placed  bool
	matched bool
}

// ServeClient runs a rider connection until it closes, the order is
// cancelled or the ride ends. The session key doubles as the ride group id.
func (s *Service) ServeClient(ctx context.Context, conn Conn, riderID string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c := &clientSession{svc: s, conn: conn, rider: riderID, key: s.newKey()}
	c.member = dispatch.NewMember(riderID, s.mailboxSize)
	c.log = s.logger.WithFields(logrus.Fields{"role": RoleClient, "user": riderID, "session_key": c.key})

	s.groups.Join(c.key, c.member)
	observability.ActiveConnections.WithLabelValues(RoleClient).Inc()
	c.log.Info("client connected")
	defer func() {
		c.cleanup(ctx)
		s.groups.Leave(c.key, c.member)
		observability.ActiveConnections.WithLabelValues(RoleClient).Dec()
		_ = conn.Close()
		c.log.Info("client disconnected")
	}()

	frames := readFrames(ctx, conn)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-frames:
			if !ok || f.err != nil {
				return nil
			}
			if c.handle(ctx, f.data) {
				return nil
			}
		case ev := <-c.member.Events():
			if c.relay(ev) {
				return nil
			}
		}
	}
}

// handle processes one inbound frame and reports whether the session is over.
func (c *clientSession) handle(ctx context.Context, data []byte) bool {
	env, verrs := parseEnvelope(data, clientTypes)
	if verrs != nil {
		return c.send(errorMessage(verrs))
	}
	observability.InboundMessages.WithLabelValues(RoleClient, env.MessageType).Inc()

	switch env.MessageType {
	case TypeMakeOrder:
		return c.makeOrder(ctx, env.Info)
	case TypeCancel:
		return c.cancel(ctx)
	}
	return false
}

func (c *clientSession) makeOrder(ctx context.Context, raw json.RawMessage) bool {
	if c.placed {
		return c.send(detail(reasonOrderExists))
	}
	var info MakeOrderInfo
	if verrs := decodeInfo(c.svc.validate, raw, &info); verrs != nil {
		return c.send(errorMessage(verrs))
	}
	order := models.Order{
		LocationFrom: *info.LocationFrom,
		LocationTo:   *info.LocationTo,
		Fare:         info.Fare,
		Price:        info.Price.Round(2),
	}

	valid, err := c.svc.quotes.IsQuoteValid(ctx, c.rider, order.Fare, order.Price)
	if err != nil {
		c.log.WithError(err).Error("quote lookup failed")
		return c.abort(reasonService)
	}
	if !valid {
		return c.abort(reasonPriceIrrelevant)
	}

	solvent, err := c.svc.billing.CheckSolvency(ctx, c.key, c.rider, order.Price)
	if err != nil {
		c.log.WithError(err).Error("solvency check failed")
		return c.abort(reasonService)
	}
	if !solvent {
		c.log.WithField("price", order.Price.StringFixed(2)).Info("order refused, insufficient funds")
		return c.abort(reasonInsolvent)
	}

	if err := c.svc.store.Add(ctx, c.key, models.PendingOrder{Order: order, Rider: c.rider}); err != nil {
		c.svc.release(ctx, c.key)
		if errors.Is(err, orders.ErrOutsideServiceArea) {
			return c.abort(reasonOutsideArea)
		}
		c.log.WithError(err).Error("store order failed")
		return c.abort(reasonService)
	}
	c.placed = true
	observability.PendingOrders.Inc()
	c.log.WithFields(logrus.Fields{"fare": order.Fare, "price": order.Price.StringFixed(2)}).Info("order placed")
	return false
}

func (c *clientSession) cancel(ctx context.Context) bool {
	if !c.placed {
		return true
	}
	removed, err := c.svc.store.Remove(ctx, c.key)
	if err != nil {
		c.log.WithError(err).Warn("remove order failed")
	}
	if removed {
		observability.PendingOrders.Dec()
		observability.Cancellations.WithLabelValues(RoleClient).Inc()
		c.svc.release(ctx, c.key)
		c.placed = false
		c.log.Info("order cancelled before match")
		return true
	}

	// A driver took the order; cancel the ride through its group.
	r := c.svc.rides.get(c.key)
	if r == nil {
		return true
	}
	entry, ok := r.cancel(RoleClient)
	if !ok {
		return c.send(detail(reasonCannotCancel))
	}
	c.svc.cancelRide(ctx, r, entry, RoleClient)
	c.log.Info("ride cancelled by client")
	// Our own CANCEL arrives through the mailbox and ends the session.
	return false
}

// relay forwards a group event to the rider.
func (c *clientSession) relay(ev models.Message) bool {
	if ev.MessageType == TypeDriverData {
		c.matched = true
	}
	if c.send(ev) {
		return true
	}
	if ev.MessageType == ride.TripEnding.String() {
		c.log.Info("ride completed")
	}
	return endsSession(ev)
}

// cleanup withdraws an order nobody took.
func (c *clientSession) cleanup(ctx context.Context) {
	if !c.placed || c.matched {
		return
	}
	ctx, cancel := cleanupContext(ctx)
	defer cancel()
	removed, err := c.svc.store.Remove(ctx, c.key)
	if err != nil {
		c.log.WithError(err).Warn("remove order on disconnect failed")
		return
	}
	if removed {
		observability.PendingOrders.Dec()
		c.svc.release(ctx, c.key)
	}
}

// send writes msg and reports whether the connection is unusable.
func (c *clientSession) send(msg models.Message) bool {
	if err := c.conn.WriteJSON(msg); err != nil {
		c.log.WithError(err).Debug("write failed")
		return true
	}
	return false
}

// abort reports a fatal business error and ends the session.
func (c *clientSession) abort(reason string) bool {
	c.send(detail(reason))
	return true
}
