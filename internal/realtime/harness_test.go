package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/example/taxi-dispatch/internal/dispatch"
	"github.com/example/taxi-dispatch/internal/events"
	"github.com/example/taxi-dispatch/internal/matcher"
	"github.com/example/taxi-dispatch/internal/models"
	"github.com/example/taxi-dispatch/internal/orders"
	"github.com/example/taxi-dispatch/internal/pricing"
	"github.com/example/taxi-dispatch/internal/storage"
)

var errConnClosed = errors.New("connection closed")

type wireMessage struct {
	MessageType string          `json:"message_type"`
	Info        json.RawMessage `json:"info"`
}

func (m wireMessage) info(t *testing.T) map[string]any {
	t.Helper()
	out := map[string]any{}
	if len(m.Info) > 0 {
		require.NoError(t, json.Unmarshal(m.Info, &out))
	}
	return out
}

// fakeConn is an in-memory websocket: tests push frames into in and read
// what the session wrote from out.
type fakeConn struct {
	in     chan []byte
	out    chan wireMessage
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), out: make(chan wireMessage, 64), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case b := <-c.in:
		return 1, b, nil
	case <-c.closed:
		return 0, nil, errConnClosed
	}
}

func (c *fakeConn) WriteJSON(v any) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var m wireMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	c.out <- m
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) push(t *testing.T, messageType string, info any) {
	t.Helper()
	frame := map[string]any{"message_type": messageType}
	if info != nil {
		frame["info"] = info
	}
	b, err := json.Marshal(frame)
	require.NoError(t, err)
	c.in <- b
}

func (c *fakeConn) pushRaw(raw string) { c.in <- []byte(raw) }

func (c *fakeConn) expect(t *testing.T, messageType string) wireMessage {
	t.Helper()
	select {
	case m := <-c.out:
		require.Equal(t, messageType, m.MessageType, "info: %s", string(m.Info))
		return m
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", messageType)
		return wireMessage{}
	}
}

func (c *fakeConn) expectDetail(t *testing.T, reason string) {
	t.Helper()
	m := c.expect(t, TypeError)
	require.Equal(t, reason, m.info(t)["detail"])
}

func (c *fakeConn) expectSilence(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case m := <-c.out:
		t.Fatalf("unexpected %s %s", m.MessageType, string(m.Info))
	case <-time.After(d):
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.RideEvent
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.RideEvent) error {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) statuses() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Status)
	}
	return out
}

type fixedETA time.Duration

func (f fixedETA) Estimate(context.Context, models.Coord, models.Coord) time.Duration {
	return time.Duration(f)
}

var testNow = time.Date(2024, 3, 8, 12, 0, 0, 0, time.UTC)

type harness struct {
	store  *orders.MemoryStore
	quotes *pricing.MemoryQuoteCache
	ledger *storage.MemoryStore
	events *recordingPublisher
	svc    *Service
}

type harnessConfig struct {
	attempts     int
	delay        time.Duration
	retryBudget  int
	offerTimeout time.Duration
	store        orders.Store
}

func newHarness(t *testing.T, cfg harnessConfig) *harness {
	t.Helper()
	if cfg.attempts == 0 {
		cfg.attempts = 1
	}
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	h := &harness{
		store:  orders.NewMemoryStore(orders.DefaultRadiusKm),
		quotes: pricing.NewMemoryQuoteCache(time.Minute),
		ledger: storage.NewMemoryStore(decimal.NewFromInt(1000)),
		events: &recordingPublisher{},
	}
	var store orders.Store = h.store
	if cfg.store != nil {
		store = cfg.store
	}
	var seq atomic.Int64
	h.svc = NewService(Options{
		Store:        store,
		Groups:       dispatch.NewGroups(logger),
		Quotes:       h.quotes,
		Billing:      h.ledger,
		Drivers:      h.ledger,
		ETA:          fixedETA(4 * time.Minute),
		Events:       h.events,
		Searcher:     matcher.NewSearcher(store, cfg.attempts, cfg.delay, nil, logger),
		RetryBudget:  cfg.retryBudget,
		OfferTimeout: cfg.offerTimeout,
		Now:          func() time.Time { return testNow },
		NewKey:       func() string { return fmt.Sprintf("session-%d", seq.Add(1)) },
		Logger:       logger,
	})
	return h
}

type session struct {
	conn *fakeConn
	done chan error
}

func (s session) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-s.done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end")
	}
}

func (h *harness) client(t *testing.T, rider string) session {
	conn := newFakeConn()
	done := make(chan error, 1)
	go func() { done <- h.svc.ServeClient(context.Background(), conn, rider) }()
	t.Cleanup(func() { _ = conn.Close() })
	return session{conn: conn, done: done}
}

func (h *harness) driver(t *testing.T, id string) session {
	conn := newFakeConn()
	done := make(chan error, 1)
	go func() { done <- h.svc.ServeDriver(context.Background(), conn, id) }()
	t.Cleanup(func() { _ = conn.Close() })
	return session{conn: conn, done: done}
}

func orderInfo(from, to [2]float64, fare, price string) map[string]any {
	return map[string]any{"location_from": from, "location_to": to, "fare": fare, "price": price}
}

// placeOrder quotes fare at price for rider, sends MAKE_ORDER and waits for the store to hold it.
func (h *harness) placeOrder(t *testing.T, rider string, from [2]float64, fare, price string) session {
	t.Helper()
	require.NoError(t, h.quotes.SetQuotes(context.Background(), rider, quotes(fare, price)))
	before := h.store.Len()
	c := h.client(t, rider)
	c.conn.push(t, TypeMakeOrder, orderInfo(from, [2]float64{1, 1}, fare, price))
	require.Eventually(t, func() bool { return h.store.Len() == before+1 }, 2*time.Second, 5*time.Millisecond)
	return c
}

func quotes(fare, price string) []pricing.Quote {
	return []pricing.Quote{{Name: fare, Price: decimal.RequireFromString(price)}}
}

func location(lat, lon float64) map[string]any {
	return map[string]any{"location": [2]float64{lat, lon}}
}

func agree(v bool) map[string]any { return map[string]any{"is_agree": v} }
