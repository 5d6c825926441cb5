package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/example/taxi-dispatch/internal/models"
	"github.com/example/taxi-dispatch/internal/pricing"
	"github.com/example/taxi-dispatch/internal/realtime"
)

const maxBodyBytes = 1 << 16

// Deps are the collaborators the HTTP surface routes to.
type Deps struct {
	Realtime       *realtime.Service
	Quoter         pricing.Quoter
	Quotes         pricing.QuoteCache
	Ready          func(ctx context.Context) error // nil reports ready
	IdentityHeader string
	Logger         *logrus.Logger
}

type Server struct {
	realtime       *realtime.Service
	quoter         pricing.Quoter
	quotes         pricing.QuoteCache
	ready          func(ctx context.Context) error
	identityHeader string
	logger         *logrus.Logger
	upgrader       websocket.Upgrader
	mux            *mux.Router
}

func NewServer(d Deps) *Server {
	s := &Server{
		realtime:       d.Realtime,
		quoter:         d.Quoter,
		quotes:         d.Quotes,
		ready:          d.Ready,
		identityHeader: d.IdentityHeader,
		logger:         d.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browsers connect from the app origin; the gateway in front enforces it.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		mux: mux.NewRouter(),
	}
	if s.identityHeader == "" {
		s.identityHeader = "X-User-ID"
	}
	if s.logger == nil {
		s.logger = logrus.StandardLogger()
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())

	authed := s.mux.NewRoute().Subrouter()
	authed.Use(s.identityMiddleware)
	authed.HandleFunc("/api/v1/price_list", s.handlePriceList).Methods(http.MethodPost)
	authed.HandleFunc("/ws/client", s.handleClientWS).Methods(http.MethodGet)
	authed.HandleFunc("/ws/driver", s.handleDriverWS).Methods(http.MethodGet)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.logger.WithError(err).Warn("readiness check failed")
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

type priceListRequest struct {
	LocationFrom *models.Coord `json:"location_from" validate:"required"`
	LocationTo   *models.Coord `json:"location_to" validate:"required"`
}

func (s *Server) handlePriceList(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "Could not read request body."})
		return
	}
	var req priceListRequest
	if verrs := s.realtime.DecodeInfo(body, &req); verrs != nil {
		writeJSON(w, http.StatusBadRequest, verrs)
		return
	}

	rider := userFromContext(r.Context())
	log := s.logger.WithFields(logrus.Fields{"user": rider, "request_id": requestIDFromContext(r.Context())})
	quotes, err := s.quoter.GetPriceList(r.Context(), *req.LocationFrom, *req.LocationTo)
	if err != nil {
		log.WithError(err).Warn("price list unavailable")
		writeJSON(w, http.StatusBadRequest, map[string][]string{"error": {pricing.ErrServiceInteraction.Error()}})
		return
	}
	if err := s.quotes.SetQuotes(r.Context(), rider, quotes); err != nil {
		log.WithError(err).Error("store quotes failed")
		writeJSON(w, http.StatusBadRequest, map[string][]string{"error": {pricing.ErrServiceInteraction.Error()}})
		return
	}
	writeJSON(w, http.StatusOK, map[string][]pricing.Quote{"price_list": quotes})
}

func (s *Server) handleClientWS(w http.ResponseWriter, r *http.Request) {
	s.serveWS(w, r, realtime.RoleClient, s.realtime.ServeClient)
}

func (s *Server) handleDriverWS(w http.ResponseWriter, r *http.Request) {
	s.serveWS(w, r, realtime.RoleDriver, s.realtime.ServeDriver)
}

type sessionFunc func(ctx context.Context, conn realtime.Conn, userID string) error

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request, role string, serve sessionFunc) {
	user := userFromContext(r.Context())
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.WithError(err).WithField("role", role).Debug("websocket upgrade failed")
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ws := newWSConn(conn)
	go ws.keepAlive(ctx)
	if err := serve(ctx, ws, user); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.WithError(err).WithFields(logrus.Fields{"role": role, "user": user}).Warn("session ended with error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
