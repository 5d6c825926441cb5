package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/example/taxi-dispatch/internal/config"
	"github.com/example/taxi-dispatch/internal/dispatch"
	"github.com/example/taxi-dispatch/internal/eta"
	"github.com/example/taxi-dispatch/internal/events"
	httpapi "github.com/example/taxi-dispatch/internal/http"
	"github.com/example/taxi-dispatch/internal/logging"
	"github.com/example/taxi-dispatch/internal/matcher"
	"github.com/example/taxi-dispatch/internal/orders"
	"github.com/example/taxi-dispatch/internal/payments"
	"github.com/example/taxi-dispatch/internal/pricing"
	"github.com/example/taxi-dispatch/internal/realtime"
	"github.com/example/taxi-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.WithError(err).Fatal("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		store  orders.Store
		quotes pricing.QuoteCache
		ready  func(context.Context) error
	)
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		if err := rc.Ping(ctx).Err(); err != nil {
			logger.WithError(err).WithField("addr", cfg.RedisAddr).Fatal("redis unreachable")
		}
		store = orders.NewRedisStore(rc, cfg.RedisOrdersPrefix, cfg.MatchRadiusKm)
		quotes = pricing.NewRedisQuoteCache(rc, cfg.QuoteTTL)
		ready = func(ctx context.Context) error { return rc.Ping(ctx).Err() }
	} else {
		logger.Warn("REDIS_ADDR not set, pending orders and quotes are kept in memory")
		store = orders.NewMemoryStore(cfg.MatchRadiusKm)
		quotes = pricing.NewMemoryQuoteCache(cfg.QuoteTTL)
	}

	var (
		billing payments.Billing
		drivers storage.DriverDirectory
	)
	var pg *storage.PostgresStore
	if cfg.PGDSN != "" {
		pg, err = storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.WithError(err).Fatal("postgres unreachable")
		}
		defer pg.Close()
		if cfg.RunMigrations {
			applied, err := pg.Migrate(ctx)
			if err != nil {
				logger.WithError(err).Fatal("migration failed")
			}
			logger.WithField("files", applied).Info("migrations applied")
		}
		billing, drivers = pg, pg
	} else {
		ledger := storage.NewMemoryStore(cfg.LedgerDefaultBalance)
		logger.WithField("default_balance", cfg.LedgerDefaultBalance.StringFixed(2)).Warn("PG_DSN not set, using in-memory ledger")
		billing, drivers = ledger, ledger
	}
	if cfg.StripeAPIKey != "" {
		var customers payments.CustomerDirectory
		if pg != nil {
			customers = pg
		}
		billing = payments.NewStripeBilling(cfg.StripeAPIKey, cfg.StripeCurrency, customers, nil)
		logger.WithField("currency", cfg.StripeCurrency).Info("card payments enabled")
	}

	var publisher events.Publisher = events.Discard{}
	if len(cfg.KafkaBrokers) > 0 {
		publisher = events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaRideTopic)
	}
	defer publisher.Close()

	estimator := &eta.Estimator{
		Cache:    eta.NewCache(cfg.ETACacheTTL),
		SpeedMps: cfg.DefaultSpeedMps,
		Logger:   logger,
	}
	if cfg.OSRMURL != "" {
		estimator.Client = eta.NewOSRMClient(cfg.OSRMURL)
	}

	if cfg.PricingURL == "" {
		logger.Warn("PRICING_URL not set, price list requests will fail")
	}

	svc := realtime.NewService(realtime.Options{
		Store:        store,
		Groups:       dispatch.NewGroups(logger),
		Quotes:       quotes,
		Billing:      billing,
		Drivers:      drivers,
		ETA:          estimator,
		Events:       publisher,
		Searcher:     matcher.NewSearcher(store, cfg.SearchAttempts, cfg.SearchDelay, nil, logger),
		RetryBudget:  cfg.DriverRetryBudget,
		OfferTimeout: cfg.OfferTimeout,
		Logger:       logger,
	})
	api := httpapi.NewServer(httpapi.Deps{
		Realtime:       svc,
		Quoter:         pricing.NewHTTPQuoter(cfg.PricingURL),
		Quotes:         quotes,
		Ready:          ready,
		IdentityHeader: cfg.IdentityHeader,
		Logger:         logger,
	})

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
		// Hijacked websocket sessions are not tracked by Shutdown; they end with ctx.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	go func() {
		logger.WithField("addr", cfg.HTTPAddr).Info("taxi-dispatch listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("http server stopped")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("graceful shutdown incomplete")
	}
}
