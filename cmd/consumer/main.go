package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/example/taxi-dispatch/internal/config"
	"github.com/example/taxi-dispatch/internal/events"
	"github.com/example/taxi-dispatch/internal/logging"
	"github.com/example/taxi-dispatch/internal/ride"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_ride_events_consumed_total",
		Help: "Total ride events consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_ride_events_invalid_total",
		Help: "Total ride events that could not be decoded",
	})
	redisUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_updates_total",
		Help: "Total successful driver stats updates",
	})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_errors_total",
		Help: "Total driver stats updates that failed after retries",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, redisUpdates, redisErrors)
}

func main() {
	cfg, err := config.LoadConsumerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.WithError(err).Fatal("invalid configuration")
	}
	// allow overriding the metrics address for local runs
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "address to serve prometheus metrics on")
	flag.Parse()

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	stats := &redisStats{c: rc}

	// start metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
		})
		logger.WithField("addr", cfg.MetricsAddr).Info("metrics/health listening")
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.WithError(err).Warn("metrics server stopped")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.Topic, GroupID: cfg.Group, MinBytes: 1, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	log := logger.WithFields(logrus.Fields{"topic": cfg.Topic, "group": cfg.Group})
	log.WithField("brokers", cfg.KafkaBrokers).Info("consumer listening")

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("shutting down consumer")
				return
			}
			log.WithError(err).WithField("backoff", backoff.String()).Warn("kafka read error")
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		msgsConsumed.Inc()

		ev, err := events.Decode(m.Value)
		if err != nil {
			msgsInvalid.Inc()
			log.WithError(err).WithField("offset", m.Offset).Warn("invalid ride event")
			continue
		}

		delta, ok := deltaFor(ev)
		if !ok {
			continue
		}
		if err := updateRedisWithRetry(ctx, stats, ev.DriverID, delta, cfg.RedisRetries, cfg.RetryDelay); err != nil {
			redisErrors.Inc()
			log.WithError(err).WithFields(logrus.Fields{"driver": ev.DriverID, "session_key": ev.SessionKey}).Error("driver stats update failed")
			continue
		}
		redisUpdates.Inc()
	}
}

// statsDelta is what one ride event adds to a driver's running totals.
type statsDelta struct {
	Completed int64
	Cancelled int64
	Earned    float64
}

// deltaFor maps a ride event to a stats change. Only finished and cancelled
// rides with a known driver count.
func deltaFor(ev events.RideEvent) (statsDelta, bool) {
	if ev.DriverID == "" {
		return statsDelta{}, false
	}
	switch ev.Status {
	case ride.TripEnding.String():
		earned, _ := ev.Order.Price.Float64()
		return statsDelta{Completed: 1, Earned: earned}, true
	case events.StatusCancel, events.StatusAbandoned:
		return statsDelta{Cancelled: 1}, true
	}
	return statsDelta{}, false
}

func statsKey(driverID string) string { return "driver:stats:" + driverID }

// StatsUpdater applies one delta to a driver's stats hash atomically.
type StatsUpdater interface {
	Apply(ctx context.Context, key string, d statsDelta) error
}

type redisStats struct{ c redis.Cmdable }

func (r *redisStats) Apply(ctx context.Context, key string, d statsDelta) error {
	_, err := r.c.TxPipelined(ctx, func(p redis.Pipeliner) error {
		if d.Completed != 0 {
			p.HIncrBy(ctx, key, "rides_completed", d.Completed)
		}
		if d.Cancelled != 0 {
			p.HIncrBy(ctx, key, "rides_cancelled", d.Cancelled)
		}
		if d.Earned != 0 {
			p.HIncrByFloat(ctx, key, "earned", d.Earned)
		}
		return nil
	})
	return err
}

// updateRedisWithRetry applies d with bounded retries and doubling backoff.
func updateRedisWithRetry(ctx context.Context, su StatsUpdater, driverID string, d statsDelta, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = su.Apply(ctx, statsKey(driverID), d); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
