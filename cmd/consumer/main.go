// The consumer mirrors ride events from kafka into redis so other
// processes (dashboards, standby API instances) share the availability
// view without hitting the primary store.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total ride events consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	redisUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_updates_total",
		Help: "Total successful redis updates",
	})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_errors_total",
		Help: "Total redis errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, redisUpdates, redisErrors)
}

func main() {
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	mirror := &redisMirror{c: rc}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ok"))
		})
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    cfg.KafkaTopic,
		GroupID:  cfg.KafkaGroupID,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("consumer started", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroupID)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		msgsConsumed.Inc()

		var ev notify.Event
		if err := json.Unmarshal(m.Value, &ev); err != nil {
			msgsInvalid.Inc()
			logger.Warn("invalid event", "error", err)
			continue
		}

		if err := applyEventWithRetry(ctx, mirror, cfg.RedisDriverKey, ev, 3, 200*time.Millisecond); err != nil {
			redisErrors.Inc()
			logger.Warn("redis mirror failed", "channel", ev.Channel, "error", err)
			continue
		}
		redisUpdates.Inc()
	}
}

// RedisMirror is the subset of redis operations the mirror needs, kept
// small so tests can fake it.
type RedisMirror interface {
	SAdd(ctx context.Context, key, member string) error
	SRem(ctx context.Context, key, member string) error
	HSet(ctx context.Context, key string, values map[string]interface{}) error
}

type redisMirror struct{ c *redis.Client }

func (r *redisMirror) SAdd(ctx context.Context, key, member string) error {
	return r.c.SAdd(ctx, key, member).Err()
}

func (r *redisMirror) SRem(ctx context.Context, key, member string) error {
	return r.c.SRem(ctx, key, member).Err()
}

func (r *redisMirror) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	return r.c.HSet(ctx, key, values).Err()
}

// applyEvent mirrors one ride event. Per-ride updates record the latest
// status and adjust the shared availability set by the ride's driver: a
// claimed ride removes the driver, a completed one returns them. Cancelled
// rides leave the set alone since the driver is not freed on cancel.
func applyEvent(ctx context.Context, rc RedisMirror, driverKey string, ev notify.Event) error {
	if !strings.HasPrefix(ev.Channel, "rideUpdates/") {
		return nil
	}
	var ride models.Ride
	if err := json.Unmarshal(ev.Payload, &ride); err != nil {
		return err
	}
	if ride.ID != "" {
		if err := rc.HSet(ctx, "ride:status", map[string]interface{}{ride.ID: string(ride.Status)}); err != nil {
			return err
		}
	}
	if ride.DriverID == "" {
		return nil
	}
	switch ride.Status {
	case models.RideAccepted, models.RideInProgress:
		return rc.SRem(ctx, driverKey, ride.DriverID)
	case models.RideCompleted:
		return rc.SAdd(ctx, driverKey, ride.DriverID)
	}
	return nil
}

func applyEventWithRetry(ctx context.Context, rc RedisMirror, driverKey string, ev notify.Event, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = applyEvent(ctx, rc, driverKey, ev); err == nil {
			return nil
		}
		if i < attempts-1 {
			time.Sleep(delay)
			delay *= 2
		}
	}
	return err
}
