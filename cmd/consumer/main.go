package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total driver location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	redisUpdates = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_redis_updates_total",
		Help: "Total successful redis updates by operation",
	}, []string{"op"})
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
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	// allow overriding the metrics address for local runs
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "address to serve prometheus metrics on")
	flag.Parse()

	logger := logging.NewLogger(cfg.LogLevel, "location-mirror")

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	mirror := geo.NewRedisMirror(rc, cfg.RedisGeoKey)

	// start metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK); _, _ = w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := mirror.Ping(r.Context()); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
		})
		mux.Handle("/drivers/nearby", nearbyHandler(mirror, logger))
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.Topic, GroupID: cfg.Group, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("consumer listening", "topic", cfg.Topic, "brokers", cfg.KafkaBrokers, "group", cfg.Group)

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

		var ev models.DriverLocationEvent
		if err := json.Unmarshal(m.Value, &ev); err != nil || ev.DriverID == "" {
			msgsInvalid.Inc()
			logger.Warn("invalid message", "partition", m.Partition, "offset", m.Offset, "error", err)
			continue
		}

		op, err := updateRedisWithRetry(ctx, mirror, &ev, 3, 200*time.Millisecond)
		if err != nil {
			redisErrors.Inc()
			logger.Error("redis update failed", "driver_id", ev.DriverID, "error", err)
			continue
		}
		redisUpdates.WithLabelValues(op).Inc()
	}
}

// LocationMirror is the subset of the Redis mirror the consumer writes through.
type LocationMirror interface {
	GeoAdd(ctx context.Context, loc *redis.GeoLocation) error
	HSet(ctx context.Context, id string, values map[string]interface{}) error
	Remove(ctx context.Context, id string) error
}

// updateRedisWithRetry applies one location event with retry/backoff. Online
// events upsert position and metadata; offline events remove the driver.
// It returns the operation applied ("upsert" or "remove").
func updateRedisWithRetry(ctx context.Context, rc LocationMirror, ev *models.DriverLocationEvent, attempts int, delay time.Duration) (string, error) {
	op := "upsert"
	apply := func() error {
		if err := rc.GeoAdd(ctx, &redis.GeoLocation{Longitude: ev.Loc.Lng, Latitude: ev.Loc.Lat, Name: ev.DriverID}); err != nil {
			return err
		}
		return rc.HSet(ctx, ev.DriverID, geo.MetaFields(*ev))
	}
	if !ev.Online {
		op = "remove"
		apply = func() error { return rc.Remove(ctx, ev.DriverID) }
	}

	var err error
	for i := 0; i < attempts; i++ {
		if err = apply(); err == nil {
			return op, nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return op, errors.Join(err, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
	return op, err
}

type nearbySource interface {
	Nearby(ctx context.Context, at models.Coord, radiusKm float64, limit int) ([]models.DriverPresence, error)
}

// nearbyHandler serves GET /drivers/nearby?lat=&lng=&radiusKm=&limit= from the mirror.
func nearbyHandler(src nearbySource, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
		lng, errLng := strconv.ParseFloat(q.Get("lng"), 64)
		if errLat != nil || errLng != nil {
			http.Error(w, "lat and lng are required", http.StatusBadRequest)
			return
		}
		radius := geo.DefaultMaxDistanceKm
		if v := q.Get("radiusKm"); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil || f <= 0 {
				http.Error(w, "radiusKm must be positive", http.StatusBadRequest)
				return
			}
			radius = f
		}
		limit := 20
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
				return
			}
			limit = n
		}
		drivers, err := src.Nearby(r.Context(), models.Coord{Lat: lat, Lng: lng}, radius, limit)
		if err != nil {
			logger.Error("nearby lookup failed", "error", err)
			http.Error(w, "lookup failed", http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(drivers)
	})
}
