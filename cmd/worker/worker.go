package main

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/roadhawk/hazard-broadcast-worker/internal/analytics"
	"github.com/roadhawk/hazard-broadcast-worker/internal/config"
	"github.com/roadhawk/hazard-broadcast-worker/internal/db"
	"github.com/roadhawk/hazard-broadcast-worker/internal/dedup"
	"github.com/roadhawk/hazard-broadcast-worker/internal/dispatch"
	"github.com/roadhawk/hazard-broadcast-worker/internal/geofence"
	"github.com/roadhawk/hazard-broadcast-worker/internal/metrics"
	"github.com/roadhawk/hazard-broadcast-worker/internal/mq"
	"github.com/roadhawk/hazard-broadcast-worker/internal/mqtt"
	"github.com/roadhawk/hazard-broadcast-worker/internal/repository"
	"github.com/roadhawk/hazard-broadcast-worker/internal/retry"
	"github.com/roadhawk/hazard-broadcast-worker/internal/service"
	"github.com/roadhawk/hazard-broadcast-worker/internal/subscription"
)

func startWorker(
	lc fx.Lifecycle,
	conn *mq.Connection,
	cfg *config.Config,
	logger *zap.Logger,
	processor *service.ProcessorService,
) (*mq.Consumer, error) {
	// Create context for consumer that will be cancelled on shutdown
	ctx, cancel := context.WithCancel(context.Background())

	consumer, err := mq.NewConsumer(mq.ConsumerConfig{
		Connection:    conn,
		Queue:         cfg.RabbitMQ.IngestQueue,
		DLQQueue:      cfg.RabbitMQ.DLQQueue,
		Exchange:      cfg.RabbitMQ.IngestExchange,
		RoutingKey:    cfg.RabbitMQ.IngestRoutingKey,
		PrefetchCount: cfg.RabbitMQ.PrefetchCount,
		Logger:        logger,
		Handler:       processor.ProcessMessage,
	})
	if err != nil {
		cancel()
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			logger.Info("starting detection consumer",
				zap.String("queue", cfg.RabbitMQ.IngestQueue),
				zap.Int("prefetch", cfg.RabbitMQ.PrefetchCount))
			return consumer.Start(ctx)
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			if err := consumer.Close(); err != nil {
				logger.Error("failed to close consumer", zap.Error(err))
				return err
			}
			logger.Info("worker stopped gracefully")
			return nil
		},
	})

	return consumer, nil
}

// ProvideRepository creates the repository instance
func ProvideRepository(pool *db.Pool, cfg *config.Config) *repository.Repository {
	return repository.NewRepository(pool, cfg.Geofence.DefaultRadiusMeters)
}

// ProvideDedupCache creates the fingerprint cache; the janitor sweeps at the
// TTL interval, lazy replacement covers the rest.
func ProvideDedupCache(lc fx.Lifecycle, cfg *config.Config) *dedup.Cache {
	cache := dedup.NewCache(cfg.Dedup.TTL)
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			cache.Close()
			return nil
		},
	})
	return cache
}

// ProvideGeofenceIndex creates the zone index over the repository
func ProvideGeofenceIndex(repo *repository.Repository) *geofence.Index {
	return geofence.NewIndex(repo)
}

// ProvideSubscriptionRouter creates the subscriber router over the repository
func ProvideSubscriptionRouter(repo *repository.Repository) *subscription.Router {
	return subscription.NewRouter(repo)
}

// ProvideMetrics creates the prometheus counter set
func ProvideMetrics() *metrics.Metrics {
	return metrics.New()
}

// ProvideDispatcher creates the publish dispatcher over the MQTT transport
func ProvideDispatcher(client *mqtt.Client, repo *repository.Repository, cfg *config.Config, logger *zap.Logger) *dispatch.Dispatcher {
	return dispatch.NewDispatcher(dispatch.Options{
		Transport: client,
		Logs:      repo,
		Topics:    dispatch.TopicScheme{Namespace: cfg.MQTT.TopicNamespace},
		Retry: retry.Config{
			MaxAttempts:  cfg.Retry.MaxAttempts,
			InitialDelay: cfg.Retry.InitialDelay,
			MaxDelay:     cfg.Retry.MaxDelay,
			Multiplier:   cfg.Retry.Multiplier,
			AddJitter:    true,
		},
		Enabled:    cfg.MQTT.Enabled,
		DefaultQoS: cfg.MQTT.DefaultQoS,
		Logger:     logger,
	})
}

// ProvideAnalyticsCache creates the TTL'd result cache over the repository
func ProvideAnalyticsCache(repo *repository.Repository, logger *zap.Logger) *analytics.Cache {
	return analytics.NewCache(repo, logger)
}

// ProvideReaper schedules the analytics cache reaper
func ProvideReaper(lc fx.Lifecycle, cache *analytics.Cache, cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) (*analytics.Reaper, error) {
	return analytics.NewReaper(lc, cache, cfg.Analytics.ReaperSchedule, m.ReaperRemoved, logger)
}

// ProvideActivityService creates the cached zone activity service
func ProvideActivityService(cache *analytics.Cache, repo *repository.Repository, cfg *config.Config, logger *zap.Logger) *analytics.ActivityService {
	return analytics.NewActivityService(cache, repo, cfg.Analytics.ActivityTTL, cfg.Analytics.ActivityLimit, logger)
}

// ProvideProcessorService creates the broadcast pipeline processor
func ProvideProcessorService(
	dedupCache *dedup.Cache,
	zones *geofence.Index,
	router *subscription.Router,
	dispatcher *dispatch.Dispatcher,
	repo *repository.Repository,
	m *metrics.Metrics,
	cfg *config.Config,
	logger *zap.Logger,
) *service.ProcessorService {
	return service.NewProcessorService(dedupCache, zones, router, dispatcher, repo, m, cfg, logger)
}

// ProvideDBPool creates the database pool instance
func ProvideDBPool(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*db.Pool, error) {
	return db.NewPool(lc, logger, cfg.Database.URL)
}

// ProvideMQConnection creates the RabbitMQ connection instance
func ProvideMQConnection(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*mq.Connection, error) {
	return mq.NewConnection(lc, logger, cfg.RabbitMQ.URL)
}

// ProvideMQTTClient creates the outbound broker client
func ProvideMQTTClient(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) (*mqtt.Client, error) {
	return mqtt.NewClient(lc, cfg, logger)
}

// workerStatus is the document served on /status.
type workerStatus struct {
	Service    string               `json:"service"`
	Transport  mqtt.Status          `json:"transport"`
	PublishLog publishLogStatus     `json:"publish_log"`
	Reaper     analytics.ReapResult `json:"reaper"`
}

type publishLogStatus struct {
	Pending   int64 `json:"pending"`
	Published int64 `json:"published"`
	Failed    int64 `json:"failed"`
}

// startMetricsServer wires the operational listener: /metrics, /healthz,
// cached per-zone activity on /zones/activity, and a /status document
// aggregating transport state, publish log counts and the last reaper run.
func startMetricsServer(
	lc fx.Lifecycle,
	cfg *config.Config,
	m *metrics.Metrics,
	client *mqtt.Client,
	repo *repository.Repository,
	reaper *analytics.Reaper,
	activity *analytics.ActivityService,
	logger *zap.Logger,
) {
	status := func(ctx context.Context) (any, error) {
		counts, err := repo.PublishLogCounts(ctx)
		if err != nil {
			return nil, err
		}
		return workerStatus{
			Service:   cfg.ServiceName,
			Transport: client.Status(),
			PublishLog: publishLogStatus{
				Pending:   counts.Pending,
				Published: counts.Published,
				Failed:    counts.Failed,
			},
			Reaper: reaper.LastResult(),
		}, nil
	}
	zoneActivity := func(ctx context.Context, zoneID int64) (any, error) {
		return activity.ZoneActivity(ctx, zoneID)
	}
	metrics.NewServer(lc, cfg.ServicePort, m, status, zoneActivity, logger)
}

// startStatusPublisher announces the transport status on the system status
// topic at a fixed interval. Disabled transport or a zero interval turns the
// publisher off entirely.
func startStatusPublisher(
	lc fx.Lifecycle,
	cfg *config.Config,
	dispatcher *dispatch.Dispatcher,
	client *mqtt.Client,
	logger *zap.Logger,
) {
	if !cfg.MQTT.Enabled || cfg.MQTT.StatusInterval <= 0 {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			go func() {
				defer close(done)
				ticker := time.NewTicker(cfg.MQTT.StatusInterval)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						if err := dispatcher.PublishStatus(ctx, client.Status()); err != nil {
							logger.Warn("status publish failed", zap.Error(err))
						}
					}
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			<-done
			return nil
		},
	})
}
