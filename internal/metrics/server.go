package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// StatusFunc assembles the worker status document served on /status.
type StatusFunc func(ctx context.Context) (any, error)

// ZoneActivityFunc answers /zones/activity queries for one zone.
type ZoneActivityFunc func(ctx context.Context, zoneID int64) (any, error)

// NewServer serves /metrics, /healthz, /status and /zones/activity on the
// service port. This is operational surface only; the product API lives
// elsewhere.
func NewServer(lc fx.Lifecycle, port int, m *Metrics, status StatusFunc, activity ZoneActivityFunc, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		doc, err := status(ctx)
		if err != nil {
			logger.Warn("status query failed", zap.Error(err))
			http.Error(w, "status unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(doc); err != nil {
			logger.Warn("failed to encode status response", zap.Error(err))
		}
	})

	mux.HandleFunc("/zones/activity", func(w http.ResponseWriter, r *http.Request) {
		zoneID, err := strconv.ParseInt(r.URL.Query().Get("zone_id"), 10, 64)
		if err != nil {
			http.Error(w, "zone_id must be an integer", http.StatusBadRequest)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		doc, err := activity(ctx, zoneID)
		if err != nil {
			logger.Warn("zone activity query failed", zap.Error(err), zap.Int64("zone_id", zoneID))
			http.Error(w, "zone activity unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(doc); err != nil {
			logger.Warn("failed to encode zone activity response", zap.Error(err))
		}
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("starting metrics listener", zap.String("addr", srv.Addr))
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Error("metrics listener failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})

	return srv
}
