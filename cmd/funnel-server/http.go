package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/BearBump/TrackFunnel/config"
	"github.com/BearBump/TrackFunnel/internal/api/leadsapi"
	"github.com/BearBump/TrackFunnel/internal/services/scheduler"
	"github.com/go-chi/chi/v5"
	httpSwagger "github.com/swaggo/http-swagger"
)

type httpOpts struct {
	swaggerPath string

	api    *leadsapi.API
	runner *scheduler.Runner
	store  any
	cfg    *config.Config
}

type pinger interface {
	Ping(ctx context.Context) error
}

func runHTTPServer(ctx context.Context, lis net.Listener, opts httpOpts) error {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if p, ok := opts.store.(pinger); ok {
			pingCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := p.Ping(pingCtx); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_ = json.NewEncoder(w).Encode(map[string]string{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})

	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if opts.runner == nil {
			_, _ = w.Write([]byte(`{"error":"scheduler not wired"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(opts.runner.Stats())
	})

	r.Get("/config", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if opts.cfg == nil {
			_, _ = w.Write([]byte(`{"error":"config not wired"}`))
			return
		}
		fc := opts.cfg.Funnel
		// No credentials here: pix_api_key and database settings stay out.
		out := map[string]any{
			"store":                       fc.Store,
			"trackingTtlSeconds":          fc.TrackingTTLSeconds,
			"schedulerPollIntervalMillis": fc.SchedulerPollIntervalMillis,
			"originDelaySeconds":          fc.OriginDelaySeconds,
			"customsDelaySeconds":         fc.CustomsDelaySeconds,
			"transitMinDelaySeconds":      fc.TransitMinDelaySeconds,
			"transitMaxDelaySeconds":      fc.TransitMaxDelaySeconds,
			"redeliveryDelaySeconds":      fc.RedeliveryDelaySeconds,
			"batchYieldEvery":             fc.BatchYieldEvery,
			"customsFee":                  fc.CustomsFee,
			"deliveryFees":                fc.DeliveryFees,
			"maxDeliveryAttempts":         fc.MaxDeliveryAttempts,
			"pixMode":                     fc.PixMode,
			"chargeLimitPerHour":          fc.ChargeLimitPerHour,
		}
		_ = json.NewEncoder(w).Encode(out)
	})

	r.Post("/trigger", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if opts.runner == nil {
			_, _ = w.Write([]byte(`{"error":"scheduler not wired"}`))
			return
		}
		opts.runner.Trigger()
		_, _ = w.Write([]byte(`{"triggered":true}`))
	})

	// no-store plus a mtime cache buster so /docs always shows the current file.
	r.Get("/swagger.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		http.ServeFile(w, r, opts.swaggerPath)
	})
	swaggerURL := "/swagger.json"
	if fi, err := os.Stat(opts.swaggerPath); err == nil {
		swaggerURL = fmt.Sprintf("/swagger.json?v=%d", fi.ModTime().Unix())
	}
	r.Get("/docs/*", httpSwagger.Handler(httpSwagger.URL(swaggerURL)))

	if opts.api != nil {
		opts.api.Mount(r)
	}

	srv := &http.Server{Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = lis.Close()
	}()

	slog.Info("HTTP server listening", "addr", lis.Addr().String())
	return srv.Serve(lis)
}
