package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/darkden-lab/marketplace-realtime/docs"
	"github.com/darkden-lab/marketplace-realtime/internal/changefeed"
	"github.com/darkden-lab/marketplace-realtime/internal/config"
	"github.com/darkden-lab/marketplace-realtime/internal/db"
	"github.com/darkden-lab/marketplace-realtime/internal/metrics"
	mw "github.com/darkden-lab/marketplace-realtime/internal/middleware"
	"github.com/darkden-lab/marketplace-realtime/internal/realtime"
	"github.com/darkden-lab/marketplace-realtime/internal/stats"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	// Database: required by the postgres change feed, optional otherwise.
	var pool *pgxpool.Pool
	database, err := db.New(ctx, cfg.DatabaseURL, len(changefeed.Domains))
	if err != nil {
		if cfg.FeedSource == config.FeedPostgres {
			log.Fatalf("Database connection failed: %v", err)
		}
		log.Printf("WARNING: database connection failed: %v (stats unavailable)", err)
	} else {
		defer database.Close()
		pool = database.Pool
		if err := db.RunMigrations(cfg.DatabaseURL, cfg.MigrationsPath); err != nil {
			log.Printf("WARNING: migrations failed: %v", err)
		}
	}

	// Change feed
	source, err := changefeed.NewSource(cfg, pool)
	if err != nil {
		log.Fatalf("Change feed setup failed: %v", err)
	}
	defer source.Close() //nolint:errcheck // best-effort cleanup on shutdown

	var counter stats.Counter
	if pool != nil {
		counter = stats.NewPostgresCounter(pool)
	} else {
		counter = stats.UnavailableCounter(errors.New("database not connected"))
	}

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.MustNew(reg)

	// Realtime service
	domains, err := changefeed.ParseDomains(cfg.WatchDomains)
	if err != nil {
		log.Fatalf("Invalid WATCH_DOMAINS: %v", err)
	}

	svc, err := realtime.New(realtime.Options{
		Source:           source,
		Counter:          counter,
		Domains:          domains,
		ReconnectDelay:   cfg.ReconnectDelay,
		RetryDelay:       cfg.ReconnectRetryDelay,
		ClientSendBuffer: cfg.ClientSendBuffer,
		StatsTimeout:     cfg.StatsQueryTimeout,
		AllowedOrigins:   cfg.AllowedOrigins,
		Metrics:          m,
	})
	if err != nil {
		log.Fatalf("Realtime service setup failed: %v", err)
	}
	if err := svc.Start(ctx); err != nil {
		log.Fatalf("Realtime service failed to start: %v", err)
	}

	// Router
	r := mux.NewRouter()

	limiter := mw.NewLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	defer limiter.Stop()
	r.Use(limiter.Middleware())

	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})).Methods(http.MethodGet)
	docs.RegisterRoutes(r)
	realtime.NewHandlers(svc).RegisterRoutes(r)

	// HTTP Server: CORS wraps the entire router so OPTIONS preflight requests
	// are handled before mux routing.
	srv := &http.Server{
		Addr:           ":" + cfg.Port,
		Handler:        mw.CORS(cfg.AllowedOrigins, r),
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1 MB
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		log.Println("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown failed: %v", err)
		}
	}()

	log.Printf("Starting server on :%s (feed=%s)", cfg.Port, cfg.FeedSource)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		svc.Stop()
		log.Fatalf("Server failed to start: %v", err)
	}

	// Hijacked websocket connections outlive Shutdown; Stop closes them.
	svc.Stop()
	log.Println("Server stopped")
}
