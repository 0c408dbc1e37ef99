/*
main.go - Application entry point

STARTUP SEQUENCE:
  1. Parse command-line flags
  2. Load business calendar and marketplace rules
  3. Initialize SQLite store (entities, point ledger, event log)
  4. Wire the lifecycle engine and HTTP router
  5. Start the sweep scheduler and HTTP server
  6. Graceful shutdown on SIGINT/SIGTERM

COMMAND-LINE FLAGS:
  -port            HTTP server port (default: 8080)
  -db              SQLite database path (default: deals.db, ":memory:" works)
  -calendar        YAML business calendar config (default: built-in KST 09-18)
  -rules           YAML marketplace rules config (default: built-in)
  -sweep-interval  How often the expiry sweep runs (default: 30s)
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/warp/deal-engine/api"
	"github.com/warp/deal-engine/audit"
	"github.com/warp/deal-engine/calendar"
	"github.com/warp/deal-engine/deadline"
	"github.com/warp/deal-engine/lifecycle"
	"github.com/warp/deal-engine/rules"
	"github.com/warp/deal-engine/store/sqlite"
)

func main() {
	port := flag.Int("port", 8080, "HTTP server port")
	dbPath := flag.String("db", "deals.db", "SQLite database path")
	calendarPath := flag.String("calendar", "", "business calendar YAML config")
	rulesPath := flag.String("rules", "", "marketplace rules YAML config")
	sweepInterval := flag.Duration("sweep-interval", 30*time.Second, "expiry sweep interval")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	// Business calendar
	calCfg := calendar.DefaultConfig()
	if *calendarPath != "" {
		var err error
		if calCfg, err = calendar.LoadConfig(*calendarPath); err != nil {
			log.Fatal().Err(err).Str("path", *calendarPath).Msg("failed to load calendar config")
		}
	}
	provider, err := calendar.NewProvider(calCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid calendar config")
	}

	// Marketplace rules
	r := rules.Default()
	if *rulesPath != "" {
		if r, err = rules.Load(*rulesPath); err != nil {
			log.Fatal().Err(err).Str("path", *rulesPath).Msg("failed to load rules config")
		}
	}

	// Storage
	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer store.Close()

	auditFailures := promauto.NewCounter(prometheus.CounterOpts{
		Name: "deal_engine_audit_record_failures_total",
		Help: "Audit events that could not be persisted.",
	})
	recorder := &audit.Safe{
		Inner:    store.Events(),
		Log:      log,
		Failures: auditFailures,
	}

	clock := deadline.NewClock(provider)
	engine := lifecycle.New(store, clock, store.Points(), recorder, r, log)

	scheduler := api.NewSweepScheduler(engine, *sweepInterval, log)
	scheduler.Start()
	defer scheduler.Stop()

	handler := api.NewHandler(engine, store.Points(), provider, *calendarPath, log)
	router := api.NewRouter(handler)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Int("port", *port).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("forced shutdown")
	}
	log.Info().Msg("server stopped")
}
