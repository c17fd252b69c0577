/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the dining engine server. Handles configuration,
  dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env + environment, flags override)
  2. Build the zap logger
  3. Open the configured store (sqlite, mongo or memory)
  4. Load the tariff card
  5. Wire services, handler and router
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -env     Path to a .env file (default: .env)
  -port    HTTP server port, overrides APP_PORT
  -db      SQLite database path, overrides SQLITE_PATH
           Use ":memory:" for an in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close the store
  4. Exit

SEE ALSO:
  - config/config.go: Environment variables
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/messhall/dining-engine/api"
	"github.com/messhall/dining-engine/config"
	"github.com/messhall/dining-engine/dining"
	"github.com/messhall/dining-engine/factory"
	"github.com/messhall/dining-engine/generic"
	"github.com/messhall/dining-engine/logger"
	"github.com/messhall/dining-engine/store/memory"
	"github.com/messhall/dining-engine/store/mongodb"
	"github.com/messhall/dining-engine/store/sqlite"
)

func main() {
	envFile := flag.String("env", ".env", "path to a .env file")
	port := flag.String("port", "", "HTTP server port (overrides APP_PORT)")
	dbPath := flag.String("db", "", "SQLite database path (overrides SQLITE_PATH)")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *port != "" {
		cfg.Server.Port = *port
	}
	if *dbPath != "" {
		cfg.Store.SQLitePath = *dbPath
	}

	log := logger.Must(logger.New(cfg.Log.Level, cfg.IsProduction()))
	defer log.Sync()

	store, closeStore, err := openStore(cfg)
	if err != nil {
		log.Fatal("failed to initialize store", zap.String("driver", cfg.Store.Driver), zap.Error(err))
	}
	defer closeStore()

	policy, err := factory.NewTariffFactory().LoadFile(cfg.Tariff.File)
	if err != nil {
		log.Fatal("failed to load tariff", zap.String("file", cfg.Tariff.File), zap.Error(err))
	}

	months := dining.NewMonthService(store, generic.SystemClock, logger.Named(log, "months"))
	accounts := dining.NewAccountService(store, policy, generic.SystemClock, logger.Named(log, "accounts"))
	handler := api.NewHandler(months, accounts, log)
	router := api.NewRouter(handler, api.Options{AllowedOrigins: cfg.Server.CORSOrigins})

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("server starting",
			zap.String("addr", server.Addr),
			zap.String("driver", cfg.Store.Driver),
			zap.String("rate_per_day", policy.RatePerDay.String()),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
}

// openStore returns the configured store and a function releasing it.
func openStore(cfg *config.Config) (dining.Store, func(), error) {
	switch cfg.Store.Driver {
	case config.DriverMemory:
		return memory.New(), func() {}, nil

	case config.DriverMongo:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s, err := mongodb.New(ctx, cfg.MongoDB.URI, cfg.MongoDB.DBName)
		if err != nil {
			return nil, nil, err
		}
		return s, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			s.Close(ctx)
		}, nil

	default:
		s, err := sqlite.New(cfg.Store.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	}
}
