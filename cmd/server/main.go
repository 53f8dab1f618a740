package main

import (
	"chat-sync/infrastructure/httpapi"
	"chat-sync/infrastructure/websocket"
	"chat-sync/internal"
	"chat-sync/observability"
	"chat-sync/repositories"
	"chat-sync/runtime"
	"chat-sync/runtime/workers"
	"chat-sync/services"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/Netflix/go-env"
	"github.com/dgraph-io/badger/v4"
	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/logs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

// run wires the relay and blocks until a signal arrives.
// Returning instead of exiting lets the deferred database close run.
func run() error {
	// 1. Configuration & Logger
	_ = godotenv.Load()
	var config internal.Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	if err := config.Validate(); err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	log := logs.GetLoggerFromString(config.LogLevel)

	// 2. Database (BadgerDB)
	db, err := badger.Open(badger.DefaultOptions(config.BadgerFilepath).
		WithLoggingLevel(badger.INFO))
	if err != nil {
		return fmt.Errorf("database opening failed: %w", err)
	}
	defer func() {
		log.Info("Closing BadgerDB...")
		_ = db.Close()
	}()

	// 3. Realtime layer
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	hub := runtime.NewRegistry(log, metrics)
	notifier := runtime.NewNotifier(log, metrics, hub, config.PublishTimeout)

	users := repositories.NewUserRepository(db)
	service := services.NewConversationService(log,
		users,
		repositories.NewConversationRepository(db),
		repositories.NewMessageRepository(db, log, config.LimitMessages),
		notifier,
	)

	// 4. Endpoints
	mux := http.NewServeMux()
	mux.Handle("/ws", websocket.NewServer(log, metrics, hub, websocket.Options{
		WriteWait:      config.WriteWait,
		PongWait:       config.PongWait,
		MaxMessageSize: config.MaxMessageSize,
		BufferSize:     config.ConnectionBufferSize,
	}))
	mux.Handle("/api/", httpapi.NewHandler(log, service, users))
	mux.Handle(config.MetricsPath, promhttp.Handler())
	monitoring := observability.NewMonitoringManager(log, hub, config.MonitoringInterval)
	mux.HandleFunc("/inspect", internal.InspectHandler(db, monitoring.AsMap))

	// 5. Context & Signals
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 6. Supervised workers, blocks until ctx ends
	supervisor := workers.NewSupervisor(log, config.RestartInterval)
	supervisor.Add(
		internal.NewHTTPServer(log, config.Addr(), mux),
		monitoring,
	)
	supervisor.Run(ctx)

	log.Info("Program stopped cleanly")
	return nil
}
